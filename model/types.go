package model

import (
	"encoding/json"
	"fmt"
)

// Component is the logical name of the remote account manager.
const Component = "isomer.enrol.enrolmanager"

// Action identifies the operation carried by an ActionMessage.
type Action string

const (
	ActionStatus         Action = "status"
	ActionCaptcha        Action = "captcha"
	ActionEnrol          Action = "enrol"
	ActionInvite         Action = "invite"
	ActionChangePassword Action = "changepassword"
	ActionRequestReset   Action = "request_reset"
)

// ActionMessage is the envelope used in both directions on the channel.
type ActionMessage struct {
	Component string          `json:"component"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"` // Correlation token, echoed by peers that support it
}

// NewActionMessage builds a message for the given component, marshalling data
// when it is non-nil.
func NewActionMessage(component string, action Action, data interface{}) (ActionMessage, error) {
	msg := ActionMessage{Component: component, Action: action}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return msg, fmt.Errorf("encode %s data: %w", action, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the message data into v.
func (m ActionMessage) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty data", m.Action)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode data: %w", m.Action, err)
	}
	return nil
}

// EnrolPayload is the data of an enrol request.
type EnrolPayload struct {
	Username string `json:"username"`
	Mail     string `json:"mail"`
	Password string `json:"password"`
	Captcha  string `json:"captcha"`
}

// ChangePasswordPayload is the data of a changepassword request.
type ChangePasswordPayload struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// ResetPayload is the data of a request_reset request.
type ResetPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Result is the [ok, message, ...] tuple used by enrol, invite and failure
// responses. Message is empty when the peer sent a one-element tuple.
type Result struct {
	OK      bool
	Message string
}

// UnmarshalJSON accepts arrays of one or more elements. Only the first must be a
// boolean; a non-string second element is kept in its raw JSON form.
func (r *Result) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("result: empty tuple")
	}
	if err := json.Unmarshal(parts[0], &r.OK); err != nil {
		return fmt.Errorf("result: first element: %w", err)
	}
	r.Message = ""
	if len(parts) > 1 {
		if err := json.Unmarshal(parts[1], &r.Message); err != nil {
			r.Message = string(parts[1])
		}
	}
	return nil
}

// MarshalJSON encodes the result as [ok, message].
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{r.OK, r.Message})
}
