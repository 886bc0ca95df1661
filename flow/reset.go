package flow

import (
	"github.com/puyokura/cmppaccount/model"
	"github.com/sirupsen/logrus"
)

// Reset asks the account manager to start a password reset. No response is
// consumed.
type Reset struct {
	deps Deps
	log  *logrus.Entry
}

func NewReset(deps Deps) *Reset {
	return &Reset{deps: deps, log: deps.logger("reset")}
}

// RequestReset sends the request as given. The error only reports a transport
// failure.
func (r *Reset) RequestReset(username, email string) error {
	msg, err := model.NewActionMessage(r.deps.component(), model.ActionRequestReset,
		model.ResetPayload{Username: username, Email: email})
	if err != nil {
		return err
	}
	r.log.Info("transmitting reset request")
	return r.deps.Bus.Send(msg)
}
