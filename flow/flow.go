// Package flow holds the client-side state machines for account enrolment,
// password change and password-reset requests. Each flow talks to the account
// manager through a shared channel.Bus and reports its outcome through
// notifications and state, never by returning remote errors to the caller.
package flow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puyokura/cmppaccount/channel"
	"github.com/puyokura/cmppaccount/model"
	"github.com/sirupsen/logrus"
)

// NoticeDuration is how long transient notifications stay visible.
const NoticeDuration = 5 * time.Second

var (
	ErrPasswordMismatch    = errors.New("new passwords do not match")
	ErrOldPasswordRequired = errors.New("current password required")
	ErrTermsNotAccepted    = errors.New("terms of service not accepted")
)

// ValidationError names the form field whose precondition failed. Nothing is
// sent when a flow returns one.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Severity of a notification.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Notification is a transient message for the user.
type Notification struct {
	Severity Severity
	Title    string
	Body     string
	Duration time.Duration
}

// Session exposes what the flows need to know about the acting user.
type Session interface {
	SignedIn() bool
	HasPassword() bool
	Logout()
}

// Notifier displays transient notifications.
type Notifier interface {
	Notify(n Notification)
}

// Navigator moves the UI to a named state.
type Navigator interface {
	Navigate(state string)
}

// Deps are the collaborators shared by all flows.
type Deps struct {
	Bus       *channel.Bus
	Session   Session
	Notifier  Notifier
	Navigator Navigator
	Log       *logrus.Entry
	// Component addresses the account manager. Defaults to model.Component.
	Component string
	// Timeout bounds every correlated request. Zero uses the bus default.
	Timeout time.Duration
}

func (d Deps) component() string {
	if d.Component == "" {
		return model.Component
	}
	return d.Component
}

func (d Deps) logger(name string) *logrus.Entry {
	log := d.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return log.WithField("flow", name)
}

func (d Deps) notify(sev Severity, title, body string) {
	if d.Notifier == nil {
		return
	}
	d.Notifier.Notify(Notification{Severity: sev, Title: title, Body: body, Duration: NoticeDuration})
}

func (d Deps) invalid(log *logrus.Entry, field string, err error) error {
	log.WithField("field", field).Warn(err.Error())
	d.notify(SeverityWarning, "Check your input", capitalize(err.Error()))
	return &ValidationError{Field: field, Err: err}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// requester sends correlated requests on behalf of a flow and remembers them
// so the flow can cancel whatever is still outstanding when it closes.
type requester struct {
	deps Deps
	log  *logrus.Entry

	mu       sync.Mutex
	inflight map[*channel.Pending]struct{}
}

func newRequester(deps Deps, log *logrus.Entry) *requester {
	return &requester{deps: deps, log: log, inflight: make(map[*channel.Pending]struct{})}
}

// request sends action with data. settle receives the response or the reason
// the request failed; it may run before request returns.
func (r *requester) request(action model.Action, data interface{}, expect []model.Action, settle func(model.ActionMessage, error)) error {
	msg, err := model.NewActionMessage(r.deps.component(), action, data)
	if err != nil {
		r.log.WithError(err).Error("cannot build request")
		return err
	}

	p := r.deps.Bus.Request(msg, channel.RequestOptions{
		Expect:   expect,
		Timeout:  r.deps.Timeout,
		OnSettle: settle,
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	for q := range r.inflight {
		select {
		case <-q.Done():
			delete(r.inflight, q)
		default:
		}
	}
	select {
	case <-p.Done():
		_, err = p.Result()
		return err
	default:
		r.inflight[p] = struct{}{}
	}
	return nil
}

func (r *requester) cancelAll() {
	r.mu.Lock()
	pending := r.inflight
	r.inflight = make(map[*channel.Pending]struct{})
	r.mu.Unlock()

	for p := range pending {
		p.Cancel()
	}
}
