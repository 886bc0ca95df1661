package flow

import (
	"errors"
	"sync"

	"github.com/puyokura/cmppaccount/channel"
	"github.com/puyokura/cmppaccount/model"
	"github.com/sirupsen/logrus"
)

// DefaultLandingState is where a successful password change navigates to.
const DefaultLandingState = "app.menu"

type PasswordOptions struct {
	LandingState string
}

// PasswordChange submits old/new password pairs for a signed-in user.
type PasswordChange struct {
	deps    Deps
	log     *logrus.Entry
	req     *requester
	sub     *channel.Subscription
	landing string

	mu     sync.Mutex
	closed bool
}

func NewPasswordChange(deps Deps, opts PasswordOptions) *PasswordChange {
	landing := opts.LandingState
	if landing == "" {
		landing = DefaultLandingState
	}
	log := deps.logger("password")
	p := &PasswordChange{
		deps:    deps,
		log:     log,
		req:     newRequester(deps, log),
		landing: landing,
	}
	p.sub = deps.Bus.Subscribe(deps.component(), p.handle)
	return p
}

// ChangePassword validates and submits the change. The old password may only
// be empty for accounts without one.
func (p *PasswordChange) ChangePassword(old, newPassword, confirm string) error {
	if p.deps.Session != nil && p.deps.Session.HasPassword() && old == "" {
		return p.deps.invalid(p.log, "password_old", ErrOldPasswordRequired)
	}
	if newPassword != confirm {
		return p.deps.invalid(p.log, "password_confirm", ErrPasswordMismatch)
	}
	if p.isClosed() {
		return channel.ErrClosed
	}

	p.log.Info("transmitting password change request")
	p.req.request(model.ActionChangePassword, model.ChangePasswordPayload{Old: old, New: newPassword},
		nil, p.settled)
	return nil
}

// Close detaches the flow.
func (p *PasswordChange) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.sub.Unsubscribe()
	p.req.cancelAll()
}

func (p *PasswordChange) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *PasswordChange) settled(resp model.ActionMessage, err error) {
	if err == nil {
		p.handle(resp)
		return
	}
	if errors.Is(err, channel.ErrCanceled) || p.isClosed() {
		return
	}
	p.log.WithError(err).Warn("password change failed")
	p.deps.notify(SeverityDanger, "Password not changed",
		"The account manager did not answer. Your password has not been changed!")
}

func (p *PasswordChange) handle(msg model.ActionMessage) {
	if msg.Action != model.ActionChangePassword || p.isClosed() {
		return
	}

	var changed bool
	if err := msg.Decode(&changed); err != nil {
		p.log.WithError(err).Warn("bad changepassword response")
		return
	}

	if !changed {
		p.log.Info("password change rejected")
		p.deps.notify(SeverityDanger, "Password not changed", "Your password has not been changed!")
		return
	}

	p.log.Info("password changed")
	p.deps.notify(SeveritySuccess, "Password changed!", "Your password has been changed successfully.")
	if p.deps.Navigator != nil {
		p.deps.Navigator.Navigate(p.landing)
	}
}
