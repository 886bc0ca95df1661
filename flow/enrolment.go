package flow

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/puyokura/cmppaccount/channel"
	"github.com/puyokura/cmppaccount/model"
	"github.com/sirupsen/logrus"
)

// DefaultSettleDelay gives the session bootstrap time to resolve before the
// registration status is queried.
const DefaultSettleDelay = 2 * time.Second

var ErrSubmitting = errors.New("enrolment already submitted")

// Phase is the position of an enrolment in its state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingStatus
	PhaseRegistrationClosed
	PhaseCaptchaPending
	PhaseSubmitting
	PhaseEnrolled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingStatus:
		return "awaiting status"
	case PhaseRegistrationClosed:
		return "registration closed"
	case PhaseCaptchaPending:
		return "captcha pending"
	case PhaseSubmitting:
		return "submitting"
	case PhaseEnrolled:
		return "enrolled"
	}
	return "unknown"
}

// RegistrationState is whether the account manager accepts enrolments.
type RegistrationState int

const (
	RegistrationUnknown RegistrationState = iota
	RegistrationOpen
	RegistrationClosed
)

func (r RegistrationState) String() string {
	switch r {
	case RegistrationOpen:
		return "open"
	case RegistrationClosed:
		return "closed"
	}
	return "unknown"
}

// Captcha is the challenge payload as received. The account manager sends a
// base64 encoded image.
type Captcha struct {
	Image string
}

// Bytes decodes the image payload.
func (c Captcha) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Image)
}

// EnrolForm is what the user fills in to create an account.
type EnrolForm struct {
	Username        string
	Mail            string
	PasswordNew     string
	PasswordConfirm string
	AcceptTOS       bool
	Captcha         string
}

// EnrolmentState is a snapshot of an Enrolment.
type EnrolmentState struct {
	Phase        Phase
	Registration RegistrationState
	Captcha      *Captcha // nil until a challenge arrives and while a new one is requested
	Submitting   bool
	Success      bool
	Enrolled     bool
	Invited      bool
}

type EnrolmentOptions struct {
	// SettleDelay before the first status request. Zero sends it at once.
	SettleDelay time.Duration
}

// Enrolment drives registration status, captcha retrieval and account
// enrolment for a session that is not signed in.
type Enrolment struct {
	deps Deps
	log  *logrus.Entry
	req  *requester
	sub  *channel.Subscription

	mu     sync.Mutex
	state  EnrolmentState
	settle *time.Timer
	closed bool
	// captchaSeq numbers captcha requests; only the latest may set the image.
	captchaSeq int
}

// NewEnrolment subscribes to the account manager and, unless the session is
// already signed in, schedules the registration status query.
func NewEnrolment(deps Deps, opts EnrolmentOptions) *Enrolment {
	log := deps.logger("enrol")
	e := &Enrolment{
		deps: deps,
		log:  log,
		req:  newRequester(deps, log),
	}
	e.sub = deps.Bus.Subscribe(deps.component(), e.handle)

	if deps.Session != nil && deps.Session.SignedIn() {
		return e
	}
	if opts.SettleDelay <= 0 {
		e.RegistrationStatus()
		return e
	}
	e.mu.Lock()
	e.settle = time.AfterFunc(opts.SettleDelay, e.RegistrationStatus)
	e.mu.Unlock()
	return e
}

// State returns a snapshot of the enrolment.
func (e *Enrolment) State() EnrolmentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	if s.Captcha != nil {
		c := *s.Captcha
		s.Captcha = &c
	}
	return s
}

// RegistrationStatus asks whether enrolment is open.
func (e *Enrolment) RegistrationStatus() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.state.Phase == PhaseIdle {
		e.state.Phase = PhaseAwaitingStatus
	}
	e.mu.Unlock()

	e.log.Info("requesting registration status")
	e.req.request(model.ActionStatus, nil, nil, e.settled(model.ActionStatus))
}

// GetCaptcha discards the current challenge and requests a new one.
func (e *Enrolment) GetCaptcha() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.state.Captcha = nil
	switch e.state.Phase {
	case PhaseSubmitting, PhaseEnrolled:
	default:
		e.state.Phase = PhaseCaptchaPending
	}
	e.captchaSeq++
	seq := e.captchaSeq
	e.mu.Unlock()

	e.log.Info("requesting captcha")
	e.req.request(model.ActionCaptcha, nil, nil, func(resp model.ActionMessage, err error) {
		if e.supersededCaptcha(seq) {
			e.log.WithError(err).Debug("ignoring reply to superseded captcha request")
			return
		}
		e.settled(model.ActionCaptcha)(resp, err)
	})
}

func (e *Enrolment) supersededCaptcha(seq int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return seq != e.captchaSeq
}

// Enrol submits the form. A *ValidationError means nothing was sent.
func (e *Enrolment) Enrol(form EnrolForm) error {
	if form.PasswordNew != form.PasswordConfirm {
		return e.deps.invalid(e.log, "password_confirm", ErrPasswordMismatch)
	}
	if !form.AcceptTOS {
		return e.deps.invalid(e.log, "accept_tos", ErrTermsNotAccepted)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return channel.ErrClosed
	}
	if e.state.Submitting {
		e.mu.Unlock()
		return ErrSubmitting
	}
	e.state.Submitting = true
	e.state.Phase = PhaseSubmitting
	e.mu.Unlock()

	payload := model.EnrolPayload{
		Username: form.Username,
		Mail:     form.Mail,
		Password: form.PasswordNew,
		Captcha:  strings.ToUpper(form.Captcha),
	}
	e.log.WithField("username", form.Username).Info("transmitting enrolment request")
	e.req.request(model.ActionEnrol, payload,
		[]model.Action{model.ActionEnrol, model.ActionInvite}, e.settled(model.ActionEnrol))
	return nil
}

// Logout signs the session out.
func (e *Enrolment) Logout() {
	if e.deps.Session != nil {
		e.deps.Session.Logout()
	}
}

// Close detaches the flow. Responses arriving afterwards are ignored.
func (e *Enrolment) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.settle != nil {
		e.settle.Stop()
	}
	e.mu.Unlock()

	e.sub.Unsubscribe()
	e.req.cancelAll()
}

func (e *Enrolment) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Enrolment) settled(action model.Action) func(model.ActionMessage, error) {
	return func(resp model.ActionMessage, err error) {
		if err != nil {
			e.failed(action, err)
			return
		}
		e.handle(resp)
	}
}

func (e *Enrolment) handle(msg model.ActionMessage) {
	if e.isClosed() {
		return
	}
	switch msg.Action {
	case model.ActionStatus:
		e.onStatus(msg)
	case model.ActionCaptcha:
		e.onCaptcha(msg)
	case model.ActionEnrol:
		e.onEnrol(msg)
	case model.ActionInvite:
		e.onInvite(msg)
	default:
		e.log.WithField("action", msg.Action).Debug("ignoring action")
	}
}

func (e *Enrolment) onStatus(msg model.ActionMessage) {
	var open bool
	if err := msg.Decode(&open); err != nil {
		e.log.WithError(err).Warn("bad status response")
		return
	}
	e.log.WithField("open", open).Info("registration status")

	e.mu.Lock()
	if open {
		e.state.Registration = RegistrationOpen
	} else {
		e.state.Registration = RegistrationClosed
		switch e.state.Phase {
		case PhaseIdle, PhaseAwaitingStatus, PhaseCaptchaPending:
			e.state.Phase = PhaseRegistrationClosed
		}
	}
	e.mu.Unlock()

	if open {
		e.GetCaptcha()
	}
}

func (e *Enrolment) onCaptcha(msg model.ActionMessage) {
	image := string(msg.Data)
	var encoded string
	if err := msg.Decode(&encoded); err == nil {
		image = encoded
	}
	e.log.WithField("size", len(image)).Info("got captcha")

	e.mu.Lock()
	e.state.Captcha = &Captcha{Image: image}
	switch e.state.Phase {
	case PhaseIdle, PhaseAwaitingStatus:
		e.state.Phase = PhaseCaptchaPending
	}
	e.mu.Unlock()
}

func (e *Enrolment) onEnrol(msg model.ActionMessage) {
	var res model.Result
	if err := msg.Decode(&res); err != nil {
		e.log.WithError(err).Warn("bad enrol response")
		return
	}

	if !res.OK {
		e.log.WithField("reason", res.Message).Info("enrolment rejected")
		e.resetSubmitting()
		e.deps.notify(SeverityDanger, "Unsuccessful", res.Message)
		return
	}

	e.log.Info("enrolment accepted")
	e.mu.Lock()
	e.state.Submitting = false
	e.state.Success = true
	e.state.Enrolled = true
	e.state.Phase = PhaseEnrolled
	e.mu.Unlock()
	e.deps.notify(SeveritySuccess, "Success", res.Message)
}

func (e *Enrolment) onInvite(msg model.ActionMessage) {
	var res model.Result
	if err := msg.Decode(&res); err != nil {
		e.log.WithError(err).Warn("bad invite response")
		return
	}

	if !res.OK {
		e.log.Info("error during enrolment")
		e.resetSubmitting()
		e.deps.notify(SeverityDanger, "Error",
			"Your enrolment did not succeed. You may want to check the form for errors and try again.")
		return
	}

	e.log.Info("invitation was sent")
	e.mu.Lock()
	e.state.Submitting = false
	e.state.Success = true
	e.state.Invited = true
	e.state.Enrolled = true
	e.state.Phase = PhaseEnrolled
	e.mu.Unlock()
}

func (e *Enrolment) failed(action model.Action, err error) {
	if errors.Is(err, channel.ErrCanceled) || e.isClosed() {
		return
	}
	e.log.WithError(err).WithField("action", action).Warn("request failed")

	switch action {
	case model.ActionEnrol:
		e.resetSubmitting()
		e.deps.notify(SeverityDanger, "Unsuccessful",
			"The account manager did not answer your enrolment. Please try again.")
	case model.ActionCaptcha:
		e.deps.notify(SeverityWarning, "Captcha unavailable",
			"No captcha was received. Request a new one to continue.")
	case model.ActionStatus:
		e.mu.Lock()
		if e.state.Phase == PhaseAwaitingStatus {
			e.state.Phase = PhaseIdle
		}
		e.mu.Unlock()
	}
}

// resetSubmitting returns a submitted enrolment to the captcha stage.
func (e *Enrolment) resetSubmitting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Submitting = false
	if e.state.Phase == PhaseSubmitting {
		e.state.Phase = PhaseCaptchaPending
	}
}
