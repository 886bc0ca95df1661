package main

import (
	"encoding/base64"
	"encoding/json"
	"math/rand"
	"net/mail"
	"time"

	"github.com/puyokura/cmppaccount/model"
)

const captchaAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateCaptcha() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = captchaAlphabet[rand.Intn(len(captchaAlphabet))]
	}
	return string(b)
}

func (c *Client) handleAction(msg model.ActionMessage) {
	log := c.log.WithField("action", msg.Action)
	log.Debug("request")

	switch msg.Action {
	case model.ActionStatus:
		c.reply(msg, c.hub.config.RegistrationOpen())
	case model.ActionCaptcha:
		c.issueCaptcha(msg.ID)
	case model.ActionEnrol:
		c.handleEnrol(msg)
	case model.ActionChangePassword:
		c.handleChangePassword(msg)
	case model.ActionRequestReset:
		c.handleRequestReset(msg)
	default:
		log.Warn("unknown action")
	}
}

// deliver queues msg for the write pump.
func (c *Client) deliver(msg model.ActionMessage) bool {
	bytes, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Error("cannot encode response")
		return false
	}
	return c.queue(bytes)
}

// reply answers req with the same action, echoing its correlation id.
func (c *Client) reply(req model.ActionMessage, data interface{}) {
	c.replyAs(req.Action, req.ID, data)
}

func (c *Client) replyAs(action model.Action, id string, data interface{}) {
	msg, err := model.NewActionMessage(model.Component, action, data)
	if err != nil {
		c.log.WithError(err).Error("cannot build response")
		return
	}
	msg.ID = id
	c.deliver(msg)
}

func (c *Client) fail(req model.ActionMessage, reason string) {
	c.log.WithField("action", req.Action).WithField("reason", reason).Info("request failed")
	c.reply(req, model.Result{OK: false, Message: reason})
}

func (c *Client) currentUser() *model.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// issueCaptcha stores a new challenge and transmits it after the configured
// delay. id is empty for captchas the server issues on its own.
func (c *Client) issueCaptcha(id string) {
	text := generateCaptcha()
	c.mu.Lock()
	c.captcha = text
	c.mu.Unlock()

	transmit := func() {
		c.log.Debug("transmitting captcha")
		c.replyAs(model.ActionCaptcha, id, base64.StdEncoding.EncodeToString([]byte(text)))
	}
	if delay := c.hub.config.captchaDelay(); delay > 0 {
		time.AfterFunc(delay, transmit)
		return
	}
	transmit()
}

func (c *Client) handleEnrol(msg model.ActionMessage) {
	if !c.hub.config.RegistrationOpen() {
		c.log.Info("enrolment attempted while registration is closed")
		c.fail(msg, "Registration is closed.")
		return
	}
	if !c.limiter.Allow() {
		c.fail(msg, "Too many attempts. Please wait a moment.")
		return
	}

	var payload model.EnrolPayload
	if err := msg.Decode(&payload); err != nil {
		c.fail(msg, "You have to supply all required fields.")
		return
	}

	c.mu.Lock()
	expected := c.captcha
	c.mu.Unlock()
	if expected == "" || payload.Captcha != expected {
		c.fail(msg, "You did not solve the captcha correctly.")
		c.issueCaptcha("")
		return
	}

	store := c.hub.store
	switch {
	case payload.Mail == "":
		c.fail(msg, "You have to supply all required fields.")
		return
	case !validMail(payload.Mail):
		c.fail(msg, "The supplied email address seems invalid")
		return
	case store.MailInUse(payload.Mail):
		c.fail(msg, "Your mail address cannot be used.")
		return
	case len(payload.Password) < c.hub.config.minPasswordLength():
		c.fail(msg, "Your password is not long enough.")
		return
	case payload.Username == "":
		c.fail(msg, "Your username is not long enough.")
		return
	case store.NameTaken(payload.Username):
		c.fail(msg, "The username you supplied is not available.")
		return
	}

	if c.hub.config.Verify() {
		if _, err := store.AddEnrollment(payload.Username, payload.Mail, payload.Password); err != nil {
			c.log.WithError(err).Warn("cannot store enrollment")
			c.fail(msg, "The username you supplied is not available.")
			return
		}
		c.consumeCaptcha()
		c.log.WithField("username", payload.Username).Info("enrollment stored")
		c.replyAs(model.ActionInvite, msg.ID, []interface{}{true, payload.Mail})
		return
	}

	user, err := store.RegisterUser(payload.Username, payload.Mail, payload.Password)
	if err != nil {
		c.log.WithError(err).Warn("cannot create user")
		c.fail(msg, "The username you supplied is not available.")
		return
	}
	c.mu.Lock()
	c.user = user
	c.captcha = ""
	c.mu.Unlock()
	c.log.WithField("username", user.Username).Info("user enrolled")
	c.reply(msg, model.Result{OK: true, Message: "Your account has been created. Welcome, " + user.Username + "!"})
}

func (c *Client) consumeCaptcha() {
	c.mu.Lock()
	c.captcha = ""
	c.mu.Unlock()
}

func validMail(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Address == addr
}

func (c *Client) handleChangePassword(msg model.ActionMessage) {
	user := c.currentUser()
	if user == nil {
		c.log.Warn("password change without a signed-in user")
		c.reply(msg, false)
		return
	}

	var payload model.ChangePasswordPayload
	if err := msg.Decode(&payload); err != nil {
		c.reply(msg, false)
		return
	}
	if err := c.hub.store.ChangePassword(user.Username, payload.Old, payload.New); err != nil {
		c.log.WithError(err).WithField("username", user.Username).Warn("password not changed")
		c.reply(msg, false)
		return
	}
	c.log.WithField("username", user.Username).Info("password changed")
	c.reply(msg, true)
}

func (c *Client) handleRequestReset(msg model.ActionMessage) {
	if !c.limiter.Allow() {
		c.fail(msg, "Too many attempts. Please wait a moment.")
		return
	}

	var payload model.ResetPayload
	if err := msg.Decode(&payload); err != nil || payload.Email == "" {
		c.fail(msg, "Mail address unknown")
		return
	}
	user := c.hub.store.UserByMail(payload.Email)
	if user == nil {
		c.fail(msg, "Mail address unknown")
		return
	}
	// Mail delivery is out of scope for the development server.
	c.log.WithField("username", user.Username).Info("password reset requested")
}
