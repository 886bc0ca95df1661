package flow

import (
	"errors"
	"testing"
	"time"

	"github.com/puyokura/cmppaccount/channel"
	"github.com/puyokura/cmppaccount/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validForm() EnrolForm {
	return EnrolForm{
		Username:        "riot",
		Mail:            "riot@example.org",
		PasswordNew:     "secret1",
		PasswordConfirm: "secret1",
		AcceptTOS:       true,
		Captcha:         "ab12cd",
	}
}

func TestEnrolment_QueriesStatusWhenSignedOut(t *testing.T) {
	h := newHarness(t)

	e := NewEnrolment(h.deps, EnrolmentOptions{})

	assert.Equal(t, []model.Action{model.ActionStatus}, h.sender.actions())
	assert.Equal(t, PhaseAwaitingStatus, e.State().Phase)
	assert.Equal(t, RegistrationUnknown, e.State().Registration)
}

func TestEnrolment_SkipsStatusWhenSignedIn(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true

	e := NewEnrolment(h.deps, EnrolmentOptions{})

	assert.Zero(t, h.sender.count())
	assert.Equal(t, PhaseIdle, e.State().Phase)
}

func TestEnrolment_WaitsForSettleDelay(t *testing.T) {
	h := newHarness(t)

	e := NewEnrolment(h.deps, EnrolmentOptions{SettleDelay: 20 * time.Millisecond})
	assert.Zero(t, h.sender.count())

	require.Eventually(t, func() bool { return h.sender.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.ActionStatus, h.sender.last().Action)
	assert.Equal(t, PhaseAwaitingStatus, e.State().Phase)
}

func TestEnrolment_CloseStopsSettleTimer(t *testing.T) {
	h := newHarness(t)

	e := NewEnrolment(h.deps, EnrolmentOptions{SettleDelay: 20 * time.Millisecond})
	e.Close()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, h.sender.count())
}

func TestEnrolment_OpenStatusRequestsCaptcha(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})

	h.inbound(model.ActionCaptcha, `"b2xk"`)
	require.NotNil(t, e.State().Captcha)

	h.inbound(model.ActionStatus, `true`)

	assert.Equal(t, []model.Action{model.ActionCaptcha}, h.sender.actions())
	st := e.State()
	assert.Equal(t, RegistrationOpen, st.Registration)
	assert.Equal(t, PhaseCaptchaPending, st.Phase)
	assert.Nil(t, st.Captcha, "stale captcha must be cleared before the new request")
}

func TestEnrolment_ClosedStatusSendsNothing(t *testing.T) {
	h := newHarness(t)
	e := NewEnrolment(h.deps, EnrolmentOptions{})

	h.inbound(model.ActionStatus, `false`)

	assert.Equal(t, []model.Action{model.ActionStatus}, h.sender.actions())
	assert.Equal(t, RegistrationClosed, e.State().Registration)
	assert.Equal(t, PhaseRegistrationClosed, e.State().Phase)
}

func TestEnrolment_CaptchaStored(t *testing.T) {
	h := newHarness(t)
	e := NewEnrolment(h.deps, EnrolmentOptions{})
	h.inbound(model.ActionStatus, `true`)

	h.inbound(model.ActionCaptcha, `"aGVsbG8="`)

	st := e.State()
	require.NotNil(t, st.Captcha)
	assert.Equal(t, "aGVsbG8=", st.Captcha.Image)
	raw, err := st.Captcha.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))
	assert.Equal(t, PhaseCaptchaPending, st.Phase)
}

func TestEnrolment_GetCaptchaTwice(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})

	e.GetCaptcha()
	assert.Nil(t, e.State().Captcha)
	e.GetCaptcha()
	assert.Nil(t, e.State().Captcha)

	assert.Equal(t, []model.Action{model.ActionCaptcha, model.ActionCaptcha}, h.sender.actions())
	assert.Equal(t, 2, h.bus.PendingCount())

	// The first reply answers the superseded request.
	h.inbound(model.ActionCaptcha, `"Zmlyc3Q="`)
	assert.Nil(t, e.State().Captcha)
	assert.Equal(t, 1, h.bus.PendingCount())

	h.inbound(model.ActionCaptcha, `"c2Vjb25k"`)
	require.NotNil(t, e.State().Captcha)
	assert.Equal(t, "c2Vjb25k", e.State().Captcha.Image)
	assert.Zero(t, h.bus.PendingCount())
}

func TestEnrolment_LateCaptchaForOlderRequestIgnored(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})

	e.GetCaptcha()
	first := h.sender.last().ID
	e.GetCaptcha()
	second := h.sender.last().ID

	h.bus.Dispatch(model.ActionMessage{Component: model.Component, Action: model.ActionCaptcha,
		Data: []byte(`"c2Vjb25k"`), ID: second})
	h.bus.Dispatch(model.ActionMessage{Component: model.Component, Action: model.ActionCaptcha,
		Data: []byte(`"Zmlyc3Q="`), ID: first})

	require.NotNil(t, e.State().Captcha)
	assert.Equal(t, "c2Vjb25k", e.State().Captcha.Image)
	assert.Empty(t, h.notifier.all())
}

func TestEnrolment_EnrolMismatchedPasswords(t *testing.T) {
	cases := []struct{ a, b string }{
		{"secret1", "secret2"},
		{"secret", ""},
		{"", "x"},
		{"Secret", "secret"},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.session.signedIn = true
		e := NewEnrolment(h.deps, EnrolmentOptions{})
		before := e.State()

		form := validForm()
		form.PasswordNew, form.PasswordConfirm = tc.a, tc.b
		err := e.Enrol(form)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "password_confirm", verr.Field)
		assert.ErrorIs(t, err, ErrPasswordMismatch)
		assert.Zero(t, h.sender.count())
		assert.Equal(t, before, e.State())

		notes := h.notifier.all()
		require.Len(t, notes, 1)
		assert.Equal(t, SeverityWarning, notes[0].Severity)
	}
}

func TestEnrolment_EnrolRequiresTerms(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})

	form := validForm()
	form.AcceptTOS = false
	err := e.Enrol(form)

	assert.ErrorIs(t, err, ErrTermsNotAccepted)
	assert.Zero(t, h.sender.count())
	assert.False(t, e.State().Submitting)
}

func TestEnrolment_EnrolSendsUppercasedCaptcha(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})

	require.NoError(t, e.Enrol(validForm()))

	sent := h.sender.last()
	assert.Equal(t, model.ActionEnrol, sent.Action)
	assert.Equal(t, model.Component, sent.Component)
	assert.NotEmpty(t, sent.ID)
	assert.JSONEq(t, `{"username":"riot","mail":"riot@example.org","password":"secret1","captcha":"AB12CD"}`,
		string(sent.Data))

	st := e.State()
	assert.True(t, st.Submitting)
	assert.Equal(t, PhaseSubmitting, st.Phase)

	assert.ErrorIs(t, e.Enrol(validForm()), ErrSubmitting)
	assert.Equal(t, 1, h.sender.count())
}

func TestEnrolment_RejectedEnrol(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})
	require.NoError(t, e.Enrol(validForm()))

	h.inbound(model.ActionEnrol, `[false, "bad captcha"]`)

	st := e.State()
	assert.False(t, st.Submitting)
	assert.False(t, st.Enrolled)
	assert.False(t, st.Success)
	assert.Equal(t, PhaseCaptchaPending, st.Phase)

	notes := h.notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, SeverityDanger, notes[0].Severity)
	assert.Equal(t, "bad captcha", notes[0].Body)
	assert.Equal(t, NoticeDuration, notes[0].Duration)

	// No automatic captcha re-request.
	assert.Equal(t, []model.Action{model.ActionEnrol}, h.sender.actions())
}

func TestEnrolment_AcceptedEnrol(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})
	require.NoError(t, e.Enrol(validForm()))

	h.inbound(model.ActionEnrol, `[true, "welcome"]`)

	st := e.State()
	assert.True(t, st.Enrolled)
	assert.True(t, st.Success)
	assert.False(t, st.Submitting)
	assert.False(t, st.Invited)
	assert.Equal(t, PhaseEnrolled, st.Phase)

	notes := h.notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, SeveritySuccess, notes[0].Severity)
	assert.Equal(t, "welcome", notes[0].Body)
}

func TestEnrolment_CorrelatedResponse(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})
	require.NoError(t, e.Enrol(validForm()))

	resp := model.ActionMessage{
		Component: model.Component,
		Action:    model.ActionEnrol,
		Data:      []byte(`[true, "welcome"]`),
		ID:        h.sender.last().ID,
	}
	h.bus.Dispatch(resp)

	assert.True(t, e.State().Enrolled)
	assert.Zero(t, h.bus.PendingCount())
}

func TestEnrolment_InviteAnswersEnrol(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})
	require.NoError(t, e.Enrol(validForm()))

	h.inbound(model.ActionInvite, `[true, "riot@example.org"]`)

	st := e.State()
	assert.True(t, st.Invited)
	assert.True(t, st.Enrolled)
	assert.True(t, st.Success)
	assert.False(t, st.Submitting)
	assert.Empty(t, h.notifier.all())
	assert.Zero(t, h.bus.PendingCount())
}

func TestEnrolment_ServerPushedInvite(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})

	h.inbound(model.ActionInvite, `[false]`)
	assert.False(t, e.State().Enrolled)
	notes := h.notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, SeverityDanger, notes[0].Severity)

	h.inbound(model.ActionInvite, `[true]`)
	assert.True(t, e.State().Invited)
	assert.True(t, e.State().Enrolled)
}

func TestEnrolment_TimeoutIsRecoverable(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	h.deps.Timeout = 10 * time.Millisecond
	e := NewEnrolment(h.deps, EnrolmentOptions{})
	require.NoError(t, e.Enrol(validForm()))

	require.Eventually(t, func() bool { return !e.State().Submitting }, time.Second, 5*time.Millisecond)
	assert.Equal(t, PhaseCaptchaPending, e.State().Phase)
	notes := h.notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, SeverityDanger, notes[0].Severity)

	// The user can try again.
	require.NoError(t, e.Enrol(validForm()))
	assert.Equal(t, 2, h.sender.count())
}

func TestEnrolment_SendFailureIsRecoverable(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	h.sender.err = channel.ErrNotConnected
	e := NewEnrolment(h.deps, EnrolmentOptions{})

	require.NoError(t, e.Enrol(validForm()))

	st := e.State()
	assert.False(t, st.Submitting)
	assert.Equal(t, PhaseCaptchaPending, st.Phase)
	require.Len(t, h.notifier.all(), 1)
}

func TestEnrolment_IgnoresUnknownActionsAndBadData(t *testing.T) {
	h := newHarness(t)
	e := NewEnrolment(h.deps, EnrolmentOptions{})
	before := e.State()

	h.inbound(model.ActionChangePassword, `true`)
	h.inbound("delrole", `[true, "Done"]`)
	h.inbound(model.ActionEnrol, `{"not":"a tuple"}`)
	h.inbound(model.ActionInvite, `[]`)

	assert.Equal(t, before, e.State())
	assert.Empty(t, h.notifier.all())
}

func TestEnrolment_CloseIgnoresLateMessages(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})
	require.NoError(t, e.Enrol(validForm()))

	e.Close()
	assert.Zero(t, h.bus.PendingCount())

	h.inbound(model.ActionEnrol, `[true, "welcome"]`)
	h.inbound(model.ActionStatus, `true`)

	assert.False(t, e.State().Enrolled)
	assert.Empty(t, h.notifier.all())
	assert.Equal(t, 1, h.sender.count())
	assert.True(t, errors.Is(e.Enrol(validForm()), channel.ErrClosed))
}

func TestEnrolment_Logout(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})

	e.Logout()

	assert.Equal(t, 1, h.session.logouts)
}
