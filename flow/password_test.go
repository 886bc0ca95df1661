package flow

import (
	"testing"
	"time"

	"github.com/puyokura/cmppaccount/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordChange_RequiresOldPassword(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	h.session.hasPassword = true
	p := NewPasswordChange(h.deps, PasswordOptions{})

	err := p.ChangePassword("", "new", "new")

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password_old", verr.Field)
	assert.ErrorIs(t, err, ErrOldPasswordRequired)
	assert.Zero(t, h.sender.count())
	require.Len(t, h.notifier.all(), 1)
	assert.Equal(t, SeverityWarning, h.notifier.all()[0].Severity)
}

func TestPasswordChange_OldPasswordOptionalWithoutPassword(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	p := NewPasswordChange(h.deps, PasswordOptions{})

	require.NoError(t, p.ChangePassword("", "new", "new"))

	sent := h.sender.last()
	assert.Equal(t, model.ActionChangePassword, sent.Action)
	assert.JSONEq(t, `{"old":"","new":"new"}`, string(sent.Data))
}

func TestPasswordChange_Mismatch(t *testing.T) {
	cases := []struct{ a, b string }{
		{"new", "neW"},
		{"new", ""},
		{"", "new"},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.session.hasPassword = true
		p := NewPasswordChange(h.deps, PasswordOptions{})

		err := p.ChangePassword("old", tc.a, tc.b)

		assert.ErrorIs(t, err, ErrPasswordMismatch)
		assert.Zero(t, h.sender.count())
		assert.Empty(t, h.navigator.all())
	}
}

func TestPasswordChange_Success(t *testing.T) {
	h := newHarness(t)
	h.session.hasPassword = true
	p := NewPasswordChange(h.deps, PasswordOptions{})

	require.NoError(t, p.ChangePassword("old", "new", "new"))
	sent := h.sender.last()
	assert.JSONEq(t, `{"old":"old","new":"new"}`, string(sent.Data))
	assert.NotEmpty(t, sent.ID)

	h.inbound(model.ActionChangePassword, `true`)

	assert.Equal(t, []string{DefaultLandingState}, h.navigator.all())
	notes := h.notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, SeveritySuccess, notes[0].Severity)
	assert.Zero(t, h.bus.PendingCount())
}

func TestPasswordChange_CustomLandingState(t *testing.T) {
	h := newHarness(t)
	p := NewPasswordChange(h.deps, PasswordOptions{LandingState: "app.profile"})
	require.NoError(t, p.ChangePassword("old", "new", "new"))

	h.inbound(model.ActionChangePassword, `true`)

	assert.Equal(t, []string{"app.profile"}, h.navigator.all())
}

func TestPasswordChange_Rejected(t *testing.T) {
	h := newHarness(t)
	h.session.hasPassword = true
	p := NewPasswordChange(h.deps, PasswordOptions{})
	require.NoError(t, p.ChangePassword("wrong", "new", "new"))

	h.inbound(model.ActionChangePassword, `false`)

	assert.Empty(t, h.navigator.all())
	notes := h.notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, SeverityDanger, notes[0].Severity)
	assert.Equal(t, "Password not changed", notes[0].Title)

	// Retry with the same values is allowed.
	require.NoError(t, p.ChangePassword("old", "new", "new"))
	assert.Equal(t, 2, h.sender.count())
}

func TestPasswordChange_Timeout(t *testing.T) {
	h := newHarness(t)
	h.deps.Timeout = 10 * time.Millisecond
	p := NewPasswordChange(h.deps, PasswordOptions{})
	require.NoError(t, p.ChangePassword("old", "new", "new"))

	require.Eventually(t, func() bool { return len(h.notifier.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, SeverityDanger, h.notifier.all()[0].Severity)
	assert.Empty(t, h.navigator.all())
}

func TestPasswordChange_IgnoresOtherActions(t *testing.T) {
	h := newHarness(t)
	NewPasswordChange(h.deps, PasswordOptions{})

	h.inbound(model.ActionEnrol, `[true, "welcome"]`)
	h.inbound(model.ActionStatus, `true`)
	h.inbound(model.ActionChangePassword, `"yes"`)

	assert.Empty(t, h.navigator.all())
	assert.Empty(t, h.notifier.all())
}

func TestPasswordChange_Close(t *testing.T) {
	h := newHarness(t)
	p := NewPasswordChange(h.deps, PasswordOptions{})
	require.NoError(t, p.ChangePassword("old", "new", "new"))

	p.Close()
	h.inbound(model.ActionChangePassword, `true`)

	assert.Empty(t, h.navigator.all())
	assert.Empty(t, h.notifier.all())
}

func TestReset_SendsRequest(t *testing.T) {
	h := newHarness(t)
	r := NewReset(h.deps)

	require.NoError(t, r.RequestReset("riot", "riot@example.org"))

	sent := h.sender.last()
	assert.Equal(t, model.ActionRequestReset, sent.Action)
	assert.Empty(t, sent.ID)
	assert.JSONEq(t, `{"username":"riot","email":"riot@example.org"}`, string(sent.Data))
	assert.Zero(t, h.bus.PendingCount())

	// Empty values are sent as they are.
	require.NoError(t, r.RequestReset("", ""))
	assert.JSONEq(t, `{"username":"","email":""}`, string(h.sender.last().Data))
}

func TestFlows_SharedChannel(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	h.session.hasPassword = true
	e := NewEnrolment(h.deps, EnrolmentOptions{})
	p := NewPasswordChange(h.deps, PasswordOptions{})

	before := e.State()
	h.inbound(model.ActionChangePassword, `true`)
	assert.Equal(t, before, e.State(), "enrolment must ignore changepassword")
	assert.Len(t, h.navigator.all(), 1)

	h.inbound(model.ActionCaptcha, `"aW1n"`)
	require.NotNil(t, e.State().Captcha)
	assert.Len(t, h.navigator.all(), 1, "password change must ignore captcha")

	// A correlated changepassword answer reaches only the password flow.
	require.NoError(t, p.ChangePassword("old", "new", "new"))
	h.inbound(model.ActionChangePassword, `true`)
	assert.Len(t, h.navigator.all(), 2)
}

func TestFlows_TwoEnrolmentsDoNotCrossTalk(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	a := NewEnrolment(h.deps, EnrolmentOptions{})
	b := NewEnrolment(h.deps, EnrolmentOptions{})

	require.NoError(t, a.Enrol(validForm()))
	resp := model.ActionMessage{
		Component: model.Component,
		Action:    model.ActionEnrol,
		Data:      []byte(`[true, "welcome"]`),
		ID:        h.sender.last().ID,
	}
	h.bus.Dispatch(resp)

	assert.True(t, a.State().Enrolled)
	assert.False(t, b.State().Enrolled)
}

func TestFlows_ReplyToClosedEnrolmentDoesNotReachSuccessor(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	a := NewEnrolment(h.deps, EnrolmentOptions{})
	require.NoError(t, a.Enrol(validForm()))
	id := h.sender.last().ID

	a.Close()
	b := NewEnrolment(h.deps, EnrolmentOptions{})

	h.bus.Dispatch(model.ActionMessage{
		Component: model.Component,
		Action:    model.ActionEnrol,
		Data:      []byte(`[true, "welcome"]`),
		ID:        id,
	})

	assert.False(t, a.State().Enrolled)
	st := b.State()
	assert.False(t, st.Enrolled)
	assert.False(t, st.Success)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, h.notifier.all())
}

func TestFlows_ReplyAfterTimeoutIsDropped(t *testing.T) {
	h := newHarness(t)
	h.session.signedIn = true
	deps := h.deps
	deps.Timeout = 20 * time.Millisecond
	a := NewEnrolment(deps, EnrolmentOptions{})
	b := NewEnrolment(h.deps, EnrolmentOptions{})

	require.NoError(t, a.Enrol(validForm()))
	id := h.sender.last().ID
	require.Eventually(t, func() bool { return len(h.notifier.all()) == 1 },
		time.Second, 5*time.Millisecond)

	h.bus.Dispatch(model.ActionMessage{
		Component: model.Component,
		Action:    model.ActionEnrol,
		Data:      []byte(`[false, "bad captcha"]`),
		ID:        id,
	})

	assert.Len(t, h.notifier.all(), 1)
	assert.False(t, a.State().Submitting)
	assert.Equal(t, PhaseIdle, b.State().Phase)
}
