package flow

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/puyokura/cmppaccount/channel"
	"github.com/puyokura/cmppaccount/model"
	"github.com/sirupsen/logrus"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []model.ActionMessage
	err  error
}

func (f *fakeSender) Send(msg model.ActionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) actions() []model.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Action, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Action)
	}
	return out
}

func (f *fakeSender) last() model.ActionMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return model.ActionMessage{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSession struct {
	signedIn    bool
	hasPassword bool
	logouts     int
}

func (s *fakeSession) SignedIn() bool    { return s.signedIn }
func (s *fakeSession) HasPassword() bool { return s.hasPassword }
func (s *fakeSession) Logout()           { s.logouts++ }

type fakeNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *fakeNotifier) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *fakeNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notes...)
}

type fakeNavigator struct {
	mu     sync.Mutex
	states []string
}

func (n *fakeNavigator) Navigate(state string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
}

func (n *fakeNavigator) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

type harness struct {
	sender    *fakeSender
	bus       *channel.Bus
	session   *fakeSession
	notifier  *fakeNotifier
	navigator *fakeNavigator
	deps      Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)

	h := &harness{
		sender:    &fakeSender{},
		session:   &fakeSession{},
		notifier:  &fakeNotifier{},
		navigator: &fakeNavigator{},
	}
	h.bus = channel.NewBus(h.sender, time.Minute, log)
	h.deps = Deps{
		Bus:       h.bus,
		Session:   h.session,
		Notifier:  h.notifier,
		Navigator: h.navigator,
		Log:       log,
	}
	t.Cleanup(h.bus.Close)
	return h
}

// inbound delivers a message the way a legacy peer would: no correlation id.
func (h *harness) inbound(action model.Action, data string) {
	h.bus.Dispatch(model.ActionMessage{Component: model.Component, Action: action, Data: []byte(data)})
}
