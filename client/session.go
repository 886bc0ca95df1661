package main

import (
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/puyokura/cmppaccount/flow"
)

// session tracks whether this client has signed in.
type session struct {
	mu          sync.RWMutex
	username    string
	signedIn    bool
	hasPassword bool
}

func (s *session) SignedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signedIn
}

func (s *session) HasPassword() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasPassword
}

func (s *session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *session) signIn(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.signedIn = true
	s.hasPassword = true
}

func (s *session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = ""
	s.signedIn = false
	s.hasPassword = false
}

type noticeMsg struct {
	flow.Notification
}

type navigateMsg struct {
	state string
}

// eventSink carries flow notifications and navigation to the UI loop. Flows
// call it from network goroutines, so it must never block.
type eventSink struct {
	ch       chan tea.Msg
	duration time.Duration
}

func newEventSink(size int, duration time.Duration) *eventSink {
	return &eventSink{ch: make(chan tea.Msg, size), duration: duration}
}

func (e *eventSink) push(msg tea.Msg) bool {
	select {
	case e.ch <- msg:
		return true
	default:
		return false
	}
}

func (e *eventSink) Notify(n flow.Notification) {
	if e.duration > 0 {
		n.Duration = e.duration
	}
	e.push(noticeMsg{n})
}

func (e *eventSink) Navigate(state string) {
	e.push(navigateMsg{state: state})
}

// wait is a tea.Cmd delivering the next event.
func (e *eventSink) wait() tea.Msg {
	return <-e.ch
}
