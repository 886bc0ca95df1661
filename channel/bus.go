// Package channel implements the action channel shared by every account flow:
// outbound action messages, inbound dispatch by component, and correlation of
// responses to the requests that caused them.
package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puyokura/cmppaccount/model"
	"github.com/sirupsen/logrus"
)

var (
	ErrTimeout      = errors.New("channel: request timed out")
	ErrCanceled     = errors.New("channel: request canceled")
	ErrClosed       = errors.New("channel: bus closed")
	ErrNotConnected = errors.New("channel: not connected")
)

// DefaultTimeout applies to requests that do not set their own.
const DefaultTimeout = 30 * time.Second

// Sender transmits a single message. Conn implements it.
type Sender interface {
	Send(msg model.ActionMessage) error
}

// Dispatcher receives inbound messages. Bus implements it.
type Dispatcher interface {
	Dispatch(msg model.ActionMessage)
}

// Handler is invoked once per broadcast message on a subscribed component.
type Handler func(msg model.ActionMessage)

// Subscription is the handle returned by Bus.Subscribe.
type Subscription struct {
	bus       *Bus
	component string
	handler   Handler
	once      sync.Once
}

// Unsubscribe detaches the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// RequestOptions control how a correlated request is matched and timed out.
type RequestOptions struct {
	// Expect lists the response actions that settle the request. Defaults to
	// the request's own action.
	Expect []model.Action
	// Timeout defaults to the bus timeout. A negative value disables it.
	Timeout time.Duration
	// OnSettle runs exactly once when the request settles.
	OnSettle func(resp model.ActionMessage, err error)
}

// Bus routes messages between flows and a Sender.
type Bus struct {
	sender  Sender
	timeout time.Duration
	log     *logrus.Entry

	mu      sync.Mutex
	subs    map[string][]*Subscription
	pending []*Pending // in send order
	closed  bool
}

// NewBus creates a bus that writes through sender. A nil logger falls back to
// the logrus standard logger.
func NewBus(sender Sender, timeout time.Duration, log *logrus.Entry) *Bus {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{
		sender:  sender,
		timeout: timeout,
		log:     log.WithField("component", "bus"),
		subs:    make(map[string][]*Subscription),
	}
}

// Send transmits msg without waiting for any response.
func (b *Bus) Send(msg model.ActionMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := b.sender.Send(msg); err != nil {
		b.log.WithError(err).WithField("action", msg.Action).Warn("send failed")
		return err
	}
	b.log.WithFields(logrus.Fields{"action": msg.Action, "id": msg.ID}).Debug("sent")
	return nil
}

// Subscribe registers handler for every broadcast message addressed to
// component. All subscribers of a component receive the same messages.
func (b *Bus) Subscribe(component string, handler Handler) *Subscription {
	sub := &Subscription{bus: b, component: component, handler: handler}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.subs[component] = append(b.subs[component], sub)
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.component]
	for i, s := range list {
		if s == sub {
			b.subs[sub.component] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.component]) == 0 {
		delete(b.subs, sub.component)
	}
}

// Request stamps msg with a fresh correlation id, registers it as pending and
// sends it. A send failure settles the request immediately with that error.
func (b *Bus) Request(msg model.ActionMessage, opts RequestOptions) *Pending {
	msg.ID = uuid.NewString()

	expect := opts.Expect
	if len(expect) == 0 {
		expect = []model.Action{msg.Action}
	}
	p := &Pending{
		id:        msg.ID,
		action:    msg.Action,
		component: msg.Component,
		expect:    expect,
		onSettle:  opts.OnSettle,
		done:      make(chan struct{}),
		bus:       b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		p.settle(model.ActionMessage{}, ErrClosed)
		return p
	}
	b.pending = append(b.pending, p)
	b.mu.Unlock()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = b.timeout
	}
	if timeout > 0 {
		p.startTimer(timeout)
	}

	if err := b.Send(msg); err != nil {
		b.remove(p)
		p.settle(model.ActionMessage{}, err)
	}
	return p
}

// Dispatch delivers an inbound message. A message whose id matches a pending
// request settles that request. A message without id settles the oldest
// pending request on the same component expecting its action, and is otherwise
// broadcast to the component's subscribers. A message with an id that matches
// nothing answers a request that already settled and is dropped.
func (b *Bus) Dispatch(msg model.ActionMessage) {
	log := b.log.WithFields(logrus.Fields{"action": msg.Action, "id": msg.ID})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if p := b.takePending(msg); p != nil {
		b.mu.Unlock()
		log.Debug("correlated")
		p.settle(msg, nil)
		return
	}
	if msg.ID != "" {
		b.mu.Unlock()
		log.Debug("dropping reply to settled request")
		return
	}
	subs := append([]*Subscription(nil), b.subs[msg.Component]...)
	b.mu.Unlock()

	if len(subs) == 0 {
		log.Debug("no subscribers")
		return
	}
	for _, s := range subs {
		if b.subscribed(s) {
			s.handler(msg)
		}
	}
}

// takePending must be called with b.mu held.
func (b *Bus) takePending(msg model.ActionMessage) *Pending {
	for i, p := range b.pending {
		match := false
		if msg.ID != "" {
			match = p.id == msg.ID && p.expects(msg.Action)
		} else {
			match = p.component == msg.Component && p.expects(msg.Action)
		}
		if match {
			b.pending = append(b.pending[:i:i], b.pending[i+1:]...)
			return p
		}
	}
	return nil
}

// subscribed reports whether s is still attached; a handler earlier in the same
// dispatch may have unsubscribed it.
func (b *Bus) subscribed(s *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cur := range b.subs[s.component] {
		if cur == s {
			return true
		}
	}
	return false
}

func (b *Bus) remove(p *Pending) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.pending {
		if cur == p {
			b.pending = append(b.pending[:i:i], b.pending[i+1:]...)
			return true
		}
	}
	return false
}

// PendingCount returns the number of requests awaiting a response.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close cancels every pending request and drops all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = nil
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, p := range pending {
		p.settle(model.ActionMessage{}, ErrCanceled)
	}
	b.log.Info("closed")
}
