package channel

import (
	"context"
	"sync"
	"time"

	"github.com/puyokura/cmppaccount/model"
)

// Pending is an outstanding request. It settles exactly once: with the
// matching response, ErrTimeout, ErrCanceled, or the error from sending.
type Pending struct {
	id        string
	action    model.Action
	component string
	expect    []model.Action
	onSettle  func(model.ActionMessage, error)
	bus       *Bus

	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
	timer *time.Timer

	resp model.ActionMessage
	err  error
}

// ID is the correlation token sent with the request.
func (p *Pending) ID() string { return p.id }

// Action is the action of the request.
func (p *Pending) Action() model.Action { return p.action }

// Done is closed once the request has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the response and error. It is only meaningful after Done is
// closed.
func (p *Pending) Result() (model.ActionMessage, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	default:
		return model.ActionMessage{}, nil
	}
}

// Wait blocks until the request settles or ctx is done. Cancelling ctx does
// not cancel the request.
func (p *Pending) Wait(ctx context.Context) (model.ActionMessage, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return model.ActionMessage{}, ctx.Err()
	}
}

// Cancel settles the request with ErrCanceled if it has not settled yet. A
// late response carrying its id is dropped by the bus.
func (p *Pending) Cancel() {
	if p.bus.remove(p) {
		p.settle(model.ActionMessage{}, ErrCanceled)
	}
}

func (p *Pending) expects(action model.Action) bool {
	for _, a := range p.expect {
		if a == action {
			return true
		}
	}
	return false
}

func (p *Pending) startTimer(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = time.AfterFunc(d, func() {
		if p.bus.remove(p) {
			p.bus.log.WithField("action", p.action).WithField("id", p.id).Warn("request timed out")
			p.settle(model.ActionMessage{}, ErrTimeout)
		}
	})
}

func (p *Pending) settle(resp model.ActionMessage, err error) {
	p.once.Do(func() {
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		p.mu.Unlock()
		p.resp = resp
		p.err = err
		close(p.done)
		if p.onSettle != nil {
			p.onSettle(resp, err)
		}
	})
}
