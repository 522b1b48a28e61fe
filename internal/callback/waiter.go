package callback

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

var ErrCanceled = errors.New("callback wait canceled")

// Handler turns the parameters of the matching event into a result.
type Handler[T any] func(params url.Values) (T, error)

type WaitOption func(*waitOptions)

type waitOptions struct {
	requestID string
}

// WithRequestID narrows matching to events whose rid parameter equals id.
// Events that carry no rid still match on route alone.
func WithRequestID(id string) WaitOption {
	return func(o *waitOptions) {
		o.requestID = id
	}
}

// Pending is the single-shot result of one WaitFor call.
type Pending[T any] struct {
	route     string
	requestID string
	handler   Handler[T]
	done      chan struct{}

	mu          sync.Mutex
	claimed     bool
	settled     bool
	unsubscribe func()
	value       T
	err         error
}

// WaitFor subscribes to bus right away, so it must be called before the
// request is dispatched. The first event whose route matches settles the
// Pending; later matches are not observed. The subscription is released
// exactly once, whichever way the Pending settles.
func WaitFor[T any](bus Bus, route string, handler Handler[T], opts ...WaitOption) *Pending[T] {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	p := &Pending[T]{
		route:     route,
		requestID: o.requestID,
		handler:   handler,
		done:      make(chan struct{}),
	}
	unsubscribe := bus.Subscribe(p.onEvent)

	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		unsubscribe()
		return p
	}
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
	return p
}

func (p *Pending[T]) Route() string {
	return p.route
}

// Done is closed once the Pending has settled.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the Pending settles or ctx ends. Ending ctx cancels the
// Pending and releases its subscription; a result that won the race is still
// returned.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel(fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()))
		<-p.done
	}
	return p.value, p.err
}

// Cancel settles the Pending with ErrCanceled unless a matching event has
// already been claimed.
func (p *Pending[T]) Cancel() {
	p.cancel(ErrCanceled)
}

func (p *Pending[T]) cancel(err error) {
	if !p.claim() {
		return
	}
	var zero T
	p.settle(zero, err)
}

func (p *Pending[T]) onEvent(ev Event) {
	route, params, err := ParseEvent(ev)
	if err != nil || route != p.route {
		return
	}
	if p.requestID != "" {
		if rid := params.Get(ParamRequestID); rid != "" && rid != p.requestID {
			return
		}
	}
	if !p.claim() {
		return
	}

	var zero T
	if code := params.Get(ParamErrorCode); code != "" {
		p.settle(zero, &RemoteError{Route: route, Code: code, Message: params.Get(ParamErrorMessage)})
		return
	}
	v, err := p.handler(params)
	if err != nil {
		p.settle(zero, err)
		return
	}
	p.settle(v, nil)
}

func (p *Pending[T]) claim() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed {
		return false
	}
	p.claimed = true
	return true
}

func (p *Pending[T]) settle(v T, err error) {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	p.value = v
	p.err = err
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	close(p.done)
	if unsubscribe != nil {
		unsubscribe()
	}
}
