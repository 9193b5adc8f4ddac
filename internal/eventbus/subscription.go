package eventbus

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Handler is the one signature every subscriber is adapted to.
type Handler func(topic string, payload any, timestamp time.Time, annotation any)

// Message is what channel subscribers receive.
type Message struct {
	Topic      string
	Payload    any
	Timestamp  time.Time
	Annotation any
}

type errState int32

const (
	neverErrored errState = iota
	erroredOnce
)

// Subscription is the handle returned by Subscribe.
//
// The bus only holds it weakly: once the caller drops every reference, the
// subscription stops receiving messages and is removed from the bus.
// Unsubscribe removes it immediately.
type Subscription struct {
	id        string
	pattern   string
	handler   Handler
	createdAt time.Time

	bus     *Bus
	errs    atomic.Int32
	closed  atomic.Bool
	cleanup runtime.Cleanup
	onClose func()
	once    sync.Once
}

func (s *Subscription) ID() string      { return s.id }
func (s *Subscription) Pattern() string { return s.pattern }

// Unsubscribe stops delivery. Messages already handed to the executor may
// still arrive. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.closed.Store(true)
		s.cleanup.Stop()
		s.bus.remove(s.pattern, s.id)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// markFailed reports whether this is the subscription's first failure.
func (s *Subscription) markFailed() bool {
	return s.errs.CompareAndSwap(int32(neverErrored), int32(erroredOnce))
}

// adapt converts the supported callback shapes into a Handler.
func adapt(cb any) (Handler, error) {
	switch f := cb.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidCallback)
	case Handler:
		if f == nil {
			return nil, fmt.Errorf("%w: nil", ErrInvalidCallback)
		}
		return f, nil
	case func(string, any, time.Time, any):
		if f == nil {
			return nil, fmt.Errorf("%w: nil", ErrInvalidCallback)
		}
		return f, nil
	case func():
		if f == nil {
			return nil, fmt.Errorf("%w: nil", ErrInvalidCallback)
		}
		return func(string, any, time.Time, any) { f() }, nil
	case func(any):
		if f == nil {
			return nil, fmt.Errorf("%w: nil", ErrInvalidCallback)
		}
		return func(_ string, payload any, _ time.Time, _ any) { f(payload) }, nil
	case func(string, any):
		if f == nil {
			return nil, fmt.Errorf("%w: nil", ErrInvalidCallback)
		}
		return func(topic string, payload any, _ time.Time, _ any) { f(topic, payload) }, nil
	default:
		return nil, fmt.Errorf("%w: %T (want func(), func(any), func(string, any) or Handler)", ErrInvalidCallback, cb)
	}
}
