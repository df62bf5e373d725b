// Package circuitbreaker stops a repeatedly failing trigger handler from
// being driven on every dispatch: after enough consecutive failures the
// breaker opens and rejects executions until a cooldown elapses, then lets a
// single probe through before closing again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker's position in its recovery cycle.
type State int

const (
	Closed   State = iota // normal operation, executions pass through
	Open                  // failing, executions rejected immediately
	HalfOpen              // cooldown elapsed, one probe allowed through
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned for executions rejected while the breaker is open.
var ErrOpen = errors.New("circuitbreaker: open")

// Breaker guards an execution path. One Breaker instance owns its counters;
// the mutex makes it safe to share across goroutines.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time

	now     func() time.Time
	onState func(from, to State)
}

// New creates a Breaker that opens after threshold consecutive failures and
// half-opens after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:     Closed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnStateChange registers a callback invoked (outside the lock, in Execute's
// goroutine) whenever the breaker changes state.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = fn
}

// Execute runs fn through the breaker. While open, fn is not called and
// ErrOpen is returned. In half-open state a failing probe reopens the
// breaker; a successful one closes it.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if transition, err := b.admit(); err != nil {
		return err
	} else if transition != nil {
		transition()
	}

	err := fn(ctx)

	if transition := b.record(err); transition != nil {
		transition()
	}
	return err
}

// admit decides whether an execution may proceed, moving Open -> HalfOpen
// when the cooldown has elapsed.
func (b *Breaker) admit() (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return nil, nil
	}
	if b.now().Sub(b.lastFailure) < b.cooldown {
		return nil, ErrOpen
	}
	return b.setState(HalfOpen), nil
}

func (b *Breaker) record(err error) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = b.now()
		if b.state == HalfOpen || b.failures >= b.threshold {
			return b.setState(Open)
		}
		return nil
	}
	b.failures = 0
	if b.state != Closed {
		return b.setState(Closed)
	}
	return nil
}

// setState must be called with the lock held; the returned closure fires the
// state-change callback and is invoked after unlocking.
func (b *Breaker) setState(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	if cb := b.onState; cb != nil {
		return func() { cb(from, to) }
	}
	return nil
}

// CurrentState returns the breaker's state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
