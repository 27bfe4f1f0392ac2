// Package fallback resolves a value by trying an ordered list of
// strategies until one succeeds.
//
// A Chain is built once from the strategies in priority order and may
// be reused from multiple goroutines. Resolution is strictly
// sequential: each strategy is first asked whether it applies to the
// input at all, applicable strategies are attempted one at a time, and
// the first value produced wins. Strategies that run without producing
// a value report ErrNoResult; any other error is recorded and the
// chain moves on, so a broken strategy never hides a working one
// behind it.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoResult is returned by a strategy's Attempt when it ran to
// completion but has nothing to offer for the given input. It is the
// strategy analog of cache.ErrCacheMiss: an expected miss, not a
// malfunction.
var ErrNoResult = errors.New("fallback: no result")

// ErrExhausted matches (via errors.Is) the *ExhaustedError returned
// when every applicable strategy in a chain has been attempted without
// producing a value.
var ErrExhausted = errors.New("fallback: strategies exhausted")

// Strategy is one way of producing a V from a C. Implementations must
// be safe for concurrent use if the Chain holding them is shared.
type Strategy[C, V any] interface {
	// Name identifies the strategy in events, failure records, and
	// outcomes.
	Name() string

	// Applies reports whether the strategy is worth attempting for
	// this input. It must be cheap and must not block; returning false
	// skips the strategy without charging it an attempt.
	Applies(input C) bool

	// Attempt tries to produce a value. It returns ErrNoResult (or an
	// error wrapping it) when the strategy ran but found nothing. Any
	// other error marks the attempt as failed. Implementations should
	// honor ctx cancellation on blocking work.
	Attempt(ctx context.Context, input C) (V, error)
}

// Attempt records one applicable strategy that ran without producing a
// value. Strategies skipped as inapplicable leave no record.
type Attempt struct {
	Strategy string
	Err      error
	Elapsed  time.Duration
}

// Outcome carries the value produced by a successful resolution, the
// name of the strategy that produced it, and the failure records
// accumulated before it won.
type Outcome[V any] struct {
	Value    V
	Strategy string
	Attempts []Attempt
}

// ExhaustedError reports that every applicable strategy was attempted
// and none produced a value. Attempts holds one record per attempted
// strategy, in chain order. errors.Is(err, ErrExhausted) matches it.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "fallback: exhausted: no applicable strategies"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %s", a.Strategy, a.Err)
	}
	return fmt.Sprintf("fallback: exhausted after %d attempts: %s", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// EventKind identifies the disposition of one strategy during a
// resolution.
type EventKind string

const (
	EventSkipped   EventKind = "strategy_skipped"
	EventFailed    EventKind = "strategy_failed"
	EventSucceeded EventKind = "strategy_succeeded"
)

// Event describes what happened to a single strategy. Events are
// delivered synchronously to the observer configured with
// WithObserver; the package attaches no transport of its own.
type Event struct {
	Kind     EventKind
	Strategy string
	Err      error         // set for EventFailed
	Elapsed  time.Duration // zero for EventSkipped
}

// Option configures a Chain.
type Option func(*config)

type config struct {
	failFast       bool
	attemptTimeout time.Duration
	observer       func(Event)
}

func (c *config) observe(ev Event) {
	if c.observer != nil {
		c.observer(ev)
	}
}

// WithFailFast aborts resolution on the first abnormal attempt error
// instead of moving on to the next strategy. ErrNoResult and
// per-attempt timeouts are never abnormal.
func WithFailFast() Option {
	return func(c *config) {
		c.failFast = true
	}
}

// WithAttemptTimeout bounds each individual attempt. An attempt that
// exceeds it is recorded as failed and resolution continues with the
// next strategy; the caller's ctx still governs the resolution as a
// whole.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *config) {
		c.attemptTimeout = d
	}
}

// WithObserver registers fn to receive an Event for every strategy the
// chain skips, fails, or succeeds with. fn is called synchronously and
// must not block.
func WithObserver(fn func(Event)) Option {
	return func(c *config) {
		c.observer = fn
	}
}

// Chain tries strategies in the order given to New.
type Chain[C, V any] struct {
	strategies []Strategy[C, V]
	cfg        config
}

// New builds a Chain from strategies in priority order. A nil strategy
// is a construction error. An empty chain is valid and exhausts
// immediately.
func New[C, V any](strategies []Strategy[C, V], opts ...Option) (*Chain[C, V], error) {
	for i, s := range strategies {
		if s == nil {
			return nil, fmt.Errorf("fallback: nil strategy at index %d", i)
		}
	}
	c := &Chain[C, V]{
		strategies: append([]Strategy[C, V](nil), strategies...),
	}
	for _, opt := range opts {
		opt(&c.cfg)
	}
	return c, nil
}

// Names returns the strategy names in chain order.
func (c *Chain[C, V]) Names() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Resolve runs the chain against input and returns the first value an
// applicable strategy produces.
//
// Failed attempts (ErrNoResult, timeouts, anything else unless
// WithFailFast is set) are recorded and resolution continues. When
// every applicable strategy has been attempted without a value,
// Resolve returns an *ExhaustedError holding the ordered records; an
// exhausted run that attempted nothing holds none. Cancellation of ctx
// is terminal: Resolve returns ctx.Err(), before the first attempt if
// ctx was already done.
func (c *Chain[C, V]) Resolve(ctx context.Context, input C) (Outcome[V], error) {
	var zero Outcome[V]

	var attempts []Attempt
	for _, s := range c.strategies {
		// Cancellation is terminal, before the first attempt and
		// between attempts alike.
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		if !s.Applies(input) {
			c.cfg.observe(Event{Kind: EventSkipped, Strategy: s.Name()})
			continue
		}

		start := time.Now()
		value, err := c.attempt(ctx, s, input)
		elapsed := time.Since(start)

		if err == nil {
			c.cfg.observe(Event{Kind: EventSucceeded, Strategy: s.Name(), Elapsed: elapsed})
			return Outcome[V]{Value: value, Strategy: s.Name(), Attempts: attempts}, nil
		}

		// A failure that coincides with the caller's ctx dying is not
		// charged to the strategy.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		attempts = append(attempts, Attempt{Strategy: s.Name(), Err: err, Elapsed: elapsed})
		c.cfg.observe(Event{Kind: EventFailed, Strategy: s.Name(), Err: err, Elapsed: elapsed})

		if c.cfg.failFast && abnormal(err) {
			return zero, fmt.Errorf("fallback: strategy %q: %w", s.Name(), err)
		}
	}

	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, &ExhaustedError{Attempts: attempts}
}

func (c *Chain[C, V]) attempt(ctx context.Context, s Strategy[C, V], input C) (V, error) {
	if c.cfg.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.attemptTimeout)
		defer cancel()
	}
	return s.Attempt(ctx, input)
}

func abnormal(err error) bool {
	return !errors.Is(err, ErrNoResult) && !errors.Is(err, context.DeadlineExceeded)
}
