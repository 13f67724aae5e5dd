package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// had an open circuit breaker.
var ErrAllFailed = errors.New("all backends failed")

// fallbackEntry pairs a backend with its own breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary backend and zero or more fallbacks of the
// same type. Calls go to the first entry whose breaker admits them; an entry
// that fails hands the call to the next one.
//
// Entries must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     CircuitBreakerConfig
}

// NewFallbackGroup creates a group with primary as the first entry. cfg is
// the template for the breaker of every entry; its Name is replaced by the
// entry name.
func NewFallbackGroup[T any](name string, primary T, cfg CircuitBreakerConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.Add(name, primary)
	return fg
}

// Add appends a fallback. Fallbacks are tried in the order they were added.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cb := fg.cfg
	cb.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cb),
	})
}

// Names returns the entry names in call order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Execute tries fn against each entry until one succeeds. It stops early
// when ctx is done, returning the context error.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := Try(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// Try is [FallbackGroup.Execute] for calls that produce a value. It is a
// function because methods cannot have type parameters.
func Try[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		e := &fg.entries[i]
		out, err := Call(e.breaker, func() (R, error) { return fn(e.value) })
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping backend, circuit open", "backend", e.name)
			continue
		}
		if i < len(fg.entries)-1 {
			slog.Warn("resilience: backend failed, trying next", "backend", e.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
