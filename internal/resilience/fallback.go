package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ErrUnavailable is returned when every provider in a [FallbackGroup] has an
// open circuit breaker. It also matches [ErrCircuitOpen] under errors.Is.
var ErrUnavailable = errors.New("no provider available")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback instances of the
// same provider type. Each call goes to the first entry whose breaker admits
// it; a failure is returned to the caller and counted against that entry only.
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	entries []fallbackEntry[T]
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a provider after the existing entries.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Demote moves the named entry to the end of the order. It reports whether
// the entry exists.
func (fg *FallbackGroup[T]) Demote(name string) bool {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	i := slices.IndexFunc(fg.entries, func(e fallbackEntry[T]) bool { return e.name == name })
	if i < 0 {
		return false
	}
	e := fg.entries[i]
	fg.entries = append(slices.Delete(fg.entries, i, i+1), e)
	return true
}

// Names returns the entry names in their current order.
func (fg *FallbackGroup[T]) Names() []string {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Each calls fn for every entry in order until fn returns false.
func (fg *FallbackGroup[T]) Each(fn func(name string, value T) bool) {
	fg.mu.RLock()
	entries := slices.Clone(fg.entries)
	fg.mu.RUnlock()
	for _, e := range entries {
		if !fn(e.name, e.value) {
			return
		}
	}
}

// Acquire selects the first entry whose breaker admits a call. The returned
// done function must be called exactly once with the call's outcome.
func (fg *FallbackGroup[T]) Acquire() (name string, value T, done func(error), err error) {
	fg.mu.RLock()
	entries := slices.Clone(fg.entries)
	fg.mu.RUnlock()

	for _, e := range entries {
		d, err := e.breaker.Allow()
		if err != nil {
			slog.Debug("skipping provider (circuit open)", "provider", e.name)
			continue
		}
		return e.name, e.value, d, nil
	}
	var zero T
	return "", zero, nil, fmt.Errorf("%w: %w", ErrUnavailable, ErrCircuitOpen)
}

// Execute runs fn once against the first admitted entry and records its
// outcome on that entry's breaker.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, v, done, err := fg.Acquire()
	if err != nil {
		return err
	}
	err = fn(v)
	done(outcome(ctx, err))
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
// It is a package-level function because methods cannot declare type
// parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	_, v, done, err := fg.Acquire()
	if err != nil {
		var zero R
		return zero, err
	}
	r, err := fn(v)
	done(outcome(ctx, err))
	return r, err
}

// outcome hides errors caused by the caller giving up, so that a client
// hanging up mid-call is not counted against the provider.
func outcome(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
