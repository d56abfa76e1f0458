// Package breaker isolates failing external dependencies behind named
// circuit breakers and bounds caller latency with per-dependency timeouts.
// Every cross-boundary call in the auth core goes through this façade.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vantagetrade/authcore/internal/metrics"
)

// Well-known breaker names. Callers may register additional ones.
const (
	Email       = "email"
	SMS         = "sms"
	MFAProvider = "mfa_provider"
	ExternalAPI = "external_api"
	Database    = "database"
	Cache       = "cache"
	KMS         = "kms"
	GeoIP       = "geoip"
)

// Reason classifies a breaker failure.
type Reason string

const (
	OpenRejected    Reason = "OPEN_REJECTED"
	Timeout         Reason = "TIMEOUT"
	ExecutionFailed Reason = "EXECUTION_FAILED"
)

// Error is returned for every failed call through the façade.
type Error struct {
	Name   string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("breaker %s: %s: %v", e.Name, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// benignError carries a call outcome that travels as an error but says
// nothing about dependency health, such as a lookup miss or a unique-key
// conflict reported by a responsive server.
type benignError struct{ err error }

func (e *benignError) Error() string { return e.err.Error() }
func (e *benignError) Unwrap() error { return e.err }

// Benign wraps err so the breaker records the call as a success. The façade
// hands err back to the caller unwrapped.
func Benign(err error) error {
	if err == nil {
		return nil
	}
	return &benignError{err: err}
}

// ReasonOf extracts the Reason from an error chain, or ExecutionFailed.
func ReasonOf(err error) Reason {
	var be *Error
	if errors.As(err, &be) {
		return be.Reason
	}
	return ExecutionFailed
}

// DependencyOf extracts the breaker name from an error chain, if any.
func DependencyOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Name
	}
	return ""
}

// Config tunes a single breaker.
type Config struct {
	// FailureRateThreshold is the failure percentage (0-100) over the window
	// that trips the breaker, once MinimumCalls have been observed.
	FailureRateThreshold float64
	// SlidingWindow approximates the call window: closed-state counters are
	// cleared each time this many calls have elapsed.
	SlidingWindow uint32
	// MinimumCalls must be observed before the threshold applies.
	MinimumCalls uint32
	// OpenDuration is how long the breaker stays OPEN before probing.
	OpenDuration time.Duration
	// HalfOpenCalls is the number of consecutive probe successes required to
	// close again; any probe failure reopens.
	HalfOpenCalls uint32
	// CallTimeout is the wall-clock upper bound for a single call. Timeouts
	// count as failures.
	CallTimeout time.Duration
}

// DefaultTimeouts per dependency, applied when a name-specific config does
// not override CallTimeout.
var DefaultTimeouts = map[string]time.Duration{
	Database:    2 * time.Second,
	Cache:       200 * time.Millisecond,
	Email:       10 * time.Second,
	SMS:         10 * time.Second,
	ExternalAPI: 5 * time.Second,
	MFAProvider: 5 * time.Second,
	KMS:         5 * time.Second,
	GeoIP:       5 * time.Second,
}

// Facade maintains one breaker per dependency name. Breaker decisions are
// linearizable per name; gobreaker serialises state transitions internally.
type Facade struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	defaults Config
	logger   *slog.Logger
}

// New creates a façade with the given default configuration.
func New(defaults Config, logger *slog.Logger) *Facade {
	return &Facade{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		defaults: defaults,
		logger:   logger,
	}
}

func (f *Facade) get(name string) (*gobreaker.CircuitBreaker, time.Duration) {
	f.mu.RLock()
	cb, ok := f.breakers[name]
	f.mu.RUnlock()

	timeout := f.defaults.CallTimeout
	if t, ok := DefaultTimeouts[name]; ok {
		timeout = t
	}
	if ok {
		return cb, timeout
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[name]; ok {
		return cb, timeout
	}

	cfg := f.defaults
	// gobreaker clears closed-state counters every Interval; sizing the
	// interval to the window at one nominal call per second approximates a
	// count-based sliding window.
	window := time.Duration(cfg.SlidingWindow) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenCalls,
		Interval:    window,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinimumCalls {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			return rate >= cfg.FailureRateThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var be *benignError
			return errors.As(err, &be)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			f.logger.Warn("breaker_state_change",
				"dependency", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	f.breakers[name] = cb
	metrics.BreakerState.WithLabelValues(name).Set(stateValue(gobreaker.StateClosed))
	return cb, timeout
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Execute runs op through the named breaker with its wall-clock timeout.
// The op must honor context cancellation; the façade stops waiting at the
// deadline regardless.
func (f *Facade) Execute(ctx context.Context, name string, op func(context.Context) (any, error)) (any, error) {
	cb, timeout := f.get(name)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := cb.Execute(func() (any, error) {
		type res struct {
			v   any
			err error
		}
		done := make(chan res, 1)
		go func() {
			v, err := op(callCtx)
			done <- res{v, err}
		}()
		select {
		case r := <-done:
			return r.v, r.err
		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
	})
	if err != nil {
		var be *benignError
		if errors.As(err, &be) {
			return nil, be.err
		}
		return nil, f.classify(name, err)
	}
	return v, nil
}

func (f *Facade) classify(name string, err error) *Error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &Error{Name: name, Reason: OpenRejected, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Name: name, Reason: Timeout, Err: err}
	default:
		return &Error{Name: name, Reason: ExecutionFailed, Err: err}
	}
}

// State reports the current state of the named breaker.
func (f *Facade) State(name string) gobreaker.State {
	cb, _ := f.get(name)
	return cb.State()
}

// Do is a typed convenience over Facade.Execute.
func Do[T any](ctx context.Context, f *Facade, name string, op func(context.Context) (T, error)) (T, error) {
	v, err := f.Execute(ctx, name, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if v == nil {
		var zero T
		return zero, nil
	}
	return v.(T), nil
}
