// Package breaker implements named circuit breakers with sliding
// count-window failure-rate and slow-call-rate tripping. The state machine
// (open timer, half-open probe accounting) is delegated to
// gobreaker.TwoStepCircuitBreaker; the outcome window in front of it
// decides when the accumulated history justifies opening.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors the three breaker states for observers.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// OpenError is returned by Execute when the breaker rejects a call: either
// the breaker is open, or the half-open probe quota is exhausted. Name is
// the policy name, so failures can be mapped per dependency.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// AsOpenError unwraps err into an *OpenError if it carries one.
func AsOpenError(err error) (*OpenError, bool) {
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// Settings holds one breaker policy.
type Settings struct {
	Name             string
	FailureRate      float64 // percent over the window that opens the breaker
	SlowRate         float64 // percent of slow calls that opens the breaker
	SlowCallDuration time.Duration
	OpenTimeout      time.Duration
	Window           int
	MinCalls         int
	HalfOpenProbes   int

	// OnStateChange is invoked on every state transition. Optional.
	OnStateChange func(name string, from, to State)
}

// outcome is the recorded result of one permitted call.
type outcome struct {
	failed bool
	slow   bool
}

// window is a fixed-size circular log of the most recent call outcomes with
// running failure and slow counts, so both rate queries are O(1). Not
// goroutine-safe; the owning Breaker serializes access.
type window struct {
	log    []outcome
	next   int // slot the next outcome lands in
	seen   int // observations currently in the log, ≤ len(log)
	failed int
	slow   int
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{log: make([]outcome, size)}
}

// observe appends one outcome, retiring the slot's previous occupant from
// the running counts once the window has wrapped.
func (w *window) observe(o outcome) {
	if w.seen == len(w.log) {
		prev := w.log[w.next]
		if prev.failed {
			w.failed--
		}
		if prev.slow {
			w.slow--
		}
	} else {
		w.seen++
	}

	w.log[w.next] = o
	if o.failed {
		w.failed++
	}
	if o.slow {
		w.slow++
	}
	w.next = (w.next + 1) % len(w.log)
}

// failureRate and slowRate return percentages over the observations
// currently held, or 0 for an empty window.
func (w *window) failureRate() float64 { return w.pct(w.failed) }
func (w *window) slowRate() float64    { return w.pct(w.slow) }

func (w *window) pct(count int) float64 {
	if w.seen == 0 {
		return 0
	}
	return float64(count) / float64(w.seen) * 100
}

// Breaker is a single named circuit breaker. Calls go through Execute; the
// outcome and duration of every permitted call feed the window.
type Breaker struct {
	settings Settings

	mu     sync.Mutex
	recent *window
	gb     *gobreaker.TwoStepCircuitBreaker
}

// New creates a breaker for the given policy.
func New(s Settings, logger *slog.Logger) *Breaker {
	b := &Breaker{
		settings: s,
		recent:   newWindow(s.Window),
	}

	b.gb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: uint32(s.HalfOpenProbes),
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(gobreaker.Counts) bool { return b.readyToTrip() },
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state change",
					"breaker", name, "from", stateOf(from), "to", stateOf(to))
			}
			if s.OnStateChange != nil {
				s.OnStateChange(name, stateOf(from), stateOf(to))
			}
		},
	})

	return b
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Name returns the policy name.
func (b *Breaker) Name() string { return b.settings.Name }

// State returns the current breaker state.
func (b *Breaker) State() State { return stateOf(b.gb.State()) }

// readyToTrip is consulted by gobreaker after each recorded failure. The
// breaker opens when the window holds at least MinCalls observations and
// either rate crosses its threshold. The window is discarded on open so the
// half-open→closed transition starts from clean history.
func (b *Breaker) readyToTrip() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.recent.seen < b.settings.MinCalls {
		return false
	}

	open := b.recent.failureRate() >= b.settings.FailureRate ||
		b.recent.slowRate() >= b.settings.SlowRate
	if open {
		b.recent = newWindow(b.settings.Window)
	}

	return open
}

// record feeds one call outcome into the window.
func (b *Breaker) record(o outcome) {
	b.mu.Lock()
	b.recent.observe(o)
	b.mu.Unlock()
}

// Execute runs fn under the breaker. A call is reported as a failure when fn
// returns a non-nil error OR takes longer than the slow-call threshold, so
// half-open probes must be both successful and fast to close the breaker.
// When the breaker rejects the call, fn is not invoked and an *OpenError
// carrying the policy name is returned.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	done, err := b.gb.Allow()
	if err != nil {
		// gobreaker returns ErrOpenState or ErrTooManyRequests here; both
		// are rejections observable as the same open kind.
		return &OpenError{Name: b.settings.Name}
	}

	start := time.Now()
	callErr := fn(ctx)
	slow := time.Since(start) > b.settings.SlowCallDuration

	b.record(outcome{failed: callErr != nil, slow: slow})
	done(callErr == nil && !slow)

	return callErr
}
