// Package connwatch polls a link or service until it reports ready.
//
// A [Watcher] runs a [ProbeFunc] under a [Policy]: a fixed or growing
// delay between probes, an optional attempt cap and an optional hard
// timeout. The zero-cap, zero-timeout policy polls forever, which is
// how the wireless attach loop behaves by default: a network that never
// comes up blocks the caller until ctx is cancelled.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimeout is returned when a bounded policy gives up, either because
// MaxAttempts probes failed or because Timeout elapsed.
var ErrTimeout = errors.New("gave up waiting")

// ProbeFunc checks whether the watched thing is ready. Return nil if it is.
type ProbeFunc func(ctx context.Context) error

// Policy controls probe timing.
type Policy struct {
	// Interval is the delay after the first failed probe.
	Interval time.Duration

	// Multiplier scales the delay after each failed probe. Values
	// below 1 (including zero) keep the delay fixed.
	Multiplier float64

	// MaxDelay caps delay growth. Zero means no cap.
	MaxDelay time.Duration

	// MaxAttempts caps the number of probes. Zero means unbounded.
	MaxAttempts int

	// Timeout caps total wall time spent polling. Zero means unbounded.
	Timeout time.Duration

	// ProbeTimeout limits a single probe call (default: 10s).
	ProbeTimeout time.Duration
}

// FixedPolicy polls every interval with no attempt cap and no timeout.
func FixedPolicy(interval time.Duration) Policy {
	return Policy{Interval: interval}
}

// Bounded reports whether the policy can give up on its own.
func (p Policy) Bounded() bool {
	return p.MaxAttempts > 0 || p.Timeout > 0
}

// next returns the delay that follows d.
func (p Policy) next(d time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return d
	}
	d = time.Duration(float64(d) * p.Multiplier)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Status is the outcome of the most recent [Watcher.Until] call,
// suitable for JSON serialization in health endpoints.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Attempts  int       `json:"attempts"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one named target under a policy.
type Watcher struct {
	name   string
	policy Policy
	logger *slog.Logger

	// OnAttempt, when set, is called after every probe with the
	// attempt number and its result.
	OnAttempt func(attempt int, err error)

	sleep func(ctx context.Context, d time.Duration) bool
	now   func() time.Time
}

// New creates a watcher. A nil logger uses slog.Default().
func New(name string, policy Policy, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.ProbeTimeout <= 0 {
		policy.ProbeTimeout = 10 * time.Second
	}
	return &Watcher{
		name:   name,
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Policy returns the effective policy.
func (w *Watcher) Policy() Policy {
	return w.policy
}

// Until probes until the probe succeeds, the policy gives up
// ([ErrTimeout]), or ctx is cancelled (ctx.Err()). With an unbounded
// policy only success or cancellation return.
func (w *Watcher) Until(ctx context.Context, probe ProbeFunc) (Status, error) {
	st := Status{Name: w.name}
	start := w.now()
	delay := w.policy.Interval

	for attempt := 1; ; attempt++ {
		err := w.probe(ctx, probe)
		st.Attempts = attempt
		st.LastCheck = w.now()
		if w.OnAttempt != nil {
			w.OnAttempt(attempt, err)
		}

		if err == nil {
			st.Ready = true
			st.LastError = ""
			w.logger.Debug("probe succeeded",
				"target", w.name,
				"after_attempts", attempt,
			)
			return st, nil
		}
		st.LastError = err.Error()

		if ctx.Err() != nil {
			return st, ctx.Err()
		}

		if w.policy.MaxAttempts > 0 && attempt >= w.policy.MaxAttempts {
			return st, fmt.Errorf("%s: %w after %d attempts: %v", w.name, ErrTimeout, attempt, err)
		}

		wait := delay
		if w.policy.Timeout > 0 {
			remaining := w.policy.Timeout - w.now().Sub(start)
			if remaining <= 0 {
				return st, fmt.Errorf("%s: %w after %s: %v", w.name, ErrTimeout, w.policy.Timeout, err)
			}
			if wait > remaining {
				wait = remaining
			}
		}

		w.logger.Debug("probe failed, retrying",
			"target", w.name,
			"attempt", attempt,
			"next_delay", wait.String(),
			"error", err,
		)

		if !w.sleep(ctx, wait) {
			return st, ctx.Err()
		}

		delay = w.policy.next(delay)
	}
}

// probe calls p with the per-probe timeout.
func (w *Watcher) probe(ctx context.Context, p ProbeFunc) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.policy.ProbeTimeout)
	defer cancel()
	return p(probeCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Sleep pauses for d or until ctx is cancelled, reporting whether the
// full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	return sleepCtx(ctx, d)
}
