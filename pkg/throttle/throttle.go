// Package throttle paces a sequence of launches: after each launch it waits
// for the readiness signal (bounded by a fixed ceiling), then applies a
// pacing delay clamped to a fixed range.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-launcher/pkg/logging"
)

const (
	MinDelaySeconds = 5
	MaxDelaySeconds = 90
)

// Not configurable: the readiness wait must end even when the signal
// never arrives.
const (
	readinessCeiling = 15 * time.Second
	pollInterval     = 250 * time.Millisecond
	gracePeriod      = 3 * time.Second
)

// ReadinessCheck reports whether the launched instance is ready. It must be
// safe to call repeatedly; nil means no probe is available.
type ReadinessCheck func() bool

// StatusFunc receives progress text. It may be called from any goroutine.
type StatusFunc func(status string)

type Outcome int

const (
	OutcomeNoProbe Outcome = iota
	OutcomeReady
	OutcomeTimedOut
	OutcomeCancelled
)

type Result struct {
	ProbeAvailable        bool
	ReadyDetected         bool
	TimedOut              bool
	Cancelled             bool
	WaitedMs              int64
	RequestedDelaySeconds int
	EffectiveDelaySeconds int
	Clamped               bool
	Reason                string
}

// ClampDelay bounds requested to [MinDelaySeconds, MaxDelaySeconds].
func ClampDelay(requested int) (effective int, clamped bool) {
	switch {
	case requested < MinDelaySeconds:
		return MinDelaySeconds, true
	case requested > MaxDelaySeconds:
		return MaxDelaySeconds, true
	default:
		return requested, false
	}
}

// FormatReason builds the one-line explanation of a result. Every branch of
// the coordinator is expressible here.
func FormatReason(r Result) string {
	var readiness string
	waited := float64(r.WaitedMs) / 1000
	switch {
	case !r.ProbeAvailable:
		readiness = "No readiness probe (delay only)"
	case r.ReadyDetected:
		readiness = fmt.Sprintf("Ready after %.1fs", waited)
	case r.TimedOut:
		readiness = fmt.Sprintf("Not ready after %.1fs (timed out)", waited)
	default:
		readiness = fmt.Sprintf("Readiness not confirmed after %.1fs", waited)
	}

	delay := fmt.Sprintf("%ds pacing delay", r.EffectiveDelaySeconds)
	if r.Clamped {
		delay += fmt.Sprintf(" (requested %ds, clamped to %d-%ds)", r.RequestedDelaySeconds, MinDelaySeconds, MaxDelaySeconds)
	}

	if r.Cancelled {
		return fmt.Sprintf("%s; cancelled before completing %s", readiness, delay)
	}
	return fmt.Sprintf("%s; applied %s", readiness, delay)
}

type Coordinator struct {
	logger logging.Logger
	clock  Clock
}

func New(logger logging.Logger) *Coordinator {
	return &Coordinator{logger: logger, clock: realClock{}}
}

// NewWithClock is New with an explicit time source.
func NewWithClock(logger logging.Logger, clock Clock) *Coordinator {
	return &Coordinator{logger: logger, clock: clock}
}

// Apply waits for readiness (when ready is non-nil) and then for the
// clamped pacing delay. Both waits stop early when ctx is cancelled.
func (c *Coordinator) Apply(ctx context.Context, requestedDelaySeconds int, ready ReadinessCheck, status StatusFunc) Result {
	if status == nil {
		status = func(string) {}
	}

	effective, clamped := ClampDelay(requestedDelaySeconds)
	result := Result{
		ProbeAvailable:        ready != nil,
		RequestedDelaySeconds: requestedDelaySeconds,
		EffectiveDelaySeconds: effective,
		Clamped:               clamped,
	}
	if clamped {
		c.logger.Infof("Pacing delay clamped, requested: %ds, effective: %ds", requestedDelaySeconds, effective)
	}

	var outcome Outcome
	if ready == nil {
		outcome = OutcomeNoProbe
		status(fmt.Sprintf("No readiness signal available; delay only (%ds)", effective))
	} else {
		var waited time.Duration
		outcome, waited = c.waitForReadiness(ctx, ready, status)
		result.WaitedMs = waited.Milliseconds()
	}

	switch outcome {
	case OutcomeReady:
		result.ReadyDetected = true
		status("Client ready")
	case OutcomeTimedOut:
		result.TimedOut = true
		status("Readiness not detected in time; continuing")
	}

	if outcome == OutcomeCancelled || !c.pace(ctx, time.Duration(effective)*time.Second, status) {
		result.Cancelled = true
	}

	result.Reason = FormatReason(result)
	c.logger.Debugf("Throttle finished, reason: %s", result.Reason)
	return result
}

// waitForReadiness polls ready until it reports true, the ceiling passes or
// ctx ends. Status output starts after the grace period.
func (c *Coordinator) waitForReadiness(ctx context.Context, ready ReadinessCheck, status StatusFunc) (Outcome, time.Duration) {
	start := c.clock.Now()
	lastShown := -1
	for {
		elapsed := c.clock.Now().Sub(start)
		if ctx.Err() != nil {
			return OutcomeCancelled, elapsed
		}
		if ready() {
			return OutcomeReady, elapsed
		}
		if elapsed >= readinessCeiling {
			return OutcomeTimedOut, elapsed
		}
		if elapsed >= gracePeriod {
			if remaining := secondsLeft(readinessCeiling - elapsed); remaining != lastShown {
				lastShown = remaining
				status(fmt.Sprintf("Waiting for client to become ready (%ds remaining)", remaining))
			}
		}

		select {
		case <-ctx.Done():
			return OutcomeCancelled, c.clock.Now().Sub(start)
		case <-c.clock.After(pollInterval):
		}
	}
}

// pace waits for delay, reporting the remaining whole seconds whenever they
// change. It returns false when ctx ended first.
func (c *Coordinator) pace(ctx context.Context, delay time.Duration, status StatusFunc) bool {
	start := c.clock.Now()
	lastShown := -1
	for {
		if ctx.Err() != nil {
			return false
		}
		elapsed := c.clock.Now().Sub(start)
		if elapsed >= delay {
			return true
		}
		if remaining := secondsLeft(delay - elapsed); remaining != lastShown {
			lastShown = remaining
			status(fmt.Sprintf("Next launch in %ds", remaining))
		}

		step := pollInterval
		if left := delay - elapsed; left < step {
			step = left
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.clock.After(step):
		}
	}
}

func secondsLeft(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
