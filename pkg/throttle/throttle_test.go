package throttle

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-launcher/pkg/logging"
)

// fakeClock advances instantly on every After call.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type statusLog struct {
	mu    sync.Mutex
	lines []string
}

func (s *statusLog) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *statusLog) matching(substr string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.lines {
		if strings.Contains(l, substr) {
			out = append(out, l)
		}
	}
	return out
}

func newCoordinator(clock Clock) *Coordinator {
	return NewWithClock(logging.NewNopLogger(), clock)
}

func TestClampDelay(t *testing.T) {
	tests := []struct {
		requested int
		effective int
		clamped   bool
	}{
		{-3, MinDelaySeconds, true},
		{0, MinDelaySeconds, true},
		{4, MinDelaySeconds, true},
		{5, 5, false},
		{30, 30, false},
		{90, 90, false},
		{91, MaxDelaySeconds, true},
		{100000, MaxDelaySeconds, true},
	}

	for _, tt := range tests {
		effective, clamped := ClampDelay(tt.requested)
		assert.Equal(t, tt.effective, effective, "requested %d", tt.requested)
		assert.Equal(t, tt.clamped, clamped, "requested %d", tt.requested)
	}
}

func TestApply_NoProbeDelayOnly(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	status := &statusLog{}

	result := newCoordinator(clock).Apply(context.Background(), 10, nil, status.record)

	assert.False(t, result.ProbeAvailable)
	assert.False(t, result.ReadyDetected)
	assert.False(t, result.TimedOut)
	assert.False(t, result.Cancelled)
	assert.Equal(t, 10, result.EffectiveDelaySeconds)
	assert.Equal(t, int64(0), result.WaitedMs)
	assert.NotEmpty(t, status.matching("delay only"))
	assert.Len(t, status.matching("Next launch in"), 10)
	assert.Equal(t, 10*time.Second, clock.Now().Sub(start))
	assert.Contains(t, result.Reason, "delay only")
	assert.Contains(t, result.Reason, "10s pacing delay")
}

func TestApply_ClampInvariant(t *testing.T) {
	for _, requested := range []int{-1, 0, 1, 4, 5, 6, 45, 89, 90, 91, 600} {
		result := newCoordinator(newFakeClock()).Apply(context.Background(), requested, nil, nil)

		assert.GreaterOrEqual(t, result.EffectiveDelaySeconds, MinDelaySeconds)
		assert.LessOrEqual(t, result.EffectiveDelaySeconds, MaxDelaySeconds)
		if result.EffectiveDelaySeconds != requested {
			assert.True(t, result.Clamped)
			assert.Contains(t, result.Reason, "requested "+strconv.Itoa(requested)+"s")
		} else {
			assert.NotContains(t, result.Reason, "requested")
		}
	}
}

func TestApply_ReadyDuringGracePeriod(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	status := &statusLog{}
	ready := func() bool { return clock.Now().Sub(start) >= 2*time.Second }

	result := newCoordinator(clock).Apply(context.Background(), 5, ready, status.record)

	assert.True(t, result.ProbeAvailable)
	assert.True(t, result.ReadyDetected)
	assert.False(t, result.TimedOut)
	assert.Equal(t, int64(2000), result.WaitedMs)
	assert.Empty(t, status.matching("Waiting for client"))
	assert.Len(t, status.matching("Client ready"), 1)
	assert.Equal(t, "Ready after 2.0s; applied 5s pacing delay", result.Reason)
}

func TestApply_ReadinessCeiling(t *testing.T) {
	clock := newFakeClock()
	status := &statusLog{}
	polls := 0
	ready := func() bool {
		polls++
		return false
	}

	result := newCoordinator(clock).Apply(context.Background(), 5, ready, status.record)

	assert.True(t, result.TimedOut)
	assert.False(t, result.ReadyDetected)
	assert.Equal(t, readinessCeiling.Milliseconds(), result.WaitedMs)
	assert.Equal(t, int(readinessCeiling/pollInterval)+1, polls)

	// One line per whole second after the grace period: 12s..1s remaining.
	waiting := status.matching("Waiting for client")
	require.Len(t, waiting, 12)
	assert.Contains(t, waiting[0], "(12s remaining)")
	assert.Contains(t, waiting[11], "(1s remaining)")
	assert.Contains(t, result.Reason, "timed out")
}

func TestApply_CeilingIgnoresRequestedDelay(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()

	result := newCoordinator(clock).Apply(context.Background(), 90, func() bool { return false }, nil)

	assert.True(t, result.TimedOut)
	assert.Equal(t, readinessCeiling+90*time.Second, clock.Now().Sub(start))
}

func TestApply_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clock := newFakeClock()
	start := clock.Now()

	result := newCoordinator(clock).Apply(ctx, 30, func() bool { return false }, nil)

	assert.True(t, result.Cancelled)
	assert.False(t, result.TimedOut)
	assert.Equal(t, time.Duration(0), clock.Now().Sub(start))
	assert.Contains(t, result.Reason, "cancelled")
}

func TestApply_CancelledDuringPacing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newFakeClock()
	start := clock.Now()

	status := func(line string) {
		if strings.Contains(line, "Next launch in 7s") {
			cancel()
		}
	}
	result := newCoordinator(clock).Apply(ctx, 10, nil, status)

	assert.True(t, result.Cancelled)
	assert.Less(t, clock.Now().Sub(start), 10*time.Second)
	assert.Equal(t, "No readiness probe (delay only); cancelled before completing 10s pacing delay", result.Reason)
}

func TestFormatReason(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{
			name:   "no probe",
			result: Result{EffectiveDelaySeconds: 10, RequestedDelaySeconds: 10},
			want:   "No readiness probe (delay only); applied 10s pacing delay",
		},
		{
			name:   "ready",
			result: Result{ProbeAvailable: true, ReadyDetected: true, WaitedMs: 4300, EffectiveDelaySeconds: 20, RequestedDelaySeconds: 20},
			want:   "Ready after 4.3s; applied 20s pacing delay",
		},
		{
			name:   "timed out and clamped",
			result: Result{ProbeAvailable: true, TimedOut: true, WaitedMs: 15000, EffectiveDelaySeconds: 90, RequestedDelaySeconds: 120, Clamped: true},
			want:   "Not ready after 15.0s (timed out); applied 90s pacing delay (requested 120s, clamped to 5-90s)",
		},
		{
			name:   "cancelled while waiting",
			result: Result{ProbeAvailable: true, Cancelled: true, WaitedMs: 1500, EffectiveDelaySeconds: 5, RequestedDelaySeconds: 5},
			want:   "Readiness not confirmed after 1.5s; cancelled before completing 5s pacing delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatReason(tt.result))
		})
	}
}
