package launch

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi/osapitest"
	"github.com/core-tools/hsu-launcher/pkg/reclaimer"
	"github.com/core-tools/hsu-launcher/pkg/report"
	"github.com/core-tools/hsu-launcher/pkg/scanner"
)

const (
	clientImageBase = uintptr(0x1_4000_0000)
	readyFlagRVA    = 0x800
	guardName       = "ClientSingleInstance"
)

var loginGate = scanner.Descriptor{
	Signature:     scanner.MustParseSignature("48 8B 05 ?? ?? ?? ??"),
	PointerOffset: 3,
	Relative:      true,
}

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

// clientImage holds the login gate signature and a ready flag set to ready.
func clientImage(ready uint32) []byte {
	image := make([]byte, 0x1000)
	copy(image[0x100:], []byte{0x48, 0x8B, 0x05})
	binary.LittleEndian.PutUint32(image[0x103:], uint32(readyFlagRVA-0x107))
	binary.LittleEndian.PutUint32(image[readyFlagRVA:], ready)
	return image
}

func (f *fixture) instance(name string) Instance {
	gate := loginGate
	return Instance{
		Name:         name,
		Request:      f.request(),
		GuardName:    guardName,
		Guard:        GuardTarget{ProcessNames: []string{"client.exe"}},
		Readiness:    &gate,
		DelaySeconds: 5,
	}
}

func TestService_ApplyBulkThrottleWithoutProbe(t *testing.T) {
	f := newFixture(t, Options{})
	var calls []string

	result := f.service.ApplyBulkThrottle(context.Background(), 10, nil, func(s string) { calls = append(calls, s) })

	assert.False(t, result.ReadyDetected)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 10, result.EffectiveDelaySeconds)
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0], "delay only")
}

func TestService_ReclaimWithNoHolder(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.AddProcess("client.exe").AddHandle("File", `\Device\HarddiskVolume1\client.log`)

	out := f.service.ReclaimSingleInstanceGuard(context.Background(), "NonexistentMutex-XYZ", GuardTarget{
		ProcessNames: []string{"client.exe"},
	})

	assert.False(t, out.Cleared)
	assert.Equal(t, reclaimer.StatusNoHandle, out.Status)
	assert.Contains(t, reclaimer.FormatOutcome(out), "not found")
	assert.Equal(t, 0, f.fake.Stats().OpenLocal)
}

func TestService_ProbeReadinessByPID(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.fake.AddProcess("client.exe")
	target.MapImage(clientImageBase, clientImage(0))

	probe, err := f.service.ProbeReadinessByPID(context.Background(), target.PID, loginGate)
	require.NoError(t, err)
	assert.False(t, probe.IsReady())

	flag := make([]byte, 4)
	binary.LittleEndian.PutUint32(flag, 1)
	target.Poke(clientImageBase+readyFlagRVA, flag)
	assert.True(t, probe.IsReady())

	require.NoError(t, probe.Close())
	assert.Equal(t, 0, f.fake.Stats().OpenLocal)
}

func TestService_ProbeReadinessUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.fake.AddProcess("client.exe")
	target.MapImage(clientImageBase, make([]byte, 0x1000))

	probe, err := f.service.ProbeReadinessByPID(context.Background(), target.PID, loginGate)
	assert.Nil(t, probe)
	assert.True(t, errors.IsUnavailableError(err))
	assert.Equal(t, 0, f.fake.Stats().OpenLocal)
}

func TestBulkLauncher_Run(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.OnCreate(func(p *osapitest.Process) {
		p.MapImage(clientImageBase, clientImage(1))
		p.AddMutex(`\Sessions\1\BaseNamedObjects\` + guardName)
	})

	var launched []uint32
	bulk := NewBulkLauncher(f.service, logging.NewNopLogger())
	instances := []Instance{f.instance("main"), f.instance("alt")}
	for i := range instances {
		instances[i].OnLaunched = func(ctx context.Context, pid uint32, gate *InputGate) {
			release, err := gate.Enter(ctx)
			require.NoError(t, err)
			defer release()
			launched = append(launched, pid)
		}
	}

	var statuses []string
	results, err := bulk.Run(context.Background(), instances, func(s string) { statuses = append(statuses, s) })
	require.NoError(t, err)
	require.Len(t, results, 2)

	first, second := results[0], results[1]
	require.True(t, first.Injection.Succeeded)
	require.True(t, second.Injection.Succeeded)
	assert.Equal(t, []uint32{first.Injection.ProcessID, second.Injection.ProcessID}, launched)

	require.NotNil(t, first.Guard)
	assert.Equal(t, reclaimer.StatusNoProcess, first.Guard.Status)
	require.NotNil(t, second.Guard)
	assert.Equal(t, reclaimer.StatusCleared, second.Guard.Status)
	assert.Equal(t, first.Injection.ProcessID, second.Guard.ClearedProcessID)

	require.NotNil(t, first.Throttle)
	assert.True(t, first.Throttle.ReadyDetected)
	assert.Nil(t, second.Throttle)

	assert.Equal(t, "Reclaim guard:skipped", labels(first.Steps)[0])
	assert.Equal(t, "Pacing:success", labels(first.Steps)[len(first.Steps)-1])
	assert.Equal(t, "Reclaim guard:success", labels(second.Steps)[0])
	assert.Equal(t, report.Skipped, second.Steps[len(second.Steps)-1].Outcome)
	assert.Contains(t, labels(second.Steps), "Readiness probe:success")

	assert.Contains(t, statuses, "Launching alt (2 of 2)")
	assert.False(t, bulk.Gate().Busy())
	assert.Equal(t, 0, f.fake.Stats().OpenLocal)
}

func TestBulkLauncher_CancelDuringPacing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instances := []Instance{
		{Name: "main", Request: f.request(), DelaySeconds: 30},
		{Name: "alt", Request: f.request(), DelaySeconds: 30},
	}
	status := func(s string) {
		if strings.HasPrefix(s, "Next launch in 28s") {
			cancel()
		}
	}

	results, err := NewBulkLauncher(f.service, logging.NewNopLogger()).Run(ctx, instances, status)

	assert.True(t, errors.IsCancelledError(err))
	require.Len(t, results, 1)
	assert.True(t, results[0].Throttle.Cancelled)
	assert.Len(t, f.fake.Created(), 1)
}

func TestBulkLauncher_FailedLaunchSkipsPacing(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Fail("CreateProcess", osapitest.ErrAccessDenied)

	results, err := NewBulkLauncher(f.service, logging.NewNopLogger()).Run(context.Background(), []Instance{
		{Name: "main", Request: f.request(), DelaySeconds: 30},
		{Name: "alt", Request: f.request(), DelaySeconds: 30},
	}, nil)

	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Injection.Succeeded)
		assert.Nil(t, r.Throttle)
		assert.Equal(t, "Pacing:skipped", labels(r.Steps)[len(r.Steps)-1])
	}
}

func TestBulkLauncher_ExitedClientSkipsPacing(t *testing.T) {
	f := newFixture(t, Options{})
	exit := func(ctx context.Context, pid uint32, gate *InputGate) {
		f.fake.Process(pid).Exit(1)
	}

	results, err := NewBulkLauncher(f.service, logging.NewNopLogger()).Run(context.Background(), []Instance{
		{Name: "main", Request: f.request(), DelaySeconds: 30, OnLaunched: exit},
		{Name: "alt", Request: f.request(), DelaySeconds: 30},
	}, nil)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Injection.Succeeded)
	assert.Nil(t, results[0].Throttle)
	assert.Equal(t, report.Step{Label: "Pacing", Outcome: report.Skipped, Detail: "client exited"}, results[0].Steps[len(results[0].Steps)-1])
}
