package launch

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
	"github.com/core-tools/hsu-launcher/pkg/osapi/osapitest"
	"github.com/core-tools/hsu-launcher/pkg/pecheck"
	"github.com/core-tools/hsu-launcher/pkg/process"
	"github.com/core-tools/hsu-launcher/pkg/report"
)

// peImage builds a headers-only image for machine.
func peImage(machine uint16) []byte {
	buf := make([]byte, 0x200)
	copy(buf, "MZ")
	binary.LittleEndian.PutUint32(buf[0x3c:], 0x40)
	copy(buf[0x40:], "PE\x00\x00")
	fh := buf[0x44:]
	binary.LittleEndian.PutUint16(fh[0:], machine)
	binary.LittleEndian.PutUint16(fh[2:], 1)
	binary.LittleEndian.PutUint16(fh[18:], 0x0002)
	section := buf[0x58:]
	copy(section, ".text")
	binary.LittleEndian.PutUint32(section[8:], 0x1000)
	binary.LittleEndian.PutUint32(section[12:], 0x1000)
	return buf
}

type fixture struct {
	fake    *osapitest.Fake
	service *Service
	dir     string
	exe     string
	module  string
}

func newFixture(t *testing.T, options Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{fake: osapitest.New(), dir: dir}
	f.exe = f.writeImage(t, "client.exe", pecheck.MachineAMD64)
	f.module = f.writeImage(t, "overlay.dll", pecheck.MachineAMD64)
	if options.Clock == nil {
		options.Clock = newFakeClock()
	}
	f.service = NewService(f.fake, logging.NewNopLogger(), options)
	return f
}

func (f *fixture) writeImage(t *testing.T, name string, machine uint16) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, peImage(machine), 0o644))
	return path
}

func (f *fixture) request(modules ...string) InjectionRequest {
	if len(modules) == 0 {
		modules = []string{f.module}
	}
	return InjectionRequest{
		ExecutablePath: f.exe,
		Args:           []string{"-windowed"},
		Environment:    []process.EnvVar{{Key: "GAME_PROFILE", Value: "alt"}},
		Modules:        modules,
	}
}

func labels(steps []report.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Label + ":" + s.Outcome.String()
	}
	return out
}

func TestLaunchWithInjection_SuspendedSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	req := f.request()
	req.Verify = true

	out := f.service.LaunchWithInjection(context.Background(), req)

	require.True(t, out.Succeeded, out.Reason)
	assert.NotZero(t, out.ProcessID)
	assert.Equal(t, StageNone, out.FailureStage)
	assert.Equal(t, VerificationPresent, out.Verification)

	p := f.fake.Process(out.ProcessID)
	require.NotNil(t, p)
	assert.False(t, p.Suspended())
	assert.True(t, p.Running())
	require.Len(t, p.LoadedModules(), 1)
	assert.Equal(t, f.module, p.LoadedModules()[0].Path)
	assert.Equal(t, 0, p.LiveAllocations())

	created := f.fake.Created()
	require.Len(t, created, 1)
	assert.True(t, created[0].Suspended)

	stats := f.fake.Stats()
	assert.Equal(t, 0, stats.OpenLocal)
	assert.Equal(t, stats.Allocations, stats.Frees)

	assert.Equal(t, []string{
		"Validate paths:success",
		"Check architecture:success",
		"Launch process:success",
		"Inject overlay.dll:success",
		"Verify modules:success",
		"Resume process:success",
	}, labels(out.Steps))
}

func TestLaunchWithInjection_NoModules(t *testing.T) {
	f := newFixture(t, Options{})
	req := f.request()
	req.Modules = nil

	out := f.service.LaunchWithInjection(context.Background(), req)

	require.True(t, out.Succeeded, out.Reason)
	p := f.fake.Process(out.ProcessID)
	require.NotNil(t, p)
	assert.False(t, p.Suspended())
	assert.Equal(t, 0, f.fake.Stats().Threads)
	assert.Equal(t, []string{
		"Validate paths:success",
		"Check architecture:success",
		"Launch process:success",
		"Resume process:success",
	}, labels(out.Steps))
}

func TestLaunchWithInjection_StopsAtFirstFailedModule(t *testing.T) {
	tests := []struct {
		name       string
		policy     FailurePolicy
		running    bool
		terminated bool
		tail       []string
	}{
		{
			name:       "terminate",
			policy:     FailurePolicyTerminate,
			running:    false,
			terminated: true,
			tail:       []string{"Terminate process:success", "Resume process:not_attempted"},
		},
		{
			name:    "resume",
			policy:  FailurePolicyResume,
			running: true,
			tail:    []string{"Resume process:success"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{FailurePolicy: tt.policy})
			second := f.writeImage(t, "hooks.dll", pecheck.MachineAMD64)
			f.fake.OnCreate(func(p *osapitest.Process) { p.RejectLoads() })

			out := f.service.LaunchWithInjection(context.Background(), f.request(f.module, second))

			assert.False(t, out.Succeeded)
			assert.Equal(t, FailureStage("module_load"), out.FailureStage)
			assert.Equal(t, tt.terminated, out.Terminated)

			p := f.fake.Process(out.ProcessID)
			require.NotNil(t, p)
			assert.Equal(t, tt.running, p.Running())
			assert.Equal(t, tt.running, !p.Suspended())
			assert.Equal(t, 0, p.LiveAllocations())
			assert.Equal(t, 1, f.fake.Stats().Threads)
			assert.Equal(t, 0, f.fake.Stats().OpenLocal)

			want := append([]string{
				"Validate paths:success",
				"Check architecture:success",
				"Launch process:success",
				"Inject overlay.dll:failed",
				"Inject hooks.dll:not_attempted",
			}, tt.tail...)
			assert.Equal(t, want, labels(out.Steps))
			assert.Contains(t, out.Reason, "Inject overlay.dll failed")
		})
	}
}

func TestLaunchWithInjection_ArchitectureMismatch(t *testing.T) {
	f := newFixture(t, Options{})
	module32 := f.writeImage(t, "overlay32.dll", pecheck.MachineI386)

	out := f.service.LaunchWithInjection(context.Background(), f.request(module32))

	assert.False(t, out.Succeeded)
	assert.Equal(t, StageArchitecture, out.FailureStage)
	assert.Empty(t, f.fake.Created())
	assert.Equal(t, 0, f.fake.Stats().Allocations)
}

func TestLaunchWithInjection_TargetArchitectureMismatch(t *testing.T) {
	f := newFixture(t, Options{SkipArchitectureCheck: true})
	f.fake.OnCreate(func(p *osapitest.Process) { p.SetPointerWidth(32) })

	out := f.service.LaunchWithInjection(context.Background(), f.request())

	assert.False(t, out.Succeeded)
	assert.Equal(t, StageArchitecture, out.FailureStage)
	assert.Equal(t, 0, f.fake.Stats().Allocations)
	assert.True(t, out.Terminated)
}

func TestLaunchWithInjection_Preconditions(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name string
		req  InjectionRequest
	}{
		{"missing executable", InjectionRequest{ExecutablePath: filepath.Join(f.dir, "absent.exe"), Modules: []string{f.module}}},
		{"missing module", InjectionRequest{ExecutablePath: f.exe, Modules: []string{filepath.Join(f.dir, "absent.dll")}}},
		{"no modules for running target", InjectionRequest{Mode: ModeAlreadyRunning, ProcessID: 4}},
		{"no process id", InjectionRequest{Mode: ModeAlreadyRunning, Modules: []string{f.module}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.service.LaunchWithInjection(context.Background(), tt.req)
			assert.False(t, out.Succeeded)
			assert.Equal(t, StagePrecondition, out.FailureStage)
			assert.Zero(t, out.ProcessID)
		})
	}
	assert.Empty(t, f.fake.Created())
}

func TestLaunchWithInjection_CreateFailureCarriesCode(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Fail("CreateProcess", osapitest.ErrAccessDenied)

	out := f.service.LaunchWithInjection(context.Background(), f.request())

	assert.False(t, out.Succeeded)
	assert.Equal(t, StageLaunch, out.FailureStage)
	assert.True(t, out.HasWin32Code)
	assert.Equal(t, uint32(5), out.Win32Code)
	assert.Equal(t, 0, f.fake.Stats().OpenLocal)
}

func TestLaunchWithInjection_RemoteThreadTimeout(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.SetRemoteThreadWait(osapi.WaitTimedOut)

	out := f.service.LaunchWithInjection(context.Background(), f.request())

	assert.False(t, out.Succeeded)
	assert.Equal(t, FailureStage("wait"), out.FailureStage)
	p := f.fake.Process(out.ProcessID)
	require.NotNil(t, p)
	assert.Equal(t, 0, p.LiveAllocations())
	assert.Equal(t, 0, f.fake.Stats().OpenLocal)
}

func TestLaunchWithInjection_AlreadyRunning(t *testing.T) {
	f := newFixture(t, Options{})
	target := f.fake.AddProcess("client.exe")

	out := f.service.LaunchWithInjection(context.Background(), InjectionRequest{
		Mode:      ModeAlreadyRunning,
		ProcessID: target.PID,
		Modules:   []string{f.module},
	})

	require.True(t, out.Succeeded, out.Reason)
	assert.Equal(t, target.PID, out.ProcessID)
	assert.Empty(t, f.fake.Created())
	assert.Len(t, target.LoadedModules(), 1)
	assert.Equal(t, 0, f.fake.Stats().OpenLocal)
	assert.Equal(t, []string{
		"Validate paths:success",
		"Check architecture:success",
		"Open process:success",
		"Inject overlay.dll:success",
	}, labels(out.Steps))
}

func TestLaunchWithInjection_Cancelled(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.service.LaunchWithInjection(ctx, f.request())

	assert.Equal(t, StageCancelled, out.FailureStage)
	assert.Empty(t, f.fake.Created())
}

func TestLaunchAsync(t *testing.T) {
	f := newFixture(t, Options{})

	ch := f.service.LaunchAsync(context.Background(), f.request())

	select {
	case out := <-ch:
		assert.True(t, out.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
	}
	_, open := <-ch
	assert.False(t, open)
}

func TestInputGate(t *testing.T) {
	gate := NewInputGate()

	release, err := gate.Enter(context.Background())
	require.NoError(t, err)
	assert.True(t, gate.Busy())

	_, ok := gate.TryEnter()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = gate.Enter(ctx)
	assert.Error(t, err)

	release()
	release()
	assert.False(t, gate.Busy())

	again, ok := gate.TryEnter()
	require.True(t, ok)
	again()
}

func TestInputGate_OneHolderAtATime(t *testing.T) {
	gate := NewInputGate()
	var mu sync.Mutex
	holders, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := gate.Enter(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			holders++
			if holders > peak {
				peak = holders
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}
