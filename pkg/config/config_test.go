package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/launch"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi/osapitest"
	"github.com/core-tools/hsu-launcher/pkg/reclaimer"
	"github.com/core-tools/hsu-launcher/pkg/throttle"
)

type installation struct {
	dir    string
	exe    string
	module string
}

func newInstallation(t *testing.T) installation {
	t.Helper()
	dir := t.TempDir()
	inst := installation{
		dir:    dir,
		exe:    filepath.Join(dir, "client.exe"),
		module: filepath.Join(dir, "overlay.dll"),
	}
	require.NoError(t, os.WriteFile(inst.exe, []byte("MZ"), 0o644))
	require.NoError(t, os.WriteFile(inst.module, []byte("MZ"), 0o644))
	return inst
}

// yamlPath quotes a path for a single-quoted YAML scalar.
func yamlPath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", "''") + "'"
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "launcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (i installation) configYAML() string {
	return `
launcher:
  log_level: debug
  injection_timeout: 7s
  scan_window_size: 8388608
  verify_injection: true
  allow_elevation: false

games:
  - id: lineage
    process_names: [client.exe, client64.exe]
    single_instance_guard: ClientSingleInstance
    image_directory: ` + yamlPath(i.dir) + `
    include_inaccessible_processes: true
    readiness:
      signature: "48 8B 05 ?? ?? ?? ??"
      pointer_offset: 3
      relative: true
      value_width: 1

profiles:
  - id: main
    game: lineage
    hint: Brutus
    launch:
      executable_path: ` + yamlPath(i.exe) + `
      args: ["-windowed"]
      environment:
        - key: GAME_PROFILE
          value: main
    modules:
      - ` + yamlPath(i.module) + `
  - id: alt
    game: lineage
    inject: false
    delay_seconds: 30
    launch:
      executable_path: ` + yamlPath(i.exe) + `
  - id: retired
    game: lineage
    enabled: false
    launch:
      executable_path: ` + yamlPath(filepath.Join(i.dir, "missing.exe")) + `
`
}

func TestLoadConfigFromFile(t *testing.T) {
	inst := newInstallation(t)

	config, err := LoadConfigFromFile(writeConfig(t, inst.configYAML()))
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(config))

	assert.Equal(t, "debug", config.Launcher.LogLevel)
	assert.Equal(t, "console", config.Launcher.LogFormat)
	assert.Equal(t, "zap", config.Launcher.LogBackend)
	assert.Equal(t, "terminate", config.Launcher.FailurePolicy)
	assert.Equal(t, 7*time.Second, config.Launcher.InjectionTimeout)
	assert.False(t, config.Launcher.ElevationAllowed())

	require.Len(t, config.Profiles, 3)
	primary := config.Profiles[0]
	assert.True(t, primary.IsEnabled())
	assert.True(t, primary.Injects())
	assert.Equal(t, DefaultDelaySeconds, primary.Delay())
	assert.Equal(t, "GAME_PROFILE", primary.Launch.Environment[0].Key)
	assert.False(t, config.Profiles[1].Injects())
	assert.Equal(t, 30, config.Profiles[1].Delay())
	assert.False(t, config.Profiles[2].IsEnabled())
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, errors.IsIOError(err))

	_, err = LoadConfigFromFile(writeConfig(t, "launcher: [unbalanced"))
	assert.True(t, errors.IsValidationError(err))
}

func TestValidateConfig(t *testing.T) {
	inst := newInstallation(t)

	valid := func() *LauncherConfig {
		config, err := LoadConfigFromFile(writeConfig(t, inst.configYAML()))
		require.NoError(t, err)
		return config
	}

	tests := []struct {
		name   string
		mutate func(*LauncherConfig)
		errMsg string
	}{
		{"nil config", nil, "configuration cannot be nil"},
		{"bad log level", func(c *LauncherConfig) { c.Launcher.LogLevel = "verbose" }, "invalid log level"},
		{"bad backend", func(c *LauncherConfig) { c.Launcher.LogBackend = "syslog" }, "invalid log backend"},
		{"bad policy", func(c *LauncherConfig) { c.Launcher.FailurePolicy = "ignore" }, "invalid failure policy"},
		{"negative timeout", func(c *LauncherConfig) { c.Launcher.InjectionTimeout = -time.Second }, "injection timeout"},
		{"duplicate game", func(c *LauncherConfig) { c.Games = append(c.Games, c.Games[0]) }, "duplicate game ID"},
		{"no process names", func(c *LauncherConfig) { c.Games[0].ProcessNames = nil }, "process name"},
		{"bad signature", func(c *LauncherConfig) { c.Games[0].Readiness.Signature = "48 ZZ" }, "readiness signature"},
		{"bad value width", func(c *LauncherConfig) { c.Games[0].Readiness.ValueWidth = 3 }, "value width"},
		{"unknown game", func(c *LauncherConfig) { c.Profiles[0].Game = "other" }, "unknown game"},
		{"duplicate profile", func(c *LauncherConfig) { c.Profiles[1].ID = "main" }, "duplicate profile ID"},
		{"missing executable", func(c *LauncherConfig) { c.Profiles[0].Launch.ExecutablePath = filepath.Join(inst.dir, "gone.exe") }, "invalid launch configuration"},
		{"missing module", func(c *LauncherConfig) { c.Profiles[0].Modules = []string{filepath.Join(inst.dir, "gone.dll")} }, "invalid module"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var config *LauncherConfig
			if tt.mutate != nil {
				config = valid()
				tt.mutate(config)
			}
			err := ValidateConfig(config)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateConfig_MissingModuleIgnoredWithoutInjection(t *testing.T) {
	inst := newInstallation(t)
	config, err := LoadConfigFromFile(writeConfig(t, inst.configYAML()))
	require.NoError(t, err)

	config.Profiles[1].Modules = []string{filepath.Join(inst.dir, "gone.dll")}
	assert.NoError(t, ValidateConfig(config))
}

func TestCreateInstancesFromConfig(t *testing.T) {
	inst := newInstallation(t)
	config, err := LoadConfigFromFile(writeConfig(t, inst.configYAML()))
	require.NoError(t, err)

	instances, err := CreateInstancesFromConfig(config, nil)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	primary := instances[0]
	assert.Equal(t, "main", primary.Name)
	assert.Equal(t, []string{inst.module}, primary.Request.Modules)
	assert.True(t, primary.Request.Verify)
	assert.Equal(t, launch.ModeSuspended, primary.Request.Mode)
	assert.Equal(t, "ClientSingleInstance", primary.GuardName)
	assert.Equal(t, []string{"client.exe", "client64.exe"}, primary.Guard.ProcessNames)
	assert.True(t, primary.Guard.IncludeInaccessible)
	assert.False(t, primary.Guard.AllowElevation)
	require.NotNil(t, primary.Readiness)
	assert.Equal(t, 3, primary.Readiness.PointerOffset)
	assert.Equal(t, 1, primary.ReadinessValueWidth)

	assert.Empty(t, instances[1].Request.Modules)
	assert.Equal(t, 30, instances[1].DelaySeconds)

	ordered, err := CreateInstancesFromConfig(config, []string{"alt", "main"})
	require.NoError(t, err)
	assert.Equal(t, "alt", ordered[0].Name)

	_, err = CreateInstancesFromConfig(config, []string{"retired"})
	assert.True(t, errors.IsValidationError(err))
	_, err = CreateInstancesFromConfig(config, []string{"nobody"})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestServiceOptionsAndRehydration(t *testing.T) {
	inst := newInstallation(t)
	config, err := LoadConfigFromFile(writeConfig(t, inst.configYAML()))
	require.NoError(t, err)

	options := ServiceOptions(config)
	assert.Equal(t, 7*time.Second, options.InjectionTimeout)
	assert.Equal(t, launch.FailurePolicyTerminate, options.FailurePolicy)
	assert.Equal(t, 8388608, options.Readiness.Scanner.WindowSize)

	profiles := RehydrationProfiles(config, "lineage")
	require.Len(t, profiles, 3)
	assert.Equal(t, "Brutus", profiles[0].Hint)
	assert.Empty(t, RehydrationProfiles(config, "other"))

	game, ok := config.Game("lineage")
	require.True(t, ok)
	assert.Equal(t, launch.GuardTarget{
		ProcessNames:        []string{"client.exe", "client64.exe"},
		ImageDirectory:      inst.dir,
		IncludeInaccessible: true,
	}, config.GuardTarget(game))
}

func TestCreateInstancesFromConfig_ExplicitZeroDelay(t *testing.T) {
	inst := newInstallation(t)
	content := strings.Replace(inst.configYAML(), "delay_seconds: 30", "delay_seconds: 0", 1)
	config, err := LoadConfigFromFile(writeConfig(t, content))
	require.NoError(t, err)

	instances, err := CreateInstancesFromConfig(config, []string{"alt", "main"})
	require.NoError(t, err)
	assert.Equal(t, 0, instances[0].DelaySeconds)
	assert.Equal(t, DefaultDelaySeconds, instances[1].DelaySeconds)

	effective, clamped := throttle.ClampDelay(instances[0].DelaySeconds)
	assert.Equal(t, throttle.MinDelaySeconds, effective)
	assert.True(t, clamped)
}

func TestGuardTarget_CandidateFilter(t *testing.T) {
	tests := []struct {
		name                string
		includeInaccessible bool
		expected            reclaimer.Status
	}{
		{"inaccessible_skipped", false, reclaimer.StatusNoProcess},
		{"inaccessible_included", true, reclaimer.StatusCleared},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &LauncherConfig{Games: []GameConfig{{
				ID:                           "lineage",
				ProcessNames:                 []string{"client.exe"},
				SingleInstanceGuard:          "ClientSingleInstance",
				ImageDirectory:               `C:\Games`,
				IncludeInaccessibleProcesses: tt.includeInaccessible,
			}}}
			game, ok := config.Game("lineage")
			require.True(t, ok)

			fake := osapitest.New()
			elsewhere := fake.AddProcess("client.exe")
			elsewhere.ImagePath = `D:\Other\client.exe`
			outside := elsewhere.AddMutex(`\BaseNamedObjects\ClientSingleInstance`)
			hidden := fake.AddProcess("client.exe")
			hidden.DenyImagePath()
			hidden.AddMutex(`\BaseNamedObjects\ClientSingleInstance`)

			service := launch.NewService(fake, logging.NewNopLogger(), ServiceOptions(config))
			out := service.ReclaimSingleInstanceGuard(context.Background(), game.SingleInstanceGuard, config.GuardTarget(game))

			assert.Equal(t, tt.expected, out.Status)
			assert.True(t, elsewhere.HasHandle(outside))
		})
	}
}
