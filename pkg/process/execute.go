package process

import (
	"os"
	"path/filepath"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
)

type LaunchConfig struct {
	ExecutablePath   string   `yaml:"executable_path"`
	Args             []string `yaml:"args,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
	Environment      []EnvVar `yaml:"environment,omitempty"`

	// Suspended creates the primary thread without running it. The caller
	// must resume it through Launched.Resume.
	Suspended bool `yaml:"-"`
}

// Launched owns the handles of a created process. Close must be called on
// every path once the caller is done with it.
type Launched struct {
	Process   osapi.Handle
	Thread    osapi.Handle
	ProcessID uint32
}

// Resume starts the primary thread of a suspended process.
func (l *Launched) Resume(api osapi.ProcessAPI) error {
	if err := api.ResumeThread(l.Thread); err != nil {
		return errors.NewProcessError("failed to resume primary thread", err).WithContext("pid", l.ProcessID)
	}
	return nil
}

// Close releases both handles. It is safe to call more than once.
func (l *Launched) Close(api osapi.ProcessAPI) error {
	errs := errors.NewErrorCollection()
	for _, h := range []osapi.Handle{l.Process, l.Thread} {
		if h != 0 {
			errs.Add(api.CloseHandle(h))
		}
	}
	l.Process, l.Thread = 0, 0
	return errs.ToError()
}

type Launcher struct {
	api     osapi.ProcessAPI
	logger  logging.Logger
	environ func() []string
}

func NewLauncher(api osapi.ProcessAPI, logger logging.Logger) *Launcher {
	return &Launcher{
		api:     api,
		logger:  logger,
		environ: os.Environ,
	}
}

// Launch validates config and creates the process. On failure no handle is
// returned and none is left open.
func (l *Launcher) Launch(config LaunchConfig) (*Launched, error) {
	if err := ValidateLaunchConfig(config); err != nil {
		l.logger.Errorf("Launch configuration validation failed, executable: '%s', error: %v", config.ExecutablePath, err)
		return nil, err
	}

	workDir := config.WorkingDirectory
	if workDir == "" {
		absPath, err := filepath.Abs(config.ExecutablePath)
		if err != nil {
			return nil, errors.NewIOError("failed to get absolute path", err).WithContext("executable_path", config.ExecutablePath)
		}
		workDir = filepath.Dir(absPath)
	}

	env := LayerEnvironment(l.environ(), config.Environment)

	l.logger.Debugf("Creating process, executable: '%s', args: %v, working directory: '%s', overrides: %d, suspended: %t",
		config.ExecutablePath, config.Args, workDir, len(config.Environment), config.Suspended)

	info, err := l.api.CreateProcess(osapi.CreateProcessRequest{
		ApplicationPath:  config.ExecutablePath,
		Args:             config.Args,
		WorkingDirectory: workDir,
		Environment:      EncodeEnvironmentBlock(env),
		Suspended:        config.Suspended,
	})
	if err != nil {
		derr := errors.NewProcessError("failed to create process", err).WithContext("executable_path", config.ExecutablePath)
		if code, ok := errors.Win32Code(err); ok {
			derr = derr.WithContext("win32_code", code)
		}
		l.logger.Errorf("Process creation failed, executable: '%s', error: %v", config.ExecutablePath, err)
		return nil, derr
	}

	l.logger.Infof("Created process, pid: %d, executable: '%s', suspended: %t", info.ProcessID, config.ExecutablePath, config.Suspended)

	return &Launched{
		Process:   info.Process,
		Thread:    info.Thread,
		ProcessID: info.ProcessID,
	}, nil
}
