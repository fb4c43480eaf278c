package launch

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/injector"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
	"github.com/core-tools/hsu-launcher/pkg/pecheck"
	"github.com/core-tools/hsu-launcher/pkg/process"
	"github.com/core-tools/hsu-launcher/pkg/report"
)

const terminateTimeout = 5 * time.Second

type Mode int

const (
	// ModeSuspended creates the process suspended, injects, then resumes.
	ModeSuspended Mode = iota
	// ModeAlreadyRunning injects into the process named by ProcessID.
	ModeAlreadyRunning
)

type InjectionRequest struct {
	ExecutablePath   string
	Args             []string
	WorkingDirectory string
	Environment      []process.EnvVar
	// Modules are injected in order; the first failure stops the rest. An
	// empty list launches and resumes without injecting.
	Modules   []string
	Mode      Mode
	ProcessID uint32
	// Verify checks the module list of the target after injection.
	Verify bool
}

// FailureStage names where a launch with injection stopped. The injection
// stages share their names with injector.Stage.
type FailureStage string

const (
	StageNone         FailureStage = ""
	StagePrecondition FailureStage = FailureStage(injector.StagePrecondition)
	StageArchitecture FailureStage = FailureStage(injector.StageArchitecture)
	StageLaunch       FailureStage = "launch"
	StageAttach       FailureStage = "attach"
	StageResume       FailureStage = "resume"
	StageCancelled    FailureStage = "cancelled"
)

type Verification int

const (
	VerificationNotChecked Verification = iota
	VerificationPresent
	VerificationMissing
)

// InjectionOutcome is a value; nothing in it changes after it is returned.
type InjectionOutcome struct {
	ProcessID    uint32
	Succeeded    bool
	FailureStage FailureStage
	Win32Code    uint32
	HasWin32Code bool
	Verification Verification
	// Terminated is set when the failure policy killed the process.
	Terminated bool
	Err        error
	Reason     string
	Steps      []report.Step
}

// LaunchWithInjection runs one launch and returns its outcome. It blocks
// for up to the injection timeout per module and must not be called from a
// thread that has to stay responsive; see LaunchAsync.
func (s *Service) LaunchWithInjection(ctx context.Context, req InjectionRequest) InjectionOutcome {
	return s.launchWithInjection(ctx, req, report.New())
}

// LaunchAsync runs LaunchWithInjection on its own goroutine. The channel
// receives exactly one outcome and is then closed.
func (s *Service) LaunchAsync(ctx context.Context, req InjectionRequest) <-chan InjectionOutcome {
	ch := make(chan InjectionOutcome, 1)
	go func() {
		defer close(ch)
		ch <- s.LaunchWithInjection(ctx, req)
	}()
	return ch
}

func (s *Service) launchWithInjection(ctx context.Context, req InjectionRequest, rep *report.Report) InjectionOutcome {
	ctx, span := s.tracer.Start(ctx, "launch.inject", trace.WithAttributes(
		attribute.String("executable", req.ExecutablePath),
		attribute.Int("modules", len(req.Modules)),
		attribute.Bool("already_running", req.Mode == ModeAlreadyRunning),
	))
	defer span.End()

	out := s.run(ctx, req, rep)
	out.Steps = rep.Steps()
	out.Reason = report.Summary(out.Steps)

	span.SetAttributes(
		attribute.Int64("pid", int64(out.ProcessID)),
		attribute.Bool("succeeded", out.Succeeded),
		attribute.String("failure_stage", string(out.FailureStage)),
	)
	if !out.Succeeded {
		span.SetStatus(codes.Error, out.Reason)
	}
	s.injections.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("succeeded", out.Succeeded),
		attribute.String("failure_stage", string(out.FailureStage)),
	))

	if out.Succeeded {
		s.logger.Infof("Launch with injection succeeded, pid: %d, modules: %d", out.ProcessID, len(req.Modules))
	} else {
		s.logger.Errorf("Launch with injection failed, pid: %d, stage: %s, error: %v", out.ProcessID, out.FailureStage, out.Err)
	}
	return out
}

func (s *Service) run(ctx context.Context, req InjectionRequest, rep *report.Report) InjectionOutcome {
	var out InjectionOutcome
	fail := func(stage FailureStage, err error) InjectionOutcome {
		out.FailureStage = stage
		out.Err = err
		out.Win32Code, out.HasWin32Code = errors.Win32Code(err)
		return out
	}

	if err := ctx.Err(); err != nil {
		rep.Add("Launch", report.NotAttempted, "cancelled")
		return fail(StageCancelled, errors.NewCancelledError("launch cancelled", err))
	}

	if err := s.validate(req); err != nil {
		rep.Add("Validate paths", report.Failed, err.Error())
		return fail(StagePrecondition, err)
	}
	rep.Add("Validate paths", report.Success, "")

	if !s.options.SkipArchitectureCheck {
		if err := s.checkArchitecture(req); err != nil {
			rep.Add("Check architecture", report.Failed, err.Error())
			if errors.IsArchitectureError(err) {
				return fail(StageArchitecture, err)
			}
			return fail(StagePrecondition, err)
		}
		rep.Addf("Check architecture", report.Success, "%d-bit", s.api.PointerWidth())
	}

	var target osapi.Handle
	var launched *process.Launched
	if req.Mode == ModeAlreadyRunning {
		h, err := process.Attach(s.api, req.ProcessID, osapi.InjectionAccess, s.logger)
		if err != nil {
			rep.Add("Open process", report.Failed, err.Error())
			return fail(StageAttach, err)
		}
		defer s.api.CloseHandle(h)
		rep.Addf("Open process", report.Success, "pid %d", req.ProcessID)
		target = h
		out.ProcessID = req.ProcessID
	} else {
		l, err := s.launcher.Launch(process.LaunchConfig{
			ExecutablePath:   req.ExecutablePath,
			Args:             req.Args,
			WorkingDirectory: req.WorkingDirectory,
			Environment:      req.Environment,
			Suspended:        true,
		})
		if err != nil {
			rep.Add("Launch process", report.Failed, err.Error())
			return fail(StageLaunch, err)
		}
		defer l.Close(s.api)
		rep.Addf("Launch process", report.Success, "pid %d (suspended)", l.ProcessID)
		launched = l
		target = l.Process
		out.ProcessID = l.ProcessID
	}

	injectErr := s.injectAll(target, req.Modules, rep)

	if injectErr == nil && req.Verify {
		out.Verification = s.verify(out.ProcessID, req.Modules, rep)
	}

	// Resume only after every injection finished or was abandoned.
	if launched != nil {
		if injectErr != nil && s.options.FailurePolicy == FailurePolicyTerminate {
			if err := process.Terminate(s.api, launched.Process, terminateTimeout); err != nil {
				rep.Add("Terminate process", report.Failed, err.Error())
				s.logger.Warnf("Failed to terminate process after injection failure, pid: %d, error: %v", launched.ProcessID, err)
			} else {
				rep.Add("Terminate process", report.Success, "injection failed")
				out.Terminated = true
			}
			rep.Add("Resume process", report.NotAttempted, "")
		} else if err := launched.Resume(s.api); err != nil {
			rep.Add("Resume process", report.Failed, err.Error())
			if injectErr == nil {
				return fail(StageResume, err)
			}
		} else {
			rep.Add("Resume process", report.Success, "")
		}
	}

	if injectErr != nil {
		return fail(FailureStage(injector.StageOf(injectErr)), injectErr)
	}
	out.Succeeded = true
	return out
}

func (s *Service) validate(req InjectionRequest) error {
	if req.Mode == ModeAlreadyRunning {
		if len(req.Modules) == 0 {
			return errors.NewValidationError("at least one module is required for an already running target", nil)
		}
		if req.ProcessID == 0 {
			return errors.NewValidationError("process id is required for an already running target", nil)
		}
	} else if err := process.ValidateFileExists(req.ExecutablePath, "executable"); err != nil {
		return err
	}
	for _, m := range req.Modules {
		if err := process.ValidateFileExists(m, "module"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkArchitecture(req InjectionRequest) error {
	paths := req.Modules
	if req.Mode != ModeAlreadyRunning {
		paths = append([]string{req.ExecutablePath}, req.Modules...)
	}
	return pecheck.RequireWidth(s.api.PointerWidth(), paths...)
}

// injectAll injects every module in order and stops at the first failure.
// One step is recorded per module.
func (s *Service) injectAll(target osapi.Handle, modules []string, rep *report.Report) error {
	for i, m := range modules {
		label := "Inject " + moduleName(m)
		if err := s.injector.Inject(target, m); err != nil {
			rep.Add(label, report.Failed, err.Error())
			for _, rest := range modules[i+1:] {
				rep.Add("Inject "+moduleName(rest), report.NotAttempted, "")
			}
			return err
		}
		rep.Add(label, report.Success, "")
	}
	return nil
}

func (s *Service) verify(pid uint32, modules []string, rep *report.Report) Verification {
	var missing []string
	for _, m := range modules {
		loaded, err := injector.ModuleLoaded(s.api, pid, m)
		if err != nil {
			rep.Add("Verify modules", report.Skipped, err.Error())
			return VerificationNotChecked
		}
		if !loaded {
			missing = append(missing, moduleName(m))
		}
	}
	if len(missing) > 0 {
		rep.Add("Verify modules", report.Failed, "not listed: "+strings.Join(missing, ", "))
		return VerificationMissing
	}
	rep.Add("Verify modules", report.Success, fmt.Sprintf("%d of %d listed", len(modules), len(modules)))
	return VerificationPresent
}

func moduleName(p string) string {
	return path.Base(strings.ReplaceAll(p, `\`, "/"))
}
