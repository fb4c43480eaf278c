package injector

import (
	stderrors "errors"
	"fmt"

	"github.com/core-tools/hsu-launcher/pkg/errors"
)

// Stage names the step of an injection that failed.
type Stage string

const (
	StagePrecondition  Stage = "precondition"
	StageArchitecture  Stage = "architecture"
	StageResolveLoader Stage = "resolve_loader"
	StageAllocate      Stage = "allocate"
	StageWrite         Stage = "write"
	StageCreateThread  Stage = "create_thread"
	StageWait          Stage = "wait"
	StageExitCode      Stage = "exit_code"
	StageModuleLoad    Stage = "module_load"
)

// InjectError is the typed failure of one injection. Err carries the
// classification (timeout, architecture, process...) and any platform code.
type InjectError struct {
	Stage  Stage
	Module string
	Err    *errors.DomainError
}

func (e *InjectError) Error() string {
	return fmt.Sprintf("inject '%s' failed at %s: %v", e.Module, e.Stage, e.Err)
}

func (e *InjectError) Unwrap() error {
	return e.Err
}

// Code returns the platform error code, if the failing call produced one.
func (e *InjectError) Code() (uint32, bool) {
	return errors.Win32Code(e.Err)
}

// StageOf returns the failing stage of err, or "" if err is not an InjectError.
func StageOf(err error) Stage {
	var ie *InjectError
	if stderrors.As(err, &ie) {
		return ie.Stage
	}
	return ""
}

func failure(stage Stage, module string, err *errors.DomainError) *InjectError {
	if code, ok := errors.Win32Code(err.Cause); ok {
		err = err.WithContext("win32_code", code)
	}
	return &InjectError{Stage: stage, Module: module, Err: err.WithContext("stage", string(stage))}
}
