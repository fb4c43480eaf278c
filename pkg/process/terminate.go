package process

import (
	"time"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
)

// TerminateExitCode is the exit code given to processes killed by the launcher.
const TerminateExitCode uint32 = 1

type terminateAPI interface {
	osapi.ProcessAPI
	WaitForObject(h osapi.Handle, timeout time.Duration) (osapi.WaitResult, error)
}

// Terminate kills the process behind h and waits up to timeout for it to
// exit. The handle stays owned by the caller.
func Terminate(api terminateAPI, h osapi.Handle, timeout time.Duration) error {
	if err := api.TerminateProcess(h, TerminateExitCode); err != nil {
		return errors.NewProcessError("failed to terminate process", err)
	}

	result, err := api.WaitForObject(h, timeout)
	if err != nil {
		return errors.NewProcessError("failed to wait for process exit", err)
	}
	if result == osapi.WaitTimedOut {
		return errors.NewTimeoutError("process did not exit after termination", nil).WithContext("timeout", timeout.String())
	}
	return nil
}
