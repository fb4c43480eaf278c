package processstate

import (
	"fmt"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
)

const (
	errorAccessDenied     = 5
	errorInvalidParameter = 87
)

// IsProcessRunning checks if a process is still running. It opens pid with
// limited query rights only; an access-denied open means the process exists.
func IsProcessRunning(api osapi.ProcessAPI, pid uint32) (bool, error) {
	if pid == 0 {
		return false, fmt.Errorf("invalid PID: %d", pid)
	}

	handle, err := api.OpenProcess(osapi.ProcessQueryLimitedInformation, pid)
	if err != nil {
		code, _ := errors.Win32Code(err)
		switch code {
		case errorInvalidParameter:
			return false, nil
		case errorAccessDenied:
			return true, nil
		}
		return false, err
	}
	defer api.CloseHandle(handle)

	return api.IsRunning(handle)
}
