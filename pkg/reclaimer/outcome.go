package reclaimer

import (
	"fmt"
)

// Status distinguishes every way a reclaim can end.
type Status int

const (
	StatusCleared Status = iota
	StatusNoProcess
	StatusNoHandle
	StatusAccessDenied
	StatusElevationDeclined
	StatusElevationFailed
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCleared:
		return "cleared"
	case StatusNoProcess:
		return "no_process"
	case StatusNoHandle:
		return "no_handle"
	case StatusAccessDenied:
		return "access_denied"
	case StatusElevationDeclined:
		return "elevation_declined"
	case StatusElevationFailed:
		return "elevation_failed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the result of one reclaim request.
type Outcome struct {
	LeafName         string
	Status           Status
	Cleared          bool
	ClearedProcessID uint32
	UsedElevation    bool
	Detail           string
}

// Helper process exit codes.
const (
	ExitCleared  = 0
	ExitFailure  = 1
	ExitNotFound = 2
)

// ExitCode maps an outcome to the elevated helper's exit code.
func ExitCode(o Outcome) int {
	switch o.Status {
	case StatusCleared:
		return ExitCleared
	case StatusNoProcess, StatusNoHandle:
		return ExitNotFound
	default:
		return ExitFailure
	}
}

// FormatOutcome renders a one-line, user-facing description.
func FormatOutcome(o Outcome) string {
	var text string
	switch o.Status {
	case StatusCleared:
		if o.ClearedProcessID != 0 {
			text = fmt.Sprintf("Cleared single-instance guard '%s' held by process %d", o.LeafName, o.ClearedProcessID)
		} else {
			text = fmt.Sprintf("Cleared single-instance guard '%s'", o.LeafName)
		}
		if o.UsedElevation {
			text += " (elevated)"
		}
	case StatusNoProcess:
		text = fmt.Sprintf("Single-instance guard '%s' not found: no candidate process is running", o.LeafName)
	case StatusNoHandle:
		text = fmt.Sprintf("Single-instance guard '%s' not found in any candidate process", o.LeafName)
	case StatusAccessDenied:
		text = fmt.Sprintf("Access denied while reclaiming '%s'", o.LeafName)
	case StatusElevationDeclined:
		text = fmt.Sprintf("Elevation declined; single-instance guard '%s' left in place", o.LeafName)
	case StatusElevationFailed:
		text = fmt.Sprintf("Elevated reclaim of '%s' failed", o.LeafName)
	case StatusCancelled:
		text = fmt.Sprintf("Reclaim of '%s' cancelled", o.LeafName)
	default:
		text = fmt.Sprintf("Reclaim of '%s' failed", o.LeafName)
	}
	if o.Detail != "" && o.Status != StatusCleared {
		text += ": " + o.Detail
	}
	return text
}
