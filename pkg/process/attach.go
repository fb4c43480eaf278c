package process

import (
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
)

const errorAccessDenied = 5

// Attach opens an already running process with exactly the given rights.
func Attach(api osapi.ProcessAPI, pid uint32, access uint32, logger logging.Logger) (osapi.Handle, error) {
	if pid == 0 {
		return 0, errors.NewValidationError("PID must be positive", nil)
	}

	h, err := api.OpenProcess(access, pid)
	if err != nil {
		logger.Warnf("Failed to open process, pid: %d, access: 0x%x, error: %v", pid, access, err)
		code, hasCode := errors.Win32Code(err)
		var derr *errors.DomainError
		if hasCode && code == errorAccessDenied {
			derr = errors.NewPermissionError("access denied opening process", err)
		} else {
			derr = errors.NewProcessError("failed to open process", err)
		}
		derr = derr.WithContext("pid", pid)
		if hasCode {
			derr = derr.WithContext("win32_code", code)
		}
		return 0, derr
	}

	logger.Debugf("Attached to process, pid: %d, access: 0x%x", pid, access)
	return h, nil
}

// NormalizeProcessName lowercases name and appends ".exe" when it has no
// extension, so "Client" and "client.EXE" compare equal.
func NormalizeProcessName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" && filepath.Ext(name) == "" {
		name += ".exe"
	}
	return name
}

// FindByName returns running processes whose executable name matches one of
// names, grouped in the order the names are given.
func FindByName(api osapi.EnumerationAPI, names ...string) ([]osapi.ProcessEntry, error) {
	entries, err := api.Processes()
	if err != nil {
		return nil, errors.NewProcessError("failed to enumerate processes", err)
	}

	var found []osapi.ProcessEntry
	seen := make(map[uint32]bool)
	for _, name := range names {
		want := NormalizeProcessName(name)
		if want == "" {
			continue
		}
		for _, entry := range entries {
			if seen[entry.ProcessID] || NormalizeProcessName(entry.ExeName) != want {
				continue
			}
			seen[entry.ProcessID] = true
			found = append(found, entry)
		}
	}
	return found, nil
}
