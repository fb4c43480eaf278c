// Package reclaimer closes a named single-instance mutex inside another
// process. It walks the system handle table, identifies the mutex by
// duplicating candidate handles locally, and closes the original with a
// close-source duplicate. If the unprivileged attempt is denied, it runs an
// elevated copy of the program once and then retries unprivileged.
package reclaimer

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
	"github.com/core-tools/hsu-launcher/pkg/process"
)

const errorAccessDenied = 5

// API is the part of the OS facade the reclaimer uses.
type API interface {
	osapi.ProcessAPI
	osapi.ArchAPI
	osapi.IntrospectionAPI
	osapi.EnumerationAPI
	osapi.ElevationAPI
}

type Options struct {
	// ProcessNames lists candidate executables, primary first.
	ProcessNames []string
	// ImageDirectory, when set, restricts candidates to images under it.
	ImageDirectory string
	// IncludeInaccessible keeps candidates whose image path cannot be read.
	IncludeInaccessible bool
	// AllowElevation permits one elevated helper run.
	AllowElevation bool
}

type Reclaimer struct {
	api     API
	logger  logging.Logger
	options Options
}

func New(api API, logger logging.Logger, options Options) *Reclaimer {
	return &Reclaimer{api: api, logger: logger, options: options}
}

// MatchesLeaf reports whether a kernel object name refers to leaf. Names
// may be session-qualified ("\Sessions\1\BaseNamedObjects\leaf") or bare.
func MatchesLeaf(objectName, leaf string) bool {
	if leaf == "" {
		return false
	}
	return objectName == leaf || strings.HasSuffix(objectName, `\`+leaf)
}

// ElevatedArgs are the command-line arguments of the elevated helper. The
// helper applies the same candidate filter and never elevates again.
func ElevatedArgs(leaf string, options Options) []string {
	args := []string{"--reclaim-guard", leaf}
	for _, name := range options.ProcessNames {
		args = append(args, "--process", name)
	}
	if options.ImageDirectory != "" {
		args = append(args, "--image-directory", options.ImageDirectory)
	}
	if options.IncludeInaccessible {
		args = append(args, "--include-inaccessible")
	}
	return append(args, "--no-elevate")
}

type phase int

const (
	phaseAttempt phase = iota
	phaseElevatedAttempt
	phaseRetry
	phaseDone
)

// attemptResult is the result of one unprivileged pass.
type attemptResult struct {
	status Status
	pid    uint32
	// deniedPID is the first candidate that refused access.
	deniedPID uint32
	detail    string
}

func (a attemptResult) needsElevation() bool {
	return a.deniedPID != 0 && a.status != StatusCleared
}

// Reclaim clears the single-instance guard named leaf. It never returns an
// error; every failure is described by the outcome. The elevated helper, if
// run, is waited for without a timeout.
func (r *Reclaimer) Reclaim(ctx context.Context, leaf string) Outcome {
	out := Outcome{LeafName: leaf}
	if strings.TrimSpace(leaf) == "" {
		out.Status, out.Detail = StatusFailed, "guard name is empty"
		return out
	}

	var first attemptResult
	var helperCode uint32
	for state := phaseAttempt; state != phaseDone; {
		if ctx.Err() != nil {
			out.Status, out.Detail = StatusCancelled, ctx.Err().Error()
			return out
		}

		switch state {
		case phaseAttempt:
			first = r.attempt(leaf)
			if first.status == StatusCleared {
				return r.finish(out, first)
			}
			if !first.needsElevation() || !r.options.AllowElevation {
				return r.finish(out, first)
			}
			if elevated, err := r.api.IsElevated(); err != nil || elevated {
				return r.finish(out, first)
			}
			state = phaseElevatedAttempt

		case phaseElevatedAttempt:
			code, err := r.runHelper(leaf)
			if err != nil {
				if stderrors.Is(err, osapi.ErrElevationDeclined) {
					out.Status, out.Detail = StatusElevationDeclined, "the elevation prompt was dismissed"
				} else {
					out.Status, out.Detail = StatusElevationFailed, err.Error()
				}
				return out
			}
			out.UsedElevation = true
			helperCode = code
			state = phaseRetry

		case phaseRetry:
			retry := r.attempt(leaf)
			switch {
			case retry.status == StatusCleared:
				return r.finish(out, retry)
			case helperCode == ExitCleared:
				out.Status, out.Cleared, out.ClearedProcessID = StatusCleared, true, first.deniedPID
				return out
			case helperCode == ExitNotFound:
				out.Status, out.Detail = StatusNoHandle, "elevated helper found no matching handle"
				return out
			default:
				out.Status, out.Detail = StatusElevationFailed, fmt.Sprintf("elevated helper exited with code %d", helperCode)
				return out
			}
		}
	}
	return out
}

func (r *Reclaimer) finish(out Outcome, a attemptResult) Outcome {
	out.Status = a.status
	out.Detail = a.detail
	if a.status == StatusCleared {
		out.Cleared = true
		out.ClearedProcessID = a.pid
	}
	return out
}

func (r *Reclaimer) runHelper(leaf string) (uint32, error) {
	exe, err := r.api.Executable()
	if err != nil {
		return 0, errors.NewIOError("failed to resolve own executable", err)
	}
	r.logger.Infof("Running elevated reclaim helper, guard: '%s', executable: '%s'", leaf, exe)
	code, err := r.api.RunElevated(exe, ElevatedArgs(leaf, r.options))
	if err != nil {
		r.logger.Warnf("Elevated reclaim helper did not run, guard: '%s', error: %v", leaf, err)
		return 0, err
	}
	r.logger.Infof("Elevated reclaim helper exited, guard: '%s', code: %d", leaf, code)
	return code, nil
}

type candidate struct {
	pid    uint32
	handle osapi.Handle
}

// attempt runs one unprivileged pass over every candidate using a single
// handle-table snapshot.
func (r *Reclaimer) attempt(leaf string) attemptResult {
	entries, err := r.candidates()
	if err != nil {
		return attemptResult{status: StatusFailed, detail: err.Error()}
	}
	if len(entries) == 0 {
		return attemptResult{status: StatusNoProcess, detail: fmt.Sprintf("none of %v is running", r.options.ProcessNames)}
	}

	var result attemptResult
	var opened []candidate
	defer func() {
		for _, c := range opened {
			r.api.CloseHandle(c.handle)
		}
	}()
	for _, e := range entries {
		h, err := r.api.OpenProcess(osapi.ReclaimAccess, e.ProcessID)
		if err != nil {
			if isAccessDenied(err) && result.deniedPID == 0 {
				result.deniedPID = e.ProcessID
			}
			r.logger.Debugf("Skipping candidate, pid: %d, error: %v", e.ProcessID, err)
			continue
		}
		opened = append(opened, candidate{pid: e.ProcessID, handle: h})
	}
	if len(opened) == 0 {
		if result.deniedPID != 0 {
			result.status, result.detail = StatusAccessDenied, fmt.Sprintf("cannot open process %d", result.deniedPID)
		} else {
			result.status, result.detail = StatusNoProcess, "candidate processes exited"
		}
		return result
	}

	table, err := SnapshotHandles(r.api)
	if err != nil {
		result.status, result.detail = StatusFailed, err.Error()
		return result
	}

	for _, c := range opened {
		cleared, denied, err := r.reclaimFrom(c, table, leaf)
		if denied && result.deniedPID == 0 {
			result.deniedPID = c.pid
		}
		if err != nil {
			result.status, result.detail = StatusFailed, err.Error()
			return result
		}
		if cleared {
			r.logger.Infof("Cleared single-instance guard, guard: '%s', pid: %d", leaf, c.pid)
			result.status, result.pid = StatusCleared, c.pid
			return result
		}
	}

	result.status = StatusNoHandle
	result.detail = fmt.Sprintf("no mutex named '%s' in %d candidate process(es)", leaf, len(opened))
	if result.deniedPID != 0 {
		result.status = StatusAccessDenied
		result.detail += fmt.Sprintf(", access denied for process %d", result.deniedPID)
	}
	return result
}

// reclaimFrom walks the table entries of one candidate. Every handle
// duplicated into this process is closed before the next entry.
func (r *Reclaimer) reclaimFrom(c candidate, table []HandleEntry, leaf string) (cleared bool, denied bool, err error) {
	self := r.api.CurrentProcess()
	for _, entry := range table {
		if entry.ProcessID != uint64(c.pid) {
			continue
		}
		source := osapi.Handle(entry.HandleValue)

		dup, derr := r.api.DuplicateHandle(c.handle, source, self, osapi.DuplicateSameAccess)
		if derr != nil {
			if isAccessDenied(derr) {
				denied = true
			}
			continue
		}
		match := r.isGuard(dup, leaf)
		if cerr := r.api.CloseHandle(dup); cerr != nil {
			r.logger.Warnf("Failed to close duplicated handle, pid: %d, value: 0x%x, error: %v", c.pid, entry.HandleValue, cerr)
		}
		if !match {
			continue
		}

		moved, merr := r.api.DuplicateHandle(c.handle, source, self, osapi.DuplicateCloseSource)
		if merr != nil {
			return false, isAccessDenied(merr), errors.NewProcessError("failed to close guard in target", merr).
				WithContext("pid", c.pid)
		}
		if moved != 0 {
			r.api.CloseHandle(moved)
		}
		return true, denied, nil
	}
	return false, denied, nil
}

// isGuard checks the type before the name; name queries are only safe on
// mutex handles.
func (r *Reclaimer) isGuard(h osapi.Handle, leaf string) bool {
	typeName, err := r.api.ObjectTypeName(h)
	if err != nil || typeName != osapi.MutantTypeName {
		return false
	}
	name, err := r.api.ObjectName(h)
	if err != nil {
		return false
	}
	return MatchesLeaf(name, leaf)
}

// candidates lists running processes named in options, primary first.
// Processes with an unreadable image path are dropped unless
// IncludeInaccessible is set; the rest are filtered by image directory when
// one is configured.
func (r *Reclaimer) candidates() ([]osapi.ProcessEntry, error) {
	found, err := process.FindByName(r.api, r.options.ProcessNames...)
	if err != nil {
		return nil, err
	}
	if r.options.ImageDirectory == "" && r.options.IncludeInaccessible {
		return found, nil
	}

	var prefix string
	if r.options.ImageDirectory != "" {
		prefix = strings.ToLower(strings.TrimRight(r.options.ImageDirectory, `\/`)) + `\`
	}
	var kept []osapi.ProcessEntry
	for _, e := range found {
		path, err := r.api.ProcessImagePath(e.ProcessID)
		if err != nil {
			if r.options.IncludeInaccessible {
				kept = append(kept, e)
			} else {
				r.logger.Debugf("Skipping candidate with unreadable image, pid: %d, error: %v", e.ProcessID, err)
			}
			continue
		}
		if prefix == "" || strings.HasPrefix(strings.ToLower(path), prefix) {
			kept = append(kept, e)
		}
	}
	return kept, nil
}

func isAccessDenied(err error) bool {
	code, ok := errors.Win32Code(err)
	return ok && code == errorAccessDenied
}
