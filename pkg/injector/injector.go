// Package injector makes another process load a module through its own
// loader: the module path is written into the target, and a remote thread
// is started at the loader entry point with that path as its argument.
package injector

import (
	"encoding/binary"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
)

const (
	DefaultTimeout = 8 * time.Second
	MinTimeout     = 5 * time.Second
	MaxTimeout     = 10 * time.Second
)

// API is the part of the OS facade the injector uses.
type API interface {
	osapi.ProcessAPI
	osapi.ArchAPI
	osapi.MemoryAPI
	osapi.ThreadAPI
	osapi.EnumerationAPI
}

type Options struct {
	// Timeout bounds the wait on the remote thread. It is clamped to
	// [MinTimeout, MaxTimeout]; zero selects DefaultTimeout.
	Timeout time.Duration
}

type Injector struct {
	api     API
	logger  logging.Logger
	timeout time.Duration
}

func New(api API, logger logging.Logger, options Options) *Injector {
	timeout := options.Timeout
	switch {
	case timeout == 0:
		timeout = DefaultTimeout
	case timeout < MinTimeout:
		timeout = MinTimeout
	case timeout > MaxTimeout:
		timeout = MaxTimeout
	}
	return &Injector{api: api, logger: logger, timeout: timeout}
}

// Timeout returns the effective remote thread wait bound.
func (i *Injector) Timeout() time.Duration {
	return i.timeout
}

// EncodeWidePath returns path as NUL-terminated little-endian UTF-16 bytes.
func EncodeWidePath(path string) []byte {
	units := utf16.Encode([]rune(path))
	buf := make([]byte, 2*(len(units)+1))
	for n, u := range units {
		binary.LittleEndian.PutUint16(buf[2*n:], u)
	}
	return buf
}

// Inject loads modulePath into the process behind h. The handle needs
// osapi.InjectionAccess and stays owned by the caller. The remote allocation
// and the remote thread handle are released on every path.
//
// Preconditions: the target has the injector's pointer width. Postcondition
// on success: the target's loader returned a module handle, or the module
// is listed in the target.
func (i *Injector) Inject(h osapi.Handle, modulePath string) error {
	if strings.TrimSpace(modulePath) == "" {
		return failure(StagePrecondition, modulePath, errors.NewValidationError("module path is required", nil))
	}

	targetWidth, werr := i.api.ProcessPointerWidth(h)
	if werr != nil {
		return failure(StageArchitecture, modulePath, errors.NewProcessError("failed to query target architecture", werr))
	}
	if ownWidth := i.api.PointerWidth(); targetWidth != ownWidth {
		return failure(StageArchitecture, modulePath, errors.NewArchitectureError(
			fmt.Sprintf("target is %d-bit, injector is %d-bit", targetWidth, ownWidth), nil))
	}

	loader, lerr := i.api.LoaderEntryPoint()
	if lerr != nil {
		return failure(StageResolveLoader, modulePath, errors.NewInternalError("failed to resolve loader entry point", lerr))
	}

	payload := EncodeWidePath(modulePath)
	remote, aerr := i.api.AllocateMemory(h, uintptr(len(payload)))
	if aerr != nil {
		return failure(StageAllocate, modulePath, errors.NewProcessError("failed to allocate remote memory", aerr))
	}
	defer func() {
		if ferr := i.api.FreeMemory(h, remote); ferr != nil {
			i.logger.Warnf("Failed to free remote allocation, address: 0x%x, error: %v", remote, ferr)
		}
	}()

	i.logger.Debugf("Allocated remote path buffer, address: 0x%x, size: %d", remote, len(payload))

	written, wrerr := i.api.WriteMemory(h, remote, payload)
	if wrerr != nil {
		return failure(StageWrite, modulePath, errors.NewProcessError("failed to write module path", wrerr))
	}
	if written != uintptr(len(payload)) {
		return failure(StageWrite, modulePath, errors.NewProcessError(
			fmt.Sprintf("short write: %d of %d bytes", written, len(payload)), nil))
	}

	thread, terr := i.api.CreateRemoteThread(h, loader, remote)
	if terr != nil {
		return failure(StageCreateThread, modulePath, errors.NewProcessError("failed to create remote thread", terr))
	}
	defer func() {
		if cerr := i.api.CloseHandle(thread); cerr != nil {
			i.logger.Warnf("Failed to close remote thread handle, error: %v", cerr)
		}
	}()

	result, waitErr := i.api.WaitForObject(thread, i.timeout)
	if waitErr != nil {
		return failure(StageWait, modulePath, errors.NewProcessError("failed to wait for remote thread", waitErr))
	}
	if result != osapi.WaitSignaled {
		return failure(StageWait, modulePath, errors.NewTimeoutError(
			fmt.Sprintf("remote thread %s after %v", result, i.timeout), nil))
	}

	exitCode, xerr := i.api.ThreadExitCode(thread)
	if xerr != nil {
		return failure(StageExitCode, modulePath, errors.NewProcessError("failed to read remote thread exit code", xerr))
	}
	if exitCode != 0 {
		i.logger.Debugf("Loader returned, module: '%s', handle: 0x%x", modulePath, exitCode)
		return nil
	}

	// The exit code holds only the low 32 bits of the module handle, which
	// are zero for a 64-bit base on a 4 GiB boundary.
	if targetWidth == 64 {
		if pid, perr := i.api.ProcessID(h); perr == nil {
			if loaded, _ := ModuleLoaded(i.api, pid, modulePath); loaded {
				i.logger.Debugf("Loader returned zero but module is listed, module: '%s'", modulePath)
				return nil
			}
		}
	}
	return failure(StageModuleLoad, modulePath, errors.NewProcessError("module load failed inside target", nil))
}

// ModuleLoaded reports whether modulePath appears in the module list of pid.
// A full-path match is preferred; a bare file-name match is accepted when
// the listed path is empty.
func ModuleLoaded(api osapi.EnumerationAPI, pid uint32, modulePath string) (bool, error) {
	modules, err := api.Modules(pid)
	if err != nil {
		return false, errors.NewProcessError("failed to list modules", err).WithContext("pid", pid)
	}
	want := filepath.Clean(modulePath)
	wantName := path.Base(strings.ReplaceAll(modulePath, `\`, "/"))
	for _, m := range modules {
		if m.Path != "" && strings.EqualFold(filepath.Clean(m.Path), want) {
			return true, nil
		}
		if m.Path == "" && strings.EqualFold(m.Name, wantName) {
			return true, nil
		}
	}
	return false, nil
}
