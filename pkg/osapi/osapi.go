// Package osapi is the single doorway from the launch core to the operating
// system. Every process, memory, thread, handle-table and elevation call goes
// through the interfaces declared here so that tests can substitute a fake
// process table and handle table.
package osapi

import (
	"errors"
	"time"
)

// Handle is an OS-level reference to a kernel object. Zero is never valid.
type Handle uintptr

// Process access rights.
const (
	ProcessTerminate               uint32 = 0x0001
	ProcessCreateThread            uint32 = 0x0002
	ProcessVMOperation             uint32 = 0x0008
	ProcessVMRead                  uint32 = 0x0010
	ProcessVMWrite                 uint32 = 0x0020
	ProcessDupHandle               uint32 = 0x0040
	ProcessQueryInformation        uint32 = 0x0400
	ProcessQueryLimitedInformation uint32 = 0x1000
	Synchronize                    uint32 = 0x00100000
)

// Access masks used by the core. Nothing in the core opens a process with
// full access.
const (
	InjectionAccess = ProcessCreateThread | ProcessQueryInformation | ProcessVMOperation | ProcessVMWrite | ProcessVMRead | Synchronize
	ReclaimAccess   = ProcessDupHandle | ProcessQueryLimitedInformation
	ProbeAccess     = ProcessVMRead | ProcessQueryLimitedInformation
)

// DuplicateHandle options.
const (
	DuplicateCloseSource uint32 = 0x00000001
	DuplicateSameAccess  uint32 = 0x00000002
)

// SystemInformationClass selects the global snapshot returned by QuerySystemInformation.
type SystemInformationClass uint32

const SystemExtendedHandleInformation SystemInformationClass = 0x40

// MutantTypeName is the kernel type name of a named mutex.
const MutantTypeName = "Mutant"

var (
	// ErrInfoLengthMismatch means the caller's buffer was too small; the
	// returned length is a hint, not a guarantee.
	ErrInfoLengthMismatch = errors.New("information length mismatch")

	// ErrUnsupported is returned by every call on platforms without the facade.
	ErrUnsupported = errors.New("operation not supported on this platform")

	// ErrElevationDeclined means the user dismissed the elevation prompt.
	ErrElevationDeclined = errors.New("elevation declined")
)

// WaitResult is the outcome of a bounded wait on a kernel object.
type WaitResult int

const (
	WaitSignaled WaitResult = iota
	WaitTimedOut
	WaitAbandoned
)

func (r WaitResult) String() string {
	switch r {
	case WaitSignaled:
		return "signaled"
	case WaitTimedOut:
		return "timed_out"
	case WaitAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// CreateProcessRequest describes one process creation.
type CreateProcessRequest struct {
	ApplicationPath  string
	Args             []string
	WorkingDirectory string
	// Environment is a fully encoded, double-terminated UTF-16 block.
	// Nil inherits the caller's environment.
	Environment []uint16
	Suspended   bool
}

// ProcessInformation carries ownership of both handles to the caller.
type ProcessInformation struct {
	Process   Handle
	Thread    Handle
	ProcessID uint32
	ThreadID  uint32
}

// ProcessEntry is one row of a process snapshot.
type ProcessEntry struct {
	ProcessID uint32
	ParentID  uint32
	ExeName   string
}

// ModuleEntry is one loaded module of a process.
type ModuleEntry struct {
	Name string
	Path string
	Base uintptr
	Size uint32
}

// ProcessAPI creates, opens and inspects processes.
type ProcessAPI interface {
	CreateProcess(req CreateProcessRequest) (ProcessInformation, error)
	ResumeThread(thread Handle) error
	TerminateProcess(process Handle, exitCode uint32) error
	OpenProcess(access uint32, pid uint32) (Handle, error)
	CloseHandle(h Handle) error
	CurrentProcess() Handle
	ProcessID(process Handle) (uint32, error)
	// IsRunning reports whether the process has not yet produced an exit code.
	IsRunning(process Handle) (bool, error)
}

// ArchAPI answers pointer-width questions about the caller and a target.
type ArchAPI interface {
	// PointerWidth is the pointer width of the calling process in bits.
	PointerWidth() int
	ProcessPointerWidth(process Handle) (int, error)
}

// MemoryAPI manipulates memory in another address space.
type MemoryAPI interface {
	// AllocateMemory reserves and commits read-write memory in process.
	AllocateMemory(process Handle, size uintptr) (uintptr, error)
	FreeMemory(process Handle, address uintptr) error
	WriteMemory(process Handle, address uintptr, data []byte) (uintptr, error)
	ReadMemory(process Handle, address uintptr, buf []byte) (uintptr, error)
}

// ThreadAPI runs and observes remote threads.
type ThreadAPI interface {
	// LoaderEntryPoint is the local address of the wide-character module
	// loader. It is valid in the target only because the platform maps the
	// loader library at the same base in every process of one architecture.
	LoaderEntryPoint() (uintptr, error)
	CreateRemoteThread(process Handle, start uintptr, arg uintptr) (Handle, error)
	WaitForObject(h Handle, timeout time.Duration) (WaitResult, error)
	ThreadExitCode(thread Handle) (uint32, error)
}

// IntrospectionAPI reaches below ordinary process APIs.
type IntrospectionAPI interface {
	// ProcessEnvironmentBlock returns the remote address of the process
	// environment block.
	ProcessEnvironmentBlock(process Handle) (uintptr, error)
	QuerySystemInformation(class SystemInformationClass, buf []byte) (uint32, error)
	// DuplicateHandle copies source, a handle value valid inside
	// sourceProcess, into targetProcess.
	DuplicateHandle(sourceProcess Handle, source Handle, targetProcess Handle, options uint32) (Handle, error)
	ObjectTypeName(h Handle) (string, error)
	ObjectName(h Handle) (string, error)
}

// EnumerationAPI lists processes and their modules.
type EnumerationAPI interface {
	Processes() ([]ProcessEntry, error)
	ProcessImagePath(pid uint32) (string, error)
	Modules(pid uint32) ([]ModuleEntry, error)
	MainWindowTitle(pid uint32) (string, error)
}

// ElevationAPI runs a privileged copy of the current program.
type ElevationAPI interface {
	IsElevated() (bool, error)
	Executable() (string, error)
	// RunElevated blocks until the elevated process exits and returns its
	// exit code. There is no timeout: the wait is bounded by the user
	// answering the elevation prompt.
	RunElevated(executable string, args []string) (uint32, error)
}

// OS is the complete facade.
type OS interface {
	ProcessAPI
	ArchAPI
	MemoryAPI
	ThreadAPI
	IntrospectionAPI
	EnumerationAPI
	ElevationAPI
}

// CloseAll closes every non-zero handle and returns the first failure.
func CloseAll(api ProcessAPI, handles ...Handle) error {
	var first error
	for _, h := range handles {
		if h == 0 {
			continue
		}
		if err := api.CloseHandle(h); err != nil && first == nil {
			first = err
		}
	}
	return first
}
