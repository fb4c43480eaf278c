//go:build !windows

package osapi

import (
	"os"
	"strconv"
	"time"
)

// New returns a facade whose every call fails with ErrUnsupported.
func New() OS {
	return unsupportedOS{}
}

type unsupportedOS struct{}

func (unsupportedOS) CreateProcess(CreateProcessRequest) (ProcessInformation, error) {
	return ProcessInformation{}, ErrUnsupported
}
func (unsupportedOS) ResumeThread(Handle) error                  { return ErrUnsupported }
func (unsupportedOS) TerminateProcess(Handle, uint32) error      { return ErrUnsupported }
func (unsupportedOS) OpenProcess(uint32, uint32) (Handle, error) { return 0, ErrUnsupported }
func (unsupportedOS) CloseHandle(Handle) error                   { return ErrUnsupported }
func (unsupportedOS) CurrentProcess() Handle                     { return 0 }
func (unsupportedOS) ProcessID(Handle) (uint32, error)           { return 0, ErrUnsupported }
func (unsupportedOS) IsRunning(Handle) (bool, error)             { return false, ErrUnsupported }
func (unsupportedOS) PointerWidth() int                          { return strconv.IntSize }
func (unsupportedOS) ProcessPointerWidth(Handle) (int, error)    { return 0, ErrUnsupported }

func (unsupportedOS) AllocateMemory(Handle, uintptr) (uintptr, error) { return 0, ErrUnsupported }
func (unsupportedOS) FreeMemory(Handle, uintptr) error                { return ErrUnsupported }
func (unsupportedOS) WriteMemory(Handle, uintptr, []byte) (uintptr, error) {
	return 0, ErrUnsupported
}
func (unsupportedOS) ReadMemory(Handle, uintptr, []byte) (uintptr, error) {
	return 0, ErrUnsupported
}

func (unsupportedOS) LoaderEntryPoint() (uintptr, error) { return 0, ErrUnsupported }
func (unsupportedOS) CreateRemoteThread(Handle, uintptr, uintptr) (Handle, error) {
	return 0, ErrUnsupported
}
func (unsupportedOS) WaitForObject(Handle, time.Duration) (WaitResult, error) {
	return WaitTimedOut, ErrUnsupported
}
func (unsupportedOS) ThreadExitCode(Handle) (uint32, error) { return 0, ErrUnsupported }

func (unsupportedOS) ProcessEnvironmentBlock(Handle) (uintptr, error) { return 0, ErrUnsupported }
func (unsupportedOS) QuerySystemInformation(SystemInformationClass, []byte) (uint32, error) {
	return 0, ErrUnsupported
}
func (unsupportedOS) DuplicateHandle(Handle, Handle, Handle, uint32) (Handle, error) {
	return 0, ErrUnsupported
}
func (unsupportedOS) ObjectTypeName(Handle) (string, error) { return "", ErrUnsupported }
func (unsupportedOS) ObjectName(Handle) (string, error)     { return "", ErrUnsupported }

func (unsupportedOS) Processes() ([]ProcessEntry, error)      { return nil, ErrUnsupported }
func (unsupportedOS) ProcessImagePath(uint32) (string, error) { return "", ErrUnsupported }
func (unsupportedOS) Modules(uint32) ([]ModuleEntry, error)   { return nil, ErrUnsupported }
func (unsupportedOS) MainWindowTitle(uint32) (string, error)  { return "", ErrUnsupported }

func (unsupportedOS) IsElevated() (bool, error)   { return false, ErrUnsupported }
func (unsupportedOS) Executable() (string, error) { return os.Executable() }
func (unsupportedOS) RunElevated(string, []string) (uint32, error) {
	return 0, ErrUnsupported
}
