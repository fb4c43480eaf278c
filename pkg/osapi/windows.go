//go:build windows

package osapi

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Calls x/sys/windows does not wrap.
var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")
	modntdll    = windows.NewLazySystemDLL("ntdll.dll")
	moduser32   = windows.NewLazySystemDLL("user32.dll")
	modshell32  = windows.NewLazySystemDLL("shell32.dll")

	procVirtualAllocEx     = modkernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx      = modkernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread = modkernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread  = modkernel32.NewProc("GetExitCodeThread")
	procLoadLibraryW       = modkernel32.NewProc("LoadLibraryW")
	procNtQueryObject      = modntdll.NewProc("NtQueryObject")
	procGetWindowTextW     = moduser32.NewProc("GetWindowTextW")
	procShellExecuteExW    = modshell32.NewProc("ShellExecuteExW")
)

// shellExecuteInfo mirrors SHELLEXECUTEINFOW.
type shellExecuteInfo struct {
	size          uint32
	mask          uint32
	hwnd          windows.HWND
	verb          *uint16
	file          *uint16
	parameters    *uint16
	directory     *uint16
	show          int32
	instApp       windows.Handle
	idList        uintptr
	class         *uint16
	keyClass      windows.Handle
	hotKey        uint32
	iconOrMonitor windows.Handle
	process       windows.Handle
}

const (
	stillActive           = 259
	waitTimeout           = 0x00000102
	seeMaskNoCloseProcess = 0x00000040

	objectNameInformation = 1
	objectTypeInformation = 2
)

// New returns the Windows facade.
func New() OS {
	return &windowsOS{}
}

type windowsOS struct {
	titleOnce     sync.Once
	titleCallback uintptr
}

// ===== processes =====

func (w *windowsOS) CreateProcess(req CreateProcessRequest) (ProcessInformation, error) {
	appName, err := windows.UTF16PtrFromString(req.ApplicationPath)
	if err != nil {
		return ProcessInformation{}, err
	}
	cmdLine, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(append([]string{req.ApplicationPath}, req.Args...)))
	if err != nil {
		return ProcessInformation{}, err
	}
	var dir *uint16
	if req.WorkingDirectory != "" {
		if dir, err = windows.UTF16PtrFromString(req.WorkingDirectory); err != nil {
			return ProcessInformation{}, err
		}
	}

	flags := uint32(windows.CREATE_UNICODE_ENVIRONMENT)
	if req.Suspended {
		flags |= windows.CREATE_SUSPENDED
	}
	var env *uint16
	if len(req.Environment) > 0 {
		env = &req.Environment[0]
	}

	si := new(windows.StartupInfo)
	si.Cb = uint32(unsafe.Sizeof(*si))
	var pi windows.ProcessInformation
	if err := windows.CreateProcess(appName, cmdLine, nil, nil, false, flags, env, dir, si, &pi); err != nil {
		return ProcessInformation{}, err
	}

	return ProcessInformation{
		Process:   Handle(pi.Process),
		Thread:    Handle(pi.Thread),
		ProcessID: pi.ProcessId,
		ThreadID:  pi.ThreadId,
	}, nil
}

func (w *windowsOS) ResumeThread(thread Handle) error {
	_, err := windows.ResumeThread(windows.Handle(thread))
	return err
}

func (w *windowsOS) TerminateProcess(process Handle, exitCode uint32) error {
	return windows.TerminateProcess(windows.Handle(process), exitCode)
}

func (w *windowsOS) OpenProcess(access uint32, pid uint32) (Handle, error) {
	h, err := windows.OpenProcess(access, false, pid)
	if err != nil {
		return 0, err
	}
	return Handle(h), nil
}

func (w *windowsOS) CloseHandle(h Handle) error {
	return windows.CloseHandle(windows.Handle(h))
}

func (w *windowsOS) CurrentProcess() Handle {
	return Handle(windows.CurrentProcess())
}

func (w *windowsOS) ProcessID(process Handle) (uint32, error) {
	return windows.GetProcessId(windows.Handle(process))
}

func (w *windowsOS) IsRunning(process Handle) (bool, error) {
	var exitCode uint32
	if err := windows.GetExitCodeProcess(windows.Handle(process), &exitCode); err != nil {
		return false, err
	}
	return exitCode == stillActive, nil
}

// ===== architecture =====

func (w *windowsOS) PointerWidth() int {
	return strconv.IntSize
}

func (w *windowsOS) ProcessPointerWidth(process Handle) (int, error) {
	var targetWow64 bool
	if err := windows.IsWow64Process(windows.Handle(process), &targetWow64); err != nil {
		return 0, err
	}
	if targetWow64 {
		return 32, nil
	}
	if strconv.IntSize == 64 {
		return 64, nil
	}
	// 32-bit caller: a non-WOW64 target is native, and native is 64-bit
	// exactly when the caller itself runs under WOW64.
	var selfWow64 bool
	if err := windows.IsWow64Process(windows.CurrentProcess(), &selfWow64); err != nil {
		return 0, err
	}
	if selfWow64 {
		return 64, nil
	}
	return 32, nil
}

// ===== memory =====

func (w *windowsOS) AllocateMemory(process Handle, size uintptr) (uintptr, error) {
	addr, _, err := procVirtualAllocEx.Call(uintptr(process), 0, size,
		uintptr(windows.MEM_COMMIT|windows.MEM_RESERVE), uintptr(windows.PAGE_READWRITE))
	if addr == 0 {
		return 0, err
	}
	return addr, nil
}

func (w *windowsOS) FreeMemory(process Handle, address uintptr) error {
	ok, _, err := procVirtualFreeEx.Call(uintptr(process), address, 0, uintptr(windows.MEM_RELEASE))
	if ok == 0 {
		return err
	}
	return nil
}

func (w *windowsOS) WriteMemory(process Handle, address uintptr, data []byte) (uintptr, error) {
	if len(data) == 0 {
		return 0, nil
	}
	var written uintptr
	err := windows.WriteProcessMemory(windows.Handle(process), address, &data[0], uintptr(len(data)), &written)
	return written, err
}

func (w *windowsOS) ReadMemory(process Handle, address uintptr, buf []byte) (uintptr, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var read uintptr
	err := windows.ReadProcessMemory(windows.Handle(process), address, &buf[0], uintptr(len(buf)), &read)
	return read, err
}

// ===== threads =====

func (w *windowsOS) LoaderEntryPoint() (uintptr, error) {
	if err := procLoadLibraryW.Find(); err != nil {
		return 0, err
	}
	return procLoadLibraryW.Addr(), nil
}

func (w *windowsOS) CreateRemoteThread(process Handle, start uintptr, arg uintptr) (Handle, error) {
	var threadID uint32
	h, _, err := procCreateRemoteThread.Call(uintptr(process), 0, 0, start, arg, 0, uintptr(unsafe.Pointer(&threadID)))
	if h == 0 {
		return 0, err
	}
	return Handle(h), nil
}

func (w *windowsOS) WaitForObject(h Handle, timeout time.Duration) (WaitResult, error) {
	millis := uint32(windows.INFINITE)
	if timeout >= 0 {
		millis = uint32(timeout / time.Millisecond)
	}
	event, err := windows.WaitForSingleObject(windows.Handle(h), millis)
	switch event {
	case windows.WAIT_OBJECT_0:
		return WaitSignaled, nil
	case windows.WAIT_ABANDONED:
		return WaitAbandoned, nil
	case waitTimeout:
		return WaitTimedOut, nil
	default:
		return WaitTimedOut, err
	}
}

func (w *windowsOS) ThreadExitCode(thread Handle) (uint32, error) {
	var code uint32
	ok, _, err := procGetExitCodeThread.Call(uintptr(thread), uintptr(unsafe.Pointer(&code)))
	if ok == 0 {
		return 0, err
	}
	return code, nil
}

// ===== introspection =====

func (w *windowsOS) ProcessEnvironmentBlock(process Handle) (uintptr, error) {
	var pbi windows.PROCESS_BASIC_INFORMATION
	var returned uint32
	err := windows.NtQueryInformationProcess(windows.Handle(process), windows.ProcessBasicInformation,
		unsafe.Pointer(&pbi), uint32(unsafe.Sizeof(pbi)), &returned)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(pbi.PebBaseAddress)), nil
}

func (w *windowsOS) QuerySystemInformation(class SystemInformationClass, buf []byte) (uint32, error) {
	var returned uint32
	var ptr unsafe.Pointer
	if len(buf) > 0 {
		ptr = unsafe.Pointer(&buf[0])
	}
	err := windows.NtQuerySystemInformation(int32(class), ptr, uint32(len(buf)), &returned)
	if errors.Is(err, windows.STATUS_INFO_LENGTH_MISMATCH) {
		return returned, ErrInfoLengthMismatch
	}
	return returned, err
}

func (w *windowsOS) DuplicateHandle(sourceProcess Handle, source Handle, targetProcess Handle, options uint32) (Handle, error) {
	var dup windows.Handle
	err := windows.DuplicateHandle(windows.Handle(sourceProcess), windows.Handle(source),
		windows.Handle(targetProcess), &dup, 0, false, options)
	if err != nil {
		return 0, err
	}
	return Handle(dup), nil
}

func (w *windowsOS) ObjectTypeName(h Handle) (string, error) {
	return queryObjectString(h, objectTypeInformation)
}

// ObjectName must only be called on handles whose type cannot block the
// query; callers filter by type first.
func (w *windowsOS) ObjectName(h Handle) (string, error) {
	return queryObjectString(h, objectNameInformation)
}

// Both information classes start with a UNICODE_STRING.
func queryObjectString(h Handle, class uintptr) (string, error) {
	buf := make([]byte, 1024)
	for attempt := 0; attempt < 4; attempt++ {
		var returned uint32
		status, _, _ := procNtQueryObject.Call(uintptr(h), class,
			uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), uintptr(unsafe.Pointer(&returned)))
		ntStatus := windows.NTStatus(status)
		switch ntStatus {
		case windows.STATUS_SUCCESS:
			us := (*windows.NTUnicodeString)(unsafe.Pointer(&buf[0]))
			return us.String(), nil
		case windows.STATUS_INFO_LENGTH_MISMATCH, windows.STATUS_BUFFER_OVERFLOW, windows.STATUS_BUFFER_TOO_SMALL:
			if int(returned) <= len(buf) {
				returned = uint32(len(buf) * 2)
			}
			buf = make([]byte, returned)
		default:
			return "", ntStatus
		}
	}
	return "", fmt.Errorf("NtQueryObject: buffer kept growing")
}

// ===== enumeration =====

func (w *windowsOS) Processes() ([]ProcessEntry, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return nil, err
	}

	var entries []ProcessEntry
	for {
		entries = append(entries, ProcessEntry{
			ProcessID: entry.ProcessID,
			ParentID:  entry.ParentProcessID,
			ExeName:   windows.UTF16ToString(entry.ExeFile[:]),
		})
		if err := windows.Process32Next(snap, &entry); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				return entries, nil
			}
			return entries, err
		}
	}
}

func (w *windowsOS) ProcessImagePath(pid uint32) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:size]), nil
}

func (w *windowsOS) Modules(pid uint32) ([]ModuleEntry, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, pid)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Module32First(snap, &entry); err != nil {
		return nil, err
	}

	var modules []ModuleEntry
	for {
		modules = append(modules, ModuleEntry{
			Name: windows.UTF16ToString(entry.Module[:]),
			Path: windows.UTF16ToString(entry.ExePath[:]),
			Base: entry.ModBaseAddr,
			Size: entry.ModBaseSize,
		})
		if err := windows.Module32Next(snap, &entry); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				return modules, nil
			}
			return modules, err
		}
	}
}

type titleSearch struct {
	pid   uint32
	title string
}

func (w *windowsOS) MainWindowTitle(pid uint32) (string, error) {
	w.titleOnce.Do(func() {
		w.titleCallback = windows.NewCallback(func(hwnd windows.HWND, param uintptr) uintptr {
			search := (*titleSearch)(unsafe.Pointer(param))
			var owner uint32
			if _, err := windows.GetWindowThreadProcessId(hwnd, &owner); err != nil || owner != search.pid {
				return 1
			}
			if !windows.IsWindowVisible(hwnd) {
				return 1
			}
			buf := make([]uint16, 256)
			n, _, _ := procGetWindowTextW.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
			if n == 0 {
				return 1
			}
			search.title = windows.UTF16ToString(buf[:n])
			return 0
		})
	})

	search := &titleSearch{pid: pid}
	// EnumWindows reports an error when the callback stops early.
	_ = windows.EnumWindows(w.titleCallback, unsafe.Pointer(search))
	return search.title, nil
}

// ===== elevation =====

func (w *windowsOS) IsElevated() (bool, error) {
	return windows.GetCurrentProcessToken().IsElevated(), nil
}

func (w *windowsOS) Executable() (string, error) {
	return os.Executable()
}

func (w *windowsOS) RunElevated(executable string, args []string) (uint32, error) {
	verb, err := windows.UTF16PtrFromString("runas")
	if err != nil {
		return 0, err
	}
	file, err := windows.UTF16PtrFromString(executable)
	if err != nil {
		return 0, err
	}
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = windows.EscapeArg(arg)
	}
	params, err := windows.UTF16PtrFromString(strings.Join(quoted, " "))
	if err != nil {
		return 0, err
	}

	info := &shellExecuteInfo{
		mask:       seeMaskNoCloseProcess,
		verb:       verb,
		file:       file,
		parameters: params,
		show:       windows.SW_HIDE,
	}
	info.size = uint32(unsafe.Sizeof(*info))
	if ok, _, err := procShellExecuteExW.Call(uintptr(unsafe.Pointer(info))); ok == 0 {
		if errors.Is(err, windows.ERROR_CANCELLED) {
			return 0, ErrElevationDeclined
		}
		return 0, err
	}
	if info.process == 0 {
		return 0, fmt.Errorf("elevated helper started without a process handle")
	}
	defer windows.CloseHandle(info.process)

	if _, err := windows.WaitForSingleObject(info.process, windows.INFINITE); err != nil {
		return 0, err
	}
	var exitCode uint32
	if err := windows.GetExitCodeProcess(info.process, &exitCode); err != nil {
		return 0, err
	}
	return exitCode, nil
}
