// Package osapitest provides an in-memory operating system for tests of the
// launch core. It models processes, their private memory and handle tables,
// the local handle table of the calling process, a module loader reachable
// through remote threads, and elevation.
package osapitest

import (
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf16"

	"github.com/core-tools/hsu-launcher/pkg/osapi"
)

// Error codes returned by the fake, matching the platform values.
const (
	ErrAccessDenied     = syscall.Errno(5)
	ErrInvalidHandle    = syscall.Errno(6)
	ErrInvalidParameter = syscall.Errno(87)
	ErrPartialCopy      = syscall.Errno(299)
)

const (
	currentProcess     = osapi.Handle(^uintptr(0))
	defaultLoader      = uintptr(0x7ff8_1000_2000)
	allocationBase     = uintptr(0x0000_0200_0000_0000)
	allocationStride   = uintptr(0x10000)
	moduleBase         = uintptr(0x0000_7ff9_0000_0000)
	moduleStride       = uintptr(0x100000)
	defaultExecutable  = `C:\Launcher\launcher.exe`
	firstRemoteHandle  = osapi.Handle(4)
	remoteHandleStride = osapi.Handle(4)
)

type handleKind int

const (
	kindProcess handleKind = iota
	kindThread
	kindObject
)

// Object is a kernel object referenced from one or more handle tables.
type Object struct {
	Type string
	Name string
}

type remoteHandle struct {
	value  osapi.Handle
	object *Object
	access uint32
}

type region struct {
	base      uintptr
	data      []byte
	allocated bool
}

type remoteThread struct {
	exitCode uint32
}

type localHandle struct {
	kind   handleKind
	pid    uint32
	access uint32
	object *Object
	thread *remoteThread
	// duplicate marks handles created by DuplicateHandle.
	duplicate bool
}

// Process is one simulated process. Mutate it only through its methods.
type Process struct {
	fake *Fake

	PID       uint32
	ParentID  uint32
	ExeName   string
	ImagePath string
	Title     string

	width     int
	running   bool
	suspended bool
	exitCode  uint32
	peb       uintptr
	regions   []*region
	modules   []osapi.ModuleEntry
	handles   []remoteHandle
	nextValue osapi.Handle

	requiresElevation bool
	rejectLoads       bool
	truncatedBase     bool
	imagePathDenied   bool
}

// Fake implements osapi.OS. The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	width        int
	loader       uintptr
	elevated     bool
	executable   string
	processes    map[uint32]*Process
	local        map[osapi.Handle]*localHandle
	nextLocal    osapi.Handle
	nextPID      uint32
	nextAlloc    uintptr
	nextModule   uintptr
	failures     map[string]error
	shortWrite   bool
	threadWait   osapi.WaitResult
	mismatches   int
	onCreate     func(*Process)
	onElevated   func(executable string, args []string) (uint32, error)
	created      []osapi.CreateProcessRequest
	elevatedRuns [][]string

	duplicated       int
	closed           int
	duplicatesClosed int
	allocations      int
	frees            int
	threads          int
}

var _ osapi.OS = (*Fake)(nil)

// New returns a fake 64-bit system with no processes.
func New() *Fake {
	return &Fake{
		width:      64,
		loader:     defaultLoader,
		executable: defaultExecutable,
		processes:  make(map[uint32]*Process),
		local:      make(map[osapi.Handle]*localHandle),
		nextLocal:  0x100,
		nextPID:    1000,
		nextAlloc:  allocationBase,
		nextModule: moduleBase,
		failures:   make(map[string]error),
	}
}

// ===== setup =====

// SetPointerWidth sets the calling process's pointer width in bits.
func (f *Fake) SetPointerWidth(bits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.width = bits
}

// SetElevated marks the calling process as elevated.
func (f *Fake) SetElevated(elevated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elevated = elevated
}

// Fail makes every later call of the named facade method return err.
// A nil err clears the failure.
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// SetShortWrite makes WriteMemory write one byte less than asked.
func (f *Fake) SetShortWrite(short bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shortWrite = short
}

// SetRemoteThreadWait sets the result of waiting on a remote thread.
func (f *Fake) SetRemoteThreadWait(result osapi.WaitResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadWait = result
}

// SetHandleTableMismatches makes the next n handle-table queries report a
// too-small buffer even when it would fit.
func (f *Fake) SetHandleTableMismatches(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mismatches = n
}

// OnCreate registers a hook run for every process started through CreateProcess.
func (f *Fake) OnCreate(hook func(*Process)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCreate = hook
}

// OnRunElevated registers the behavior of the elevated helper.
func (f *Fake) OnRunElevated(hook func(executable string, args []string) (uint32, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onElevated = hook
}

// AddProcess registers a running process with the caller's pointer width.
func (f *Fake) AddProcess(exeName string) *Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addProcessLocked(exeName, `C:\Games\`+exeName)
}

func (f *Fake) addProcessLocked(exeName, imagePath string) *Process {
	f.nextPID += 4
	p := &Process{
		fake:      f,
		PID:       f.nextPID,
		ExeName:   exeName,
		ImagePath: imagePath,
		width:     f.width,
		running:   true,
		nextValue: firstRemoteHandle,
	}
	f.processes[p.PID] = p
	return p
}

// Process returns the process with the given id, or nil.
func (f *Fake) Process(pid uint32) *Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processes[pid]
}

// SetPointerWidth sets the process's pointer width in bits.
func (p *Process) SetPointerWidth(bits int) {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	p.width = bits
}

// RequireElevation makes OpenProcess fail with access denied unless the
// caller is elevated.
func (p *Process) RequireElevation() {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	p.requiresElevation = true
}

// RejectLoads makes the loader fail inside this process.
func (p *Process) RejectLoads() {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	p.rejectLoads = true
}

// TruncateModuleBases makes loaded modules report a zero thread exit code,
// as a 64-bit module base with zero low bits does.
func (p *Process) TruncateModuleBases() {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	p.truncatedBase = true
}

// DenyImagePath makes ProcessImagePath fail for this process.
func (p *Process) DenyImagePath() {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	p.imagePathDenied = true
}

// Exit marks the process as exited.
func (p *Process) Exit(code uint32) {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	p.running = false
	p.exitCode = code
}

// MapImage maps image at base and publishes base through a process
// environment block laid out for the caller's pointer width, the block
// that basic process information reports.
func (p *Process) MapImage(base uintptr, image []byte) {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()

	p.regions = append(p.regions, &region{base: base, data: append([]byte(nil), image...)})

	peb := base - 0x100000
	block := make([]byte, 0x40)
	if p.fake.width == 32 {
		binary.LittleEndian.PutUint32(block[0x08:], uint32(base))
	} else {
		binary.LittleEndian.PutUint64(block[0x10:], uint64(base))
	}
	p.regions = append(p.regions, &region{base: peb, data: block})
	p.peb = peb
}

// MapRegion maps readable memory at addr.
func (p *Process) MapRegion(addr uintptr, data []byte) {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	p.regions = append(p.regions, &region{base: addr, data: append([]byte(nil), data...)})
}

// Poke overwrites mapped memory at addr.
func (p *Process) Poke(addr uintptr, data []byte) {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	r := p.regionAt(addr)
	if r == nil {
		panic(fmt.Sprintf("osapitest: poke at unmapped address 0x%x", addr))
	}
	copy(r.data[addr-r.base:], data)
}

// AddHandle adds an object to the process's handle table and returns the
// handle value inside the process.
func (p *Process) AddHandle(typeName, name string) osapi.Handle {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	value := p.nextValue
	p.nextValue += remoteHandleStride
	p.handles = append(p.handles, remoteHandle{
		value:  value,
		object: &Object{Type: typeName, Name: name},
		access: 0x1f0001,
	})
	return value
}

// AddMutex adds a named mutex to the process's handle table.
func (p *Process) AddMutex(name string) osapi.Handle {
	return p.AddHandle(osapi.MutantTypeName, name)
}

// HasHandle reports whether the handle value is still open inside the process.
func (p *Process) HasHandle(value osapi.Handle) bool {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	for _, h := range p.handles {
		if h.value == value {
			return true
		}
	}
	return false
}

// CloseRemote closes a handle inside the process, as the process itself would.
func (p *Process) CloseRemote(value osapi.Handle) {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	p.removeHandle(value)
}

// Suspended reports whether the primary thread has not been resumed.
func (p *Process) Suspended() bool {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	return p.suspended
}

// Running reports whether the process has not exited.
func (p *Process) Running() bool {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	return p.running
}

// ExitCode returns the exit code of an exited process.
func (p *Process) ExitCode() uint32 {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	return p.exitCode
}

// LoadedModules returns a copy of the process's module list.
func (p *Process) LoadedModules() []osapi.ModuleEntry {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	return append([]osapi.ModuleEntry(nil), p.modules...)
}

// LiveAllocations counts remote allocations not yet freed.
func (p *Process) LiveAllocations() int {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	n := 0
	for _, r := range p.regions {
		if r.allocated {
			n++
		}
	}
	return n
}

// ===== observation =====

// Stats summarizes facade traffic.
type Stats struct {
	Duplicated int
	Closed     int
	// DuplicatesClosed counts closes of handles created by DuplicateHandle.
	DuplicatesClosed int
	OpenLocal        int
	Allocations      int
	Frees            int
	Threads          int
}

// Stats returns a snapshot of counters.
func (f *Fake) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Duplicated:       f.duplicated,
		Closed:           f.closed,
		DuplicatesClosed: f.duplicatesClosed,
		OpenLocal:        len(f.local),
		Allocations:      f.allocations,
		Frees:            f.frees,
		Threads:          f.threads,
	}
}

// OpenAccesses returns the access masks of every local process handle
// currently open for pid.
func (f *Fake) OpenAccesses(pid uint32) []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var accesses []uint32
	for _, h := range f.local {
		if h.kind == kindProcess && h.pid == pid {
			accesses = append(accesses, h.access)
		}
	}
	return accesses
}

// Created returns every CreateProcess request seen.
func (f *Fake) Created() []osapi.CreateProcessRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]osapi.CreateProcessRequest(nil), f.created...)
}

// ElevatedRuns returns the arguments of every elevated helper run.
func (f *Fake) ElevatedRuns() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.elevatedRuns...)
}

// ===== osapi.ProcessAPI =====

func (f *Fake) CreateProcess(req osapi.CreateProcessRequest) (osapi.ProcessInformation, error) {
	f.mu.Lock()
	if err := f.failures["CreateProcess"]; err != nil {
		f.mu.Unlock()
		return osapi.ProcessInformation{}, err
	}
	f.created = append(f.created, req)
	p := f.addProcessLocked(baseName(req.ApplicationPath), req.ApplicationPath)
	p.suspended = req.Suspended
	info := osapi.ProcessInformation{
		Process:   f.newLocal(&localHandle{kind: kindProcess, pid: p.PID, access: 0x1fffff}),
		Thread:    f.newLocal(&localHandle{kind: kindThread, pid: p.PID}),
		ProcessID: p.PID,
		ThreadID:  p.PID + 1,
	}
	hook := f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return info, nil
}

func (f *Fake) ResumeThread(thread osapi.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["ResumeThread"]; err != nil {
		return err
	}
	h, ok := f.local[thread]
	if !ok || h.kind != kindThread {
		return ErrInvalidHandle
	}
	f.processes[h.pid].suspended = false
	return nil
}

func (f *Fake) TerminateProcess(process osapi.Handle, exitCode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["TerminateProcess"]; err != nil {
		return err
	}
	p, err := f.processLocked(process)
	if err != nil {
		return err
	}
	p.running = false
	p.exitCode = exitCode
	return nil
}

func (f *Fake) OpenProcess(access uint32, pid uint32) (osapi.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["OpenProcess"]; err != nil {
		return 0, err
	}
	p, ok := f.processes[pid]
	if !ok || !p.running {
		return 0, ErrInvalidParameter
	}
	if p.requiresElevation && !f.elevated {
		return 0, ErrAccessDenied
	}
	return f.newLocal(&localHandle{kind: kindProcess, pid: pid, access: access}), nil
}

func (f *Fake) CloseHandle(h osapi.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == currentProcess {
		return nil
	}
	local, ok := f.local[h]
	if !ok {
		return ErrInvalidHandle
	}
	delete(f.local, h)
	f.closed++
	if local.duplicate {
		f.duplicatesClosed++
	}
	return nil
}

func (f *Fake) CurrentProcess() osapi.Handle {
	return currentProcess
}

func (f *Fake) ProcessID(process osapi.Handle) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.processLocked(process)
	if err != nil {
		return 0, err
	}
	return p.PID, nil
}

func (f *Fake) IsRunning(process osapi.Handle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["IsRunning"]; err != nil {
		return false, err
	}
	p, err := f.processLocked(process)
	if err != nil {
		return false, err
	}
	return p.running, nil
}

// ===== osapi.ArchAPI =====

func (f *Fake) PointerWidth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.width
}

func (f *Fake) ProcessPointerWidth(process osapi.Handle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["ProcessPointerWidth"]; err != nil {
		return 0, err
	}
	p, err := f.processLocked(process)
	if err != nil {
		return 0, err
	}
	return p.width, nil
}

// ===== osapi.MemoryAPI =====

func (f *Fake) AllocateMemory(process osapi.Handle, size uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["AllocateMemory"]; err != nil {
		return 0, err
	}
	p, err := f.processLocked(process)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, ErrInvalidParameter
	}
	addr := f.nextAlloc
	f.nextAlloc += allocationStride
	p.regions = append(p.regions, &region{base: addr, data: make([]byte, size), allocated: true})
	f.allocations++
	return addr, nil
}

func (f *Fake) FreeMemory(process osapi.Handle, address uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["FreeMemory"]; err != nil {
		return err
	}
	p, err := f.processLocked(process)
	if err != nil {
		return err
	}
	for i, r := range p.regions {
		if r.allocated && r.base == address {
			p.regions = append(p.regions[:i], p.regions[i+1:]...)
			f.frees++
			return nil
		}
	}
	return ErrInvalidParameter
}

func (f *Fake) WriteMemory(process osapi.Handle, address uintptr, data []byte) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["WriteMemory"]; err != nil {
		return 0, err
	}
	p, err := f.processLocked(process)
	if err != nil {
		return 0, err
	}
	r := p.regionAt(address)
	if r == nil {
		return 0, ErrPartialCopy
	}
	n := len(data)
	if f.shortWrite && n > 0 {
		n--
	}
	written := copy(r.data[address-r.base:], data[:n])
	return uintptr(written), nil
}

func (f *Fake) ReadMemory(process osapi.Handle, address uintptr, buf []byte) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["ReadMemory"]; err != nil {
		return 0, err
	}
	p, err := f.processLocked(process)
	if err != nil {
		return 0, err
	}
	if !p.running {
		return 0, ErrAccessDenied
	}
	r := p.regionAt(address)
	if r == nil {
		return 0, ErrPartialCopy
	}
	n := copy(buf, r.data[address-r.base:])
	if n < len(buf) {
		return uintptr(n), ErrPartialCopy
	}
	return uintptr(n), nil
}

// ===== osapi.ThreadAPI =====

func (f *Fake) LoaderEntryPoint() (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["LoaderEntryPoint"]; err != nil {
		return 0, err
	}
	return f.loader, nil
}

// CreateRemoteThread runs the thread to completion immediately. A thread
// started at the loader entry point loads the wide string at arg.
func (f *Fake) CreateRemoteThread(process osapi.Handle, start uintptr, arg uintptr) (osapi.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["CreateRemoteThread"]; err != nil {
		return 0, err
	}
	p, err := f.processLocked(process)
	if err != nil {
		return 0, err
	}

	thread := &remoteThread{}
	if start == f.loader {
		thread.exitCode = f.loadLocked(p, arg)
	}
	f.threads++
	return f.newLocal(&localHandle{kind: kindThread, pid: p.PID, thread: thread}), nil
}

func (f *Fake) loadLocked(p *Process, arg uintptr) uint32 {
	r := p.regionAt(arg)
	if r == nil || p.rejectLoads {
		return 0
	}
	path := decodeWide(r.data[arg-r.base:])
	if path == "" {
		return 0
	}
	base := f.nextModule
	f.nextModule += moduleStride
	p.modules = append(p.modules, osapi.ModuleEntry{
		Name: baseName(path),
		Path: path,
		Base: base,
		Size: 0x10000,
	})
	if p.truncatedBase {
		return 0
	}
	return uint32(base) | 0x1000
}

func (f *Fake) WaitForObject(h osapi.Handle, timeout time.Duration) (osapi.WaitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["WaitForObject"]; err != nil {
		return osapi.WaitTimedOut, err
	}
	lh, ok := f.local[h]
	if !ok {
		return osapi.WaitTimedOut, ErrInvalidHandle
	}
	switch lh.kind {
	case kindThread:
		return f.threadWait, nil
	case kindProcess:
		if f.processes[lh.pid].running {
			return osapi.WaitTimedOut, nil
		}
		return osapi.WaitSignaled, nil
	default:
		return osapi.WaitSignaled, nil
	}
}

func (f *Fake) ThreadExitCode(thread osapi.Handle) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["ThreadExitCode"]; err != nil {
		return 0, err
	}
	h, ok := f.local[thread]
	if !ok || h.thread == nil {
		return 0, ErrInvalidHandle
	}
	return h.thread.exitCode, nil
}

// ===== osapi.IntrospectionAPI =====

func (f *Fake) ProcessEnvironmentBlock(process osapi.Handle) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["ProcessEnvironmentBlock"]; err != nil {
		return 0, err
	}
	p, err := f.processLocked(process)
	if err != nil {
		return 0, err
	}
	if p.peb == 0 {
		return 0, ErrAccessDenied
	}
	return p.peb, nil
}

// QuerySystemInformation serializes every process's handle table in the
// extended handle information layout of the caller's pointer width.
func (f *Fake) QuerySystemInformation(class osapi.SystemInformationClass, buf []byte) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["QuerySystemInformation"]; err != nil {
		return 0, err
	}
	if class != osapi.SystemExtendedHandleInformation {
		return 0, ErrInvalidParameter
	}

	table := f.encodeHandleTableLocked()
	if f.mismatches > 0 {
		f.mismatches--
		return uint32(len(table)), osapi.ErrInfoLengthMismatch
	}
	if len(buf) < len(table) {
		return uint32(len(table)), osapi.ErrInfoLengthMismatch
	}
	copy(buf, table)
	return uint32(len(table)), nil
}

func (f *Fake) encodeHandleTableLocked() []byte {
	type row struct {
		pid uint32
		h   remoteHandle
	}
	var rows []row
	for _, pid := range f.sortedPIDsLocked() {
		for _, h := range f.processes[pid].handles {
			rows = append(rows, row{pid: pid, h: h})
		}
	}

	word, header, entry := 8, 16, 40
	if f.width == 32 {
		word, header, entry = 4, 8, 28
	}
	put := func(b []byte, v uint64) {
		if word == 4 {
			binary.LittleEndian.PutUint32(b, uint32(v))
		} else {
			binary.LittleEndian.PutUint64(b, v)
		}
	}

	out := make([]byte, header+entry*len(rows))
	put(out, uint64(len(rows)))
	for i, r := range rows {
		e := out[header+i*entry:]
		put(e[0:], uint64(0xffff_9000_0000_0000)+uint64(i)*0x40)
		put(e[word:], uint64(r.pid))
		put(e[2*word:], uint64(r.h.value))
		binary.LittleEndian.PutUint32(e[3*word:], r.h.access)
		binary.LittleEndian.PutUint16(e[3*word+6:], typeIndex(r.h.object.Type))
	}
	return out
}

func typeIndex(typeName string) uint16 {
	if typeName == osapi.MutantTypeName {
		return 17
	}
	return 37
}

func (f *Fake) DuplicateHandle(sourceProcess osapi.Handle, source osapi.Handle, targetProcess osapi.Handle, options uint32) (osapi.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["DuplicateHandle"]; err != nil {
		return 0, err
	}
	if targetProcess != currentProcess {
		return 0, ErrInvalidParameter
	}

	if sourceProcess == currentProcess {
		h, ok := f.local[source]
		if !ok {
			return 0, ErrInvalidHandle
		}
		dup := *h
		dup.duplicate = true
		f.duplicated++
		if options&osapi.DuplicateCloseSource != 0 {
			delete(f.local, source)
			f.closed++
			if h.duplicate {
				f.duplicatesClosed++
			}
		}
		return f.newLocal(&dup), nil
	}

	p, err := f.processLocked(sourceProcess)
	if err != nil {
		return 0, err
	}
	for _, h := range p.handles {
		if h.value != source {
			continue
		}
		if options&osapi.DuplicateCloseSource != 0 {
			p.removeHandle(source)
		}
		f.duplicated++
		return f.newLocal(&localHandle{kind: kindObject, object: h.object, access: h.access, duplicate: true}), nil
	}
	return 0, ErrInvalidHandle
}

func (f *Fake) ObjectTypeName(h osapi.Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["ObjectTypeName"]; err != nil {
		return "", err
	}
	lh, ok := f.local[h]
	if !ok {
		return "", ErrInvalidHandle
	}
	switch lh.kind {
	case kindProcess:
		return "Process", nil
	case kindThread:
		return "Thread", nil
	default:
		return lh.object.Type, nil
	}
}

func (f *Fake) ObjectName(h osapi.Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["ObjectName"]; err != nil {
		return "", err
	}
	lh, ok := f.local[h]
	if !ok {
		return "", ErrInvalidHandle
	}
	if lh.object == nil {
		return "", nil
	}
	return lh.object.Name, nil
}

// ===== osapi.EnumerationAPI =====

func (f *Fake) Processes() ([]osapi.ProcessEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["Processes"]; err != nil {
		return nil, err
	}
	var entries []osapi.ProcessEntry
	for _, pid := range f.sortedPIDsLocked() {
		p := f.processes[pid]
		if !p.running {
			continue
		}
		entries = append(entries, osapi.ProcessEntry{ProcessID: p.PID, ParentID: p.ParentID, ExeName: p.ExeName})
	}
	return entries, nil
}

func (f *Fake) ProcessImagePath(pid uint32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.processes[pid]
	if !ok {
		return "", ErrInvalidParameter
	}
	if p.imagePathDenied {
		return "", ErrAccessDenied
	}
	return p.ImagePath, nil
}

func (f *Fake) Modules(pid uint32) ([]osapi.ModuleEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["Modules"]; err != nil {
		return nil, err
	}
	p, ok := f.processes[pid]
	if !ok {
		return nil, ErrInvalidParameter
	}
	return append([]osapi.ModuleEntry(nil), p.modules...), nil
}

func (f *Fake) MainWindowTitle(pid uint32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.processes[pid]
	if !ok {
		return "", ErrInvalidParameter
	}
	return p.Title, nil
}

// ===== osapi.ElevationAPI =====

func (f *Fake) IsElevated() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["IsElevated"]; err != nil {
		return false, err
	}
	return f.elevated, nil
}

func (f *Fake) Executable() (string, error) {
	return f.executable, nil
}

// RunElevated runs the registered helper with the calling process elevated
// for the duration of the call.
func (f *Fake) RunElevated(executable string, args []string) (uint32, error) {
	f.mu.Lock()
	f.elevatedRuns = append(f.elevatedRuns, append([]string(nil), args...))
	if err := f.failures["RunElevated"]; err != nil {
		f.mu.Unlock()
		return 0, err
	}
	hook := f.onElevated
	wasElevated := f.elevated
	f.elevated = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.elevated = wasElevated
		f.mu.Unlock()
	}()

	if hook == nil {
		return 0, nil
	}
	return hook(executable, args)
}

// ===== internals =====

func (f *Fake) newLocal(h *localHandle) osapi.Handle {
	f.nextLocal += 4
	f.local[f.nextLocal] = h
	return f.nextLocal
}

func (f *Fake) processLocked(h osapi.Handle) (*Process, error) {
	lh, ok := f.local[h]
	if !ok || lh.kind != kindProcess {
		return nil, ErrInvalidHandle
	}
	p, ok := f.processes[lh.pid]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return p, nil
}

func (f *Fake) sortedPIDsLocked() []uint32 {
	pids := make([]uint32, 0, len(f.processes))
	for pid := range f.processes {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (p *Process) regionAt(addr uintptr) *region {
	for _, r := range p.regions {
		if addr >= r.base && addr < r.base+uintptr(len(r.data)) {
			return r
		}
	}
	return nil
}

func (p *Process) removeHandle(value osapi.Handle) {
	for i, h := range p.handles {
		if h.value == value {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			return
		}
	}
}

func baseName(p string) string {
	return path.Base(strings.ReplaceAll(p, `\`, "/"))
}

func decodeWide(b []byte) string {
	var units []uint16
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i:])
		if u == 0 {
			return string(utf16.Decode(units))
		}
		units = append(units, u)
	}
	return ""
}
