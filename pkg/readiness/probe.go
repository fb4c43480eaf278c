// Package readiness answers whether another process has passed its loading
// gate by polling a value located through the scanner.
package readiness

import (
	"fmt"
	"sync"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
	"github.com/core-tools/hsu-launcher/pkg/scanner"
)

const DefaultValueWidth = 4

type State int

const (
	StateUninitialized State = iota
	StateAvailable
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// API is the part of the OS facade the probe uses.
type API interface {
	scanner.API
	CurrentProcess() osapi.Handle
	CloseHandle(h osapi.Handle) error
	DuplicateHandle(sourceProcess osapi.Handle, source osapi.Handle, targetProcess osapi.Handle, options uint32) (osapi.Handle, error)
}

type Options struct {
	Scanner scanner.Options
	// ValueWidth is the byte width of the polled value: 1, 2, 4 or 8.
	ValueWidth int
}

// Probe is bound to one process instance. State moves forward only, and
// once IsReady reports true it keeps reporting true.
type Probe struct {
	api     API
	logger  logging.Logger
	scanner *scanner.Scanner
	width   int

	mu      sync.Mutex
	state   State
	reason  string
	handle  osapi.Handle
	address uintptr
	ready   bool
}

func NewProbe(api API, logger logging.Logger, options Options) *Probe {
	width := options.ValueWidth
	if width == 0 {
		width = DefaultValueWidth
	}
	return &Probe{
		api:     api,
		logger:  logger,
		scanner: scanner.New(api, logger, options.Scanner),
		width:   width,
	}
}

// TryInitialize creates a probe for process and resolves its address. On
// failure the returned error is an unavailable error carrying the reason
// and nothing stays open.
func TryInitialize(api API, logger logging.Logger, process osapi.Handle, d scanner.Descriptor, options Options) (*Probe, error) {
	probe := NewProbe(api, logger, options)
	if err := probe.Initialize(process, d); err != nil {
		return nil, err
	}
	return probe, nil
}

// Initialize resolves the readiness address. The probe keeps its own
// duplicate of process; the caller's handle is not retained.
func (p *Probe) Initialize(process osapi.Handle, d scanner.Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateUninitialized {
		return errors.NewValidationError("probe already initialized", nil).WithContext("state", p.state.String())
	}

	switch p.width {
	case 1, 2, 4, 8:
	default:
		return p.failLocked(fmt.Sprintf("unsupported value width %d", p.width), nil)
	}

	own, err := p.api.DuplicateHandle(p.api.CurrentProcess(), process, p.api.CurrentProcess(), osapi.DuplicateSameAccess)
	if err != nil {
		return p.failLocked("failed to duplicate process handle", err)
	}

	address, err := p.scanner.ResolvePointer(own, d)
	if err != nil {
		p.api.CloseHandle(own)
		return p.failLocked("readiness signal not resolved", err)
	}

	p.handle = own
	p.address = address
	p.state = StateAvailable
	p.logger.Debugf("Readiness probe available, address: 0x%x, width: %d", address, p.width)
	return nil
}

func (p *Probe) failLocked(reason string, cause error) error {
	p.state = StateUnavailable
	if cause != nil {
		p.reason = fmt.Sprintf("%s: %v", reason, cause)
	} else {
		p.reason = reason
	}
	p.logger.Infof("Readiness probe unavailable, reason: %s", p.reason)
	return errors.NewUnavailableError(reason, cause)
}

// IsReady reads the value once and reports whether it is nonzero. Read
// failures report false.
func (p *Probe) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ready {
		return true
	}
	if p.state != StateAvailable || p.handle == 0 {
		return false
	}

	buf := make([]byte, p.width)
	n, err := p.api.ReadMemory(p.handle, p.address, buf)
	if err != nil || int(n) != p.width {
		return false
	}
	for _, b := range buf {
		if b != 0 {
			p.ready = true
			p.logger.Debugf("Readiness signal observed, address: 0x%x", p.address)
			return true
		}
	}
	return false
}

func (p *Probe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reason is the unavailability reason, empty unless State is unavailable.
func (p *Probe) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *Probe) Address() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

// Close releases the probe's process handle. Later IsReady calls only
// repeat an already latched result.
func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == 0 {
		return nil
	}
	err := p.api.CloseHandle(p.handle)
	p.handle = 0
	return err
}
