// Package scanner resolves a pointer inside another process by locating a
// byte signature in its main image and optionally following a relative
// displacement stored next to it.
package scanner

import (
	"encoding/binary"
	"fmt"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
)

const (
	DefaultWindowSize = 16 << 20
	readChunkSize     = 64 << 10

	// Offset of ImageBaseAddress inside the process environment block.
	imageBaseOffset64 = 0x10
	imageBaseOffset32 = 0x08
)

// API is the part of the OS facade the scanner uses.
type API interface {
	osapi.ArchAPI
	osapi.MemoryAPI
	ProcessEnvironmentBlock(process osapi.Handle) (uintptr, error)
}

type Options struct {
	// WindowSize bounds how much of the image is copied. Zero selects
	// DefaultWindowSize.
	WindowSize int
}

type Scanner struct {
	api    API
	logger logging.Logger
	window int
}

func New(api API, logger logging.Logger, options Options) *Scanner {
	window := options.WindowSize
	if window <= 0 {
		window = DefaultWindowSize
	}
	return &Scanner{api: api, logger: logger, window: window}
}

// ResolvePointer returns the remote address described by d. The handle
// needs osapi.ProbeAccess and stays owned by the caller.
func (s *Scanner) ResolvePointer(h osapi.Handle, d Descriptor) (uintptr, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}

	base, err := s.ImageBase(h)
	if err != nil {
		return 0, err
	}

	image, err := s.ReadWindow(h, base)
	if err != nil {
		return 0, err
	}

	address, err := ResolveInImage(image, base, d)
	if err != nil {
		s.logger.Debugf("Signature resolution failed, base: 0x%x, window: %d, error: %v", base, len(image), err)
		return 0, err
	}

	s.logger.Debugf("Resolved pointer, base: 0x%x, address: 0x%x, relative: %t", base, address, d.Relative)
	return address, nil
}

// ImageBase reads the main image base from the process environment block.
func (s *Scanner) ImageBase(h osapi.Handle) (uintptr, error) {
	peb, err := s.api.ProcessEnvironmentBlock(h)
	if err != nil {
		return 0, errors.NewUnavailableError("process environment block not accessible", err)
	}

	// The block is the caller's native one, so a WOW64 target still has
	// the 64-bit layout when read from a 64-bit process.
	offset, size := uintptr(imageBaseOffset64), 8
	if s.api.PointerWidth() == 32 {
		offset, size = imageBaseOffset32, 4
	}

	buf := make([]byte, size)
	n, err := s.api.ReadMemory(h, peb+offset, buf)
	if err != nil || int(n) != size {
		return 0, errors.NewUnavailableError("failed to read image base", err).WithContext("peb", fmt.Sprintf("0x%x", peb))
	}

	var base uintptr
	if size == 4 {
		base = uintptr(binary.LittleEndian.Uint32(buf))
	} else {
		base = uintptr(binary.LittleEndian.Uint64(buf))
	}
	if base == 0 {
		return 0, errors.NewUnavailableError("image base is not set", nil)
	}
	return base, nil
}

// ReadWindow copies up to the configured window of memory starting at base.
// Reading stops at the first chunk that cannot be read completely; the
// readable prefix is returned.
func (s *Scanner) ReadWindow(h osapi.Handle, base uintptr) ([]byte, error) {
	image := make([]byte, s.window)
	total := 0
	for total < s.window {
		size := readChunkSize
		if remaining := s.window - total; remaining < size {
			size = remaining
		}
		n, err := s.api.ReadMemory(h, base+uintptr(total), image[total:total+size])
		total += int(n)
		if err != nil || int(n) < size {
			break
		}
	}

	if total == 0 {
		return nil, errors.NewUnavailableError("image is not readable", nil).WithContext("base", fmt.Sprintf("0x%x", base))
	}
	return image[:total], nil
}
