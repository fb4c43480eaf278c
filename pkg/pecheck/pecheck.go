// Package pecheck reads the target machine of executable and module images
// so that an architecture mismatch is rejected before any process exists.
package pecheck

import (
	"fmt"
	"io"
	"os"

	"github.com/Binject/debug/pe"

	"github.com/core-tools/hsu-launcher/pkg/errors"
)

// Machine types from the COFF file header.
const (
	MachineI386  uint16 = 0x014c
	MachineAMD64 uint16 = 0x8664
	MachineARM64 uint16 = 0xaa64
)

// Arch describes the machine an image was built for.
type Arch struct {
	Machine      uint16
	PointerWidth int
}

func (a Arch) String() string {
	switch a.Machine {
	case MachineI386:
		return "x86"
	case MachineAMD64:
		return "x64"
	case MachineARM64:
		return "arm64"
	default:
		return fmt.Sprintf("machine 0x%04x", a.Machine)
	}
}

// PointerWidthForMachine maps a machine type to a pointer width in bits.
func PointerWidthForMachine(machine uint16) (int, bool) {
	switch machine {
	case MachineI386:
		return 32, true
	case MachineAMD64, MachineARM64:
		return 64, true
	default:
		return 0, false
	}
}

// ReadArch parses the headers of an image.
func ReadArch(r io.ReaderAt) (Arch, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return Arch{}, errors.NewValidationError("not a PE image", err)
	}
	machine := f.FileHeader.Machine
	width, ok := PointerWidthForMachine(machine)
	if !ok {
		return Arch{Machine: machine}, errors.NewArchitectureError(
			fmt.Sprintf("unsupported machine type 0x%04x", machine), nil)
	}
	return Arch{Machine: machine, PointerWidth: width}, nil
}

// ImageArch reads the architecture of the image at path.
func ImageArch(path string) (Arch, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Arch{}, errors.NewNotFoundError("image not found", err).WithContext("path", path)
		}
		return Arch{}, errors.NewIOError("failed to open image", err).WithContext("path", path)
	}
	defer file.Close()

	arch, err := ReadArch(file)
	if err != nil {
		if de, ok := err.(*errors.DomainError); ok {
			return arch, de.WithContext("path", path)
		}
		return arch, err
	}
	return arch, nil
}

// RequireWidth fails with an architecture error unless every image at
// paths is built for the given pointer width.
func RequireWidth(bits int, paths ...string) error {
	for _, path := range paths {
		arch, err := ImageArch(path)
		if err != nil {
			return err
		}
		if arch.PointerWidth != bits {
			return errors.NewArchitectureError(
				fmt.Sprintf("image is %s (%d-bit), launcher is %d-bit", arch, arch.PointerWidth, bits), nil).
				WithContext("path", path)
		}
	}
	return nil
}
