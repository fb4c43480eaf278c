package scanner

import (
	"encoding/binary"
	"fmt"

	"github.com/core-tools/hsu-launcher/pkg/errors"
)

// DefaultDisplacementWidth is the width of a rel32 operand.
const DefaultDisplacementWidth = 4

// Descriptor says how to find and resolve one pointer from a signature.
type Descriptor struct {
	Signature Signature
	// PointerOffset is added to the signature's start index.
	PointerOffset int
	// Relative reads a signed displacement at the offset location and
	// resolves it against the end of the displacement field. Otherwise the
	// offset location itself is the result.
	Relative bool
	// DisplacementWidth is the byte width of the displacement field: 1, 2,
	// 4 or 8. Zero selects DefaultDisplacementWidth.
	DisplacementWidth int
}

func (d Descriptor) displacementWidth() int {
	if d.DisplacementWidth == 0 {
		return DefaultDisplacementWidth
	}
	return d.DisplacementWidth
}

// Validate checks the descriptor's static shape.
func (d Descriptor) Validate() error {
	if d.Signature.Len() == 0 {
		return errors.NewValidationError("signature is required", nil)
	}
	if len(d.Signature.Mask) != d.Signature.Len() {
		return errors.NewValidationError("signature mask length does not match pattern", nil)
	}
	switch d.displacementWidth() {
	case 1, 2, 4, 8:
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported displacement width: %d", d.DisplacementWidth), nil)
	}
	return nil
}

// ResolveInImage locates d in image, a copy of the target's memory that
// starts at base, and returns the resolved remote address. Every offset is
// checked against len(image) before it is read.
func ResolveInImage(image []byte, base uintptr, d Descriptor) (uintptr, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}

	index := d.Signature.Find(image)
	if index < 0 {
		return 0, errors.NewNotFoundError("signature not found", nil).
			WithContext("signature", d.Signature.String()).
			WithContext("window", len(image))
	}

	location := int64(index) + int64(d.PointerOffset)
	if !d.Relative {
		if location < 0 || location >= int64(len(image)) {
			return 0, outOfBounds(index, location, 1, len(image))
		}
		return base + uintptr(location), nil
	}

	width := int64(d.displacementWidth())
	if location < 0 || location+width > int64(len(image)) {
		return 0, outOfBounds(index, location, width, len(image))
	}

	field := image[location : location+width]
	var displacement int64
	switch width {
	case 1:
		displacement = int64(int8(field[0]))
	case 2:
		displacement = int64(int16(binary.LittleEndian.Uint16(field)))
	case 4:
		displacement = int64(int32(binary.LittleEndian.Uint32(field)))
	case 8:
		displacement = int64(binary.LittleEndian.Uint64(field))
	}

	return uintptr(int64(base) + location + width + displacement), nil
}

func outOfBounds(index int, location, width int64, size int) error {
	return errors.NewOutOfBoundsError(
		fmt.Sprintf("offset %d (+%d) outside scanned window of %d bytes", location, width, size), nil).
		WithContext("signature_index", index)
}
