package scanner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-launcher/pkg/errors"
)

// Signature is a byte pattern where positions with Mask[i] == false match
// any byte.
type Signature struct {
	Pattern []byte
	Mask    []bool
}

// ParseSignature parses space-separated hex bytes; "?" and "??" are wildcards.
func ParseSignature(text string) (Signature, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Signature{}, errors.NewValidationError("signature is empty", nil)
	}

	sig := Signature{
		Pattern: make([]byte, len(fields)),
		Mask:    make([]bool, len(fields)),
	}
	for i, field := range fields {
		if field == "?" || field == "??" {
			continue
		}
		if len(field) != 2 {
			return Signature{}, errors.NewValidationError(fmt.Sprintf("invalid signature byte %q at position %d", field, i), nil)
		}
		b, err := strconv.ParseUint(field, 16, 8)
		if err != nil {
			return Signature{}, errors.NewValidationError(fmt.Sprintf("invalid signature byte %q at position %d", field, i), err)
		}
		sig.Pattern[i] = byte(b)
		sig.Mask[i] = true
	}

	if !sig.anchored() {
		return Signature{}, errors.NewValidationError("signature has no fixed bytes", nil)
	}
	return sig, nil
}

// MustParseSignature is ParseSignature for literals known to be valid.
func MustParseSignature(text string) Signature {
	sig, err := ParseSignature(text)
	if err != nil {
		panic(err)
	}
	return sig
}

func (s Signature) Len() int {
	return len(s.Pattern)
}

func (s Signature) String() string {
	parts := make([]string, len(s.Pattern))
	for i, b := range s.Pattern {
		if s.Mask[i] {
			parts[i] = fmt.Sprintf("%02X", b)
		} else {
			parts[i] = "??"
		}
	}
	return strings.Join(parts, " ")
}

func (s Signature) anchored() bool {
	for _, fixed := range s.Mask {
		if fixed {
			return true
		}
	}
	return false
}

// Find returns the index of the first occurrence of s in buf, or -1.
func (s Signature) Find(buf []byte) int {
	n := len(s.Pattern)
	if n == 0 || n > len(buf) {
		return -1
	}
	for start := 0; start+n <= len(buf); start++ {
		if s.matchAt(buf, start) {
			return start
		}
	}
	return -1
}

func (s Signature) matchAt(buf []byte, start int) bool {
	for i := range s.Pattern {
		if s.Mask[i] && buf[start+i] != s.Pattern[i] {
			return false
		}
	}
	return true
}
