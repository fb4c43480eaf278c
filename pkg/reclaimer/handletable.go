package reclaimer

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
)

// HandleEntry is one row of the extended system handle table.
type HandleEntry struct {
	Object          uint64
	ProcessID       uint64
	HandleValue     uint64
	GrantedAccess   uint32
	BackTraceIndex  uint16
	ObjectTypeIndex uint16
	Attributes      uint32
}

// tableLayout describes the row layout for one pointer width. The header
// holds the entry count followed by a reserved word.
type tableLayout struct {
	word   int
	header int
	entry  int
}

func layoutFor(pointerWidth int) (tableLayout, error) {
	switch pointerWidth {
	case 64:
		return tableLayout{word: 8, header: 16, entry: 40}, nil
	case 32:
		return tableLayout{word: 4, header: 8, entry: 28}, nil
	default:
		return tableLayout{}, errors.NewArchitectureError(fmt.Sprintf("unsupported pointer width: %d", pointerWidth), nil)
	}
}

func (l tableLayout) readWord(b []byte) uint64 {
	if l.word == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// ParseHandleTable decodes a snapshot produced for the given pointer width.
// A count that does not fit in buf is an out-of-bounds error.
func ParseHandleTable(buf []byte, pointerWidth int) ([]HandleEntry, error) {
	layout, err := layoutFor(pointerWidth)
	if err != nil {
		return nil, err
	}
	if len(buf) < layout.header {
		return nil, errors.NewOutOfBoundsError(fmt.Sprintf("handle table shorter than header: %d bytes", len(buf)), nil)
	}

	count := layout.readWord(buf)
	available := uint64(len(buf)-layout.header) / uint64(layout.entry)
	if count > available {
		return nil, errors.NewOutOfBoundsError(
			fmt.Sprintf("handle table claims %d entries, buffer holds %d", count, available), nil)
	}

	entries := make([]HandleEntry, count)
	w := layout.word
	for i := range entries {
		row := buf[layout.header+i*layout.entry : layout.header+(i+1)*layout.entry]
		entries[i] = HandleEntry{
			Object:          layout.readWord(row[0:]),
			ProcessID:       layout.readWord(row[w:]),
			HandleValue:     layout.readWord(row[2*w:]),
			GrantedAccess:   binary.LittleEndian.Uint32(row[3*w:]),
			BackTraceIndex:  binary.LittleEndian.Uint16(row[3*w+4:]),
			ObjectTypeIndex: binary.LittleEndian.Uint16(row[3*w+6:]),
			Attributes:      binary.LittleEndian.Uint32(row[3*w+8:]),
		}
	}
	return entries, nil
}

const (
	maxSnapshotSize     = 512 << 20
	maxSnapshotAttempts = 8
	snapshotSlack       = 64 << 10
)

var initialSnapshotSize = 1 << 20

type snapshotAPI interface {
	PointerWidth() int
	QuerySystemInformation(class osapi.SystemInformationClass, buf []byte) (uint32, error)
}

// SnapshotHandles takes one system-wide handle snapshot, growing the buffer
// until the table fits. The table keeps changing between calls, so each
// retry adds slack on top of the reported size.
func SnapshotHandles(api snapshotAPI) ([]HandleEntry, error) {
	size := initialSnapshotSize
	for attempt := 0; attempt < maxSnapshotAttempts; attempt++ {
		buf := make([]byte, size)
		returned, err := api.QuerySystemInformation(osapi.SystemExtendedHandleInformation, buf)
		if err == nil {
			if returned > 0 && int(returned) <= len(buf) {
				buf = buf[:returned]
			}
			return ParseHandleTable(buf, api.PointerWidth())
		}
		if !stderrors.Is(err, osapi.ErrInfoLengthMismatch) {
			return nil, errors.NewProcessError("failed to query system handle table", err)
		}

		next := size * 2
		if hinted := int(returned) + snapshotSlack; hinted > next {
			next = hinted
		}
		if next > maxSnapshotSize {
			return nil, errors.NewOutOfBoundsError(fmt.Sprintf("handle table exceeds %d bytes", maxSnapshotSize), nil)
		}
		size = next
	}
	return nil, errors.NewTimeoutError(fmt.Sprintf("handle table kept growing after %d attempts", maxSnapshotAttempts), nil)
}
