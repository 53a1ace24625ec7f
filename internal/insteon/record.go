package insteon

import "fmt"

// RecordType classifies an all-link database record from its flag byte.
type RecordType int

const (
	RecordInvalid RecordType = iota
	RecordController
	RecordResponder
	RecordInactive
	RecordLast // high-water mark, terminates a device database download
)

// RecordTypeFromFlags classifies a raw record flag byte. Bit 1 is the
// high-water mark (clear means this is the last record), bit 7 marks the
// record in use, bit 6 selects controller over responder.
func RecordTypeFromFlags(flags byte) RecordType {
	switch {
	case flags&0x02 == 0:
		return RecordLast
	case flags&0x80 == 0:
		return RecordInactive
	case flags&0x40 != 0:
		return RecordController
	default:
		return RecordResponder
	}
}

func (rt RecordType) String() string {
	switch rt {
	case RecordController:
		return "CTRL"
	case RecordResponder:
		return "RESP"
	case RecordInactive:
		return "INAC"
	case RecordLast:
		return "LAST"
	}
	return "INVALID"
}

// NoOffset marks a link record without a meaningful database offset
// (modem records are reported without one).
const NoOffset = -1

// LinkRecord is one all-link database entry. Offset is the record's byte
// address inside a device's database, or NoOffset for modem records.
type LinkRecord struct {
	Offset int
	Type   RecordType
	Group  byte
	Addr   Address
	Data   [3]byte
}

// IsController reports whether the record marks the owner as a controller
// of the linked group.
func (r LinkRecord) IsController() bool { return r.Type == RecordController }

// IsResponder reports whether the record marks the owner as a responder.
func (r LinkRecord) IsResponder() bool { return r.Type == RecordResponder }

func (r LinkRecord) String() string {
	if r.Offset == NoOffset {
		return fmt.Sprintf("%s group %3d %s data %02X %02X %02X",
			r.Type, r.Group, r.Addr, r.Data[0], r.Data[1], r.Data[2])
	}
	return fmt.Sprintf("%04x %s group %3d %s data %02X %02X %02X",
		r.Offset, r.Type, r.Group, r.Addr, r.Data[0], r.Data[1], r.Data[2])
}
