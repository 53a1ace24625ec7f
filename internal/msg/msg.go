// Package msg implements the Insteon modem message codec: fixed-layout
// binary frames described by named-field schemas, loaded once at startup
// from the message definition catalog.
package msg

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"insteon-go-home/internal/insteon"
)

var (
	// ErrUnknownMessageType means an outbound template name is not in the catalog.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrFieldNotFound means a named field is absent from a message's schema.
	ErrFieldNotFound = errors.New("field not found")
	// ErrOutOfBounds means a field value would overrun the message buffer.
	ErrOutOfBounds = errors.New("out of bounds")
	// ErrNoTemplate means no inbound schema matches a received command byte.
	ErrNoTemplate = errors.New("no template")
	// ErrLengthMismatch means a received frame disagrees with its schema length.
	ErrLengthMismatch = errors.New("length mismatch")
)

// Message flag constants (bits 7-5 of the messageFlags byte).
const (
	flagTypeMask       = 0xE0
	flagDirect         = 0x00
	flagAckOfDirect    = 0x20
	flagAllLinkCleanup = 0x40
	flagCleanupAck     = 0x60
	flagBroadcast      = 0x80
	flagNackOfDirect   = 0xA0
	flagAllLinkBcast   = 0xC0
	flagCleanupNack    = 0xE0
	flagExtended       = 0x10
)

// PureNACK is the single 0x15 byte the modem emits when it cannot accept a
// command; the framer delivers it as a one-byte message with no schema.
const PureNACK = 0x15

// Quiet times: minimum delay after sending before the channel is free again.
const (
	DefaultQuietTime = 500 * time.Millisecond
	X10QuietTime     = 1000 * time.Millisecond
)

// Msg is one protocol frame: a byte buffer interpreted through a schema.
type Msg struct {
	Data      []byte
	Direction Direction
	Timestamp time.Time     // creation time, monotonically assigned
	Replayed  bool          // true when re-dispatched from a device's stash
	QuietTime time.Duration // minimum post-send delay

	def *Definition
}

// newMsg instantiates a definition's template.
func newMsg(def *Definition) *Msg {
	data := make([]byte, def.Length)
	copy(data, def.template)
	m := &Msg{
		Data:      data,
		Direction: def.Direction,
		Timestamp: time.Now(),
		QuietTime: DefaultQuietTime,
		def:       def,
	}
	if m.IsX10() {
		m.QuietTime = X10QuietTime
	}
	return m
}

// TypeName returns the schema name, or "PureNACK"/"raw" for schema-less frames.
func (m *Msg) TypeName() string {
	if m.def != nil {
		return m.def.Name
	}
	if m.IsPureNack() {
		return "PureNACK"
	}
	return "raw"
}

// Definition returns the message's schema (nil for a pure NACK).
func (m *Msg) Definition() *Definition { return m.def }

// Cmd returns the modem command byte (offset 1), or 0 for a pure NACK.
func (m *Msg) Cmd() byte {
	if len(m.Data) < 2 {
		return 0
	}
	return m.Data[1]
}

// ContainsField reports whether the schema declares the named field.
func (m *Msg) ContainsField(name string) bool {
	return m.def != nil && m.def.ContainsField(name)
}

// SetByte sets a one-byte field by name.
func (m *Msg) SetByte(name string, b byte) error {
	f, err := m.field(name)
	if err != nil {
		return err
	}
	return f.setByte(m.Data, b)
}

// GetByte reads a one-byte field by name.
func (m *Msg) GetByte(name string) (byte, error) {
	f, err := m.field(name)
	if err != nil {
		return 0, err
	}
	return f.getByte(m.Data)
}

// SetInt writes an integer big-endian into a field up to 4 bytes wide.
func (m *Msg) SetInt(name string, v int) error {
	f, err := m.field(name)
	if err != nil {
		return err
	}
	return f.setInt(m.Data, v)
}

// GetBytesAsInt reads a field of up to 4 bytes as a big-endian integer.
func (m *Msg) GetBytesAsInt(name string) (int, error) {
	f, err := m.field(name)
	if err != nil {
		return 0, err
	}
	return f.getInt(m.Data)
}

// SetAddress writes a 3-byte address field.
func (m *Msg) SetAddress(name string, addr insteon.Address) error {
	f, err := m.field(name)
	if err != nil {
		return err
	}
	return f.setAddress(m.Data, addr)
}

// GetAddress reads a 3-byte address field.
func (m *Msg) GetAddress(name string) (insteon.Address, error) {
	f, err := m.field(name)
	if err != nil {
		return insteon.Address{}, err
	}
	return f.getAddress(m.Data)
}

// GetBytes returns n raw bytes starting at the named field's offset.
func (m *Msg) GetBytes(name string, n int) ([]byte, error) {
	f, err := m.field(name)
	if err != nil {
		return nil, err
	}
	if f.Offset+n > len(m.Data) {
		return nil, fmt.Errorf("%w: %d bytes from %s overruns message", ErrOutOfBounds, n, name)
	}
	return m.Data[f.Offset : f.Offset+n], nil
}

func (m *Msg) field(name string) (Field, error) {
	if m.def == nil {
		return Field{}, fmt.Errorf("%w: message has no schema", ErrFieldNotFound)
	}
	return m.def.getField(name)
}

// --- classification predicates (pure functions of flags/command bytes) ---

func (m *Msg) flags() (byte, bool) {
	if m.def == nil {
		return 0, false
	}
	off := m.def.FieldOffset("messageFlags")
	if off < 0 || off >= len(m.Data) {
		return 0, false
	}
	return m.Data[off], true
}

func (m *Msg) flagsType() (byte, bool) {
	fl, ok := m.flags()
	return fl & flagTypeMask, ok
}

// IsPureNack reports the modem's standalone 0x15 reject byte.
func (m *Msg) IsPureNack() bool {
	return len(m.Data) == 1 && m.Data[0] == PureNACK
}

func (m *Msg) IsBroadcast() bool {
	t, ok := m.flagsType()
	return ok && (t == flagBroadcast || t == flagAllLinkBcast)
}

func (m *Msg) IsAllLinkBroadcast() bool {
	t, ok := m.flagsType()
	return ok && t == flagAllLinkBcast
}

func (m *Msg) IsCleanup() bool {
	t, ok := m.flagsType()
	return ok && t == flagAllLinkCleanup
}

func (m *Msg) IsDirect() bool {
	t, ok := m.flagsType()
	return ok && t == flagDirect
}

func (m *Msg) IsAckOfDirect() bool {
	t, ok := m.flagsType()
	return ok && t == flagAckOfDirect
}

func (m *Msg) IsNackOfDirect() bool {
	t, ok := m.flagsType()
	return ok && t == flagNackOfDirect
}

func (m *Msg) IsCleanupAckOrNack() bool {
	t, ok := m.flagsType()
	return ok && (t == flagCleanupAck || t == flagCleanupNack)
}

// IsExtended reports the extended-frame bit of the flags byte.
func (m *Msg) IsExtended() bool {
	fl, ok := m.flags()
	return ok && fl&flagExtended != 0
}

// IsEcho reports whether this frame is the modem's local acknowledgment of
// our own outbound request rather than unsolicited traffic.
func (m *Msg) IsEcho() bool {
	return m.IsPureNack() || m.ContainsField("ACK/NACK")
}

// IsAckedEcho reports an echo whose ACK/NACK byte is the 0x06 ACK.
func (m *Msg) IsAckedEcho() bool {
	b, err := m.GetByte("ACK/NACK")
	return err == nil && b == 0x06
}

// IsX10 reports X10 sub-protocol frames.
func (m *Msg) IsX10() bool {
	return m.ContainsField("rawX10")
}

// IsFailureReport reports the modem's 0x5C device-failure reply.
func (m *Msg) IsFailureReport() bool {
	return m.Direction == FromModem && m.Cmd() == 0x5C
}

// Group extracts the group number a message addresses, or -1 when the
// message type carries none. All-link broadcasts carry it in the low byte
// of the destination address, cleanups in command2, and the extended
// 0x2E/0x00 report in its first user-data byte.
func (m *Msg) Group() int {
	if m.IsAllLinkBroadcast() {
		if addr, err := m.GetAddress("toAddress"); err == nil {
			return int(addr.Group())
		}
		return -1
	}
	if m.IsCleanup() {
		if b, err := m.GetByte("command2"); err == nil {
			return int(b)
		}
		return -1
	}
	if m.IsExtended() {
		c1, err1 := m.GetByte("command1")
		c2, err2 := m.GetByte("command2")
		if err1 == nil && err2 == nil && c1 == 0x2E && c2 == 0x00 {
			if b, err := m.GetByte("userData1"); err == nil {
				return int(b)
			}
		}
	}
	return -1
}

func (m *Msg) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s [", m.TypeName(), m.Direction)
	for i, b := range m.Data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	sb.WriteByte(']')
	return sb.String()
}
