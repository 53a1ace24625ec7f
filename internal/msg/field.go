package msg

import (
	"fmt"

	"insteon-go-home/internal/insteon"
)

// Field is one named slice of a message schema.
type Field struct {
	Name   string
	Offset int
	Width  int
}

// Direction tags which way a message travels over the serial link.
type Direction int

const (
	ToModem   Direction = iota // host -> modem
	FromModem                  // modem -> host
)

func (d Direction) String() string {
	if d == ToModem {
		return "to_modem"
	}
	return "from_modem"
}

// Definition is an immutable message schema: ordered named fields plus the
// template bytes carrying fixed values (start byte, command byte, presets).
// A message instantiated from a definition is always exactly Length bytes.
type Definition struct {
	Name      string
	Direction Direction
	Cmd       byte // command byte at offset 1
	Extended  bool
	Length    int

	fields   []Field
	byName   map[string]Field
	template []byte
}

// Field looks up a field by name.
func (d *Definition) Field(name string) (Field, bool) {
	f, ok := d.byName[name]
	return f, ok
}

// ContainsField reports whether the schema declares the named field.
func (d *Definition) ContainsField(name string) bool {
	_, ok := d.byName[name]
	return ok
}

// FieldOffset returns the byte offset of a named field, or -1.
func (d *Definition) FieldOffset(name string) int {
	if f, ok := d.byName[name]; ok {
		return f.Offset
	}
	return -1
}

func (d *Definition) getField(name string) (Field, error) {
	f, ok := d.byName[name]
	if !ok {
		return Field{}, fmt.Errorf("%w: %s has no field %q", ErrFieldNotFound, d.Name, name)
	}
	return f, nil
}

// setByte writes a one-byte field into buf.
func (f Field) setByte(buf []byte, b byte) error {
	if f.Width != 1 {
		return fmt.Errorf("%w: field %s is %d bytes wide", ErrOutOfBounds, f.Name, f.Width)
	}
	buf[f.Offset] = b
	return nil
}

func (f Field) getByte(buf []byte) (byte, error) {
	if f.Width != 1 {
		return 0, fmt.Errorf("%w: field %s is %d bytes wide", ErrOutOfBounds, f.Name, f.Width)
	}
	return buf[f.Offset], nil
}

// setInt writes an integer big-endian into a field up to 4 bytes wide.
func (f Field) setInt(buf []byte, v int) error {
	if f.Width < 1 || f.Width > 4 {
		return fmt.Errorf("%w: field %s is %d bytes wide", ErrOutOfBounds, f.Name, f.Width)
	}
	if v < 0 || (f.Width < 4 && v >= 1<<(8*f.Width)) {
		return fmt.Errorf("%w: value %d does not fit field %s", ErrOutOfBounds, v, f.Name)
	}
	for i := f.Width - 1; i >= 0; i-- {
		buf[f.Offset+i] = byte(v)
		v >>= 8
	}
	return nil
}

// getInt reads a big-endian integer field up to 4 bytes wide.
func (f Field) getInt(buf []byte) (int, error) {
	if f.Width < 1 || f.Width > 4 {
		return 0, fmt.Errorf("%w: field %s is %d bytes wide", ErrOutOfBounds, f.Name, f.Width)
	}
	v := 0
	for i := 0; i < f.Width; i++ {
		v = v<<8 | int(buf[f.Offset+i])
	}
	return v, nil
}

func (f Field) setAddress(buf []byte, addr insteon.Address) error {
	if f.Width != 3 {
		return fmt.Errorf("%w: field %s is %d bytes wide, address needs 3", ErrOutOfBounds, f.Name, f.Width)
	}
	copy(buf[f.Offset:f.Offset+3], addr.Bytes())
	return nil
}

func (f Field) getAddress(buf []byte) (insteon.Address, error) {
	if f.Width != 3 {
		return insteon.Address{}, fmt.Errorf("%w: field %s is %d bytes wide, address needs 3", ErrOutOfBounds, f.Name, f.Width)
	}
	var a insteon.Address
	copy(a[:], buf[f.Offset:f.Offset+3])
	return a, nil
}
