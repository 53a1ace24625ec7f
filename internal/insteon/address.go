// Package insteon holds the core Insteon protocol model: device addresses,
// all-link database records and protocol engine versions.
package insteon

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 3-byte Insteon device address. The same three bytes carry two
// other interpretations: {0, 0, group} is a group-broadcast pseudo-address,
// and an X10 address packs house and unit codes into the low byte (the
// message context, not the address itself, decides which reading applies).
type Address [3]byte

// ParseAddress parses "AA.BB.CC" (hex, dot separated) into an Address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return addr, fmt.Errorf("parse address %q: want 3 dot-separated hex bytes", s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return addr, fmt.Errorf("parse address %q: bad byte %q", s, p)
		}
		addr[i] = b[0]
	}
	return addr, nil
}

// GroupAddress returns the pseudo-address {0, 0, group} used as the
// destination of all-link broadcasts.
func GroupAddress(group byte) Address {
	return Address{0, 0, group}
}

// X10Address packs an X10 house code (0-15) and unit code (1-16) into the
// low address byte, upper bytes zero.
func X10Address(houseCode, unitCode byte) Address {
	return Address{0, 0, houseCode<<4 | (unitCode-1)&0x0F}
}

// ParseX10Address parses "H.U" where H is a house letter A-P and U a unit
// number 1-16, e.g. "A.12".
func ParseX10Address(s string) (Address, error) {
	var addr Address
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return addr, fmt.Errorf("parse x10 address %q: want HOUSE.UNIT", s)
	}
	house := strings.ToUpper(parts[0])
	if len(house) != 1 || house[0] < 'A' || house[0] > 'P' {
		return addr, fmt.Errorf("parse x10 address %q: house code must be A-P", s)
	}
	var unit int
	if _, err := fmt.Sscanf(parts[1], "%d", &unit); err != nil || unit < 1 || unit > 16 {
		return addr, fmt.Errorf("parse x10 address %q: unit code must be 1-16", s)
	}
	return X10Address(house[0]-'A', byte(unit)), nil
}

// X10HouseCode returns the house code nibble of an X10 address.
func (a Address) X10HouseCode() byte { return a[2] >> 4 }

// X10UnitCode returns the 1-based unit code of an X10 address.
func (a Address) X10UnitCode() byte { return a[2]&0x0F + 1 }

// Group returns the group number of a group pseudo-address (its low byte).
func (a Address) Group() byte { return a[2] }

// Bytes returns the raw address bytes in wire order.
func (a Address) Bytes() []byte { return []byte{a[0], a[1], a[2]} }

func (a Address) String() string {
	return fmt.Sprintf("%02X.%02X.%02X", a[0], a[1], a[2])
}

// X10String renders the address in X10 "H.U" notation.
func (a Address) X10String() string {
	return fmt.Sprintf("%c.%d", 'A'+a.X10HouseCode(), a.X10UnitCode())
}
