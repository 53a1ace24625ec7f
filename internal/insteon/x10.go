package insteon

// X10 frames carry house and unit codes as wire nibbles that do not follow
// the alphabetical/numeric order. x10Codes maps a 0-based house or unit
// index to its wire nibble.
var x10Codes = [16]byte{
	0x6, 0xE, 0x2, 0xA, 0x1, 0x9, 0x5, 0xD,
	0x7, 0xF, 0x3, 0xB, 0x0, 0x8, 0x4, 0xC,
}

var x10Indexes = invertX10()

func invertX10() [16]byte {
	var inv [16]byte
	for i, c := range x10Codes {
		inv[c] = byte(i)
	}
	return inv
}

// X10Flag values: an address frame carries house+unit, a command frame
// house+function.
const (
	X10FlagAddress byte = 0x00
	X10FlagCommand byte = 0x80
)

// X10 function codes (wire values).
const (
	X10AllUnitsOff  byte = 0x0
	X10AllLightsOn  byte = 0x1
	X10On           byte = 0x2
	X10Off          byte = 0x3
	X10Dim          byte = 0x4
	X10Bright       byte = 0x5
	X10AllLightsOff byte = 0x6
)

// X10FunctionCode resolves a function name from the catalogs to its wire
// code.
func X10FunctionCode(name string) (byte, bool) {
	switch name {
	case "on":
		return X10On, true
	case "off":
		return X10Off, true
	case "dim":
		return X10Dim, true
	case "bright":
		return X10Bright, true
	case "all_units_off":
		return X10AllUnitsOff, true
	case "all_lights_on":
		return X10AllLightsOn, true
	case "all_lights_off":
		return X10AllLightsOff, true
	}
	return 0, false
}

// X10HouseEncoded returns the wire nibble for the address's house code.
func (a Address) X10HouseEncoded() byte { return x10Codes[a.X10HouseCode()] }

// X10UnitEncoded returns the wire nibble for the address's unit code.
func (a Address) X10UnitEncoded() byte { return x10Codes[a[2]&0x0F] }

// X10AddressFromWire decodes an inbound address-frame byte (house nibble
// high, unit nibble low) into an Address.
func X10AddressFromWire(raw byte) Address {
	house := x10Indexes[raw>>4]
	unit := x10Indexes[raw&0x0F]
	return X10Address(house, unit+1)
}

// X10HouseFromWire decodes the house nibble of a command-frame byte.
func X10HouseFromWire(raw byte) byte { return x10Indexes[raw>>4] }
