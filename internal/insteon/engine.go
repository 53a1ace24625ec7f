package insteon

// EngineVersion is the protocol-capability level a device reports in reply
// to a get-engine-version query. It decides whether outbound extended
// messages need an embedded checksum, and which algorithm.
type EngineVersion int

const (
	EngineUnknown EngineVersion = iota
	EngineI1
	EngineI2
	EngineI2CS // checksummed extended messages required
)

// EngineVersionFromByte maps the cmd2 byte of a 0x0D engine-version ack.
func EngineVersionFromByte(b byte) EngineVersion {
	switch b {
	case 0x00:
		return EngineI1
	case 0x01:
		return EngineI2
	case 0x02:
		return EngineI2CS
	}
	return EngineUnknown
}

func (v EngineVersion) String() string {
	switch v {
	case EngineI1:
		return "i1"
	case EngineI2:
		return "i2"
	case EngineI2CS:
		return "i2cs"
	}
	return "unknown"
}

// ChecksumMode selects the checksum embedded in outbound extended messages.
type ChecksumMode int

const (
	ChecksumNone     ChecksumMode = iota
	ChecksumStandard              // 1-byte additive complement in userData14
	ChecksumCRC2                  // 2-byte bitwise CRC in userData13/14
)

// ChecksumModeFor returns the checksum an engine version requires. Devices
// whose type overrides to the 2-byte CRC (some thermostats) pass crc2.
func ChecksumModeFor(v EngineVersion, crc2 bool) ChecksumMode {
	if v != EngineI2CS {
		return ChecksumNone
	}
	if crc2 {
		return ChecksumCRC2
	}
	return ChecksumStandard
}
