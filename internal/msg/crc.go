package msg

// Checksums for extended messages. Devices with an i2cs engine reject
// extended commands without the additive checksum in userData14; a few
// device families (notably thermostats) use the 2-byte bitwise CRC in
// userData13/14 instead.

// checksum sums command1, command2 and userData1..13 and returns the
// two's-complement low byte.
func (m *Msg) checksum() (byte, error) {
	bytes, err := m.GetBytes("command1", 15)
	if err != nil {
		return 0, err
	}
	sum := 0
	for _, b := range bytes {
		sum += int(b)
	}
	return byte((^sum + 1) & 0xFF), nil
}

// SetCRC embeds the additive checksum in userData14.
func (m *Msg) SetCRC() error {
	crc, err := m.checksum()
	if err != nil {
		return err
	}
	return m.SetByte("userData14", crc)
}

// HasValidCRC verifies the embedded additive checksum.
func (m *Msg) HasValidCRC() bool {
	crc, err := m.checksum()
	if err != nil {
		return false
	}
	got, err := m.GetByte("userData14")
	return err == nil && got == crc
}

// crc2 runs command1, command2 and userData1..12 through the 16-bit
// feedback function: each input bit (LSB first) is XOR-ed with state bits
// 15, 14, 12 and 3, then shifted in from the right.
func (m *Msg) crc2() (uint16, error) {
	bytes, err := m.GetBytes("command1", 14)
	if err != nil {
		return 0, err
	}
	crc := 0
	for _, loopByte := range bytes {
		b := int(loopByte)
		for bit := 0; bit < 8; bit++ {
			fb := b & 0x01
			fb ^= (crc >> 15) & 0x01
			fb ^= (crc >> 14) & 0x01
			fb ^= (crc >> 12) & 0x01
			fb ^= (crc >> 3) & 0x01
			crc = (crc<<1 | fb) & 0xFFFF
			b >>= 1
		}
	}
	return uint16(crc), nil
}

// SetCRC2 embeds the 2-byte CRC big-endian in userData13/14.
func (m *Msg) SetCRC2() error {
	crc, err := m.crc2()
	if err != nil {
		return err
	}
	if err := m.SetByte("userData13", byte(crc>>8)); err != nil {
		return err
	}
	return m.SetByte("userData14", byte(crc))
}

// HasValidCRC2 verifies the embedded 2-byte CRC.
func (m *Msg) HasValidCRC2() bool {
	crc, err := m.crc2()
	if err != nil {
		return false
	}
	hi, err1 := m.GetByte("userData13")
	lo, err2 := m.GetByte("userData14")
	return err1 == nil && err2 == nil && hi == byte(crc>>8) && lo == byte(crc)
}
