package msg

import (
	"testing"

	"insteon-go-home/internal/insteon"
)

func extendedMsg(t *testing.T) *Msg {
	t.Helper()
	r := testRegistry(t)
	m, err := r.Encode("SendExtendedMessage")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m.SetAddress("toAddress", insteon.Address{0x23, 0x9B, 0x65})
	m.SetByte("command1", 0x2F)
	m.SetByte("command2", 0x00)
	m.SetByte("userData2", 0x01)
	m.SetByte("userData3", 0x0F)
	m.SetByte("userData4", 0xFF)
	return m
}

func TestCRCRoundTrip(t *testing.T) {
	m := extendedMsg(t)
	if err := m.SetCRC(); err != nil {
		t.Fatalf("SetCRC: %v", err)
	}
	if !m.HasValidCRC() {
		t.Fatal("checksum invalid immediately after SetCRC")
	}
}

func TestCRCDetectsBitFlips(t *testing.T) {
	// Flipping any single bit of a covered payload byte must invalidate
	// the checksum. Covered: command1, command2, userData1..14.
	m := extendedMsg(t)
	if err := m.SetCRC(); err != nil {
		t.Fatalf("SetCRC: %v", err)
	}
	start := m.Definition().FieldOffset("command1")
	for off := start; off < len(m.Data); off++ {
		for bit := 0; bit < 8; bit++ {
			m.Data[off] ^= 1 << bit
			if m.HasValidCRC() {
				t.Errorf("flip offset %d bit %d: checksum still valid", off, bit)
			}
			m.Data[off] ^= 1 << bit
		}
	}
	if !m.HasValidCRC() {
		t.Fatal("checksum broken after restoring bits")
	}
}

func TestCRC2RoundTrip(t *testing.T) {
	m := extendedMsg(t)
	if err := m.SetCRC2(); err != nil {
		t.Fatalf("SetCRC2: %v", err)
	}
	if !m.HasValidCRC2() {
		t.Fatal("crc2 invalid immediately after SetCRC2")
	}
}

func TestCRC2DetectsBitFlips(t *testing.T) {
	// Covered: command1, command2, userData1..12, plus the embedded CRC
	// bytes userData13/14 themselves.
	m := extendedMsg(t)
	if err := m.SetCRC2(); err != nil {
		t.Fatalf("SetCRC2: %v", err)
	}
	start := m.Definition().FieldOffset("command1")
	for off := start; off < len(m.Data); off++ {
		for bit := 0; bit < 8; bit++ {
			m.Data[off] ^= 1 << bit
			if m.HasValidCRC2() {
				t.Errorf("flip offset %d bit %d: crc2 still valid", off, bit)
			}
			m.Data[off] ^= 1 << bit
		}
	}
}

func TestCRC2KnownValue(t *testing.T) {
	// All-zero payload: 14 zero bytes through the feedback function leave
	// the state at zero, so the embedded CRC must be 00 00.
	r := testRegistry(t)
	m, _ := r.Encode("SendExtendedMessage")
	m.SetByte("command1", 0x00)
	if err := m.SetCRC2(); err != nil {
		t.Fatalf("SetCRC2: %v", err)
	}
	hi, _ := m.GetByte("userData13")
	lo, _ := m.GetByte("userData14")
	if hi != 0 || lo != 0 {
		t.Errorf("zero payload crc2 = %02X %02X, want 00 00", hi, lo)
	}
	if !m.HasValidCRC2() {
		t.Error("zero payload crc2 should verify")
	}
}

func TestCRCOnStandardMessageFails(t *testing.T) {
	r := testRegistry(t)
	m, _ := r.Encode("SendStandardMessage")
	if err := m.SetCRC(); err == nil {
		t.Error("SetCRC on a standard message should fail")
	}
	if m.HasValidCRC() {
		t.Error("standard message should never report a valid CRC")
	}
}
