package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"insteon-go-home/internal/insteon"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &DeviceRecord{
		Address:    "11.22.33",
		DeviceType: "dimmer",
		Product: insteon.ProductData{
			Category:    0x01,
			SubCategory: 0x20,
			Model:       "2477D",
			Description: "SwitchLinc Dimmer",
		},
		Engine:   2,
		LastSeen: time.Now().Truncate(time.Millisecond),
		LinkDB: []LinkRecord{
			{Offset: 0x0FFF, Type: 1, Group: 1, Addr: "AA.BB.CC", Data: [3]byte{1, 2, 3}},
			{Offset: 0x0FF7, Type: 0, Group: 0, Addr: "00.00.00"},
		},
		LinkDBComplete: true,
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.Address)
	if err != nil {
		t.Fatal(err)
	}

	if got.Address != dev.Address {
		t.Errorf("address = %q, want %q", got.Address, dev.Address)
	}
	if got.DeviceType != dev.DeviceType {
		t.Errorf("device type = %q, want %q", got.DeviceType, dev.DeviceType)
	}
	if got.Product.Model != dev.Product.Model {
		t.Errorf("model = %q, want %q", got.Product.Model, dev.Product.Model)
	}
	if got.Engine != dev.Engine {
		t.Errorf("engine = %d, want %d", got.Engine, dev.Engine)
	}
	if len(got.LinkDB) != 2 {
		t.Fatalf("link records = %d, want 2", len(got.LinkDB))
	}
	if got.LinkDB[0].Offset != 0x0FFF || got.LinkDB[0].Group != 1 {
		t.Errorf("first record = %+v", got.LinkDB[0])
	}
	if !got.LinkDBComplete {
		t.Error("link db complete flag lost")
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &DeviceRecord{Address: "11.22.33"}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.Address); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.Address)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*DeviceRecord{
		{Address: "11.11.11"},
		{Address: "22.22.22"},
		{Address: "33.33.33"},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	// Verify all devices present.
	found := make(map[string]bool)
	for _, d := range list {
		found[d.Address] = true
	}
	for _, d := range devs {
		if !found[d.Address] {
			t.Errorf("device %s not in list", d.Address)
		}
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("FF.FF.FF")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveAndGetModemInfo(t *testing.T) {
	s := newTestStore(t)

	info := &ModemInfo{
		Address:         "49.EA.70",
		Category:        0x03,
		SubCategory:     0x15,
		FirmwareVersion: 0x9B,
	}

	if err := s.SaveModemInfo(info); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetModemInfo()
	if err != nil {
		t.Fatal(err)
	}

	if got.Address != info.Address {
		t.Errorf("address = %q, want %q", got.Address, info.Address)
	}
	if got.Category != info.Category || got.SubCategory != info.SubCategory {
		t.Errorf("category = %02X.%02X, want %02X.%02X",
			got.Category, got.SubCategory, info.Category, info.SubCategory)
	}
	if got.FirmwareVersion != info.FirmwareVersion {
		t.Errorf("firmware = 0x%02X, want 0x%02X", got.FirmwareVersion, info.FirmwareVersion)
	}
}
