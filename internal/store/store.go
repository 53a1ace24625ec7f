package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for what the binding learns about
// its devices between restarts.
type Store interface {
	// Device operations
	SaveDevice(dev *DeviceRecord) error
	GetDevice(addr string) (*DeviceRecord, error)
	DeleteDevice(addr string) error
	ListDevices() ([]*DeviceRecord, error)

	// Modem info
	SaveModemInfo(info *ModemInfo) error
	GetModemInfo() (*ModemInfo, error)

	// Close the store
	Close() error
}
