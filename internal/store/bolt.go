package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	bucketModem   = []byte("modem")
	keyModemInfo  = []byte("info")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketModem} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(dev *DeviceRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.Address), data)
	})
}

func (s *BoltStore) GetDevice(addr string) (*DeviceRecord, error) {
	var dev DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(addr))
		if data == nil {
			return fmt.Errorf("device %s: %w", addr, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(addr string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(addr))
	})
}

func (s *BoltStore) ListDevices() ([]*DeviceRecord, error) {
	var devices []*DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*DeviceRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev DeviceRecord
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveModemInfo(info *ModemInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModem)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketModem)
		}
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put(keyModemInfo, data)
	})
}

func (s *BoltStore) GetModemInfo() (*ModemInfo, error) {
	var info ModemInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModem)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketModem)
		}
		data := b.Get(keyModemInfo)
		if data == nil {
			return fmt.Errorf("modem info: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
