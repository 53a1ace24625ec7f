package store

import (
	"time"

	"insteon-go-home/internal/insteon"
)

// DeviceRecord is what the binding has learned about one device: product
// identification, protocol engine, and the downloaded link database.
type DeviceRecord struct {
	Address        string              `json:"address"`
	DeviceType     string              `json:"device_type,omitempty"`
	Product        insteon.ProductData `json:"product,omitempty"`
	Engine         byte                `json:"engine,omitempty"`
	LinkDB         []LinkRecord        `json:"link_db,omitempty"`
	LinkDBComplete bool                `json:"link_db_complete,omitempty"`
	LastSeen       time.Time           `json:"last_seen,omitempty"`
}

// LinkRecord is the persisted form of one all-link database record.
type LinkRecord struct {
	Offset int     `json:"offset"`
	Type   byte    `json:"type"`
	Group  byte    `json:"group"`
	Addr   string  `json:"addr"`
	Data   [3]byte `json:"data"`
}

// ModemInfo holds the modem identity reported by GetIMInfo.
type ModemInfo struct {
	Address         string `json:"address"`
	Category        byte   `json:"category"`
	SubCategory     byte   `json:"subcategory"`
	FirmwareVersion byte   `json:"firmware_version"`
}
