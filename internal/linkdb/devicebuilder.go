package linkdb

import (
	"log/slog"
	"sync"
	"time"

	"insteon-go-home/internal/insteon"
	"insteon-go-home/internal/msg"
)

// DownloadTimeout bounds a whole device database download.
const DownloadTimeout = 30 * time.Second

// Requester is the slice of a device the builder needs: identity, the
// negotiated checksum, extended-message construction and the blocking
// enqueue that pauses all other traffic for the download's duration.
type Requester interface {
	Address() insteon.Address
	ChecksumMode() insteon.ChecksumMode
	MakeExtendedMessage(cmd1, cmd2 byte, userData []byte) (*msg.Msg, error)
	EnqueueBlockingRequest(name string, m *msg.Msg)
}

// DeviceDBBuilder downloads one device's all-link database: a single
// blocking read-all request, then a stream of extended replies carrying one
// record each, terminated by the LAST record or the overall timeout.
type DeviceDBBuilder struct {
	db     *LinkDB
	dev    Requester
	resume func()       // re-opens the global request-queue gate
	done   func(Status) // completion notification
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	timer   *time.Timer
}

// NewDeviceDBBuilder wires a builder to a device. resume reopens the global
// queue gate; done receives the final status.
func NewDeviceDBBuilder(db *LinkDB, dev Requester, resume func(), done func(Status), logger *slog.Logger) *DeviceDBBuilder {
	return &DeviceDBBuilder{
		db:     db,
		dev:    dev,
		resume: resume,
		done:   done,
		logger: logger.With("component", "linkdb", "device", dev.Address().String()),
	}
}

// Start clears the database and issues the blocking read-all request.
func (b *DeviceDBBuilder) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.timer = time.AfterFunc(DownloadTimeout, b.onTimeout)
	b.mu.Unlock()

	b.db.Clear()
	m, err := b.dev.MakeExtendedMessage(0x2F, 0x00, nil)
	if err != nil {
		b.logger.Error("build read-all request", "err", err)
		b.finish()
		return
	}
	b.dev.EnqueueBlockingRequest("linkdb-read", m)
	b.logger.Info("link database download started")
}

// Running reports whether a download is in progress.
func (b *DeviceDBBuilder) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// OnMessage consumes extended replies from the device during a download.
// The caller routes only messages originating at this device's address.
func (b *DeviceDBBuilder) OnMessage(m *msg.Msg) {
	if !b.Running() || !m.IsExtended() {
		return
	}
	cmd1, err := m.GetByte("command1")
	if err != nil || cmd1 != 0x2F {
		return
	}
	ud2, err := m.GetByte("userData2")
	if err != nil || ud2 != 0x01 {
		// not a record response
		return
	}
	if !b.checksumOK(m) {
		b.logger.Warn("dropping record with bad checksum", "msg", m.String())
		return
	}

	rec, err := parseDeviceRecord(m)
	if err != nil {
		b.logger.Warn("unparseable record", "err", err)
		return
	}
	b.db.AddRecord(rec)
	b.logger.Debug("record", "rec", rec.String())
	if rec.Type == insteon.RecordLast {
		b.finish()
	}
}

// checksumOK validates the reply against the negotiated algorithm.
func (b *DeviceDBBuilder) checksumOK(m *msg.Msg) bool {
	switch b.dev.ChecksumMode() {
	case insteon.ChecksumStandard:
		return m.HasValidCRC()
	case insteon.ChecksumCRC2:
		return m.HasValidCRC2()
	}
	return true
}

func parseDeviceRecord(m *msg.Msg) (insteon.LinkRecord, error) {
	var rec insteon.LinkRecord
	hi, err := m.GetByte("userData3")
	if err != nil {
		return rec, err
	}
	lo, err := m.GetByte("userData4")
	if err != nil {
		return rec, err
	}
	flags, err := m.GetByte("userData6")
	if err != nil {
		return rec, err
	}
	group, err := m.GetByte("userData7")
	if err != nil {
		return rec, err
	}
	addrBytes, err := m.GetBytes("userData8", 3)
	if err != nil {
		return rec, err
	}
	data, err := m.GetBytes("userData11", 3)
	if err != nil {
		return rec, err
	}
	rec.Offset = int(hi)<<8 | int(lo)
	rec.Type = insteon.RecordTypeFromFlags(flags)
	rec.Group = group
	copy(rec.Addr[:], addrBytes)
	copy(rec.Data[:], data)
	return rec, nil
}

func (b *DeviceDBBuilder) onTimeout() {
	b.logger.Warn("link database download timed out")
	b.finish()
}

func (b *DeviceDBBuilder) finish() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	status := b.db.Finalize()
	b.logger.Info("link database download finished", "status", status.String(), "records", b.db.Len())
	if b.resume != nil {
		b.resume()
	}
	if b.done != nil {
		b.done(status)
	}
}
