package linkdb

import (
	"log/slog"
	"sync"
	"time"

	"insteon-go-home/internal/insteon"
	"insteon-go-home/internal/msg"
)

// modemSilenceTimeout restarts a stalled modem download after this much
// quiet on the record stream.
const modemSilenceTimeout = 6 * time.Second

// Writer sends messages straight to the transport. The modem answers its
// own database queries immediately, so the builder bypasses the per-device
// scheduling machinery.
type Writer interface {
	Write(*msg.Msg) error
}

// ModemDBBuilder walks the modem's all-link database with get-first /
// get-next requests, accumulating 0x57 record responses until the modem
// reports no more records. Stalls restart the whole download.
type ModemDBBuilder struct {
	db     *ModemDB
	writer Writer
	reg    *msg.Registry
	done   func(*ModemDB)
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	watchdog *time.Timer
}

// NewModemDBBuilder wires a builder to the modem database.
func NewModemDBBuilder(db *ModemDB, writer Writer, reg *msg.Registry, done func(*ModemDB), logger *slog.Logger) *ModemDBBuilder {
	return &ModemDBBuilder{
		db:     db,
		writer: writer,
		reg:    reg,
		done:   done,
		logger: logger.With("component", "modemdb"),
	}
}

// Start begins (or restarts) a full download.
func (b *ModemDBBuilder) Start() {
	b.mu.Lock()
	b.running = true
	if b.watchdog != nil {
		b.watchdog.Stop()
	}
	b.watchdog = time.AfterFunc(modemSilenceTimeout, b.onStall)
	b.mu.Unlock()

	b.db.Clear()
	b.logger.Info("modem database download started")
	b.send("GetFirstALLLinkRecord")
}

// Running reports whether a download is in progress.
func (b *ModemDBBuilder) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// OnMessage consumes the modem's replies during a download.
func (b *ModemDBBuilder) OnMessage(m *msg.Msg) {
	if !b.Running() {
		return
	}
	switch m.TypeName() {
	case "ALLLinkRecordResponse":
		rec, err := parseModemRecord(m)
		if err != nil {
			b.logger.Warn("unparseable modem record", "err", err)
			return
		}
		b.db.AddRecord(rec)
		b.logger.Debug("modem record", "rec", rec.String())
		b.kickWatchdog()
		b.send("GetNextALLLinkRecord")
	case "GetFirstALLLinkRecordReply", "GetNextALLLinkRecordReply":
		ack, err := m.GetByte("ACK/NACK")
		if err != nil {
			return
		}
		if ack == msg.PureNACK {
			// explicit "no more records"
			b.complete()
			return
		}
		b.kickWatchdog()
	}
}

func parseModemRecord(m *msg.Msg) (insteon.LinkRecord, error) {
	var rec insteon.LinkRecord
	flags, err := m.GetByte("recordFlags")
	if err != nil {
		return rec, err
	}
	group, err := m.GetByte("group")
	if err != nil {
		return rec, err
	}
	addr, err := m.GetAddress("linkAddress")
	if err != nil {
		return rec, err
	}
	data, err := m.GetBytes("linkData1", 3)
	if err != nil {
		return rec, err
	}
	rec.Offset = insteon.NoOffset
	rec.Type = insteon.RecordTypeFromFlags(flags)
	rec.Group = group
	rec.Addr = addr
	copy(rec.Data[:], data)
	return rec, nil
}

func (b *ModemDBBuilder) send(name string) {
	m, err := b.reg.Encode(name)
	if err != nil {
		b.logger.Error("encode", "msg", name, "err", err)
		return
	}
	if err := b.writer.Write(m); err != nil {
		b.logger.Error("write", "msg", name, "err", err)
	}
}

func (b *ModemDBBuilder) kickWatchdog() {
	b.mu.Lock()
	if b.watchdog != nil {
		b.watchdog.Reset(modemSilenceTimeout)
	}
	b.mu.Unlock()
}

func (b *ModemDBBuilder) onStall() {
	if !b.Running() {
		return
	}
	b.logger.Warn("modem database download stalled, restarting")
	b.Start()
}

func (b *ModemDBBuilder) complete() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	if b.watchdog != nil {
		b.watchdog.Stop()
	}
	b.mu.Unlock()

	b.db.SetComplete()
	b.logger.Info("modem database download complete", "entries", b.db.Len(), "groups", b.db.BroadcastGroups())
	if b.done != nil {
		b.done(b.db)
	}
}
