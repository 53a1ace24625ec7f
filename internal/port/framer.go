package port

import (
	"log/slog"

	"insteon-go-home/internal/msg"
)

// Framer reassembles modem frames from the raw serial byte stream. Frames
// start with 0x02 followed by a command byte; the schema for that command
// fixes the length. A standalone 0x15 between frames is the modem's pure
// NACK. Garbage bytes are skipped until the stream resynchronizes.
type Framer struct {
	reg    *msg.Registry
	logger *slog.Logger
	buf    []byte
}

// NewFramer creates a framer against a schema registry.
func NewFramer(reg *msg.Registry, logger *slog.Logger) *Framer {
	return &Framer{reg: reg, logger: logger}
}

const startByte = 0x02

// Feed appends raw bytes and returns all complete messages now available.
func (f *Framer) Feed(p []byte) []*msg.Msg {
	f.buf = append(f.buf, p...)
	var out []*msg.Msg
	for {
		m, more := f.next()
		if m != nil {
			out = append(out, m)
		}
		if !more {
			return out
		}
	}
}

// next extracts at most one message. The second return value is false when
// the buffer holds no further complete frame.
func (f *Framer) next() (*msg.Msg, bool) {
	skipped := 0
	for len(f.buf) > 0 && f.buf[0] != startByte {
		if f.buf[0] == msg.PureNACK {
			if skipped > 0 {
				f.logger.Debug("skipped garbage bytes", "count", skipped)
			}
			f.buf = f.buf[1:]
			return msg.PureNackMsg(), true
		}
		skipped++
		f.buf = f.buf[1:]
	}
	if skipped > 0 {
		f.logger.Debug("skipped garbage bytes", "count", skipped)
	}
	if len(f.buf) < 2 {
		return nil, false
	}

	cmd := f.buf[1]
	stdDef, stdOK := f.reg.InboundDef(cmd, false)
	extDef, extOK := f.reg.InboundDef(cmd, true)
	if !stdOK && !extOK {
		f.logger.Debug("no template for received command", "cmd", cmd)
		f.buf = f.buf[1:]
		return nil, true
	}

	def, extended := stdDef, false
	if stdOK && extOK {
		// Same command byte covers both frame shapes; the extended bit
		// of the flags byte picks the schema.
		off := stdDef.FieldOffset("messageFlags")
		if len(f.buf) <= off {
			return nil, false
		}
		if f.buf[off]&0x10 != 0 {
			def, extended = extDef, true
		}
	} else if extOK {
		def, extended = extDef, true
	}

	if len(f.buf) < def.Length {
		return nil, false
	}
	m, err := f.reg.Decode(f.buf[:def.Length], def.Length, extended)
	if err != nil {
		// Resync past this start byte and keep scanning.
		f.logger.Warn("rejecting frame", "cmd", cmd, "err", err)
		f.buf = f.buf[1:]
		return nil, true
	}
	f.buf = f.buf[def.Length:]
	return m, true
}
