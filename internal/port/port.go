// Package port drives the serial link to the Insteon power-line modem:
// it frames the inbound byte stream into messages and serializes writes.
package port

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"insteon-go-home/internal/insteon"
	"insteon-go-home/internal/msg"
)

// Listener receives transport notifications. OnMessage is called from the
// read goroutine, synchronously, one message at a time, in arrival order.
type Listener interface {
	OnMessage(*msg.Msg)
	OnDisconnected()
	OnModemFound(insteon.Address)
}

// Port owns the serial stream to the modem.
type Port struct {
	stream io.ReadWriteCloser
	reg    *msg.Registry
	framer *Framer
	logger *slog.Logger

	listenerMu sync.RWMutex
	listeners  []Listener

	modemMu    sync.Mutex
	modemAddr  insteon.Address
	modemFound bool

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens a serial device and wraps it in a Port.
func Open(device string, baud int, reg *msg.Registry, logger *slog.Logger) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	s, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("port: open %s: %w", device, err)
	}
	// The 2413U modem is a USB CDC ACM device; it needs DTR/RTS asserted.
	_ = s.SetDTR(true)
	_ = s.SetRTS(true)
	return New(s, reg, logger), nil
}

// New wraps an already-open stream (tests pass an in-memory pipe).
func New(stream io.ReadWriteCloser, reg *msg.Registry, logger *slog.Logger) *Port {
	return &Port{
		stream: stream,
		reg:    reg,
		framer: NewFramer(reg, logger),
		logger: logger.With("component", "port"),
		done:   make(chan struct{}),
	}
}

// AddListener registers a transport listener.
func (p *Port) AddListener(l Listener) {
	p.listenerMu.Lock()
	p.listeners = append(p.listeners, l)
	p.listenerMu.Unlock()
}

// Start launches the read loop and queries the modem for its identity.
func (p *Port) Start() error {
	p.wg.Add(1)
	go p.readLoop()

	info, err := p.reg.Encode("GetIMInfo")
	if err != nil {
		return err
	}
	if err := p.Write(info); err != nil {
		return fmt.Errorf("port: modem info request: %w", err)
	}
	return nil
}

// Write sends one message to the modem. Exactly one write is in flight at
// a time; the global request-queue manager is the only steady-state caller.
func (p *Port) Write(m *msg.Msg) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stream.Write(m.Data); err != nil {
		return fmt.Errorf("port: write %s: %w", m.TypeName(), err)
	}
	p.logger.Debug("sent", "msg", m.String())
	return nil
}

// ModemAddress returns the modem's own address once discovered.
func (p *Port) ModemAddress() (insteon.Address, bool) {
	p.modemMu.Lock()
	defer p.modemMu.Unlock()
	return p.modemAddr, p.modemFound
}

// Close stops the read loop and closes the stream.
func (p *Port) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.stream.Close()
	})
	p.wg.Wait()
}

func (p *Port) readLoop() {
	defer p.wg.Done()
	buf := make([]byte, 256)
	for {
		n, err := p.stream.Read(buf)
		if err != nil {
			select {
			case <-p.done:
			default:
				p.logger.Error("serial read", "err", err)
				p.notifyDisconnected()
			}
			return
		}
		if n == 0 {
			continue
		}
		for _, m := range p.framer.Feed(buf[:n]) {
			p.logger.Debug("received", "msg", m.String())
			p.handleModemInfo(m)
			p.dispatch(m)
		}
	}
}

func (p *Port) handleModemInfo(m *msg.Msg) {
	if m.TypeName() != "GetIMInfoReply" {
		return
	}
	addr, err := m.GetAddress("IMAddress")
	if err != nil {
		return
	}
	p.modemMu.Lock()
	first := !p.modemFound
	p.modemAddr, p.modemFound = addr, true
	p.modemMu.Unlock()
	if first {
		p.logger.Info("modem found", "address", addr.String())
		p.listenerMu.RLock()
		ls := append([]Listener(nil), p.listeners...)
		p.listenerMu.RUnlock()
		for _, l := range ls {
			l.OnModemFound(addr)
		}
	}
}

func (p *Port) dispatch(m *msg.Msg) {
	p.listenerMu.RLock()
	ls := append([]Listener(nil), p.listeners...)
	p.listenerMu.RUnlock()
	for _, l := range ls {
		l.OnMessage(m)
	}
}

func (p *Port) notifyDisconnected() {
	p.listenerMu.RLock()
	ls := append([]Listener(nil), p.listeners...)
	p.listenerMu.RUnlock()
	for _, l := range ls {
		l.OnDisconnected()
	}
}
