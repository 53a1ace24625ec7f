// Package binding ties the transport to the device layer: it owns the
// configured device set, routes inbound modem traffic to the right device,
// runs the global request-queue manager and the poller, downloads link
// databases and persists everything it learns.
package binding

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"insteon-go-home/internal/catalog"
	"insteon-go-home/internal/device"
	"insteon-go-home/internal/insteon"
	"insteon-go-home/internal/linkdb"
	"insteon-go-home/internal/metrics"
	"insteon-go-home/internal/msg"
	"insteon-go-home/internal/poller"
	"insteon-go-home/internal/port"
	"insteon-go-home/internal/queue"
	"insteon-go-home/internal/store"
)

// DefaultPollInterval is used for pollable devices without an explicit
// poll_interval in their configuration.
const DefaultPollInterval = 5 * time.Minute

// Transport is the slice of the serial port the binding uses. Tests
// substitute an in-memory implementation.
type Transport interface {
	Write(*msg.Msg) error
	AddListener(port.Listener)
	Start() error
	Close()
}

// DeviceConfig describes one configured device. Devices are never
// discovered from traffic; only configured addresses are serviced.
type DeviceConfig struct {
	Address        string `yaml:"address"`
	DeviceType     string `yaml:"device_type,omitempty"`
	PollIntervalMS int    `yaml:"poll_interval_ms,omitempty"`
}

// Config is the binding's device list and defaults.
type Config struct {
	Devices        []DeviceConfig `yaml:"devices"`
	PollIntervalMS int            `yaml:"poll_interval_ms,omitempty"`
}

// Binding is the top-level driver.
type Binding struct {
	logger  *slog.Logger
	reg     *msg.Registry
	cat     *catalog.Catalog
	tr      Transport
	store   store.Store // nil disables persistence
	metrics *metrics.Metrics
	bus     *EventBus

	manager *queue.Manager
	poller  *poller.Poller

	modemDB      *linkdb.ModemDB
	modemBuilder *linkdb.ModemDBBuilder

	defaultPoll time.Duration

	mu         sync.Mutex
	devices    map[insteon.Address]*device.Device
	polls      map[insteon.Address]time.Duration
	builders   map[insteon.Address]*linkdb.DeviceDBBuilder
	lastWriter *device.Device
	lastX10    insteon.Address
	hasX10Addr bool
	modemAddr  insteon.Address
}

// New builds a binding from configuration. The store may be nil.
func New(cfg Config, tr Transport, st store.Store, reg *msg.Registry, cat *catalog.Catalog, met *metrics.Metrics, logger *slog.Logger) (*Binding, error) {
	b := &Binding{
		logger:      logger.With("component", "binding"),
		reg:         reg,
		cat:         cat,
		tr:          tr,
		store:       st,
		metrics:     met,
		bus:         NewEventBus(logger),
		manager:     queue.NewManager(logger),
		poller:      poller.NewPoller(logger),
		modemDB:     linkdb.NewModemDB(),
		defaultPoll: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		devices:     make(map[insteon.Address]*device.Device),
		polls:       make(map[insteon.Address]time.Duration),
		builders:    make(map[insteon.Address]*linkdb.DeviceDBBuilder),
	}
	if b.defaultPoll <= 0 {
		b.defaultPoll = DefaultPollInterval
	}
	b.modemBuilder = linkdb.NewModemDBBuilder(b.modemDB, tr, reg, b.onModemDBComplete, logger)

	for _, dc := range cfg.Devices {
		if err := b.AddDevice(dc); err != nil {
			return nil, err
		}
	}
	if b.store != nil {
		b.pruneStore()
	}
	return b, nil
}

// pruneStore deletes persisted records for devices that are no longer in
// the configuration, so removing a device from config removes its state.
func (b *Binding) pruneStore() {
	recs, err := b.store.ListDevices()
	if err != nil {
		b.logger.Error("list stored devices", "err", err)
		return
	}
	for _, rec := range recs {
		if _, ok := b.Device(rec.Address); ok {
			continue
		}
		if err := b.store.DeleteDevice(rec.Address); err != nil {
			b.logger.Error("prune device record", "address", rec.Address, "err", err)
			continue
		}
		b.logger.Info("stale device record pruned", "address", rec.Address)
	}
}

// Bus exposes the event bus for consumers (the MQTT bridge).
func (b *Binding) Bus() *EventBus { return b.bus }

// ModemDB exposes the modem's all-link database.
func (b *Binding) ModemDB() *linkdb.ModemDB { return b.modemDB }

// ModemAddress returns the modem's own address once it has identified
// itself; the zero address before that.
func (b *Binding) ModemAddress() insteon.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modemAddr
}

// AddDevice creates, restores and registers one configured device.
func (b *Binding) AddDevice(dc DeviceConfig) error {
	addr, x10, err := parseDeviceAddress(dc.Address)
	if err != nil {
		return err
	}

	w := &deviceWriter{b: b}
	dev := device.New(device.Config{
		Address:   addr,
		X10:       x10,
		Registry:  b.reg,
		Catalog:   b.cat,
		Writer:    w,
		Scheduler: managerScheduler{b.manager},
		Publisher: b,
		Metrics:   b.metrics,
		Logger:    b.logger,
	})
	w.d = dev

	if err := b.restoreDevice(dev); err != nil {
		return err
	}
	if dc.DeviceType != "" {
		if err := dev.SetDeviceType(dc.DeviceType); err != nil {
			return fmt.Errorf("binding: device %s: %w", dc.Address, err)
		}
	}

	b.mu.Lock()
	if _, dup := b.devices[addr]; dup {
		b.mu.Unlock()
		return fmt.Errorf("binding: duplicate device address %s", dc.Address)
	}
	b.devices[addr] = dev
	b.polls[addr] = time.Duration(dc.PollIntervalMS) * time.Millisecond
	n := len(b.devices)
	b.mu.Unlock()
	b.metrics.SetDevices(n)

	if !x10 {
		b.queryDevice(dev)
	}
	b.logger.Info("device configured", "address", dc.Address, "type", dev.DeviceTypeName(), "x10", x10)
	return nil
}

// parseDeviceAddress accepts either an Insteon "AA.BB.CC" hex triple or an
// X10 "H.U" house/unit pair.
func parseDeviceAddress(s string) (insteon.Address, bool, error) {
	if addr, err := insteon.ParseAddress(s); err == nil {
		return addr, false, nil
	}
	addr, err := insteon.ParseX10Address(s)
	if err != nil {
		return addr, false, fmt.Errorf("binding: address %q is neither Insteon nor X10", s)
	}
	return addr, true, nil
}

// queryDevice asks an Insteon device for its protocol engine and product
// identification. Answers that are already known are re-learned harmlessly.
func (b *Binding) queryDevice(d *device.Device) {
	if m, err := d.MakeStandardMessage(0x0D, 0x00); err == nil {
		d.EnqueueRequest("engine-query", m)
	}
	if m, err := d.MakeStandardMessage(0x10, 0x00); err == nil {
		d.EnqueueRequest("product-query", m)
	}
}

// Start registers the binding as a transport listener and launches the
// manager, the poller and the serial read loop.
func (b *Binding) Start() error {
	b.tr.AddListener(b)
	b.manager.Start()
	b.poller.Start()
	if err := b.tr.Start(); err != nil {
		return fmt.Errorf("binding: start transport: %w", err)
	}
	b.registerPolls()
	return nil
}

// registerPolls staggers all configured devices across their intervals.
// X10 devices are one-way and never polled.
func (b *Binding) registerPolls() {
	b.mu.Lock()
	type pollTarget struct {
		dev      *device.Device
		interval time.Duration
	}
	var targets []pollTarget
	for addr, dev := range b.devices {
		if dev.X10() {
			continue
		}
		interval := b.polls[addr]
		if interval <= 0 {
			interval = b.defaultPoll
		}
		targets = append(targets, pollTarget{dev, interval})
	}
	b.mu.Unlock()
	for i, t := range targets {
		b.poller.Register(t.dev, t.interval, i, len(targets))
	}
}

// Stop shuts everything down and persists the device set.
func (b *Binding) Stop() {
	b.poller.Stop()
	b.manager.Stop()
	b.tr.Close()

	b.mu.Lock()
	devs := make([]*device.Device, 0, len(b.devices))
	for _, d := range b.devices {
		devs = append(devs, d)
	}
	b.mu.Unlock()
	for _, d := range devs {
		b.persistDevice(d)
	}
}

// Device looks up a configured device by its textual address.
func (b *Binding) Device(address string) (*device.Device, bool) {
	addr, _, err := parseDeviceAddress(address)
	if err != nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[addr]
	return d, ok
}

// Devices snapshots the configured device list.
func (b *Binding) Devices() []*device.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*device.Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	return out
}

// SendCommand routes an external command (MQTT set topic) to a device
// feature.
func (b *Binding) SendCommand(address, feature, command, value string) error {
	dev, ok := b.Device(address)
	if !ok {
		return fmt.Errorf("binding: unknown device %q", address)
	}
	return dev.HandleCommand(feature, command, value)
}

// StateChanged implements device.Publisher.
func (b *Binding) StateChanged(addr insteon.Address, feature, value string) {
	b.bus.Emit(Event{Type: EventStateChanged, Data: StateChange{
		Address: DeviceAddress(addr),
		Feature: feature,
		Value:   value,
	}})
}

// TriggerEvent implements device.Publisher.
func (b *Binding) TriggerEvent(addr insteon.Address, feature, event string) {
	b.bus.Emit(Event{Type: EventTriggerEvent, Data: Trigger{
		Address: DeviceAddress(addr),
		Feature: feature,
		Event:   event,
	}})
}

// DeviceAddress renders an address the way the configuration writes it:
// X10 devices as "H.U", everything else as the hex triple.
func DeviceAddress(addr insteon.Address) string {
	if addr[0] == 0 && addr[1] == 0 {
		return addr.X10String()
	}
	return addr.String()
}

// OnModemFound implements port.Listener; it kicks off the modem database
// download once the modem has identified itself.
func (b *Binding) OnModemFound(addr insteon.Address) {
	b.mu.Lock()
	b.modemAddr = addr
	b.mu.Unlock()
	b.bus.Emit(Event{Type: EventModemFound, Data: addr.String()})
	b.modemBuilder.Start()
}

// OnDisconnected implements port.Listener.
func (b *Binding) OnDisconnected() {
	b.logger.Error("transport disconnected")
	b.bus.Emit(Event{Type: EventDisconnected})
}

// OnMessage implements port.Listener. It runs on the transport's read
// goroutine; everything here must return quickly.
func (b *Binding) OnMessage(m *msg.Msg) {
	b.metrics.IncReceived()

	if m.IsPureNack() {
		b.routeEcho(m)
		return
	}

	switch m.TypeName() {
	case "SendStandardMessageReply", "SendExtendedMessageReply", "SendX10MessageReply":
		b.routeEcho(m)
		return
	case "GetIMInfoReply":
		b.persistModemInfo(m)
		return
	case "ALLLinkRecordResponse", "GetFirstALLLinkRecordReply", "GetNextALLLinkRecordReply":
		b.modemBuilder.OnMessage(m)
		return
	case "X10MessageReceived":
		b.handleX10(m)
		return
	}

	if m.ContainsField("fromAddress") {
		b.handleDeviceMessage(m)
		return
	}
	b.logger.Debug("unhandled modem frame", "msg", m.String())
}

// routeEcho delivers the modem's local reply to whichever device wrote
// last. Exactly one write is in flight at a time, so the attribution is
// unambiguous.
func (b *Binding) routeEcho(m *msg.Msg) {
	b.mu.Lock()
	dev := b.lastWriter
	b.mu.Unlock()
	if dev == nil {
		b.logger.Debug("echo with no outstanding write", "msg", m.String())
		return
	}
	dev.HandleMessage(m)
}

// handleDeviceMessage routes 0x50/0x51/0x5C traffic by source address.
func (b *Binding) handleDeviceMessage(m *msg.Msg) {
	from, err := m.GetAddress("fromAddress")
	if err != nil {
		return
	}
	b.mu.Lock()
	dev := b.devices[from]
	builder := b.builders[from]
	b.mu.Unlock()
	if dev == nil {
		b.logger.Debug("message from unconfigured device", "address", from.String())
		b.metrics.IncDropped()
		return
	}

	cmd1, _ := m.GetByte("command1")
	switch {
	case m.IsAckOfDirect() && cmd1 == 0x0D:
		b.learnEngineVersion(dev, m)
	case m.IsBroadcast() && !m.IsAllLinkBroadcast() && (cmd1 == 0x01 || cmd1 == 0x02):
		b.learnProductData(dev, m)
	case m.IsAckOfDirect():
		// an abandoned download is retried once the device answers
		// poll traffic again
		b.maybeDownloadLinkDB(dev)
	}

	if builder != nil {
		builder.OnMessage(m)
	}
	dev.HandleMessage(m)
}

// learnEngineVersion consumes the 0x0D query ack, whose command2 carries
// the engine revision.
func (b *Binding) learnEngineVersion(dev *device.Device, m *msg.Msg) {
	cmd2, err := m.GetByte("command2")
	if err != nil {
		return
	}
	v := insteon.EngineVersionFromByte(cmd2)
	dev.SetEngineVersion(v)
	b.logger.Info("engine version learned", "device", dev.Address().String(), "engine", v.String())
	b.maybeDownloadLinkDB(dev)
	b.persistDevice(dev)
}

// learnProductData consumes the identification broadcast, whose destination
// address field carries category, subcategory and firmware.
func (b *Binding) learnProductData(dev *device.Device, m *msg.Msg) {
	to, err := m.GetAddress("toAddress")
	if err != nil {
		return
	}
	hadType := dev.DeviceTypeName() != ""
	dev.SetProduct(insteon.ProductData{
		Category:        to[0],
		SubCategory:     to[1],
		FirmwareVersion: to[2],
	})
	if !hadType && dev.DeviceTypeName() != "" {
		b.bus.Emit(Event{Type: EventDeviceResolved, Data: DeviceResolved{
			Address:    dev.Address().String(),
			DeviceType: dev.DeviceTypeName(),
			Product:    dev.Product(),
		}})
	}
	b.logger.Info("product data learned", "device", dev.Address().String(), "product", dev.Product().String())
	b.maybeDownloadLinkDB(dev)
	b.persistDevice(dev)
}

// maybeDownloadLinkDB starts a link-database download once the device's
// engine is known. The 0x2F read-all request needs an I2 engine; I1
// devices would need peek/poke and are skipped.
func (b *Binding) maybeDownloadLinkDB(dev *device.Device) {
	switch dev.EngineVersion() {
	case insteon.EngineI2, insteon.EngineI2CS:
	default:
		return
	}
	if dev.LinkDB().Status() == linkdb.StatusComplete {
		return
	}

	addr := dev.Address()
	b.mu.Lock()
	if b.builders[addr] != nil {
		b.mu.Unlock()
		return
	}
	builder := linkdb.NewDeviceDBBuilder(dev.LinkDB(), dev, b.manager.Resume, func(status linkdb.Status) {
		b.onLinkDBDone(dev, status)
	}, b.logger)
	b.builders[addr] = builder
	b.mu.Unlock()
	builder.Start()
}

func (b *Binding) onLinkDBDone(dev *device.Device, status linkdb.Status) {
	b.mu.Lock()
	delete(b.builders, dev.Address())
	b.mu.Unlock()

	b.metrics.IncLinkDBDownloads()
	b.persistDevice(dev)
	b.bus.Emit(Event{Type: EventLinkDBComplete, Data: LinkDBComplete{
		Address: dev.Address().String(),
		Status:  status.String(),
		Records: dev.LinkDB().Len(),
	}})
}

func (b *Binding) onModemDBComplete(db *linkdb.ModemDB) {
	b.bus.Emit(Event{Type: EventModemDBComplete, Data: db.BroadcastGroups()})
}

// handleX10 runs the two-frame X10 state machine: an address frame latches
// the house/unit target, command frames route to it. The latch survives
// repeated commands but not a house-code mismatch.
func (b *Binding) handleX10(m *msg.Msg) {
	raw, err := m.GetByte("rawX10")
	if err != nil {
		return
	}
	flag, err := m.GetByte("X10Flag")
	if err != nil {
		return
	}

	if flag&insteon.X10FlagCommand == 0 {
		addr := insteon.X10AddressFromWire(raw)
		b.mu.Lock()
		b.lastX10, b.hasX10Addr = addr, true
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	addr, ok := b.lastX10, b.hasX10Addr
	var dev *device.Device
	if ok && insteon.X10HouseFromWire(raw) == addr.X10HouseCode() {
		dev = b.devices[addr]
	}
	b.mu.Unlock()
	if dev == nil {
		b.logger.Debug("x10 command without matching address", "raw", raw)
		b.metrics.IncDropped()
		return
	}
	dev.HandleMessage(m)
}

// persistDevice writes one device's learned state to the store.
func (b *Binding) persistDevice(d *device.Device) {
	if b.store == nil {
		return
	}
	rec := &store.DeviceRecord{
		Address:        DeviceAddress(d.Address()),
		DeviceType:     d.DeviceTypeName(),
		Product:        d.Product(),
		Engine:         byte(d.EngineVersion()),
		LinkDBComplete: d.LinkDB().Status() == linkdb.StatusComplete,
		LastSeen:       d.LastSeen(),
	}
	for _, r := range d.LinkDB().Records() {
		rec.LinkDB = append(rec.LinkDB, store.LinkRecord{
			Offset: r.Offset,
			Type:   byte(r.Type),
			Group:  r.Group,
			Addr:   r.Addr.String(),
			Data:   r.Data,
		})
	}
	if err := b.store.SaveDevice(rec); err != nil {
		b.logger.Error("persist device", "device", rec.Address, "err", err)
	}
}

// restoreDevice loads a device's persisted state before it joins the
// binding. A missing record is not an error.
func (b *Binding) restoreDevice(d *device.Device) error {
	if b.store == nil {
		return nil
	}
	rec, err := b.store.GetDevice(DeviceAddress(d.Address()))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("binding: restore %s: %w", d.Address().String(), err)
	}

	if rec.Engine != 0 {
		d.SetEngineVersion(insteon.EngineVersion(rec.Engine))
	}
	if rec.Product.Known() {
		d.SetProduct(rec.Product)
	}
	if d.DeviceTypeName() == "" && rec.DeviceType != "" {
		if err := d.SetDeviceType(rec.DeviceType); err != nil {
			b.logger.Warn("persisted device type no longer known", "device", rec.Address, "type", rec.DeviceType)
		}
	}
	if rec.LinkDBComplete && len(rec.LinkDB) > 0 {
		db := d.LinkDB()
		db.Clear()
		for _, r := range rec.LinkDB {
			addr, err := insteon.ParseAddress(r.Addr)
			if err != nil {
				continue
			}
			db.AddRecord(insteon.LinkRecord{
				Offset: r.Offset,
				Type:   insteon.RecordType(r.Type),
				Group:  r.Group,
				Addr:   addr,
				Data:   r.Data,
			})
		}
		db.Finalize()
	}
	return nil
}

func (b *Binding) persistModemInfo(m *msg.Msg) {
	if b.store == nil {
		return
	}
	addr, err := m.GetAddress("IMAddress")
	if err != nil {
		return
	}
	cat, _ := m.GetByte("deviceCategory")
	sub, _ := m.GetByte("deviceSubCategory")
	fw, _ := m.GetByte("firmwareVersion")
	info := &store.ModemInfo{
		Address:         addr.String(),
		Category:        cat,
		SubCategory:     sub,
		FirmwareVersion: fw,
	}
	if err := b.store.SaveModemInfo(info); err != nil {
		b.logger.Error("persist modem info", "err", err)
	}
}

// deviceWriter stamps the binding's echo-attribution state on every
// outbound device message.
type deviceWriter struct {
	b *Binding
	d *device.Device
}

func (w *deviceWriter) Write(m *msg.Msg) error {
	// attribution must be in place before the modem can echo the frame
	w.b.mu.Lock()
	w.b.lastWriter = w.d
	w.b.mu.Unlock()
	return w.b.tr.Write(m)
}

// managerScheduler adapts the global queue manager to the device's
// Scheduler interface.
type managerScheduler struct {
	m *queue.Manager
}

func (s managerScheduler) Schedule(d *device.Device, when time.Time, urgent bool) {
	s.m.Schedule(d, when, urgent)
}

func (s managerScheduler) Pause()  { s.m.Pause() }
func (s managerScheduler) Resume() { s.m.Resume() }
