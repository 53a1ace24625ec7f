// Package device implements the per-device engine: the request scheduler
// with its live and deferred queues, feature dispatch, and the duplicate
// suppression of broadcast and group traffic.
package device

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"insteon-go-home/internal/catalog"
	"insteon-go-home/internal/insteon"
	"insteon-go-home/internal/linkdb"
	"insteon-go-home/internal/metrics"
	"insteon-go-home/internal/msg"
)

const (
	// battery devices are reachable only briefly after they talk to us
	awakeWindow     = 3 * time.Second
	stayAwakeWindow = 4 * time.Minute

	// recheck interval while a query's write has not completed
	queuedRecheck = time.Second

	// consecutive failure reports before the device counts as unreachable
	failureThreshold = 5

	// cap on messages stashed while the device type is unknown
	maxStash = 32
)

// Writer is the transport slice the device needs.
type Writer interface {
	Write(*msg.Msg) error
}

// Scheduler is the device's view of the global request-queue manager.
type Scheduler interface {
	Schedule(d *Device, when time.Time, urgent bool)
	Pause()
	Resume()
}

// Config wires a Device into its collaborators.
type Config struct {
	Address   insteon.Address
	X10       bool
	Registry  *msg.Registry
	Catalog   *catalog.Catalog
	Writer    Writer
	Scheduler Scheduler
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time // defaults to time.Now
}

// Device is one configured Insteon or X10 device. It owns its request
// queues, its features and its link database; the global manager only holds
// a scheduling entry pointing back at it.
type Device struct {
	addr      insteon.Address
	x10       bool
	reg       *msg.Registry
	cat       *catalog.Catalog
	writer    Writer
	sched     Scheduler
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	linkDB *linkdb.LinkDB

	mu          sync.Mutex
	product     insteon.ProductData
	engine      insteon.EngineVersion
	devType     *catalog.DeviceType
	features    map[string]*Feature
	featureList []*Feature

	requests requestHeap
	deferred requestHeap

	queried      *Feature // feature with a query in flight
	pendingSince time.Time

	stash []*msg.Msg // inbound messages held until features exist
	seq   uint64     // enqueue counter

	failures      int
	notResponding bool
	lastTraffic   time.Time
	stayAwake     bool

	dedup dedup
}

// New creates a device. Features are instantiated later, once the device
// type is known (from configuration or a product-data reply).
func New(cfg Config) *Device {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Device{
		addr:      cfg.Address,
		x10:       cfg.X10,
		reg:       cfg.Registry,
		cat:       cfg.Catalog,
		writer:    cfg.Writer,
		sched:     cfg.Scheduler,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "device", "device", cfg.Address.String()),
		now:       now,
		linkDB:    linkdb.NewLinkDB(),
		dedup:     newDedup(),
	}
}

// Address is the device's 3-byte address.
func (d *Device) Address() insteon.Address { return d.addr }

// X10 reports whether the address is an X10 house/unit encoding.
func (d *Device) X10() bool { return d.x10 }

// LinkDB is the device's all-link database.
func (d *Device) LinkDB() *linkdb.LinkDB { return d.linkDB }

// Product returns the accumulated product data.
func (d *Device) Product() insteon.ProductData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.product
}

// EngineVersion returns the negotiated protocol engine version.
func (d *Device) EngineVersion() insteon.EngineVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

// SetEngineVersion records the engine version learned from a 0x0D query.
func (d *Device) SetEngineVersion(v insteon.EngineVersion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine != v {
		d.engine = v
		d.logger.Info("engine version", "version", v.String())
	}
}

// ChecksumMode selects the checksum for outbound extended messages from the
// engine version and the device type's override.
func (d *Device) ChecksumMode() insteon.ChecksumMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	crc2 := d.devType != nil && d.devType.CRC2
	return insteon.ChecksumModeFor(d.engine, crc2)
}

// DeviceTypeName returns the resolved device type, or "".
func (d *Device) DeviceTypeName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.devType == nil {
		return ""
	}
	return d.devType.Name
}

// BatteryPowered reports whether the resolved type is battery powered.
func (d *Device) BatteryPowered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batteryLocked()
}

func (d *Device) batteryLocked() bool {
	return d.devType != nil && d.devType.BatteryPowered
}

// NotResponding reports whether the device has crossed the consecutive
// failure threshold.
func (d *Device) NotResponding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notResponding
}

// LastSeen is the time of the last traffic from the device.
func (d *Device) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTraffic
}

// Feature looks up a feature by name.
func (d *Device) Feature(name string) (*Feature, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.features[name]
	return f, ok
}

// FeatureNames lists the instantiated features in catalog order.
func (d *Device) FeatureNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, len(d.featureList))
	for i, f := range d.featureList {
		names[i] = f.name
	}
	return names
}

// SetProduct merges a product-data report and, when the pair resolves to a
// catalog product, switches the device to that product's type. A type change
// re-instantiates the features.
func (d *Device) SetProduct(pd insteon.ProductData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.product.Merge(pd)
	p, ok := d.cat.Product(d.product.Category, d.product.SubCategory)
	if !ok {
		if d.product.Known() {
			d.logger.Warn("unknown product", "product", d.product.String())
		}
		return
	}
	d.product.Merge(insteon.ProductData{Description: p.Description, Model: p.Model, ProductKey: p.ProductKey})
	if d.devType != nil && d.devType.Name == p.DeviceType {
		return
	}
	if err := d.setDeviceTypeLocked(p.DeviceType); err != nil {
		d.logger.Error("instantiate features", "err", err)
	}
}

// SetDeviceType forces a device type, bypassing product resolution (used
// for configured types and X10 devices, which never report product data).
func (d *Device) SetDeviceType(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.devType != nil && d.devType.Name == name {
		return nil
	}
	return d.setDeviceTypeLocked(name)
}

func (d *Device) setDeviceTypeLocked(name string) error {
	dt, ok := d.cat.DeviceType(name)
	if !ok {
		return fmt.Errorf("unknown device type %q", name)
	}
	features := make(map[string]*Feature, len(dt.Features))
	list := make([]*Feature, 0, len(dt.Features))
	for _, fe := range dt.Features {
		tmpl, ok := d.cat.FeatureTemplate(fe.Template)
		if !ok {
			return fmt.Errorf("unknown feature template %q", fe.Template)
		}
		f, err := newFeature(d, fe, tmpl)
		if err != nil {
			return err
		}
		features[fe.Name] = f
		list = append(list, f)
	}
	for _, fg := range dt.FeatureGroups {
		members := make([]*Feature, 0, len(fg.Connected))
		for _, name := range fg.Connected {
			members = append(members, features[name])
		}
		for _, f := range members {
			for _, other := range members {
				if other != f {
					f.connected = append(f.connected, other)
				}
			}
		}
	}
	d.devType = dt
	d.features = features
	d.featureList = list
	d.queried = nil
	d.logger.Info("device type resolved", "type", name, "features", len(list))

	// replay stashed traffic in arrival order
	stash := d.stash
	d.stash = nil
	for _, m := range stash {
		m.Replayed = true
		d.dispatchLocked(m)
	}
	return nil
}

// HandleCommand routes a platform command to a feature's command handler.
func (d *Device) HandleCommand(feature, command, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.features[feature]
	if !ok {
		return fmt.Errorf("device %s: unknown feature %q", d.addr, feature)
	}
	h, ok := f.commands[command]
	if !ok {
		return fmt.Errorf("device %s feature %q: unsupported command %q", d.addr, feature, command)
	}
	return h.HandleCommand(f, value)
}

// HandleMessage processes one inbound message addressed to (or heard from)
// this device. Called from the transport's single dispatch goroutine.
func (d *Device) HandleMessage(m *msg.Msg) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()

	if m.IsEcho() {
		d.handleEchoLocked(m)
		return
	}
	if m.IsFailureReport() {
		d.handleFailureLocked(m)
		return
	}

	// real traffic proves the device is awake and reachable
	wasAsleep := !d.isAwakeLocked(now)
	d.lastTraffic = now
	if wasAsleep {
		d.drainDeferredLocked(now)
	}
	d.failures = 0
	if d.notResponding {
		d.notResponding = false
		d.logger.Info("device responding again")
	}

	// plain (non-group) broadcasts repeat; apply the per-cmd1 window once
	if m.IsBroadcast() && !m.IsAllLinkBroadcast() {
		if cmd1, err := m.GetByte("command1"); err == nil {
			if d.dedup.duplicateBroadcast(cmd1, m.Timestamp) {
				d.metrics.IncDuplicates()
				return
			}
		}
	}

	if d.devType == nil {
		if len(d.stash) < maxStash {
			d.stash = append(d.stash, m)
			d.logger.Debug("message stashed until device type is known")
		}
		return
	}
	d.dispatchLocked(m)
}

func (d *Device) dispatchLocked(m *msg.Msg) {
	for _, f := range d.featureList {
		if f.dispatcher.Dispatch(f, m) && d.queried == f {
			d.queried = nil
		}
	}
}

// handleEchoLocked processes the modem's local reply to our own write. The
// query went PENDING when the write completed, so an acked echo carries no
// state change; a rejection cancels the outstanding query.
func (d *Device) handleEchoLocked(m *msg.Msg) {
	if m.IsPureNack() || !m.IsAckedEcho() {
		d.logger.Warn("modem rejected request")
		if f := d.queried; f != nil {
			f.queryStatus = f.initialQueryStatus()
			d.queried = nil
		}
	}
}

func (d *Device) handleFailureLocked(m *msg.Msg) {
	d.failures++
	if d.failures >= failureThreshold && !d.notResponding {
		d.notResponding = true
		d.logger.Warn("device not responding", "failures", d.failures)
	}
	f := d.queried
	if f == nil {
		return
	}
	cmd1, err := m.GetByte("command1")
	if err != nil || cmd1 != f.lastQueryCmd1 {
		return
	}
	// the failed command was our outstanding query; back to square one
	f.queryStatus = f.initialQueryStatus()
	d.queried = nil
}

func (d *Device) isAwakeLocked(now time.Time) bool {
	if !d.batteryLocked() {
		return true
	}
	if d.lastTraffic.IsZero() {
		return false
	}
	window := awakeWindow
	if d.stayAwake {
		window = stayAwakeWindow
	}
	return now.Sub(d.lastTraffic) <= window
}

// EnqueueRequest queues a named outbound message for immediate sending.
func (d *Device) EnqueueRequest(name string, m *msg.Msg) {
	d.EnqueueDelayedRequest(name, m, 0)
}

// EnqueueDelayedRequest queues a named outbound message with a delay.
func (d *Device) EnqueueDelayedRequest(name string, m *msg.Msg, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueueLocked(&request{name: name, m: m, when: d.now().Add(delay)})
}

// EnqueueBlockingRequest queues a message that pauses the global manager
// once written, for link-database downloads.
func (d *Device) EnqueueBlockingRequest(name string, m *msg.Msg) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueueLocked(&request{name: name, m: m, blocking: true, when: d.now()})
}

// enqueueLocked applies supersede semantics and sleep deferral, then pokes
// the global manager. Caller holds the device lock.
func (d *Device) enqueueLocked(r *request) {
	d.seq++
	r.seq = d.seq
	if d.requests.removeByName(r.name) != nil {
		d.metrics.AddPendingRequests(-1)
	} else {
		d.deferred.removeByName(r.name)
	}

	if !d.isAwakeLocked(d.now()) {
		heap.Push(&d.deferred, r)
		d.logger.Debug("request deferred, device asleep", "request", r.name)
		return
	}
	heap.Push(&d.requests, r)
	d.metrics.AddPendingRequests(1)
	d.sched.Schedule(d, d.requests[0].when, d.batteryLocked())
}

// drainDeferredLocked replays the deferred queue into the live one.
func (d *Device) drainDeferredLocked(now time.Time) {
	if d.deferred.Len() == 0 {
		return
	}
	n := d.deferred.Len()
	for d.deferred.Len() > 0 {
		r := heap.Pop(&d.deferred).(*request)
		r.when = now
		heap.Push(&d.requests, r)
		d.metrics.AddPendingRequests(1)
	}
	d.logger.Debug("deferred requests replayed", "count", n)
	d.sched.Schedule(d, now, d.batteryLocked())
}

// TriggerPoll enqueues the poll query of every pollable feature. Called by
// the poller; never writes to the transport directly.
func (d *Device) TriggerPoll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.featureList {
		if f.pollable {
			f.triggerPoll(0)
		}
	}
}

// PendingRequests reports the live queue depth.
func (d *Device) PendingRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests.Len()
}

// ProcessRequestQueue is the device's scheduler tick, invoked by the global
// manager. It resolves the outstanding query first, then sends at most one
// message. Returns the next wake time, or zero when idle.
func (d *Device) ProcessRequestQueue(now time.Time) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f := d.queried; f != nil {
		switch f.queryStatus {
		case QueryQueued:
			// write still in flight
			return now.Add(queuedRecheck)
		case QueryPending:
			deadline := d.pendingSince.Add(f.queryTimeout)
			if now.Before(deadline) {
				return deadline
			}
			f.queryStatus = QueryExpired
			d.queried = nil
			d.metrics.IncQueryTimeouts()
			d.logger.Warn("query expired", "feature", f.name, "timeout", f.queryTimeout)
		default:
			// answered between ticks, or reset by failure handling
			d.queried = nil
		}
	}

	if d.requests.Len() == 0 {
		return time.Time{}
	}
	r := heap.Pop(&d.requests).(*request)
	d.metrics.AddPendingRequests(-1)

	queried := r.feature != nil && r.m.IsDirect()
	if queried {
		r.feature.queryStatus = QueryQueued
	}
	if err := d.writer.Write(r.m); err != nil {
		// not retried here; the next poll or command re-attempts
		d.logger.Error("transport write", "request", r.name, "err", err)
		if queried {
			r.feature.queryStatus = r.feature.initialQueryStatus()
		}
	} else {
		d.metrics.IncSent()
		if queried {
			// the write completed, so the query is now pending; the
			// reply or the pending timeout resolves it from here
			r.feature.queryStatus = QueryPending
			if cmd1, err := r.m.GetByte("command1"); err == nil {
				r.feature.lastQueryCmd1 = cmd1
			}
			d.queried = r.feature
			d.pendingSince = now
		}
		if r.blocking {
			d.sched.Pause()
		}
	}

	next := now.Add(r.m.QuietTime)
	if d.requests.Len() > 0 && d.requests[0].when.After(next) {
		next = d.requests[0].when
	}
	if d.requests.Len() == 0 && d.queried == nil {
		return time.Time{}
	}
	return next
}

// MakeStandardMessage builds a direct standard message to this device.
func (d *Device) MakeStandardMessage(cmd1, cmd2 byte) (*msg.Msg, error) {
	m, err := d.reg.Encode("SendStandardMessage")
	if err != nil {
		return nil, err
	}
	if err := m.SetAddress("toAddress", d.addr); err != nil {
		return nil, err
	}
	if err := m.SetByte("command1", cmd1); err != nil {
		return nil, err
	}
	if err := m.SetByte("command2", cmd2); err != nil {
		return nil, err
	}
	return m, nil
}

// MakeExtendedMessage builds a direct extended message with user data and
// the checksum the device's engine version requires.
func (d *Device) MakeExtendedMessage(cmd1, cmd2 byte, userData []byte) (*msg.Msg, error) {
	m, err := d.reg.Encode("SendExtendedMessage")
	if err != nil {
		return nil, err
	}
	if err := m.SetAddress("toAddress", d.addr); err != nil {
		return nil, err
	}
	if err := m.SetByte("command1", cmd1); err != nil {
		return nil, err
	}
	if err := m.SetByte("command2", cmd2); err != nil {
		return nil, err
	}
	for i, b := range userData {
		if err := m.SetByte(fmt.Sprintf("userData%d", i+1), b); err != nil {
			return nil, err
		}
	}
	switch d.ChecksumMode() {
	case insteon.ChecksumStandard:
		if err := m.SetCRC(); err != nil {
			return nil, err
		}
	case insteon.ChecksumCRC2:
		if err := m.SetCRC2(); err != nil {
			return nil, err
		}
	}
	return m, nil
}
