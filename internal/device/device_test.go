package device

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"insteon-go-home/internal/catalog"
	"insteon-go-home/internal/insteon"
	"insteon-go-home/internal/msg"
)

type fakeWriter struct {
	msgs []*msg.Msg
	err  error
}

func (w *fakeWriter) Write(m *msg.Msg) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, m)
	return nil
}

type schedCall struct {
	when   time.Time
	urgent bool
}

type fakeScheduler struct {
	calls   []schedCall
	paused  int
	resumed int
}

func (s *fakeScheduler) Schedule(d *Device, when time.Time, urgent bool) {
	s.calls = append(s.calls, schedCall{when, urgent})
}
func (s *fakeScheduler) Pause()  { s.paused++ }
func (s *fakeScheduler) Resume() { s.resumed++ }

type event struct {
	feature string
	value   string
}

type fakePublisher struct {
	states   []event
	triggers []event
}

func (p *fakePublisher) StateChanged(addr insteon.Address, feature, value string) {
	p.states = append(p.states, event{feature, value})
}
func (p *fakePublisher) TriggerEvent(addr insteon.Address, feature, ev string) {
	p.triggers = append(p.triggers, event{feature, ev})
}

type testClock struct {
	now time.Time
}

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	dev   *Device
	w     *fakeWriter
	sched *fakeScheduler
	pub   *fakePublisher
	clock *testClock
	reg   *msg.Registry
}

func newFixture(t *testing.T, addr insteon.Address, x10 bool) *fixture {
	t.Helper()
	reg, err := msg.DefaultRegistry()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	w := &fakeWriter{}
	sched := &fakeScheduler{}
	pub := &fakePublisher{}
	dev := New(Config{
		Address:   addr,
		X10:       x10,
		Registry:  reg,
		Catalog:   cat,
		Writer:    w,
		Scheduler: sched,
		Publisher: pub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:     func() time.Time { return clock.now },
	})
	return &fixture{dev: dev, w: w, sched: sched, pub: pub, clock: clock, reg: reg}
}

func testAddr(t *testing.T) insteon.Address {
	t.Helper()
	addr, err := insteon.ParseAddress("11.22.33")
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

// inboundStd builds a StandardMessageReceived frame from the fixture device.
func (fx *fixture) inboundStd(t *testing.T, flags, cmd1, cmd2 byte, to insteon.Address) *msg.Msg {
	t.Helper()
	m, err := fx.reg.Encode("StandardMessageReceived")
	if err != nil {
		t.Fatal(err)
	}
	m.Direction = msg.FromModem
	if err := m.SetAddress("fromAddress", fx.dev.Address()); err != nil {
		t.Fatal(err)
	}
	if err := m.SetAddress("toAddress", to); err != nil {
		t.Fatal(err)
	}
	if err := m.SetByte("messageFlags", flags); err != nil {
		t.Fatal(err)
	}
	if err := m.SetByte("command1", cmd1); err != nil {
		t.Fatal(err)
	}
	if err := m.SetByte("command2", cmd2); err != nil {
		t.Fatal(err)
	}
	m.Timestamp = fx.clock.now
	return m
}

// ackedEcho builds the modem's ACK echo of a standard write.
func (fx *fixture) ackedEcho(t *testing.T) *msg.Msg {
	t.Helper()
	m, err := fx.reg.Encode("SendStandardMessageReply")
	if err != nil {
		t.Fatal(err)
	}
	m.Direction = msg.FromModem
	if err := m.SetByte("ACK/NACK", 0x06); err != nil {
		t.Fatal(err)
	}
	m.Timestamp = fx.clock.now
	return m
}

func TestSupersedeInvariant(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("switch_relay"); err != nil {
		t.Fatal(err)
	}

	m1, err := fx.dev.MakeStandardMessage(0x11, 0xFF)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := fx.dev.MakeStandardMessage(0x13, 0x00)
	if err != nil {
		t.Fatal(err)
	}
	fx.dev.EnqueueRequest("switch-cmd", m1)
	fx.dev.EnqueueRequest("switch-cmd", m2)

	if got := fx.dev.PendingRequests(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	if fx.dev.requests[0].m != m2 {
		t.Error("surviving request is not the most recently enqueued one")
	}
}

func TestSleepDeferralAndDrain(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("contact_sensor"); err != nil {
		t.Fatal(err)
	}

	m, err := fx.dev.MakeStandardMessage(0x19, 0x00)
	if err != nil {
		t.Fatal(err)
	}
	fx.dev.EnqueueRequest("probe", m)

	if got := fx.dev.PendingRequests(); got != 0 {
		t.Fatalf("live queue = %d, want 0 while asleep", got)
	}
	if got := fx.dev.deferred.Len(); got != 1 {
		t.Fatalf("deferred = %d, want 1", got)
	}

	// supersede applies across the deferred queue too
	fx.dev.EnqueueRequest("probe", m)
	if got := fx.dev.deferred.Len(); got != 1 {
		t.Fatalf("deferred after supersede = %d, want 1", got)
	}

	// traffic from the device proves it is awake; the deferred queue drains
	bcast := fx.inboundStd(t, 0xC3, 0x11, 0x00, insteon.GroupAddress(1))
	fx.dev.HandleMessage(bcast)

	if got := fx.dev.PendingRequests(); got != 1 {
		t.Fatalf("live queue after drain = %d, want 1", got)
	}
	if got := fx.dev.deferred.Len(); got != 0 {
		t.Fatalf("deferred after drain = %d, want 0", got)
	}
	last := fx.sched.calls[len(fx.sched.calls)-1]
	if !last.urgent {
		t.Error("battery device drain should schedule urgently")
	}

	// within the awake window new requests go straight to the live queue
	fx.clock.advance(time.Second)
	fx.dev.EnqueueRequest("probe2", m)
	if got := fx.dev.PendingRequests(); got != 2 {
		t.Fatalf("live queue = %d, want 2 while awake", got)
	}

	// after the window closes the device is asleep again
	fx.clock.advance(10 * time.Second)
	fx.dev.EnqueueRequest("probe3", m)
	if got := fx.dev.deferred.Len(); got != 1 {
		t.Fatalf("deferred = %d, want 1 after window closed", got)
	}
}

func TestQueryTimeoutScenario(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("switch_relay"); err != nil {
		t.Fatal(err)
	}
	f, ok := fx.dev.Feature("switch")
	if !ok {
		t.Fatal("switch feature missing")
	}

	if err := fx.dev.HandleCommand("switch", "refresh", ""); err != nil {
		t.Fatal(err)
	}

	// the tick writes the query; PENDING begins when the write completes
	next := fx.dev.ProcessRequestQueue(fx.clock.now)
	if len(fx.w.msgs) != 1 {
		t.Fatalf("writes = %d, want 1", len(fx.w.msgs))
	}
	if got := f.queryStatus; got != QueryPending {
		t.Fatalf("status after write = %v, want PENDING", got)
	}
	if next.IsZero() {
		t.Fatal("tick with outstanding query returned zero wake time")
	}

	// while pending, the tick waits until the query deadline
	next = fx.dev.ProcessRequestQueue(fx.clock.now)
	if want := fx.clock.now.Add(f.queryTimeout); !next.Equal(want) {
		t.Errorf("PENDING wake = %v, want %v", next, want)
	}

	// queue another request behind the outstanding query
	m2, err := fx.dev.MakeStandardMessage(0x11, 0xFF)
	if err != nil {
		t.Fatal(err)
	}
	fx.dev.EnqueueRequest("followup", m2)

	// the modem echo is lost and the device never replies; 6001 ms later
	// the query expires and the queue proceeds instead of stalling
	fx.clock.advance(6001 * time.Millisecond)
	fx.dev.ProcessRequestQueue(fx.clock.now)
	if got := f.queryStatus; got != QueryExpired {
		t.Fatalf("status after timeout = %v, want EXPIRED", got)
	}
	if len(fx.w.msgs) != 2 {
		t.Fatalf("writes after expiry = %d, want 2 (queue proceeded)", len(fx.w.msgs))
	}
}

func TestQueryAnsweredByAck(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("dimmer"); err != nil {
		t.Fatal(err)
	}
	f, _ := fx.dev.Feature("dimmer")

	if err := fx.dev.HandleCommand("dimmer", "refresh", ""); err != nil {
		t.Fatal(err)
	}
	fx.dev.ProcessRequestQueue(fx.clock.now)
	fx.dev.HandleMessage(fx.ackedEcho(t))

	// direct ack: cmd2 carries the level, routing uses the query's cmd1
	ack := fx.inboundStd(t, 0x20, 0x00, 128, fx.dev.Address())
	fx.dev.HandleMessage(ack)

	if got := f.queryStatus; got != QueryAnswered {
		t.Fatalf("status = %v, want ANSWERED", got)
	}
	if len(fx.pub.states) != 1 || fx.pub.states[0].value != "50" {
		t.Fatalf("published states = %v, want one value 50", fx.pub.states)
	}
	if fx.dev.queried != nil {
		t.Error("answered dispatch should clear the queried pointer")
	}

	next := fx.dev.ProcessRequestQueue(fx.clock.now)
	if !next.IsZero() {
		t.Errorf("idle tick = %v, want zero", next)
	}
}

func TestStashReplayOnTypeResolution(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)

	bcast := fx.inboundStd(t, 0xC3, 0x11, 0x00, insteon.GroupAddress(1))
	fx.dev.HandleMessage(bcast)
	if len(fx.pub.states) != 0 {
		t.Fatal("message dispatched before features exist")
	}
	if len(fx.dev.stash) != 1 {
		t.Fatalf("stash = %d, want 1", len(fx.dev.stash))
	}

	if err := fx.dev.SetDeviceType("contact_sensor"); err != nil {
		t.Fatal(err)
	}
	if len(fx.pub.states) != 1 || fx.pub.states[0] != (event{"contact", "OPEN"}) {
		t.Fatalf("replayed states = %v, want contact OPEN", fx.pub.states)
	}
	if !bcast.Replayed {
		t.Error("replayed message not marked")
	}
	if len(fx.dev.stash) != 0 {
		t.Error("stash not cleared after replay")
	}
}

func TestProductResolutionInstantiatesFeatures(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	fx.dev.SetProduct(insteon.ProductData{Category: 0x02, SubCategory: 0x2A})
	if got := fx.dev.DeviceTypeName(); got != "switch_relay" {
		t.Fatalf("device type = %q, want switch_relay", got)
	}
	if _, ok := fx.dev.Feature("switch"); !ok {
		t.Error("switch feature not instantiated")
	}
	pd := fx.dev.Product()
	if pd.Model == "" {
		t.Error("catalog model not merged into product data")
	}
}

func TestFailureReportsMarkNotResponding(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("switch_relay"); err != nil {
		t.Fatal(err)
	}

	fail, err := fx.reg.Encode("FailureReport")
	if err != nil {
		t.Fatal(err)
	}
	fail.Direction = msg.FromModem
	if err := fail.SetByte("command1", 0x19); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < failureThreshold; i++ {
		fx.dev.HandleMessage(fail)
	}
	if !fx.dev.NotResponding() {
		t.Error("device should be marked not responding")
	}

	// real traffic clears the counter
	fx.dev.HandleMessage(fx.inboundStd(t, 0x20, 0x00, 0x00, fx.dev.Address()))
	if fx.dev.NotResponding() {
		t.Error("traffic should clear not-responding")
	}
}

func TestFailureResetsOutstandingQuery(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("switch_relay"); err != nil {
		t.Fatal(err)
	}
	f, _ := fx.dev.Feature("switch")

	if err := fx.dev.HandleCommand("switch", "refresh", ""); err != nil {
		t.Fatal(err)
	}
	fx.dev.ProcessRequestQueue(fx.clock.now)

	fail, err := fx.reg.Encode("FailureReport")
	if err != nil {
		t.Fatal(err)
	}
	fail.Direction = msg.FromModem
	if err := fail.SetByte("command1", 0x19); err != nil {
		t.Fatal(err)
	}
	fx.dev.HandleMessage(fail)

	if got := f.queryStatus; got != QueryCreated {
		t.Errorf("status after failure = %v, want CREATED (initial)", got)
	}
	if fx.dev.queried != nil {
		t.Error("queried pointer not cleared by failure")
	}
}

func TestBlockingRequestPausesScheduler(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("switch_relay"); err != nil {
		t.Fatal(err)
	}
	m, err := fx.dev.MakeExtendedMessage(0x2F, 0x00, nil)
	if err != nil {
		t.Fatal(err)
	}
	fx.dev.EnqueueBlockingRequest("linkdb-read", m)
	fx.dev.ProcessRequestQueue(fx.clock.now)
	if fx.sched.paused != 1 {
		t.Errorf("pause calls = %d, want 1", fx.sched.paused)
	}
}

func TestWriteErrorNotRetried(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("switch_relay"); err != nil {
		t.Fatal(err)
	}
	fx.w.err = errors.New("port gone")

	if err := fx.dev.HandleCommand("switch", "on", ""); err != nil {
		t.Fatal(err)
	}
	fx.dev.ProcessRequestQueue(fx.clock.now)
	if got := fx.dev.PendingRequests(); got != 0 {
		t.Errorf("pending after failed write = %d, want 0 (no retry)", got)
	}
	if fx.dev.queried != nil {
		t.Error("failed write must not leave a query outstanding")
	}
	f, _ := fx.dev.Feature("switch")
	if got := f.queryStatus; got != QueryCreated {
		t.Errorf("status after failed write = %v, want CREATED (initial)", got)
	}
}

func TestPublishChangedVersusAlways(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("motion_sensor"); err != nil {
		t.Fatal(err)
	}

	// motion ON publishes always, even when unchanged
	on := fx.inboundStd(t, 0xC3, 0x11, 0x00, insteon.GroupAddress(1))
	fx.dev.HandleMessage(on)

	fx.clock.advance(5 * time.Second)
	on2 := fx.inboundStd(t, 0xC3, 0x11, 0x00, insteon.GroupAddress(1))
	fx.dev.HandleMessage(on2)

	count := 0
	for _, e := range fx.pub.states {
		if e.feature == "motion" && e.value == "ON" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("motion ON events = %d, want 2 (publish always)", count)
	}
}

func TestKeypadButtonTriggerRepollsLoad(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("keypad_6"); err != nil {
		t.Fatal(err)
	}

	// button A fires on group 3; the load must be re-polled to pick up
	// the toggle
	bcast := fx.inboundStd(t, 0xC3, 0x11, 0x00, insteon.GroupAddress(3))
	fx.dev.HandleMessage(bcast)

	if len(fx.pub.triggers) != 1 || fx.pub.triggers[0] != (event{"button_a", "pressed"}) {
		t.Fatalf("triggers = %v, want button_a pressed", fx.pub.triggers)
	}
	if got := fx.dev.PendingRequests(); got != 1 {
		t.Fatalf("pending = %d, want 1 (load re-poll)", got)
	}
	if got := fx.dev.requests[0].name; got != "load-poll" {
		t.Errorf("queued request = %q, want load-poll", got)
	}
	if want := fx.clock.now.Add(connectedPollDelay); !fx.dev.requests[0].when.Equal(want) {
		t.Errorf("poll time = %v, want %v", fx.dev.requests[0].when, want)
	}
}

func TestHandleCommandErrors(t *testing.T) {
	fx := newFixture(t, testAddr(t), false)
	if err := fx.dev.SetDeviceType("switch_relay"); err != nil {
		t.Fatal(err)
	}
	if err := fx.dev.HandleCommand("nope", "on", ""); err == nil {
		t.Error("unknown feature should error")
	}
	if err := fx.dev.HandleCommand("switch", "percent", "50"); err == nil {
		t.Error("unsupported command should error")
	}
}

func TestX10CommandSendsAddressThenFunction(t *testing.T) {
	addr, err := insteon.ParseX10Address("A.2")
	if err != nil {
		t.Fatal(err)
	}
	fx := newFixture(t, addr, true)
	if err := fx.dev.SetDeviceType("x10_switch"); err != nil {
		t.Fatal(err)
	}

	if err := fx.dev.HandleCommand("switch", "on", ""); err != nil {
		t.Fatal(err)
	}
	if got := fx.dev.PendingRequests(); got != 2 {
		t.Fatalf("pending = %d, want address + function frames", got)
	}

	next := fx.dev.ProcessRequestQueue(fx.clock.now)
	fx.clock.now = next
	fx.dev.ProcessRequestQueue(fx.clock.now)

	if len(fx.w.msgs) != 2 {
		t.Fatalf("writes = %d, want 2", len(fx.w.msgs))
	}
	raw0, _ := fx.w.msgs[0].GetByte("rawX10")
	flag0, _ := fx.w.msgs[0].GetByte("X10Flag")
	raw1, _ := fx.w.msgs[1].GetByte("rawX10")
	flag1, _ := fx.w.msgs[1].GetByte("X10Flag")

	// house A encodes to 0x6, unit 2 to 0xE, function on to 0x2
	if raw0 != 0x6E || flag0 != insteon.X10FlagAddress {
		t.Errorf("address frame = %02X/%02X, want 6E/00", raw0, flag0)
	}
	if raw1 != 0x62 || flag1 != insteon.X10FlagCommand {
		t.Errorf("function frame = %02X/%02X, want 62/80", raw1, flag1)
	}
	if fx.w.msgs[0].QuietTime != msg.X10QuietTime {
		t.Errorf("X10 quiet time = %v, want %v", fx.w.msgs[0].QuietTime, msg.X10QuietTime)
	}
}
