package queue

import (
	"container/heap"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTicker struct {
	mu    sync.Mutex
	ticks []time.Time
	next  time.Time
	fired chan struct{}
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{fired: make(chan struct{}, 16)}
}

func (f *fakeTicker) ProcessRequestQueue(now time.Time) time.Time {
	f.mu.Lock()
	f.ticks = append(f.ticks, now)
	next := f.next
	f.mu.Unlock()
	f.fired <- struct{}{}
	return next
}

func (f *fakeTicker) tickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ticks)
}

func waitFired(t *testing.T, f *fakeTicker) {
	t.Helper()
	select {
	case <-f.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker never fired")
	}
}

func TestHeapOrdering(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := &entry{when: base.Add(2 * time.Second)}
	b := &entry{when: base.Add(1 * time.Second)}
	c := &entry{when: base.Add(3 * time.Second), urgent: true}

	var h entryHeap
	heap.Push(&h, a)
	heap.Push(&h, b)
	heap.Push(&h, c)

	// urgent entries win regardless of time, then earliest first
	if got := heap.Pop(&h).(*entry); got != c {
		t.Fatalf("first pop = %v, want urgent entry", got.when)
	}
	if got := heap.Pop(&h).(*entry); got != b {
		t.Fatalf("second pop = %v, want earliest", got.when)
	}
	if got := heap.Pop(&h).(*entry); got != a {
		t.Fatalf("third pop = %v", got.when)
	}
}

func TestHeapFullWidthTimeCompare(t *testing.T) {
	// times differing only below millisecond resolution still order
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := &entry{when: base.Add(200 * time.Nanosecond)}
	b := &entry{when: base.Add(100 * time.Nanosecond)}

	var h entryHeap
	heap.Push(&h, a)
	heap.Push(&h, b)
	if got := heap.Pop(&h).(*entry); got != b {
		t.Fatal("nanosecond-earlier entry should pop first")
	}
}

func TestScheduleMergesPerDevice(t *testing.T) {
	m := NewManager(testLogger())
	f := newFakeTicker()
	far := time.Now().Add(time.Hour)
	m.Schedule(f, far, false)
	m.Schedule(f, far.Add(time.Minute), true)
	if got := m.PendingDevices(); got != 1 {
		t.Fatalf("PendingDevices = %d, want 1", got)
	}
	m.mu.Lock()
	e := m.byTicker[Ticker(f)]
	if !e.when.Equal(far) {
		t.Errorf("when = %v, want earlier time kept", e.when)
	}
	if !e.urgent {
		t.Error("urgency should latch on")
	}
	m.mu.Unlock()
}

func TestManagerFiresDueEntry(t *testing.T) {
	m := NewManager(testLogger())
	m.Start()
	defer m.Stop()

	f := newFakeTicker()
	m.Schedule(f, time.Now(), false)
	waitFired(t, f)
	if got := f.tickCount(); got != 1 {
		t.Fatalf("ticks = %d, want 1", got)
	}
	if got := m.PendingDevices(); got != 0 {
		t.Fatalf("PendingDevices after fire = %d, want 0", got)
	}
}

func TestManagerReschedulesFromReturn(t *testing.T) {
	m := NewManager(testLogger())
	m.Start()
	defer m.Stop()

	f := newFakeTicker()
	f.mu.Lock()
	f.next = time.Now().Add(10 * time.Millisecond)
	f.mu.Unlock()
	m.Schedule(f, time.Now(), false)
	waitFired(t, f)

	f.mu.Lock()
	f.next = time.Time{}
	f.mu.Unlock()
	waitFired(t, f)
	if got := f.tickCount(); got != 2 {
		t.Fatalf("ticks = %d, want 2", got)
	}
}

func TestPauseBlocksProcessing(t *testing.T) {
	m := NewManager(testLogger())
	m.Pause()
	m.Start()
	defer m.Stop()

	f := newFakeTicker()
	m.Schedule(f, time.Now(), false)

	select {
	case <-f.fired:
		t.Fatal("ticker fired while paused")
	case <-time.After(50 * time.Millisecond):
	}

	m.Resume()
	waitFired(t, f)
}

func TestRemoveDropsEntry(t *testing.T) {
	m := NewManager(testLogger())
	f := newFakeTicker()
	m.Schedule(f, time.Now().Add(time.Hour), false)
	m.Remove(f)
	if got := m.PendingDevices(); got != 0 {
		t.Fatalf("PendingDevices = %d, want 0", got)
	}
}

func TestUrgentPreemptsEarlier(t *testing.T) {
	clockMu := sync.Mutex{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(testLogger(), WithClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}))
	m.Start()
	defer m.Stop()

	slow := newFakeTicker()
	urgent := newFakeTicker()
	m.Pause()
	m.Schedule(slow, now.Add(-2*time.Second), false)
	m.Schedule(urgent, now.Add(-1*time.Second), true)
	m.Resume()

	waitFired(t, urgent)
	waitFired(t, slow)
	if urgent.tickCount() != 1 || slow.tickCount() != 1 {
		t.Fatalf("ticks urgent=%d slow=%d", urgent.tickCount(), slow.tickCount())
	}
}
