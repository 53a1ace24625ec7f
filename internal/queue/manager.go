// Package queue implements the global request-queue manager: a single
// arbiter goroutine that serializes every device's scheduler tick, and with
// it every write to the transport.
package queue

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Ticker is one device's scheduler hook. ProcessRequestQueue sends at most
// one message and returns the next wake time, or the zero time when the
// device has nothing further scheduled.
type Ticker interface {
	ProcessRequestQueue(now time.Time) time.Time
}

type entry struct {
	ticker Ticker
	when   time.Time
	urgent bool
	index  int
}

// entryHeap orders urgent entries (battery-powered devices) ahead of the
// rest, then by wake time. Times are compared at full width.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].urgent != h[j].urgent {
		return h[i].urgent
	}
	return h[i].when.Before(h[j].when)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Manager runs the arbiter loop.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	heap     entryHeap
	byTicker map[Ticker]*entry
	paused   bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a stopped manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:   logger.With("component", "queue"),
		now:      time.Now,
		byTicker: make(map[Ticker]*entry),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the arbiter goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the loop and waits for it.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
}

// Schedule requests a tick for a device at the given time. A device has at
// most one entry: rescheduling keeps the earlier time and upgrades urgency.
func (m *Manager) Schedule(t Ticker, when time.Time, urgent bool) {
	m.mu.Lock()
	if e, ok := m.byTicker[t]; ok {
		changed := false
		if when.Before(e.when) {
			e.when = when
			changed = true
		}
		if urgent && !e.urgent {
			e.urgent = true
			changed = true
		}
		if changed {
			heap.Fix(&m.heap, e.index)
		}
	} else {
		e := &entry{ticker: t, when: when, urgent: urgent}
		heap.Push(&m.heap, e)
		m.byTicker[t] = e
	}
	m.mu.Unlock()
	m.notify()
}

// Remove drops a device's entry (device removed from configuration).
func (m *Manager) Remove(t Ticker) {
	m.mu.Lock()
	if e, ok := m.byTicker[t]; ok {
		heap.Remove(&m.heap, e.index)
		delete(m.byTicker, t)
	}
	m.mu.Unlock()
	m.notify()
}

// Pause gates the loop. Engaged while a link-database download's blocking
// request is in flight, so downloads are never interleaved with other
// traffic.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.logger.Debug("paused")
}

// Resume reopens the gate.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.logger.Debug("resumed")
	m.notify()
}

// Paused reports the gate state.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// PendingDevices reports how many devices have a queued entry.
func (m *Manager) PendingDevices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if m.paused || len(m.heap) == 0 {
			m.mu.Unlock()
			select {
			case <-m.done:
				return
			case <-m.wake:
			}
			continue
		}
		head := m.heap[0]
		now := m.now()
		if head.when.After(now) {
			wait := head.when.Sub(now)
			m.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-m.done:
				timer.Stop()
				return
			case <-m.wake:
				// structural change: an earlier item may have arrived
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		heap.Pop(&m.heap)
		delete(m.byTicker, head.ticker)
		m.mu.Unlock()

		next := head.ticker.ProcessRequestQueue(now)
		if !next.IsZero() {
			// urgency carries over from the entry just processed
			m.Schedule(head.ticker, next, head.urgent)
		}

		select {
		case <-m.done:
			return
		default:
		}
	}
}
