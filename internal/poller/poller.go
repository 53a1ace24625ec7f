// Package poller schedules periodic re-polls. It never writes to the
// transport itself: a due poll fires the device's own poll trigger, which
// enqueues into the per-device scheduler.
package poller

import (
	"log/slog"
	"sync"
	"time"
)

// MinPollGap is the global minimum spacing between any two devices' polls.
const MinPollGap = 2000 * time.Millisecond

// Pollable is the device's poll trigger.
type Pollable interface {
	TriggerPoll()
}

type pollEntry struct {
	target   Pollable
	interval time.Duration
	next     time.Time
}

// Poller owns one entry per polled device and a single timing goroutine.
type Poller struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[Pollable]*pollEntry

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// NewPoller creates a stopped poller.
func NewPoller(logger *slog.Logger, opts ...Option) *Poller {
	p := &Poller{
		logger:  logger.With("component", "poller"),
		now:     time.Now,
		entries: make(map[Pollable]*pollEntry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the timing goroutine.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop terminates the loop and waits for it.
func (p *Poller) Stop() {
	close(p.done)
	p.wg.Wait()
}

// Register adds a device. n of total spreads first polls across the poll
// interval so a restart does not poll every device at once; the slot search
// then enforces the global minimum gap.
func (p *Poller) Register(target Pollable, interval time.Duration, n, total int) {
	if total < 1 {
		total = 1
	}
	stagger := interval * time.Duration(n) / time.Duration(total)

	p.mu.Lock()
	e := &pollEntry{target: target, interval: interval}
	e.next = p.freeSlotLocked(p.now().Add(stagger))
	p.entries[target] = e
	p.mu.Unlock()

	p.logger.Debug("poll registered", "interval", interval, "first", e.next)
	p.notify()
}

// Unregister removes a device.
func (p *Poller) Unregister(target Pollable) {
	p.mu.Lock()
	delete(p.entries, target)
	p.mu.Unlock()
	p.notify()
}

// NextPoll reports a device's next scheduled poll time.
func (p *Poller) NextPoll(target Pollable) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[target]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// freeSlotLocked slides a desired time forward until it sits at least
// MinPollGap away from every other entry.
func (p *Poller) freeSlotLocked(t time.Time) time.Time {
	for moved := true; moved; {
		moved = false
		for _, e := range p.entries {
			d := t.Sub(e.next)
			if d < 0 {
				d = -d
			}
			if d < MinPollGap {
				t = e.next.Add(MinPollGap)
				moved = true
			}
		}
	}
	return t
}

func (p *Poller) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		var due *pollEntry
		for _, e := range p.entries {
			if due == nil || e.next.Before(due.next) {
				due = e
			}
		}
		if due == nil {
			p.mu.Unlock()
			select {
			case <-p.done:
				return
			case <-p.wake:
			}
			continue
		}
		now := p.now()
		if due.next.After(now) {
			wait := due.next.Sub(now)
			p.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-p.done:
				timer.Stop()
				return
			case <-p.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		target := due.target
		delete(p.entries, target)
		due.next = p.freeSlotLocked(now.Add(due.interval))
		p.entries[target] = due
		p.mu.Unlock()

		target.TriggerPoll()

		select {
		case <-p.done:
			return
		default:
		}
	}
}
