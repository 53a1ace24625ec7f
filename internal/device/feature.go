package device

import (
	"fmt"
	"strconv"
	"time"

	"insteon-go-home/internal/catalog"
	"insteon-go-home/internal/insteon"
	"insteon-go-home/internal/msg"
)

// QueryStatus is the lifecycle of a feature's outstanding direct query.
type QueryStatus int

const (
	QueryNever    QueryStatus = iota // feature is not pollable
	QueryCreated                     // pollable, no query issued yet
	QueryQueued                      // request popped, write not completed
	QueryPending                     // written, waiting for the device
	QueryAnswered                    // reply arrived
	QueryExpired                     // timed out waiting
)

func (s QueryStatus) String() string {
	switch s {
	case QueryNever:
		return "NEVER"
	case QueryCreated:
		return "CREATED"
	case QueryQueued:
		return "QUEUED"
	case QueryPending:
		return "PENDING"
	case QueryAnswered:
		return "ANSWERED"
	case QueryExpired:
		return "EXPIRED"
	}
	return "?"
}

// DefaultQueryTimeout bounds a pending query unless the feature template
// overrides it.
const DefaultQueryTimeout = 6000 * time.Millisecond

// connectedPollDelay gives the device time to settle before the members of
// a feature group are re-polled after one of them fires a trigger.
const connectedPollDelay = 1500 * time.Millisecond

// Publisher receives feature state changes and trigger events. Delivery must
// not call back into the device synchronously.
type Publisher interface {
	StateChanged(addr insteon.Address, feature, value string)
	TriggerEvent(addr insteon.Address, feature, event string)
}

// params wraps the free-form string parameters of a handler binding.
type params map[string]string

func (p params) str(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p params) byteVal(key string) (byte, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("missing param %q", key)
	}
	n, err := strconv.ParseUint(v, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("param %q: %w", key, err)
	}
	return byte(n), nil
}

func (p params) intVal(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("param %q: %w", key, err)
	}
	return int(n), nil
}

// merged overlays feature-entry params on top of binding params.
func merged(base, over map[string]string) params {
	if len(over) == 0 {
		return params(base)
	}
	out := make(params, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Feature is one named capability of a device, wired to handlers from the
// catalog. All mutation happens under the owning device's lock.
type Feature struct {
	name         string
	dev          *Device // back-reference, non-owning
	pollable     bool
	group        int // group this feature listens on, -1 for any
	queryTimeout time.Duration

	dispatcher     Dispatcher
	handlers       map[byte]MessageHandler
	defaultHandler MessageHandler
	commands       map[string]CommandHandler
	pollHandler    PollHandler
	connected      []*Feature // other members of this feature's group

	queryStatus   QueryStatus
	lastQueryCmd1 byte // cmd1 of the query in flight, for ack routing
	lastValue     string
	hasValue      bool
}

func newFeature(dev *Device, entry catalog.FeatureEntry, tmpl *catalog.FeatureTemplate) (*Feature, error) {
	f := &Feature{
		name:         entry.Name,
		dev:          dev,
		pollable:     tmpl.Pollable,
		group:        -1,
		queryTimeout: DefaultQueryTimeout,
		handlers:     make(map[byte]MessageHandler),
		commands:     make(map[string]CommandHandler),
		queryStatus:  QueryNever,
	}
	if tmpl.Pollable {
		f.queryStatus = QueryCreated
	}
	if tmpl.QueryTimeoutMS > 0 {
		f.queryTimeout = time.Duration(tmpl.QueryTimeoutMS) * time.Millisecond
	}
	if g, err := params(entry.Params).intVal("group", -1); err != nil {
		return nil, fmt.Errorf("feature %q: %w", entry.Name, err)
	} else {
		f.group = g
	}

	d, err := newDispatcher(tmpl.Dispatcher, entry.Params)
	if err != nil {
		return nil, fmt.Errorf("feature %q: %w", entry.Name, err)
	}
	f.dispatcher = d

	for key, b := range tmpl.MessageHandlers {
		h, err := newMessageHandler(b, entry.Params)
		if err != nil {
			return nil, fmt.Errorf("feature %q handler %q: %w", entry.Name, key, err)
		}
		if key == "default" {
			f.defaultHandler = h
			continue
		}
		cmd1, err := strconv.ParseUint(key, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("feature %q handler key %q: %w", entry.Name, key, err)
		}
		f.handlers[byte(cmd1)] = h
	}
	for name, b := range tmpl.CommandHandlers {
		h, err := newCommandHandler(b, entry.Params)
		if err != nil {
			return nil, fmt.Errorf("feature %q command %q: %w", entry.Name, name, err)
		}
		f.commands[name] = h
	}
	if tmpl.PollHandler != nil {
		h, err := newPollHandler(*tmpl.PollHandler, entry.Params)
		if err != nil {
			return nil, fmt.Errorf("feature %q poll handler: %w", entry.Name, err)
		}
		f.pollHandler = h
	}
	return f, nil
}

// Name is the feature's configured name.
func (f *Feature) Name() string { return f.name }

// Pollable reports whether the feature participates in polling.
func (f *Feature) Pollable() bool { return f.pollable }

// initialQueryStatus is what failure handling resets the feature to.
func (f *Feature) initialQueryStatus() QueryStatus {
	if f.pollable {
		return QueryCreated
	}
	return QueryNever
}

// handleKey routes a message to the handler registered for the key (cmd1,
// or X10 function code), falling back to the default handler.
func (f *Feature) handleKey(key byte, m *msg.Msg) {
	if h, ok := f.handlers[key]; ok {
		h.Handle(f, m)
		return
	}
	if f.defaultHandler != nil {
		f.defaultHandler.Handle(f, m)
	}
}

// publish delivers a new value. With always=false the value is delivered
// only when it differs from the last published one.
func (f *Feature) publish(value string, always bool) {
	if !always && f.hasValue && f.lastValue == value {
		return
	}
	f.lastValue = value
	f.hasValue = true
	if f.dev.publisher != nil {
		f.dev.publisher.StateChanged(f.dev.addr, f.name, value)
	}
}

// publishTrigger delivers a named trigger event (always published). A
// trigger means the device acted on its own, so the pollable members of the
// feature's group are re-polled to pick up the side effects (a keypad
// button toggling its load).
func (f *Feature) publishTrigger(event string) {
	if f.dev.publisher != nil {
		f.dev.publisher.TriggerEvent(f.dev.addr, f.name, event)
	}
	for _, cf := range f.connected {
		if cf.pollable {
			cf.triggerPoll(connectedPollDelay)
		}
	}
}

// triggerPoll enqueues this feature's poll query, if it has one. Caller
// holds the device lock.
func (f *Feature) triggerPoll(delay time.Duration) {
	if f.pollHandler == nil {
		return
	}
	m, err := f.pollHandler.Poll(f)
	if err != nil {
		f.dev.logger.Error("build poll message", "feature", f.name, "err", err)
		return
	}
	f.dev.enqueueLocked(&request{
		name:    f.name + "-poll",
		m:       m,
		feature: f,
		when:    f.dev.now().Add(delay),
	})
}

// Value returns the last published value, if any.
func (f *Feature) Value() (string, bool) { return f.lastValue, f.hasValue }

// QueryStatus returns the feature's current query lifecycle state.
func (f *Feature) QueryStatus() QueryStatus {
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	return f.queryStatus
}
