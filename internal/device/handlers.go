package device

import (
	"fmt"
	"strconv"

	"insteon-go-home/internal/catalog"
	"insteon-go-home/internal/msg"
)

// MessageHandler consumes one inbound message on behalf of a feature.
type MessageHandler interface {
	Handle(f *Feature, m *msg.Msg)
}

// Handler construction is an explicit registry keyed by the type names the
// catalog uses. Unknown names fail at feature-instantiation time, not at
// message time.
var messageHandlerFactories = map[string]func(p params) (MessageHandler, error){
	"noop":       newNoopHandler,
	"set_value":  newSetValueHandler,
	"ack_value":  newAckValueHandler,
	"trigger":    newTriggerHandler,
	"stay_awake": newStayAwakeHandler,
}

func newMessageHandler(b catalog.Binding, featureParams map[string]string) (MessageHandler, error) {
	factory, ok := messageHandlerFactories[b.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message handler type %q", b.Type)
	}
	return factory(merged(b.Params, featureParams))
}

type noopHandler struct{}

func newNoopHandler(params) (MessageHandler, error) { return noopHandler{}, nil }

func (noopHandler) Handle(*Feature, *msg.Msg) {}

// setValueHandler publishes a fixed value.
type setValueHandler struct {
	value  string
	always bool
}

func newSetValueHandler(p params) (MessageHandler, error) {
	v, ok := p["value"]
	if !ok {
		return nil, fmt.Errorf("set_value: missing param %q", "value")
	}
	return &setValueHandler{value: v, always: p.str("publish", "changed") == "always"}, nil
}

func (h *setValueHandler) Handle(f *Feature, m *msg.Msg) {
	f.publish(h.value, h.always)
}

// ackValueHandler extracts a value from a direct ack's cmd2 byte.
type ackValueHandler struct {
	mode string // onoff, percent or raw
}

func newAckValueHandler(p params) (MessageHandler, error) {
	mode := p.str("mode", "raw")
	switch mode {
	case "onoff", "percent", "raw":
	default:
		return nil, fmt.Errorf("ack_value: unknown mode %q", mode)
	}
	return &ackValueHandler{mode: mode}, nil
}

func (h *ackValueHandler) Handle(f *Feature, m *msg.Msg) {
	cmd2, err := m.GetByte("command2")
	if err != nil {
		f.dev.logger.Warn("ack without command2", "feature", f.name, "err", err)
		return
	}
	var value string
	switch h.mode {
	case "onoff":
		if cmd2 == 0 {
			value = "OFF"
		} else {
			value = "ON"
		}
	case "percent":
		value = strconv.Itoa((int(cmd2)*100 + 127) / 255)
	default:
		value = strconv.Itoa(int(cmd2))
	}
	f.publish(value, false)
}

// triggerHandler fires a named trigger event (button presses and the like).
type triggerHandler struct {
	event string
}

func newTriggerHandler(p params) (MessageHandler, error) {
	e, ok := p["event"]
	if !ok {
		return nil, fmt.Errorf("trigger: missing param %q", "event")
	}
	return &triggerHandler{event: e}, nil
}

func (h *triggerHandler) Handle(f *Feature, m *msg.Msg) {
	f.publishTrigger(h.event)
}

// stayAwakeHandler tracks the stay-awake toggle that widens a battery
// device's awake window.
type stayAwakeHandler struct {
	value string
}

func newStayAwakeHandler(p params) (MessageHandler, error) {
	v, ok := p["value"]
	if !ok {
		return nil, fmt.Errorf("stay_awake: missing param %q", "value")
	}
	return &stayAwakeHandler{value: v}, nil
}

func (h *stayAwakeHandler) Handle(f *Feature, m *msg.Msg) {
	f.dev.stayAwake = h.value == "ON"
	f.publish(h.value, false)
}
