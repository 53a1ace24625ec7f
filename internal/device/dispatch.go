package device

import (
	"fmt"

	"insteon-go-home/internal/catalog"
	"insteon-go-home/internal/msg"
)

// Dispatcher decides whether a feature consumes an inbound message and
// reports whether it answered the device's outstanding query. Every feature
// sees every message; dispatchers filter.
type Dispatcher interface {
	Dispatch(f *Feature, m *msg.Msg) (answered bool)
}

var dispatcherFactories = map[string]func(p params) (Dispatcher, error){
	"default":         newDefaultDispatcher,
	"group_broadcast": newGroupBroadcastDispatcher,
	"passthrough":     newPassthroughDispatcher,
}

func newDispatcher(b catalog.Binding, featureParams map[string]string) (Dispatcher, error) {
	factory, ok := dispatcherFactories[b.Type]
	if !ok {
		return nil, fmt.Errorf("unknown dispatcher type %q", b.Type)
	}
	return factory(merged(b.Params, featureParams))
}

// defaultDispatcher routes direct acks and nacks of this feature's own
// query. The ack echoes our cmd2, not our cmd1, so routing uses the cmd1
// remembered when the query was written.
type defaultDispatcher struct{}

func newDefaultDispatcher(params) (Dispatcher, error) { return defaultDispatcher{}, nil }

func (defaultDispatcher) Dispatch(f *Feature, m *msg.Msg) bool {
	if !m.IsAckOfDirect() && !m.IsNackOfDirect() {
		return false
	}
	if f.dev.queried != f {
		return false
	}
	if m.IsNackOfDirect() {
		f.dev.logger.Warn("direct nack", "feature", f.name)
		f.queryStatus = QueryAnswered
		return true
	}
	f.handleKey(f.lastQueryCmd1, m)
	f.queryStatus = QueryAnswered
	return true
}

// groupBroadcastDispatcher feeds group traffic through the device's
// duplicate-suppression state. Plain (non-all-link) broadcasts go through
// the per-cmd1 window instead.
type groupBroadcastDispatcher struct{}

func newGroupBroadcastDispatcher(params) (Dispatcher, error) {
	return groupBroadcastDispatcher{}, nil
}

func (groupBroadcastDispatcher) Dispatch(f *Feature, m *msg.Msg) bool {
	cmd1, err := m.GetByte("command1")
	if err != nil {
		return false
	}

	switch {
	case m.IsAllLinkBroadcast():
		group := m.Group()
		action := actionBroadcast
		if cmd1 == 0x06 {
			// success report: the original command rides in cmd2
			action = actionSuccess
			if c2, err := m.GetByte("command2"); err == nil {
				cmd1 = c2
			}
		}
		if f.group >= 0 && group != f.group {
			return false
		}
		if !f.dev.dedup.shouldPublishGroup(group, action, m.Timestamp) {
			f.dev.metrics.IncDuplicates()
			return false
		}
		f.handleKey(cmd1, m)
	case m.IsCleanup():
		group := m.Group()
		if f.group >= 0 && group != f.group {
			return false
		}
		if !f.dev.dedup.shouldPublishGroup(group, actionCleanup, m.Timestamp) {
			f.dev.metrics.IncDuplicates()
			return false
		}
		f.handleKey(cmd1, m)
	case m.IsBroadcast():
		// the per-cmd1 duplicate window is applied once per message,
		// before dispatch, by the owning device
		f.handleKey(cmd1, m)
	}
	return false
}

// passthroughDispatcher hands every message to the feature's handlers. X10
// function frames route by function code, everything else by cmd1.
type passthroughDispatcher struct{}

func newPassthroughDispatcher(params) (Dispatcher, error) { return passthroughDispatcher{}, nil }

func (passthroughDispatcher) Dispatch(f *Feature, m *msg.Msg) bool {
	if m.IsX10() {
		raw, err := m.GetByte("rawX10")
		if err != nil {
			return false
		}
		f.handleKey(raw&0x0F, m)
		return false
	}
	if cmd1, err := m.GetByte("command1"); err == nil {
		f.handleKey(cmd1, m)
	}
	return false
}
