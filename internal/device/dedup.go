package device

import "time"

// DuplicateWindow is how long a repeated plain broadcast with the same cmd1
// is considered a retransmission of the one before it.
const DuplicateWindow = 2000 * time.Millisecond

// groupAction classifies group traffic for the duplicate state machine.
type groupAction int

const (
	actionBroadcast groupAction = iota // all-link broadcast
	actionCleanup                      // per-responder cleanup
	actionSuccess                      // success report (cmd1 0x06)
)

func (a groupAction) String() string {
	switch a {
	case actionBroadcast:
		return "BROADCAST"
	case actionCleanup:
		return "CLEANUP"
	case actionSuccess:
		return "SUCCESS"
	}
	return "?"
}

// groupState is what the machine expects to see next in the
// broadcast -> cleanup -> success sequence of a group event.
type groupState int

const (
	expectBroadcast groupState = iota
	expectCleanup
	expectSuccess
)

// groupDedup decides, per group, whether an incoming group message starts a
// new event or repeats the current one. It only advances on messages newer
// than its last update; older or equal timestamps return the cached verdict,
// so several features sharing a group cannot each flip the decision.
type groupDedup struct {
	state       groupState
	lastUpdate  time.Time
	lastVerdict bool
}

func (g *groupDedup) evaluate(action groupAction, ts time.Time) bool {
	if !ts.After(g.lastUpdate) {
		return g.lastVerdict
	}
	// a quiet gap means the previous event is over, even if its cleanup or
	// success report never arrived
	fresh := g.lastUpdate.IsZero() || ts.Sub(g.lastUpdate) >= DuplicateWindow
	g.lastUpdate = ts

	// A broadcast starts a new event unless it repeats one still in flight.
	// A cleanup counts as new only when the broadcast itself was missed;
	// success reports never do.
	publish := false
	switch action {
	case actionBroadcast:
		publish = g.state == expectBroadcast || fresh
	case actionCleanup:
		publish = g.state == expectBroadcast
	case actionSuccess:
		publish = false
	}

	switch action {
	case actionBroadcast:
		g.state = expectCleanup
	case actionCleanup:
		g.state = expectSuccess
	case actionSuccess:
		g.state = expectBroadcast
	}

	g.lastVerdict = publish
	return publish
}

// dedup holds one device's duplicate-suppression state: the per-group
// machines for group traffic and the per-cmd1 window for plain broadcasts.
type dedup struct {
	groups map[int]*groupDedup
	byCmd  map[byte]time.Time
}

func newDedup() dedup {
	return dedup{
		groups: make(map[int]*groupDedup),
		byCmd:  make(map[byte]time.Time),
	}
}

// duplicateBroadcast reports whether a plain broadcast with this cmd1 is a
// retransmission of one seen within the window. Updates the window on every
// new arrival.
func (d *dedup) duplicateBroadcast(cmd1 byte, ts time.Time) bool {
	last, ok := d.byCmd[cmd1]
	if ok && ts.Sub(last) < DuplicateWindow {
		return true
	}
	d.byCmd[cmd1] = ts
	return false
}

// shouldPublishGroup runs the per-group state machine.
func (d *dedup) shouldPublishGroup(group int, action groupAction, ts time.Time) bool {
	g, ok := d.groups[group]
	if !ok {
		g = &groupDedup{}
		d.groups[group] = g
	}
	return g.evaluate(action, ts)
}
