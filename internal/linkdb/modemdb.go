package linkdb

import (
	"sort"
	"sync"

	"insteon-go-home/internal/insteon"
)

// ModemDBEntry holds one peer's link records plus cached group-membership
// lists, maintained incrementally on add/delete rather than recomputed.
type ModemDBEntry struct {
	Records          []insteon.LinkRecord
	ControllerGroups []byte
	ResponderGroups  []byte
	Product          insteon.ProductData
}

func (e *ModemDBEntry) addGroups(r insteon.LinkRecord) {
	switch r.Type {
	case insteon.RecordController:
		e.ControllerGroups = addGroup(e.ControllerGroups, r.Group)
	case insteon.RecordResponder:
		e.ResponderGroups = addGroup(e.ResponderGroups, r.Group)
	}
}

func (e *ModemDBEntry) rebuildGroups() {
	e.ControllerGroups = e.ControllerGroups[:0]
	e.ResponderGroups = e.ResponderGroups[:0]
	for _, r := range e.Records {
		e.addGroups(r)
	}
}

func addGroup(groups []byte, g byte) []byte {
	for _, have := range groups {
		if have == g {
			return groups
		}
	}
	return append(groups, g)
}

// ModemDB is the in-memory copy of the modem's all-link database, keyed by
// peer address. Records carry no offset here.
type ModemDB struct {
	mu       sync.Mutex
	entries  map[insteon.Address]*ModemDBEntry
	complete bool
}

// NewModemDB creates an empty modem database.
func NewModemDB() *ModemDB {
	return &ModemDB{entries: make(map[insteon.Address]*ModemDBEntry)}
}

// Clear drops all entries and the completeness flag (full re-download).
func (db *ModemDB) Clear() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.entries = make(map[insteon.Address]*ModemDBEntry)
	db.complete = false
}

// AddRecord appends a record to its address entry, updating the cached
// group lists.
func (db *ModemDB) AddRecord(r insteon.LinkRecord) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e := db.entries[r.Addr]
	if e == nil {
		e = &ModemDBEntry{}
		db.entries[r.Addr] = e
	}
	e.Records = append(e.Records, r)
	e.addGroups(r)
}

// DeleteRecord removes the first matching record for an address and
// rebuilds that entry's cached group lists.
func (db *ModemDB) DeleteRecord(addr insteon.Address, group byte, typ insteon.RecordType) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e := db.entries[addr]
	if e == nil {
		return
	}
	for i, r := range e.Records {
		if r.Group == group && r.Type == typ {
			e.Records = append(e.Records[:i], e.Records[i+1:]...)
			break
		}
	}
	if len(e.Records) == 0 {
		delete(db.entries, addr)
		return
	}
	e.rebuildGroups()
}

// SetProduct merges product identification into an address entry.
func (db *ModemDB) SetProduct(addr insteon.Address, pd insteon.ProductData) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e := db.entries[addr]
	if e == nil {
		e = &ModemDBEntry{}
		db.entries[addr] = e
	}
	e.Product.Merge(pd)
}

// Entry returns a snapshot of one address's entry.
func (db *ModemDB) Entry(addr insteon.Address) (ModemDBEntry, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[addr]
	if !ok {
		return ModemDBEntry{}, false
	}
	cp := ModemDBEntry{
		Records:          append([]insteon.LinkRecord(nil), e.Records...),
		ControllerGroups: append([]byte(nil), e.ControllerGroups...),
		ResponderGroups:  append([]byte(nil), e.ResponderGroups...),
		Product:          e.Product,
	}
	return cp, true
}

// Addresses lists all peer addresses in the database.
func (db *ModemDB) Addresses() []insteon.Address {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]insteon.Address, 0, len(db.entries))
	for a := range db.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// BroadcastGroups returns the deduplicated union of all controller groups
// across entries, always excluding group 0.
func (db *ModemDB) BroadcastGroups() []int {
	db.mu.Lock()
	defer db.mu.Unlock()
	seen := make(map[byte]bool)
	var out []int
	for _, e := range db.entries {
		for _, g := range e.ControllerGroups {
			if g == 0 || seen[g] {
				continue
			}
			seen[g] = true
			out = append(out, int(g))
		}
	}
	sort.Ints(out)
	return out
}

// SetComplete latches the completeness flag; it is set exactly once per
// successful full download and survives until the next Clear.
func (db *ModemDB) SetComplete() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.complete = true
}

// Complete reports whether a full download has finished.
func (db *ModemDB) Complete() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.complete
}

// Len returns the number of peer entries.
func (db *ModemDB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.entries)
}
