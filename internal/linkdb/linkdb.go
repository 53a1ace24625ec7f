// Package linkdb implements the all-link databases: the per-device link
// database downloaded record by record over extended messages, and the
// in-memory modem database built from the modem's record stream.
package linkdb

import (
	"sort"
	"sync"

	"insteon-go-home/internal/insteon"
)

// Status is the download state of a device's link database.
type Status int

const (
	StatusEmpty Status = iota
	StatusLoading
	StatusPartial
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "LOADING"
	case StatusPartial:
		return "PARTIAL"
	case StatusComplete:
		return "COMPLETE"
	}
	return "EMPTY"
}

// FirstRecordOffset is where every device database starts; records follow
// at 8-byte decrements.
const FirstRecordOffset = 0x0FFF

// RecordSpacing is the byte distance between consecutive records.
const RecordSpacing = 8

// LinkDB is one device's all-link database, ordered by descending offset
// (the protocol's download order).
type LinkDB struct {
	mu      sync.Mutex
	status  Status
	records map[int]insteon.LinkRecord
}

// NewLinkDB creates an empty database.
func NewLinkDB() *LinkDB {
	return &LinkDB{records: make(map[int]insteon.LinkRecord)}
}

// Status returns the current download state.
func (db *LinkDB) Status() Status {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.status
}

// Clear drops all records and marks the database loading.
func (db *LinkDB) Clear() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.records = make(map[int]insteon.LinkRecord)
	db.status = StatusLoading
}

// AddRecord stores a downloaded record keyed by its offset.
func (db *LinkDB) AddRecord(r insteon.LinkRecord) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.records[r.Offset] = r
}

// Records returns the records in download order (descending offset).
func (db *LinkDB) Records() []insteon.LinkRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.sortedLocked()
}

func (db *LinkDB) sortedLocked() []insteon.LinkRecord {
	out := make([]insteon.LinkRecord, 0, len(db.records))
	for _, r := range db.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset > out[j].Offset })
	return out
}

// Len returns the record count.
func (db *LinkDB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.records)
}

// Finalize derives the final status. Completeness is derived, never
// asserted: the first offset must be the canonical top of the database,
// the last record must be the LAST marker, and the count must cover every
// 8-byte slot in between. Anything else that still holds records is
// PARTIAL; no records at all is EMPTY.
func (db *LinkDB) Finalize() Status {
	db.mu.Lock()
	defer db.mu.Unlock()
	recs := db.sortedLocked()
	switch {
	case len(recs) == 0:
		db.status = StatusEmpty
	case db.isCompleteLocked(recs):
		db.status = StatusComplete
	default:
		db.status = StatusPartial
	}
	return db.status
}

func (db *LinkDB) isCompleteLocked(recs []insteon.LinkRecord) bool {
	first := recs[0].Offset
	last := recs[len(recs)-1]
	if first != FirstRecordOffset {
		return false
	}
	if last.Type != insteon.RecordLast {
		return false
	}
	want := (first-last.Offset)/RecordSpacing + 1
	return len(recs) == want
}

// ResponderGroups returns the groups this device responds on for a given
// controller address.
func (db *LinkDB) ResponderGroups(controller insteon.Address) []byte {
	db.mu.Lock()
	defer db.mu.Unlock()
	var groups []byte
	seen := make(map[byte]bool)
	for _, r := range db.records {
		if r.IsResponder() && r.Addr == controller && !seen[r.Group] {
			seen[r.Group] = true
			groups = append(groups, r.Group)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return groups
}
