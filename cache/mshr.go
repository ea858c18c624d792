package cache

import "github.com/hansungk/cyclotron-sub000/timeq"

// MissMetadata captures the hit/bank/writeback decisions made for the
// primary miss so that secondary misses merged onto the same MSHR entry
// inherit identical completion behavior.
type MissMetadata struct {
	LineAddr    uint64
	L0Hit       bool
	L1Hit       bool
	L2Hit       bool
	L1Writeback bool
	L2Writeback bool
	L1Bank      int
	L2Bank      int
}

// MissLevel names the cache level at which a request's miss was resolved.
type MissLevel int

const (
	MissNone MissLevel = iota
	MissL0
	MissL1
	MissL2
)

// MshrEntry tracks one outstanding line-fill: the metadata captured at
// allocation time, the refill's ready cycle once known, and every
// secondary-miss request merged onto it while the fill is in flight.
type MshrEntry[T any] struct {
	LineAddr uint64
	Meta     MissMetadata
	readyAt  *timeq.Cycle
	Merged   []T
}

// ReadyAt returns the refill completion cycle, if it has been set.
func (e *MshrEntry[T]) ReadyAt() (timeq.Cycle, bool) {
	if e.readyAt == nil {
		return 0, false
	}
	return *e.readyAt, true
}

// Table is a bounded set of MshrEntry records, at most one per resident
// line address.
type Table[T any] struct {
	capacity int
	entries  []*MshrEntry[T]
}

// NewTable constructs a Table with the given capacity.
func NewTable[T any](capacity int) *Table[T] {
	return &Table[T]{capacity: capacity}
}

func (t *Table[T]) find(lineAddr uint64) *MshrEntry[T] {
	for _, e := range t.entries {
		if e.LineAddr == lineAddr {
			return e
		}
	}
	return nil
}

// HasEntry reports whether lineAddr already has an outstanding entry.
func (t *Table[T]) HasEntry(lineAddr uint64) bool {
	return t.find(lineAddr) != nil
}

// CanAllocate reports whether a new entry for lineAddr could be allocated
// right now: either one already exists (and would merge), or the table has
// a free slot.
func (t *Table[T]) CanAllocate(lineAddr uint64) bool {
	return t.HasEntry(lineAddr) || len(t.entries) < t.capacity
}

// EnsureEntry allocates an entry for lineAddr if one doesn't exist.
// Returns (true, nil) if a new entry was created, (false, nil) if one
// already existed, or an error if the table is at capacity.
func (t *Table[T]) EnsureEntry(lineAddr uint64, meta MissMetadata) (bool, error) {
	if t.HasEntry(lineAddr) {
		return false, nil
	}
	if len(t.entries) >= t.capacity {
		return false, errMshrFull
	}
	t.entries = append(t.entries, &MshrEntry[T]{LineAddr: lineAddr, Meta: meta})
	return true, nil
}

var errMshrFull = tableFullError{}

type tableFullError struct{}

func (tableFullError) Error() string { return "cache: mshr table at capacity" }

// SetReadyAt records the cycle at which the underlying refill completes,
// used to compute completion for every request later merged onto this
// entry.
func (t *Table[T]) SetReadyAt(lineAddr uint64, readyAt timeq.Cycle) {
	if e := t.find(lineAddr); e != nil {
		e.readyAt = &readyAt
	}
}

// MergeRequest appends request to the entry for lineAddr, after applying
// the entry's captured miss metadata so the secondary miss completes with
// identical hit/bank/writeback decisions as the primary. Returns the
// entry's ready cycle if known, or false if no entry exists for lineAddr.
func (t *Table[T]) MergeRequest(lineAddr uint64, request T, apply func(meta MissMetadata, req *T)) (timeq.Cycle, bool) {
	e := t.find(lineAddr)
	if e == nil {
		return 0, false
	}
	apply(e.Meta, &request)
	e.Merged = append(e.Merged, request)
	if e.readyAt == nil {
		return 0, false
	}
	return *e.readyAt, true
}

// RemoveEntry removes and returns the entry for lineAddr, if any.
func (t *Table[T]) RemoveEntry(lineAddr uint64) (*MshrEntry[T], bool) {
	for i, e := range t.entries {
		if e.LineAddr == lineAddr {
			t.entries[i] = t.entries[len(t.entries)-1]
			t.entries = t.entries[:len(t.entries)-1]
			return e, true
		}
	}
	return nil, false
}
