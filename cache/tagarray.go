// Package cache implements the set-associative tag array and the MSHR
// table that every cache level in a gmem subgraph is built on.
package cache

// TagArray is a set-associative cache of line addresses with LRU
// replacement within each set. It tracks presence only — data movement and
// timing are handled by the owning subgraph's TimedServers.
type TagArray struct {
	sets int
	ways int
	// lru[set] lists the line addresses resident in that set, ordered
	// most-recently-used first.
	lru [][]uint64
}

// New constructs a TagArray with the given number of sets and ways. Both
// must be positive.
func New(sets, ways int) *TagArray {
	if sets <= 0 {
		panic("cache: sets must be > 0")
	}
	if ways <= 0 {
		panic("cache: ways must be > 0")
	}
	lru := make([][]uint64, sets)
	for i := range lru {
		lru[i] = make([]uint64, 0, ways)
	}
	return &TagArray{sets: sets, ways: ways, lru: lru}
}

func (t *TagArray) setIndex(line uint64) int {
	return int(line % uint64(t.sets))
}

// Probe reports whether line is resident, promoting it to
// most-recently-used on a hit.
func (t *TagArray) Probe(line uint64) bool {
	set := t.setIndex(line)
	ways := t.lru[set]
	for i, addr := range ways {
		if addr == line {
			if i != 0 {
				copy(ways[1:i+1], ways[0:i])
				ways[0] = line
			}
			return true
		}
	}
	return false
}

// Fill inserts line into its set, evicting the least-recently-used member
// if the set is already at capacity. Returns the evicted line address, if
// any eviction occurred.
func (t *TagArray) Fill(line uint64) (evicted uint64, didEvict bool) {
	set := t.setIndex(line)
	ways := t.lru[set]
	for _, addr := range ways {
		if addr == line {
			return 0, false
		}
	}
	if len(ways) >= t.ways {
		evicted = ways[len(ways)-1]
		didEvict = true
		ways = ways[:len(ways)-1]
	}
	ways = append([]uint64{line}, ways...)
	t.lru[set] = ways
	return evicted, didEvict
}

// InvalidateAll clears every set, as used by a flush-L0/flush-L1 request.
func (t *TagArray) InvalidateAll() {
	for i := range t.lru {
		t.lru[i] = t.lru[i][:0]
	}
}

// Sets returns the configured number of sets.
func (t *TagArray) Sets() int { return t.sets }

// Ways returns the configured associativity.
func (t *TagArray) Ways() int { return t.ways }
