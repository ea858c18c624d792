package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testReq struct {
	id int
}

func applyNoop(meta MissMetadata, req *testReq) {}

func TestMshrTable_MergesSecondaryMisses(t *testing.T) {
	// GIVEN a table of capacity 1 with an entry allocated for line 1
	table := NewTable[testReq](1)
	meta := MissMetadata{LineAddr: 1}
	created, err := table.EnsureEntry(1, meta)
	require.NoError(t, err)
	assert.True(t, created)

	// WHEN allocating a second entry for a different line
	_, err = table.EnsureEntry(2, meta)

	// THEN it fails: the table is at capacity
	require.Error(t, err)

	// WHEN the refill ready cycle is set and a secondary miss merges onto line 1
	table.SetReadyAt(1, 10)
	readyAt, ok := table.MergeRequest(1, testReq{id: 1}, applyNoop)

	// THEN the merge reports the entry's ready cycle
	require.True(t, ok)
	assert.Equal(t, uint64(10), uint64(readyAt))

	// AND removing the entry returns exactly the one merged request
	entry, ok := table.RemoveEntry(1)
	require.True(t, ok)
	assert.Len(t, entry.Merged, 1)
}

func TestMshrTable_NewTableIsEmpty(t *testing.T) {
	table := NewTable[testReq](4)
	assert.False(t, table.HasEntry(0))
	assert.False(t, table.HasEntry(123))
}

func TestMshrTable_EnsureEntry_ExistingReturnsFalse(t *testing.T) {
	table := NewTable[testReq](2)
	meta := MissMetadata{}
	created, err := table.EnsureEntry(7, meta)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = table.EnsureEntry(7, meta)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMshrTable_MergeRequest_ToNonexistentReturnsFalse(t *testing.T) {
	table := NewTable[testReq](1)
	_, ok := table.MergeRequest(1, testReq{id: 1}, applyNoop)
	assert.False(t, ok)
}

func TestMshrTable_RemoveEntry_FreesSlot(t *testing.T) {
	// GIVEN a full table of capacity 1
	table := NewTable[testReq](1)
	meta := MissMetadata{}
	_, err := table.EnsureEntry(1, meta)
	require.NoError(t, err)
	assert.False(t, table.CanAllocate(2))

	// WHEN the entry is removed
	_, ok := table.RemoveEntry(1)
	require.True(t, ok)

	// THEN the slot becomes allocatable again
	assert.True(t, table.CanAllocate(2))
}

func TestMshrTable_MultipleMergesOntoSameEntry(t *testing.T) {
	// GIVEN an entry with no ready_at set yet
	table := NewTable[testReq](1)
	meta := MissMetadata{}
	_, err := table.EnsureEntry(1, meta)
	require.NoError(t, err)

	// WHEN ten secondary misses merge onto it before the refill completes
	for i := 0; i < 10; i++ {
		_, ok := table.MergeRequest(1, testReq{id: i}, applyNoop)
		assert.False(t, ok, "ready_at not yet known")
	}

	// THEN all ten are recorded on the entry
	entry, ok := table.RemoveEntry(1)
	require.True(t, ok)
	assert.Len(t, entry.Merged, 10)
}

func TestMshrTable_FillAndDrainRepeatedly(t *testing.T) {
	table := NewTable[testReq](4)
	meta := MissMetadata{}
	for round := 0; round < 100; round++ {
		for line := uint64(0); line < 4; line++ {
			created, err := table.EnsureEntry(line, meta)
			require.NoError(t, err, "round %d", round)
			require.True(t, created, "round %d", round)
		}
		for line := uint64(0); line < 4; line++ {
			_, ok := table.RemoveEntry(line)
			require.True(t, ok, "round %d", round)
		}
	}
}

func TestTagArray_ProbeFill_EvictsLRU(t *testing.T) {
	// GIVEN a direct-mapped-per-way array of 1 set, 2 ways
	arr := New(1, 2)

	// WHEN three distinct lines are filled in the same set
	_, evicted := arr.Fill(0)
	assert.False(t, evicted)
	_, evicted = arr.Fill(1)
	assert.False(t, evicted)

	// AND line 0 is probed, making it MRU, before a third line is filled
	assert.True(t, arr.Probe(0))
	victim, evicted := arr.Fill(2)

	// THEN line 1, the least-recently-used, is evicted — not line 0
	assert.True(t, evicted)
	assert.Equal(t, uint64(1), victim)
	assert.True(t, arr.Probe(0))
	assert.True(t, arr.Probe(2))
	assert.False(t, arr.Probe(1))
}

func TestTagArray_InvalidateAll_ClearsEverySet(t *testing.T) {
	arr := New(2, 2)
	arr.Fill(0)
	arr.Fill(1)

	arr.InvalidateAll()

	assert.False(t, arr.Probe(0))
	assert.False(t, arr.Probe(1))
}
