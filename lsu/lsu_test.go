package lsu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansungk/cyclotron-sub000/gmem"
	"github.com/hansungk/cyclotron-sub000/smem"
	"github.com/hansungk/cyclotron-sub000/timeq"
)

func TestSubgraph_IssueGmem_AdmitsIntoGlobalLoadQueue(t *testing.T) {
	// GIVEN a subgraph with one warp
	sg := NewSubgraph(DefaultFlowConfig(), 1)

	// WHEN a global load is issued
	_, err := sg.IssueGmem(0, gmem.NewRequest(0, 0x1000, 64, 0xF, true))

	// THEN it is admitted and counted under the global-load queue
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sg.Stats().GlobalLdqIssued)
}

func TestSubgraph_IssueGmem_LoadBlockedByPendingStoreToGlobal(t *testing.T) {
	// GIVEN a warp with a pending global store
	sg := NewSubgraph(DefaultFlowConfig(), 1)
	_, err := sg.IssueGmem(0, gmem.NewRequest(0, 0x1000, 64, 0xF, false))
	require.NoError(t, err)

	// WHEN a global load from the same warp is issued before the store drains
	_, err = sg.IssueGmem(0, gmem.NewRequest(0, 0x2000, 64, 0xF, true))

	// THEN the load is rejected Busy, not admitted out of order
	require.Error(t, err)
	var reject *Reject
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, RejectBusy, reject.Reason)
}

func TestSubgraph_IssueSmem_SharedStoreBlocksSharedLoad(t *testing.T) {
	// GIVEN a warp with a pending shared store
	sg := NewSubgraph(DefaultFlowConfig(), 1)
	_, err := sg.IssueSmem(0, smem.NewRequest(0, 4, 0xF, true, 0))
	require.NoError(t, err)

	// WHEN a shared load from the same warp is issued
	_, err = sg.IssueSmem(0, smem.NewRequest(0, 4, 0xF, false, 0))

	// THEN it is rejected Busy
	require.Error(t, err)
	var reject *Reject
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, RejectBusy, reject.Reason)
}

func TestSubgraph_IssuePayload_AddressResourceExhaustionRejectsQueueFull(t *testing.T) {
	// GIVEN an address-entry pool of exactly one slot
	cfg := DefaultFlowConfig()
	cfg.Resources.AddressEntries = 1
	sg := NewSubgraph(cfg, 2)

	// WHEN two distinct warps each issue an addressed request before either completes
	_, err1 := sg.IssueGmem(0, gmem.NewRequest(0, 0x1000, 64, 0xF, true))
	require.NoError(t, err1)
	_, err2 := sg.IssueGmem(0, gmem.NewRequest(1, 0x2000, 64, 0xF, true))

	// THEN the second is rejected QueueFull for resource exhaustion, not queue depth
	require.Error(t, err2)
	var reject *Reject
	require.ErrorAs(t, err2, &reject)
	assert.Equal(t, RejectQueueFull, reject.Reason)
}

func TestSubgraph_TakeReady_ClearsStorePendingAndAllowsSubsequentLoad(t *testing.T) {
	// GIVEN a store issued and then completed
	sg := NewSubgraph(DefaultFlowConfig(), 1)
	_, err := sg.IssueGmem(0, gmem.NewRequest(0, 0x1000, 64, 0xF, false))
	require.NoError(t, err)

	var completed bool
	for cycle := timeq.Cycle(1); cycle < 1000; cycle++ {
		sg.Tick(cycle)
		if _, ok := sg.TakeReady(cycle); ok {
			completed = true
			break
		}
	}
	require.True(t, completed)

	// WHEN a load from the same warp is issued afterward
	_, err = sg.IssueGmem(0, gmem.NewRequest(0, 0x2000, 64, 0xF, true))

	// THEN it is no longer blocked
	assert.NoError(t, err)
}

func TestSubgraph_ReserveLoadData_TracksIndependentPool(t *testing.T) {
	// GIVEN a load-data pool of exactly one slot
	cfg := DefaultFlowConfig()
	cfg.Resources.LoadDataEntries = 1
	sg := NewSubgraph(cfg, 1)
	req := FromGmem(gmem.NewRequest(0, 0x1000, 64, 0xF, true))

	// WHEN the slot is reserved twice without release
	first := sg.ReserveLoadData(req)
	second := sg.ReserveLoadData(req)

	// THEN only the first reservation succeeds
	assert.True(t, first)
	assert.False(t, second)

	// AND releasing frees it for a subsequent reservation
	sg.ReleaseLoadData(req)
	assert.True(t, sg.ReserveLoadData(req))
}
