package smem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansungk/cyclotron-sub000/timeq"
)

func TestSubgraph_Issue_AdmitsIntoCorrectLane(t *testing.T) {
	// GIVEN a subgraph with two lanes
	cfg := DefaultFlowConfig()
	cfg.NumLanes = 2
	sg := NewSubgraph(cfg, nil)

	// WHEN a warp-0 request is issued
	_, err := sg.Issue(0, NewRequest(0, 4, 0xF, false, 0))

	// THEN admission succeeds, is counted, and lands in lane 0 (warp 0 % 2 lanes)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sg.StatsSnapshot().Issued)
	assert.Equal(t, 1, sg.graph.NodeOutstanding(sg.laneNodes[0]))
	assert.Equal(t, 0, sg.graph.NodeOutstanding(sg.laneNodes[1]))
}

func TestSubgraph_Issue_SerializeCoresRoutesThroughSingleSerialNode(t *testing.T) {
	// GIVEN serialize_cores enabled with multiple lanes
	cfg := DefaultFlowConfig()
	cfg.NumLanes = 4
	cfg.SerializeCores = true
	sg := NewSubgraph(cfg, nil)

	// WHEN requests from different warps are issued
	_, err1 := sg.Issue(0, NewRequest(0, 4, 0xF, false, 0))
	_, err2 := sg.Issue(0, NewRequest(3, 4, 0xF, false, 0))

	// THEN both reach the one shared serializer: its single-entry queue
	// admits the first and rejects the second, although without the
	// serializer the two warps would land in different lanes
	require.NoError(t, err1)
	require.Error(t, err2)
}

func TestSubgraph_Tick_DrainsToBankAndCompletes(t *testing.T) {
	// GIVEN a subgraph with a single request issued
	sg := NewSubgraph(DefaultFlowConfig(), nil)
	_, err := sg.Issue(0, NewRequest(0, 4, 0xF, false, 0))
	require.NoError(t, err)

	// WHEN ticking forward far enough for lane->xbar->subbank->bank to drain
	var completions int
	for cycle := timeq.Cycle(1); cycle < 1000; cycle++ {
		done := sg.Tick(cycle)
		completions += len(done)
		if completions > 0 {
			break
		}
	}

	// THEN the request eventually completes
	assert.Greater(t, completions, 0)
	assert.Equal(t, uint64(1), sg.StatsSnapshot().Completed)
}

func TestSubgraph_DualPort_SeparatesReadsAndWrites(t *testing.T) {
	// GIVEN a dual-ported single-bank subgraph
	cfg := DefaultFlowConfig()
	cfg.DualPort = true
	sg := NewSubgraph(cfg, nil)

	// WHEN a load and a store are issued in the same cycle
	_, err1 := sg.Issue(0, NewRequest(0, 4, 0xF, false, 0))
	_, err2 := sg.Issue(0, NewRequest(0, 4, 0xF, true, 0))

	// THEN both are admitted at the lane, and the bank has separate read
	// and write port nodes for them to drain into
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Len(t, sg.bankReadNodes, 1)
	assert.Len(t, sg.bankWriteNodes, 1)
}

func TestSubgraph_Issue_BankOutOfCapacityIsRejectedWithRetry(t *testing.T) {
	// GIVEN a bank server with a tiny queue capacity
	cfg := DefaultFlowConfig()
	cfg.Bank.QueueCapacity = 1
	cfg.Crossbar.QueueCapacity = 1
	cfg.Subbank.QueueCapacity = 1
	cfg.Lane.QueueCapacity = 1
	sg := NewSubgraph(cfg, nil)

	// WHEN many requests are issued back to back at the same cycle without ticking
	var rejected bool
	for i := 0; i < 64; i++ {
		_, err := sg.Issue(0, NewRequest(0, 4, 0xF, false, 0))
		if err != nil {
			var reject *Reject
			if assertIsReject(err, &reject) {
				rejected = true
				assert.Greater(t, reject.RetryAt, timeq.Cycle(0))
			}
			break
		}
	}

	// THEN eventually a Reject is surfaced with a future retry cycle
	assert.True(t, rejected)
}

func assertIsReject(err error, target **Reject) bool {
	r, ok := err.(*Reject)
	if ok {
		*target = r
	}
	return ok
}

func TestSubgraph_SampleAndAccumulate_TracksBankBusyCycles(t *testing.T) {
	// GIVEN a subgraph with a request in flight
	sg := NewSubgraph(DefaultFlowConfig(), nil)
	_, err := sg.Issue(0, NewRequest(0, 4, 0xF, false, 0))
	require.NoError(t, err)

	// WHEN sampling utilization before the request drains
	sg.SampleAndAccumulate()

	// THEN sample bookkeeping has advanced
	assert.Equal(t, uint64(1), sg.StatsSnapshot().SampleCycles)
}
