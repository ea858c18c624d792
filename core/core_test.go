package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansungk/cyclotron-sub000/gmem"
	"github.com/hansungk/cyclotron-sub000/smem"
	"github.com/hansungk/cyclotron-sub000/timeq"
)

func newTestGraph(t *testing.T, numWarps int) *Graph {
	t.Helper()
	gmemSub := gmem.NewSubgraph(gmem.DefaultFlowConfig(), 1)
	return NewGraph(0, gmemSub, DefaultGraphConfig(numWarps), nil)
}

func TestTimingModel_IssueGmemRequest_StallsWarpUntilCompletion(t *testing.T) {
	// GIVEN a fresh core with one warp
	graph := newTestGraph(t, 1)
	model := NewTimingModel(graph, 1, nil)

	// WHEN a load is issued
	_, err := model.IssueGmemRequest(gmem.NewRequest(0, 0x1000, 64, 0xF, true))
	require.NoError(t, err)

	// THEN the warp is stalled and fetch is blocked
	assert.True(t, model.stalls.IsStalled(0))

	// WHEN ticking forward long enough for the whole gmem pipeline to drain
	for cycle := timeq.Cycle(1); cycle < 5000 && model.stalls.IsStalled(0); cycle++ {
		model.Tick(cycle, nil)
	}

	// THEN the warp is eventually unstalled
	assert.False(t, model.stalls.IsStalled(0))
}

func TestTimingModel_IssueSmemRequest_StallsAndUnstallsOnCompletion(t *testing.T) {
	// GIVEN a fresh core
	graph := newTestGraph(t, 1)
	model := NewTimingModel(graph, 1, nil)

	// WHEN a shared-memory load is issued
	_, err := model.IssueSmemRequest(smem.NewRequest(0, 4, 0xF, false, 0))
	require.NoError(t, err)
	assert.True(t, model.stalls.IsStalled(0))

	// WHEN ticking forward
	for cycle := timeq.Cycle(1); cycle < 5000 && model.stalls.IsStalled(0); cycle++ {
		model.Tick(cycle, nil)
	}

	// THEN the warp eventually unstalls
	assert.False(t, model.stalls.IsStalled(0))
}
