package gmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansungk/cyclotron-sub000/timeq"
)

func TestSubgraph_Issue_RepeatedAddressEventuallyHitsL0(t *testing.T) {
	// GIVEN a subgraph where the first access to a line has drained and filled every tag array
	sg := NewSubgraph(DefaultFlowConfig(), 1)
	_, err := sg.Issue(0, 0, NewRequest(0, 0x1000, 64, 0xF, true))
	require.NoError(t, err)

	var drained bool
	for cycle := timeq.Cycle(1); cycle < 2000; cycle++ {
		if len(sg.Tick(cycle)) > 0 {
			drained = true
			break
		}
	}
	require.True(t, drained, "first access must complete before the repeat is issued")

	// WHEN the same line is accessed again
	req2 := NewRequest(0, 0x1000, 64, 0xF, true)
	issue, err := sg.Issue(0, 2000, req2)
	require.NoError(t, err)

	// THEN it hits in L0, resolved by the tag array Fill applied on the first completion
	assert.Equal(t, uint64(1), sg.L0Stats(0).Hits)
	assert.NotZero(t, issue.Ticket.ReadyAt())
}

func TestSubgraph_Issue_FlushBypassesHitPipeline(t *testing.T) {
	// GIVEN a subgraph
	sg := NewSubgraph(DefaultFlowConfig(), 1)

	// WHEN a flush-L0 request is issued
	req := NewFlushL0(0, 0)
	issue, err := sg.Issue(0, 0, req)

	// THEN it is admitted (charged the configured flush byte cost) without touching hit accounting
	require.NoError(t, err)
	assert.NotZero(t, issue.Ticket.ReadyAt())
	assert.Equal(t, uint64(0), sg.L0Stats(0).Accesses)
}

func TestSubgraph_Issue_SecondaryMissMergesOntoMshr(t *testing.T) {
	// GIVEN a subgraph where every level misses (hit rates irrelevant since L0 is a tag probe)
	sg := NewSubgraph(DefaultFlowConfig(), 1)

	// WHEN two requests to the same never-before-seen line are issued back to back
	first, err := sg.Issue(0, 0, NewRequest(0, 0x2000, 64, 0xF, true))
	require.NoError(t, err)

	second, err := sg.Issue(0, 0, NewRequest(0, 0x2000, 64, 0xF, true))
	require.NoError(t, err)

	// THEN the second merges onto the same MSHR entry and completes no earlier than the first
	assert.GreaterOrEqual(t, second.Ticket.ReadyAt(), first.Ticket.ReadyAt())

	// AND ticking forward drains a completion for both the primary and the merged request
	var completions int
	for cycle := timeq.Cycle(1); cycle < 2000; cycle++ {
		completions += len(sg.Tick(cycle))
		if completions >= 2 {
			break
		}
	}
	assert.GreaterOrEqual(t, completions, 2, "both the primary miss and its merged secondary must complete")
}

func TestSubgraph_Tick_DrainsCompletions(t *testing.T) {
	// GIVEN a subgraph with a request already issued
	sg := NewSubgraph(DefaultFlowConfig(), 1)
	_, err := sg.Issue(0, 0, NewRequest(0, 0x3000, 64, 0xF, true))
	require.NoError(t, err)

	// WHEN ticking forward far enough for the whole pipeline to drain
	var completions int
	for cycle := timeq.Cycle(1); cycle < 2000; cycle++ {
		done := sg.Tick(cycle)
		completions += len(done)
		if completions > 0 {
			break
		}
	}

	// THEN at least one completion is eventually observed
	assert.Greater(t, completions, 0)
}
