package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansungk/cyclotron-sub000/smem"
	"github.com/hansungk/cyclotron-sub000/timeq"
)

func TestSmemDriver_DrivesOnePatternToCompletion(t *testing.T) {
	// GIVEN a single-pattern driver over a small smem subgraph
	smemCfg := smem.DefaultFlowConfig()
	smemCfg.NumLanes = 2
	smemCfg.NumBanks = 1
	sub := smem.NewSubgraph(smemCfg, nil)

	cfg := baseConfig([]PatternSpec{{Kind: "strided", Op: "read", ReqBytes: 4, WarpStride: 1, LaneStride: 1}}, 2, 4)
	driver := NewSmemDriver(cfg, sub, smemCfg, nil)

	// WHEN the driver is ticked until done or a cycle budget is exhausted
	var lastCheckpoint *Checkpoint
	var cycle timeq.Cycle
	for cycle = 1; cycle <= 10000 && !driver.IsDone(); cycle++ {
		if cp := driver.Tick(cycle); cp != nil {
			lastCheckpoint = cp
		}
	}

	// THEN the driver finishes and records exactly one checkpoint
	require.True(t, driver.IsDone(), "driver did not finish within the cycle budget")
	require.NotNil(t, lastCheckpoint)
	assert.Equal(t, 0, lastCheckpoint.PatternIdx)
	assert.Len(t, driver.Checkpoints(), 1)
}

func TestSmemDriver_EmptyPatternListIsImmediatelyDone(t *testing.T) {
	// GIVEN a driver configured with no patterns
	smemCfg := smem.DefaultFlowConfig()
	sub := smem.NewSubgraph(smemCfg, nil)
	driver := NewSmemDriver(baseConfig(nil, 4, 1), sub, smemCfg, nil)

	// THEN it reports done without ever being ticked
	assert.True(t, driver.IsDone())
}

func TestSmemDriver_DisabledConfigIsDone(t *testing.T) {
	// GIVEN a driver configured with Enabled=false
	smemCfg := smem.DefaultFlowConfig()
	sub := smem.NewSubgraph(smemCfg, nil)
	cfg := baseConfig([]PatternSpec{{Kind: "strided", Op: "read", ReqBytes: 4}}, 2, 4)
	cfg.Enabled = false
	driver := NewSmemDriver(cfg, sub, smemCfg, nil)

	// THEN it reports done immediately regardless of configured patterns
	assert.True(t, driver.IsDone())
}
