package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OverridesOnlySpecifiedFields(t *testing.T) {
	// GIVEN a YAML file overriding only the cycle count
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sim:\n  cycles: 42\n"), 0o644))

	// WHEN loading it
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN the override applies and everything else retains its default
	assert.Equal(t, uint64(42), cfg.Sim.Cycles)
	assert.Equal(t, DefaultSimConfig().NumClusters, cfg.Sim.NumClusters)
	assert.Equal(t, DefaultMemoryConfig().Gmem.Policy.L1WritebackRate, cfg.Memory.Gmem.Policy.L1WritebackRate)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	// GIVEN a YAML file with a typo'd key
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sim:\n  cyclez: 42\n"), 0o644))

	// WHEN loading it
	_, err := Load(path)

	// THEN strict decoding rejects the unknown field
	assert.Error(t, err)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestCoreGraphConfig_CarriesWarpCountFromSim(t *testing.T) {
	// GIVEN a config with a custom warp count
	cfg := Default()
	cfg.Sim.NumWarps = 16

	// WHEN deriving a core graph config
	graphCfg := cfg.CoreGraphConfig()

	// THEN the warp count is carried through
	assert.Equal(t, 16, graphCfg.NumWarps)
}
