// Package traffic implements a synthetic shared-memory front-end: a
// configurable set of lane-resolved access patterns (strided, tiled,
// swizzled, random) driven directly into an smem.Subgraph without a real
// instruction stream, for standalone SMEM timing experiments.
package traffic

import "github.com/hansungk/cyclotron-sub000/timeq"

// PatternSpec describes one access pattern in YAML/config form, matching
// the original's TrafficPatternSpec field set.
type PatternSpec struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // strided | tiled | swizzled | random
	Op         string `yaml:"op"`   // read | write
	ReqBytes   uint32 `yaml:"req_bytes"`
	WarpStride uint32 `yaml:"warp_stride"`
	LaneStride uint32 `yaml:"lane_stride"`
	TileM      uint32 `yaml:"tile_m"`
	TileN      uint32 `yaml:"tile_n"`
	TileSize   uint32 `yaml:"tile_size"`
	Transpose  bool   `yaml:"transpose"`
	RandomMin  uint32 `yaml:"random_min"`
	RandomMax  uint32 `yaml:"random_max"`
	Seed       uint64 `yaml:"seed"`
	// WithinBytes bounds the pattern's address range; 0 means "use
	// Address.SmemSizeBytes".
	WithinBytes uint64 `yaml:"within_bytes"`
}

// AddressConfig bounds the address space the pattern engine generates
// offsets within.
type AddressConfig struct {
	ClusterID     int    `yaml:"cluster_id"`
	SmemBase      uint64 `yaml:"smem_base"`
	SmemSizeBytes uint64 `yaml:"smem_size_bytes"`
}

// IssueConfig parameterizes per-lane issue backpressure handling.
type IssueConfig struct {
	MaxInflightPerLane int         `yaml:"max_inflight_per_lane"`
	RetryBackoffMin    timeq.Cycle `yaml:"retry_backoff_min"`
}

// Config is the root traffic-driver configuration.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	LockstepPatterns bool          `yaml:"lockstep_patterns"`
	ReqsPerPattern   uint32        `yaml:"reqs_per_pattern"`
	NumLanes         int           `yaml:"num_lanes"`
	Address          AddressConfig `yaml:"address"`
	Issue            IssueConfig   `yaml:"issue"`
	Patterns         []PatternSpec `yaml:"patterns"`
}

// DefaultConfig returns a disabled driver with no patterns configured.
func DefaultConfig() Config {
	return Config{
		Enabled:          false,
		LockstepPatterns: true,
		ReqsPerPattern:   64,
		NumLanes:         32,
		Address:          AddressConfig{SmemBase: 0, SmemSizeBytes: 128 << 10},
		Issue:            IssueConfig{MaxInflightPerLane: 4, RetryBackoffMin: 1},
	}
}
