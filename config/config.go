// Package config loads the nested YAML configuration tree that
// parameterizes a Cyclotron run: per-cluster memory timing (gmem/smem),
// per-core LSU resources, and the ambient sim/log/metrics knobs. Parsing
// is strict: unknown keys are rejected rather than silently ignored, the
// same way the teacher's config loader behaves.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hansungk/cyclotron-sub000/core"
	"github.com/hansungk/cyclotron-sub000/gmem"
	"github.com/hansungk/cyclotron-sub000/lsu"
	"github.com/hansungk/cyclotron-sub000/smem"
	"github.com/hansungk/cyclotron-sub000/traffic"
)

// SimConfig holds the top-level simulation knobs: how many cycles to
// run, how many clusters/cores/warps to instantiate, and the RNG seed
// partitioning base.
type SimConfig struct {
	Cycles     uint64 `yaml:"cycles"`
	NumClusters int   `yaml:"num_clusters"`
	NumCores    int   `yaml:"num_cores_per_cluster"`
	NumWarps    int   `yaml:"num_warps_per_core"`
	Seed        uint64 `yaml:"seed"`
}

// DefaultSimConfig mirrors a small single-cluster development run.
func DefaultSimConfig() SimConfig {
	return SimConfig{Cycles: 100000, NumClusters: 1, NumCores: 4, NumWarps: 32, Seed: 0}
}

// MemoryConfig groups the timing configuration for a cluster's shared
// gmem path and every core's smem/lsu/icache/writeback/operand-fetch path,
// matching spec.md §6's memory.{gmem,smem,lsu,icache,writeback,
// operand_fetch} nesting.
type MemoryConfig struct {
	Gmem         gmem.FlowConfig         `yaml:"gmem"`
	Smem         smem.FlowConfig         `yaml:"smem"`
	Lsu          lsu.FlowConfig          `yaml:"lsu"`
	Icache       core.IcacheFlowConfig   `yaml:"icache"`
	Writeback    core.WritebackConfig    `yaml:"writeback"`
	OperandFetch core.OperandFetchConfig `yaml:"operand_fetch"`
}

// DefaultMemoryConfig returns the teacher-default memory timing tree.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Gmem:         gmem.DefaultFlowConfig(),
		Smem:         smem.DefaultFlowConfig(),
		Lsu:          lsu.DefaultFlowConfig(),
		Icache:       core.DefaultIcacheFlowConfig(),
		Writeback:    core.DefaultWritebackConfig(),
		OperandFetch: core.DefaultOperandFetchConfig(),
	}
}

// ComputeConfig groups the execution-unit and tensor-core timing
// configuration, matching spec.md §6's compute.{tensor,execute} nesting.
// compute.scheduler is not represented here: Scheduler is an external
// collaborator interface (core.Scheduler) implemented by whatever drives
// the DPI boundary, not a concrete type this repo owns or configures.
type ComputeConfig struct {
	Tensor  core.TensorConfig  `yaml:"tensor"`
	Execute core.ExecuteConfig `yaml:"execute"`
}

// DefaultComputeConfig returns the teacher-default compute timing tree.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{Tensor: core.DefaultTensorConfig(), Execute: core.DefaultExecuteConfig()}
}

// IoConfig groups the fence/DMA/barrier timing configuration, matching
// spec.md §6's io.{fence,dma,barrier} nesting.
type IoConfig struct {
	Fence   core.FenceConfig   `yaml:"fence"`
	Dma     core.DmaConfig     `yaml:"dma"`
	Barrier core.BarrierConfig `yaml:"barrier"`
}

// DefaultIoConfig returns the teacher-default io timing tree.
func DefaultIoConfig() IoConfig {
	return IoConfig{Fence: core.DefaultFenceConfig(), Dma: core.DefaultDmaConfig(), Barrier: core.DefaultBarrierConfig()}
}

// LogConfig configures structured logging, mirroring the ambient
// logrus-based logging the teacher wires into its root command.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultLogConfig returns info-level text logging.
func DefaultLogConfig() LogConfig { return LogConfig{Level: "info", JSON: false} }

// MetricsConfig configures the optional Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultMetricsConfig disables the exporter by default.
func DefaultMetricsConfig() MetricsConfig { return MetricsConfig{Enabled: false, Addr: ":9090"} }

// PerfLogConfig configures the optional per-run CSV/summary trace
// directory.
type PerfLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Period  uint64 `yaml:"period"`
}

// DefaultPerfLogConfig disables trace output by default.
func DefaultPerfLogConfig() PerfLogConfig {
	return PerfLogConfig{Enabled: false, Dir: "perflog", Period: 1000}
}

// Config is the root of a Cyclotron run's YAML configuration.
type Config struct {
	Sim     SimConfig      `yaml:"sim"`
	Memory  MemoryConfig   `yaml:"memory"`
	Compute ComputeConfig  `yaml:"compute"`
	Io      IoConfig       `yaml:"io"`
	Traffic traffic.Config `yaml:"traffic"`
	Log     LogConfig      `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
	PerfLog PerfLogConfig  `yaml:"perflog"`
}

// Default returns the full default configuration tree.
func Default() Config {
	return Config{
		Sim:     DefaultSimConfig(),
		Memory:  DefaultMemoryConfig(),
		Compute: DefaultComputeConfig(),
		Io:      DefaultIoConfig(),
		Traffic: traffic.DefaultConfig(),
		Log:     DefaultLogConfig(),
		Metrics: DefaultMetricsConfig(),
		PerfLog: DefaultPerfLogConfig(),
	}
}

// Load reads and strictly decodes a YAML config file from path, starting
// from Default() so unspecified sections retain their defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// CoreGraphConfig adapts this run's memory/compute/io configuration into
// the per-core graph config core.NewGraph expects.
func (c Config) CoreGraphConfig() core.GraphConfig {
	return core.GraphConfig{
		Smem:         c.Memory.Smem,
		Lsu:          c.Memory.Lsu,
		Icache:       c.Memory.Icache,
		Writeback:    c.Memory.Writeback,
		OperandFetch: c.Memory.OperandFetch,
		Tensor:       c.Compute.Tensor,
		Execute:      c.Compute.Execute,
		Dma:          c.Io.Dma,
		Barrier:      c.Io.Barrier,
		Fence:        c.Io.Fence,
		NumWarps:     c.Sim.NumWarps,
	}
}
