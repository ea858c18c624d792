// cmd/root.go
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hansungk/cyclotron-sub000/config"
	"github.com/hansungk/cyclotron-sub000/core"
	"github.com/hansungk/cyclotron-sub000/dpi"
	"github.com/hansungk/cyclotron-sub000/gmem"
	"github.com/hansungk/cyclotron-sub000/perflog"
	"github.com/hansungk/cyclotron-sub000/smem"
	"github.com/hansungk/cyclotron-sub000/timeq"
	"github.com/hansungk/cyclotron-sub000/traffic"
)

var (
	configPath string
	binaryPath string
	numLanes   int
	numWarps   int
	numCores   int
	logLevel   int
	genTrace   bool
	cycles     uint64
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "cyclotron",
	Short: "Cycle-accurate timing substrate simulator for a SIMT GPU core",
}

// coreEntry pairs a core's timing driver with the cluster-shared gmem
// subgraph it issues into, plus its topological position, for the run
// loop's per-cycle tick and end-of-run summary/metrics sampling.
type coreEntry struct {
	clusterID int
	coreID    int
	model     *core.TimingModel
	gmemSub   *gmem.Subgraph
}

var runCmd = &cobra.Command{
	Use:   "run [config.yaml]",
	Short: "Run a timing simulation for the configured number of cycles",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		switch logLevel {
		case 0:
			logrus.SetLevel(logrus.WarnLevel)
		case 1:
			logrus.SetLevel(logrus.InfoLevel)
		default:
			logrus.SetLevel(logrus.DebugLevel)
		}

		env := perflog.Init()

		cfg := config.Default()
		if len(args) == 1 {
			configPath = args[0]
		}
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				logrus.Fatalf("failed to load config: %v", err)
			}
			cfg = loaded
		}
		if cycles > 0 {
			cfg.Sim.Cycles = cycles
		}
		if numWarps > 0 {
			cfg.Sim.NumWarps = numWarps
		}
		if numCores > 0 {
			cfg.Sim.NumCores = numCores
		}
		if env.LogStats {
			cfg.PerfLog.Enabled = true
		}
		if env.StatsPeriod > 0 {
			cfg.PerfLog.Period = env.StatsPeriod
		}
		if env.PerfLogDir != "" {
			cfg.PerfLog.Dir = env.PerfLogDir
		}
		if genTrace {
			cfg.PerfLog.Enabled = true
		}
		if metricsAddr != "" {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Addr = metricsAddr
		} else if env.MetricsAddr != "" {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Addr = env.MetricsAddr
		}

		var metrics *perflog.Metrics
		if cfg.Metrics.Enabled {
			metrics = perflog.NewMetrics()
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
				logrus.Infof("metrics exporter listening on %s", cfg.Metrics.Addr)
				if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
					logrus.WithError(err).Warn("metrics exporter stopped")
				}
			}()
		}

		var run *perflog.Run
		if cfg.PerfLog.Enabled {
			r, err := perflog.NewRun(cfg.PerfLog.Dir, time.Now(), os.Getpid())
			if err != nil {
				logrus.Fatalf("failed to start perflog run: %v", err)
			}
			run = r
			logrus.Infof("perflog: writing run artifacts to %s", run.Dir())
		}

		if numLanes > 0 {
			logrus.Infof("num-lanes override: %d (consumed by the external functional core via the dpi package)", numLanes)
		}

		if binaryPath != "" {
			runDpiMode(cfg, binaryPath)
			logrus.Info("run complete")
			return
		}

		if cfg.Traffic.Enabled {
			runTrafficMode(cfg)
			logrus.Info("run complete")
			return
		}

		logrus.Infof("starting run: %d clusters x %d cores x %d warps, %d cycles",
			cfg.Sim.NumClusters, cfg.Sim.NumCores, cfg.Sim.NumWarps, cfg.Sim.Cycles)

		cores := make([]coreEntry, 0, cfg.Sim.NumClusters*cfg.Sim.NumCores)
		for clusterID := 0; clusterID < cfg.Sim.NumClusters; clusterID++ {
			gmemSub := gmem.NewSubgraph(cfg.Memory.Gmem, cfg.Sim.NumCores)
			for coreID := 0; coreID < cfg.Sim.NumCores; coreID++ {
				graph := core.NewGraph(coreID, gmemSub, cfg.CoreGraphConfig(), logrus.NewEntry(logrus.StandardLogger()))
				model := core.NewTimingModel(graph, cfg.Sim.NumWarps, logrus.NewEntry(logrus.StandardLogger()))
				cores = append(cores, coreEntry{clusterID: clusterID, coreID: coreID, model: model, gmemSub: gmemSub})
			}
		}

		for cycle := timeq.Cycle(1); cycle <= timeq.Cycle(cfg.Sim.Cycles); cycle++ {
			for _, c := range cores {
				c.model.Tick(cycle, nil)
			}
			if metrics != nil && uint64(cycle)%cfg.PerfLog.Period == 0 {
				sampleMetrics(metrics, cores)
			}
		}

		if run != nil {
			summary := perflog.BuildSummary(buildCoreSummaries(cores))
			if err := run.WriteSummary(summary); err != nil {
				logrus.WithError(err).Warn("failed to write summary.json")
			}
			if err := run.Close(); err != nil {
				logrus.WithError(err).Warn("failed to close perflog run")
			}
		}

		logrus.Info("run complete")
	},
}

// runDpiMode drives the dpi package's entry points in place of the
// normal per-core tick loop: --binary-path names a kernel for an
// external functional core to execute, so with no such core wired into
// this repo we fall back to walking every warp's PC forward
// straight-line, advancing the frontend each cycle purely to exercise
// the DPI timing boundary end to end.
func runDpiMode(cfg config.Config, binaryPath string) {
	log := logrus.NewEntry(logrus.StandardLogger())
	if err := dpi.Init(cfg, log); err != nil {
		logrus.Fatalf("dpi: %v", err)
	}
	defer dpi.Shutdown()

	logrus.Infof("starting dpi-driven run: binary=%s, %d warps, %d cycle budget",
		binaryPath, cfg.Sim.NumWarps, cfg.Sim.Cycles)

	ready := make([]bool, cfg.Sim.NumWarps)
	pcs := make([]uint64, cfg.Sim.NumWarps)
	for w := range ready {
		ready[w] = true
	}

	var cycle timeq.Cycle
	for cycle = 1; cycle <= timeq.Cycle(cfg.Sim.Cycles); cycle++ {
		bundle, err := dpi.FrontendAdvance(cycle, ready, pcs)
		if err != nil {
			logrus.Fatalf("dpi: frontend advance failed: %v", err)
		}
		for w, admitted := range bundle.FetchAdmitted {
			if admitted {
				// A real functional core would decode the fetched bits and
				// may redirect this PC on a taken branch; absent one, walk
				// straight-line so every warp keeps making fetch progress.
				pcs[w] += 4
			}
		}
	}
}

// runTrafficMode drives a standalone smem.Subgraph with the configured
// synthetic access patterns until every lane finishes every pattern,
// instead of the normal per-core instruction-driven tick loop — the
// traffic package's documented purpose (its package doc's "standalone SMEM
// timing experiments" use case, with no DPI-driven instruction stream).
func runTrafficMode(cfg config.Config) {
	log := logrus.NewEntry(logrus.StandardLogger())
	sub := smem.NewSubgraph(cfg.Memory.Smem, log)
	driver := traffic.NewSmemDriver(cfg.Traffic, sub, cfg.Memory.Smem, log)

	logrus.Infof("starting traffic-driven run: %d lanes, %d patterns, %d cycle budget",
		cfg.Traffic.NumLanes, driver.PatternCount(), cfg.Sim.Cycles)

	var cycle timeq.Cycle
	for cycle = 1; cycle <= timeq.Cycle(cfg.Sim.Cycles) && !driver.IsDone(); cycle++ {
		if cp := driver.Tick(cycle); cp != nil {
			logrus.Infof("traffic: pattern %q finished at cycle %d (%d cycles)", cp.PatternName, cp.FinishedCycle, cp.DurationCycles)
		}
	}

	if !driver.IsDone() {
		logrus.Warnf("traffic run exhausted its %d cycle budget before finishing", cfg.Sim.Cycles)
	}
	for _, cp := range driver.Checkpoints() {
		logrus.Infof("checkpoint: pattern=%q finished_cycle=%d duration=%d", cp.PatternName, cp.FinishedCycle, cp.DurationCycles)
	}
}

func sampleMetrics(metrics *perflog.Metrics, cores []coreEntry) {
	for _, c := range cores {
		label := fmt.Sprintf("%d.%d", c.clusterID, c.coreID)
		l0 := c.gmemSub.L0Stats(c.coreID)
		metrics.CacheHits.WithLabelValues(label, "l0").Add(float64(l0.Hits))
		metrics.CacheMisses.WithLabelValues(label, "l0").Add(float64(l0.Accesses - l0.Hits))
	}
}

func buildCoreSummaries(cores []coreEntry) []perflog.CorePerfSummary {
	summaries := make([]perflog.CorePerfSummary, 0, len(cores))
	for _, c := range cores {
		l0 := c.gmemSub.L0Stats(c.coreID)
		summaries = append(summaries, perflog.CorePerfSummary{
			CoreID:          c.coreID,
			GmemAccesses:    l0.Accesses,
			GmemHits:        l0.Hits,
			GmemCompletions: l0.Completed,
		})
	}
	return summaries
}

func Execute() {
	defer func() {
		if r := recover(); r != nil {
			logrus.Fatalf("cyclotron: %v", r)
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML run configuration")
	runCmd.Flags().StringVar(&binaryPath, "binary-path", "", "path to the kernel binary the external functional core executes")
	runCmd.Flags().IntVar(&numLanes, "num-lanes", 0, "override the configured lane count per warp (0 = use config)")
	runCmd.Flags().IntVar(&numWarps, "num-warps", 0, "override the configured warp count per core (0 = use config)")
	runCmd.Flags().IntVar(&numCores, "num-cores", 0, "override the configured core count per cluster (0 = use config)")
	runCmd.Flags().IntVar(&logLevel, "log", 1, "log verbosity: 0=warn, 1=info, 2=debug")
	runCmd.Flags().BoolVar(&genTrace, "gen-trace", false, "enable perflog CSV/summary trace output for this run")
	runCmd.Flags().Uint64Var(&cycles, "cycles", 0, "override the configured cycle count (0 = use config)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "enable the Prometheus exporter on this address")

	rootCmd.AddCommand(runCmd)
}
