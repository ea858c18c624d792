// Package perflog owns Cyclotron's persisted run artifacts: the
// summary.json / CSV trace streams spec.md §6 names, plus an optional
// Prometheus registry for live observation of a long run. It is the one
// package in this repo with a real I/O boundary (files, an HTTP metrics
// port); every other package only ever touches in-memory timing state.
package perflog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EnvConfig is read once at Init, mirroring spec.md §9's "global mutable
// state" note that environment variables are consulted exactly once per
// process rather than re-read per access.
type EnvConfig struct {
	LogStats       bool
	StatsPeriod    uint64
	PerfLogDir     string
	MetricsAddr    string
}

// Init reads CYCLOTRON_TIMING_LOG_STATS, CYCLOTRON_STATS_LOG_PERIOD, and
// CYCLOTRON_PERF_LOG_DIR per spec.md §6, plus the expansion's
// CYCLOTRON_METRICS_ADDR (SPEC_FULL.md §4.9/§6) for the optional
// Prometheus listener address. CLI flags, when given, take precedence
// over these at the call site — Init only establishes the environment's
// defaults.
func Init() EnvConfig {
	cfg := EnvConfig{PerfLogDir: "perflog", StatsPeriod: 1000}
	if v := os.Getenv("CYCLOTRON_TIMING_LOG_STATS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogStats = b
		}
	}
	if v := os.Getenv("CYCLOTRON_STATS_LOG_PERIOD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.StatsPeriod = n
		}
	}
	if v := os.Getenv("CYCLOTRON_PERF_LOG_DIR"); v != "" {
		cfg.PerfLogDir = v
	}
	if v := os.Getenv("CYCLOTRON_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	return cfg
}

// CorePerfSummary is one core's final counters, written into summary.json
// per spec.md §6.
type CorePerfSummary struct {
	CoreID          int    `json:"core_id"`
	GmemAccesses    uint64 `json:"gmem_accesses"`
	GmemHits        uint64 `json:"gmem_hits"`
	GmemCompletions uint64 `json:"gmem_completions"`
	SmemAccesses    uint64 `json:"smem_accesses"`
	IcacheHits      uint64 `json:"icache_hits"`
	IcacheMisses    uint64 `json:"icache_misses"`
}

// AggregatePerfSummary sums CorePerfSummary across every core in the run.
type AggregatePerfSummary struct {
	GmemAccesses    uint64 `json:"gmem_accesses"`
	GmemHits        uint64 `json:"gmem_hits"`
	GmemCompletions uint64 `json:"gmem_completions"`
	SmemAccesses    uint64 `json:"smem_accesses"`
	IcacheHits      uint64 `json:"icache_hits"`
	IcacheMisses    uint64 `json:"icache_misses"`
}

// Summary is the root of summary.json: {per_core: [...], total: ...}.
type Summary struct {
	PerCore []CorePerfSummary    `json:"per_core"`
	Total   AggregatePerfSummary `json:"total"`
}

// BuildSummary aggregates per-core summaries into the root Summary
// document written at the end of a run.
func BuildSummary(perCore []CorePerfSummary) Summary {
	var total AggregatePerfSummary
	for _, c := range perCore {
		total.GmemAccesses += c.GmemAccesses
		total.GmemHits += c.GmemHits
		total.GmemCompletions += c.GmemCompletions
		total.SmemAccesses += c.SmemAccesses
		total.IcacheHits += c.IcacheHits
		total.IcacheMisses += c.IcacheMisses
	}
	return Summary{PerCore: perCore, Total: total}
}

// Run owns one run's persisted directory (run_<ts>_<pid>/) and its four
// CSV streams, all opened with their header rows written by NewRun,
// matching spec.md §6's persisted state layout.
type Run struct {
	dir        string
	mu         sync.Mutex
	gmemTrace  *csvStream
	latencyLog *csvStream
	smemConf   *csvStream
	schedLog   *csvStream
}

type csvStream struct {
	file   *os.File
	writer *csv.Writer
	header []string
}

func newCSVStream(path string, header []string) (*csvStream, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	return &csvStream{file: f, writer: w, header: header}, nil
}

func (s *csvStream) writeRow(fields []string) error {
	if err := s.writer.Write(fields); err != nil {
		return err
	}
	s.writer.Flush()
	return s.writer.Error()
}

func (s *csvStream) Close() error {
	s.writer.Flush()
	return s.file.Close()
}

// NewRun creates run_<ts>_<pid>/ under root and opens its four CSV
// streams, each with the column tuple spec.md §6 specifies.
func NewRun(root string, now time.Time, pid int) (*Run, error) {
	dir := filepath.Join(root, fmt.Sprintf("run_%d_%d", now.Unix(), pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("perflog: mkdir %s: %w", dir, err)
	}

	gmemTrace, err := newCSVStream(filepath.Join(dir, "gmem_trace.csv"),
		[]string{"cycle", "event", "warp", "request_id", "bytes", "reason"})
	if err != nil {
		return nil, err
	}
	latencyLog, err := newCSVStream(filepath.Join(dir, "latency.csv"),
		[]string{"cycle", "core", "warp", "request_id", "bytes", "issue_at", "latency", "l0_hit", "l1_hit", "l2_hit"})
	if err != nil {
		return nil, err
	}
	smemConf, err := newCSVStream(filepath.Join(dir, "smem_conflicts.csv"),
		[]string{"cycle", "core", "warp", "request_id", "active_lanes", "unique_banks", "unique_subbanks", "conflict_lanes", "conflict_rate"})
	if err != nil {
		return nil, err
	}
	schedLog, err := newCSVStream(filepath.Join(dir, "scheduler_activity.csv"),
		[]string{"cycle", "active_warps", "eligible_warps", "issued_warps", "issue_width"})
	if err != nil {
		return nil, err
	}

	return &Run{dir: dir, gmemTrace: gmemTrace, latencyLog: latencyLog, smemConf: smemConf, schedLog: schedLog}, nil
}

// Dir returns the run's persisted directory path.
func (r *Run) Dir() string { return r.dir }

// LogGmemEvent appends one row to the gmem/smem access trace.
func (r *Run) LogGmemEvent(cycle uint64, event string, warp int, requestID uint64, bytes uint32, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gmemTrace.writeRow([]string{
		strconv.FormatUint(cycle, 10), event, strconv.Itoa(warp),
		strconv.FormatUint(requestID, 10), strconv.FormatUint(uint64(bytes), 10), reason,
	})
}

// LogLatency appends one row to the per-request latency histogram stream.
func (r *Run) LogLatency(cycle uint64, core, warp int, requestID uint64, bytes uint32, issueAt, latency uint64, l0Hit, l1Hit, l2Hit bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latencyLog.writeRow([]string{
		strconv.FormatUint(cycle, 10), strconv.Itoa(core), strconv.Itoa(warp),
		strconv.FormatUint(requestID, 10), strconv.FormatUint(uint64(bytes), 10),
		strconv.FormatUint(issueAt, 10), strconv.FormatUint(latency, 10),
		strconv.FormatBool(l0Hit), strconv.FormatBool(l1Hit), strconv.FormatBool(l2Hit),
	})
}

// LogSmemConflict appends one row to the SMEM bank-conflict stream.
func (r *Run) LogSmemConflict(cycle uint64, core, warp int, requestID uint64, activeLanes, uniqueBanks, uniqueSubbanks, conflictLanes int, conflictRate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.smemConf.writeRow([]string{
		strconv.FormatUint(cycle, 10), strconv.Itoa(core), strconv.Itoa(warp),
		strconv.FormatUint(requestID, 10), strconv.Itoa(activeLanes), strconv.Itoa(uniqueBanks),
		strconv.Itoa(uniqueSubbanks), strconv.Itoa(conflictLanes), strconv.FormatFloat(conflictRate, 'f', -1, 64),
	})
}

// LogSchedulerActivity appends one row to the scheduler activity stream.
func (r *Run) LogSchedulerActivity(cycle uint64, activeWarps, eligibleWarps, issuedWarps, issueWidth int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schedLog.writeRow([]string{
		strconv.FormatUint(cycle, 10), strconv.Itoa(activeWarps), strconv.Itoa(eligibleWarps),
		strconv.Itoa(issuedWarps), strconv.Itoa(issueWidth),
	})
}

// WriteSummary writes summary.json to the run directory.
func (r *Run) WriteSummary(summary Summary) error {
	f, err := os.Create(filepath.Join(r.dir, "summary.json"))
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// Close flushes and closes every open CSV stream.
func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range []*csvStream{r.gmemTrace, r.latencyLog, r.smemConf, r.schedLog} {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Metrics is Cyclotron's optional Prometheus surface: counters for
// cache hits/misses per level, gauges for MSHR occupancy and LSU
// resource-pool utilization, and a histogram for gmem/smem completion
// latency. It uses its own prometheus.Registry rather than the global
// DefaultRegisterer so a test (or a second Run in the same process) can
// construct more than one Metrics without a duplicate-registration panic
// — grounded on SPEC_FULL.md §4.9's Prometheus wiring decision.
type Metrics struct {
	Registry *prometheus.Registry

	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec
	MshrOccupancy *prometheus.GaugeVec
	LsuUtilization *prometheus.GaugeVec
	CompletionLatency *prometheus.HistogramVec
}

// NewMetrics constructs and registers Cyclotron's Prometheus collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Registry: registry,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyclotron",
			Name:      "cache_hits_total",
			Help:      "Cache hits per core and cache level.",
		}, []string{"core", "level"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyclotron",
			Name:      "cache_misses_total",
			Help:      "Cache misses per core and cache level.",
		}, []string{"core", "level"}),
		MshrOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cyclotron",
			Name:      "mshr_occupancy",
			Help:      "Outstanding MSHR entries per core and cache level.",
		}, []string{"core", "level"}),
		LsuUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cyclotron",
			Name:      "lsu_resource_pool_utilization",
			Help:      "Fraction of a per-core LSU resource pool currently in use.",
		}, []string{"core", "pool"}),
		CompletionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cyclotron",
			Name:      "completion_latency_cycles",
			Help:      "Cycles between issue and completion for gmem/smem requests.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"core", "subsystem"}),
	}
	registry.MustRegister(m.CacheHits, m.CacheMisses, m.MshrOccupancy, m.LsuUtilization, m.CompletionLatency)
	return m
}
