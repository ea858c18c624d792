// Package dpi implements the four external-collaborator entry points
// spec.md §6 names as the boundary between this timing model and a
// verification harness driving an external functional core: an
// initialization routine that builds the simulator once, an
// instruction-fetch peek, a frontend advance that exposes the per-warp
// decoded-instruction buffer, and a backend-issue call that accepts a
// decoded bundle and returns a writeback bundle.
//
// The original DPI glue this is grounded on (dpi/mod.rs, dpi/backend_model.rs)
// exposes these as #[no_mangle] functions taking raw pointer arrays behind a
// global RwLock<Option<Context>> singleton, because its caller is Verilog
// across a language boundary. Go has no such boundary to cross: this package
// keeps the same "construct once, call repeatedly" singleton shape — a
// package-level *Context guarded by sync.RWMutex — but replaces raw pointers
// with plain Go slices and structs, matching spec.md §6's "arrays of length
// num_warps or num_lanes" parameter convention without needing unsafe.
package dpi

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hansungk/cyclotron-sub000/config"
	"github.com/hansungk/cyclotron-sub000/core"
	"github.com/hansungk/cyclotron-sub000/gmem"
)

// Context is the single simulator instance a DPI session drives, the Go
// analog of dpi/mod.rs's Context{sim_isa, sim_be}. Unlike the original,
// which keeps two independent Sim instances (one golden ISA model, one
// timing-accurate backend model) to avoid double-executing against gmem,
// this repo has no functional ISA model at all — only the timing
// substrate — so a single Graph/TimingModel pair is enough; there is no
// second instance to keep in sync.
type Context struct {
	graph *core.Graph
	model *core.TimingModel
	log   *logrus.Entry

	// pendingWarp/pendingWriteback accumulate the Scheduler callbacks
	// TimingModel.Tick issues during the Tick driven by BackendIssue, so
	// that call can fold them into the WritebackBundle it returns. See
	// backend.go.
	pendingWarp      int
	pendingWriteback WritebackBundle
	hasPending       bool
}

var (
	cellMu sync.RWMutex
	cell   *Context
)

// Init constructs the simulator from cfg and installs it as the package
// singleton. It is an error to call Init twice without Shutdown, matching
// cyclotron_init_rs's "DPI context already initialized!" panic — except
// here the caller gets an error back rather than a crash, since nothing
// in this entry point's contract requires the harder failure mode.
func Init(cfg config.Config, log *logrus.Entry) error {
	cellMu.Lock()
	defer cellMu.Unlock()
	if cell != nil {
		return fmt.Errorf("dpi: context already initialized")
	}

	// Single cluster, single core: the original asserts this explicitly
	// (assert_single_core) and every DPI entry point indexes
	// top.clusters[0].cores[0] directly; a verification harness drives
	// exactly one core through this boundary.
	gmemSub := gmem.NewSubgraph(cfg.Memory.Gmem, 1)
	graph := core.NewGraph(0, gmemSub, cfg.CoreGraphConfig(), log)
	model := core.NewTimingModel(graph, cfg.Sim.NumWarps, log)

	cell = &Context{graph: graph, model: model, log: log}
	return nil
}

// Shutdown releases the package singleton so a later Init call may
// succeed. Useful for tests that construct and tear down multiple DPI
// sessions in one process.
func Shutdown() {
	cellMu.Lock()
	defer cellMu.Unlock()
	cell = nil
}

func currentContext() (*Context, error) {
	if cell == nil {
		return nil, fmt.Errorf("dpi: context not initialized")
	}
	return cell, nil
}

// Graph exposes the underlying core.Graph for callers (tests, metrics
// sampling) that need direct access to subsystem state the four DPI
// entry points don't surface. It is not itself one of spec.md §6's named
// entry points.
func Graph() (*core.Graph, error) {
	cellMu.RLock()
	defer cellMu.RUnlock()
	return currentContext()
}
