// Package core composes the gmem, smem, and lsu subgraphs into the
// per-core timing driver: CoreGraph owns one of each subsystem for a
// single core, and CoreTimingModel drives them forward one cycle at a
// time, routing LSU completions back to their originating subsystem's
// resource-release hooks and sampling SMEM bank contention each cycle.
package core

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/hansungk/cyclotron-sub000/gmem"
	"github.com/hansungk/cyclotron-sub000/lsu"
	"github.com/hansungk/cyclotron-sub000/smem"
	"github.com/hansungk/cyclotron-sub000/timeq"
)

// GraphConfig bundles every per-core subsystem config (gmem is shared
// across every core in a cluster, so NewGraph takes a pre-constructed
// *gmem.Subgraph rather than a config). This is CoreGraphConfig from
// spec.md §6, with MemoryConfig/ComputeConfig/IoConfig flattened to a
// single struct since Go has no use for the original's nested config
// modules beyond documentation grouping.
type GraphConfig struct {
	Smem         smem.FlowConfig
	Lsu          lsu.FlowConfig
	Icache       IcacheFlowConfig
	Writeback    WritebackConfig
	OperandFetch OperandFetchConfig
	Tensor       TensorConfig
	Dma          DmaConfig
	Barrier      BarrierConfig
	Fence        FenceConfig
	Execute      ExecuteConfig
	NumWarps     int
}

// DefaultGraphConfig returns the teacher-default per-core configuration.
func DefaultGraphConfig(numWarps int) GraphConfig {
	return GraphConfig{
		Smem:         smem.DefaultFlowConfig(),
		Lsu:          lsu.DefaultFlowConfig(),
		Icache:       DefaultIcacheFlowConfig(),
		Writeback:    DefaultWritebackConfig(),
		OperandFetch: DefaultOperandFetchConfig(),
		Tensor:       DefaultTensorConfig(),
		Dma:          DefaultDmaConfig(),
		Barrier:      DefaultBarrierConfig(),
		Fence:        DefaultFenceConfig(),
		Execute:      DefaultExecuteConfig(),
		NumWarps:     numWarps,
	}
}

// Graph owns one core's LSU, SMEM, and compute/io subgraphs, plus a
// reference to the cluster-shared gmem subgraph it issues into. This is
// the Go analog of the original's CoreGraph: a CoreSubgraph per named
// collaborator, ticked together by TimingModel.
type Graph struct {
	CoreID       int
	Gmem         *gmem.Subgraph
	Smem         *smem.Subgraph
	Lsu          *lsu.Subgraph
	Icache       *Icache
	Writeback    *Writeback
	OperandFetch *OperandFetch
	Tensor       *Tensor
	Dma          *Dma
	Barrier      *Barrier
	Fence        *Fence
	Execute      *ExecutePipeline
}

// NewGraph builds a core's subgraphs. gmemSubgraph is shared across every
// core in the owning cluster.
func NewGraph(coreID int, gmemSubgraph *gmem.Subgraph, config GraphConfig, log *logrus.Entry) *Graph {
	return &Graph{
		CoreID:       coreID,
		Gmem:         gmemSubgraph,
		Smem:         smem.NewSubgraph(config.Smem, log),
		Lsu:          lsu.NewSubgraph(config.Lsu, config.NumWarps),
		Icache:       NewIcache(config.Icache),
		Writeback:    NewWriteback(config.Writeback),
		OperandFetch: NewOperandFetch(config.OperandFetch),
		Tensor:       NewTensor(config.Tensor),
		Dma:          NewDma(config.Dma),
		Barrier:      NewBarrier(config.Barrier, config.NumWarps),
		Fence:        NewFence(config.Fence),
		Execute:      NewExecutePipeline(config.Execute),
	}
}

// StallState tracks, per warp, whether the warp is blocked awaiting a
// memory completion. The scheduler external-collaborator consults this
// before selecting a warp to issue.
type StallState struct {
	stalledUntilGmem []bool
	stalledUntilSmem []bool
}

func newStallState(numWarps int) *StallState {
	return &StallState{
		stalledUntilGmem: make([]bool, numWarps),
		stalledUntilSmem: make([]bool, numWarps),
	}
}

// IsStalled reports whether warp is blocked on an outstanding memory
// access.
func (s *StallState) IsStalled(warp int) bool {
	if warp < 0 {
		return false
	}
	if warp < len(s.stalledUntilGmem) && s.stalledUntilGmem[warp] {
		return true
	}
	if warp < len(s.stalledUntilSmem) && s.stalledUntilSmem[warp] {
		return true
	}
	return false
}

// TimingModel drives one core's Graph forward one cycle at a time:
// issuing LSU-admitted requests into gmem/smem, collecting their
// completions, releasing LSU resource reservations, and unstalling the
// issuing warp.
type TimingModel struct {
	graph   *Graph
	stalls  *StallState
	fetches fetchTracker
	now     timeq.Cycle
	log     *logrus.Entry
}

// NewTimingModel constructs a driver for graph with numWarps tracked for
// stall state.
func NewTimingModel(graph *Graph, numWarps int, log *logrus.Entry) *TimingModel {
	return &TimingModel{
		graph:   graph,
		stalls:  newStallState(numWarps),
		fetches: make(fetchTracker),
		log:     log,
	}
}

// fetchTracker tracks, per warp, the icache request id of an outstanding
// fetch, so AllowFetch can gate a warp on its own fetch rather than just
// memory stalls.
type fetchTracker map[int]uint64

// AllowFetch reports whether warp's instruction fetch at pc is admitted
// into the instruction cache this cycle. It returns false while a prior
// load/store from that warp is still outstanding, while the warp's
// previous fetch has not yet come back from the instruction cache, or
// when the instruction cache rejects the fetch. An admitted fetch whose
// line arrives on a later cycle sets the warp's resource wait on
// scheduler to that cycle, so the warp is not rescheduled until the fetch
// completes, per spec.md §4.6.
func (m *TimingModel) AllowFetch(now timeq.Cycle, warp int, pc uint64, scheduler Scheduler) bool {
	if m.stalls.IsStalled(warp) {
		return false
	}
	if id, ok := m.fetches[warp]; ok {
		if m.graph.Icache.IsInFlight(id) {
			return false
		}
		delete(m.fetches, warp)
	}

	id, readyAt, err := m.graph.Icache.TryFetch(now, warp, pc)
	if err != nil {
		if scheduler != nil {
			wait := timeq.NormalizeRetry(now, now+1)
			var bp *timeq.Backpressure[IcacheRequest]
			if errors.As(err, &bp) && bp.Kind == timeq.BusyKind {
				wait = timeq.NormalizeRetry(now, bp.AvailableAt)
			}
			scheduler.SetResourceWaitUntil(warp, &wait)
		}
		return false
	}
	if readyAt > now {
		m.fetches[warp] = id
		if scheduler != nil {
			scheduler.SetResourceWaitUntil(warp, &readyAt)
		}
	}
	return true
}

// IssueGmemRequest routes request through the LSU queues and, once the
// LSU drains it to the issue port, into the shared gmem subgraph. The
// warp stalls immediately if request.StallOnCompletion is set.
func (m *TimingModel) IssueGmemRequest(request gmem.Request) (lsu.Issue, error) {
	issue, err := m.graph.Lsu.IssueGmem(m.now, request)
	if err != nil {
		return lsu.Issue{}, err
	}
	if request.StallOnCompletion {
		m.setStalled(request.Warp, true, false)
	}
	return issue, nil
}

// IssueSmemRequest routes request through the LSU queues for later
// dispatch into the SMEM subgraph.
func (m *TimingModel) IssueSmemRequest(request smem.Request) (lsu.Issue, error) {
	issue, err := m.graph.Lsu.IssueSmem(m.now, request)
	if err != nil {
		return lsu.Issue{}, err
	}
	m.setStalled(request.Warp, false, true)
	return issue, nil
}

func (m *TimingModel) setStalled(warp int, gmemSide, smemSide bool) {
	if warp < 0 {
		return
	}
	if gmemSide && warp < len(m.stalls.stalledUntilGmem) {
		m.stalls.stalledUntilGmem[warp] = true
	}
	if smemSide && warp < len(m.stalls.stalledUntilSmem) {
		m.stalls.stalledUntilSmem[warp] = true
	}
}

// Tick drives the core's full memory/compute/io cycle, per spec.md §4.6:
// front-tick the standalone subgraphs (icache, tensor, dma, barrier,
// execute, operand fetch), dispatch LSU-admitted requests into gmem/smem,
// advance the gmem/smem graphs, route their completions into fence
// (flush-kind) or writeback (everything else), then tick fence/writeback
// and clear the originating warp's resource wait on scheduler once its
// writeback/fence has retired. scheduler may be nil for tests that only
// exercise the memory path directly.
func (m *TimingModel) Tick(now timeq.Cycle, scheduler Scheduler) {
	m.now = now

	m.graph.Icache.Tick(now)
	m.graph.Tensor.Tick(now, nil)
	m.graph.Dma.Tick(now, nil)
	m.graph.Barrier.Tick(now)
	m.graph.Execute.Tick(now, nil)
	m.graph.OperandFetch.Tick(now, nil)

	m.graph.Lsu.Tick(now)
	for {
		completion, ok := m.graph.Lsu.TakeReady(now)
		if !ok {
			break
		}
		m.dispatchFromLsu(now, completion.Request)
	}

	m.graph.Smem.SampleAndAccumulate()

	for _, c := range m.graph.Smem.Tick(now) {
		m.graph.Lsu.ReleaseIssueResources(lsu.FromSmem(c.Request))
		m.routeToWriteback(now, WritebackPayload{Warp: c.Request.Warp, Smem: true}, scheduler)
	}

	for _, c := range m.graph.Gmem.Tick(now) {
		m.graph.Lsu.ReleaseIssueResources(lsu.FromGmem(c.Request))
		if c.Request.Kind.IsFlushL0() || c.Request.Kind.IsFlushL1() {
			m.routeToFence(now, c.Request.Warp, scheduler)
		} else {
			m.routeToWriteback(now, WritebackPayload{Warp: c.Request.Warp, Gmem: true}, scheduler)
		}
	}

	m.graph.Writeback.Tick(now, func(p WritebackPayload) {
		m.clearStalled(p.Warp, p.Gmem, p.Smem)
		if scheduler != nil {
			scheduler.ClearResourceWait(p.Warp)
		}
	})
	m.graph.Fence.Tick(now, func(warp int) {
		m.clearStalled(warp, true, false)
		if scheduler != nil {
			scheduler.ClearResourceWait(warp)
		}
	})
}

// routeToWriteback admits a completed memory access into the writeback
// port; if the port itself is under backpressure the warp simply stays
// stalled until a later cycle's retry succeeds, mirroring
// CoreTimingModel's role as "the single retry authority for its core"
// from spec.md §7.
func (m *TimingModel) routeToWriteback(now timeq.Cycle, payload WritebackPayload, scheduler Scheduler) {
	if _, err := m.graph.Writeback.TryIssue(now, payload); err != nil {
		if scheduler != nil {
			scheduler.ReplayInstruction(payload.Warp)
		}
	}
}

// routeToFence is routeToWriteback's analog for flush completions.
func (m *TimingModel) routeToFence(now timeq.Cycle, warp int, scheduler Scheduler) {
	if _, err := m.graph.Fence.TryIssue(now, warp); err != nil {
		if scheduler != nil {
			scheduler.ReplayInstruction(warp)
		}
	}
}

func (m *TimingModel) dispatchFromLsu(now timeq.Cycle, payload lsu.Payload) {
	switch {
	case payload.Gmem != nil:
		if _, err := m.graph.Gmem.Issue(m.graph.CoreID, now, *payload.Gmem); err != nil {
			if m.log != nil {
				m.log.WithField("warp", payload.Gmem.Warp).Debug("core: gmem dispatch rejected, request dropped from LSU tracking")
			}
		}
	case payload.Smem != nil:
		if _, err := m.graph.Smem.Issue(now, *payload.Smem); err != nil {
			if m.log != nil {
				m.log.WithField("warp", payload.Smem.Warp).Debug("core: smem dispatch rejected, request dropped from LSU tracking")
			}
		}
	}
}

func (m *TimingModel) clearStalled(warp int, gmemSide, smemSide bool) {
	if warp < 0 {
		return
	}
	if gmemSide && warp < len(m.stalls.stalledUntilGmem) {
		m.stalls.stalledUntilGmem[warp] = false
	}
	if smemSide && warp < len(m.stalls.stalledUntilSmem) {
		m.stalls.stalledUntilSmem[warp] = false
	}
}
