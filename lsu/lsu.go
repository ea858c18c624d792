// Package lsu implements the load-store unit's per-warp queueing and
// shared issue port: four queues per warp (global load/store, shared
// load/store) drain into a single issue server, with store-before-load
// ordering enforced per warp and address/store-data/load-data resource
// pools tracked independently of queue depth.
package lsu

import (
	"errors"

	"github.com/hansungk/cyclotron-sub000/flow"
	"github.com/hansungk/cyclotron-sub000/gmem"
	"github.com/hansungk/cyclotron-sub000/smem"
	"github.com/hansungk/cyclotron-sub000/timeq"
)

// Payload is the tagged union of requests the LSU can carry: exactly one
// of Gmem or Smem is set.
type Payload struct {
	Gmem    *gmem.Request
	Smem    *smem.Request
}

func FromGmem(req gmem.Request) Payload { return Payload{Gmem: &req} }
func FromSmem(req smem.Request) Payload { return Payload{Smem: &req} }

func (p Payload) Bytes() uint32 {
	switch {
	case p.Gmem != nil:
		if p.Gmem.Bytes == 0 {
			return 1
		}
		return p.Gmem.Bytes
	case p.Smem != nil:
		if p.Smem.Bytes == 0 {
			return 1
		}
		return p.Smem.Bytes
	default:
		return 1
	}
}

func (p Payload) Warp() int {
	switch {
	case p.Gmem != nil:
		return p.Gmem.Warp
	case p.Smem != nil:
		return p.Smem.Warp
	default:
		return 0
	}
}

// QueueKind identifies which of a warp's four queues a payload belongs
// in.
type QueueKind int

const (
	GlobalLoad QueueKind = iota
	GlobalStore
	SharedLoad
	SharedStore
)

func (p Payload) QueueKind() QueueKind {
	switch {
	case p.Gmem != nil:
		if p.Gmem.Kind.IsMem() && p.Gmem.IsLoad {
			return GlobalLoad
		}
		return GlobalStore
	case p.Smem != nil:
		if p.Smem.IsStore {
			return SharedStore
		}
		return SharedLoad
	default:
		return GlobalLoad
	}
}

func (p Payload) NeedsAddress() bool {
	if p.Gmem != nil {
		return p.Gmem.Kind.IsMem() || p.Gmem.Kind.IsFlushL0() || p.Gmem.Kind.IsFlushL1()
	}
	return p.Smem != nil
}

func (p Payload) NeedsStoreData() bool {
	if p.Gmem != nil {
		return p.Gmem.Kind.IsMem() && !p.Gmem.IsLoad
	}
	return p.Smem != nil && p.Smem.IsStore
}

func (p Payload) NeedsLoadData() bool {
	if p.Gmem != nil {
		return p.Gmem.Kind.IsMem() && p.Gmem.IsLoad
	}
	return p.Smem != nil && !p.Smem.IsStore
}

// Stats accumulates per-queue and aggregate issue/completion/reject
// counters.
type Stats struct {
	Issued                      uint64
	Completed                   uint64
	QueueFullRejects            uint64
	BusyRejects                 uint64
	GlobalLdqIssued             uint64
	GlobalStqIssued             uint64
	SharedLdqIssued             uint64
	SharedStqIssued             uint64
	GlobalLdqCompleted          uint64
	GlobalStqCompleted          uint64
	SharedLdqCompleted          uint64
	SharedStqCompleted          uint64
	GlobalLdqQueueFullRejects   uint64
	GlobalStqQueueFullRejects   uint64
	SharedLdqQueueFullRejects   uint64
	SharedStqQueueFullRejects   uint64
	GlobalLdqBusyRejects        uint64
	GlobalStqBusyRejects        uint64
	SharedLdqBusyRejects        uint64
	SharedStqBusyRejects        uint64
}

// Completion is delivered when a payload drains from the shared issue
// port.
type Completion struct {
	Request       Payload
	TicketReadyAt timeq.Cycle
	CompletedAt   timeq.Cycle
}

// Issue is returned by IssuePayload on successful admission.
type Issue struct {
	Ticket timeq.Ticket
}

// RejectReason distinguishes why IssuePayload rejected a request.
type RejectReason int

const (
	RejectBusy RejectReason = iota
	RejectQueueFull
)

// Reject carries the rejected payload back to the caller for retry.
type Reject struct {
	Request Payload
	RetryAt timeq.Cycle
	Reason  RejectReason
}

func (r *Reject) Error() string { return "lsu: request rejected" }

// QueueConfig holds the per-warp queue server configs.
type QueueConfig struct {
	GlobalLdq timeq.ServerConfig `yaml:"global_ldq"`
	GlobalStq timeq.ServerConfig `yaml:"global_stq"`
	SharedLdq timeq.ServerConfig `yaml:"shared_ldq"`
	SharedStq timeq.ServerConfig `yaml:"shared_stq"`
}

func queueCfg(entries int) timeq.ServerConfig {
	cfg := timeq.DefaultServerConfig()
	cfg.BaseLatency = 0
	cfg.BytesPerCycle = 1024
	cfg.QueueCapacity = entries
	cfg.CompletionsPerCycle = 1
	return cfg
}

// DefaultQueueConfig reproduces LsuQueueConfig::default().
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		GlobalLdq: queueCfg(8),
		GlobalStq: queueCfg(4),
		SharedLdq: queueCfg(4),
		SharedStq: queueCfg(2),
	}
}

// ResourceConfig bounds the independent address/store-data/load-data
// entry pools, consumed across all warps regardless of queue depth.
type ResourceConfig struct {
	AddressEntries   int `yaml:"address_entries"`
	StoreDataEntries int `yaml:"store_data_entries"`
	LoadDataEntries  int `yaml:"load_data_entries"`
}

// DefaultResourceConfig reproduces LsuResourceConfig::default().
func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{AddressEntries: 16, StoreDataEntries: 8, LoadDataEntries: 16}
}

// FlowConfig parameterizes an LsuSubgraph.
type FlowConfig struct {
	Queues       QueueConfig        `yaml:"queues"`
	Resources    ResourceConfig     `yaml:"resources"`
	Issue        timeq.ServerConfig `yaml:"issue"`
	LinkCapacity int                `yaml:"link_capacity"`
}

// DefaultFlowConfig reproduces LsuFlowConfig::default().
func DefaultFlowConfig() FlowConfig {
	issue := timeq.DefaultServerConfig()
	issue.BaseLatency = 1
	issue.BytesPerCycle = 1024
	issue.QueueCapacity = 1
	issue.CompletionsPerCycle = 1
	return FlowConfig{
		Queues:       DefaultQueueConfig(),
		Resources:    DefaultResourceConfig(),
		Issue:        issue,
		LinkCapacity: 4,
	}
}

type queueNode struct {
	name   string
	server *timeq.TimedServer[Payload]
}

func newQueueNode(name string, cfg timeq.ServerConfig) *queueNode {
	return &queueNode{name: name, server: timeq.New[Payload](cfg)}
}
func (n *queueNode) Name() string { return n.name }
func (n *queueNode) TryPut(now timeq.Cycle, req timeq.ServiceRequest[Payload]) (timeq.Ticket, error) {
	return n.server.TryEnqueue(now, req)
}
func (n *queueNode) Tick(now timeq.Cycle) { n.server.AdvanceReady(now) }
func (n *queueNode) PeekReady(now timeq.Cycle) (timeq.ServiceResult[Payload], bool) {
	return n.server.PeekReady(now)
}
func (n *queueNode) TakeReady(now timeq.Cycle) (timeq.ServiceResult[Payload], bool) {
	return n.server.PopReady(now)
}
func (n *queueNode) Outstanding() int { return n.server.Outstanding() }

type warpQueues struct {
	globalLdq flow.NodeID
	globalStq flow.NodeID
	sharedLdq flow.NodeID
	sharedStq flow.NodeID
}

// Subgraph owns the per-warp queue nodes, the shared issue node they
// drain into, and the address/store-data/load-data resource counters.
type Subgraph struct {
	graph               *flow.FlowGraph[Payload]
	issueNode           flow.NodeID
	queues              []warpQueues
	storePendingGlobal  []uint32
	storePendingShared  []uint32
	resources           ResourceConfig
	addressInUse        int
	storeInUse          int
	loadInUse           int
	stats               Stats
}

// NewSubgraph builds num_warps' worth of queue nodes feeding a single
// issue node, with shared queues wired ahead of global queues and loads
// wired ahead of stores (connection order determines drain priority in
// FlowGraph.Tick).
func NewSubgraph(config FlowConfig, numWarps int) *Subgraph {
	g := flow.New[Payload](nil)
	issueNode := g.AddNode(newQueueNode("lsu_issue", config.Issue))

	linkCap := config.LinkCapacity
	if linkCap <= 0 {
		linkCap = 1
	}

	queues := make([]warpQueues, numWarps)
	for warp := 0; warp < numWarps; warp++ {
		queues[warp] = warpQueues{
			globalLdq: g.AddNode(newQueueNode("lsu_global_ldq", config.Queues.GlobalLdq)),
			globalStq: g.AddNode(newQueueNode("lsu_global_stq", config.Queues.GlobalStq)),
			sharedLdq: g.AddNode(newQueueNode("lsu_shared_ldq", config.Queues.SharedLdq)),
			sharedStq: g.AddNode(newQueueNode("lsu_shared_stq", config.Queues.SharedStq)),
		}
	}

	for _, q := range queues {
		g.Connect(q.sharedLdq, issueNode, "lsu_shared_ldq->issue", flow.NewLink[Payload](linkCap))
	}
	for _, q := range queues {
		g.Connect(q.sharedStq, issueNode, "lsu_shared_stq->issue", flow.NewLink[Payload](linkCap))
	}
	for _, q := range queues {
		g.Connect(q.globalLdq, issueNode, "lsu_global_ldq->issue", flow.NewLink[Payload](linkCap))
	}
	for _, q := range queues {
		g.Connect(q.globalStq, issueNode, "lsu_global_stq->issue", flow.NewLink[Payload](linkCap))
	}

	return &Subgraph{
		graph:              g,
		issueNode:          issueNode,
		queues:             queues,
		storePendingGlobal: make([]uint32, numWarps),
		storePendingShared: make([]uint32, numWarps),
		resources:          config.Resources,
	}
}

// IssueGmem admits a global-memory request.
func (s *Subgraph) IssueGmem(now timeq.Cycle, request gmem.Request) (Issue, error) {
	return s.IssuePayload(now, FromGmem(request))
}

// IssueSmem admits a shared-memory request.
func (s *Subgraph) IssueSmem(now timeq.Cycle, request smem.Request) (Issue, error) {
	return s.IssuePayload(now, FromSmem(request))
}

// IssuePayload admits payload into its warp's appropriate queue, enforcing
// store-before-load ordering (a load is rejected Busy while an
// earlier store to the same address space is still pending for that
// warp) and the independent address/store-data resource pools.
func (s *Subgraph) IssuePayload(now timeq.Cycle, payload Payload) (Issue, error) {
	retryNext := now + 1
	kind := payload.QueueKind()

	if s.loadBlockedByStore(payload) {
		return Issue{}, &Reject{Request: payload, RetryAt: retryNext, Reason: RejectBusy}
	}
	if !s.canReserve(payload) {
		return Issue{}, &Reject{Request: payload, RetryAt: retryNext, Reason: RejectQueueFull}
	}

	warp := payload.Warp()
	nodeID, ok := s.queueNode(warp, kind)
	if !ok {
		return Issue{}, &Reject{Request: payload, RetryAt: retryNext, Reason: RejectQueueFull}
	}

	sizeBytes := payload.Bytes()
	ticket, err := s.graph.TryPut(nodeID, now, timeq.ServiceRequest[Payload]{Payload: payload, SizeBytes: sizeBytes})
	if err == nil {
		s.stats.Issued++
		s.recordIssued(kind)
		s.bumpStorePending(payload, true)
		if payload.NeedsAddress() {
			s.addressInUse++
		}
		if payload.NeedsStoreData() {
			s.storeInUse++
		}
		return Issue{Ticket: ticket}, nil
	}

	var bp *timeq.Backpressure[Payload]
	if !errors.As(err, &bp) {
		return Issue{}, err
	}
	if bp.Kind == timeq.BusyKind {
		s.stats.BusyRejects++
		s.recordBusyReject(kind)
		return Issue{}, &Reject{Request: bp.Request.Payload, RetryAt: timeq.NormalizeRetry(now, bp.AvailableAt), Reason: RejectBusy}
	}
	s.stats.QueueFullRejects++
	s.recordQueueFullReject(kind)
	return Issue{}, &Reject{Request: bp.Request.Payload, RetryAt: retryNext, Reason: RejectQueueFull}
}

// Tick advances every queue node and the shared issue node.
func (s *Subgraph) Tick(now timeq.Cycle) { s.graph.Tick(now) }

// Stats returns a copy of the accumulated counters.
func (s *Subgraph) Stats() Stats { return s.stats }

// ClearStats resets counters and in-use resource tallies.
func (s *Subgraph) ClearStats() {
	s.stats = Stats{}
	s.addressInUse = 0
	s.storeInUse = 0
	s.loadInUse = 0
}

// ReleaseIssueResources frees the address/store-data slots a completed
// payload was holding.
func (s *Subgraph) ReleaseIssueResources(payload Payload) {
	if payload.NeedsAddress() && s.addressInUse > 0 {
		s.addressInUse--
	}
	if payload.NeedsStoreData() && s.storeInUse > 0 {
		s.storeInUse--
	}
}

// CanReserveLoadData reports whether a load-data slot is available for
// payload without consuming one.
func (s *Subgraph) CanReserveLoadData(payload Payload) bool {
	if !payload.NeedsLoadData() {
		return true
	}
	return s.loadInUse < s.resources.LoadDataEntries
}

// ReserveLoadData consumes a load-data slot if available.
func (s *Subgraph) ReserveLoadData(payload Payload) bool {
	if !payload.NeedsLoadData() {
		return true
	}
	if s.loadInUse >= s.resources.LoadDataEntries {
		return false
	}
	s.loadInUse++
	return true
}

// ReleaseLoadData frees a load-data slot.
func (s *Subgraph) ReleaseLoadData(payload Payload) {
	if payload.NeedsLoadData() && s.loadInUse > 0 {
		s.loadInUse--
	}
}

// PeekReady reports the payload that would drain from the issue port
// without consuming it.
func (s *Subgraph) PeekReady(now timeq.Cycle) (Payload, bool) {
	var result timeq.ServiceResult[Payload]
	var ok bool
	s.graph.WithNode(s.issueNode, func(node flow.TimedNode[Payload]) {
		result, ok = node.PeekReady(now)
	})
	if !ok {
		return Payload{}, false
	}
	return result.Payload, true
}

// TakeReady consumes the next payload ready at the issue port.
func (s *Subgraph) TakeReady(now timeq.Cycle) (Completion, bool) {
	result, ok := s.graph.TakeReady(s.issueNode, now)
	if !ok {
		return Completion{}, false
	}
	s.stats.Completed++
	s.recordCompleted(result.Payload.QueueKind())
	s.bumpStorePending(result.Payload, false)
	return Completion{Request: result.Payload, TicketReadyAt: result.Ticket.ReadyAt(), CompletedAt: now}, true
}

func (s *Subgraph) queueNode(warp int, kind QueueKind) (flow.NodeID, bool) {
	if warp < 0 || warp >= len(s.queues) {
		return 0, false
	}
	q := s.queues[warp]
	switch kind {
	case GlobalLoad:
		return q.globalLdq, true
	case GlobalStore:
		return q.globalStq, true
	case SharedLoad:
		return q.sharedLdq, true
	case SharedStore:
		return q.sharedStq, true
	default:
		return 0, false
	}
}

func (s *Subgraph) loadBlockedByStore(payload Payload) bool {
	warp := payload.Warp()
	switch payload.QueueKind() {
	case GlobalLoad:
		return warp < len(s.storePendingGlobal) && s.storePendingGlobal[warp] > 0
	case SharedLoad:
		return warp < len(s.storePendingShared) && s.storePendingShared[warp] > 0
	default:
		return false
	}
}

func (s *Subgraph) bumpStorePending(payload Payload, increment bool) {
	warp := payload.Warp()
	var slot *uint32
	switch payload.QueueKind() {
	case GlobalStore:
		if warp < len(s.storePendingGlobal) {
			slot = &s.storePendingGlobal[warp]
		}
	case SharedStore:
		if warp < len(s.storePendingShared) {
			slot = &s.storePendingShared[warp]
		}
	}
	if slot == nil {
		return
	}
	if increment {
		*slot++
	} else if *slot > 0 {
		*slot--
	}
}

func (s *Subgraph) canReserve(payload Payload) bool {
	if payload.NeedsAddress() && s.addressInUse >= s.resources.AddressEntries {
		return false
	}
	if payload.NeedsStoreData() && s.storeInUse >= s.resources.StoreDataEntries {
		return false
	}
	return true
}

func (s *Subgraph) recordIssued(kind QueueKind) {
	switch kind {
	case GlobalLoad:
		s.stats.GlobalLdqIssued++
	case GlobalStore:
		s.stats.GlobalStqIssued++
	case SharedLoad:
		s.stats.SharedLdqIssued++
	case SharedStore:
		s.stats.SharedStqIssued++
	}
}

func (s *Subgraph) recordCompleted(kind QueueKind) {
	switch kind {
	case GlobalLoad:
		s.stats.GlobalLdqCompleted++
	case GlobalStore:
		s.stats.GlobalStqCompleted++
	case SharedLoad:
		s.stats.SharedLdqCompleted++
	case SharedStore:
		s.stats.SharedStqCompleted++
	}
}

func (s *Subgraph) recordQueueFullReject(kind QueueKind) {
	switch kind {
	case GlobalLoad:
		s.stats.GlobalLdqQueueFullRejects++
	case GlobalStore:
		s.stats.GlobalStqQueueFullRejects++
	case SharedLoad:
		s.stats.SharedLdqQueueFullRejects++
	case SharedStore:
		s.stats.SharedStqQueueFullRejects++
	}
}

func (s *Subgraph) recordBusyReject(kind QueueKind) {
	switch kind {
	case GlobalLoad:
		s.stats.GlobalLdqBusyRejects++
	case GlobalStore:
		s.stats.GlobalStqBusyRejects++
	case SharedLoad:
		s.stats.SharedLdqBusyRejects++
	case SharedStore:
		s.stats.SharedStqBusyRejects++
	}
}
