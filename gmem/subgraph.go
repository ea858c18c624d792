package gmem

import (
	"github.com/hansungk/cyclotron-sub000/timeq"

	"github.com/hansungk/cyclotron-sub000/cache"
	"github.com/hansungk/cyclotron-sub000/flow"
)

// Stats accumulates the per-bank/per-level access and reject counters the
// original's GmemStats tracks.
type Stats struct {
	Issued           uint64
	Completed        uint64
	QueueFullRejects uint64
	BusyRejects      uint64
	BytesIssued      uint64
	BytesCompleted   uint64
	Accesses         uint64
	Hits             uint64
}

func (s *Stats) recordAccess(bytes uint32) { s.Accesses++; s.BytesIssued += uint64(bytes) }
func (s *Stats) recordHit(bytes uint32)    { s.Hits++ }
func (s *Stats) recordQueueFullReject()    { s.QueueFullRejects++ }
func (s *Stats) recordCompletion(bytes uint32) {
	s.Completed++
	s.BytesCompleted += uint64(bytes)
}

// bank pairs an MSHR table with per-bank hit/access statistics, the timing
// analogue of a single cache bank's miss-status-handling hardware.
type bank struct {
	mshr  *cache.Table[Request]
	stats Stats
}

func newBank(mshrCapacity int) *bank {
	return &bank{mshr: cache.NewTable[Request](mshrCapacity)}
}

// layer owns one level's tag array plus its banks.
type layer struct {
	tags  *cache.TagArray
	banks []*bank
}

func newLayer(sets, ways, numBanks, mshrCapacity int) *layer {
	if numBanks < 1 {
		numBanks = 1
	}
	banks := make([]*bank, numBanks)
	for i := range banks {
		banks[i] = newBank(mshrCapacity)
	}
	return &layer{tags: cache.New(sets, ways), banks: banks}
}

func (l *layer) stats() Stats {
	var s Stats
	for _, b := range l.banks {
		s.Accesses += b.stats.Accesses
		s.Hits += b.stats.Hits
		s.QueueFullRejects += b.stats.QueueFullRejects
		s.BusyRejects += b.stats.BusyRejects
		s.Completed += b.stats.Completed
		s.BytesCompleted += b.stats.BytesCompleted
	}
	return s
}

// node ids for the reduced, stats-level topology this subgraph wires into
// the shared FlowGraph. Per-level internals (tag/data/mshr/refill split)
// are modeled analytically inside Issue/Tick rather than as individually
// wired flow nodes, trading some of the original's node-level granularity
// for a tractable Go port; the latency budget of every such internal stage
// is still charged via its ServerConfig's base_latency.
type topology struct {
	ingress    flow.NodeID
	l0         flow.NodeID
	l1         flow.NodeID
	l2         flow.NodeID
	dram       flow.NodeID
	returnPath flow.NodeID
}

// Subgraph is one cluster's global-memory timing subsystem: a layered
// L0 (per-core) / L1 (per-cluster, banked) / L2 (shared, banked) cache
// hierarchy sitting in front of a DRAM stage, wired as a FlowGraph so that
// backpressure and completion timing both flow through the generic
// TimedServer/Link machinery.
type Subgraph struct {
	graph      *flow.FlowGraph[Request]
	topologies []topology // one per core

	policy PolicyConfig

	l0 []*layer // per core
	l1 *layer   // shared within this cluster
	l2 *layer

	coreNextID []uint64
	coreStats  []Stats
}

// NewSubgraph builds the hierarchy and FlowGraph topology for numCores
// sharing one cluster-local L1/L2.
func NewSubgraph(config FlowConfig, numCores int) *Subgraph {
	p := config.Policy
	l0Sets, l0Ways := max1(p.L0Sets), max1(p.L0Ways)
	l1Sets, l1Ways := max1(p.L1Sets), max1(p.L1Ways)
	l2Sets, l2Ways := max1(p.L2Sets), max1(p.L2Ways)
	l1Banks, l2Banks := max1(p.L1Banks), max1(p.L2Banks)

	g := flow.New[Request](nil)
	l0 := make([]*layer, numCores)
	topologies := make([]topology, numCores)
	l1 := newLayer(l1Sets, l1Ways, l1Banks, p.L1MshrCapacity)
	l2 := newLayer(l2Sets, l2Ways, l2Banks, p.L2MshrCapacity)

	dram := g.AddNode(newStageNode("dram", config.Nodes.Dram))
	returnPath := g.AddNode(newStageNode("return_path", config.Nodes.ReturnPath))

	// exitIf picks a cache-level node's output: 1 is its edge to the return
	// path, 0 its edge to the next level down.
	exitIf := func(exit bool) int {
		if exit {
			return 1
		}
		return 0
	}

	for c := 0; c < numCores; c++ {
		l0[c] = newLayer(l0Sets, l0Ways, 1, p.L0MshrCapacity)
		ingress := g.AddNode(newStageNode("ingress", config.Nodes.Coalescer))
		l0Node := g.AddNode(newStageNode("l0", config.Nodes.L0dTag))
		l1Node := g.AddNode(newStageNode("l1", config.Nodes.L1Tag))
		l2Node := g.AddNode(newStageNode("l2", config.Nodes.L2Tag))
		g.Connect(ingress, l0Node, "ingress->l0", flow.NewLink[Request](config.Links.Default.Entries))
		g.Connect(l0Node, l1Node, "l0->l1", flow.NewLink[Request](config.Links.Default.Entries))
		g.Connect(l1Node, l2Node, "l1->l2", flow.NewLink[Request](config.Links.Default.Entries))
		g.Connect(l2Node, dram, "l2->dram", flow.NewLink[Request](config.Links.Default.Entries))
		g.Connect(dram, returnPath, "dram->return", flow.NewLink[Request](config.Links.Default.Entries))
		g.Connect(l0Node, returnPath, "l0->return", flow.NewLink[Request](config.Links.Default.Entries))
		g.Connect(l1Node, returnPath, "l1->return", flow.NewLink[Request](config.Links.Default.Entries))
		g.Connect(l2Node, returnPath, "l2->return", flow.NewLink[Request](config.Links.Default.Entries))
		// A request leaves for the return path at the level it hit (a flush
		// at the level it targets); every other request continues down.
		g.SetRouteFn(l0Node, func(r Request) int { return exitIf(r.L0Hit || r.Kind.IsFlushL0()) })
		g.SetRouteFn(l1Node, func(r Request) int { return exitIf(r.L1Hit || r.Kind.IsFlushL1()) })
		g.SetRouteFn(l2Node, func(r Request) int { return exitIf(r.L2Hit) })
		topologies[c] = topology{ingress: ingress, l0: l0Node, l1: l1Node, l2: l2Node, dram: dram, returnPath: returnPath}
	}

	return &Subgraph{
		graph:      g,
		topologies: topologies,
		policy:     p,
		l0:         l0,
		l1:         l1,
		l2:         l2,
		coreNextID: make([]uint64, numCores),
		coreStats:  make([]Stats, numCores),
	}
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// Issue admits request from coreID at the given cycle, resolving hit/miss
// and bank assignment deterministically and reserving an MSHR entry on a
// miss (merging onto an existing one where possible). Flush requests
// bypass the hit/miss pipeline entirely and are charged a fixed
// flush_bytes cost.
func (s *Subgraph) Issue(coreID int, now timeq.Cycle, request Request) (Issue, error) {
	if coreID < 0 || coreID >= len(s.topologies) {
		return Issue{}, &Reject{Request: request, RetryAt: now + 1, Reason: RejectQueueFull}
	}
	request.CoreID = coreID
	if request.ID == 0 {
		s.coreNextID[coreID]++
		request.ID = s.coreNextID[coreID]
	}

	if !request.Kind.IsMem() {
		request.Bytes = max1u32(s.policy.FlushBytes)
		request.L0Hit, request.L1Hit, request.L2Hit = false, false, false
		request.L1Writeback, request.L2Writeback = false, false
		request.L1Bank, request.L2Bank, request.LineAddr = 0, 0, 0
		return s.issueToGraph(coreID, now, request)
	}

	l0Line := lineAddr(request.Addr, s.policy.LineBytes)
	l1Line := l0Line
	l2Line := l0Line
	request.LineAddr = l2Line
	request.L1Bank = bankFor(l1Line, len(s.l1.banks), L1BankSeed)
	request.L2Bank = bankFor(l2Line, len(s.l2.banks), L2BankSeed)

	l0Hit := s.l0[coreID].tags.Probe(l0Line)
	s.l0[coreID].banks[0].stats.recordAccess(request.Bytes)
	if l0Hit {
		s.l0[coreID].banks[0].stats.recordHit(request.Bytes)
	}
	request.L0Hit = l0Hit

	if l0Hit {
		request.L1Hit, request.L2Hit = false, false
		request.L1Writeback, request.L2Writeback = false, false
	} else {
		l1Hit := s.l1.tags.Probe(l1Line)
		request.L1Hit = l1Hit
		s.l1.banks[request.L1Bank].stats.recordAccess(request.Bytes)
		if l1Hit {
			s.l1.banks[request.L1Bank].stats.recordHit(request.Bytes)
			request.L2Hit = false
		} else {
			l2Hit := s.l2.tags.Probe(l2Line)
			request.L2Hit = l2Hit
			s.l2.banks[request.L2Bank].stats.recordAccess(request.Bytes)
			if l2Hit {
				s.l2.banks[request.L2Bank].stats.recordHit(request.Bytes)
			}
		}

		if !request.L1Hit {
			l1Key := l1Line ^ uint64(coreID)*0xc2b2ae3d27d4eb4f ^ s.policy.Seed
			request.L1Writeback = decide(s.policy.L1WritebackRate, l1Key^0xD4D4D4D4D4D4D4D4)
		}
		if !request.L1Hit && !request.L2Hit {
			l2Key := l2Line ^ s.policy.Seed
			request.L2Writeback = decide(s.policy.L2WritebackRate, l2Key^0xE5E5E5E5E5E5E5E5)
		}
	}

	missLevel := missLevelOf(request)

	if missLevel == MissNone {
		return s.issueToGraph(coreID, now, request)
	}

	meta := MissMetadata{
		LineAddr: l2Line, L0Hit: request.L0Hit, L1Hit: request.L1Hit, L2Hit: request.L2Hit,
		L1Writeback: request.L1Writeback, L2Writeback: request.L2Writeback,
		L1Bank: request.L1Bank, L2Bank: request.L2Bank,
	}

	lineForLevel, bnk := s.missTarget(coreID, missLevel, l0Line, l1Line, l2Line, request.L1Bank, request.L2Bank)
	if bnk.mshr.HasEntry(lineForLevel) {
		readyAt, _ := bnk.mshr.MergeRequest(lineForLevel, request, applyMeta)
		if readyAt == 0 {
			readyAt = now + 1
		}
		return s.issueMerge(coreID, request.ID, now, readyAt, request.Bytes), nil
	}

	if !bnk.mshr.CanAllocate(lineForLevel) {
		bnk.stats.recordQueueFullReject()
		s.coreStats[coreID].recordQueueFullReject()
		return Issue{}, &Reject{Request: request, RetryAt: now + 1, Reason: RejectQueueFull}
	}
	if _, err := bnk.mshr.EnsureEntry(lineForLevel, meta); err != nil {
		s.coreStats[coreID].recordQueueFullReject()
		return Issue{}, &Reject{Request: request, RetryAt: now + 1, Reason: RejectQueueFull}
	}

	issue, err := s.issueToGraph(coreID, now, request)
	if err != nil {
		bnk.mshr.RemoveEntry(lineForLevel)
		return Issue{}, err
	}
	bnk.mshr.SetReadyAt(lineForLevel, issue.Ticket.ReadyAt())
	return issue, nil
}

// missLevelOf resolves the cache level at which request's line must be
// fetched, from the hit flags decided in Issue.
func missLevelOf(request Request) MissLevel {
	switch {
	case request.L0Hit:
		return MissNone
	case request.L1Hit:
		return MissL0
	case request.L2Hit:
		return MissL1
	default:
		return MissL2
	}
}

func applyMeta(meta MissMetadata, req *Request) {
	req.LineAddr = meta.LineAddr
	req.L0Hit, req.L1Hit, req.L2Hit = meta.L0Hit, meta.L1Hit, meta.L2Hit
	req.L1Writeback, req.L2Writeback = meta.L1Writeback, meta.L2Writeback
	req.L1Bank, req.L2Bank = meta.L1Bank, meta.L2Bank
}

func (s *Subgraph) missTarget(coreID int, level MissLevel, l0Line, l1Line, l2Line uint64, l1Bank, l2Bank int) (uint64, *bank) {
	switch level {
	case MissL0:
		return l0Line, s.l0[coreID].banks[0]
	case MissL1:
		return l1Line, s.l1.banks[l1Bank]
	default:
		return l2Line, s.l2.banks[l2Bank]
	}
}

func (s *Subgraph) issueToGraph(coreID int, now timeq.Cycle, request Request) (Issue, error) {
	top := s.topologies[coreID]
	ticket, err := s.graph.TryPut(top.ingress, now, timeq.ServiceRequest[Request]{Payload: request, SizeBytes: request.Bytes})
	if err != nil {
		s.coreStats[coreID].recordQueueFullReject()
		return Issue{}, &Reject{Request: request, RetryAt: now + 1, Reason: RejectQueueFull}
	}
	s.coreStats[coreID].Issued++
	s.coreStats[coreID].BytesIssued += uint64(request.Bytes)
	return Issue{RequestID: request.ID, Ticket: ticket}, nil
}

// issueMerge fabricates a completion for a secondary miss without routing
// it through the graph at all — it will complete when the primary miss's
// refill broadcasts, at the primary's ready_at.
func (s *Subgraph) issueMerge(coreID int, requestID uint64, now, readyAt timeq.Cycle, sizeBytes uint32) Issue {
	return Issue{RequestID: requestID, Ticket: timeq.SyntheticTicket(now, readyAt, sizeBytes)}
}

func max1u32(v uint32) uint32 {
	if v < 1 {
		return 1
	}
	return v
}

// Tick advances the FlowGraph and returns every completion that became
// ready this cycle, across all cores. Every drained request also applies
// its completion effects (tag fill on a genuine miss refill, invalidation
// on a flush) and, on a miss, releases the MSHR entry it held and
// broadcasts a completion for every request that had merged onto it.
func (s *Subgraph) Tick(now timeq.Cycle) []Completion {
	s.graph.Tick(now)
	var completions []Completion
	for c := range s.topologies {
		top := s.topologies[c]
		for {
			result, ok := s.graph.TakeReady(top.returnPath, now)
			if !ok {
				break
			}
			request := result.Payload
			s.pushCompletion(request.CoreID, &completions, request, now)
			s.applyCompletionEffects(request.CoreID, request)

			for _, merged := range s.drainMshrMerges(request.CoreID, request) {
				s.pushCompletion(merged.CoreID, &completions, merged, now)
				s.applyCompletionEffects(merged.CoreID, merged)
			}
		}
	}
	return completions
}

func (s *Subgraph) pushCompletion(coreID int, completions *[]Completion, request Request, now timeq.Cycle) {
	s.coreStats[coreID].recordCompletion(request.Bytes)
	*completions = append(*completions, Completion{
		Request:       request,
		TicketReadyAt: now,
		CompletedAt:   now,
	})
}

// applyCompletionEffects performs the side effects a completed request has
// on cache state: a flush invalidates the target level's tag array; an
// ordinary load fills every level it missed at (a hit level's tags are
// already resident and must not be re-filled, matching the original's
// fill-only-on-miss behavior).
func (s *Subgraph) applyCompletionEffects(coreID int, request Request) {
	if request.Kind.IsFlushL0() {
		s.l0[coreID].tags.InvalidateAll()
		return
	}
	if request.Kind.IsFlushL1() {
		s.l1.tags.InvalidateAll()
		return
	}
	if !request.Kind.IsMem() || !request.IsLoad {
		return
	}

	l0Line := lineAddr(request.Addr, s.policy.LineBytes)
	l1Line := l0Line
	l2Line := l0Line

	if !request.L0Hit {
		s.l0[coreID].tags.Fill(l0Line)
	}
	if !request.L1Hit {
		s.l1.tags.Fill(l1Line)
	}
	if !request.L2Hit {
		s.l2.tags.Fill(l2Line)
	}
}

// drainMshrMerges removes the MSHR entry request's line resolved against
// (if it missed) and returns every secondary-miss request that had merged
// onto it while the refill was in flight, so the caller can synthesize a
// completion for each.
func (s *Subgraph) drainMshrMerges(coreID int, request Request) []Request {
	if !request.Kind.IsMem() {
		return nil
	}
	missLevel := missLevelOf(request)
	if missLevel == MissNone {
		return nil
	}

	l0Line := lineAddr(request.Addr, s.policy.LineBytes)
	l1Line := l0Line
	l2Line := l0Line

	lineForLevel, bnk := s.missTarget(coreID, missLevel, l0Line, l1Line, l2Line, request.L1Bank, request.L2Bank)
	entry, ok := bnk.mshr.RemoveEntry(lineForLevel)
	if !ok {
		return nil
	}
	bnk.stats.recordCompletion(request.Bytes)
	for _, merged := range entry.Merged {
		bnk.stats.recordCompletion(merged.Bytes)
	}
	return entry.Merged
}

// StatsFor returns the per-core issue/completion counters.
func (s *Subgraph) StatsFor(coreID int) Stats { return s.coreStats[coreID] }

// L0Stats, L1Stats, L2Stats return aggregated per-level hit/access
// statistics, supplementing the aggregate issue counters with the
// per-level breakdown the original's GmemHierarchy::per_level_stats
// exposes.
func (s *Subgraph) L0Stats(coreID int) Stats { return s.l0[coreID].stats() }
func (s *Subgraph) L1Stats() Stats           { return s.l1.stats() }
func (s *Subgraph) L2Stats() Stats           { return s.l2.stats() }
