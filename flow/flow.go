// Package flow implements the DAG of TimedNodes that Cyclotron's timing
// subgraphs are wired from: bounded Links carry completed work between
// nodes, and FlowGraph.Tick drains and delivers across every edge once per
// cycle, respecting per-edge retry backoff and routing predicates.
package flow

import (
	"github.com/sirupsen/logrus"

	"github.com/hansungk/cyclotron-sub000/timeq"
)

// NodeID identifies a node within a FlowGraph.
type NodeID int

// LinkID identifies an edge within a FlowGraph.
type LinkID int

// LinkBackpressureKind distinguishes why a Link rejected a push.
type LinkBackpressureKind int

const (
	LinkCapacityKind LinkBackpressureKind = iota
	LinkBytesKind
)

// LinkBackpressure reports why Link.TryPush failed.
type LinkBackpressure struct {
	Kind     LinkBackpressureKind
	Capacity uint32 // entry count for Capacity, byte limit for Bytes
}

type linkEntry[T any] struct {
	result    timeq.ServiceResult[T]
	sizeBytes uint32
}

func newLinkEntry[T any](result timeq.ServiceResult[T]) linkEntry[T] {
	return linkEntry[T]{result: result, sizeBytes: result.Ticket.SizeBytes()}
}

func (e linkEntry[T]) intoRequest() (timeq.ServiceRequest[T], timeq.Ticket) {
	return timeq.ServiceRequest[T]{Payload: e.result.Payload, SizeBytes: e.sizeBytes}, e.result.Ticket
}

func entryFromParts[T any](request timeq.ServiceRequest[T], ticket timeq.Ticket) linkEntry[T] {
	return linkEntry[T]{
		result:    timeq.ServiceResult[T]{Payload: request.Payload, Ticket: ticket},
		sizeBytes: request.SizeBytes,
	}
}

// Link is a bounded FIFO of completed service results sitting on an edge
// between two nodes, optionally capped on total bytes-in-flight in addition
// to entry count.
type Link[T any] struct {
	entriesCapacity int
	bytesCapacity   *uint32
	bytesInUse      uint32
	queue           []linkEntry[T]
}

// NewLink constructs a Link bounded only by entry count.
func NewLink[T any](entriesCapacity int) *Link[T] {
	return NewLinkWithByteLimit[T](entriesCapacity, nil)
}

// NewLinkWithByteLimit constructs a Link bounded by entry count and,
// optionally, total bytes in flight.
func NewLinkWithByteLimit[T any](entriesCapacity int, bytesCapacity *uint32) *Link[T] {
	if entriesCapacity <= 0 {
		panic("flow: link capacity must be > 0")
	}
	return &Link[T]{entriesCapacity: entriesCapacity, bytesCapacity: bytesCapacity}
}

func (l *Link[T]) Len() int      { return len(l.queue) }
func (l *Link[T]) IsEmpty() bool { return len(l.queue) == 0 }

func (l *Link[T]) canAccept(sizeBytes uint32) bool {
	if len(l.queue) >= l.entriesCapacity {
		return false
	}
	if l.bytesCapacity != nil && l.bytesInUse+sizeBytes > *l.bytesCapacity {
		return false
	}
	return true
}

func (l *Link[T]) tryPush(result timeq.ServiceResult[T]) error {
	sizeBytes := result.Ticket.SizeBytes()
	if len(l.queue) >= l.entriesCapacity {
		return &linkBackpressureError{LinkBackpressure{Kind: LinkCapacityKind, Capacity: uint32(l.entriesCapacity)}}
	}
	if l.bytesCapacity != nil && l.bytesInUse+sizeBytes > *l.bytesCapacity {
		return &linkBackpressureError{LinkBackpressure{Kind: LinkBytesKind, Capacity: *l.bytesCapacity}}
	}
	l.queue = append(l.queue, newLinkEntry(result))
	l.bytesInUse += sizeBytes
	return nil
}

type linkBackpressureError struct{ LinkBackpressure }

func (e *linkBackpressureError) Error() string { return "flow: link backpressure" }

func (l *Link[T]) popFront() (linkEntry[T], bool) {
	if len(l.queue) == 0 {
		return linkEntry[T]{}, false
	}
	entry := l.queue[0]
	l.queue = l.queue[1:]
	l.bytesInUse -= entry.sizeBytes
	return entry, true
}

func (l *Link[T]) pushFront(entry linkEntry[T]) {
	l.bytesInUse += entry.sizeBytes
	l.queue = append([]linkEntry[T]{entry}, l.queue...)
}

// EdgeStats accumulates lifetime flow-control counters for one edge.
type EdgeStats struct {
	EntriesPushed          uint64
	EntriesDelivered       uint64
	DownstreamBackpressure uint64
	LastDeliveryCycle      timeq.Cycle
	HasDelivered           bool
}

type edgePredicate[T any] func(T) bool

type edge[T any] struct {
	name            string
	buffer          *Link[T]
	src             NodeID
	dst             NodeID
	outputIdx       int
	stats           EdgeStats
	nextRetryCycle  timeq.Cycle
	predicate       edgePredicate[T]
}

// TimedNode is the interface every concrete timing stage (cache level,
// bank, LSU issue port, ...) implements so it can be wired into a
// FlowGraph.
type TimedNode[T any] interface {
	Name() string
	TryPut(now timeq.Cycle, request timeq.ServiceRequest[T]) (timeq.Ticket, error)
	Tick(now timeq.Cycle)
	PeekReady(now timeq.Cycle) (timeq.ServiceResult[T], bool)
	TakeReady(now timeq.Cycle) (timeq.ServiceResult[T], bool)
	Outstanding() int
}

type graphNode[T any] struct {
	name    string
	node    TimedNode[T]
	outputs []LinkID
	inputs  []LinkID
	routeFn func(T) int
}

// FlowGraph owns a DAG of TimedNodes connected by Links and drives the
// three-phase tick: advance every node, drain ready outputs into their
// edges (subject to routing and link capacity), then deliver queued edge
// entries into their destination node (subject to per-edge retry backoff).
type FlowGraph[T any] struct {
	nodes []graphNode[T]
	edges []edge[T]
	log   *logrus.Entry
}

// New constructs an empty FlowGraph. log may be nil, in which case
// backpressure events are not narrated.
func New[T any](log *logrus.Entry) *FlowGraph[T] {
	return &FlowGraph[T]{log: log}
}

// AddNode registers a node and returns its id.
func (g *FlowGraph[T]) AddNode(node TimedNode[T]) NodeID {
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, graphNode[T]{name: node.Name(), node: node})
	return id
}

func (g *FlowGraph[T]) connectInternal(src, dst NodeID, name string, buffer *Link[T], predicate edgePredicate[T]) LinkID {
	if int(src) >= len(g.nodes) || int(dst) >= len(g.nodes) {
		panic("flow: invalid node id")
	}
	id := LinkID(len(g.edges))
	outputIdx := len(g.nodes[src].outputs)
	g.edges = append(g.edges, edge[T]{
		name: name, buffer: buffer, src: src, dst: dst, outputIdx: outputIdx, predicate: predicate,
	})
	g.nodes[src].outputs = append(g.nodes[src].outputs, id)
	g.nodes[dst].inputs = append(g.nodes[dst].inputs, id)
	return id
}

// Connect wires an unconditional edge between src and dst.
func (g *FlowGraph[T]) Connect(src, dst NodeID, name string, buffer *Link[T]) LinkID {
	return g.connectInternal(src, dst, name, buffer, nil)
}

// ConnectFiltered wires an edge that only admits payloads for which
// predicate returns true — used when a node fans out to multiple
// destinations without an explicit route function (e.g. a bank's
// dual-ported read/write split).
func (g *FlowGraph[T]) ConnectFiltered(src, dst NodeID, name string, buffer *Link[T], predicate func(T) bool) LinkID {
	return g.connectInternal(src, dst, name, buffer, predicate)
}

// SetRouteFn installs an explicit output-index router on a node: when set,
// it takes priority over any edge's filter predicate for selecting which
// outgoing edge a ready payload drains into.
func (g *FlowGraph[T]) SetRouteFn(nodeID NodeID, routeFn func(T) int) {
	if int(nodeID) < len(g.nodes) {
		g.nodes[nodeID].routeFn = routeFn
	}
}

// TryPut forwards a request directly into a node (used for graph entry
// points that are not fed by another node's output).
func (g *FlowGraph[T]) TryPut(nodeID NodeID, now timeq.Cycle, request timeq.ServiceRequest[T]) (timeq.Ticket, error) {
	return g.nodes[nodeID].node.TryPut(now, request)
}

// Tick advances every node, then drains ready outputs across all edges
// (respecting route_fn/predicate and link capacity), then delivers queued
// edge entries into their destination nodes (respecting per-edge retry
// backoff), re-queuing at the edge head on delivery failure.
func (g *FlowGraph[T]) Tick(now timeq.Cycle) {
	for i := range g.nodes {
		g.nodes[i].node.Tick(now)
	}

	for edgeID := range g.edges {
		src := g.edges[edgeID].src
		for {
			result, ok := g.nodes[src].node.PeekReady(now)
			if !ok {
				break
			}
			var shouldRoute bool
			if routeFn := g.nodes[src].routeFn; routeFn != nil {
				shouldRoute = routeFn(result.Payload) == g.edges[edgeID].outputIdx
			} else if pred := g.edges[edgeID].predicate; pred != nil {
				shouldRoute = pred(result.Payload)
			} else {
				shouldRoute = true
			}
			if !shouldRoute {
				break
			}
			if !g.edges[edgeID].buffer.canAccept(result.Ticket.SizeBytes()) {
				break
			}
			result, _ = g.nodes[src].node.TakeReady(now)
			if err := g.edges[edgeID].buffer.tryPush(result); err != nil {
				panic("flow: capacity checked prior to push")
			}
			g.edges[edgeID].stats.EntriesPushed++
		}
	}

	for edgeID := range g.edges {
		if now < g.edges[edgeID].nextRetryCycle {
			continue
		}
		dst := g.edges[edgeID].dst
		for {
			entry, ok := g.edges[edgeID].buffer.popFront()
			if !ok {
				g.edges[edgeID].nextRetryCycle = now
				break
			}

			request, ticket := entry.intoRequest()
			_, err := g.nodes[dst].node.TryPut(now, request)
			if err == nil {
				g.edges[edgeID].stats.EntriesDelivered++
				g.edges[edgeID].stats.LastDeliveryCycle = now
				g.edges[edgeID].stats.HasDelivered = true
				g.edges[edgeID].nextRetryCycle = now
				continue
			}

			var retryAt timeq.Cycle
			if bp, isBp := asBackpressureLike(err); isBp {
				retryAt = bp.retryAt(now)
				if g.log != nil {
					g.log.WithFields(logrus.Fields{
						"cycle": now,
						"edge":  g.edges[edgeID].name,
						"src":   g.nodes[g.edges[edgeID].src].name,
						"dst":   g.nodes[g.edges[edgeID].dst].name,
						"retry": retryAt,
					}).Debug("flow: edge delivery backpressure")
				}
				request = bp.intoRequestAny()
			} else {
				retryAt = timeq.NormalizeRetry(now, now)
			}

			restored := entryFromParts(request, ticket)
			g.edges[edgeID].buffer.pushFront(restored)
			g.edges[edgeID].stats.DownstreamBackpressure++
			g.edges[edgeID].nextRetryCycle = retryAt
			break
		}
	}
}

func asBackpressureLike[T any](err error) (bpAdapter[T], bool) {
	bp, ok := err.(*timeq.Backpressure[T])
	if !ok {
		return bpAdapter[T]{}, false
	}
	return bpAdapter[T]{bp: bp}, true
}

type bpAdapter[T any] struct {
	bp *timeq.Backpressure[T]
}

func (a bpAdapter[T]) retryAt(now timeq.Cycle) timeq.Cycle {
	if a.bp.Kind == timeq.BusyKind {
		return timeq.NormalizeRetry(now, a.bp.AvailableAt)
	}
	return timeq.NormalizeRetry(now, now)
}

func (a bpAdapter[T]) intoRequestAny() timeq.ServiceRequest[T] {
	return a.bp.IntoRequest()
}

// NodeName returns the registered name of a node.
func (g *FlowGraph[T]) NodeName(nodeID NodeID) string { return g.nodes[nodeID].name }

// EdgeStatsFor returns the accumulated stats for an edge.
func (g *FlowGraph[T]) EdgeStatsFor(linkID LinkID) EdgeStats { return g.edges[linkID].stats }

// TakeReady consumes the next ready completion directly from a node,
// bypassing any outgoing edges — used by callers that treat a node as a
// graph exit point (e.g. a subgraph's return-path node).
func (g *FlowGraph[T]) TakeReady(nodeID NodeID, now timeq.Cycle) (timeq.ServiceResult[T], bool) {
	return g.nodes[nodeID].node.TakeReady(now)
}

// WithNode runs f against the concrete node registered at nodeID, for
// callers that need to reach node-specific methods beyond the TimedNode
// interface (e.g. sampling a cache's per-bank stats).
func (g *FlowGraph[T]) WithNode(nodeID NodeID, f func(TimedNode[T])) {
	f(g.nodes[nodeID].node)
}

// NodeOutstanding reports how many requests are currently in flight at
// nodeID, used for utilization sampling (e.g. bank contention stats).
func (g *FlowGraph[T]) NodeOutstanding(nodeID NodeID) int {
	return g.nodes[nodeID].node.Outstanding()
}
