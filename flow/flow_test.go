package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansungk/cyclotron-sub000/timeq"
)

// passThroughNode wraps a timeq.TimedServer so it can be registered as a
// flow.TimedNode in tests without pulling in a concrete domain subgraph.
type passThroughNode struct {
	name   string
	server *timeq.TimedServer[int]
}

func newPassThroughNode(name string, cfg timeq.ServerConfig) *passThroughNode {
	return &passThroughNode{name: name, server: timeq.New[int](cfg)}
}

func (n *passThroughNode) Name() string { return n.name }
func (n *passThroughNode) TryPut(now timeq.Cycle, req timeq.ServiceRequest[int]) (timeq.Ticket, error) {
	return n.server.TryEnqueue(now, req)
}
func (n *passThroughNode) Tick(now timeq.Cycle) { n.server.AdvanceReady(now) }
func (n *passThroughNode) PeekReady(now timeq.Cycle) (timeq.ServiceResult[int], bool) {
	return n.server.PeekReady(now)
}
func (n *passThroughNode) TakeReady(now timeq.Cycle) (timeq.ServiceResult[int], bool) {
	return n.server.PopReady(now)
}
func (n *passThroughNode) Outstanding() int { return n.server.Outstanding() }

func TestFlowGraph_Tick_DeliversAcrossEdgeWhenReady(t *testing.T) {
	// GIVEN a graph with a base-latency-1 source node feeding a sink node
	g := New[int](nil)
	src := g.AddNode(newPassThroughNode("src", timeq.ServerConfig{BaseLatency: 1, BytesPerCycle: 1, QueueCapacity: 4, CompletionsPerCycle: ^uint32(0)}))
	dst := g.AddNode(newPassThroughNode("dst", timeq.DefaultServerConfig()))
	g.Connect(src, dst, "src->dst", NewLink[int](4))

	// WHEN a payload is admitted at cycle 0 and the graph ticks forward
	_, err := g.TryPut(src, 0, timeq.ServiceRequest[int]{Payload: 42, SizeBytes: 1})
	require.NoError(t, err)

	g.Tick(1) // src's ticket (ready at 0+1+1 = 2) has not matured yet
	g.Tick(2) // matures, drains into edge, delivers into dst, dst admits it

	// THEN the payload is now outstanding at the destination node
	dstNode := g.nodes[dst].node.(*passThroughNode)
	assert.Equal(t, 1, dstNode.Outstanding())
}

func TestFlowGraph_Tick_RequeuesOnDownstreamBackpressure(t *testing.T) {
	// GIVEN a destination node with queue capacity 1, already holding one request
	g := New[int](nil)
	src := g.AddNode(newPassThroughNode("src", timeq.ServerConfig{BaseLatency: 0, BytesPerCycle: 1, QueueCapacity: 4, CompletionsPerCycle: ^uint32(0)}))
	dst := g.AddNode(newPassThroughNode("dst", timeq.ServerConfig{BaseLatency: 100, BytesPerCycle: 1, QueueCapacity: 1, CompletionsPerCycle: ^uint32(0)}))
	g.Connect(src, dst, "src->dst", NewLink[int](4))

	dstNode := g.nodes[dst].node.(*passThroughNode)
	_, err := dstNode.server.TryEnqueue(0, timeq.ServiceRequest[int]{Payload: 1, SizeBytes: 1})
	require.NoError(t, err)

	// WHEN a second payload reaches the edge and the destination is full
	_, err = g.TryPut(src, 0, timeq.ServiceRequest[int]{Payload: 2, SizeBytes: 1})
	require.NoError(t, err)
	g.Tick(1)

	// THEN the edge reports downstream backpressure and retains the entry for retry
	stats := g.EdgeStatsFor(0)
	assert.GreaterOrEqual(t, stats.DownstreamBackpressure, uint64(1))
}

func TestFlowGraph_RouteFn_SelectsOutputByPayload(t *testing.T) {
	// GIVEN a source with two downstream edges selected by a parity route function
	g := New[int](nil)
	src := g.AddNode(newPassThroughNode("src", timeq.ServerConfig{BaseLatency: 0, BytesPerCycle: 1, QueueCapacity: 4, CompletionsPerCycle: ^uint32(0)}))
	evenDst := g.AddNode(newPassThroughNode("even", timeq.DefaultServerConfig()))
	oddDst := g.AddNode(newPassThroughNode("odd", timeq.DefaultServerConfig()))
	g.Connect(src, evenDst, "src->even", NewLink[int](4))
	g.Connect(src, oddDst, "src->odd", NewLink[int](4))
	g.SetRouteFn(src, func(v int) int {
		if v%2 == 0 {
			return 0
		}
		return 1
	})

	// WHEN an odd payload is admitted and the graph ticks
	_, err := g.TryPut(src, 0, timeq.ServiceRequest[int]{Payload: 7, SizeBytes: 1})
	require.NoError(t, err)
	g.Tick(1)
	g.Tick(2)

	// THEN it is routed to the odd destination, not the even one
	oddNode := g.nodes[oddDst].node.(*passThroughNode)
	evenNode := g.nodes[evenDst].node.(*passThroughNode)
	assert.Equal(t, 1, oddNode.Outstanding())
	assert.Equal(t, 0, evenNode.Outstanding())
}

func TestLink_CanAccept_RespectsByteLimit(t *testing.T) {
	// GIVEN a link with a byte capacity of 10
	limit := uint32(10)
	link := NewLinkWithByteLimit[int](4, &limit)

	// WHEN 8 bytes are pushed, then another push of 4 bytes is attempted
	err := link.tryPush(timeq.ServiceResult[int]{Payload: 1, Ticket: timeq.SyntheticTicket(0, 0, 8)})
	require.NoError(t, err)
	err = link.tryPush(timeq.ServiceResult[int]{Payload: 2, Ticket: timeq.SyntheticTicket(0, 0, 4)})

	// THEN the second push is rejected for exceeding the byte limit
	require.Error(t, err)
}
