package gmem

import (
	"github.com/hansungk/cyclotron-sub000/timeq"
)

// stageNode adapts a timeq.TimedServer[Request] into a flow.TimedNode, the
// same one-line adapter role the original's ServerNode plays for every
// plain pass-through stage in a subgraph (tag probes, data arrays, flush
// gates, DRAM, the return path).
type stageNode struct {
	name   string
	server *timeq.TimedServer[Request]
}

func newStageNode(name string, cfg timeq.ServerConfig) *stageNode {
	return &stageNode{name: name, server: timeq.New[Request](cfg)}
}

func (n *stageNode) Name() string { return n.name }

func (n *stageNode) TryPut(now timeq.Cycle, req timeq.ServiceRequest[Request]) (timeq.Ticket, error) {
	return n.server.TryEnqueue(now, req)
}

func (n *stageNode) Tick(now timeq.Cycle) { n.server.AdvanceReady(now) }

func (n *stageNode) PeekReady(now timeq.Cycle) (timeq.ServiceResult[Request], bool) {
	return n.server.PeekReady(now)
}

func (n *stageNode) TakeReady(now timeq.Cycle) (timeq.ServiceResult[Request], bool) {
	return n.server.PopReady(now)
}

func (n *stageNode) Outstanding() int { return n.server.Outstanding() }

func (n *stageNode) Stats() timeq.ServerStats { return n.server.Stats() }
