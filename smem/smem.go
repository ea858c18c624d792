// Package smem implements the banked shared-memory timing subgraph: a
// lane input stage feeding an optional serializer, a per-bank crossbar,
// per-bank subbanks, and finally a bank server (optionally split into
// separate read/write ports).
package smem

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hansungk/cyclotron-sub000/flow"
	"github.com/hansungk/cyclotron-sub000/timeq"
)

// Request is one lane-resolved shared-memory access.
type Request struct {
	ID          uint64
	Warp        int
	Addr        uint64
	Bytes       uint32
	ActiveLanes uint32
	IsStore     bool
	Bank        int
	Subbank     int
}

// NewRequest constructs a Request with the bank already resolved by the
// caller (typically the LSU, which computes it from the per-lane address
// vector).
func NewRequest(warp int, bytes uint32, activeLanes uint32, isStore bool, bank int) Request {
	return Request{Warp: warp, Bytes: bytes, ActiveLanes: activeLanes, IsStore: isStore, Bank: bank}
}

// Completion is delivered once a request drains from its bank.
type Completion struct {
	Request       Request
	TicketReadyAt timeq.Cycle
	CompletedAt   timeq.Cycle
}

// Issue is returned on successful admission.
type Issue struct {
	RequestID uint64
	Ticket    timeq.Ticket
}

// RejectReason distinguishes why Subgraph.Issue rejected a request.
type RejectReason int

const (
	RejectBusy RejectReason = iota
	RejectQueueFull
)

// Reject carries the rejected request back to the caller for retry.
type Reject struct {
	Request Request
	RetryAt timeq.Cycle
	Reason  RejectReason
}

func (r *Reject) Error() string { return "smem: request rejected" }

// FlowConfig parameterizes the topology and per-stage timing.
type FlowConfig struct {
	Lane            timeq.ServerConfig `yaml:"lane"`
	Serial          timeq.ServerConfig `yaml:"serial"`
	Crossbar        timeq.ServerConfig `yaml:"crossbar"`
	Subbank         timeq.ServerConfig `yaml:"subbank"`
	Bank            timeq.ServerConfig `yaml:"bank"`
	DualPort        bool               `yaml:"dual_port"`
	NumBanks        int                `yaml:"num_banks"`
	NumLanes        int                `yaml:"num_lanes"`
	NumSubbanks     int                `yaml:"num_subbanks"`
	WordBytes       uint32             `yaml:"word_bytes"`
	SerializeCores  bool               `yaml:"serialize_cores"`
	LinkCapacity    int                `yaml:"link_capacity"`
	SmemLogPeriod   timeq.Cycle        `yaml:"smem_log_period"`
}

func serverCfg(baseLatency timeq.Cycle, bytesPerCycle uint32, queueCapacity int) timeq.ServerConfig {
	cfg := timeq.DefaultServerConfig()
	cfg.BaseLatency = baseLatency
	cfg.BytesPerCycle = bytesPerCycle
	cfg.QueueCapacity = queueCapacity
	return cfg
}

// DefaultFlowConfig reproduces SmemFlowConfig::default().
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		Lane:           serverCfg(0, 64, 8),
		Serial:         serverCfg(0, 64, 1),
		Crossbar:       serverCfg(1, 32, 32),
		Subbank:        serverCfg(1, 32, 16),
		Bank:           serverCfg(2, 64, 32),
		DualPort:       false,
		NumBanks:       1,
		NumLanes:       1,
		NumSubbanks:    1,
		WordBytes:      4,
		SerializeCores: false,
		LinkCapacity:   32,
		SmemLogPeriod:  1000,
	}
}

// UtilSample is a one-cycle snapshot of lane/bank occupancy.
type UtilSample struct {
	LaneBusy  int
	LaneTotal int
	BankBusy  int
	BankTotal int
}

// Stats accumulates SMEM issue/completion counters plus per-bank
// contention sampling.
type Stats struct {
	Issued            uint64
	Completed         uint64
	QueueFullRejects  uint64
	BusyRejects       uint64
	BytesIssued       uint64
	BytesCompleted    uint64
	Inflight          uint64
	MaxInflight       uint64
	SampleCycles      uint64
	BankBusySamples   []uint64
	BankAttempts      []uint64
	BankConflicts     []uint64
}

type passNode struct {
	name   string
	server *timeq.TimedServer[Request]
}

func newPassNode(name string, cfg timeq.ServerConfig) *passNode {
	return &passNode{name: name, server: timeq.New[Request](cfg)}
}
func (n *passNode) Name() string { return n.name }
func (n *passNode) TryPut(now timeq.Cycle, req timeq.ServiceRequest[Request]) (timeq.Ticket, error) {
	return n.server.TryEnqueue(now, req)
}
func (n *passNode) Tick(now timeq.Cycle) { n.server.AdvanceReady(now) }
func (n *passNode) PeekReady(now timeq.Cycle) (timeq.ServiceResult[Request], bool) {
	return n.server.PeekReady(now)
}
func (n *passNode) TakeReady(now timeq.Cycle) (timeq.ServiceResult[Request], bool) {
	return n.server.PopReady(now)
}
func (n *passNode) Outstanding() int { return n.server.Outstanding() }

// Subgraph owns the FlowGraph topology for one cluster's shared-memory
// path: lanes -> (optional serializer) -> per-bank crossbar -> subbanks ->
// bank (optionally read/write split).
type Subgraph struct {
	graph          *flow.FlowGraph[Request]
	laneNodes      []flow.NodeID
	serialNode     *flow.NodeID
	bankNodes      []flow.NodeID // one per bank, or 2*numBanks if dual-ported (read,write interleaved per bank handled via bankReadNodes/bankWriteNodes)
	bankReadNodes  []flow.NodeID
	bankWriteNodes []flow.NodeID
	dualPort       bool
	numLanes       int
	numBanks       int
	nextID         uint64
	stats          Stats
	log            *logrus.Entry
}

// NewSubgraph builds the topology described by config.
func NewSubgraph(config FlowConfig, log *logrus.Entry) *Subgraph {
	if config.NumBanks <= 0 {
		panic("smem: must have at least one bank")
	}
	if config.NumLanes <= 0 {
		panic("smem: must have at least one lane")
	}
	numSubbanks := config.NumSubbanks
	if numSubbanks < 1 {
		numSubbanks = 1
	}
	linkCap := config.LinkCapacity
	if linkCap <= 0 {
		linkCap = 1
	}

	g := flow.New[Request](log)
	laneNodes := make([]flow.NodeID, config.NumLanes)
	for i := range laneNodes {
		laneNodes[i] = g.AddNode(newPassNode(laneName(i), config.Lane))
	}

	var serialNode *flow.NodeID
	if config.SerializeCores {
		id := g.AddNode(newPassNode("smem_serial", config.Serial))
		serialNode = &id
		for _, laneNode := range laneNodes {
			g.Connect(laneNode, id, "lane->serial", flow.NewLink[Request](linkCap))
		}
	}

	crossbarNodes := make([]flow.NodeID, config.NumBanks)
	for b := range crossbarNodes {
		crossbarNodes[b] = g.AddNode(newPassNode(bankXbarName(b), config.Crossbar))
	}

	bankNodes := make([]flow.NodeID, 0, config.NumBanks)
	bankReadNodes := make([]flow.NodeID, 0, config.NumBanks)
	bankWriteNodes := make([]flow.NodeID, 0, config.NumBanks)

	numBanks := config.NumBanks
	for b := 0; b < config.NumBanks; b++ {
		bm := b
		bankFilter := func(r Request) bool { return r.Bank%numBanks == bm }
		if serialNode != nil {
			g.ConnectFiltered(*serialNode, crossbarNodes[b], "serial->xbar", flow.NewLink[Request](linkCap), bankFilter)
		} else {
			for _, laneNode := range laneNodes {
				g.ConnectFiltered(laneNode, crossbarNodes[b], "lane->xbar", flow.NewLink[Request](linkCap), bankFilter)
			}
		}

		subbanks := make([]flow.NodeID, numSubbanks)
		for sb := 0; sb < numSubbanks; sb++ {
			sm := sb
			node := g.AddNode(newPassNode(subbankName(b, sb), config.Subbank))
			g.ConnectFiltered(crossbarNodes[b], node, "xbar->subbank", flow.NewLink[Request](linkCap), func(r Request) bool {
				return r.Subbank%numSubbanks == sm
			})
			subbanks[sb] = node
		}

		if config.DualPort {
			readNode := g.AddNode(newPassNode(bankPortName(b, "r"), config.Bank))
			writeNode := g.AddNode(newPassNode(bankPortName(b, "w"), config.Bank))
			for _, sb := range subbanks {
				g.ConnectFiltered(sb, readNode, "subbank->bank_r", flow.NewLink[Request](linkCap), func(r Request) bool { return !r.IsStore })
				g.ConnectFiltered(sb, writeNode, "subbank->bank_w", flow.NewLink[Request](linkCap), func(r Request) bool { return r.IsStore })
			}
			bankReadNodes = append(bankReadNodes, readNode)
			bankWriteNodes = append(bankWriteNodes, writeNode)
			bankNodes = append(bankNodes, readNode, writeNode)
		} else {
			node := g.AddNode(newPassNode(bankName(b), config.Bank))
			for _, sb := range subbanks {
				g.Connect(sb, node, "subbank->bank", flow.NewLink[Request](linkCap))
			}
			bankNodes = append(bankNodes, node)
		}
	}

	return &Subgraph{
		graph:          g,
		laneNodes:      laneNodes,
		serialNode:     serialNode,
		bankNodes:       bankNodes,
		bankReadNodes:  bankReadNodes,
		bankWriteNodes: bankWriteNodes,
		dualPort:       config.DualPort,
		numLanes:       config.NumLanes,
		numBanks:       config.NumBanks,
		stats: Stats{
			BankBusySamples: make([]uint64, config.NumBanks),
			BankAttempts:    make([]uint64, config.NumBanks),
			BankConflicts:   make([]uint64, config.NumBanks),
		},
		log: log,
	}
}

func laneName(i int) string                  { return fmt.Sprintf("smem_lane%d", i) }
func bankXbarName(b int) string              { return fmt.Sprintf("smem_xbar%d", b) }
func subbankName(b, s int) string            { return fmt.Sprintf("smem_subbank%d_%d", b, s) }
func bankPortName(b int, port string) string { return fmt.Sprintf("smem_bank%d_%s", b, port) }
func bankName(b int) string                  { return fmt.Sprintf("smem_bank%d", b) }

// Issue admits request at the given cycle through the appropriate ingress
// (the serializer if configured, else the lane selected by warp % numLanes).
func (s *Subgraph) Issue(now timeq.Cycle, request Request) (Issue, error) {
	if request.ID == 0 {
		s.nextID++
		request.ID = s.nextID
	} else if request.ID >= s.nextID {
		s.nextID = request.ID + 1
	}

	ingress := s.laneNodes[int(uint64(request.Warp))%s.numLanes]
	if s.serialNode != nil {
		ingress = *s.serialNode
	}

	ticket, err := s.graph.TryPut(ingress, now, timeq.ServiceRequest[Request]{Payload: request, SizeBytes: request.Bytes})
	if err == nil {
		s.stats.Issued++
		s.stats.BytesIssued += uint64(request.Bytes)
		s.stats.Inflight++
		if s.stats.Inflight > s.stats.MaxInflight {
			s.stats.MaxInflight = s.stats.Inflight
		}
		return Issue{RequestID: request.ID, Ticket: ticket}, nil
	}

	var bp *timeq.Backpressure[Request]
	if !errors.As(err, &bp) {
		return Issue{}, err
	}
	s.recordBankAttemptAndConflict(request.Bank)
	if bp.Kind == timeq.BusyKind {
		s.stats.BusyRejects++
		return Issue{}, &Reject{Request: request, RetryAt: timeq.NormalizeRetry(now, bp.AvailableAt), Reason: RejectBusy}
	}
	s.stats.QueueFullRejects++
	return Issue{}, &Reject{Request: request, RetryAt: now + 1, Reason: RejectQueueFull}
}

func (s *Subgraph) recordBankAttemptAndConflict(bank int) {
	if len(s.stats.BankAttempts) == 0 {
		return
	}
	if bank < 0 || bank >= len(s.stats.BankAttempts) {
		bank = len(s.stats.BankAttempts) - 1
	}
	s.stats.BankAttempts[bank]++
	s.stats.BankConflicts[bank]++
}

// Tick advances the graph and collects every completion that drained from
// a bank node this cycle.
func (s *Subgraph) Tick(now timeq.Cycle) []Completion {
	s.graph.Tick(now)
	var completions []Completion
	for _, bankNode := range s.bankNodes {
		for {
			result, ok := s.graph.TakeReady(bankNode, now)
			if !ok {
				break
			}
			s.stats.Completed++
			s.stats.BytesCompleted += uint64(result.Ticket.SizeBytes())
			if s.stats.Inflight > 0 {
				s.stats.Inflight--
			}
			completions = append(completions, Completion{
				Request:       result.Payload,
				TicketReadyAt: result.Ticket.ReadyAt(),
				CompletedAt:   now,
			})
		}
	}
	return completions
}

// SampleUtilization reports current lane/bank occupancy, used by the
// owning CoreTimingModel to compute conflict metrics before issue.
func (s *Subgraph) SampleUtilization() UtilSample {
	laneBusy := 0
	for _, n := range s.laneNodes {
		if s.graph.NodeOutstanding(n) > 0 {
			laneBusy++
		}
	}
	bankBusy := 0
	for _, n := range s.bankNodes {
		if s.graph.NodeOutstanding(n) > 0 {
			bankBusy++
		}
	}
	return UtilSample{LaneBusy: laneBusy, LaneTotal: len(s.laneNodes), BankBusy: bankBusy, BankTotal: len(s.bankNodes)}
}

// SampleAndAccumulate records whether each bank is busy this cycle,
// building up the contention counters surfaced in Stats.
func (s *Subgraph) SampleAndAccumulate() {
	s.stats.SampleCycles++
	for b := 0; b < s.numBanks; b++ {
		busy := false
		if s.dualPort {
			if b < len(s.bankReadNodes) && s.graph.NodeOutstanding(s.bankReadNodes[b]) > 0 {
				busy = true
			}
			if b < len(s.bankWriteNodes) && s.graph.NodeOutstanding(s.bankWriteNodes[b]) > 0 {
				busy = true
			}
		} else if b < len(s.bankNodes) {
			busy = s.graph.NodeOutstanding(s.bankNodes[b]) > 0
		}
		if busy {
			s.stats.BankBusySamples[b]++
		}
	}
}

// StatsSnapshot returns a copy of the accumulated statistics.
func (s *Subgraph) StatsSnapshot() Stats { return s.stats }
