package gmem

import "github.com/hansungk/cyclotron-sub000/timeq"

// RequestKind distinguishes the four operations the global-memory path
// carries: ordinary loads and stores, and the two flush operations a warp
// issues to push dirty L0/L1 lines out before a barrier or kernel exit.
type RequestKind int

const (
	Load RequestKind = iota
	Store
	FlushL0
	FlushL1
)

func (k RequestKind) IsMem() bool     { return k == Load || k == Store }
func (k RequestKind) IsFlushL0() bool { return k == FlushL0 }
func (k RequestKind) IsFlushL1() bool { return k == FlushL1 }

// Request is the payload carried through a cluster's gmem FlowGraph. Hit
// and writeback flags are decided once at admission (see Subgraph.Issue)
// and never change afterward; bank assignment is likewise computed once.
type Request struct {
	ID                 uint64
	CoreID             int
	ClusterID          int
	Warp               int
	Addr               uint64
	Bytes              uint32
	ActiveLanes        uint32
	IsLoad             bool
	StallOnCompletion  bool
	Kind               RequestKind
	LineAddr           uint64
	L0Hit              bool
	L1Hit              bool
	L2Hit              bool
	L1Writeback        bool
	L2Writeback        bool
	L1Bank             int
	L2Bank             int
}

// NewRequest constructs an ordinary load or store request. Loads stall the
// issuing warp on completion; stores (by default) do not.
func NewRequest(warp int, addr uint64, bytes uint32, activeLanes uint32, isLoad bool) Request {
	kind := Store
	if isLoad {
		kind = Load
	}
	return Request{
		Warp:              warp,
		Addr:              addr,
		Bytes:             bytes,
		ActiveLanes:       activeLanes,
		IsLoad:            isLoad,
		StallOnCompletion: isLoad,
		Kind:              kind,
	}
}

// NewFlushL0 constructs a flush-L0 request, which always stalls its warp
// until every dirty L0 line has been written back.
func NewFlushL0(warp int, bytes uint32) Request {
	return Request{Warp: warp, Bytes: bytes, StallOnCompletion: true, Kind: FlushL0}
}

// NewFlushL1 constructs a flush-L1 request.
func NewFlushL1(warp int, bytes uint32) Request {
	return Request{Warp: warp, Bytes: bytes, StallOnCompletion: true, Kind: FlushL1}
}

// Completion is delivered to the owning CoreTimingModel when a request (or
// a request merged onto another's MSHR entry) finishes.
type Completion struct {
	Request        Request
	TicketReadyAt  timeq.Cycle
	CompletedAt    timeq.Cycle
}

// Issue is returned by Subgraph.Issue on successful admission.
type Issue struct {
	RequestID uint64
	Ticket    timeq.Ticket
}

// RejectReason distinguishes why Subgraph.Issue rejected a request.
type RejectReason int

const (
	RejectQueueFull RejectReason = iota
	RejectBusy
)

// Reject is returned by Subgraph.Issue when admission fails; the caller
// retries the same Request no earlier than RetryAt.
type Reject struct {
	Request Request
	RetryAt timeq.Cycle
	Reason  RejectReason
}

func (r *Reject) Error() string { return "gmem: request rejected" }
