package dpi

import (
	"fmt"

	"github.com/hansungk/cyclotron-sub000/core"
	"github.com/hansungk/cyclotron-sub000/gmem"
	"github.com/hansungk/cyclotron-sub000/smem"
	"github.com/hansungk/cyclotron-sub000/timeq"
)

// ResourceKind classifies which timed subsystem an IssueRequest targets.
// The original's cyclotron_backend_rs decodes this from the instruction's
// opcode/opext fields (DecodedInst); this repo's timing model has no
// decoder, so the caller — the external functional core — classifies the
// instruction itself and hands the classification across the boundary.
type ResourceKind int

const (
	ResourceALU ResourceKind = iota
	ResourceSFU
	ResourceGmem
	ResourceSmem
	ResourceTensor
	ResourceDma
	ResourceBarrier
	ResourceFence
)

// IssueRequest is the DPI backend-issue entry point's input: the Go
// analog of cyclotron_backend_rs's flat issue_* parameter list, collapsed
// into one struct with a discriminated payload per ResourceKind instead
// of one pointer-per-field.
type IssueRequest struct {
	Warp  int
	PC    uint64
	Tmask uint32
	Kind  ResourceKind

	Gmem *gmem.Request // set when Kind == ResourceGmem
	Smem *smem.Request // set when Kind == ResourceSmem

	DmaBytes  uint32 // set when Kind == ResourceDma
	BarrierID uint32 // set when Kind == ResourceBarrier

	// SFU/tensor bookkeeping, passed through to core.Scheduler.SFU.
	FirstLane  int
	ExecUnit   core.ExecUnitKind
	IssuedInst uint64
	RS1Vec     []uint64
	RS2Vec     []uint64
}

// WritebackBundle is the DPI backend-issue entry point's output: the Go
// analog of cyclotron_backend_rs's writeback_* out-parameters. Valid is
// false when the issuing warp produced no writeback this cycle (the
// instruction is still in flight, or was rejected by backpressure and
// must be retried), matching the original's early "writeback_valid = 0"
// return.
type WritebackBundle struct {
	Valid bool
	PC    uint64
	Tmask uint32
	Warp  int

	SetPCValid bool
	SetPC      uint64

	SetTmaskValid bool
	SetTmask      uint32

	WspawnValid bool
	WspawnCount uint32
	WspawnPC    uint64

	IpdomValid        bool
	IpdomRestoredMask uint32
	IpdomElseMask     uint32
	IpdomElsePC       uint64

	// Finished mirrors the original's tohost-derived finish signal. This
	// repo's timing model has no MMIO/tohost detection of its own — that
	// is functional-core behavior — so Finished is always false here; the
	// external functional core is responsible for signalling completion.
	Finished bool
}

// BackendIssue is the DPI "backend-issue" entry point, grounded on
// cyclotron_backend_rs: it admits req into the timed subsystem its Kind
// names, ticks the model one cycle, and returns the writeback bundle
// produced by whatever Scheduler callbacks (TakeBranch, ClearResourceWait,
// ReplayInstruction, SFU) that tick triggered for req.Warp.
func BackendIssue(now timeq.Cycle, req IssueRequest) (WritebackBundle, error) {
	cellMu.Lock()
	defer cellMu.Unlock()
	ctx, err := currentContext()
	if err != nil {
		return WritebackBundle{}, err
	}

	if err := issueInto(ctx, now, req); err != nil {
		return WritebackBundle{}, err
	}

	ctx.pendingWarp = req.Warp
	// Gmem, smem and fence instructions retire on a later cycle, through the
	// ClearResourceWait callback their completion triggers.
	inFlight := req.Kind == ResourceGmem || req.Kind == ResourceSmem || req.Kind == ResourceFence
	ctx.pendingWriteback = WritebackBundle{Warp: req.Warp, PC: req.PC, Tmask: req.Tmask, Valid: !inFlight}
	ctx.hasPending = true

	ctx.model.Tick(now, ctx)

	wb := ctx.pendingWriteback
	ctx.hasPending = false
	return wb, nil
}

func issueInto(ctx *Context, now timeq.Cycle, req IssueRequest) error {
	switch req.Kind {
	case ResourceALU:
		// Pure ALU instructions carry no timed resource of their own in
		// this model beyond ExecutePipeline, which Tick drives
		// unconditionally every cycle; nothing to admit here.
		return nil
	case ResourceSFU:
		ctx.SFU(req.Warp, req.FirstLane, req.ExecUnit, req.IssuedInst, req.RS1Vec, req.RS2Vec)
		return nil
	case ResourceGmem:
		if req.Gmem == nil {
			return fmt.Errorf("dpi: ResourceGmem issue requires Gmem")
		}
		_, err := ctx.model.IssueGmemRequest(*req.Gmem)
		return err
	case ResourceSmem:
		if req.Smem == nil {
			return fmt.Errorf("dpi: ResourceSmem issue requires Smem")
		}
		_, err := ctx.model.IssueSmemRequest(*req.Smem)
		return err
	case ResourceTensor:
		_, err := ctx.graph.Tensor.TryIssue(now, req.Warp)
		return err
	case ResourceDma:
		_, err := ctx.graph.Dma.TryIssue(now, req.Warp, req.DmaBytes)
		return err
	case ResourceBarrier:
		_, _, err := ctx.graph.Barrier.Arrive(now, req.Warp, req.BarrierID)
		return err
	case ResourceFence:
		_, err := ctx.graph.Fence.TryIssue(now, req.Warp)
		return err
	default:
		return fmt.Errorf("dpi: unknown ResourceKind %d", req.Kind)
	}
}

// The core.Scheduler implementation below lets Context stand in for the
// external warp scheduler during the single Tick BackendIssue drives:
// TimingModel.Tick reports the outcome of the instruction BackendIssue
// just admitted through these callbacks rather than return values,
// exactly as it does for any other Scheduler it is given (cmd/root.go's
// per-core loop passes none). Context only records callbacks that
// target the warp BackendIssue is currently issuing for; every other
// warp's callback this cycle is silently ignored, since no other warp
// has a pending DPI caller waiting on it.

func (c *Context) recordFor(warp int) bool { return c.hasPending && warp == c.pendingWarp }

// Schedule is never called by TimingModel.Tick (it only calls
// ClearResourceWait/ReplayInstruction on its scheduler, never warp
// selection), so
// this always reports nothing ready; BackendIssue's caller already
// decided which warp/instruction to issue before calling in.
func (c *Context) Schedule(warp int) (core.Schedule, bool) { return core.Schedule{}, false }

func (c *Context) SetResourcePending(warp int, pending bool) {
	if pending && c.recordFor(warp) {
		c.pendingWriteback.Valid = false
	}
}

func (c *Context) SetResourceWaitUntil(warp int, until *timeq.Cycle) {
	if until != nil && c.recordFor(warp) {
		c.pendingWriteback.Valid = false
	}
}

func (c *Context) ClearResourceWait(warp int) {
	if c.recordFor(warp) {
		c.pendingWriteback.Valid = true
	}
}

func (c *Context) ReplayInstruction(warp int) {
	if c.recordFor(warp) {
		c.pendingWriteback.Valid = false
	}
}

func (c *Context) TakeBranch(warp int, target uint64) {
	if c.recordFor(warp) {
		c.pendingWriteback.SetPCValid = true
		c.pendingWriteback.SetPC = target
	}
}

func (c *Context) SFU(warp int, firstLane int, kind core.ExecUnitKind, issuedInst uint64, rs1Vec, rs2Vec []uint64) {
	// Bookkeeping only: the real scheduler tracks in-flight SFU lanes
	// against ExecutePipeline completions. Context has no such tracking
	// table of its own since BackendIssue's caller already knows which
	// instruction it issued.
}
