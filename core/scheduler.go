package core

import "github.com/hansungk/cyclotron-sub000/timeq"

// ExecUnitKind selects which of ExecutePipeline's independent timed units an
// SFU/ALU-class instruction is issued to.
type ExecUnitKind int

const (
	ExecALU ExecUnitKind = iota
	ExecIntMul
	ExecIntDiv
	ExecFP
	ExecSFU
)

// Schedule is what Scheduler.Schedule hands back for a warp selected to
// issue this cycle: the PC to fetch/decode and the active-lane mask of the
// instruction being issued.
type Schedule struct {
	PC         uint64
	ActiveMask uint32
}

// Scheduler is the external collaborator CoreTimingModel drives every
// cycle: it owns warp selection, branch/divergence state, and per-warp
// resource-wait bookkeeping. CoreTimingModel never selects a warp itself —
// it only reports backpressure (set_resource_pending/set_resource_wait_until)
// and the eventual retry (replay_instruction) back to whatever implements
// this interface, per spec.md §4.7.
type Scheduler interface {
	// Schedule returns the next instruction to issue for warp, or false if
	// warp has nothing ready (blocked on a resource wait, an empty
	// instruction buffer, or a pending resource).
	Schedule(warp int) (Schedule, bool)

	// SetResourcePending marks warp as waiting on a resource whose
	// completion cycle isn't known yet (e.g. an LSU admission still
	// retrying against backpressure). A pending warp is never scheduled.
	SetResourcePending(warp int, pending bool)

	// SetResourceWaitUntil blocks warp from being scheduled again before
	// cycle until. A nil until clears the wait.
	SetResourceWaitUntil(warp int, until *timeq.Cycle)

	// ClearResourceWait is equivalent to SetResourceWaitUntil(warp, nil).
	ClearResourceWait(warp int)

	// ReplayInstruction re-issues the instruction at warp's current PC
	// next cycle, used when a request was rejected by backpressure and
	// must be retried rather than treated as retired.
	ReplayInstruction(warp int)

	// TakeBranch redirects warp's PC to target, used on a resolved
	// control-flow instruction.
	TakeBranch(warp int, target uint64)

	// SFU records an outstanding special-function-unit instruction so the
	// scheduler can track its lanes/operands until the corresponding
	// ExecutePipeline completion clears it.
	SFU(warp int, firstLane int, kind ExecUnitKind, issuedInst uint64, rs1Vec, rs2Vec []uint64)
}
