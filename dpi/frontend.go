package dpi

import (
	"fmt"

	"github.com/hansungk/cyclotron-sub000/timeq"
)

// FetchPeek is the DPI "instruction-fetch peek" entry point, grounded on
// cyclotron_fetch_rs. The original returns the raw, un-decoded
// instruction bits the golden ISA model fetched from its own program
// memory; this repo has no functional instruction memory to fetch
// from — only the icache's timing model — so FetchPeek instead reports
// only whether an instruction fetch for (warp, pc) is admitted this
// cycle; the cycle the fetch becomes ready is not returned. The external
// functional core
// driving this boundary owns the actual instruction bits.
func FetchPeek(now timeq.Cycle, warp int, pc uint64) (ready bool, err error) {
	cellMu.Lock()
	defer cellMu.Unlock()
	ctx, err := currentContext()
	if err != nil {
		return false, err
	}
	return ctx.model.AllowFetch(now, warp, pc, ctx), nil
}

// FrontendBundle is the per-warp timing-relevant subset of the decoded-
// instruction buffer cyclotron_frontend_rs exposes. The fields spec.md §6
// lists beyond this (opcode, operands, immediates, raw bits) describe a
// decoded instruction this repo's timing-only model never produces; they
// are owned by the external functional core and are not duplicated here.
type FrontendBundle struct {
	// FetchAdmitted[w] reports whether warp w's requested fetch was
	// admitted by the icache this cycle, mirroring ibuf_valid.
	FetchAdmitted []bool
}

// FrontendAdvance is the DPI "frontend advance" entry point, grounded on
// cyclotron_frontend_rs: it ticks the timing model forward one cycle and
// reports, for each warp with ready[w] true (the ibuf_ready_vec
// backpressure signal — room downstream to accept a fetched
// instruction), whether that warp's fetch at fetchPCs[w] was admitted
// this cycle. fetchPCs[w] is used as given, a PC of 0 included.
func FrontendAdvance(now timeq.Cycle, ready []bool, fetchPCs []uint64) (FrontendBundle, error) {
	cellMu.Lock()
	defer cellMu.Unlock()
	ctx, err := currentContext()
	if err != nil {
		return FrontendBundle{}, err
	}
	if len(ready) != len(fetchPCs) {
		return FrontendBundle{}, fmt.Errorf("dpi: ready and fetchPCs must have the same length (num_warps), got %d and %d", len(ready), len(fetchPCs))
	}

	ctx.model.Tick(now, ctx)

	bundle := FrontendBundle{FetchAdmitted: make([]bool, len(ready))}
	for w := range ready {
		if !ready[w] {
			continue
		}
		bundle.FetchAdmitted[w] = ctx.model.AllowFetch(now, w, fetchPCs[w], ctx)
	}
	return bundle, nil
}
