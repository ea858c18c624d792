package core

import "github.com/hansungk/cyclotron-sub000/timeq"

// ExecuteConfig bundles the five independent execution-unit budgets,
// grounded on timeflow/execute.rs's ExecuteConfig.
type ExecuteConfig struct {
	Alu    timeq.ServerConfig `yaml:"alu"`
	IntMul timeq.ServerConfig `yaml:"int_mul"`
	IntDiv timeq.ServerConfig `yaml:"int_div"`
	Fp     timeq.ServerConfig `yaml:"fp"`
	Sfu    timeq.ServerConfig `yaml:"sfu"`
}

// DefaultExecuteConfig reproduces execute.rs's per-unit default latencies:
// ALU is single-cycle, the multi-cycle units scale up from there.
func DefaultExecuteConfig() ExecuteConfig {
	return ExecuteConfig{
		Alu:    serverCfg(1, 1, 8),
		IntMul: serverCfg(4, 1, 4),
		IntDiv: serverCfg(16, 1, 2),
		Fp:     serverCfg(4, 1, 4),
		Sfu:    serverCfg(8, 1, 2),
	}
}

// ExecutePipeline is a core's arithmetic back end: five independent
// TimedServer[int] units, one per ExecUnitKind, each modeling that
// unit's own occupancy and latency without contending with the others.
// Grounded on timeflow/execute.rs's ExecutePipeline.
type ExecutePipeline struct {
	units [5]*timeq.TimedServer[int]
}

// NewExecutePipeline constructs the five-unit execution back end.
func NewExecutePipeline(config ExecuteConfig) *ExecutePipeline {
	return &ExecutePipeline{
		units: [5]*timeq.TimedServer[int]{
			ExecALU:    timeq.New[int](config.Alu),
			ExecIntMul: timeq.New[int](config.IntMul),
			ExecIntDiv: timeq.New[int](config.IntDiv),
			ExecFP:     timeq.New[int](config.Fp),
			ExecSFU:    timeq.New[int](config.Sfu),
		},
	}
}

// Issue admits warp's instruction onto kind's unit, returning the cycle it
// completes or the backpressure that rejected it.
func (e *ExecutePipeline) Issue(now timeq.Cycle, kind ExecUnitKind, warp int) (timeq.Cycle, error) {
	ticket, err := e.units[kind].TryEnqueue(now, timeq.ServiceRequest[int]{Payload: warp, SizeBytes: 1})
	if err != nil {
		return 0, err
	}
	return ticket.ReadyAt(), nil
}

// IsBusy reports whether kind's unit has at least one request outstanding
// and a nonzero next-issue cycle. It does not compare against the unit's
// queue capacity, so a unit that could still queue more work also reports
// busy.
func (e *ExecutePipeline) IsBusy(kind ExecUnitKind) bool {
	return e.units[kind].Outstanding() > 0 && e.units[kind].AvailableAt() > 0
}

// SuggestRetry returns the earliest cycle at which kind's unit might admit
// a new request, for a caller that wants to avoid issuing Issue calls that
// would just be rejected.
func (e *ExecutePipeline) SuggestRetry(kind ExecUnitKind) timeq.Cycle {
	return e.units[kind].AvailableAt()
}

// Tick drains every unit's ready completions, invoking onComplete with the
// unit kind and the warp that completed.
func (e *ExecutePipeline) Tick(now timeq.Cycle, onComplete func(kind ExecUnitKind, warp int)) {
	for i, unit := range e.units {
		kind := ExecUnitKind(i)
		unit.ServiceReady(now, func(r timeq.ServiceResult[int]) {
			if onComplete != nil {
				onComplete(kind, r.Payload)
			}
		})
	}
}

// Stats returns kind's unit's lifetime counters.
func (e *ExecutePipeline) Stats(kind ExecUnitKind) timeq.ServerStats {
	return e.units[kind].Stats()
}
