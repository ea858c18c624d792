package cache

import (
	"errors"

	"github.com/hansungk/cyclotron-sub000/timeq"
)

// AdmissionKind distinguishes why an MshrAdmission rejected a try-admit.
type AdmissionKind int

const (
	AdmissionBusy AdmissionKind = iota
	AdmissionQueueFull
)

// AdmissionBackpressure reports why Admission.TryAdmit failed, carrying a
// retry cycle strictly greater than now.
type AdmissionBackpressure struct {
	Kind    AdmissionKind
	RetryAt timeq.Cycle
}

func (b *AdmissionBackpressure) Error() string { return "cache: mshr admission backpressure" }

// Admission is a zero-base-latency, unit-payload TimedServer used purely to
// reserve a refill "slot" and learn when it will be ready — the actual
// cache-line data never flows through it. This is the timing analogue of
// allocating a fill-request issue slot on the DRAM-facing port.
type Admission struct {
	server *timeq.TimedServer[struct{}]
}

// NewAdmission constructs an Admission server. base_latency is forced to
// zero and completions_per_cycle to unlimited, matching the original's
// MshrAdmission::new override of the caller-supplied config.
func NewAdmission(config timeq.ServerConfig) *Admission {
	config.BaseLatency = 0
	config.CompletionsPerCycle = ^uint32(0)
	return &Admission{server: timeq.New[struct{}](config)}
}

// TryAdmit reserves a refill slot at the given cycle, returning the cycle
// it will be ready.
func (a *Admission) TryAdmit(now timeq.Cycle) (timeq.Cycle, error) {
	ticket, err := a.server.TryEnqueue(now, timeq.ServiceRequest[struct{}]{})
	if err == nil {
		return ticket.ReadyAt(), nil
	}
	var bp *timeq.Backpressure[struct{}]
	if !errors.As(err, &bp) {
		return 0, err
	}
	switch bp.Kind {
	case timeq.BusyKind:
		retryAt := bp.AvailableAt
		if floor := now + 1; retryAt < floor {
			retryAt = floor
		}
		return 0, &AdmissionBackpressure{Kind: AdmissionBusy, RetryAt: retryAt}
	default:
		retryAt := a.server.AvailableAt()
		if oldest, ok := a.server.OldestTicket(); ok {
			retryAt = oldest.ReadyAt()
		}
		if floor := now + 1; retryAt < floor {
			retryAt = floor
		}
		return 0, &AdmissionBackpressure{Kind: AdmissionQueueFull, RetryAt: retryAt}
	}
}

// Tick drains any matured reservation slots; the unit payload is discarded.
func (a *Admission) Tick(now timeq.Cycle) {
	a.server.ServiceReady(now, func(timeq.ServiceResult[struct{}]) {})
}
