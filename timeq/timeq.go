// Package timeq implements the generic queueing server model that every
// Cyclotron timing node is built on: a bounded FIFO with a configurable
// base latency, a bytes-per-cycle throughput budget, and an optional
// warm-up delay before the server accepts its first request.
package timeq

import "fmt"

// Cycle is a monotonically increasing simulation timestamp.
type Cycle uint64

// NormalizeRetry clamps a suggested retry cycle so it is strictly in the
// future relative to now. Backpressure providers call this before handing a
// retry_at back to a caller.
func NormalizeRetry(now, suggested Cycle) Cycle {
	if floor := now + 1; suggested < floor {
		return floor
	}
	return suggested
}

// Ticket is the receipt a TimedServer hands back on a successful enqueue.
type Ticket struct {
	issuedAt  Cycle
	readyAt   Cycle
	sizeBytes uint32
}

func newTicket(issuedAt, readyAt Cycle, sizeBytes uint32) Ticket {
	return Ticket{issuedAt: issuedAt, readyAt: readyAt, sizeBytes: sizeBytes}
}

// SyntheticTicket constructs a Ticket that did not pass through a
// TimedServer's admission path (e.g. an MSHR merge-completion broadcast).
func SyntheticTicket(issuedAt, readyAt Cycle, sizeBytes uint32) Ticket {
	return newTicket(issuedAt, readyAt, sizeBytes)
}

func (t Ticket) IssuedAt() Cycle     { return t.issuedAt }
func (t Ticket) ReadyAt() Cycle      { return t.readyAt }
func (t Ticket) SizeBytes() uint32   { return t.sizeBytes }
func (t Ticket) IsReady(now Cycle) bool { return now >= t.readyAt }

// RemainingCycles returns the number of cycles until the ticket is ready,
// or zero if it already is.
func (t Ticket) RemainingCycles(now Cycle) Cycle {
	if t.readyAt <= now {
		return 0
	}
	return t.readyAt - now
}

// ServiceRequest carries a payload and the byte size used to compute its
// service time.
type ServiceRequest[T any] struct {
	Payload   T
	SizeBytes uint32
}

// ServiceResult is a completed request handed back to the caller.
type ServiceResult[T any] struct {
	Payload T
	Ticket  Ticket
}

// BackpressureKind distinguishes why a TimedServer rejected an enqueue.
type BackpressureKind int

const (
	// QueueFullKind means the bounded FIFO has no free slots.
	QueueFullKind BackpressureKind = iota
	// BusyKind means the server is still within its warm-up window.
	BusyKind
)

// Backpressure is returned by TryEnqueue when a request cannot be admitted.
// It implements error so callers can propagate it with errors.As, and it
// always carries the original request back so the caller can retry it.
type Backpressure[T any] struct {
	Request     ServiceRequest[T]
	Kind        BackpressureKind
	Capacity    int   // valid iff Kind == QueueFullKind
	AvailableAt Cycle // valid iff Kind == BusyKind
}

func (b *Backpressure[T]) Error() string {
	switch b.Kind {
	case QueueFullKind:
		return fmt.Sprintf("timeq: queue full (capacity %d)", b.Capacity)
	case BusyKind:
		return fmt.Sprintf("timeq: server busy until cycle %d", b.AvailableAt)
	default:
		return "timeq: backpressure"
	}
}

// IntoRequest recovers the request that was rejected, so the caller can
// retry it on a later cycle.
func (b *Backpressure[T]) IntoRequest() ServiceRequest[T] {
	return b.Request
}

// ServerConfig parameterizes a TimedServer's latency/bandwidth/queueing
// budget. The zero value is invalid: BytesPerCycle, QueueCapacity, and
// CompletionsPerCycle must all be set to a positive value, which
// DefaultServerConfig does.
type ServerConfig struct {
	BaseLatency         Cycle
	BytesPerCycle       uint32
	QueueCapacity       int
	CompletionsPerCycle uint32 // must be > 0; DefaultServerConfig's ^uint32(0) means unlimited
	WarmupLatency       Cycle
}

// DefaultServerConfig mirrors the original's Default impl: unit bandwidth,
// one outstanding request, unlimited per-cycle completions, no warm-up.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BaseLatency:         0,
		BytesPerCycle:       1,
		QueueCapacity:       1,
		CompletionsPerCycle: ^uint32(0),
		WarmupLatency:       0,
	}
}

type inflight[T any] struct {
	payload T
	ticket  Ticket
}

// ServerStats accumulates lifetime counters for a TimedServer. Callers
// sample it with Stats and may reset it with ClearStats between
// measurement windows.
type ServerStats struct {
	Issued            uint64
	Completed         uint64
	QueueFullRejects  uint64
	BusyRejects       uint64
	BytesIssued       uint64
	BytesCompleted    uint64
	MaxOutstanding    uint64
}

// TimedServer is a single-lane FIFO queueing stage: requests are admitted
// in issue order, each consumes bytes_per_cycle of throughput plus the
// server's base latency, and at most CompletionsPerCycle results become
// visible to downstream consumers in any one cycle.
type TimedServer[T any] struct {
	config               ServerConfig
	inflight             []inflight[T]
	ready                []ServiceResult[T]
	nextIssueAt          Cycle
	warmupUntil          Cycle
	lastCompletionCycle  Cycle
	completionsThisCycle uint32
	sawFirstCycle        bool
	stats                ServerStats
}

// New constructs a TimedServer. It panics if config is not well formed, the
// same precondition the original enforces with debug assertions.
func New[T any](config ServerConfig) *TimedServer[T] {
	if config.BytesPerCycle == 0 {
		panic("timeq: BytesPerCycle must be > 0")
	}
	if config.QueueCapacity <= 0 {
		panic("timeq: QueueCapacity must be > 0")
	}
	if config.CompletionsPerCycle == 0 {
		panic("timeq: CompletionsPerCycle must be > 0")
	}
	return &TimedServer[T]{
		config:      config,
		inflight:    make([]inflight[T], 0, config.QueueCapacity),
		ready:       make([]ServiceResult[T], 0, config.QueueCapacity),
		nextIssueAt: 0,
		warmupUntil: config.WarmupLatency,
	}
}

func ceilDiv(nom, denom uint64) Cycle {
	return Cycle((nom + denom - 1) / denom)
}

// TryEnqueue attempts to admit a request at the given cycle. On success it
// returns a Ticket describing when the payload will become ready; on
// failure it returns a *Backpressure carrying the rejected request back to
// the caller.
func (s *TimedServer[T]) TryEnqueue(now Cycle, request ServiceRequest[T]) (Ticket, error) {
	if s.outstandingLen() >= s.config.QueueCapacity {
		s.stats.QueueFullRejects++
		return Ticket{}, &Backpressure[T]{Request: request, Kind: QueueFullKind, Capacity: s.config.QueueCapacity}
	}

	if s.outstandingLen() == 0 && now < s.warmupUntil {
		s.stats.BusyRejects++
		return Ticket{}, &Backpressure[T]{Request: request, Kind: BusyKind, AvailableAt: s.warmupUntil}
	}

	start := s.nextIssueAt
	if now > start {
		start = now
	}
	serviceCycles := ceilDiv(uint64(request.SizeBytes), uint64(s.config.BytesPerCycle))
	readyAt := start + s.config.BaseLatency + serviceCycles
	ticket := newTicket(now, readyAt, request.SizeBytes)

	s.nextIssueAt = start + serviceCycles
	s.inflight = append(s.inflight, inflight[T]{payload: request.Payload, ticket: ticket})
	s.stats.Issued++
	s.stats.BytesIssued += uint64(request.SizeBytes)
	if outstanding := uint64(s.outstandingLen()); outstanding > s.stats.MaxOutstanding {
		s.stats.MaxOutstanding = outstanding
	}

	return ticket, nil
}

// ServiceReady drains any newly-ready completions and invokes callback for
// each, in FIFO order.
func (s *TimedServer[T]) ServiceReady(now Cycle, callback func(ServiceResult[T])) {
	s.AdvanceReady(now)
	for len(s.ready) > 0 {
		result := s.ready[0]
		s.ready = s.ready[1:]
		callback(result)
	}
	s.updateIdle(now)
}

// AvailableAt returns the earliest cycle a new request could begin service.
func (s *TimedServer[T]) AvailableAt() Cycle {
	if s.nextIssueAt > s.warmupUntil {
		return s.nextIssueAt
	}
	return s.warmupUntil
}

// OldestTicket returns the ticket of the oldest inflight request, if any.
func (s *TimedServer[T]) OldestTicket() (Ticket, bool) {
	if len(s.inflight) == 0 {
		return Ticket{}, false
	}
	return s.inflight[0].ticket, true
}

// AdvanceReady moves any inflight requests whose ticket has matured into the
// ready queue, honoring the per-cycle completions cap, without consuming
// them.
func (s *TimedServer[T]) AdvanceReady(now Cycle) {
	if !s.sawFirstCycle || s.lastCompletionCycle != now {
		s.sawFirstCycle = true
		s.lastCompletionCycle = now
		s.completionsThisCycle = 0
	}
	cap := s.config.CompletionsPerCycle
	for len(s.inflight) > 0 {
		front := s.inflight[0]
		if !front.ticket.IsReady(now) {
			break
		}
		if s.completionsThisCycle >= cap {
			break
		}
		s.inflight = s.inflight[1:]
		s.ready = append(s.ready, ServiceResult[T]{Payload: front.payload, Ticket: front.ticket})
		s.completionsThisCycle++
		s.stats.Completed++
		s.stats.BytesCompleted += uint64(front.ticket.SizeBytes())
	}
}

// PeekReady observes the next ready completion without consuming it.
func (s *TimedServer[T]) PeekReady(now Cycle) (ServiceResult[T], bool) {
	s.AdvanceReady(now)
	if len(s.ready) == 0 {
		return ServiceResult[T]{}, false
	}
	return s.ready[0], true
}

// PopReady consumes and returns the next ready completion, if any.
func (s *TimedServer[T]) PopReady(now Cycle) (ServiceResult[T], bool) {
	s.AdvanceReady(now)
	if len(s.ready) == 0 {
		return ServiceResult[T]{}, false
	}
	result := s.ready[0]
	s.ready = s.ready[1:]
	s.updateIdle(now)
	return result, true
}

// Outstanding returns the number of requests queued, inflight, or ready but
// not yet drained.
func (s *TimedServer[T]) Outstanding() int { return s.outstandingLen() }

func (s *TimedServer[T]) outstandingLen() int { return len(s.inflight) + len(s.ready) }

func (s *TimedServer[T]) updateIdle(now Cycle) {
	if len(s.inflight) == 0 && len(s.ready) == 0 && now > s.nextIssueAt {
		s.nextIssueAt = now
	}
}

// Stats returns a snapshot of the server's lifetime counters.
func (s *TimedServer[T]) Stats() ServerStats { return s.stats }

// ClearStats resets the lifetime counters to zero.
func (s *TimedServer[T]) ClearStats() { s.stats = ServerStats{} }

// SetWarmupUntil overrides the cycle at which the server becomes available,
// used by nodes that derive their warm-up window from a dynamic config
// value (e.g. binary load latency) rather than a static one.
func (s *TimedServer[T]) SetWarmupUntil(cycle Cycle) { s.warmupUntil = cycle }
