package core

import (
	"errors"

	"github.com/hansungk/cyclotron-sub000/timeq"
)

// IcachePolicyConfig parameterizes the instruction cache's hit/miss
// resolution and line geometry, grounded on IcacheConfig in
// timeflow/icache.rs.
type IcachePolicyConfig struct {
	HitRate   float64 `yaml:"hit_rate"`
	LineBytes uint32  `yaml:"line_bytes"`
	Seed      uint64  `yaml:"seed"`
}

// DefaultIcachePolicyConfig mirrors the original's IcacheConfig::default().
func DefaultIcachePolicyConfig() IcachePolicyConfig {
	return IcachePolicyConfig{HitRate: 0.9, LineBytes: 64, Seed: 0}
}

// IcacheFlowConfig bundles the hit/miss TimedServer budgets and policy for
// one core's instruction cache.
type IcacheFlowConfig struct {
	Hit    timeq.ServerConfig `yaml:"hit"`
	Miss   timeq.ServerConfig `yaml:"miss"`
	Policy IcachePolicyConfig `yaml:"policy"`
}

// DefaultIcacheFlowConfig reproduces the original's IcacheSubgraph default
// timing budget: a zero-latency hit queue and a ~40-cycle miss queue.
func DefaultIcacheFlowConfig() IcacheFlowConfig {
	hit := timeq.DefaultServerConfig()
	hit.BaseLatency = 0
	hit.QueueCapacity = 8

	miss := timeq.DefaultServerConfig()
	miss.BaseLatency = 40
	miss.QueueCapacity = 8

	return IcacheFlowConfig{Hit: hit, Miss: miss, Policy: DefaultIcachePolicyConfig()}
}

// IcacheRequest is a single instruction-fetch request, admitted into
// whichever of the hit/miss queues the policy's hit/miss decision selects.
type IcacheRequest struct {
	ID       uint64
	CoreID   int
	Warp     int
	PC       uint64
	LineAddr uint64
	Bytes    uint32
	Miss     bool
}

// IcacheStats accumulates lifetime counters for one core's instruction
// cache, grounded on IcacheStats in timeflow/icache.rs.
type IcacheStats struct {
	Issued              uint64
	Completed           uint64
	Hits                uint64
	Misses              uint64
	QueueFullRejects     uint64
	BusyRejects          uint64
	BytesIssued          uint64
	BytesCompleted       uint64
	LastCompletionCycle timeq.Cycle
}

// Icache is a core's instruction-fetch timing model: two parallel timed
// queues (hit and miss), with the hit/miss decision resolved
// deterministically per spec.md §9's mixing-hash scheme, matching the
// original's decide(hit_rate, line_addr ^ seed) — unlike gmem, whose
// hit/miss comes from real tag-array residency, the instruction cache here
// never models real line state, only the probabilistic rate.
type Icache struct {
	policy   IcachePolicyConfig
	hitQueue  *timeq.TimedServer[IcacheRequest]
	missQueue *timeq.TimedServer[IcacheRequest]
	inflight  map[uint64]bool
	nextID    uint64
	stats     IcacheStats
}

// NewIcache constructs a core's instruction cache timing model.
func NewIcache(config IcacheFlowConfig) *Icache {
	return &Icache{
		policy:    config.Policy,
		hitQueue:  timeq.New[IcacheRequest](config.Hit),
		missQueue: timeq.New[IcacheRequest](config.Miss),
		inflight:  make(map[uint64]bool),
	}
}

// TryFetch attempts to admit a fetch for (warp, pc) at the given cycle. It
// returns the request id and the cycle the fetch becomes ready, or an
// error (a *timeq.Backpressure) if the hit/miss queue rejected it.
func (ic *Icache) TryFetch(now timeq.Cycle, warp int, pc uint64) (uint64, timeq.Cycle, error) {
	line := lineAddr(pc, ic.policy.LineBytes)
	miss := !decide(ic.policy.HitRate, line^ic.policy.Seed)

	id := ic.nextID
	ic.nextID++
	req := IcacheRequest{ID: id, Warp: warp, PC: pc, LineAddr: line, Bytes: ic.policy.LineBytes, Miss: miss}

	queue := ic.hitQueue
	if miss {
		queue = ic.missQueue
	}
	ticket, err := queue.TryEnqueue(now, timeq.ServiceRequest[IcacheRequest]{Payload: req, SizeBytes: req.Bytes})
	if err != nil {
		ic.recordRejection(err)
		return 0, 0, err
	}

	ic.stats.Issued++
	ic.stats.BytesIssued += uint64(req.Bytes)
	if miss {
		ic.stats.Misses++
	} else {
		ic.stats.Hits++
	}
	ic.inflight[id] = true
	return id, ticket.ReadyAt(), nil
}

func (ic *Icache) recordRejection(err error) {
	var bp *timeq.Backpressure[IcacheRequest]
	if errors.As(err, &bp) {
		switch bp.Kind {
		case timeq.QueueFullKind:
			ic.stats.QueueFullRejects++
		case timeq.BusyKind:
			ic.stats.BusyRejects++
		}
	}
}

// IsInFlight reports whether the fetch request id has not yet completed.
func (ic *Icache) IsInFlight(id uint64) bool { return ic.inflight[id] }

// Tick drains ready completions from both queues and clears their
// in-flight bit.
func (ic *Icache) Tick(now timeq.Cycle) []IcacheRequest {
	var completed []IcacheRequest
	drain := func(queue *timeq.TimedServer[IcacheRequest]) {
		queue.ServiceReady(now, func(result timeq.ServiceResult[IcacheRequest]) {
			delete(ic.inflight, result.Payload.ID)
			ic.stats.Completed++
			ic.stats.BytesCompleted += uint64(result.Payload.Bytes)
			ic.stats.LastCompletionCycle = now
			completed = append(completed, result.Payload)
		})
	}
	drain(ic.hitQueue)
	drain(ic.missQueue)
	return completed
}

// Stats returns a snapshot of this icache's lifetime counters.
func (ic *Icache) Stats() IcacheStats { return ic.stats }

// mix64 is the same murmur3-finalizer mix gmem.mix64 uses, duplicated here
// (rather than exported from gmem) since the instruction cache's hit/miss
// decision is conceptually independent of gmem's cache policy — they
// happen to share a hashing idiom, not a dependency.
func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// decide makes a deterministic hit/miss decision for key at rate, mirroring
// gmem.decide and grounded on the same timeflow/icache.rs hash_u64 use.
func decide(rate float64, key uint64) bool {
	clamped := rate
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 1 {
		clamped = 1
	}
	if clamped <= 0 {
		return false
	}
	if clamped >= 1 {
		return true
	}
	threshold := uint64(clamped * float64(^uint64(0)))
	return mix64(key) <= threshold
}

// lineAddr reduces a byte address to its containing line address.
func lineAddr(addr uint64, lineBytes uint32) uint64 {
	bytes := lineBytes
	if bytes < 1 {
		bytes = 1
	}
	return addr / uint64(bytes)
}
