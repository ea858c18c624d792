package core

import "github.com/hansungk/cyclotron-sub000/timeq"

// BarrierConfig parameterizes the latency a barrier release takes once
// every participating warp has arrived.
type BarrierConfig struct {
	Server timeq.ServerConfig `yaml:"server"`
}

// DefaultBarrierConfig mirrors barrier.rs's BarrierConfig::default(): a
// small fixed release latency, one outstanding release per barrier id.
func DefaultBarrierConfig() BarrierConfig {
	return BarrierConfig{Server: serverCfg(4, 1, 8)}
}

// barrierState tracks arrival for one barrier id, grounded on
// timeflow/barrier.rs's BarrierState.
type barrierState struct {
	arrived   []bool
	releasing []int
	releaseAt *timeq.Cycle
}

// Barrier is the per-core thread-barrier timing model: warps arrive at a
// barrier id, and once every warp in numWarps has arrived, a single timed
// release fires after the configured latency, waking every participant.
// Grounded on timeflow/barrier.rs's BarrierManager.
type Barrier struct {
	config   BarrierConfig
	numWarps int
	server   *timeq.TimedServer[uint32]
	states   map[uint32]*barrierState
}

// NewBarrier constructs a barrier manager for a core with numWarps warps.
func NewBarrier(config BarrierConfig, numWarps int) *Barrier {
	return &Barrier{
		config:   config,
		numWarps: numWarps,
		server:   timeq.New[uint32](config.Server),
		states:   make(map[uint32]*barrierState),
	}
}

func (b *Barrier) stateFor(barrierID uint32) *barrierState {
	st, ok := b.states[barrierID]
	if !ok {
		st = &barrierState{arrived: make([]bool, b.numWarps)}
		b.states[barrierID] = st
	}
	return st
}

// Arrive records warp's arrival at barrierID. Once every warp has arrived,
// it admits a release into the timed server and returns the cycle the
// release fires; otherwise it returns false, meaning warp must wait.
func (b *Barrier) Arrive(now timeq.Cycle, warp int, barrierID uint32) (timeq.Cycle, bool, error) {
	st := b.stateFor(barrierID)
	if warp >= 0 && warp < len(st.arrived) {
		st.arrived[warp] = true
	}

	allArrived := true
	for _, a := range st.arrived {
		if !a {
			allArrived = false
			break
		}
	}
	if !allArrived || st.releaseAt != nil {
		return 0, false, nil
	}

	ticket, err := b.server.TryEnqueue(now, timeq.ServiceRequest[uint32]{Payload: barrierID, SizeBytes: 1})
	if err != nil {
		return 0, false, err
	}
	readyAt := ticket.ReadyAt()
	st.releaseAt = &readyAt

	releasing := make([]int, len(st.arrived))
	for i := range releasing {
		releasing[i] = i
	}
	st.releasing = releasing
	return readyAt, true, nil
}

// Tick drains ready barrier releases, returning the barrier id and the full
// set of warps released for each, then resets that barrier's state so it
// can be reused.
func (b *Barrier) Tick(now timeq.Cycle) map[uint32][]int {
	released := make(map[uint32][]int)
	b.server.ServiceReady(now, func(r timeq.ServiceResult[uint32]) {
		barrierID := r.Payload
		if st, ok := b.states[barrierID]; ok {
			released[barrierID] = st.releasing
			delete(b.states, barrierID)
		}
	})
	if len(released) == 0 {
		return nil
	}
	return released
}

// Stats returns the underlying server's lifetime counters.
func (b *Barrier) Stats() timeq.ServerStats { return b.server.Stats() }
