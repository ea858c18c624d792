package traffic

import (
	"github.com/sirupsen/logrus"

	"github.com/hansungk/cyclotron-sub000/smem"
	"github.com/hansungk/cyclotron-sub000/timeq"
)

type lanePhase int

const (
	phaseActiveIssue lanePhase = iota
	phaseWaitRetry
	phaseDrain
	phaseBarrierWait
	phaseFinished
)

type laneState struct {
	laneID          int
	sourceWarp      int
	phase           lanePhase
	currentPattern  int
	issuedInPattern uint32
	completed       uint32
	inflight        int
	nextT           uint32
	retryAt         timeq.Cycle
}

func newLaneState(laneID int) *laneState {
	return &laneState{laneID: laneID, sourceWarp: laneID, phase: phaseActiveIssue}
}

func (l *laneState) resetForPattern(patternIdx int, now timeq.Cycle) {
	l.currentPattern = patternIdx
	l.issuedInPattern = 0
	l.completed = 0
	l.nextT = 0
	l.retryAt = now
	if l.inflight == 0 {
		l.phase = phaseActiveIssue
	} else {
		l.phase = phaseDrain
	}
}

type barrierPhase int

const (
	barrierRunning barrierPhase = iota
	barrierWaitingDrain
	barrierAdvance
	barrierDone
)

// Checkpoint records when one lockstep pattern finished draining across
// every lane, grounded on patterns.rs/smem_driver.rs's PatternCheckpoint.
type Checkpoint struct {
	PatternIdx     int
	PatternName    string
	FinishedCycle  timeq.Cycle
	DurationCycles timeq.Cycle
}

// SmemDriver issues a PatternEngine's compiled patterns directly into an
// smem.Subgraph, lane by lane, without a real instruction stream —
// grounded on smem_driver.rs's SmemTrafficDriver, adapted to drive
// smem.Subgraph directly rather than through a MuonCore/CoreTimingModel
// wrapper (this repo has no concrete functional core to attach to; see
// the dpi package).
type SmemDriver struct {
	cfg     Config
	engine  *PatternEngine
	sub     *smem.Subgraph
	geom    bankGeometry
	lanes   []*laneState
	barrier struct {
		currentPattern   int
		phase            barrierPhase
		patternStartedAt timeq.Cycle
	}
	completionRoute map[uint64]int // request ID -> lane index
	nextRequestID   uint64
	checkpoints     []Checkpoint
	done            bool
	log             *logrus.Entry
}

type bankGeometry struct {
	numBanks    int
	numSubbanks int
	wordBytes   uint32
}

// NewSmemDriver builds a driver for cfg, issuing into sub whose geometry
// (bank/subbank count, word size) is taken from smemGeom.
func NewSmemDriver(cfg Config, sub *smem.Subgraph, smemGeom smem.FlowConfig, log *logrus.Entry) *SmemDriver {
	numLanes := maxInt(cfg.NumLanes, 1)
	lanes := make([]*laneState, numLanes)
	for i := range lanes {
		lanes[i] = newLaneState(i)
	}

	d := &SmemDriver{
		cfg:    cfg,
		engine: NewPatternEngine(cfg),
		sub:    sub,
		geom: bankGeometry{
			numBanks:    maxInt(smemGeom.NumBanks, 1),
			numSubbanks: maxInt(smemGeom.NumSubbanks, 1),
			wordBytes:   maxU32(smemGeom.WordBytes, 1),
		},
		lanes:           lanes,
		completionRoute: make(map[uint64]int),
		nextRequestID:   1,
		done:            !cfg.Enabled,
		log:             log,
	}
	if d.engine.IsEmpty() {
		d.done = true
		d.barrier.phase = barrierDone
	}
	return d
}

// IsDone reports whether every lane has finished every configured pattern.
func (d *SmemDriver) IsDone() bool {
	if d.done {
		return true
	}
	if d.barrier.phase != barrierDone {
		return false
	}
	if len(d.completionRoute) != 0 {
		return false
	}
	for _, l := range d.lanes {
		if l.inflight != 0 {
			return false
		}
	}
	return true
}

// Checkpoints returns every lockstep pattern checkpoint recorded so far.
func (d *SmemDriver) Checkpoints() []Checkpoint { return append([]Checkpoint(nil), d.checkpoints...) }

// PatternCount returns the number of compiled patterns this driver cycles
// through.
func (d *SmemDriver) PatternCount() int { return d.engine.Len() }

func (d *SmemDriver) bankFor(addr uint64) (bank, subbank int) {
	word := addr / uint64(d.geom.wordBytes)
	bank = int(word % uint64(d.geom.numBanks))
	subbank = int((word / uint64(d.geom.numBanks)) % uint64(d.geom.numSubbanks))
	return bank, subbank
}

// routeCompletions matches drained smem completions back to the lane that
// issued them via their request ID, clearing that lane's inflight count.
func (d *SmemDriver) routeCompletions(completions []smem.Completion) {
	for _, c := range completions {
		laneIdx, ok := d.completionRoute[c.Request.ID]
		if !ok {
			continue
		}
		delete(d.completionRoute, c.Request.ID)
		lane := d.lanes[laneIdx]
		if lane.inflight > 0 {
			lane.inflight--
		}
		lane.completed++
		if lane.phase == phaseDrain && lane.inflight == 0 {
			lane.phase = phaseBarrierWait
		}
	}
}

// tickLaneIssue advances one lane's issue state machine by at most one
// request this cycle, grounded on smem_driver.rs's tick_lane_issue.
func (d *SmemDriver) tickLaneIssue(now timeq.Cycle, lane *laneState, patternIdx int) {
	switch lane.phase {
	case phaseWaitRetry:
		if now >= lane.retryAt {
			lane.phase = phaseActiveIssue
		} else {
			return
		}
	case phaseDrain:
		if lane.inflight == 0 {
			lane.phase = phaseBarrierWait
		}
		return
	case phaseBarrierWait, phaseFinished:
		return
	case phaseActiveIssue:
	}

	reqsPerPattern := maxInt(int(d.cfg.ReqsPerPattern), 1)
	if int(lane.issuedInPattern) >= reqsPerPattern {
		if lane.inflight == 0 {
			lane.phase = phaseBarrierWait
		} else {
			lane.phase = phaseDrain
		}
		return
	}
	maxInflight := maxInt(d.cfg.Issue.MaxInflightPerLane, 1)
	if lane.inflight >= maxInflight {
		return
	}
	if now < lane.retryAt {
		lane.phase = phaseWaitRetry
		return
	}

	pattern, ok := d.engine.Pattern(patternIdx)
	if !ok {
		return
	}
	addr, ok := d.engine.LaneAddr(patternIdx, lane.nextT, lane.laneID)
	if !ok {
		return
	}
	bank, subbank := d.bankFor(addr)

	requestID := d.nextRequestID
	d.nextRequestID++
	req := smem.Request{
		ID:          requestID,
		Warp:        lane.sourceWarp,
		Addr:        addr,
		Bytes:       pattern.ReqBytes,
		ActiveLanes: 1,
		IsStore:     pattern.Op.IsStore(),
		Bank:        bank,
		Subbank:     subbank,
	}

	_, err := d.sub.Issue(now, req)
	if err != nil {
		retryAt := now + maxCycle(d.cfg.Issue.RetryBackoffMin, 1)
		if reject, ok := err.(*smem.Reject); ok && reject.RetryAt > retryAt {
			retryAt = reject.RetryAt
		}
		lane.retryAt = retryAt
		lane.phase = phaseWaitRetry
		return
	}

	d.completionRoute[requestID] = lane.laneID
	lane.inflight++
	lane.issuedInPattern++
	lane.nextT++
	if int(lane.issuedInPattern) >= reqsPerPattern {
		lane.phase = phaseDrain
	}
}

// tickLockstep advances every lane through the current pattern in
// lockstep, recording a Checkpoint once all lanes have fully drained it,
// grounded on smem_driver.rs's tick_core_lockstep.
func (d *SmemDriver) tickLockstep(now timeq.Cycle) *Checkpoint {
	if d.IsDone() || d.engine.IsEmpty() {
		d.barrier.phase = barrierDone
		return nil
	}

	patternIdx := d.barrier.currentPattern
	var checkpoint *Checkpoint

	if d.barrier.phase == barrierRunning {
		for _, lane := range d.lanes {
			d.tickLaneIssue(now, lane, patternIdx)
		}
		allWaiting := true
		for _, lane := range d.lanes {
			if lane.phase != phaseDrain && lane.phase != phaseBarrierWait && lane.phase != phaseFinished {
				allWaiting = false
				break
			}
		}
		if allWaiting {
			d.barrier.phase = barrierWaitingDrain
		}
	}

	if d.barrier.phase == barrierWaitingDrain {
		allDrained := true
		for _, lane := range d.lanes {
			if lane.inflight != 0 {
				allDrained = false
				break
			}
		}
		if allDrained {
			name, _ := d.engine.PatternName(patternIdx)
			cp := Checkpoint{
				PatternIdx:     patternIdx,
				PatternName:    name,
				FinishedCycle:  now,
				DurationCycles: now - d.barrier.patternStartedAt,
			}
			d.checkpoints = append(d.checkpoints, cp)
			checkpoint = &cp
			d.barrier.phase = barrierAdvance
		}
	}

	if d.barrier.phase == barrierAdvance {
		if d.barrier.currentPattern+1 < d.engine.Len() {
			d.barrier.currentPattern++
			d.barrier.patternStartedAt = now
			d.barrier.phase = barrierRunning
			for _, lane := range d.lanes {
				lane.resetForPattern(d.barrier.currentPattern, now)
			}
		} else {
			for _, lane := range d.lanes {
				lane.phase = phaseFinished
			}
			d.barrier.phase = barrierDone
		}
	}

	return checkpoint
}

// Tick drains the smem subgraph for one cycle, routes completions back to
// their issuing lanes, and (in lockstep mode) advances the pattern
// barrier. Call once per cycle until IsDone returns true.
func (d *SmemDriver) Tick(now timeq.Cycle) *Checkpoint {
	if d.done || d.engine.IsEmpty() {
		d.done = true
		return nil
	}
	completions := d.sub.Tick(now)
	d.routeCompletions(completions)

	checkpoint := d.tickLockstep(now)
	if d.IsDone() {
		d.done = true
		if d.log != nil {
			d.log.Debug("traffic: smem driver finished all patterns")
		}
	}
	return checkpoint
}

func maxCycle(a, b timeq.Cycle) timeq.Cycle {
	if a > b {
		return a
	}
	return b
}
