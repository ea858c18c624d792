package traffic

import (
	"fmt"
	"math/rand"
	"strings"
)

// Op distinguishes a pattern's read/write direction, grounded on
// patterns.rs's PatternOp.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// IsStore reports whether op issues store (write) requests.
func (op Op) IsStore() bool { return op == OpWrite }

func (op Op) short() string {
	if op == OpWrite {
		return "w"
	}
	return "r"
}

func parseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "r", "get":
		return OpRead, nil
	case "write", "w", "put", "store":
		return OpWrite, nil
	default:
		return 0, fmt.Errorf("traffic: unsupported op %q; expected read/write", s)
	}
}

type patternKind int

const (
	kindStrided patternKind = iota
	kindTiled
	kindSwizzled
	kindRandom
)

// CompiledPattern is one fully-resolved access pattern, ready to generate
// per-(request,lane) addresses.
type CompiledPattern struct {
	Name        string
	Op          Op
	ReqBytes    uint32
	withinBytes uint64
	kind        patternKind

	warpStride uint64
	laneStride uint64

	tileM, tileN uint64
	transpose    bool

	tileSize uint64

	randomMin, randomMax uint64
	seed                 uint64
}

func (p *CompiledPattern) offsetBytes(reqIdx uint32, laneIdx, lanes int) uint64 {
	reqBytes := uint64(maxU32(p.ReqBytes, 1))
	lane := uint64(laneIdx)
	lanesU64 := uint64(maxInt(lanes, 1))

	switch p.kind {
	case kindStrided:
		return ((uint64(reqIdx)*p.warpStride)*lanesU64 + lane) * p.laneStride * reqBytes
	case kindTiled:
		tileM, tileN := maxU64(p.tileM, 1), maxU64(p.tileN, 1)
		tileElems := maxU64(tileM*tileN, 1)
		elemIdx := uint64(reqIdx)*lanesU64 + lane
		tileIdx := elemIdx / tileElems
		idxInTile := elemIdx % tileElems
		row, col := idxInTile/tileN, idxInTile%tileN
		if p.transpose {
			row, col = col, row
		}
		return (tileIdx*tileElems + row*tileN + col) * reqBytes
	case kindSwizzled:
		tileSize := maxU64(p.tileSize, 1)
		tileElems := maxU64(tileSize*tileSize, 1)
		elemIdx := uint64(reqIdx)*lanesU64 + lane
		tileIdx := elemIdx / tileElems
		idxInTile := elemIdx % tileElems
		row, col := idxInTile/tileSize, idxInTile%tileSize
		if p.transpose {
			row, col = col, row
		}
		rotatedCol := (col + row) % tileSize
		return (tileIdx*tileElems + row*tileSize + rotatedCol) * reqBytes
	case kindRandom:
		if p.randomMax <= p.randomMin {
			return p.randomMin * reqBytes
		}
		key := p.seed ^ (uint64(laneIdx) << 32) ^ uint64(reqIdx) ^ (uint64(p.ReqBytes) << 48)
		span := p.randomMax - p.randomMin
		sample := p.randomMin + mix64(key)%span
		return sample * reqBytes
	default:
		return 0
	}
}

func (p *CompiledPattern) randomStreamKey() (randomStreamKey, bool) {
	if p.kind != kindRandom {
		return randomStreamKey{}, false
	}
	return randomStreamKey{min: p.randomMin, max: p.randomMax, seed: p.seed, reqBytes: maxU32(p.ReqBytes, 1)}, true
}

type randomStreamKey struct {
	min, max uint64
	seed     uint64
	reqBytes uint32
}

// PatternEngine compiles a Config's pattern specs once and answers
// per-(pattern, request, lane) address queries, grounded on patterns.rs's
// PatternEngine.
type PatternEngine struct {
	patterns       []CompiledPattern
	lanes          int
	reqsPerPattern int
	smemBase       uint64
	randomTables   [][]uint64 // nil entry means "not a random pattern"
}

// NewPatternEngine compiles cfg's patterns and precomputes any random
// address tables up front, so repeated lane_addr queries are deterministic
// and allocation-free.
func NewPatternEngine(cfg Config) *PatternEngine {
	lanes := maxInt(cfg.NumLanes, 1)
	reqsPerPattern := maxInt(int(cfg.ReqsPerPattern), 1)

	patterns := make([]CompiledPattern, len(cfg.Patterns))
	for i, spec := range cfg.Patterns {
		patterns[i] = compilePattern(spec, i, cfg)
	}

	e := &PatternEngine{
		patterns:       patterns,
		lanes:          lanes,
		reqsPerPattern: reqsPerPattern,
		smemBase:       cfg.Address.SmemBase,
	}
	e.randomTables = precomputeRandomTables(patterns, lanes, reqsPerPattern)
	return e
}

// Len returns the number of compiled patterns.
func (e *PatternEngine) Len() int { return len(e.patterns) }

// IsEmpty reports whether the engine has no patterns configured.
func (e *PatternEngine) IsEmpty() bool { return len(e.patterns) == 0 }

// PatternName returns the name of the pattern at idx, if any.
func (e *PatternEngine) PatternName(idx int) (string, bool) {
	if idx < 0 || idx >= len(e.patterns) {
		return "", false
	}
	return e.patterns[idx].Name, true
}

// Pattern returns the compiled pattern at idx, if any.
func (e *PatternEngine) Pattern(idx int) (*CompiledPattern, bool) {
	if idx < 0 || idx >= len(e.patterns) {
		return nil, false
	}
	return &e.patterns[idx], true
}

// LaneAddr resolves the byte address lane laneIdx accesses for the reqIdx'th
// request of pattern patternIdx.
func (e *PatternEngine) LaneAddr(patternIdx int, reqIdx uint32, laneIdx int) (uint64, bool) {
	p, ok := e.Pattern(patternIdx)
	if !ok {
		return 0, false
	}
	offset, ok := e.randomOffset(patternIdx, reqIdx, laneIdx)
	if !ok {
		offset = p.offsetBytes(reqIdx, laneIdx, e.lanes)
	}
	within := maxU64(p.withinBytes, uint64(maxU32(p.ReqBytes, 1)))
	return e.smemBase + offset%within, true
}

func (e *PatternEngine) randomOffset(patternIdx int, reqIdx uint32, laneIdx int) (uint64, bool) {
	if patternIdx < 0 || patternIdx >= len(e.randomTables) {
		return 0, false
	}
	table := e.randomTables[patternIdx]
	if table == nil || laneIdx < 0 || laneIdx >= e.lanes {
		return 0, false
	}
	idx := laneIdx*e.reqsPerPattern + int(reqIdx)
	if idx < 0 || idx >= len(table) {
		return 0, false
	}
	return table[idx], true
}

// precomputeRandomTables fills one lane-major random-offset table per
// random-kind pattern, sharing one *rand.Rand stream across patterns with
// the same (seed, min, max, reqBytes) key — grounded on patterns.rs's
// stream-sharing behavior ("Streams are shared by random specs with the
// same (seed, min/max, req_size)").
func precomputeRandomTables(patterns []CompiledPattern, lanes, reqsPerPattern int) [][]uint64 {
	tables := make([][]uint64, len(patterns))
	if len(patterns) == 0 || lanes == 0 || reqsPerPattern == 0 {
		return tables
	}

	streams := make(map[randomStreamKey]*rand.Rand)
	for lane := 0; lane < lanes; lane++ {
		for idx := range patterns {
			key, ok := patterns[idx].randomStreamKey()
			if !ok {
				continue
			}
			stream, ok := streams[key]
			if !ok {
				stream = rand.New(rand.NewSource(int64(key.seed)))
				streams[key] = stream
			}
			if tables[idx] == nil {
				tables[idx] = make([]uint64, lanes*reqsPerPattern)
			}
			rowBase := lane * reqsPerPattern
			for t := 0; t < reqsPerPattern; t++ {
				var sample uint64
				if key.max <= key.min {
					sample = key.min
				} else {
					sample = key.min + uint64(stream.Int63n(int64(key.max-key.min)))
				}
				tables[idx][rowBase+t] = sample * uint64(key.reqBytes)
			}
		}
	}
	return tables
}

func compilePattern(spec PatternSpec, index int, cfg Config) CompiledPattern {
	reqBytes := maxU32(spec.ReqBytes, 1)
	op, err := parseOp(spec.Op)
	if err != nil {
		panic(err)
	}
	withinDefault := maxU64(cfg.Address.SmemSizeBytes, uint64(reqBytes))
	within := spec.WithinBytes
	if within == 0 {
		within = withinDefault
	}
	within = maxU64(within, uint64(reqBytes))

	p := CompiledPattern{Op: op, ReqBytes: reqBytes, withinBytes: within}

	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case "strided":
		p.kind = kindStrided
		p.warpStride = uint64(maxU32(spec.WarpStride, 1))
		p.laneStride = uint64(spec.LaneStride)
	case "tiled":
		p.kind = kindTiled
		p.tileM = uint64(maxU32(spec.TileM, 1))
		p.tileN = uint64(maxU32(spec.TileN, 1))
		p.transpose = spec.Transpose
	case "swizzled":
		p.kind = kindSwizzled
		p.tileSize = uint64(maxU32(spec.TileSize, 1))
		p.transpose = spec.Transpose
	case "random", "random_access":
		p.kind = kindRandom
		min := uint64(spec.RandomMin)
		max := uint64(spec.RandomMax)
		if max == 0 {
			max = maxU64(within/uint64(reqBytes), min+1)
		}
		p.randomMin = min
		p.randomMax = maxU64(max, min+1)
		p.seed = spec.Seed
	default:
		panic(fmt.Sprintf("traffic: unsupported pattern kind %q at index %d (expected strided|tiled|swizzled|random)", spec.Kind, index))
	}

	p.Name = spec.Name
	if p.Name == "" {
		p.Name = defaultPatternName(p, op)
	}
	return p
}

func defaultPatternName(p CompiledPattern, op Op) string {
	var base string
	switch p.kind {
	case kindStrided:
		base = fmt.Sprintf("strided(%d, %d)@%d", p.warpStride, p.laneStride, p.ReqBytes)
	case kindTiled:
		suffix := ""
		if p.transpose {
			suffix = ".T"
		}
		base = fmt.Sprintf("tiled(%d, %d)@%d%s", p.tileM, p.tileN, p.ReqBytes, suffix)
	case kindSwizzled:
		suffix := ""
		if p.transpose {
			suffix = ".T"
		}
		base = fmt.Sprintf("swizzled(%d)@%d%s", p.tileSize, p.ReqBytes, suffix)
	case kindRandom:
		base = fmt.Sprintf("random(%d)", p.seed)
	}
	return fmt.Sprintf("%s_%s", base, op.short())
}

// mix64 is the splitmix64-style finalizer patterns.rs uses for its
// out-of-range random fallback path.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
