package gmem

// mix64 is a murmur3-finalizer-style mix used to deterministically mix a
// policy seed with a per-request key into a pseudo-random decision.
func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// decide makes a deterministic hit/miss (or writeback) decision for the
// given key at the given rate: clamped to [0,1], then compared against a
// hashed threshold so the same (rate, key) pair always decides the same
// way, without consuming any global RNG state.
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

// lineAddr reduces a byte address to its containing cache-line address.
func lineAddr(addr uint64, lineBytes uint32) uint64 {
	bytes := lineBytes
	if bytes < 1 {
		bytes = 1
	}
	return addr / uint64(bytes)
}

// L1BankSeed and L2BankSeed salt the per-level bank hash so that two levels
// hashing the same line address do not always agree on which bank serves
// it.
const (
	L1BankSeed uint64 = 0x1111_2222_3333_4444
	L2BankSeed uint64 = 0x5555_6666_7777_8888
)

// bankFor deterministically assigns a cache line to one of numBanks banks
// at the given level, salted so that L1 and L2 bank assignment for the
// same line are independent.
func bankFor(line uint64, numBanks int, salt uint64) int {
	if numBanks <= 0 {
		numBanks = 1
	}
	return int(mix64(line^salt) % uint64(numBanks))
}
