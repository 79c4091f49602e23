package vecenv

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// TrainingKey uniquely identifies a reproducible training run. Two runs
// with the same TrainingKey and identical configuration must make the same
// random choices everywhere randomness is consumed.
type TrainingKey int64

// NewTrainingKey creates a TrainingKey from a seed value.
func NewTrainingKey(seed int64) TrainingKey {
	return TrainingKey(seed)
}

const (
	// SubsystemPolicy is the RNG subsystem for action sampling.
	SubsystemPolicy = "policy"

	// SubsystemCurriculum is the RNG subsystem for stage rehearsal draws.
	SubsystemCurriculum = "curriculum"
)

// SubsystemSlot returns the subsystem name for slot i, so every slot's
// simulation is statistically isolated from its neighbours.
func SubsystemSlot(i int) string {
	return fmt.Sprintf("slot_%d", i)
}

// DeriveSeed computes the deterministic seed for a named subsystem:
// masterSeed XOR fnv1a64(subsystemName). Exposed separately from
// PartitionedRNG because slot seeds are consumed inside worker goroutines,
// where sharing a cached *rand.Rand table would race.
func DeriveSeed(key TrainingKey, name string) int64 {
	return int64(key) ^ fnv1a64(name)
}

// PartitionedRNG provides deterministic, isolated RNG instances per
// subsystem.
//
// Thread-safety: NOT thread-safe. Must be called from a single goroutine;
// worker goroutines derive their own sources via DeriveSeed instead.
type PartitionedRNG struct {
	key        TrainingKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a TrainingKey.
func NewPartitionedRNG(key TrainingKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named
// subsystem. The same name always returns the same *rand.Rand instance
// (cached). Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(DeriveSeed(p.key, name)))
	p.subsystems[name] = rng
	return rng
}

// Key returns the TrainingKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() TrainingKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
