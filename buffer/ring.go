// Package buffer holds the rollout storage between environment steps and
// learner updates. Transitions are written in two phases: allocated at
// action-selection time, when reward and done are still unknown, and
// completed in place once the environment step result arrives. The Handle
// returned by Allocate makes the second write explicit instead of relying
// on position arithmetic into the ring.
package buffer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Transition is one recorded agent step.
type Transition struct {
	Obs     []float64
	Action  []float64
	LogProb float64
	Value   float64
	Reward  float64
	Done    bool

	completed bool
	gen       uint64
}

// Completed reports whether the outcome phase has been written.
func (t Transition) Completed() bool { return t.completed }

// Handle addresses one allocated transition for later completion. A handle
// goes stale once the ring wraps over its position.
type Handle struct {
	pos int
	gen uint64
}

// Ring is a fixed-capacity circular transition store.
// Not safe for concurrent use; the driver owns it.
type Ring struct {
	transitions []Transition
	capacity    int
	pos         int // next write position
	size        int // live entries, <= capacity
	gen         uint64
}

// NewRing returns a ring holding at most capacity transitions.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer: capacity must be positive, got %d", capacity)
	}
	return &Ring{
		transitions: make([]Transition, capacity),
		capacity:    capacity,
	}, nil
}

// Len returns the number of live transitions.
func (r *Ring) Len() int { return r.size }

// Capacity returns the fixed ring capacity.
func (r *Ring) Capacity() int { return r.capacity }

// Allocate stores the decision-time half of a transition and returns a
// handle for completing it. When the ring is full the oldest entry is
// overwritten; any handle to it becomes stale.
func (r *Ring) Allocate(obs []float64, action []float64, logProb, value float64) Handle {
	r.gen++
	r.transitions[r.pos] = Transition{
		Obs:     obs,
		Action:  action,
		LogProb: logProb,
		Value:   value,
		gen:     r.gen,
	}
	h := Handle{pos: r.pos, gen: r.gen}
	r.pos = (r.pos + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
	return h
}

// Complete writes the outcome half of a transition. Completing a handle
// whose slot has been reused is rejected.
func (r *Ring) Complete(h Handle, reward float64, done bool) error {
	t := &r.transitions[h.pos]
	if t.gen != h.gen {
		return fmt.Errorf("buffer: stale handle (pos %d)", h.pos)
	}
	if t.completed {
		return fmt.Errorf("buffer: transition at pos %d already completed", h.pos)
	}
	t.Reward = reward
	t.Done = done
	t.completed = true
	return nil
}

// Batch returns the live transitions in insertion order, oldest first.
// Incomplete transitions (allocated but never completed, e.g. from a
// failed slot) are skipped.
func (r *Ring) Batch() []Transition {
	out := make([]Transition, 0, r.size)
	start := r.pos - r.size
	if start < 0 {
		start += r.capacity
	}
	for i := 0; i < r.size; i++ {
		t := r.transitions[(start+i)%r.capacity]
		if t.completed {
			out = append(out, t)
		}
	}
	return out
}

// Reset drops every transition. Existing handles become stale.
func (r *Ring) Reset() {
	r.pos = 0
	r.size = 0
}

// ComputeAdvantages runs generalized advantage estimation over the current
// batch, restarting accumulation at episode boundaries, and returns the
// per-transition advantages (normalized to zero mean and unit variance)
// and discounted returns, aligned with Batch().
func (r *Ring) ComputeAdvantages(gamma, lambda float64) (adv, returns []float64) {
	batch := r.Batch()
	n := len(batch)
	adv = make([]float64, n)
	returns = make([]float64, n)
	if n == 0 {
		return adv, returns
	}

	gae := 0.0
	for i := n - 1; i >= 0; i-- {
		nextValue := 0.0
		nextNonTerminal := 0.0
		if !batch[i].Done && i+1 < n {
			nextValue = batch[i+1].Value
			nextNonTerminal = 1.0
		}
		delta := batch[i].Reward + gamma*nextValue*nextNonTerminal - batch[i].Value
		gae = delta + gamma*lambda*nextNonTerminal*gae
		adv[i] = gae
		returns[i] = adv[i] + batch[i].Value
	}

	mean, std := stat.MeanStdDev(adv, nil)
	if std > 1e-8 {
		floats.AddConst(-mean, adv)
		floats.Scale(1/std, adv)
	}
	return adv, returns
}
