package vecenv

import "sync"

// ActionStacker keeps a fixed-length rolling history of past actions per
// agent identity, used to augment observations. Histories are cleared at
// episode boundaries, not environment boundaries, because a fresh agent id
// set may reuse the same slot.
//
// Pool-mode slots step concurrently and share one stacker, so access is
// guarded by a mutex.
type ActionStacker struct {
	mu         sync.Mutex
	stackSize  int
	actionSize int
	histories  map[AgentID][]Action
}

// NewActionStacker returns a stacker holding the stackSize most recent
// actions of actionSize elements each.
func NewActionStacker(stackSize, actionSize int) *ActionStacker {
	if stackSize < 1 {
		stackSize = 1
	}
	if actionSize < 1 {
		actionSize = 1
	}
	return &ActionStacker{
		stackSize:  stackSize,
		actionSize: actionSize,
		histories:  make(map[AgentID][]Action),
	}
}

// StackSize returns the fixed history length.
func (s *ActionStacker) StackSize() int { return s.stackSize }

// ActionSize returns the per-action vector length.
func (s *ActionStacker) ActionSize() int { return s.actionSize }

// AddAction appends an action to the agent's history, evicting the oldest
// entry beyond capacity.
func (s *ActionStacker) AddAction(id AgentID, a Action) {
	stored := make(Action, s.actionSize)
	copy(stored, a)

	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.histories[id], stored)
	if len(h) > s.stackSize {
		h = h[len(h)-s.stackSize:]
	}
	s.histories[id] = h
}

// ResetAgent clears the history of one identity.
func (s *ActionStacker) ResetAgent(id AgentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, id)
}

// StackedActions returns the agent's history padded with zero actions to a
// constant shape of exactly stackSize entries, oldest first.
func (s *ActionStacker) StackedActions(id AgentID) []Action {
	s.mu.Lock()
	h := s.histories[id]
	out := make([]Action, s.stackSize)
	pad := s.stackSize - len(h)
	for i := 0; i < pad; i++ {
		out[i] = make(Action, s.actionSize)
	}
	for i, a := range h {
		cp := make(Action, s.actionSize)
		copy(cp, a)
		out[pad+i] = cp
	}
	s.mu.Unlock()
	return out
}

// Flatten returns the stacked history as one flat vector of
// stackSize*actionSize elements, ready to append to an observation.
func (s *ActionStacker) Flatten(id AgentID) []float64 {
	stacked := s.StackedActions(id)
	out := make([]float64, 0, s.stackSize*s.actionSize)
	for _, a := range stacked {
		out = append(out, a...)
	}
	return out
}
