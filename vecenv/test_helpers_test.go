package vecenv

import (
	"fmt"
	"sync"
	"time"
)

// stubState scripts and records one slot's environment behavior. It is
// shared across rebuilt instances of the same slot so tests can count
// calls across curriculum reconstruction, and mutex-guarded because worker
// goroutines touch it.
type stubState struct {
	mu sync.Mutex

	constructCalls int
	constructErrs  int // leading factory calls that fail
	resetCalls     int
	resetErrs      int // leading resets that fail
	resetSizes     []int // scripted agent counts for successive resets
	stepCalls      int
	closeCalls     int

	fixedAgents []AgentID // agent ids to reuse every reset, if set
	reward      float64
	terminate   bool
	truncate    bool
	stepErr     error
	stepDelay   time.Duration
}

// stubCounts is a lock-free copy of the call counters.
type stubCounts struct {
	constructCalls int
	resetCalls     int
	stepCalls      int
	closeCalls     int
}

func (s *stubState) snapshot() stubCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stubCounts{
		constructCalls: s.constructCalls,
		resetCalls:     s.resetCalls,
		stepCalls:      s.stepCalls,
		closeCalls:     s.closeCalls,
	}
}

// stubEnv is a minimal Environment driven by a stubState.
type stubEnv struct {
	slot     int
	state    *stubState
	cfg      *EnvConfig
	renderer Renderer
	agents   []AgentID
}

func (e *stubEnv) Reset() (Observations, error) {
	s := e.state
	s.mu.Lock()
	s.resetCalls++
	if s.resetErrs > 0 {
		s.resetErrs--
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted reset failure")
	}
	n := 1
	if len(s.fixedAgents) > 0 {
		n = len(s.fixedAgents)
	} else if e.cfg != nil && e.cfg.RequiredAgents > 0 {
		n = e.cfg.RequiredAgents
	}
	if len(s.resetSizes) > 0 {
		n = s.resetSizes[0]
		s.resetSizes = s.resetSizes[1:]
	}
	gen := s.resetCalls
	e.agents = e.agents[:0]
	for i := 0; i < n; i++ {
		if len(s.fixedAgents) > i {
			e.agents = append(e.agents, s.fixedAgents[i])
		} else {
			e.agents = append(e.agents, AgentID(fmt.Sprintf("agent-%d-%d-%d", e.slot, gen, i)))
		}
	}
	s.mu.Unlock()
	return e.observations(), nil
}

func (e *stubEnv) Step(actions map[AgentID]Action) (StepResult, error) {
	s := e.state
	s.mu.Lock()
	s.stepCalls++
	err := s.stepErr
	reward := s.reward
	terminate := s.terminate
	truncate := s.truncate
	delay := s.stepDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return StepResult{}, err
	}

	result := StepResult{
		Obs:        e.observations(),
		Rewards:    make(map[AgentID]float64, len(e.agents)),
		Terminated: make(map[AgentID]bool, len(e.agents)),
		Truncated:  make(map[AgentID]bool, len(e.agents)),
	}
	for _, id := range e.agents {
		result.Rewards[id] = reward
		result.Terminated[id] = terminate
		result.Truncated[id] = truncate
	}
	return result, nil
}

func (e *stubEnv) observations() Observations {
	obs := make(Observations, len(e.agents))
	for _, id := range e.agents {
		// First element marks the slot so ordering tests can tell results apart.
		obs[id] = []float64{float64(e.slot), 1}
	}
	return obs
}

func (e *stubEnv) Render()                {}
func (e *stubEnv) Renderer() Renderer     { return e.renderer }
func (e *stubEnv) SetRenderer(r Renderer) { e.renderer = r }

func (e *stubEnv) Close() error {
	e.state.mu.Lock()
	e.state.closeCalls++
	e.state.mu.Unlock()
	return nil
}

// stubFactory builds a Factory over per-slot states.
func stubFactory(states map[int]*stubState) Factory {
	var mu sync.Mutex
	return func(opts FactoryOpts) (Environment, error) {
		mu.Lock()
		s, ok := states[opts.Slot]
		if !ok {
			s = &stubState{}
			states[opts.Slot] = s
		}
		mu.Unlock()

		s.mu.Lock()
		s.constructCalls++
		fail := s.constructErrs > 0
		if fail {
			s.constructErrs--
		}
		s.mu.Unlock()
		if fail {
			return nil, fmt.Errorf("scripted construction failure")
		}
		return &stubEnv{slot: opts.Slot, state: s, cfg: opts.Config, renderer: opts.Renderer}, nil
	}
}

// fastOpts returns coordinator options with short timeouts for tests.
func fastOpts(numEnvs int, factory Factory) Options {
	return Options{
		NumEnvs:          numEnvs,
		Factory:          factory,
		RecvTimeout:      500 * time.Millisecond,
		JoinTimeout:      200 * time.Millisecond,
		RenderDelay:      time.Millisecond,
		ConstructBackoff: time.Millisecond,
		ResetBackoff:     time.Millisecond,
	}
}

// stubCurriculum hands out one fixed configuration and records reported
// outcomes.
type stubCurriculum struct {
	mu       sync.Mutex
	cfg      *EnvConfig
	outcomes []EpisodeOutcome
	requests int
}

func (c *stubCurriculum) EnvConfig() *EnvConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	return c.cfg.Clone()
}

func (c *stubCurriculum) UpdateProgressionStats(out EpisodeOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, out)
}

func (c *stubCurriculum) RequiresBots() bool { return false }

func (c *stubCurriculum) reported() []EpisodeOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EpisodeOutcome(nil), c.outcomes...)
}

// stubRenderer counts closes for ownership-transfer assertions.
type stubRenderer struct {
	mu     sync.Mutex
	closes int
}

func (r *stubRenderer) Close() error {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	return nil
}

func (r *stubRenderer) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func configWithAgents(stage string, n int) *EnvConfig {
	cfg := &EnvConfig{
		StageName: stage,
		Mutators: []Mutator{
			{Kind: MutatorFixedTeamSize, BlueSize: n},
		},
		Termination: &RuleNode{Kind: RuleGoal},
		Truncation:  &RuleNode{Kind: RuleTimeout, TimeoutTicks: 100},
	}
	cfg.Normalize()
	return cfg
}
