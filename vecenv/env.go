package vecenv

// AgentID identifies one agent within one episode of one slot. Identities
// are stable for the lifetime of an episode only: a reset may mint an
// entirely new id set, e.g. when the curriculum changes team sizes.
type AgentID string

// Action is the numeric array form every agent action is normalized to
// before it reaches a simulation.
type Action []float64

// Observations maps each active agent to its observation vector.
type Observations map[AgentID][]float64

// StepResult is the outcome of advancing one simulation by one step.
type StepResult struct {
	Obs        Observations
	Rewards    map[AgentID]float64
	Terminated map[AgentID]bool
	Truncated  map[AgentID]bool
}

// Done reports whether any agent finished the episode this step.
func (r StepResult) Done() bool {
	for _, t := range r.Terminated {
		if t {
			return true
		}
	}
	for _, t := range r.Truncated {
		if t {
			return true
		}
	}
	return false
}

// Renderer is an owned display resource. At most one slot (slot 0) holds
// one, and it must be detached from an Environment before that environment
// is closed so the handle survives reconstruction.
type Renderer interface {
	Close() error
}

// Environment is one opaque simulation instance. Implementations are not
// safe for concurrent use; the coordinator guarantees at most one caller
// per instance.
type Environment interface {
	// Reset starts a new episode and returns the initial observations.
	Reset() (Observations, error)
	// Step advances the simulation by one tick of agent actions.
	Step(actions map[AgentID]Action) (StepResult, error)
	// Render draws the current state on the attached renderer, if any.
	Render()
	// Renderer returns the currently attached renderer handle, or nil.
	Renderer() Renderer
	// SetRenderer attaches or detaches the renderer handle.
	SetRenderer(Renderer)
	Close() error
}

// FactoryOpts carries everything an environment factory needs to build one
// simulation instance for one slot.
type FactoryOpts struct {
	Slot     int
	Renderer Renderer
	Stacker  *ActionStacker
	Config   *EnvConfig // nil means the factory's default configuration
	Debug    bool
}

// Factory constructs one simulation instance. The coordinator retries
// factory failures before giving up on a slot.
type Factory func(opts FactoryOpts) (Environment, error)

// NormalizeAction coerces an action into the array form simulations expect.
// A nil action becomes a single-element zero vector, mirroring how scalar
// actions are wrapped before dispatch.
func NormalizeAction(a Action) Action {
	if len(a) == 0 {
		return Action{0}
	}
	out := make(Action, len(a))
	copy(out, a)
	return out
}
