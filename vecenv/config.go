package vecenv

// RuleKind tags the variants of a RuleNode.
type RuleKind int

const (
	// RuleGoal ends the episode when a goal is scored.
	RuleGoal RuleKind = iota
	// RuleTimeout truncates the episode after TimeoutTicks ticks measured
	// from StartTick.
	RuleTimeout
	// RuleNoTouch truncates the episode when no agent has touched the ball
	// for TimeoutTicks ticks.
	RuleNoTouch
	// RuleAny fires when any child fires.
	RuleAny
	// RuleAll fires when every child fires.
	RuleAll
)

// RuleNode is one node of a termination or truncation rule tree. The tree
// is a tagged sum traversed with Visit; there is no reflective inspection
// of rule objects anywhere in this package.
type RuleNode struct {
	Kind         RuleKind
	TimeoutTicks int64
	// StartTick is the tick the timeout window opened at. It is the only
	// mutable field; resets rebase it to the current engine tick.
	StartTick int64
	Children  []*RuleNode
}

// Visit walks the tree in pre-order, calling fn on every node.
func (n *RuleNode) Visit(fn func(*RuleNode)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Visit(fn)
	}
}

// RebaseTimeouts sets the start tick of every timeout variant in the tree.
// Called when an episode begins so timeout windows measure episode time,
// not engine lifetime.
func (n *RuleNode) RebaseTimeouts(tick int64) {
	n.Visit(func(r *RuleNode) {
		if r.Kind == RuleTimeout || r.Kind == RuleNoTouch {
			r.StartTick = tick
		}
	})
}

// Clone deep-copies the tree.
func (n *RuleNode) Clone() *RuleNode {
	if n == nil {
		return nil
	}
	out := &RuleNode{
		Kind:         n.Kind,
		TimeoutTicks: n.TimeoutTicks,
		StartTick:    n.StartTick,
	}
	if len(n.Children) > 0 {
		out.Children = make([]*RuleNode, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// MutatorKind tags the state-mutator variants applied at episode start.
type MutatorKind int

const (
	// MutatorFixedTeamSize fixes the blue and orange team sizes.
	MutatorFixedTeamSize MutatorKind = iota
	// MutatorKickoff places cars and ball in kickoff positions.
	MutatorKickoff
	// MutatorBallPosition places the ball at a fixed position.
	MutatorBallPosition
)

// Mutator is one state-setup rule. Like RuleNode it is a plain value so a
// configuration can cross the worker boundary by copy.
type Mutator struct {
	Kind       MutatorKind
	BlueSize   int
	OrangeSize int
	BallX      float64
	BallY      float64
}

// EnvConfig is the per-episode curriculum configuration: which stage the
// slot is training, how many agents it needs, and the state-setup and
// episode-ending rules to build the simulation with. It contains no live
// simulation state and is consumed once at environment (re)construction.
type EnvConfig struct {
	StageName      string
	RequiredAgents int
	Mutators       []Mutator
	Termination    *RuleNode
	Truncation     *RuleNode
}

// Clone returns an independent deep copy. Configurations are always copied,
// never shared, across the slot boundary.
func (c *EnvConfig) Clone() *EnvConfig {
	if c == nil {
		return nil
	}
	out := &EnvConfig{
		StageName:      c.StageName,
		RequiredAgents: c.RequiredAgents,
		Termination:    c.Termination.Clone(),
		Truncation:     c.Truncation.Clone(),
	}
	if len(c.Mutators) > 0 {
		out.Mutators = make([]Mutator, len(c.Mutators))
		copy(out.Mutators, c.Mutators)
	}
	return out
}

// Normalize fills RequiredAgents from a fixed-team-size mutator when the
// stage did not set it explicitly. Falls back to a single agent.
func (c *EnvConfig) Normalize() {
	if c == nil || c.RequiredAgents > 0 {
		return
	}
	for _, m := range c.Mutators {
		if m.Kind == MutatorFixedTeamSize {
			c.RequiredAgents = m.BlueSize + m.OrangeSize
			return
		}
	}
	c.RequiredAgents = 1
}
