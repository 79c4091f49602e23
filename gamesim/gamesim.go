// Package gamesim implements a small two-dimensional ball-and-cars game
// used as the simulation behind the vectorized environment layer: cars
// accelerate on a bounded pitch, push the ball around, and score in the
// opposing goal. It is deliberately simple physics, but it exercises the
// full environment contract, including curriculum-driven reconstruction,
// episode-scoped agent identities, and rule-tree episode endings.
package gamesim

import (
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/jumpers775/Rlbot-thesis/vecenv"
)

// Pitch geometry and motion limits, loosely scaled to a Rocket League
// field so curriculum ball placements carry over.
const (
	halfWidth     = 4096.0
	halfLength    = 5120.0
	goalHalfWidth = 893.0
	maxCarSpeed   = 2300.0
	maxBallSpeed  = 6000.0
	accelRate     = 1000.0
	drag          = 0.97
	touchRadius   = 200.0
	hitImpulse    = 1200.0
	dt            = 1.0 / 15.0
)

// Reward weights for the shaped per-step reward terms.
const (
	proximityWeight  = 0.004
	velToGoalWeight  = 0.006
	touchReward      = 0.3
	goalReward       = 10.0
	defaultTimeout   = 900
	defaultBlueCars  = 1
	defaultObsLength = 9
)

// ObsSize returns the observation vector length produced for each agent,
// given the stacker configuration (nil stacker means no augmentation).
func ObsSize(stacker *vecenv.ActionStacker) int {
	if stacker == nil {
		return defaultObsLength
	}
	return defaultObsLength + stacker.StackSize()*stacker.ActionSize()
}

// ActionSize is the per-agent action vector length: acceleration demand on
// each pitch axis, clipped to [-1, 1]. Shorter actions are zero-extended.
const ActionSize = 2

type car struct {
	id    vecenv.AgentID
	team  int // 0 blue (attacks +y), 1 orange (attacks -y)
	pos   [2]float64
	vel   [2]float64
	touch bool // touched the ball this step
}

// Frame is a snapshot handed to a renderer.
type Frame struct {
	Tick    int64
	BallPos [2]float64
	BallVel [2]float64
	Cars    map[vecenv.AgentID][2]float64
	Score   [2]int
}

// FrameRenderer is the renderer contract gamesim actually draws on. The
// coordinator only sees the opaque handle; drawing stays in this package.
type FrameRenderer interface {
	vecenv.Renderer
	DrawFrame(f Frame) error
}

// Game is one simulation instance implementing vecenv.Environment.
type Game struct {
	cfg      *vecenv.EnvConfig
	stacker  *vecenv.ActionStacker
	renderer vecenv.Renderer
	rng      *rand.Rand
	debug    bool

	tick      int64
	lastTouch int64
	cars      []*car
	ballPos   [2]float64
	ballVel   [2]float64
	score     [2]int
	goal      int // -1 none, 0 blue scored, 1 orange scored
	closed    bool
}

// Options configures one Game instance directly, mainly for tests. The
// coordinator goes through NewFactory instead.
type Options struct {
	Config   *vecenv.EnvConfig
	Stacker  *vecenv.ActionStacker
	Renderer vecenv.Renderer
	Rand     *rand.Rand
	Debug    bool
}

// New builds a Game. A nil configuration yields a single blue car with the
// default timeout and goal termination.
func New(opts Options) (*Game, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = defaultConfig()
	} else {
		cfg = cfg.Clone()
		cfg.Normalize()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	blue, orange := teamSizes(cfg)
	if blue+orange <= 0 {
		return nil, fmt.Errorf("gamesim: stage %q asks for zero agents", cfg.StageName)
	}
	return &Game{
		cfg:      cfg,
		stacker:  opts.Stacker,
		renderer: opts.Renderer,
		rng:      rng,
		debug:    opts.Debug,
		goal:     -1,
	}, nil
}

// NewFactory returns a vecenv.Factory producing deterministic but
// per-slot-isolated games for a training key. Rebuilt instances (curriculum
// reconfiguration) get fresh derived seeds so episodes do not repeat.
func NewFactory(key vecenv.TrainingKey) vecenv.Factory {
	var builds atomic.Int64
	return func(opts vecenv.FactoryOpts) (vecenv.Environment, error) {
		seed := vecenv.DeriveSeed(key, vecenv.SubsystemSlot(opts.Slot))
		seed ^= int64(uint64(builds.Add(1)) * 0x9e3779b97f4a7c15)
		return New(Options{
			Config:   opts.Config,
			Stacker:  opts.Stacker,
			Renderer: opts.Renderer,
			Rand:     rand.New(rand.NewSource(seed)),
			Debug:    opts.Debug,
		})
	}
}

func defaultConfig() *vecenv.EnvConfig {
	cfg := &vecenv.EnvConfig{
		StageName: "default",
		Mutators: []vecenv.Mutator{
			{Kind: vecenv.MutatorFixedTeamSize, BlueSize: defaultBlueCars},
		},
		Termination: &vecenv.RuleNode{Kind: vecenv.RuleGoal},
		Truncation:  &vecenv.RuleNode{Kind: vecenv.RuleTimeout, TimeoutTicks: defaultTimeout},
	}
	cfg.Normalize()
	return cfg
}

func teamSizes(cfg *vecenv.EnvConfig) (blue, orange int) {
	for _, m := range cfg.Mutators {
		if m.Kind == vecenv.MutatorFixedTeamSize {
			return m.BlueSize, m.OrangeSize
		}
	}
	return cfg.RequiredAgents, 0
}

// Reset starts a new episode: fresh episode-scoped agent identities, state
// mutators applied in order, timeout windows rebased to the current tick.
func (g *Game) Reset() (vecenv.Observations, error) {
	if g.closed {
		return nil, fmt.Errorf("gamesim: reset on closed game")
	}
	blue, orange := teamSizes(g.cfg)
	g.cars = g.cars[:0]
	for i := 0; i < blue; i++ {
		g.cars = append(g.cars, g.spawnCar(0))
	}
	for i := 0; i < orange; i++ {
		g.cars = append(g.cars, g.spawnCar(1))
	}

	g.ballPos = [2]float64{0, 0}
	g.ballVel = [2]float64{0, 0}
	for _, m := range g.cfg.Mutators {
		switch m.Kind {
		case vecenv.MutatorKickoff:
			g.placeKickoff()
		case vecenv.MutatorBallPosition:
			g.ballPos = [2]float64{m.BallX, m.BallY}
		}
	}

	g.goal = -1
	g.lastTouch = g.tick
	g.cfg.Termination.RebaseTimeouts(g.tick)
	g.cfg.Truncation.RebaseTimeouts(g.tick)

	return g.observations(), nil
}

func (g *Game) spawnCar(team int) *car {
	// New identity every episode: agent ids are episode-scoped.
	side := 1.0
	if team == 0 {
		side = -1.0
	}
	return &car{
		id:   vecenv.AgentID(uuid.NewString()),
		team: team,
		pos: [2]float64{
			(g.rng.Float64()*2 - 1) * halfWidth * 0.8,
			side * (g.rng.Float64()*0.5 + 0.3) * halfLength,
		},
	}
}

func (g *Game) placeKickoff() {
	for i, c := range g.cars {
		side := -1.0
		if c.team == 1 {
			side = 1.0
		}
		offset := float64(i%3-1) * 1024
		c.pos = [2]float64{offset, side * 2048}
		c.vel = [2]float64{}
	}
	g.ballPos = [2]float64{0, 0}
	g.ballVel = [2]float64{0, 0}
}

// Step advances the game one tick.
func (g *Game) Step(actions map[vecenv.AgentID]vecenv.Action) (vecenv.StepResult, error) {
	if g.closed {
		return vecenv.StepResult{}, fmt.Errorf("gamesim: step on closed game")
	}
	g.tick++

	for _, c := range g.cars {
		c.touch = false
		a := actions[c.id]
		ax, ay := 0.0, 0.0
		if len(a) > 0 {
			ax = clip(a[0], -1, 1)
		}
		if len(a) > 1 {
			ay = clip(a[1], -1, 1)
		}
		c.vel[0] = clip(c.vel[0]*drag+ax*accelRate*dt, -maxCarSpeed, maxCarSpeed)
		c.vel[1] = clip(c.vel[1]*drag+ay*accelRate*dt, -maxCarSpeed, maxCarSpeed)
		c.pos[0] = clip(c.pos[0]+c.vel[0]*dt, -halfWidth, halfWidth)
		c.pos[1] = clip(c.pos[1]+c.vel[1]*dt, -halfLength, halfLength)

		if dist2(c.pos, g.ballPos) < touchRadius {
			g.hitBall(c)
		}
	}
	g.moveBall()

	result := vecenv.StepResult{
		Obs:        g.observations(),
		Rewards:    make(map[vecenv.AgentID]float64, len(g.cars)),
		Terminated: make(map[vecenv.AgentID]bool, len(g.cars)),
		Truncated:  make(map[vecenv.AgentID]bool, len(g.cars)),
	}
	terminated := g.evalRule(g.cfg.Termination)
	truncated := !terminated && g.evalRule(g.cfg.Truncation)
	for _, c := range g.cars {
		result.Rewards[c.id] = g.reward(c)
		result.Terminated[c.id] = terminated
		result.Truncated[c.id] = truncated
	}
	return result, nil
}

func (g *Game) hitBall(c *car) {
	dir := [2]float64{g.ballPos[0] - c.pos[0], g.ballPos[1] - c.pos[1]}
	n := math.Hypot(dir[0], dir[1])
	if n < 1e-9 {
		dir = [2]float64{0, 1}
		n = 1
	}
	g.ballVel[0] = clip(g.ballVel[0]+dir[0]/n*hitImpulse, -maxBallSpeed, maxBallSpeed)
	g.ballVel[1] = clip(g.ballVel[1]+dir[1]/n*hitImpulse, -maxBallSpeed, maxBallSpeed)
	c.touch = true
	g.lastTouch = g.tick
}

func (g *Game) moveBall() {
	g.ballPos[0] += g.ballVel[0] * dt
	g.ballPos[1] += g.ballVel[1] * dt
	g.ballVel[0] *= drag
	g.ballVel[1] *= drag

	// Side walls bounce, goal lines score or bounce.
	if g.ballPos[0] > halfWidth || g.ballPos[0] < -halfWidth {
		g.ballPos[0] = clip(g.ballPos[0], -halfWidth, halfWidth)
		g.ballVel[0] = -g.ballVel[0]
	}
	switch {
	case g.ballPos[1] > halfLength:
		if math.Abs(g.ballPos[0]) < goalHalfWidth {
			g.goal = 0
			g.score[0]++
		} else {
			g.ballPos[1] = halfLength
			g.ballVel[1] = -g.ballVel[1]
		}
	case g.ballPos[1] < -halfLength:
		if math.Abs(g.ballPos[0]) < goalHalfWidth {
			g.goal = 1
			g.score[1]++
		} else {
			g.ballPos[1] = -halfLength
			g.ballVel[1] = -g.ballVel[1]
		}
	}
}

// evalRule evaluates a rule tree against current game state with an
// explicit walk over the tagged variants.
func (g *Game) evalRule(n *vecenv.RuleNode) bool {
	if n == nil {
		return false
	}
	switch n.Kind {
	case vecenv.RuleGoal:
		return g.goal >= 0
	case vecenv.RuleTimeout:
		return g.tick-n.StartTick >= n.TimeoutTicks
	case vecenv.RuleNoTouch:
		return g.tick-g.lastTouch >= n.TimeoutTicks
	case vecenv.RuleAny:
		for _, c := range n.Children {
			if g.evalRule(c) {
				return true
			}
		}
		return false
	case vecenv.RuleAll:
		for _, c := range n.Children {
			if !g.evalRule(c) {
				return false
			}
		}
		return len(n.Children) > 0
	}
	return false
}

// reward combines the shaped terms: ball proximity, ball velocity toward
// the opposing goal, ball touch, and the sparse goal reward.
func (g *Game) reward(c *car) float64 {
	goalY := halfLength
	if c.team == 1 {
		goalY = -halfLength
	}
	maxDist := math.Hypot(2*halfWidth, 2*halfLength)
	r := proximityWeight * (1 - dist2(c.pos, g.ballPos)/maxDist)

	toGoal := [2]float64{-g.ballPos[0], goalY - g.ballPos[1]}
	n := math.Hypot(toGoal[0], toGoal[1])
	if n > 1e-9 {
		dot := floats.Dot(g.ballVel[:], []float64{toGoal[0] / n, toGoal[1] / n})
		r += velToGoalWeight * dot / maxBallSpeed
	}
	if c.touch {
		r += touchReward
	}
	if g.goal == c.team {
		r += goalReward
	} else if g.goal >= 0 {
		r -= goalReward
	}
	return r
}

func (g *Game) observations() vecenv.Observations {
	obs := make(vecenv.Observations, len(g.cars))
	for _, c := range g.cars {
		teamSign := 1.0
		if c.team == 1 {
			teamSign = -1.0
		}
		v := []float64{
			c.pos[0] / halfWidth, c.pos[1] / halfLength,
			c.vel[0] / maxCarSpeed, c.vel[1] / maxCarSpeed,
			g.ballPos[0] / halfWidth, g.ballPos[1] / halfLength,
			g.ballVel[0] / maxBallSpeed, g.ballVel[1] / maxBallSpeed,
			teamSign,
		}
		if g.stacker != nil {
			v = append(v, g.stacker.Flatten(c.id)...)
		}
		obs[c.id] = v
	}
	return obs
}

// Render draws the current frame if a frame-capable renderer is attached.
func (g *Game) Render() {
	fr, ok := g.renderer.(FrameRenderer)
	if !ok {
		return
	}
	f := Frame{
		Tick:    g.tick,
		BallPos: g.ballPos,
		BallVel: g.ballVel,
		Cars:    make(map[vecenv.AgentID][2]float64, len(g.cars)),
		Score:   g.score,
	}
	for _, c := range g.cars {
		f.Cars[c.id] = c.pos
	}
	if err := fr.DrawFrame(f); err != nil {
		logrus.Debugf("gamesim: draw frame: %v", err)
	}
}

// Renderer returns the attached renderer handle, or nil.
func (g *Game) Renderer() vecenv.Renderer { return g.renderer }

// SetRenderer attaches or detaches the renderer handle.
func (g *Game) SetRenderer(r vecenv.Renderer) { g.renderer = r }

// Ticks returns the engine tick count, which survives resets.
func (g *Game) Ticks() int64 { return g.tick }

// Score returns the blue and orange goal tallies for this instance.
func (g *Game) Score() (blue, orange int) { return g.score[0], g.score[1] }

// Close marks the game unusable. It does not close an attached renderer;
// renderer ownership is handled by the caller so the handle can outlive
// the instance.
func (g *Game) Close() error {
	g.closed = true
	return nil
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func dist2(a, b [2]float64) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}
