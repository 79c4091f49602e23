package vecenv

import (
	"fmt"
	"math/rand"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// EpisodeOutcome is what one finished episode reports back to the
// curriculum: how it ended and the mean reward across its agents.
type EpisodeOutcome struct {
	Success       bool
	Timeout       bool
	EpisodeReward float64
}

// CurriculumManager supplies a fresh per-episode configuration for each
// slot and consumes episode outcomes to adapt future configurations.
// Implementations may hand different slots different configurations so
// several stages train concurrently ("rehearsal").
type CurriculumManager interface {
	// EnvConfig returns the configuration for one slot's next episode.
	EnvConfig() *EnvConfig
	// UpdateProgressionStats records one finished episode.
	UpdateProgressionStats(out EpisodeOutcome)
	// RequiresBots reports whether the current stage needs scripted
	// opponents supplied from outside the simulation.
	RequiresBots() bool
}

// StageSpec describes one curriculum stage as loaded from a yaml stages
// file.
type StageSpec struct {
	Name               string  `yaml:"name"`
	BlueSize           int     `yaml:"blue_size"`
	OrangeSize         int     `yaml:"orange_size"`
	TimeoutTicks       int64   `yaml:"timeout_ticks"`
	NoTouchTicks       int64   `yaml:"no_touch_ticks"`
	BallX              float64 `yaml:"ball_x"`
	BallY              float64 `yaml:"ball_y"`
	Kickoff            bool    `yaml:"kickoff"`
	PromoteSuccessRate float64 `yaml:"promote_success_rate"`
	DemoteSuccessRate  float64 `yaml:"demote_success_rate"`
	Window             int     `yaml:"window"`
	RequiresBots       bool    `yaml:"requires_bots"`
}

// Config builds the EnvConfig value for this stage.
func (s StageSpec) Config() *EnvConfig {
	mutators := []Mutator{
		{Kind: MutatorFixedTeamSize, BlueSize: s.BlueSize, OrangeSize: s.OrangeSize},
	}
	if s.Kickoff {
		mutators = append(mutators, Mutator{Kind: MutatorKickoff})
	} else if s.BallX != 0 || s.BallY != 0 {
		mutators = append(mutators, Mutator{Kind: MutatorBallPosition, BallX: s.BallX, BallY: s.BallY})
	}

	trunc := &RuleNode{Kind: RuleAny, Children: []*RuleNode{
		{Kind: RuleTimeout, TimeoutTicks: s.TimeoutTicks},
	}}
	if s.NoTouchTicks > 0 {
		trunc.Children = append(trunc.Children,
			&RuleNode{Kind: RuleNoTouch, TimeoutTicks: s.NoTouchTicks})
	}

	cfg := &EnvConfig{
		StageName:   s.Name,
		Mutators:    mutators,
		Termination: &RuleNode{Kind: RuleGoal},
		Truncation:  trunc,
	}
	cfg.Normalize()
	return cfg
}

// LoadStages reads a yaml stages file.
func LoadStages(path string) ([]StageSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stages file: %w", err)
	}
	var doc struct {
		Stages []StageSpec `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse stages file: %w", err)
	}
	if len(doc.Stages) == 0 {
		return nil, fmt.Errorf("stages file %s defines no stages", path)
	}
	return doc.Stages, nil
}

// DefaultStages is the built-in three-stage progression used when no
// stages file is given: touch the ball, then shoot at an open goal, then
// full 1v1 kickoffs.
func DefaultStages() []StageSpec {
	return []StageSpec{
		{
			Name: "ball-touch", BlueSize: 1, OrangeSize: 0,
			TimeoutTicks: 900, NoTouchTicks: 450, BallX: 0, BallY: 1000,
			PromoteSuccessRate: 0.7, DemoteSuccessRate: 0.2, Window: 50,
		},
		{
			Name: "open-goal", BlueSize: 1, OrangeSize: 0,
			TimeoutTicks: 1800, BallX: 0, BallY: 3000,
			PromoteSuccessRate: 0.6, DemoteSuccessRate: 0.15, Window: 50,
		},
		{
			Name: "kickoff-1v1", BlueSize: 1, OrangeSize: 1,
			TimeoutTicks: 3600, NoTouchTicks: 900, Kickoff: true,
			PromoteSuccessRate: 0.55, DemoteSuccessRate: 0.1, Window: 100,
		},
	}
}

// CurriculumStats is a snapshot of curriculum progress for logging.
type CurriculumStats struct {
	CurrentStage    string
	StageIndex      int
	DifficultyLevel float64
	Episodes        int
	Successes       int
	Timeouts        int
	WindowRate      float64
	MeanReward      float64
}

// StageCurriculum adapts task difficulty through an ordered list of stages.
// Promotion and demotion are driven by the success rate over a sliding
// window of recent episodes, and EnvConfig sometimes deals an earlier
// stage for rehearsal so skills do not wash out.
type StageCurriculum struct {
	mu            sync.Mutex
	stages        []StageSpec
	current       int
	window        []bool
	rehearsalProb float64
	rng           *rand.Rand

	episodes  int
	successes int
	timeouts  int
	rewardSum float64
}

// NewStageCurriculum builds a manager over the given stages. rehearsalProb
// is the probability a configuration request is served from a random
// earlier stage rather than the current one.
func NewStageCurriculum(stages []StageSpec, rehearsalProb float64, rng *rand.Rand) (*StageCurriculum, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("stage curriculum needs at least one stage")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	for i := range stages {
		if stages[i].Window <= 0 {
			stages[i].Window = 50
		}
		if stages[i].TimeoutTicks <= 0 {
			stages[i].TimeoutTicks = 900
		}
	}
	return &StageCurriculum{
		stages:        stages,
		rehearsalProb: rehearsalProb,
		rng:           rng,
	}, nil
}

// EnvConfig returns the configuration for one slot's next episode. Each
// call may return a different stage, which is how heterogeneous rehearsal
// across slots happens.
func (c *StageCurriculum) EnvConfig() *EnvConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.current
	if idx > 0 && c.rehearsalProb > 0 && c.rng.Float64() < c.rehearsalProb {
		idx = c.rng.Intn(c.current)
	}
	return c.stages[idx].Config()
}

// UpdateProgressionStats records one finished episode and moves the
// current stage when the windowed success rate crosses a threshold.
func (c *StageCurriculum) UpdateProgressionStats(out EpisodeOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.episodes++
	c.rewardSum += out.EpisodeReward
	if out.Success {
		c.successes++
	}
	if out.Timeout {
		c.timeouts++
	}

	stage := c.stages[c.current]
	c.window = append(c.window, out.Success)
	if len(c.window) > stage.Window {
		c.window = c.window[len(c.window)-stage.Window:]
	}
	if len(c.window) < stage.Window {
		return
	}

	rate := c.windowRate()
	switch {
	case stage.PromoteSuccessRate > 0 && rate >= stage.PromoteSuccessRate && c.current < len(c.stages)-1:
		c.current++
		c.window = c.window[:0]
	case stage.DemoteSuccessRate > 0 && rate < stage.DemoteSuccessRate && c.current > 0:
		c.current--
		c.window = c.window[:0]
	}
}

// RequiresBots reports whether the current stage needs scripted opponents.
func (c *StageCurriculum) RequiresBots() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stages[c.current].RequiresBots
}

// Stats returns a snapshot for progress logging.
func (c *StageCurriculum) Stats() CurriculumStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	meanReward := 0.0
	if c.episodes > 0 {
		meanReward = c.rewardSum / float64(c.episodes)
	}
	return CurriculumStats{
		CurrentStage:    c.stages[c.current].Name,
		StageIndex:      c.current,
		DifficultyLevel: float64(c.current) / float64(max(len(c.stages)-1, 1)),
		Episodes:        c.episodes,
		Successes:       c.successes,
		Timeouts:        c.timeouts,
		WindowRate:      c.windowRate(),
		MeanReward:      meanReward,
	}
}

func (c *StageCurriculum) windowRate() float64 {
	if len(c.window) == 0 {
		return 0
	}
	n := 0
	for _, ok := range c.window {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(c.window))
}
