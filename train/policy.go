package train

import (
	"math"
	"math/rand"

	"github.com/jumpers775/Rlbot-thesis/buffer"
	"github.com/jumpers775/Rlbot-thesis/vecenv"
)

// ActionChoice is one policy decision: the action to dispatch plus the
// log-probability and value estimate recorded with the transition.
type ActionChoice struct {
	Action  vecenv.Action
	LogProb float64
	Value   float64
}

// Policy selects one action per observation in a batch. The batch is the
// flattened observation set across all slots and agents, so implementations
// can evaluate everything in a single forward pass.
type Policy interface {
	SelectActions(obs [][]float64) ([]ActionChoice, error)
}

// Stats is what one learner update reports back for progress logging.
type Stats struct {
	ActorLoss         float64
	CriticLoss        float64
	EntropyLoss       float64
	MeanEpisodeReward float64
}

// Learner consumes a full rollout buffer and improves the policy. The
// optimization internals live behind this interface; the driver only
// schedules updates.
type Learner interface {
	Update(ring *buffer.Ring) (Stats, error)
}

// RandomPolicy samples uniform actions in [-1, 1]. It is the stand-in
// policy for smoke runs and tests; a network-backed policy satisfies the
// same interface.
type RandomPolicy struct {
	ActionSize int
	Rand       *rand.Rand
}

// SelectActions returns one uniform action per observation. The reported
// log-probability is the constant density of the uniform cube and the
// value estimate is zero.
func (p *RandomPolicy) SelectActions(obs [][]float64) ([]ActionChoice, error) {
	logProb := -float64(p.ActionSize) * math.Log(2)
	out := make([]ActionChoice, len(obs))
	for i := range obs {
		a := make(vecenv.Action, p.ActionSize)
		for j := range a {
			a[j] = p.Rand.Float64()*2 - 1
		}
		out[i] = ActionChoice{Action: a, LogProb: logProb}
	}
	return out, nil
}

// NoopLearner discards rollouts without learning. Used when running the
// collection layer standalone.
type NoopLearner struct{}

// Update drops the buffered rollout and reports empty stats.
func (NoopLearner) Update(ring *buffer.Ring) (Stats, error) {
	return Stats{}, nil
}
