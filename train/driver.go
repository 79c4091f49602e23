// Package train drives data collection against the vectorized environment
// layer: it batches observations across every slot and agent, queries the
// policy once per step, dispatches the chosen actions, and patches the
// resulting rewards into the rollout buffer for periodic learner updates.
package train

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jumpers775/Rlbot-thesis/buffer"
	"github.com/jumpers775/Rlbot-thesis/vecenv"
)

// VectorizedEnv is the coordinator surface the driver consumes.
// *vecenv.VecEnv implements it.
type VectorizedEnv interface {
	NumEnvs() int
	ObsDicts() []vecenv.Observations
	Step(actionsBySlot []map[vecenv.AgentID]vecenv.Action) ([]vecenv.StepResult, []bool, []int, error)
	Close() error
}

// StatsProvider exposes curriculum progress for run logging. Optional.
type StatsProvider interface {
	Stats() vecenv.CurriculumStats
}

// Options configures a Driver.
type Options struct {
	Env     VectorizedEnv
	Policy  Policy
	Learner Learner
	Ring    *buffer.Ring

	// UpdateInterval is the number of collected experiences that triggers
	// a learner update.
	UpdateInterval int
	// TotalEpisodes stops the run after this many completed episodes.
	// Zero means no episode budget.
	TotalEpisodes int
	// Duration stops the run after this much wall-clock time. Zero means
	// no time budget. At least one budget or an external cancel must end
	// the run.
	Duration time.Duration
	// LogInterval spaces progress log lines. Defaults to 10s.
	LogInterval time.Duration

	// Curriculum, when set, contributes stage names to episode metrics
	// and progress lines.
	Curriculum StatsProvider
	Metrics    *Metrics
}

// Driver owns the collection loop.
type Driver struct {
	opts    Options
	metrics *Metrics

	episodeRewards []map[vecenv.AgentID]float64
	sinceUpdate    int
	episodes       int
}

// NewDriver validates options and returns a Driver.
func NewDriver(opts Options) (*Driver, error) {
	if opts.Env == nil || opts.Policy == nil || opts.Ring == nil {
		return nil, fmt.Errorf("train: Env, Policy, and Ring are required")
	}
	if opts.UpdateInterval <= 0 {
		return nil, fmt.Errorf("train: UpdateInterval must be positive")
	}
	if opts.LogInterval <= 0 {
		opts.LogInterval = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	d := &Driver{
		opts:           opts,
		metrics:        opts.Metrics,
		episodeRewards: make([]map[vecenv.AgentID]float64, opts.Env.NumEnvs()),
	}
	for i := range d.episodeRewards {
		d.episodeRewards[i] = make(map[vecenv.AgentID]float64)
	}
	return d, nil
}

// Metrics returns the run metrics.
func (d *Driver) Metrics() *Metrics { return d.metrics }

// Run collects experience until an episode budget, time budget, or context
// cancellation ends the run. A final learner update flushes any remaining
// experiences.
func (d *Driver) Run(ctx context.Context) error {
	start := time.Now()
	lastLog := start

	for {
		select {
		case <-ctx.Done():
			return d.finish(ctx.Err())
		default:
		}
		if d.opts.TotalEpisodes > 0 && d.episodes >= d.opts.TotalEpisodes {
			return d.finish(nil)
		}
		if d.opts.Duration > 0 && time.Since(start) >= d.opts.Duration {
			return d.finish(nil)
		}

		if err := d.step(); err != nil {
			d.finish(nil)
			return err
		}

		if time.Since(lastLog) >= d.opts.LogInterval {
			d.logProgress()
			lastLog = time.Now()
		}
	}
}

// flatEntry locates one flattened batch row back in its slot.
type flatEntry struct {
	slot   int
	agent  vecenv.AgentID
	handle buffer.Handle
}

// step performs one full collect cycle: batch, select, dispatch, patch.
func (d *Driver) step() error {
	numEnvs := d.opts.Env.NumEnvs()
	obsDicts := d.opts.Env.ObsDicts()

	// Flatten observations across slots. Agent order inside a slot is
	// sorted so a fixed seed yields a fixed batch layout.
	var batch [][]float64
	var entries []flatEntry
	for slot := 0; slot < numEnvs; slot++ {
		ids := make([]vecenv.AgentID, 0, len(obsDicts[slot]))
		for id := range obsDicts[slot] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		for _, id := range ids {
			batch = append(batch, obsDicts[slot][id])
			entries = append(entries, flatEntry{slot: slot, agent: id})
		}
	}

	actionsBySlot := make([]map[vecenv.AgentID]vecenv.Action, numEnvs)
	for i := range actionsBySlot {
		actionsBySlot[i] = make(map[vecenv.AgentID]vecenv.Action)
	}

	// Every slot can end up empty at the same time (e.g. degraded slots);
	// stepping with empty maps keeps worker-mode slots alive.
	if len(batch) > 0 {
		choices, err := d.opts.Policy.SelectActions(batch)
		if err != nil {
			return fmt.Errorf("select actions: %w", err)
		}
		if len(choices) != len(batch) {
			return fmt.Errorf("policy returned %d choices for %d observations",
				len(choices), len(batch))
		}
		for i, choice := range choices {
			e := &entries[i]
			actionsBySlot[e.slot][e.agent] = choice.Action
			// Decision-time half of the transition; the outcome is patched
			// in below once the step result is known.
			e.handle = d.opts.Ring.Allocate(batch[i], choice.Action, choice.LogProb, choice.Value)
			d.metrics.TotalExperiences++
			d.sinceUpdate++
		}
	}

	results, dones, _, err := d.opts.Env.Step(actionsBySlot)
	if err != nil {
		return fmt.Errorf("vectorized step: %w", err)
	}
	d.metrics.TotalSteps++

	for _, e := range entries {
		reward, done := 0.0, false
		if r := results[e.slot]; r.Rewards != nil {
			reward = r.Rewards[e.agent]
			done = r.Terminated[e.agent] || r.Truncated[e.agent]
		}
		if err := d.opts.Ring.Complete(e.handle, reward, done); err != nil {
			logrus.Warnf("transition for slot %d lost: %v", e.slot, err)
		}
		d.episodeRewards[e.slot][e.agent] += reward
	}

	for slot, done := range dones {
		if !done {
			continue
		}
		d.recordEpisode(slot)
	}

	if d.sinceUpdate >= d.opts.UpdateInterval {
		d.update()
	}
	return nil
}

func (d *Driver) recordEpisode(slot int) {
	d.episodes++
	mean := 0.0
	if n := len(d.episodeRewards[slot]); n > 0 {
		for _, r := range d.episodeRewards[slot] {
			mean += r
		}
		mean /= float64(n)
	}
	stage := ""
	if d.opts.Curriculum != nil {
		stage = d.opts.Curriculum.Stats().CurrentStage
	}
	d.metrics.RecordEpisode(stage, mean)
	d.episodeRewards[slot] = make(map[vecenv.AgentID]float64)
}

func (d *Driver) update() {
	if d.opts.Learner == nil {
		d.opts.Ring.Reset()
		d.sinceUpdate = 0
		return
	}
	stats, err := d.opts.Learner.Update(d.opts.Ring)
	if err != nil {
		logrus.Errorf("learner update failed: %v", err)
	} else {
		d.metrics.TotalUpdates++
		logrus.Infof("update %d: actor=%.4f critic=%.4f entropy=%.4f",
			d.metrics.TotalUpdates, stats.ActorLoss, stats.CriticLoss, stats.EntropyLoss)
	}
	d.opts.Ring.Reset()
	d.sinceUpdate = 0
}

func (d *Driver) logProgress() {
	fields := logrus.Fields{
		"steps":    d.metrics.TotalSteps,
		"episodes": d.episodes,
		"reward":   fmt.Sprintf("%.3f", d.metrics.MeanEpisodeReward()),
		"exp":      fmt.Sprintf("%d/%d", d.sinceUpdate, d.opts.UpdateInterval),
	}
	if d.opts.Curriculum != nil {
		s := d.opts.Curriculum.Stats()
		fields["stage"] = s.CurrentStage
		fields["difficulty"] = fmt.Sprintf("%.2f", s.DifficultyLevel)
	}
	logrus.WithFields(fields).Info("training progress")
}

// finish performs the final flush.
func (d *Driver) finish(cause error) error {
	if d.sinceUpdate > 0 {
		d.update()
	}
	return cause
}
