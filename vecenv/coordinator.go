package vecenv

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Mode selects how slots execute. It is chosen once per VecEnv.
type Mode int

const (
	// ModeWorker runs every slot on an isolated worker goroutine behind a
	// private duplex channel pair. Default when not rendering.
	ModeWorker Mode = iota
	// ModePool steps slots inline on a bounded cooperative pool. Used when
	// rendering, because the renderer handle cannot be handed across an
	// isolated worker boundary.
	ModePool
)

func (m Mode) String() string {
	if m == ModePool {
		return "pool"
	}
	return "worker"
}

// maxPoolWorkers bounds the cooperative pool in pool mode.
const maxPoolWorkers = 32

// Options configures a VecEnv.
type Options struct {
	NumEnvs int
	Factory Factory
	Render  bool
	// NewRenderer builds the single renderer handle owned by slot 0.
	// Required when Render is set.
	NewRenderer func() (Renderer, error)
	Stacker     *ActionStacker
	Curriculum  CurriculumManager
	Debug       bool

	// RecvTimeout bounds every wait on a worker channel; its purpose is to
	// avoid indefinite blocking on a dead peer, not cancellation.
	RecvTimeout time.Duration
	// JoinTimeout bounds waiting for a worker to exit on Close.
	JoinTimeout time.Duration
	// RenderDelay throttles visualization after slot 0 steps.
	RenderDelay time.Duration
	// ConstructBackoff separates environment construction retries.
	ConstructBackoff time.Duration
	// ResetBackoff separates reset retries.
	ResetBackoff time.Duration
}

func (o *Options) applyDefaults() {
	if o.RecvTimeout <= 0 {
		o.RecvTimeout = 30 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = time.Second
	}
	if o.RenderDelay <= 0 {
		o.RenderDelay = 25 * time.Millisecond
	}
	if o.ConstructBackoff <= 0 {
		o.ConstructBackoff = time.Second
	}
	if o.ResetBackoff <= 0 {
		o.ResetBackoff = 100 * time.Millisecond
	}
}

// VecEnv manages a fixed pool of environment slots and exposes one
// synchronous batched Step to the training driver. Slots auto-reset on
// episode completion, relay outcomes to the curriculum, and recover from
// per-slot failures without aborting the pool.
//
// VecEnv methods are not safe for concurrent use; one driver goroutine
// owns the whole pool.
type VecEnv struct {
	opts Options
	mode Mode

	// worker mode
	workers []*worker
	// pool mode
	envs []Environment

	configs        []*EnvConfig
	obsDicts       []Observations
	dones          []bool
	episodeCounts  []int
	episodeRewards []map[AgentID]float64
	episodeSuccess []bool
	episodeTimeout []bool

	closed bool
}

// New constructs the pool, resets every slot, and renders slot 0 once when
// rendering. Construction failure on any slot after bounded retries is
// fatal: everything already built is torn down and an error is returned.
func New(opts Options) (*VecEnv, error) {
	if opts.NumEnvs <= 0 {
		return nil, fmt.Errorf("vecenv: NumEnvs must be positive, got %d", opts.NumEnvs)
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("vecenv: Factory is required")
	}
	if opts.Render && opts.NewRenderer == nil {
		return nil, fmt.Errorf("vecenv: Render requires NewRenderer")
	}
	opts.applyDefaults()

	v := &VecEnv{
		opts:           opts,
		configs:        make([]*EnvConfig, opts.NumEnvs),
		obsDicts:       make([]Observations, opts.NumEnvs),
		dones:          make([]bool, opts.NumEnvs),
		episodeCounts:  make([]int, opts.NumEnvs),
		episodeRewards: make([]map[AgentID]float64, opts.NumEnvs),
		episodeSuccess: make([]bool, opts.NumEnvs),
		episodeTimeout: make([]bool, opts.NumEnvs),
	}
	for i := range v.episodeRewards {
		v.episodeRewards[i] = make(map[AgentID]float64)
	}

	// Each slot gets its own configuration so different stages can train
	// concurrently. Configurations are copied: nothing live is shared with
	// the curriculum manager.
	for i := 0; i < opts.NumEnvs; i++ {
		if opts.Curriculum != nil {
			cfg := opts.Curriculum.EnvConfig().Clone()
			cfg.Normalize()
			v.configs[i] = cfg
			logrus.Debugf("slot %d: initial stage %q (%d agents)", i, cfg.StageName, cfg.RequiredAgents)
		}
	}

	// Mode is chosen once, globally: a renderer is not safely shareable
	// across the worker boundary.
	if opts.Render {
		v.mode = ModePool
		if err := v.initPool(); err != nil {
			v.Close()
			return nil, err
		}
	} else {
		v.mode = ModeWorker
		if err := v.initWorkers(); err != nil {
			v.Close()
			return nil, err
		}
	}
	logrus.Infof("vecenv: %d slots running in %s mode", opts.NumEnvs, v.mode)
	return v, nil
}

func (v *VecEnv) initPool() error {
	v.envs = make([]Environment, v.opts.NumEnvs)
	for i := range v.envs {
		var renderer Renderer
		if i == 0 {
			r, err := v.opts.NewRenderer()
			if err != nil {
				return fmt.Errorf("create renderer: %w", err)
			}
			renderer = r
		}
		env, err := constructWithRetry(v.opts.Factory, FactoryOpts{
			Slot:     i,
			Renderer: renderer,
			Stacker:  v.opts.Stacker,
			Config:   v.configs[i],
			Debug:    v.opts.Debug,
		}, v.opts.ConstructBackoff)
		if err != nil {
			if renderer != nil {
				renderer.Close()
			}
			return err
		}
		v.envs[i] = env
	}
	for i, env := range v.envs {
		obs, err := env.Reset()
		if err != nil {
			return fmt.Errorf("initial reset of slot %d: %w", i, err)
		}
		v.obsDicts[i] = obs
	}
	v.envs[0].Render()
	return nil
}

func (v *VecEnv) initWorkers() error {
	v.workers = make([]*worker, v.opts.NumEnvs)
	for i := range v.workers {
		v.workers[i] = newWorker(i, v.opts.Factory, FactoryOpts{
			Slot:    i,
			Stacker: v.opts.Stacker,
			Config:  v.configs[i],
			Debug:   v.opts.Debug,
		}, v.opts.RecvTimeout, v.opts.ConstructBackoff)
	}
	// Collect init acknowledgments. Construction failure propagates here.
	for i, w := range v.workers {
		resp, ok := w.recv(v.opts.RecvTimeout)
		if !ok {
			return fmt.Errorf("worker %d did not acknowledge construction", i)
		}
		if resp.err != nil {
			return resp.err
		}
	}
	// Initial reset of every slot; a timeout degrades that slot to an
	// empty observation set and best-effort closes its worker rather than
	// failing the pool.
	for _, w := range v.workers {
		w.send(command{kind: cmdReset})
	}
	for i, w := range v.workers {
		resp, ok := w.recv(v.opts.RecvTimeout)
		if !ok {
			logrus.Warnf("worker %d timed out during initial reset", i)
			v.obsDicts[i] = Observations{}
			w.send(command{kind: cmdClose})
			continue
		}
		v.obsDicts[i] = resp.obs
	}
	return nil
}

// Mode returns the scheduling mode chosen at construction.
func (v *VecEnv) Mode() Mode { return v.mode }

// NumEnvs returns the fixed pool size.
func (v *VecEnv) NumEnvs() int { return v.opts.NumEnvs }

// ObsDicts returns the retained per-slot current observations. After a
// slot auto-resets these are the post-reset observations, which is where
// the driver reads them; Step itself returns the pre-reset step outputs.
func (v *VecEnv) ObsDicts() []Observations { return v.obsDicts }

// EpisodeCount returns slot i's completed-episode count.
func (v *VecEnv) EpisodeCount(i int) int { return v.episodeCounts[i] }

// stepOutcome pairs a pool-mode task result with its slot for re-sorting.
type stepOutcome struct {
	slot   int
	result StepResult
	err    error
}

// Step dispatches one action mapping per slot, waits for every slot's
// result, auto-resets finished episodes, and returns the pre-reset step
// outputs together with copies of the done-flag and episode-count vectors.
//
// actionsBySlot must have exactly NumEnvs entries. An empty mapping skips
// the slot, which is only meaningful in pool mode.
func (v *VecEnv) Step(actionsBySlot []map[AgentID]Action) ([]StepResult, []bool, []int, error) {
	if v.closed {
		return nil, nil, nil, fmt.Errorf("vecenv: step after close")
	}
	if len(actionsBySlot) != v.opts.NumEnvs {
		return nil, nil, nil, fmt.Errorf("vecenv: got %d action maps, want %d",
			len(actionsBySlot), v.opts.NumEnvs)
	}

	var results []StepResult
	if v.mode == ModePool {
		results = v.stepPool(actionsBySlot)
	} else {
		results = v.stepWorkers(actionsBySlot)
	}

	dones := make([]bool, v.opts.NumEnvs)
	copy(dones, v.dones)
	counts := make([]int, v.opts.NumEnvs)
	copy(counts, v.episodeCounts)
	return results, dones, counts, nil
}

// stepWorkers sends every step command before blocking on any response so
// the slots simulate in true parallel. Responses arrive in slot order by
// construction, so no re-sort is needed.
func (v *VecEnv) stepWorkers(actionsBySlot []map[AgentID]Action) []StepResult {
	sent := make([]bool, v.opts.NumEnvs)
	for i, w := range v.workers {
		sent[i] = w.send(command{kind: cmdStep, actions: actionsBySlot[i]})
		if !sent[i] {
			logrus.Errorf("slot %d: worker is dead, skipping step", i)
		}
	}

	results := make([]StepResult, v.opts.NumEnvs)
	for i, w := range v.workers {
		if !sent[i] {
			continue
		}
		resp, ok := w.recv(v.opts.RecvTimeout)
		if !ok {
			logrus.Errorf("slot %d: no step response, treating slot as failed", i)
			continue
		}
		results[i] = resp.result
		v.processResult(i, resp.result)
	}
	return results
}

// stepPool submits one task per slot with actions to a bounded pool, joins
// them all, then explicitly re-sorts completion-ordered results by slot
// index before sequential processing.
func (v *VecEnv) stepPool(actionsBySlot []map[AgentID]Action) []StepResult {
	outcomes := make(chan stepOutcome, v.opts.NumEnvs)
	var g errgroup.Group
	g.SetLimit(min(maxPoolWorkers, v.opts.NumEnvs))

	submitted := 0
	for i, actions := range actionsBySlot {
		if len(actions) == 0 {
			continue
		}
		submitted++
		i, actions := i, actions
		g.Go(func() error {
			result, err := v.stepSlotInline(i, actions)
			outcomes <- stepOutcome{slot: i, result: result, err: err}
			return nil
		})
	}
	g.Wait()
	close(outcomes)

	// Results arrive in completion order; downstream logic must not rely
	// on that, so sort back into slot order here.
	collected := make([]stepOutcome, 0, submitted)
	for o := range outcomes {
		collected = append(collected, o)
	}
	sort.Slice(collected, func(a, b int) bool { return collected[a].slot < collected[b].slot })

	results := make([]StepResult, v.opts.NumEnvs)
	for _, o := range collected {
		if o.err != nil {
			// Step retries are exhausted: highest-severity local recovery,
			// rebuild the slot from scratch and move on.
			logrus.Errorf("slot %d: step failed after retries: %v", o.slot, o.err)
			v.recreateSlotInline(o.slot)
			continue
		}
		results[o.slot] = o.result
		v.processResult(o.slot, o.result)
	}
	return results
}

// stepSlotInline formats actions, records them in the stacker, and steps
// one slot's simulation with retry. Runs on the pool; it only touches
// state owned by its own slot.
func (v *VecEnv) stepSlotInline(slot int, actions map[AgentID]Action) (StepResult, error) {
	formatted := make(map[AgentID]Action, len(actions))
	for id, a := range actions {
		formatted[id] = NormalizeAction(a)
		if v.opts.Stacker != nil {
			v.opts.Stacker.AddAction(id, formatted[id])
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxResetAttempts; attempt++ {
		result, err := v.envs[slot].Step(formatted)
		if err == nil {
			if v.opts.Render && slot == 0 {
				v.envs[slot].Render()
				time.Sleep(v.opts.RenderDelay)
			}
			return result, nil
		}
		lastErr = err
		logrus.Debugf("slot %d: step attempt %d failed: %v", slot, attempt, err)
		if attempt < maxResetAttempts {
			time.Sleep(v.opts.ResetBackoff)
		}
	}
	return StepResult{}, lastErr
}

// processResult runs the per-slot episode bookkeeping after one step:
// reward accumulation, done classification, curriculum hand-off,
// reconfiguration, validated auto-reset, and stacker clearing.
func (v *VecEnv) processResult(slot int, result StepResult) {
	for id, r := range result.Rewards {
		v.episodeRewards[slot][id] += r
	}

	v.dones[slot] = result.Done()
	if !v.dones[slot] {
		v.obsDicts[slot] = result.Obs
		return
	}

	// Episode over: classify, report, reconfigure, reset.
	success := false
	for _, t := range result.Terminated {
		if t {
			success = true
			break
		}
	}
	timeout := false
	if !success {
		for _, t := range result.Truncated {
			if t {
				timeout = true
				break
			}
		}
	}
	v.episodeSuccess[slot] = success
	v.episodeTimeout[slot] = timeout
	v.episodeCounts[slot]++

	if v.opts.Curriculum != nil {
		avg := 0.0
		if n := len(v.episodeRewards[slot]); n > 0 {
			for _, r := range v.episodeRewards[slot] {
				avg += r
			}
			avg /= float64(n)
		}
		v.opts.Curriculum.UpdateProgressionStats(EpisodeOutcome{
			Success:       success,
			Timeout:       timeout,
			EpisodeReward: avg,
		})

		newConfig := v.opts.Curriculum.EnvConfig().Clone()
		newConfig.Normalize()
		v.configs[slot] = newConfig
		v.applyConfig(slot, newConfig)
	}

	v.resetSlot(slot)

	// Clear action history for every agent active at episode end. The new
	// episode may reuse none, some, or all of these identities.
	if v.opts.Stacker != nil {
		for id := range result.Obs {
			v.resetAgentHistory(slot, id)
		}
	}

	v.episodeRewards[slot] = make(map[AgentID]float64)
	v.episodeSuccess[slot] = false
	v.episodeTimeout[slot] = false
}

// applyConfig rebuilds the slot's simulation with a new configuration. In
// worker mode this is a strictly synchronous reconfigure command; in pool
// mode the environment is swapped in place with the renderer preserved.
func (v *VecEnv) applyConfig(slot int, cfg *EnvConfig) {
	if v.mode == ModeWorker {
		w := v.workers[slot]
		if !w.send(command{kind: cmdSetCurriculum, config: cfg.Clone()}) {
			logrus.Errorf("slot %d: cannot reconfigure dead worker", slot)
			return
		}
		if _, ok := w.recv(v.opts.RecvTimeout); !ok {
			logrus.Errorf("slot %d: reconfigure not acknowledged", slot)
		}
		return
	}

	env, err := rebuildEnv(v.envs[slot], v.opts.Factory, FactoryOpts{
		Slot:    slot,
		Stacker: v.opts.Stacker,
		Config:  cfg,
		Debug:   v.opts.Debug,
	})
	if err != nil {
		logrus.Errorf("slot %d: rebuild with new configuration: %v", slot, err)
		return
	}
	v.envs[slot] = env
}

// resetSlot resets a finished slot and validates that the returned agent
// count matches the slot's configuration, retrying up to maxResetAttempts
// times. Exhausted retries escalate to full slot recreation, attempted
// once as best effort.
func (v *VecEnv) resetSlot(slot int) {
	required := -1
	if cfg := v.configs[slot]; cfg != nil {
		required = cfg.RequiredAgents
	}

	for attempt := 1; attempt <= maxResetAttempts; attempt++ {
		obs, ok := v.requestReset(slot)
		if ok && (required < 0 || len(obs) == required) {
			v.obsDicts[slot] = obs
			v.renderAfterReset(slot)
			return
		}
		if ok {
			logrus.Warnf("slot %d: reset attempt %d returned %d agents, want %d",
				slot, attempt, len(obs), required)
		} else {
			logrus.Warnf("slot %d: reset attempt %d failed", slot, attempt)
		}
	}

	logrus.Warnf("slot %d: reset attempts exhausted, recreating environment", slot)
	v.recreateSlot(slot)
}

// requestReset performs one reset round trip for the slot.
func (v *VecEnv) requestReset(slot int) (Observations, bool) {
	if v.mode == ModeWorker {
		w := v.workers[slot]
		if !w.send(command{kind: cmdReset}) {
			return nil, false
		}
		resp, ok := w.recv(v.opts.RecvTimeout)
		if !ok {
			return nil, false
		}
		return resp.obs, true
	}
	obs, err := v.envs[slot].Reset()
	if err != nil {
		logrus.Debugf("slot %d: reset error: %v", slot, err)
		return nil, false
	}
	return obs, true
}

// recreateSlot destroys and rebuilds the slot's simulation from scratch
// and resets it once, accepting whatever comes back. This is the
// highest-severity local recovery and is logged as best effort.
func (v *VecEnv) recreateSlot(slot int) {
	if v.mode == ModeWorker {
		w := v.workers[slot]
		cfg := v.configs[slot].Clone()
		if !w.send(command{kind: cmdSetCurriculum, config: cfg}) {
			logrus.Errorf("slot %d: cannot recreate on dead worker", slot)
			return
		}
		if _, ok := w.recv(v.opts.RecvTimeout); !ok {
			logrus.Errorf("slot %d: recreate not acknowledged", slot)
			return
		}
		if obs, ok := v.requestReset(slot); ok {
			v.obsDicts[slot] = obs
		}
		return
	}
	v.recreateSlotInline(slot)
}

// recreateSlotInline is the pool-mode slot rebuild, preserving slot 0's
// renderer across the swap.
func (v *VecEnv) recreateSlotInline(slot int) {
	env, err := rebuildEnv(v.envs[slot], v.opts.Factory, FactoryOpts{
		Slot:    slot,
		Stacker: v.opts.Stacker,
		Config:  v.configs[slot],
		Debug:   v.opts.Debug,
	})
	if err != nil {
		logrus.Errorf("slot %d: recreate environment: %v", slot, err)
		return
	}
	v.envs[slot] = env
	if obs, ok := v.requestReset(slot); ok {
		v.obsDicts[slot] = obs
		v.renderAfterReset(slot)
	}
}

func (v *VecEnv) renderAfterReset(slot int) {
	if v.mode == ModePool && v.opts.Render && slot == 0 {
		v.envs[slot].Render()
		time.Sleep(v.opts.RenderDelay)
	}
}

// resetAgentHistory clears one agent's action history, via an acknowledged
// command in worker mode and a direct call in pool mode.
func (v *VecEnv) resetAgentHistory(slot int, id AgentID) {
	if v.mode == ModeWorker {
		w := v.workers[slot]
		if !w.send(command{kind: cmdResetStacker, agent: id}) {
			return
		}
		w.recv(v.opts.RecvTimeout)
		return
	}
	v.opts.Stacker.ResetAgent(id)
}

// ForceEnvReset is an out-of-band recovery hook for a slot the caller has
// judged stuck or corrupted outside the normal step cycle. Pool mode only.
func (v *VecEnv) ForceEnvReset(slot int) error {
	if v.mode != ModePool {
		return fmt.Errorf("vecenv: ForceEnvReset is only available in pool mode")
	}
	if slot < 0 || slot >= v.opts.NumEnvs {
		return fmt.Errorf("vecenv: slot %d out of range", slot)
	}
	env, err := rebuildEnv(v.envs[slot], v.opts.Factory, FactoryOpts{
		Slot:    slot,
		Stacker: v.opts.Stacker,
		Config:  v.configs[slot],
		Debug:   v.opts.Debug,
	})
	if err != nil {
		return fmt.Errorf("force reset slot %d: %w", slot, err)
	}
	v.envs[slot] = env
	obs, err := env.Reset()
	if err != nil {
		return fmt.Errorf("force reset slot %d: %w", slot, err)
	}
	v.obsDicts[slot] = obs
	return nil
}

// Close releases every slot. Safe to call more than once and tolerant of
// already-dead workers; slots that never started are simply skipped.
func (v *VecEnv) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true

	if v.mode == ModePool {
		for i, env := range v.envs {
			if env == nil {
				continue
			}
			if r := env.Renderer(); r != nil {
				env.SetRenderer(nil)
				if err := r.Close(); err != nil {
					logrus.Debugf("slot %d: close renderer: %v", i, err)
				}
			}
			if err := env.Close(); err != nil {
				logrus.Debugf("slot %d: close environment: %v", i, err)
			}
		}
		return nil
	}

	for _, w := range v.workers {
		if w == nil || w.exited() {
			continue
		}
		// Best effort; a dead or busy worker is picked up by join below.
		select {
		case w.cmds <- command{kind: cmdClose}:
		default:
		}
	}
	for _, w := range v.workers {
		if w == nil {
			continue
		}
		if !w.join(v.opts.JoinTimeout) {
			// A goroutine cannot be force-terminated; abandon it. Its
			// keepalive timeout lets it notice the dead parent eventually.
			logrus.Warnf("worker %d did not exit within %v, abandoning", w.slot, v.opts.JoinTimeout)
		}
	}
	return nil
}
