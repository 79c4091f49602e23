package vecenv

import (
	"errors"
	"testing"
	"time"
)

func singleAgentActions(n int) []map[AgentID]Action {
	actions := make([]map[AgentID]Action, n)
	for i := range actions {
		actions[i] = map[AgentID]Action{"a": {float64(i)}}
	}
	return actions
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"zero slots", Options{Factory: stubFactory(map[int]*stubState{})}},
		{"nil factory", Options{NumEnvs: 1}},
		{"render without renderer constructor", Options{
			NumEnvs: 1, Factory: stubFactory(map[int]*stubState{}), Render: true,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected a construction error")
			}
		})
	}
}

func TestNew_ConstructionFailurePropagates(t *testing.T) {
	// GIVEN one slot whose factory never succeeds
	states := map[int]*stubState{
		0: {},
		1: {constructErrs: 99},
	}

	// WHEN the pool is built
	_, err := New(fastOpts(2, stubFactory(states)))

	// THEN construction fails after bounded retries on the broken slot
	if err == nil {
		t.Fatal("expected construction error")
	}
	if got := states[1].snapshot().constructCalls; got != maxConstructAttempts {
		t.Errorf("broken slot construction attempts = %d, want %d", got, maxConstructAttempts)
	}
}

func TestNew_InitialResetTimeoutDegradesSlot(t *testing.T) {
	// GIVEN a slot whose resets always fail, killing its worker at start-up
	states := map[int]*stubState{
		0: {resetErrs: 99},
		1: {fixedAgents: []AgentID{"a"}},
	}

	// WHEN the pool is built
	v, err := New(fastOpts(2, stubFactory(states)))
	if err != nil {
		t.Fatalf("degraded start-up should not fail the pool: %v", err)
	}
	defer v.Close()

	// THEN the dead slot holds an empty observation set and the healthy one
	// is populated
	if len(v.ObsDicts()[0]) != 0 {
		t.Errorf("degraded slot observations = %v, want empty", v.ObsDicts()[0])
	}
	if len(v.ObsDicts()[1]) != 1 {
		t.Errorf("healthy slot observations = %v, want 1 agent", v.ObsDicts()[1])
	}
}

func TestStep_DoneFlagsPerSlot(t *testing.T) {
	// GIVEN 3 slots, no curriculum, where only slot 1 terminates its agent
	states := map[int]*stubState{
		0: {fixedAgents: []AgentID{"a"}},
		1: {fixedAgents: []AgentID{"a"}, terminate: true},
		2: {fixedAgents: []AgentID{"a"}},
	}
	v, err := New(fastOpts(3, stubFactory(states)))
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if v.Mode() != ModeWorker {
		t.Fatalf("mode = %v, want worker", v.Mode())
	}

	// WHEN one batched step runs
	results, dones, counts, err := v.Step(singleAgentActions(3))
	if err != nil {
		t.Fatal(err)
	}

	// THEN only slot 1 is done, counted, and auto-reset
	wantDones := []bool{false, true, false}
	for i := range wantDones {
		if dones[i] != wantDones[i] {
			t.Errorf("dones[%d] = %v, want %v", i, dones[i], wantDones[i])
		}
	}
	wantCounts := []int{0, 1, 0}
	for i := range wantCounts {
		if counts[i] != wantCounts[i] {
			t.Errorf("counts[%d] = %d, want %d", i, counts[i], wantCounts[i])
		}
	}
	if !results[1].Terminated["a"] {
		t.Error("slot 1 result should carry the pre-reset terminated flag")
	}
	// Step results mark their slot in the first observation element.
	for _, slot := range []int{0, 2} {
		if got := results[slot].Obs["a"][0]; got != float64(slot) {
			t.Errorf("slot %d obs marker = %v", slot, got)
		}
	}
	// Slot 1 was reset exactly once past the initial reset.
	if got := states[1].snapshot().resetCalls; got != 2 {
		t.Errorf("slot 1 reset calls = %d, want 2 (initial + auto-reset)", got)
	}
	if len(v.ObsDicts()[1]) != 1 {
		t.Errorf("slot 1 post-reset observations = %v, want 1 agent", v.ObsDicts()[1])
	}
}

func TestStep_ValidatedResetRetriesUntilAgentCountMatches(t *testing.T) {
	// GIVEN a curriculum requiring 2 agents and a slot whose post-episode
	// resets return 1 agent twice before returning 2
	state := &stubState{
		terminate:  true,
		resetSizes: []int{2, 1, 1, 2}, // initial reset, then 3 validated attempts
	}
	curriculum := &stubCurriculum{cfg: configWithAgents("pair", 2)}
	opts := fastOpts(1, stubFactory(map[int]*stubState{0: state}))
	opts.Curriculum = curriculum

	v, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	// WHEN the episode finishes
	obs := v.ObsDicts()[0]
	actions := make(map[AgentID]Action, len(obs))
	for id := range obs {
		actions[id] = Action{0}
	}
	if _, _, _, err := v.Step([]map[AgentID]Action{actions}); err != nil {
		t.Fatal(err)
	}

	// THEN exactly 3 reset attempts ran after the episode and the stored
	// observations have the required 2 agents
	if got := state.snapshot().resetCalls; got != 4 {
		t.Errorf("total reset calls = %d, want 4 (initial + 3 attempts)", got)
	}
	if len(v.ObsDicts()[0]) != 2 {
		t.Errorf("stored observations have %d agents, want 2", len(v.ObsDicts()[0]))
	}
	if len(curriculum.reported()) != 1 {
		t.Errorf("curriculum outcomes = %d, want 1", len(curriculum.reported()))
	}
}

func TestStep_ResetExhaustionRecreatesSlot(t *testing.T) {
	// GIVEN a slot that never returns the required agent count
	state := &stubState{
		terminate:  true,
		resetSizes: []int{2, 1, 1, 1, 1}, // initial, 3 failed attempts, recreate reset
	}
	curriculum := &stubCurriculum{cfg: configWithAgents("pair", 2)}
	opts := fastOpts(1, stubFactory(map[int]*stubState{0: state}))
	opts.Curriculum = curriculum

	v, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	before := state.snapshot().constructCalls

	if _, _, _, err := v.Step([]map[AgentID]Action{{"x": {0}}}); err != nil {
		t.Fatal(err)
	}

	// THEN the slot was rebuilt (once for the new configuration, once as
	// recreation) and the recreation reset was accepted unvalidated
	after := state.snapshot()
	if after.constructCalls != before+2 {
		t.Errorf("constructions = %d, want %d", after.constructCalls, before+2)
	}
	if got := after.resetCalls; got != 5 {
		t.Errorf("total reset calls = %d, want 5", got)
	}
	if len(v.ObsDicts()[0]) != 1 {
		t.Errorf("recreated slot observations = %v, want the unvalidated 1 agent", v.ObsDicts()[0])
	}
}

func TestStep_EpisodeRewardIsMeanAcrossAgents(t *testing.T) {
	// GIVEN one slot with two agents earning 0.5 per step
	state := &stubState{fixedAgents: []AgentID{"a", "b"}, reward: 0.5}
	curriculum := &stubCurriculum{cfg: configWithAgents("pair", 2)}
	opts := fastOpts(1, stubFactory(map[int]*stubState{0: state}))
	opts.Curriculum = curriculum

	v, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	actions := []map[AgentID]Action{{"a": {0}, "b": {0}}}

	// WHEN two plain steps run, then a terminating third
	for i := 0; i < 2; i++ {
		if _, _, _, err := v.Step(actions); err != nil {
			t.Fatal(err)
		}
	}
	state.mu.Lock()
	state.terminate = true
	state.mu.Unlock()
	if _, _, _, err := v.Step(actions); err != nil {
		t.Fatal(err)
	}

	// THEN the outcome reward is the per-agent episode total (3 steps at
	// 0.5), identical across agents so the mean equals it
	outcomes := curriculum.reported()
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	if outcomes[0].EpisodeReward != 1.5 {
		t.Errorf("episode reward = %v, want 1.5", outcomes[0].EpisodeReward)
	}
	if !outcomes[0].Success {
		t.Error("terminated episode should report success")
	}
}

func TestStep_TruncationReportsTimeout(t *testing.T) {
	state := &stubState{fixedAgents: []AgentID{"a"}, truncate: true}
	curriculum := &stubCurriculum{cfg: configWithAgents("solo", 1)}
	opts := fastOpts(1, stubFactory(map[int]*stubState{0: state}))
	opts.Curriculum = curriculum

	v, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if _, _, _, err := v.Step(singleAgentActions(1)); err != nil {
		t.Fatal(err)
	}

	outcomes := curriculum.reported()
	if len(outcomes) != 1 || !outcomes[0].Timeout || outcomes[0].Success {
		t.Errorf("outcome = %+v, want timeout without success", outcomes)
	}
}

func TestStep_EpisodeEndClearsActionHistory(t *testing.T) {
	// GIVEN a slot with a stacker and an episode that ends on the first step
	stacker := NewActionStacker(3, 1)
	state := &stubState{fixedAgents: []AgentID{"a"}, terminate: true}
	opts := fastOpts(1, stubFactory(map[int]*stubState{0: state}))
	opts.Stacker = stacker

	v, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	// WHEN the terminating step runs
	if _, _, _, err := v.Step(singleAgentActions(1)); err != nil {
		t.Fatal(err)
	}

	// THEN the agent's recorded action history is gone
	for _, a := range stacker.StackedActions("a") {
		if a[0] != 0 {
			t.Fatalf("history should be cleared at episode end, got %v", stacker.StackedActions("a"))
		}
	}
}

func TestStep_DeadSlotDoesNotPoisonNeighbours(t *testing.T) {
	// GIVEN slot 0 whose simulation fails every step (its worker dies) and a
	// healthy slot 1
	states := map[int]*stubState{
		0: {fixedAgents: []AgentID{"a"}, stepErr: errors.New("scripted step failure")},
		1: {fixedAgents: []AgentID{"a"}},
	}
	v, err := New(fastOpts(2, stubFactory(states)))
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	// WHEN two batched steps run
	for i := 0; i < 2; i++ {
		results, dones, _, err := v.Step(singleAgentActions(2))
		if err != nil {
			t.Fatal(err)
		}

		// THEN slot 1 keeps producing results while slot 0 yields zero values
		if len(results[0].Rewards) != 0 {
			t.Errorf("step %d: dead slot produced a result: %+v", i, results[0])
		}
		if got := results[1].Obs["a"][0]; got != 1 {
			t.Errorf("step %d: healthy slot obs marker = %v, want 1", i, got)
		}
		if dones[0] || dones[1] {
			t.Errorf("step %d: no slot should be done", i)
		}
	}
	if got := states[1].snapshot().stepCalls; got != 2 {
		t.Errorf("healthy slot steps = %d, want 2", got)
	}
}

func TestStep_ArgumentValidation(t *testing.T) {
	v, err := New(fastOpts(2, stubFactory(map[int]*stubState{})))
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if _, _, _, err := v.Step(singleAgentActions(1)); err == nil {
		t.Error("wrong action vector length should error")
	}

	v.Close()
	if _, _, _, err := v.Step(singleAgentActions(2)); err == nil {
		t.Error("step after close should error")
	}
}

func TestClose_IsIdempotentAndReleasesSlots(t *testing.T) {
	states := map[int]*stubState{0: {}, 1: {}}
	v, err := New(fastOpts(2, stubFactory(states)))
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// Workers settle asynchronously after the close command.
	deadline := time.After(testTimeout)
	for {
		if states[0].snapshot().closeCalls == 1 && states[1].snapshot().closeCalls == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("env closes = %d/%d, want 1/1",
				states[0].snapshot().closeCalls, states[1].snapshot().closeCalls)
		case <-time.After(time.Millisecond):
		}
	}
}

// === Pool mode ===

func newPoolVecEnv(t *testing.T, states map[int]*stubState, n int, curriculum CurriculumManager) (*VecEnv, *stubRenderer) {
	t.Helper()
	renderer := &stubRenderer{}
	opts := fastOpts(n, stubFactory(states))
	opts.Render = true
	opts.NewRenderer = func() (Renderer, error) { return renderer, nil }
	opts.Curriculum = curriculum

	v, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	if v.Mode() != ModePool {
		t.Fatalf("mode = %v, want pool", v.Mode())
	}
	return v, renderer
}

func TestPoolStep_ResultsAreSlotOrderedRegardlessOfCompletion(t *testing.T) {
	// GIVEN 4 pool slots where lower slots take longer to step
	states := map[int]*stubState{}
	for i := 0; i < 4; i++ {
		states[i] = &stubState{
			fixedAgents: []AgentID{"a"},
			stepDelay:   time.Duration(4-i) * 10 * time.Millisecond,
		}
	}
	v, _ := newPoolVecEnv(t, states, 4, nil)
	defer v.Close()

	// WHEN a batched step runs
	results, _, _, err := v.Step(singleAgentActions(4))
	if err != nil {
		t.Fatal(err)
	}

	// THEN results are indexed by slot, not by completion order
	for i := 0; i < 4; i++ {
		if got := results[i].Obs["a"][0]; got != float64(i) {
			t.Errorf("results[%d] obs marker = %v, want %d", i, got, i)
		}
	}
}

func TestPoolStep_EmptyActionMapSkipsSlot(t *testing.T) {
	// GIVEN 2 pool slots
	states := map[int]*stubState{
		0: {fixedAgents: []AgentID{"a"}},
		1: {fixedAgents: []AgentID{"a"}},
	}
	v, _ := newPoolVecEnv(t, states, 2, nil)
	defer v.Close()

	// WHEN slot 0 gets an empty action mapping
	results, dones, _, err := v.Step([]map[AgentID]Action{{}, {"a": {1}}})
	if err != nil {
		t.Fatal(err)
	}

	// THEN slot 0 is untouched and slot 1 stepped normally
	if got := states[0].snapshot().stepCalls; got != 0 {
		t.Errorf("skipped slot steps = %d, want 0", got)
	}
	if len(results[0].Rewards) != 0 {
		t.Errorf("skipped slot result = %+v, want zero value", results[0])
	}
	if dones[0] {
		t.Error("skipped slot done flag should be unchanged")
	}
	if obs := v.ObsDicts()[0]; len(obs) != 1 || obs["a"][0] != 0 {
		t.Errorf("skipped slot observations should be retained, got %v", obs)
	}
	if got := states[1].snapshot().stepCalls; got != 1 {
		t.Errorf("stepped slot steps = %d, want 1", got)
	}
}

func TestPoolStep_RendererSurvivesReconfiguration(t *testing.T) {
	// GIVEN a rendering pool whose slot 0 episode ends, forcing a rebuild
	// with the new curriculum configuration
	state := &stubState{fixedAgents: []AgentID{"a"}, terminate: true}
	curriculum := &stubCurriculum{cfg: configWithAgents("solo", 1)}
	v, renderer := newPoolVecEnv(t, map[int]*stubState{0: state}, 1, curriculum)

	before := state.snapshot().constructCalls

	// WHEN the terminating step runs
	if _, _, _, err := v.Step(singleAgentActions(1)); err != nil {
		t.Fatal(err)
	}

	// THEN the environment was rebuilt but the renderer handle survived
	if got := state.snapshot().constructCalls; got != before+1 {
		t.Errorf("constructions = %d, want %d", got, before+1)
	}
	if renderer.closeCount() != 0 {
		t.Error("renderer must not be closed during environment rebuild")
	}

	// AND close releases it exactly once
	v.Close()
	v.Close()
	if renderer.closeCount() != 1 {
		t.Errorf("renderer closes = %d, want 1", renderer.closeCount())
	}
}

func TestPoolStep_StepRetryExhaustionRecreatesSlot(t *testing.T) {
	// GIVEN a pool slot that fails every step attempt
	state := &stubState{fixedAgents: []AgentID{"a"}, stepErr: errors.New("scripted step failure")}
	v, _ := newPoolVecEnv(t, map[int]*stubState{0: state}, 1, nil)
	defer v.Close()

	before := state.snapshot()

	// WHEN a batched step runs
	results, _, _, err := v.Step(singleAgentActions(1))
	if err != nil {
		t.Fatal(err)
	}

	// THEN the step was retried to exhaustion and the slot rebuilt and reset
	after := state.snapshot()
	if got := after.stepCalls - before.stepCalls; got != maxResetAttempts {
		t.Errorf("step attempts = %d, want %d", got, maxResetAttempts)
	}
	if after.constructCalls != before.constructCalls+1 {
		t.Errorf("constructions = %d, want %d", after.constructCalls, before.constructCalls+1)
	}
	if len(results[0].Rewards) != 0 {
		t.Errorf("failed slot result = %+v, want zero value", results[0])
	}
}

func TestForceEnvReset(t *testing.T) {
	// GIVEN worker and pool coordinators
	workerV, err := New(fastOpts(1, stubFactory(map[int]*stubState{})))
	if err != nil {
		t.Fatal(err)
	}
	defer workerV.Close()

	state := &stubState{fixedAgents: []AgentID{"a"}}
	poolV, _ := newPoolVecEnv(t, map[int]*stubState{0: state}, 1, nil)
	defer poolV.Close()

	// THEN force reset is rejected in worker mode and out of range
	if err := workerV.ForceEnvReset(0); err == nil {
		t.Error("force reset should be pool mode only")
	}
	if err := poolV.ForceEnvReset(5); err == nil {
		t.Error("out-of-range slot should error")
	}

	// AND rebuilds plus resets the slot in pool mode
	before := state.snapshot()
	if err := poolV.ForceEnvReset(0); err != nil {
		t.Fatal(err)
	}
	after := state.snapshot()
	if after.constructCalls != before.constructCalls+1 {
		t.Errorf("constructions = %d, want %d", after.constructCalls, before.constructCalls+1)
	}
	if after.resetCalls != before.resetCalls+1 {
		t.Errorf("resets = %d, want %d", after.resetCalls, before.resetCalls+1)
	}
}
