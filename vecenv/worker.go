package vecenv

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// cmdKind tags the commands a worker understands.
type cmdKind int

const (
	cmdStep cmdKind = iota
	cmdReset
	cmdSetCurriculum
	cmdResetStacker
	cmdClose
)

func (k cmdKind) String() string {
	switch k {
	case cmdStep:
		return "step"
	case cmdReset:
		return "reset"
	case cmdSetCurriculum:
		return "set_curriculum"
	case cmdResetStacker:
		return "reset_action_stacker"
	case cmdClose:
		return "close"
	}
	return "unknown"
}

// command is one message on a worker's private command channel.
type command struct {
	kind    cmdKind
	actions map[AgentID]Action // cmdStep
	config  *EnvConfig         // cmdSetCurriculum
	agent   AgentID            // cmdResetStacker
}

// response is one message on a worker's private response channel.
type response struct {
	result StepResult   // cmdStep
	obs    Observations // cmdReset and the init acknowledgment
	ok     bool         // cmdSetCurriculum / cmdResetStacker acknowledgment
	err    error        // init acknowledgment only
}

const (
	maxConstructAttempts = 3
	maxResetAttempts     = 3
)

// worker owns exactly one simulation instance on a dedicated goroutine and
// drives it through a command/response protocol over a private duplex
// channel pair. Its lifecycle is INITIALIZING (factory retries, init ack)
// -> READY (command loop) -> CLOSED (done channel closed).
type worker struct {
	slot int
	cmds chan command
	out  chan response
	// done is closed when the loop exits, for any reason. A worker that
	// died mid-command is observed by the coordinator as a closed done
	// channel or a receive timeout; it is not respawned.
	done chan struct{}

	factory     Factory
	opts        FactoryOpts
	recvTimeout time.Duration
	backoff     time.Duration
}

func newWorker(slot int, factory Factory, opts FactoryOpts, recvTimeout, backoff time.Duration) *worker {
	w := &worker{
		slot:        slot,
		cmds:        make(chan command, 1),
		out:         make(chan response, 1),
		done:        make(chan struct{}),
		factory:     factory,
		opts:        opts,
		recvTimeout: recvTimeout,
		backoff:     backoff,
	}
	go w.run()
	return w
}

// send delivers a command unless the worker has already exited.
func (w *worker) send(c command) bool {
	select {
	case w.cmds <- c:
		return true
	case <-w.done:
		return false
	}
}

// recv waits for the next response with a bounded timeout.
func (w *worker) recv(timeout time.Duration) (response, bool) {
	// Drain a response that raced with the loop exiting before giving up.
	select {
	case r := <-w.out:
		return r, true
	default:
	}
	select {
	case r := <-w.out:
		return r, true
	case <-w.done:
		return response{}, false
	case <-time.After(timeout):
		return response{}, false
	}
}

// exited reports whether the worker loop has terminated.
func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// join waits for the loop to exit, up to timeout.
func (w *worker) join(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// constructWithRetry calls the factory up to maxConstructAttempts times
// with a short backoff between attempts.
func constructWithRetry(factory Factory, opts FactoryOpts, backoff time.Duration) (Environment, error) {
	var lastErr error
	for attempt := 1; attempt <= maxConstructAttempts; attempt++ {
		env, err := factory(opts)
		if err == nil {
			return env, nil
		}
		lastErr = err
		logrus.Debugf("slot %d: construction attempt %d failed: %v", opts.Slot, attempt, err)
		if attempt < maxConstructAttempts {
			time.Sleep(backoff)
		}
	}
	return nil, fmt.Errorf("construct environment for slot %d after %d attempts: %w",
		opts.Slot, maxConstructAttempts, lastErr)
}

// run is the worker loop. Construction failure is acknowledged to the
// coordinator and is fatal at start-up; any uncaught error while
// processing a command is logged and terminates the loop, which the
// coordinator observes as a dead channel.
func (w *worker) run() {
	defer close(w.done)

	env, err := constructWithRetry(w.factory, w.opts, w.backoff)
	w.out <- response{err: err, ok: err == nil}
	if err != nil {
		logrus.Errorf("worker %d: fatal construction error: %v", w.slot, err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("worker %d: panic in command loop: %v", w.slot, r)
		}
	}()

	curConfig := w.opts.Config
	for {
		var c command
		select {
		case c = <-w.cmds:
		case <-time.After(w.recvTimeout):
			// Keepalive wakeup so a dead parent never blocks the loop
			// forever. Not an error.
			continue
		}

		switch c.kind {
		case cmdStep:
			formatted := make(map[AgentID]Action, len(c.actions))
			for id, a := range c.actions {
				formatted[id] = NormalizeAction(a)
				if w.opts.Stacker != nil {
					w.opts.Stacker.AddAction(id, formatted[id])
				}
			}
			result, err := env.Step(formatted)
			if err != nil {
				logrus.Errorf("worker %d: step failed: %v", w.slot, err)
				return
			}
			w.out <- response{result: result}

		case cmdReset:
			obs, err := resetWithRetry(env, w.slot, w.backoff)
			if err != nil {
				// No response on exhausted retries; the coordinator's own
				// receive timeout covers this.
				logrus.Errorf("worker %d: reset failed: %v", w.slot, err)
				return
			}
			w.out <- response{obs: obs}

		case cmdSetCurriculum:
			curConfig = c.config
			rebuilt, err := rebuildEnv(env, w.factory, FactoryOpts{
				Slot:    w.slot,
				Stacker: w.opts.Stacker,
				Config:  curConfig,
				Debug:   w.opts.Debug,
			})
			if err != nil {
				logrus.Errorf("worker %d: recreate environment: %v", w.slot, err)
				return
			}
			env = rebuilt
			w.out <- response{ok: true}

		case cmdResetStacker:
			if w.opts.Stacker != nil {
				w.opts.Stacker.ResetAgent(c.agent)
			}
			w.out <- response{ok: true}

		case cmdClose:
			if r := env.Renderer(); r != nil {
				if err := r.Close(); err != nil {
					logrus.Debugf("worker %d: close renderer: %v", w.slot, err)
				}
			}
			if err := env.Close(); err != nil {
				logrus.Debugf("worker %d: close environment: %v", w.slot, err)
			}
			return
		}
	}
}

// resetWithRetry retries a simulation reset with a short backoff.
func resetWithRetry(env Environment, slot int, backoff time.Duration) (Observations, error) {
	var lastErr error
	for attempt := 1; attempt <= maxResetAttempts; attempt++ {
		obs, err := env.Reset()
		if err == nil {
			return obs, nil
		}
		lastErr = err
		logrus.Debugf("slot %d: reset attempt %d failed: %v", slot, attempt, err)
		if attempt < maxResetAttempts {
			time.Sleep(backoff)
		}
	}
	return nil, fmt.Errorf("reset after %d attempts: %w", maxResetAttempts, lastErr)
}

// rebuildEnv closes old and constructs a replacement with the given
// options, handing the renderer across the swap. The handle is detached
// before close so the old environment cannot tear it down, and reattached
// once the new instance exists.
func rebuildEnv(old Environment, factory Factory, opts FactoryOpts) (Environment, error) {
	renderer := old.Renderer()
	old.SetRenderer(nil)
	if err := old.Close(); err != nil {
		logrus.Debugf("slot %d: close before rebuild: %v", opts.Slot, err)
	}
	opts.Renderer = renderer
	env, err := factory(opts)
	if err != nil {
		return nil, err
	}
	if renderer != nil && env.Renderer() == nil {
		env.SetRenderer(renderer)
	}
	return env, nil
}
