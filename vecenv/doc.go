// Package vecenv runs many independent game simulations concurrently and
// feeds their batched transitions to a single learner.
//
// # Reading Guide
//
// Start with these three files to understand the execution layer:
//   - env.go: the Environment contract, agent identities, and step results
//   - worker.go: the per-slot command/response protocol and worker lifecycle
//   - coordinator.go: the VecEnv pool, batched Step, auto-reset, and recovery
//
// # Architecture
//
// A VecEnv owns a fixed number of slots. Each slot holds one Environment
// plus its episode bookkeeping (accumulated rewards, done flag, episode
// count, current curriculum configuration). Two mutually exclusive
// scheduling modes are chosen once at construction:
//
//   - worker mode: one dedicated goroutine per slot, driven over a private
//     duplex command/response channel pair. All step commands are sent
//     before any response is awaited, so slots simulate in parallel.
//   - pool mode: used when rendering, because a renderer cannot be handed
//     across an isolated worker boundary. Slots are stepped on a bounded
//     errgroup pool and results are re-sorted by slot index afterwards.
//
// Curriculum configurations are plain values (config.go) so they can cross
// the worker boundary by copy. The only shared resource is the renderer
// handle owned by slot 0; it is explicitly detached before an environment
// is destroyed and reattached after reconstruction.
package vecenv
