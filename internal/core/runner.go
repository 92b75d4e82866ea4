package core

import (
	"sync"

	"EqualisLedger/internal/event"
)

// Runner serializes every engine access. Ingestion applies commands through
// it while the query service reads views; the engine itself is not
// thread-safe.
type Runner struct {
	mu     sync.Mutex
	engine *Engine
}

func NewRunner(engine *Engine) *Runner {
	return &Runner{engine: engine}
}

func (r *Runner) Apply(cmd *event.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.ProcessCommand(cmd)
}

func (r *Runner) Replay(env *event.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Replay(env)
}

// View runs fn against the kernel with writers excluded. fn must not retain
// the kernel.
func (r *Runner) View(fn func(k *Kernel) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.engine.kernel)
}

func (r *Runner) Snapshot() *SnapshotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.CreateSnapshotState()
}

// Sequence returns the next sequence the engine will assign.
func (r *Runner) Sequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.GetSequence()
}

func (r *Runner) StateHash() [32]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.GetStateHash()
}

// ViewAt is View that also returns the last applied sequence, -1 before the
// first command, read under the same lock.
func (r *Runner) ViewAt(fn func(k *Kernel) error) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.GetSequence() - 1, fn(r.engine.kernel)
}
