package engine

import (
	"context"
	"sync"

	"github.com/roborun/roborun/internal/model"
)

// entry is the registry's record of one run. entry.mu is the per-run
// mutual exclusion for state transitions; different runs transition fully
// independently.
type entry struct {
	mu sync.Mutex

	run      model.Run
	scenario model.ResolvedScenario

	cancel          context.CancelFunc // set while the run executes
	cancelRequested bool
	waiters         []chan model.Run
}

// snapshot must be called without entry.mu held.
func (e *entry) snapshot() model.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run
}

// notifyTerminalLocked delivers the terminal snapshot to waiters.
// Caller holds entry.mu.
func (e *entry) notifyTerminalLocked() {
	for _, ch := range e.waiters {
		ch <- e.run
		close(ch)
	}
	e.waiters = nil
}

// registry is the in-memory index of active and recent runs, a
// write-through cache over durable run storage.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// terminal runs in finish order, evicted beyond cap
	finished []string
	cap      int
}

func newRegistry(recent int) *registry {
	if recent <= 0 {
		recent = 256
	}
	return &registry{
		entries: make(map[string]*entry),
		cap:     recent,
	}
}

func (r *registry) put(run model.Run, scenario model.ResolvedScenario) *entry {
	ent := &entry{run: run, scenario: scenario}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[run.ID] = ent
	return ent
}

func (r *registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.entries[id]
	return ent, ok
}

// markFinished records a terminal run for bounded retention and evicts
// the oldest finished entries beyond the configured cap.
func (r *registry) markFinished(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, id)
	for len(r.finished) > r.cap {
		evict := r.finished[0]
		r.finished = r.finished[1:]
		delete(r.entries, evict)
	}
}
