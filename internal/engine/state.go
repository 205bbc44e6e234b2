package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roborun/roborun/internal/model"
)

const (
	persistAttempts = 3
	persistBackoff  = 50 * time.Millisecond
)

// transitionLocked applies one state machine edge to a run: validate the
// edge, mutate a copy, persist it synchronously, then publish the new
// snapshot. Illegal transitions (in particular anything out of a terminal
// state) are logged and dropped. Caller holds entry.mu; different runs
// transition fully independently.
func (e *Engine) transitionLocked(ctx context.Context, ent *entry, to model.State, mutate func(*model.Run)) error {
	from := ent.run.State
	if !from.CanTransition(to) {
		slog.WarnContext(ctx, "dropping invalid run state transition",
			"run_id", ent.run.ID, "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	next := ent.run
	next.State = to
	if mutate != nil {
		mutate(&next)
	}

	e.persist(ctx, &next)
	ent.run = next

	if next.State.Terminal() {
		ent.notifyTerminalLocked()
		e.sink.Forget(next.ID)
		e.registry.markFinished(next.ID)
	}
	return nil
}

// persist saves the run with bounded backoff. An unpersisted terminal
// state is worse than a degraded one: when retries are exhausted the run
// is downgraded to ERRORED with a persistence-failure reason and saved
// once more, best effort. Persistence survives cancelled run contexts.
func (e *Engine) persist(ctx context.Context, run *model.Run) {
	saveCtx := context.WithoutCancel(ctx)

	var err error
	backoff := persistBackoff
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		err = e.store.SaveRun(saveCtx, *run)
		if err == nil {
			return
		}
		slog.WarnContext(ctx, "persisting run state failed",
			"run_id", run.ID, "state", run.State, "attempt", attempt+1, "error", err)
	}

	slog.ErrorContext(ctx, "giving up on persisting run state",
		"run_id", run.ID, "state", run.State, "error", err)
	if run.State != model.StateErrored {
		run.State = model.StateErrored
		run.Reason = fmt.Sprintf("persistence failure: %v", err)
		if run.FinishedAt == nil {
			now := time.Now().UTC()
			run.FinishedAt = &now
		}
		if err := e.store.SaveRun(saveCtx, *run); err != nil {
			slog.ErrorContext(ctx, "persisting degraded run state failed", "run_id", run.ID, "error", err)
		}
	}
}
