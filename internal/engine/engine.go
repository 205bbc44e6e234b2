package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roborun/roborun/internal/model"
)

// RunStore is the durable run storage collaborator.
type RunStore interface {
	SaveRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id string) (model.Run, error)
	LoadNonTerminalRuns(ctx context.Context) ([]model.Run, error)
}

// ScenarioSource resolves run targets into immutable scenario snapshots.
type ScenarioSource interface {
	ResolveScenario(ctx context.Context, id int64) (model.ResolvedScenario, error)
	ResolveTestCase(ctx context.Context, id int64) (model.ResolvedScenario, error)
	GetScenarioByName(ctx context.Context, name string) (model.Scenario, error)
}

// AttachmentStore records run artifacts.
type AttachmentStore interface {
	AddAttachment(ctx context.Context, a model.Attachment) error
}

// Storage is everything the engine needs from the persistence collaborator.
type Storage interface {
	RunStore
	ChunkStore
	ScenarioSource
	AttachmentStore
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	Workers        int           // concurrent executions, default 2
	QueueSize      int           // pending submissions bound, default 64
	DefaultTimeout time.Duration // per-run wall clock limit, default 30m
	GraceTimeout   time.Duration // SIGTERM to SIGKILL, default 5s
	RunnerPath     string        // default "python"
	RunnerArgs     []string      // default ["-m", "robot"]
	WorkDir        string        // default os.TempDir()
	RecentRuns     int           // terminal runs kept in the registry
	Schedules      []Schedule
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
	if c.GraceTimeout == 0 {
		c.GraceTimeout = 5 * time.Second
	}
	if c.RunnerPath == "" {
		c.RunnerPath = "python"
		if c.RunnerArgs == nil {
			c.RunnerArgs = []string{"-m", "robot"}
		}
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	return c
}

// Engine is the run orchestration facade consumed by the API layer and
// the CLI.
type Engine struct {
	cfg      Config
	store    Storage
	registry *registry
	sink     *LogSink

	// sem bounds accepted-but-unfinished submissions; queue carries run
	// IDs to workers. A slot is reserved in sem before a run is created,
	// so pushing to queue never blocks.
	sem   chan struct{}
	queue chan string
}

func New(cfg Config, store Storage) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: newRegistry(cfg.RecentRuns),
		sink:     NewLogSink(store),
		sem:      make(chan struct{}, cfg.QueueSize),
		queue:    make(chan string, cfg.QueueSize),
	}
}

// Do runs the engine until ctx is cancelled: recovery first, then the
// scheduler (if any schedules are configured) and the worker pool.
func (e *Engine) Do(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recovering runs: %w", err)
	}

	scheduler, err := e.newScheduler(ctx)
	if err != nil {
		return fmt.Errorf("initializing schedules: %w", err)
	}
	if scheduler != nil {
		scheduler.Start()
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down scheduler failed", "error", err)
			}
		}()
	}

	slog.InfoContext(ctx, "engine started",
		"workers", e.cfg.Workers, "queue_size", e.cfg.QueueSize)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Go(func() {
			e.worker(ctx)
		})
	}
	wg.Wait()
	return nil
}

// Submit validates and enqueues a new run for the given target and
// returns its QUEUED snapshot. No run is created when the scenario is
// invalid or the queue is saturated.
func (e *Engine) Submit(ctx context.Context, targetType string, targetID int64, vars map[string]string) (model.Run, error) {
	var (
		scenario model.ResolvedScenario
		err      error
	)
	switch targetType {
	case model.TargetScenario:
		scenario, err = e.store.ResolveScenario(ctx, targetID)
	case model.TargetTestCase:
		scenario, err = e.store.ResolveTestCase(ctx, targetID)
	default:
		return model.Run{}, fmt.Errorf("%w: unknown target type %q", model.ErrInvalidScenario, targetType)
	}
	if err != nil {
		return model.Run{}, err
	}
	if len(scenario.Steps) == 0 {
		return model.Run{}, fmt.Errorf("%w: %q has no executable steps", model.ErrInvalidScenario, scenario.Name)
	}

	// reserve queue capacity before creating anything
	select {
	case e.sem <- struct{}{}:
	default:
		return model.Run{}, model.ErrQueueSaturated
	}

	run := model.Run{
		ID:          uuid.New().String(),
		State:       model.StateQueued,
		TargetType:  scenario.TargetType,
		TargetID:    scenario.TargetID,
		TargetName:  scenario.Name,
		Variables:   vars,
		Summary:     model.Summary{Total: len(scenario.Steps)},
		SubmittedAt: time.Now().UTC(),
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		<-e.sem
		return model.Run{}, fmt.Errorf("persisting submission: %w", err)
	}
	e.registry.put(run, scenario)
	e.queue <- run.ID

	slog.InfoContext(ctx, "run submitted",
		"run_id", run.ID, "target", scenario.Name, "steps", len(scenario.Steps))
	return run, nil
}

// Status returns the current run snapshot, registry first, falling back
// to durable storage for evicted runs.
func (e *Engine) Status(ctx context.Context, id string) (model.Run, error) {
	if ent, ok := e.registry.get(id); ok {
		return ent.snapshot(), nil
	}
	return e.store.GetRun(ctx, id)
}

// Tail returns the run's log chunks starting at fromSeq.
func (e *Engine) Tail(ctx context.Context, id string, fromSeq int64) ([]model.LogChunk, error) {
	if _, err := e.Status(ctx, id); err != nil {
		return nil, err
	}
	return e.sink.Tail(ctx, id, fromSeq)
}

// Cancel requests cancellation of a run. Queued runs finalize
// immediately; running runs get their execution context cancelled and
// finalize once the process is observably terminated.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	ent, ok := e.registry.get(id)
	if !ok {
		run, err := e.store.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if run.State.Terminal() {
			return model.ErrAlreadyTerminal
		}
		// non-terminal run unknown to a recovered engine
		return model.ErrNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	switch {
	case ent.run.State.Terminal():
		return model.ErrAlreadyTerminal

	case ent.run.State == model.StateQueued:
		ent.cancelRequested = true
		return e.transitionLocked(ctx, ent, model.StateCancelled, func(run *model.Run) {
			now := time.Now().UTC()
			run.FinishedAt = &now
			run.Reason = "cancelled before execution"
		})

	default: // RUNNING
		ent.cancelRequested = true
		if ent.cancel != nil {
			ent.cancel()
		}
		slog.InfoContext(ctx, "run cancellation requested", "run_id", id)
		return nil
	}
}

// WaitChan returns a channel delivering the terminal run snapshot. The
// channel is closed after the value is sent; an already finished run is
// delivered immediately.
func (e *Engine) WaitChan(id string) (<-chan model.Run, error) {
	ent, ok := e.registry.get(id)
	if !ok {
		return nil, model.ErrNotFound
	}
	ch := make(chan model.Run, 1)
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.run.State.Terminal() {
		ch <- ent.run
		close(ch)
		return ch, nil
	}
	ent.waiters = append(ent.waiters, ch)
	return ch, nil
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			<-e.sem // release the submission slot
			e.execute(ctx, id)
		}
	}
}

// execute drives one run through RUNNING into a terminal state.
func (e *Engine) execute(ctx context.Context, id string) {
	ent, ok := e.registry.get(id)
	if !ok {
		slog.ErrorContext(ctx, "queued run missing from registry", "run_id", id)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ent.mu.Lock()
	if ent.run.State != model.StateQueued {
		// cancelled while waiting in the queue
		ent.mu.Unlock()
		return
	}
	err := e.transitionLocked(ctx, ent, model.StateRunning, func(run *model.Run) {
		now := time.Now().UTC()
		run.StartedAt = &now
	})
	if err != nil {
		ent.mu.Unlock()
		return
	}
	ent.cancel = cancel
	run := ent.run
	scenario := ent.scenario
	ent.mu.Unlock()

	slog.InfoContext(ctx, "run started", "run_id", id, "target", run.TargetName)
	out := e.executeScenario(runCtx, run, scenario)

	ent.mu.Lock()
	defer ent.mu.Unlock()
	ent.cancel = nil

	// cancellation wins if it was requested before the terminal result
	// was finalized
	if ent.cancelRequested && out.state != model.StateCancelled {
		out.state = model.StateCancelled
		out.reason = "cancelled by request"
	}

	err = e.transitionLocked(ctx, ent, out.state, func(run *model.Run) {
		now := time.Now().UTC()
		run.FinishedAt = &now
		run.Reason = out.reason
		run.Summary = out.summary
	})
	if err != nil {
		return
	}
	slog.InfoContext(ctx, "run finished",
		"run_id", id, "state", out.state, "reason", out.reason,
		"passed", out.summary.Passed, "failed", out.summary.Failed)
}

// recover rebuilds the registry from durable storage. Runs recorded as
// RUNNING lost their execution state with the previous process and are
// re-marked ERRORED; QUEUED runs are re-enqueued in submission order.
func (e *Engine) recover(ctx context.Context) error {
	runs, err := e.store.LoadNonTerminalRuns(ctx)
	if err != nil {
		return err
	}

	for _, run := range runs {
		switch run.State {
		case model.StateRunning:
			now := time.Now().UTC()
			run.State = model.StateErrored
			run.Reason = "orchestrator restarted, execution state lost"
			run.FinishedAt = &now
			e.persist(ctx, &run)
			e.registry.put(run, model.ResolvedScenario{})
			e.registry.markFinished(run.ID)
			slog.WarnContext(ctx, "re-marked orphaned run", "run_id", run.ID)

		case model.StateQueued:
			scenario, rerr := e.resolveTarget(ctx, run)
			if rerr != nil {
				now := time.Now().UTC()
				run.State = model.StateErrored
				run.Reason = fmt.Sprintf("recovery failed: %v", rerr)
				run.FinishedAt = &now
				e.persist(ctx, &run)
				e.registry.put(run, model.ResolvedScenario{})
				e.registry.markFinished(run.ID)
				continue
			}
			select {
			case e.sem <- struct{}{}:
				e.registry.put(run, scenario)
				e.queue <- run.ID
				slog.InfoContext(ctx, "re-enqueued recovered run", "run_id", run.ID)
			default:
				now := time.Now().UTC()
				run.State = model.StateErrored
				run.Reason = "queue saturated during recovery"
				run.FinishedAt = &now
				e.persist(ctx, &run)
				e.registry.put(run, model.ResolvedScenario{})
				e.registry.markFinished(run.ID)
			}
		}
	}
	return nil
}

func (e *Engine) resolveTarget(ctx context.Context, run model.Run) (model.ResolvedScenario, error) {
	switch run.TargetType {
	case model.TargetScenario:
		return e.store.ResolveScenario(ctx, run.TargetID)
	case model.TargetTestCase:
		return e.store.ResolveTestCase(ctx, run.TargetID)
	}
	return model.ResolvedScenario{}, fmt.Errorf("unknown target type %q", run.TargetType)
}
