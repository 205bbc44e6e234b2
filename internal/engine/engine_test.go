package engine_test

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roborun/roborun/internal/engine"
	"github.com/roborun/roborun/internal/model"
	"github.com/roborun/roborun/internal/store"
)

// fakeRunner builds an engine config whose runner is a shell script. The
// script ignores the robot-style arguments the engine appends.
func fakeRunner(t *testing.T, script string) engine.Config {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return engine.Config{
		RunnerPath: sh,
		RunnerArgs: []string{"-ec", script, "runner"},
		WorkDir:    t.TempDir(),
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "roborun.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

// seedScenario creates three test cases and one scenario containing them.
func seedScenario(t *testing.T, s *store.Store) model.Scenario {
	t.Helper()
	ctx := t.Context()
	var ids []int64
	for _, name := range []string{"Login", "Checkout", "Logout"} {
		tc, err := s.CreateTestCase(ctx, model.TestCase{
			Name:    name,
			Content: name + "\n    Log    " + name,
		})
		require.NoError(t, err)
		ids = append(ids, tc.ID)
	}
	sc, err := s.CreateScenario(ctx, model.Scenario{
		Name:        "smoke",
		Inputs:      map[string]string{"ENV": "staging"},
		TestCaseIDs: ids,
	})
	require.NoError(t, err)
	return sc
}

// startEngine runs the worker pool for the duration of the test.
func startEngine(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Do(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, e *engine.Engine, id string) model.Run {
	t.Helper()
	ch, err := e.WaitChan(id)
	require.NoError(t, err)
	select {
	case run := <-ch:
		return run
	case <-time.After(10 * time.Second):
		t.Fatalf("run %s did not finish in time", id)
		return model.Run{}
	}
}

func waitRunning(t *testing.T, e *engine.Engine, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := e.Status(t.Context(), id)
		return err == nil && run.State == model.StateRunning
	}, 10*time.Second, 10*time.Millisecond)
}

func TestSubmitAndPass(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "echo one; echo two; echo oops 1>&2; exit 0")
	s := newStore(t)
	sc := seedScenario(t, s)
	e := engine.New(cfg, s)
	startEngine(t, e)

	run, err := e.Submit(t.Context(), model.TargetScenario, sc.ID, map[string]string{"ENV": "prod"})
	require.NoError(t, err)
	require.Equal(t, model.StateQueued, run.State)
	require.Equal(t, "smoke", run.TargetName)
	require.Equal(t, 3, run.Summary.Total)

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, model.StatePassed, final.State)
	require.Equal(t, model.Summary{Total: 3, Passed: 3}, final.Summary)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)

	// state survives in durable storage with the same shape
	stored, err := s.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatePassed, stored.State)

	chunks, err := e.Tail(t.Context(), run.ID, 0)
	require.NoError(t, err)
	var stdout, stderr []string
	for i, c := range chunks {
		require.Equal(t, int64(i), c.Seq)
		switch c.Stream {
		case model.StreamStdout:
			stdout = append(stdout, c.Line)
		case model.StreamStderr:
			stderr = append(stderr, c.Line)
		}
	}
	require.Equal(t, []string{"one", "two"}, stdout)
	require.Equal(t, []string{"oops"}, stderr)
}

func TestSubmitTestCaseTarget(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "exit 0")
	s := newStore(t)
	sc := seedScenario(t, s)
	e := engine.New(cfg, s)
	startEngine(t, e)

	run, err := e.Submit(t.Context(), model.TargetTestCase, sc.TestCaseIDs[0], nil)
	require.NoError(t, err)
	require.Equal(t, model.TargetTestCase, run.TargetType)
	require.Equal(t, 1, run.Summary.Total)

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, model.StatePassed, final.State)
	require.Equal(t, model.Summary{Total: 1, Passed: 1}, final.Summary)
}

func TestFailedStepsFromExitCode(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "exit 2")
	s := newStore(t)
	sc := seedScenario(t, s)
	e := engine.New(cfg, s)
	startEngine(t, e)

	run, err := e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
	require.NoError(t, err)

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, model.StateFailed, final.State)
	require.Equal(t, model.Summary{Total: 3, Passed: 1, Failed: 2}, final.Summary)
	require.Equal(t, "2 of 3 steps failed", final.Reason)
}

func TestRunnerErrorExitCode(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "exit 252")
	s := newStore(t)
	sc := seedScenario(t, s)
	e := engine.New(cfg, s)
	startEngine(t, e)

	run, err := e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
	require.NoError(t, err)

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, model.StateErrored, final.State)
	require.Equal(t, "runner exited with code 252", final.Reason)
	require.Zero(t, final.Summary.Passed)
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "sleep 30")
	cfg.DefaultTimeout = 200 * time.Millisecond
	cfg.GraceTimeout = time.Second
	s := newStore(t)
	sc := seedScenario(t, s)
	e := engine.New(cfg, s)
	startEngine(t, e)

	run, err := e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
	require.NoError(t, err)

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, model.StateErrored, final.State)
	require.Contains(t, final.Reason, "execution timeout after")

	// the diagnostic is also visible in the run log
	chunks, err := e.Tail(t.Context(), run.ID, 0)
	require.NoError(t, err)
	var system []string
	for _, c := range chunks {
		if c.Stream == model.StreamSystem {
			system = append(system, c.Line)
		}
	}
	require.NotEmpty(t, system)
	require.Contains(t, system[0], "execution timeout")
}

func TestCancelRunning(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "sleep 30")
	s := newStore(t)
	sc := seedScenario(t, s)
	e := engine.New(cfg, s)
	startEngine(t, e)

	run, err := e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
	require.NoError(t, err)
	waitRunning(t, e, run.ID)

	require.NoError(t, e.Cancel(t.Context(), run.ID))

	final := waitTerminal(t, e, run.ID)
	require.Equal(t, model.StateCancelled, final.State)
	require.Equal(t, "cancelled by request", final.Reason)

	// terminal state is immutable
	err = e.Cancel(t.Context(), run.ID)
	require.ErrorIs(t, err, model.ErrAlreadyTerminal)
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "sleep 30")
	cfg.Workers = 1
	s := newStore(t)
	sc := seedScenario(t, s)
	e := engine.New(cfg, s)
	startEngine(t, e)

	blocker, err := e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
	require.NoError(t, err)
	waitRunning(t, e, blocker.ID)

	queued, err := e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(t.Context(), queued.ID))
	final, err := e.Status(t.Context(), queued.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateCancelled, final.State)
	require.Equal(t, "cancelled before execution", final.Reason)
	require.Nil(t, final.StartedAt)

	require.NoError(t, e.Cancel(t.Context(), blocker.ID))
	waitTerminal(t, e, blocker.ID)
}

func TestQueueSaturation(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "sleep 30")
	cfg.Workers = 1
	cfg.QueueSize = 1
	s := newStore(t)
	sc := seedScenario(t, s)
	e := engine.New(cfg, s)
	startEngine(t, e)

	blocker, err := e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
	require.NoError(t, err)
	waitRunning(t, e, blocker.ID)

	queued, err := e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
	require.NoError(t, err)

	// no run is created on saturation
	_, err = e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
	require.ErrorIs(t, err, model.ErrQueueSaturated)
	runs, err := s.ListRuns(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	require.NoError(t, e.Cancel(t.Context(), queued.ID))
	require.NoError(t, e.Cancel(t.Context(), blocker.ID))
	waitTerminal(t, e, blocker.ID)
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "sleep 30")
	cfg.Workers = 2
	s := newStore(t)
	sc := seedScenario(t, s)
	e := engine.New(cfg, s)
	startEngine(t, e)

	var ids []string
	for range 3 {
		run, err := e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	running := func() int {
		n := 0
		for _, id := range ids {
			run, err := e.Status(t.Context(), id)
			require.NoError(t, err)
			if run.State == model.StateRunning {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return running() == 2 }, 10*time.Second, 10*time.Millisecond)

	// the third submission stays queued while both workers are busy
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 2, running())

	for _, id := range ids {
		_ = e.Cancel(t.Context(), id)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "exit 0")
	s := newStore(t)
	e := engine.New(cfg, s)

	t.Run("unknown target type", func(t *testing.T) {
		_, err := e.Submit(t.Context(), "suite", 1, nil)
		require.ErrorIs(t, err, model.ErrInvalidScenario)
	})
	t.Run("missing scenario", func(t *testing.T) {
		_, err := e.Submit(t.Context(), model.TargetScenario, 4242, nil)
		require.ErrorIs(t, err, model.ErrNotFound)
	})
	t.Run("empty scenario", func(t *testing.T) {
		sc, err := s.CreateScenario(t.Context(), model.Scenario{Name: "empty"})
		require.NoError(t, err)
		_, err = e.Submit(t.Context(), model.TargetScenario, sc.ID, nil)
		require.ErrorIs(t, err, model.ErrInvalidScenario)
	})
}

func TestRecovery(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "exit 0")
	s := newStore(t)
	sc := seedScenario(t, s)

	// simulate state left behind by a crashed orchestrator
	now := time.Now().UTC()
	orphan := model.Run{
		ID:          "11111111-1111-1111-1111-111111111111",
		State:       model.StateRunning,
		TargetType:  model.TargetScenario,
		TargetID:    sc.ID,
		TargetName:  sc.Name,
		Summary:     model.Summary{Total: 3},
		SubmittedAt: now,
		StartedAt:   &now,
	}
	require.NoError(t, s.SaveRun(t.Context(), orphan))
	pending := model.Run{
		ID:          "22222222-2222-2222-2222-222222222222",
		State:       model.StateQueued,
		TargetType:  model.TargetScenario,
		TargetID:    sc.ID,
		TargetName:  sc.Name,
		Summary:     model.Summary{Total: 3},
		SubmittedAt: now,
	}
	require.NoError(t, s.SaveRun(t.Context(), pending))

	e := engine.New(cfg, s)
	startEngine(t, e)

	require.Eventually(t, func() bool {
		run, err := s.GetRun(t.Context(), orphan.ID)
		return err == nil && run.State == model.StateErrored
	}, 10*time.Second, 10*time.Millisecond)
	run, err := s.GetRun(t.Context(), orphan.ID)
	require.NoError(t, err)
	require.Contains(t, run.Reason, "orchestrator restarted")
	require.NotNil(t, run.FinishedAt)

	// the queued run gets executed after restart
	require.Eventually(t, func() bool {
		run, err := s.GetRun(t.Context(), pending.ID)
		return err == nil && run.State == model.StatePassed
	}, 10*time.Second, 10*time.Millisecond)
}

func TestStatusUnknownRun(t *testing.T) {
	t.Parallel()
	cfg := fakeRunner(t, "exit 0")
	s := newStore(t)
	e := engine.New(cfg, s)

	_, err := e.Status(t.Context(), "no-such-run")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.Tail(t.Context(), "no-such-run", 0)
	require.ErrorIs(t, err, model.ErrNotFound)
	err = e.Cancel(t.Context(), "no-such-run")
	require.ErrorIs(t, err, model.ErrNotFound)
}
