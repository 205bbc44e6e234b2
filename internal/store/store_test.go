package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roborun/roborun/internal/model"
	"github.com/roborun/roborun/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "roborun.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestRunRoundtrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := t.Context()

	now := time.Now().UTC().Truncate(time.Millisecond)
	run := model.Run{
		ID:          "run-1",
		State:       model.StateQueued,
		TargetType:  model.TargetScenario,
		TargetID:    7,
		TargetName:  "smoke",
		Variables:   map[string]string{"ENV": "staging", "USER": "robot"},
		Summary:     model.Summary{Total: 3},
		SubmittedAt: now,
	}
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, run.State, got.State)
	require.Equal(t, run.Variables, got.Variables)
	require.Equal(t, run.Summary, got.Summary)
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.FinishedAt)

	// upsert: the same ID moves through states
	started := now.Add(time.Second)
	finished := now.Add(2 * time.Second)
	run.State = model.StateFailed
	run.Reason = "1 of 3 steps failed"
	run.Summary = model.Summary{Total: 3, Passed: 2, Failed: 1}
	run.StartedAt = &started
	run.FinishedAt = &finished
	require.NoError(t, s.SaveRun(ctx, run))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, got.State)
	require.Equal(t, "1 of 3 steps failed", got.Reason)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, finished.Unix(), got.FinishedAt.Unix())

	_, err = s.GetRun(ctx, "no-such-run")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestLoadNonTerminalRuns(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := t.Context()

	base := time.Now().UTC().Add(-time.Hour)
	states := []model.State{
		model.StatePassed,
		model.StateQueued,
		model.StateRunning,
		model.StateCancelled,
		model.StateQueued,
	}
	for i, state := range states {
		require.NoError(t, s.SaveRun(ctx, model.Run{
			ID:          string(rune('a' + i)),
			State:       state,
			TargetType:  model.TargetScenario,
			TargetName:  "smoke",
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := s.LoadNonTerminalRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	// oldest submission first
	require.Equal(t, "b", runs[0].ID)
	require.Equal(t, "c", runs[1].ID)
	require.Equal(t, "e", runs[2].ID)
}

func TestChunkStorage(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := t.Context()

	next, err := s.NextChunkSeq(ctx, "run-1")
	require.NoError(t, err)
	require.Zero(t, next)

	ts := time.Now().UTC()
	for i, line := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendChunk(ctx, model.LogChunk{
			RunID:  "run-1",
			Seq:    int64(i),
			TS:     ts,
			Stream: model.StreamStdout,
			Line:   line,
		}))
	}

	next, err = s.NextChunkSeq(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), next)

	chunks, err := s.Chunks(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "two", chunks[0].Line)
	require.Equal(t, int64(1), chunks[0].Seq)
	require.Equal(t, model.StreamStdout, chunks[0].Stream)

	// duplicate sequence numbers are rejected
	err = s.AppendChunk(ctx, model.LogChunk{RunID: "run-1", Seq: 0, TS: ts, Stream: model.StreamStdout, Line: "dup"})
	require.Error(t, err)
}

func TestTestCaseCRUD(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := t.Context()

	tc, err := s.CreateTestCase(ctx, model.TestCase{
		Name:        "Login",
		Description: "logs the user in",
		Content:     "Login\n    Log    hello",
	})
	require.NoError(t, err)
	require.NotZero(t, tc.ID)
	require.False(t, tc.CreatedAt.IsZero())

	got, err := s.GetTestCase(ctx, tc.ID)
	require.NoError(t, err)
	require.Equal(t, "Login", got.Name)
	require.Equal(t, tc.Content, got.Content)

	got.Content = "Login\n    Log    changed"
	updated, err := s.UpdateTestCase(ctx, got)
	require.NoError(t, err)
	require.Equal(t, got.Content, updated.Content)

	list, err := s.ListTestCases(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteTestCase(ctx, tc.ID))
	_, err = s.GetTestCase(ctx, tc.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
	require.ErrorIs(t, s.DeleteTestCase(ctx, tc.ID), model.ErrNotFound)
}

func seedTestCases(t *testing.T, s *store.Store, names ...string) []int64 {
	t.Helper()
	var ids []int64
	for _, name := range names {
		tc, err := s.CreateTestCase(t.Context(), model.TestCase{Name: name, Content: name})
		require.NoError(t, err)
		ids = append(ids, tc.ID)
	}
	return ids
}

func TestScenarioCRUD(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := t.Context()
	ids := seedTestCases(t, s, "Login", "Checkout", "Logout")

	sc, err := s.CreateScenario(ctx, model.Scenario{
		Name:        "smoke",
		Inputs:      map[string]string{"ENV": "staging"},
		TestCaseIDs: ids,
	})
	require.NoError(t, err)
	require.NotZero(t, sc.ID)

	got, err := s.GetScenario(ctx, sc.ID)
	require.NoError(t, err)
	require.Equal(t, ids, got.TestCaseIDs)
	require.Equal(t, "staging", got.Inputs["ENV"])

	byName, err := s.GetScenarioByName(ctx, "smoke")
	require.NoError(t, err)
	require.Equal(t, sc.ID, byName.ID)

	// membership order follows the given order, not insertion order
	got.TestCaseIDs = []int64{ids[2], ids[0]}
	updated, err := s.UpdateScenario(ctx, got)
	require.NoError(t, err)
	require.Equal(t, []int64{ids[2], ids[0]}, updated.TestCaseIDs)

	resolved, err := s.ResolveScenario(ctx, sc.ID)
	require.NoError(t, err)
	require.Equal(t, model.TargetScenario, resolved.TargetType)
	require.Len(t, resolved.Steps, 2)
	require.Equal(t, "Logout", resolved.Steps[0].Name)
	require.Equal(t, "Login", resolved.Steps[1].Name)

	require.NoError(t, s.DeleteScenario(ctx, sc.ID))
	_, err = s.GetScenario(ctx, sc.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolveTestCase(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ids := seedTestCases(t, s, "Login")

	resolved, err := s.ResolveTestCase(t.Context(), ids[0])
	require.NoError(t, err)
	require.Equal(t, model.TargetTestCase, resolved.TargetType)
	require.Equal(t, "Login", resolved.Name)
	require.Len(t, resolved.Steps, 1)

	_, err = s.ResolveTestCase(t.Context(), 4242)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestGroupCRUD(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := t.Context()
	ids := seedTestCases(t, s, "Login", "Logout")

	g, err := s.CreateGroup(ctx, model.Group{Name: "auth", TestCaseIDs: ids})
	require.NoError(t, err)
	require.NotZero(t, g.ID)

	got, err := s.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, "auth", got.Name)
	require.Equal(t, ids, got.TestCaseIDs)

	list, err := s.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteGroup(ctx, g.ID))
	_, err = s.GetGroup(ctx, g.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestConfigKV(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := t.Context()

	entry, err := s.SetConfig(ctx, "retention_days", "30")
	require.NoError(t, err)
	require.Equal(t, "30", entry.Value)

	entry, err = s.SetConfig(ctx, "retention_days", "7")
	require.NoError(t, err)
	require.Equal(t, "7", entry.Value)

	got, err := s.GetConfig(ctx, "retention_days")
	require.NoError(t, err)
	require.Equal(t, "7", got.Value)

	_, err = s.GetConfig(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)

	list, err := s.ListConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestAttachments(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := t.Context()

	require.NoError(t, s.AddAttachment(ctx, model.Attachment{
		RunID:       "run-1",
		Name:        "output.xml",
		Path:        "/tmp/run-1/output.xml",
		ContentType: "application/xml",
		CreatedAt:   time.Now().UTC(),
	}))

	atts, err := s.Attachments(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.Equal(t, "output.xml", atts[0].Name)
	require.NotZero(t, atts[0].ID)

	atts, err = s.Attachments(ctx, "run-2")
	require.NoError(t, err)
	require.Empty(t, atts)
}
