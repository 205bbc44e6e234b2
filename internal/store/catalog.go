package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roborun/roborun/internal/model"
)

// CreateTestCase inserts a test case and returns it with ID and timestamps.
func (s *Store) CreateTestCase(ctx context.Context, tc model.TestCase) (model.TestCase, error) {
	now := time.Now().UTC()
	tc.CreatedAt = now
	tc.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO testcases (name, description, content, created_at, updated_at)
		 VALUES (?,?,?,?,?)`,
		tc.Name, tc.Description, tc.Content, tc.CreatedAt, tc.UpdatedAt,
	)
	if err != nil {
		return model.TestCase{}, fmt.Errorf("creating testcase: %w", err)
	}
	tc.ID, err = res.LastInsertId()
	if err != nil {
		return model.TestCase{}, fmt.Errorf("reading testcase id: %w", err)
	}
	return tc, nil
}

func (s *Store) GetTestCase(ctx context.Context, id int64) (model.TestCase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, content, created_at, updated_at
		 FROM testcases WHERE id=?`, id)
	var tc model.TestCase
	err := row.Scan(&tc.ID, &tc.Name, &tc.Description, &tc.Content, &tc.CreatedAt, &tc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TestCase{}, model.ErrNotFound
	}
	if err != nil {
		return model.TestCase{}, fmt.Errorf("reading testcase: %w", err)
	}
	return tc, nil
}

func (s *Store) ListTestCases(ctx context.Context) ([]model.TestCase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, content, created_at, updated_at
		 FROM testcases ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing testcases: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []model.TestCase
	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(&tc.ID, &tc.Name, &tc.Description, &tc.Content, &tc.CreatedAt, &tc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning testcase: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTestCase(ctx context.Context, tc model.TestCase) (model.TestCase, error) {
	tc.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE testcases SET name=?, description=?, content=?, updated_at=? WHERE id=?`,
		tc.Name, tc.Description, tc.Content, tc.UpdatedAt, tc.ID,
	)
	if err != nil {
		return model.TestCase{}, fmt.Errorf("updating testcase: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.TestCase{}, err
	} else if n == 0 {
		return model.TestCase{}, model.ErrNotFound
	}
	return s.GetTestCase(ctx, tc.ID)
}

func (s *Store) DeleteTestCase(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM testcases WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting testcase: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// CreateScenario inserts a scenario and its ordered test case associations.
func (s *Store) CreateScenario(ctx context.Context, sc model.Scenario) (model.Scenario, error) {
	inputs, err := json.Marshal(orEmpty(sc.Inputs))
	if err != nil {
		return model.Scenario{}, fmt.Errorf("encoding scenario inputs: %w", err)
	}
	sc.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Scenario{}, err
	}
	defer rollback(ctx, tx)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO scenarios (name, description, inputs, created_at) VALUES (?,?,?,?)`,
		sc.Name, sc.Description, string(inputs), sc.CreatedAt,
	)
	if err != nil {
		return model.Scenario{}, fmt.Errorf("creating scenario: %w", err)
	}
	sc.ID, err = res.LastInsertId()
	if err != nil {
		return model.Scenario{}, fmt.Errorf("reading scenario id: %w", err)
	}
	if err := replaceScenarioMembers(ctx, tx, sc.ID, sc.TestCaseIDs); err != nil {
		return model.Scenario{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Scenario{}, fmt.Errorf("committing scenario: %w", err)
	}
	return sc, nil
}

func replaceScenarioMembers(ctx context.Context, tx *sql.Tx, scenarioID int64, testcases []int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scenario_testcases WHERE scenario_id=?`, scenarioID); err != nil {
		return fmt.Errorf("clearing scenario members: %w", err)
	}
	for pos, tcID := range testcases {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scenario_testcases (scenario_id, testcase_id, position) VALUES (?,?,?)`,
			scenarioID, tcID, pos); err != nil {
			return fmt.Errorf("associating testcase %d: %w", tcID, err)
		}
	}
	return nil
}

func (s *Store) GetScenario(ctx context.Context, id int64) (model.Scenario, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, inputs, created_at FROM scenarios WHERE id=?`, id)
	return s.scanScenario(ctx, row)
}

// GetScenarioByName looks a scenario up by its unique name.
func (s *Store) GetScenarioByName(ctx context.Context, name string) (model.Scenario, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, inputs, created_at FROM scenarios WHERE name=?`, name)
	return s.scanScenario(ctx, row)
}

func (s *Store) scanScenario(ctx context.Context, row *sql.Row) (model.Scenario, error) {
	var (
		sc     model.Scenario
		inputs string
	)
	err := row.Scan(&sc.ID, &sc.Name, &sc.Description, &inputs, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Scenario{}, model.ErrNotFound
	}
	if err != nil {
		return model.Scenario{}, fmt.Errorf("reading scenario: %w", err)
	}
	if err := json.Unmarshal([]byte(inputs), &sc.Inputs); err != nil {
		return model.Scenario{}, fmt.Errorf("decoding scenario inputs: %w", err)
	}
	if len(sc.Inputs) == 0 {
		sc.Inputs = nil
	}
	sc.TestCaseIDs, err = s.scenarioMembers(ctx, sc.ID)
	return sc, err
}

func (s *Store) scenarioMembers(ctx context.Context, scenarioID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT testcase_id FROM scenario_testcases WHERE scenario_id=? ORDER BY position ASC`,
		scenarioID)
	if err != nil {
		return nil, fmt.Errorf("reading scenario members: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListScenarios(ctx context.Context) ([]model.Scenario, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM scenarios ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing scenarios: %w", err)
	}
	ids := make([]int64, 0, 16)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := make([]model.Scenario, 0, len(ids))
	for _, id := range ids {
		sc, err := s.GetScenario(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *Store) UpdateScenario(ctx context.Context, sc model.Scenario) (model.Scenario, error) {
	inputs, err := json.Marshal(orEmpty(sc.Inputs))
	if err != nil {
		return model.Scenario{}, fmt.Errorf("encoding scenario inputs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Scenario{}, err
	}
	defer rollback(ctx, tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE scenarios SET name=?, description=?, inputs=? WHERE id=?`,
		sc.Name, sc.Description, string(inputs), sc.ID,
	)
	if err != nil {
		return model.Scenario{}, fmt.Errorf("updating scenario: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Scenario{}, err
	} else if n == 0 {
		return model.Scenario{}, model.ErrNotFound
	}
	if err := replaceScenarioMembers(ctx, tx, sc.ID, sc.TestCaseIDs); err != nil {
		return model.Scenario{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Scenario{}, fmt.Errorf("committing scenario update: %w", err)
	}
	return s.GetScenario(ctx, sc.ID)
}

func (s *Store) DeleteScenario(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scenarios WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting scenario: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ResolveScenario expands a scenario into the read-only input the engine
// consumes: member test cases in declared order, one step each.
func (s *Store) ResolveScenario(ctx context.Context, id int64) (model.ResolvedScenario, error) {
	sc, err := s.GetScenario(ctx, id)
	if err != nil {
		return model.ResolvedScenario{}, err
	}
	steps := make([]model.Step, 0, len(sc.TestCaseIDs))
	for _, tcID := range sc.TestCaseIDs {
		tc, err := s.GetTestCase(ctx, tcID)
		if err != nil {
			return model.ResolvedScenario{}, fmt.Errorf("resolving scenario %q: %w", sc.Name, err)
		}
		steps = append(steps, model.Step{Name: tc.Name, Content: tc.Content})
	}
	return model.ResolvedScenario{
		TargetType: model.TargetScenario,
		TargetID:   sc.ID,
		Name:       sc.Name,
		Inputs:     sc.Inputs,
		Steps:      steps,
	}, nil
}

// ResolveTestCase wraps a single test case as a one-step scenario input.
func (s *Store) ResolveTestCase(ctx context.Context, id int64) (model.ResolvedScenario, error) {
	tc, err := s.GetTestCase(ctx, id)
	if err != nil {
		return model.ResolvedScenario{}, err
	}
	return model.ResolvedScenario{
		TargetType: model.TargetTestCase,
		TargetID:   tc.ID,
		Name:       tc.Name,
		Steps:      []model.Step{{Name: tc.Name, Content: tc.Content}},
	}, nil
}

// CreateGroup inserts a group and its member associations.
func (s *Store) CreateGroup(ctx context.Context, g model.Group) (model.Group, error) {
	g.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Group{}, err
	}
	defer rollback(ctx, tx)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO groups (name, description, created_at) VALUES (?,?,?)`,
		g.Name, g.Description, g.CreatedAt,
	)
	if err != nil {
		return model.Group{}, fmt.Errorf("creating group: %w", err)
	}
	g.ID, err = res.LastInsertId()
	if err != nil {
		return model.Group{}, fmt.Errorf("reading group id: %w", err)
	}
	for _, tcID := range g.TestCaseIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_testcases (group_id, testcase_id) VALUES (?,?)`,
			g.ID, tcID); err != nil {
			return model.Group{}, fmt.Errorf("associating testcase %d: %w", tcID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Group{}, fmt.Errorf("committing group: %w", err)
	}
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, id int64) (model.Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM groups WHERE id=?`, id)
	var g model.Group
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, model.ErrNotFound
	}
	if err != nil {
		return model.Group{}, fmt.Errorf("reading group: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT testcase_id FROM group_testcases WHERE group_id=? ORDER BY testcase_id ASC`, g.ID)
	if err != nil {
		return model.Group{}, fmt.Errorf("reading group members: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var tcID int64
		if err := rows.Scan(&tcID); err != nil {
			return model.Group{}, err
		}
		g.TestCaseIDs = append(g.TestCaseIDs, tcID)
	}
	return g, rows.Err()
}

func (s *Store) ListGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM groups ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := make([]model.Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// SetConfig upserts a config key.
func (s *Store) SetConfig(ctx context.Context, key, value string) (model.ConfigEntry, error) {
	entry := model.ConfigEntry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO configs (key, value, updated_at) VALUES (?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		entry.Key, entry.Value, entry.UpdatedAt,
	)
	if err != nil {
		return model.ConfigEntry{}, fmt.Errorf("setting config %q: %w", key, err)
	}
	return entry, nil
}

func (s *Store) GetConfig(ctx context.Context, key string) (model.ConfigEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM configs WHERE key=?`, key)
	var entry model.ConfigEntry
	err := row.Scan(&entry.Key, &entry.Value, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConfigEntry{}, model.ErrNotFound
	}
	if err != nil {
		return model.ConfigEntry{}, fmt.Errorf("reading config %q: %w", key, err)
	}
	return entry, nil
}

func (s *Store) ListConfigs(ctx context.Context) ([]model.ConfigEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM configs ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing configs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []model.ConfigEntry
	for rows.Next() {
		var entry model.ConfigEntry
		if err := rows.Scan(&entry.Key, &entry.Value, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
