package sqlstore

import (
	"context"
	"database/sql"

	"github.com/hupe1980/threadmesh/core"
)

const stepColumns = `id, execution_id, iteration, status, trigger_item_id, reaction_item_id, event_id,
	tool_calls, tool_execution_results, continue_loop, error_text, created_at, updated_at`

func scanStep(row interface{ Scan(...any) error }) (*core.Step, error) {
	var (
		st               core.Step
		status           string
		calls, results   sql.NullString
		cont             sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&st.ID, &st.ExecutionID, &st.Iteration, &status, &st.TriggerItemID, &st.ReactionItemID,
		&st.EventID, &calls, &results, &cont, &st.ErrorText, &created, &updated); err != nil {
		return nil, err
	}
	st.Status = core.StepStatus(status)
	if err := unmarshalJSON(calls, &st.ToolCalls); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(results, &st.ToolExecutionResults); err != nil {
		return nil, err
	}
	if cont.Valid {
		v := cont.Int64 != 0
		st.ContinueLoop = &v
	}
	st.CreatedAt = fromNanos(created)
	st.UpdatedAt = fromNanos(updated)
	return &st, nil
}

func (s *Store) findStep(ctx context.Context, q querier, id string, lock bool) (*core.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM thread_steps WHERE id = ?`
	if lock {
		query += s.forUpdate()
	}
	st, err := scanStep(s.queryRow(ctx, q, query, id))
	if isNoRows(err) {
		return nil, nil
	}
	return st, err
}

// CreateStep allocates a running step with fresh step and event ids.
func (s *Store) CreateStep(ctx context.Context, in core.StepInput) (*core.Step, error) {
	var out *core.Step
	err := s.withTx(ctx, "createStep", func(tx *sql.Tx) error {
		e, err := s.findExecution(ctx, tx, in.ExecutionID, false)
		if err != nil {
			return err
		}
		if e == nil {
			return notFound("execution", idString(in.ExecutionID))
		}
		ts := s.opts.Now()
		st := &core.Step{
			ID:             core.NewID(),
			ExecutionID:    e.ID,
			Iteration:      in.Iteration,
			Status:         core.StepStatusRunning,
			TriggerItemID:  e.TriggerItemID,
			ReactionItemID: e.ReactionItemID,
			EventID:        core.NewID(),
			CreatedAt:      ts,
			UpdatedAt:      ts,
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO thread_steps (id, execution_id, iteration, status, trigger_item_id, reaction_item_id, event_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.ExecutionID, st.Iteration, string(st.Status), st.TriggerItemID, st.ReactionItemID, st.EventID,
			toNanos(ts), toNanos(ts),
		); err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}

// UpdateStep applies patch to a step.
func (s *Store) UpdateStep(ctx context.Context, stepID string, patch core.StepPatch) error {
	return s.withTx(ctx, "updateStep", func(tx *sql.Tx) error {
		st, err := s.findStep(ctx, tx, stepID, true)
		if err != nil {
			return err
		}
		if st == nil {
			return notFound("step", idString(stepID))
		}
		if patch.Status != nil && *patch.Status != st.Status {
			if err := core.AssertStepTransition(st.Status, *patch.Status); err != nil {
				return err
			}
		}
		patch.Apply(st, s.opts.Now())

		var calls, results any
		if st.ToolCalls != nil {
			raw, err := marshalJSON(st.ToolCalls)
			if err != nil {
				return err
			}
			calls = raw
		}
		if st.ToolExecutionResults != nil {
			raw, err := marshalJSON(st.ToolExecutionResults)
			if err != nil {
				return err
			}
			results = raw
		}
		var cont any
		if st.ContinueLoop != nil {
			cont = 0
			if *st.ContinueLoop {
				cont = 1
			}
		}
		_, err = s.exec(ctx, tx,
			`UPDATE thread_steps SET status = ?, tool_calls = ?, tool_execution_results = ?, continue_loop = ?,
			   error_text = ?, updated_at = ? WHERE id = ?`,
			string(st.Status), calls, results, cont, st.ErrorText, toNanos(st.UpdatedAt), st.ID)
		return err
	})
}

func (s *Store) listSteps(ctx context.Context, where string, args ...any) ([]core.Step, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+stepColumns+` FROM thread_steps WHERE `+where+` ORDER BY iteration ASC, created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []core.Step{}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// GetSteps returns an execution's steps ordered by iteration.
func (s *Store) GetSteps(ctx context.Context, executionID string) ([]core.Step, error) {
	steps, err := s.listSteps(ctx, `execution_id = ?`, executionID)
	return steps, core.NewStoreError("getSteps", err)
}

// SaveStepParts upserts parts by key. Every part key must equal
// "<stepID>:<idx>".
func (s *Store) SaveStepParts(ctx context.Context, stepID string, parts []core.StepPart) error {
	for _, p := range parts {
		if p.StepID != "" && p.StepID != stepID {
			return core.NewStoreError("saveStepParts", &core.PartKeyError{Expected: core.PartKey(stepID, p.Idx), Got: core.PartKey(p.StepID, p.Idx)})
		}
		if err := core.AssertPartKey(stepID, p.Idx, p.Key); err != nil {
			return core.NewStoreError("saveStepParts", err)
		}
	}
	return s.withTx(ctx, "saveStepParts", func(tx *sql.Tx) error {
		st, err := s.findStep(ctx, tx, stepID, false)
		if err != nil {
			return err
		}
		if st == nil {
			return notFound("step", idString(stepID))
		}
		ts := toNanos(s.opts.Now())
		for _, p := range parts {
			typ := p.Type
			if typ == "" {
				typ = p.Part.Type()
			}
			raw, err := marshalJSON(p.Part)
			if err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx,
				`INSERT INTO thread_parts (key, step_id, idx, type, part, updated_at) VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (key) DO UPDATE SET type = excluded.type, part = excluded.part, updated_at = excluded.updated_at`,
				p.Key, stepID, p.Idx, typ, raw, ts,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetStepParts returns a step's parts ordered by index.
func (s *Store) GetStepParts(ctx context.Context, stepID string) ([]core.StepPart, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT key, step_id, idx, type, part, updated_at FROM thread_parts WHERE step_id = ? ORDER BY idx ASC`, stepID)
	if err != nil {
		return nil, core.NewStoreError("getStepParts", err)
	}
	defer rows.Close()
	out := []core.StepPart{}
	for rows.Next() {
		var (
			sp      core.StepPart
			raw     sql.NullString
			updated int64
		)
		if err := rows.Scan(&sp.Key, &sp.StepID, &sp.Idx, &sp.Type, &raw, &updated); err != nil {
			return nil, core.NewStoreError("getStepParts", err)
		}
		if err := unmarshalJSON(raw, &sp.Part); err != nil {
			return nil, core.NewStoreError("getStepParts", err)
		}
		sp.UpdatedAt = fromNanos(updated)
		out = append(out, sp)
	}
	return out, core.NewStoreError("getStepParts", rows.Err())
}

// ItemsToModelMessages converts items to model messages. Assistant items
// are rebuilt from their persisted step parts when any exist.
func (s *Store) ItemsToModelMessages(ctx context.Context, items []core.Item) ([]core.ModelMessage, error) {
	rebuilt := make([]core.Item, len(items))
	for i, it := range items {
		rebuilt[i] = it
		if it.Type != core.ItemTypeOutputText {
			continue
		}
		steps, err := s.listSteps(ctx, `event_id = ? OR reaction_item_id = ?`, it.ID, it.ID)
		if err != nil {
			return nil, core.NewStoreError("itemsToModelMessages", err)
		}
		var parts []core.Part
		for _, st := range steps {
			sps, err := s.GetStepParts(ctx, st.ID)
			if err != nil {
				return nil, err
			}
			for _, sp := range sps {
				parts = append(parts, sp.Part)
			}
		}
		if len(parts) > 0 {
			rebuilt[i] = it.Clone()
			rebuilt[i].Content.Parts = parts
		}
	}
	return core.ItemsToModelMessages(rebuilt), nil
}
