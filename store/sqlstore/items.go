package sqlstore

import (
	"context"
	"database/sql"

	"github.com/hupe1980/threadmesh/core"
)

const itemColumns = `id, type, channel, status, content, created_at`

func scanItem(row interface{ Scan(...any) error }) (*core.Item, error) {
	var (
		it      core.Item
		typ     string
		channel string
		status  string
		content sql.NullString
		created int64
	)
	if err := row.Scan(&it.ID, &typ, &channel, &status, &content, &created); err != nil {
		return nil, err
	}
	it.Type = core.ItemType(typ)
	it.Channel = core.Channel(channel)
	it.Status = core.ItemStatus(status)
	if err := unmarshalJSON(content, &it.Content); err != nil {
		return nil, err
	}
	it.CreatedAt = fromNanos(created)
	return &it, nil
}

func (s *Store) findItem(ctx context.Context, q querier, id string) (*core.Item, error) {
	it, err := scanItem(s.queryRow(ctx, q, `SELECT `+itemColumns+` FROM thread_items WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, nil
	}
	return it, err
}

// SaveItem upserts an item under a context. New items are stored with
// status stored; an existing item keeps its status.
func (s *Store) SaveItem(ctx context.Context, ident core.Identifier, item core.Item) (*core.Item, error) {
	var out *core.Item
	err := s.withTx(ctx, "saveItem", func(tx *sql.Tx) error {
		c, err := s.mustContext(ctx, tx, ident, false)
		if err != nil {
			return err
		}
		stored := item.Clone()
		if stored.ID == "" {
			stored.ID = core.NewID()
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.opts.Now()
		}
		stored.Status = core.ItemStatusStored
		prev, err := s.findItem(ctx, tx, stored.ID)
		if err != nil {
			return err
		}
		if prev != nil {
			stored.Status = prev.Status
			stored.CreatedAt = prev.CreatedAt
		}
		raw, err := marshalJSON(stored.Content)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO thread_items (id, context_id, type, channel, status, content, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET context_id = excluded.context_id, type = excluded.type,
			   channel = excluded.channel, content = excluded.content, updated_at = excluded.updated_at`,
			stored.ID, c.ID, string(stored.Type), string(stored.Channel), string(stored.Status), raw,
			toNanos(stored.CreatedAt), toNanos(s.opts.Now()),
		); err != nil {
			return err
		}
		out = &stored
		return nil
	})
	return out, err
}

// UpdateItem replaces an item's fields. An empty status keeps the current
// one; a differing status must be a legal transition.
func (s *Store) UpdateItem(ctx context.Context, id string, item core.Item) (*core.Item, error) {
	var out *core.Item
	err := s.withTx(ctx, "updateItem", func(tx *sql.Tx) error {
		prev, err := s.findItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if prev == nil {
			return notFound("item", idString(id))
		}
		next := item.Clone()
		next.ID = id
		if next.Status == "" {
			next.Status = prev.Status
		}
		if next.Status != prev.Status {
			if err := core.AssertItemTransition(prev.Status, next.Status); err != nil {
				return err
			}
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = prev.CreatedAt
		}
		if next.Type == "" {
			next.Type = prev.Type
		}
		if next.Channel == "" {
			next.Channel = prev.Channel
		}
		raw, err := marshalJSON(next.Content)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx,
			`UPDATE thread_items SET type = ?, channel = ?, status = ?, content = ?, created_at = ?, updated_at = ? WHERE id = ?`,
			string(next.Type), string(next.Channel), string(next.Status), raw,
			toNanos(next.CreatedAt), toNanos(s.opts.Now()), id,
		); err != nil {
			return err
		}
		out = &next
		return nil
	})
	return out, err
}

// GetItem returns an item or nil when it does not exist.
func (s *Store) GetItem(ctx context.Context, id string) (*core.Item, error) {
	it, err := s.findItem(ctx, s.db, id)
	return it, core.NewStoreError("getItem", err)
}

// GetItems returns a context's items ordered by creation time, then id.
func (s *Store) GetItems(ctx context.Context, ident core.Identifier) ([]core.Item, error) {
	c, err := s.mustContext(ctx, s.db, ident, false)
	if err != nil {
		return nil, core.NewStoreError("getItems", err)
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+itemColumns+` FROM thread_items WHERE context_id = ? ORDER BY created_at ASC, id ASC`, c.ID)
	if err != nil {
		return nil, core.NewStoreError("getItems", err)
	}
	defer rows.Close()
	out := []core.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, core.NewStoreError("getItems", err)
		}
		out = append(out, *it)
	}
	return out, core.NewStoreError("getItems", rows.Err())
}

const executionColumns = `id, context_id, thread_id, status, trigger_item_id, reaction_item_id, created_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (*core.Execution, error) {
	var (
		e                core.Execution
		status           string
		created, updated int64
	)
	if err := row.Scan(&e.ID, &e.ContextID, &e.ThreadID, &status, &e.TriggerItemID, &e.ReactionItemID, &created, &updated); err != nil {
		return nil, err
	}
	e.Status = core.ExecutionStatus(status)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}

func (s *Store) findExecution(ctx context.Context, q querier, id string, lock bool) (*core.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM thread_executions WHERE id = ?`
	if lock {
		query += s.forUpdate()
	}
	e, err := scanExecution(s.queryRow(ctx, q, query, id))
	if isNoRows(err) {
		return nil, nil
	}
	return e, err
}

// CreateExecution opens a new execution for a context, makes it the
// context's current execution and marks the thread streaming. Executions
// already running on the context are left to finish on their own.
func (s *Store) CreateExecution(ctx context.Context, ident core.Identifier, triggerItemID, reactionItemID string) (*core.Execution, error) {
	var out *core.Execution
	err := s.withTx(ctx, "createExecution", func(tx *sql.Tx) error {
		c, err := s.mustContext(ctx, tx, ident, true)
		if err != nil {
			return err
		}
		ts := toNanos(s.opts.Now())
		t, err := s.findThread(ctx, tx, core.ByID(c.ThreadID), true)
		if err != nil {
			return err
		}
		if t != nil {
			if err := s.setThreadStatus(ctx, tx, t, core.ThreadStatusStreaming); err != nil {
				return err
			}
		}
		e := &core.Execution{
			ID:             core.NewID(),
			ContextID:      c.ID,
			ThreadID:       c.ThreadID,
			Status:         core.ExecutionStatusExecuting,
			TriggerItemID:  triggerItemID,
			ReactionItemID: reactionItemID,
			CreatedAt:      fromNanos(ts),
			UpdatedAt:      fromNanos(ts),
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO thread_executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ContextID, e.ThreadID, string(e.Status), e.TriggerItemID, e.ReactionItemID, ts, ts,
		); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `UPDATE thread_contexts SET current_execution_id = ?, updated_at = ? WHERE id = ?`,
			e.ID, ts, c.ID); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

// CompleteExecution moves an execution to a terminal status, returns the
// context to open and the thread to open (or failed). A closed context and
// its thread are left untouched. The reaction item id survives only on a
// completed execution whose reaction item was saved.
func (s *Store) CompleteExecution(ctx context.Context, ident core.Identifier, executionID string, status core.ExecutionStatus) error {
	return s.withTx(ctx, "completeExecution", func(tx *sql.Tx) error {
		c, err := s.mustContext(ctx, tx, ident, true)
		if err != nil {
			return err
		}
		e, err := s.findExecution(ctx, tx, executionID, true)
		if err != nil {
			return err
		}
		if e == nil {
			return notFound("execution", idString(executionID))
		}
		if e.Status != status {
			if err := core.AssertExecutionTransition(e.Status, status); err != nil {
				return err
			}
		}
		reactionID := ""
		if status == core.ExecutionStatusCompleted && e.ReactionItemID != "" {
			it, err := s.findItem(ctx, tx, e.ReactionItemID)
			if err != nil {
				return err
			}
			if it != nil {
				reactionID = it.ID
			}
		}
		ts := toNanos(s.opts.Now())
		if _, err := s.exec(ctx, tx, `UPDATE thread_executions SET status = ?, reaction_item_id = ?, updated_at = ? WHERE id = ?`,
			string(status), reactionID, ts, e.ID); err != nil {
			return err
		}
		if c.Status == core.ContextStatusClosed {
			return nil
		}
		if c.Status != core.ContextStatusOpen {
			if err := core.AssertContextTransition(c.Status, core.ContextStatusOpen); err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx, `UPDATE thread_contexts SET status = ?, updated_at = ? WHERE id = ?`,
				string(core.ContextStatusOpen), ts, c.ID); err != nil {
				return err
			}
		}
		next := core.ThreadStatusOpen
		if status == core.ExecutionStatusFailed {
			next = core.ThreadStatusFailed
		}
		t, err := s.findThread(ctx, tx, core.ByID(c.ThreadID), true)
		if err != nil || t == nil {
			return err
		}
		return s.setThreadStatus(ctx, tx, t, next)
	})
}

// GetExecution returns an execution or nil when it does not exist.
func (s *Store) GetExecution(ctx context.Context, id string) (*core.Execution, error) {
	e, err := s.findExecution(ctx, s.db, id, false)
	return e, core.NewStoreError("getExecution", err)
}

// LinkItemToExecution records that an item belongs to an execution.
func (s *Store) LinkItemToExecution(ctx context.Context, itemID, executionID string) error {
	return s.withTx(ctx, "linkItemToExecution", func(tx *sql.Tx) error {
		it, err := s.findItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if it == nil {
			return notFound("item", idString(itemID))
		}
		e, err := s.findExecution(ctx, tx, executionID, false)
		if err != nil {
			return err
		}
		if e == nil {
			return notFound("execution", idString(executionID))
		}
		_, err = s.exec(ctx, tx,
			`INSERT INTO thread_execution_items (execution_id, item_id, linked_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			executionID, itemID, toNanos(s.opts.Now()))
		return err
	})
}

// ExecutionItems returns the ids linked to an execution in link order.
func (s *Store) ExecutionItems(ctx context.Context, executionID string) ([]string, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT item_id FROM thread_execution_items WHERE execution_id = ? ORDER BY linked_at ASC, item_id ASC`, executionID)
	if err != nil {
		return nil, core.NewStoreError("executionItems", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.NewStoreError("executionItems", err)
		}
		out = append(out, id)
	}
	return out, core.NewStoreError("executionItems", rows.Err())
}
