package sqlstore

import (
	"context"
	"database/sql"

	"github.com/hupe1980/threadmesh/core"
)

const threadColumns = `id, COALESCE(key, ''), name, status, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (*core.Thread, error) {
	var (
		t                core.Thread
		created, updated int64
		status           string
	)
	if err := row.Scan(&t.ID, &t.Key, &t.Name, &status, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = core.ThreadStatus(status)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return &t, nil
}

func (s *Store) findThread(ctx context.Context, q querier, ident core.Identifier, lock bool) (*core.Thread, error) {
	clause, arg := identClause(ident)
	query := `SELECT ` + threadColumns + ` FROM thread_threads WHERE ` + clause
	if lock {
		query += s.forUpdate()
	}
	t, err := scanThread(s.queryRow(ctx, q, query, arg))
	if isNoRows(err) {
		return nil, nil
	}
	return t, err
}

func (s *Store) getOrCreateThread(ctx context.Context, tx *sql.Tx, ident *core.Identifier) (*core.Thread, error) {
	if ident != nil {
		t, err := s.findThread(ctx, tx, *ident, false)
		if err != nil || t != nil {
			return t, err
		}
	}
	ts := s.opts.Now()
	t := &core.Thread{ID: core.NewID(), Status: core.ThreadStatusOpen, CreatedAt: ts, UpdatedAt: ts}
	if ident != nil {
		if ident.ID != "" {
			t.ID = ident.ID
		} else {
			t.Key = ident.Key
		}
	}
	if _, err := s.exec(ctx, tx,
		`INSERT INTO thread_threads (id, key, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		t.ID, nullable(t.Key), t.Name, string(t.Status), toNanos(ts), toNanos(ts),
	); err != nil {
		return nil, err
	}
	if ident == nil {
		return t, nil
	}
	// A concurrent writer may have won the insert.
	return s.findThread(ctx, tx, *ident, false)
}

// GetOrCreateThread returns the thread named by ident, creating it when
// absent. A nil ident always creates a fresh thread.
func (s *Store) GetOrCreateThread(ctx context.Context, ident *core.Identifier) (*core.Thread, error) {
	if ident != nil {
		if err := ident.Validate(); err != nil {
			return nil, core.NewStoreError("getOrCreateThread", err)
		}
	}
	var out *core.Thread
	err := s.withTx(ctx, "getOrCreateThread", func(tx *sql.Tx) error {
		t, err := s.getOrCreateThread(ctx, tx, ident)
		out = t
		return err
	})
	return out, err
}

// GetThread returns the thread or nil when it does not exist.
func (s *Store) GetThread(ctx context.Context, ident core.Identifier) (*core.Thread, error) {
	if err := ident.Validate(); err != nil {
		return nil, core.NewStoreError("getThread", err)
	}
	t, err := s.findThread(ctx, s.db, ident, false)
	return t, core.NewStoreError("getThread", err)
}

// UpdateThreadStatus moves a thread along its transition table.
func (s *Store) UpdateThreadStatus(ctx context.Context, ident core.Identifier, status core.ThreadStatus) error {
	if err := ident.Validate(); err != nil {
		return core.NewStoreError("updateThreadStatus", err)
	}
	return s.withTx(ctx, "updateThreadStatus", func(tx *sql.Tx) error {
		t, err := s.findThread(ctx, tx, ident, true)
		if err != nil {
			return err
		}
		if t == nil {
			return notFound("thread", ident)
		}
		return s.setThreadStatus(ctx, tx, t, status)
	})
}

func (s *Store) setThreadStatus(ctx context.Context, tx *sql.Tx, t *core.Thread, status core.ThreadStatus) error {
	if t.Status == status {
		return nil
	}
	if err := core.AssertThreadTransition(t.Status, status); err != nil {
		return err
	}
	_, err := s.exec(ctx, tx, `UPDATE thread_threads SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toNanos(s.opts.Now()), t.ID)
	return err
}

const contextColumns = `id, thread_id, COALESCE(key, ''), status, content, current_execution_id, created_at, updated_at`

func scanContext(row interface{ Scan(...any) error }) (*core.Context, error) {
	var (
		c                core.Context
		status           string
		content          sql.NullString
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.ThreadID, &c.Key, &status, &content, &c.CurrentExecutionID, &created, &updated); err != nil {
		return nil, err
	}
	c.Status = core.ContextStatus(status)
	c.Content = map[string]any{}
	if err := unmarshalJSON(content, &c.Content); err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

func (s *Store) findContext(ctx context.Context, q querier, ident core.Identifier, lock bool) (*core.Context, error) {
	clause, arg := identClause(ident)
	query := `SELECT ` + contextColumns + ` FROM thread_contexts WHERE ` + clause
	if lock {
		query += s.forUpdate()
	}
	c, err := scanContext(s.queryRow(ctx, q, query, arg))
	if isNoRows(err) {
		return nil, nil
	}
	return c, err
}

func (s *Store) mustContext(ctx context.Context, q querier, ident core.Identifier, lock bool) (*core.Context, error) {
	if err := ident.Validate(); err != nil {
		return nil, err
	}
	c, err := s.findContext(ctx, q, ident, lock)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound("context", ident)
	}
	return c, nil
}

// GetOrCreateContext returns the context named by ident, creating it (and
// its thread) when absent. Keyed contexts share their key with their thread.
func (s *Store) GetOrCreateContext(ctx context.Context, ident *core.Identifier) (*core.Context, error) {
	if ident != nil {
		if err := ident.Validate(); err != nil {
			return nil, core.NewStoreError("getOrCreateContext", err)
		}
	}
	var out *core.Context
	err := s.withTx(ctx, "getOrCreateContext", func(tx *sql.Tx) error {
		if ident != nil {
			c, err := s.findContext(ctx, tx, *ident, false)
			if err != nil {
				return err
			}
			if c != nil {
				out = c
				return nil
			}
		}
		var threadIdent *core.Identifier
		if ident != nil && ident.Key != "" {
			threadIdent = &core.Identifier{Key: ident.Key}
		}
		thread, err := s.getOrCreateThread(ctx, tx, threadIdent)
		if err != nil {
			return err
		}
		ts := s.opts.Now()
		c := &core.Context{
			ID:        core.NewID(),
			ThreadID:  thread.ID,
			Status:    core.ContextStatusOpen,
			Content:   map[string]any{},
			CreatedAt: ts,
			UpdatedAt: ts,
		}
		if ident != nil {
			if ident.ID != "" {
				c.ID = ident.ID
			} else {
				c.Key = ident.Key
			}
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO thread_contexts (id, thread_id, key, status, content, current_execution_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, '', ?, ?) ON CONFLICT DO NOTHING`,
			c.ID, c.ThreadID, nullable(c.Key), string(c.Status), "{}", toNanos(ts), toNanos(ts),
		); err != nil {
			return err
		}
		if ident == nil {
			out = c
			return nil
		}
		out, err = s.findContext(ctx, tx, *ident, false)
		return err
	})
	if err == nil {
		s.opts.Logger.Debug("thread.store.context.resolved", "context_id", out.ID, "thread_id", out.ThreadID)
	}
	return out, err
}

// GetContext returns the context or nil when it does not exist.
func (s *Store) GetContext(ctx context.Context, ident core.Identifier) (*core.Context, error) {
	if err := ident.Validate(); err != nil {
		return nil, core.NewStoreError("getContext", err)
	}
	c, err := s.findContext(ctx, s.db, ident, false)
	return c, core.NewStoreError("getContext", err)
}

// UpdateContextContent merges content into the stored content inside a
// transaction and returns the merged context.
func (s *Store) UpdateContextContent(ctx context.Context, ident core.Identifier, content map[string]any) (*core.Context, error) {
	var out *core.Context
	err := s.withTx(ctx, "updateContextContent", func(tx *sql.Tx) error {
		c, err := s.mustContext(ctx, tx, ident, true)
		if err != nil {
			return err
		}
		c.Content = core.MergeContent(c.Content, content)
		c.UpdatedAt = s.opts.Now()
		raw, err := marshalJSON(c.Content)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `UPDATE thread_contexts SET content = ?, updated_at = ? WHERE id = ?`,
			raw, toNanos(c.UpdatedAt), c.ID); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// UpdateContextStatus moves a context along its transition table and
// mirrors the change onto its thread.
func (s *Store) UpdateContextStatus(ctx context.Context, ident core.Identifier, status core.ContextStatus) error {
	return s.withTx(ctx, "updateContextStatus", func(tx *sql.Tx) error {
		c, err := s.mustContext(ctx, tx, ident, true)
		if err != nil {
			return err
		}
		if c.Status != status {
			if err := core.AssertContextTransition(c.Status, status); err != nil {
				return err
			}
		}
		t, err := s.findThread(ctx, tx, core.ByID(c.ThreadID), true)
		if err != nil {
			return err
		}
		if t != nil {
			if err := s.setThreadStatus(ctx, tx, t, core.ThreadStatus(status)); err != nil {
				return err
			}
		}
		if c.Status == status {
			return nil
		}
		_, err = s.exec(ctx, tx, `UPDATE thread_contexts SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), toNanos(s.opts.Now()), c.ID)
		return err
	})
}
