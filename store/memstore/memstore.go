// Package memstore provides a volatile core.Store keeping every record in
// process local maps. It is safe for concurrent access and best suited for
// tests, examples and single process deployments. Records are cloned on
// the way in and out so callers never share state with the store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/logging"
)

// Options configure a Store.
type Options struct {
	// Now supplies timestamps. Defaults to time.Now in UTC.
	Now    func() time.Time
	Logger logging.Logger
}

// Store is an in-memory core.Store.
type Store struct {
	mu   sync.RWMutex
	opts Options

	threads      map[string]*core.Thread
	threadByKey  map[string]string
	contexts     map[string]*core.Context
	contextByKey map[string]string
	items        map[string]*core.Item
	itemContext  map[string]string
	executions   map[string]*core.Execution
	execItems    map[string][]string
	steps        map[string]*core.Step
	parts        map[string]map[string]core.StepPart
}

var _ core.Store = (*Store)(nil)

// New constructs an empty store.
func New(optFns ...func(o *Options)) *Store {
	opts := Options{Now: func() time.Time { return time.Now().UTC() }}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Store{
		opts:         opts,
		threads:      map[string]*core.Thread{},
		threadByKey:  map[string]string{},
		contexts:     map[string]*core.Context{},
		contextByKey: map[string]string{},
		items:        map[string]*core.Item{},
		itemContext:  map[string]string{},
		executions:   map[string]*core.Execution{},
		execItems:    map[string][]string{},
		steps:        map[string]*core.Step{},
		parts:        map[string]map[string]core.StepPart{},
	}
}

func notFound(what string, ident fmt.Stringer) error {
	return fmt.Errorf("%s %s: %w", what, ident, core.ErrNotFound)
}

type idString string

func (s idString) String() string { return "id:" + string(s) }

// GetOrCreateThread returns the thread named by ident, creating it when
// absent. A nil ident always creates a fresh thread.
func (s *Store) GetOrCreateThread(_ context.Context, ident *core.Identifier) (*core.Thread, error) {
	if ident != nil {
		if err := ident.Validate(); err != nil {
			return nil, core.NewStoreError("getOrCreateThread", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneThread(s.getOrCreateThreadLocked(ident)), nil
}

func (s *Store) getOrCreateThreadLocked(ident *core.Identifier) *core.Thread {
	if ident != nil {
		if t := s.findThreadLocked(*ident); t != nil {
			return t
		}
	}
	ts := s.opts.Now()
	t := &core.Thread{ID: core.NewID(), Status: core.ThreadStatusOpen, CreatedAt: ts, UpdatedAt: ts}
	if ident != nil {
		if ident.ID != "" {
			t.ID = ident.ID
		} else {
			t.Key = ident.Key
			s.threadByKey[t.Key] = t.ID
		}
	}
	s.threads[t.ID] = t
	return t
}

func (s *Store) findThreadLocked(ident core.Identifier) *core.Thread {
	if ident.ID != "" {
		return s.threads[ident.ID]
	}
	if id, ok := s.threadByKey[ident.Key]; ok {
		return s.threads[id]
	}
	return nil
}

// GetThread returns the thread or nil when it does not exist.
func (s *Store) GetThread(_ context.Context, ident core.Identifier) (*core.Thread, error) {
	if err := ident.Validate(); err != nil {
		return nil, core.NewStoreError("getThread", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneThread(s.findThreadLocked(ident)), nil
}

// UpdateThreadStatus moves a thread along its transition table.
func (s *Store) UpdateThreadStatus(_ context.Context, ident core.Identifier, status core.ThreadStatus) error {
	if err := ident.Validate(); err != nil {
		return core.NewStoreError("updateThreadStatus", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findThreadLocked(ident)
	if t == nil {
		return core.NewStoreError("updateThreadStatus", notFound("thread", ident))
	}
	return core.NewStoreError("updateThreadStatus", s.setThreadStatusLocked(t, status))
}

func (s *Store) setThreadStatusLocked(t *core.Thread, status core.ThreadStatus) error {
	if t.Status == status {
		return nil
	}
	if err := core.AssertThreadTransition(t.Status, status); err != nil {
		return err
	}
	t.Status = status
	t.UpdatedAt = s.opts.Now()
	return nil
}

// GetOrCreateContext returns the context named by ident, creating it (and
// its thread) when absent. Keyed contexts share their key with their thread.
func (s *Store) GetOrCreateContext(_ context.Context, ident *core.Identifier) (*core.Context, error) {
	if ident != nil {
		if err := ident.Validate(); err != nil {
			return nil, core.NewStoreError("getOrCreateContext", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ident != nil {
		if c := s.findContextLocked(*ident); c != nil {
			return c.Clone(), nil
		}
	}

	var thread *core.Thread
	if ident != nil && ident.Key != "" {
		thread = s.getOrCreateThreadLocked(&core.Identifier{Key: ident.Key})
	} else {
		thread = s.getOrCreateThreadLocked(nil)
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
			s.contextByKey[c.Key] = c.ID
		}
	}
	s.contexts[c.ID] = c
	s.opts.Logger.Debug("thread.store.context.created", "context_id", c.ID, "thread_id", c.ThreadID)
	return c.Clone(), nil
}

func (s *Store) findContextLocked(ident core.Identifier) *core.Context {
	if ident.ID != "" {
		return s.contexts[ident.ID]
	}
	if id, ok := s.contextByKey[ident.Key]; ok {
		return s.contexts[id]
	}
	return nil
}

func (s *Store) mustContextLocked(op string, ident core.Identifier) (*core.Context, error) {
	if err := ident.Validate(); err != nil {
		return nil, core.NewStoreError(op, err)
	}
	c := s.findContextLocked(ident)
	if c == nil {
		return nil, core.NewStoreError(op, notFound("context", ident))
	}
	return c, nil
}

// GetContext returns the context or nil when it does not exist.
func (s *Store) GetContext(_ context.Context, ident core.Identifier) (*core.Context, error) {
	if err := ident.Validate(); err != nil {
		return nil, core.NewStoreError("getContext", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findContextLocked(ident).Clone(), nil
}

// UpdateContextContent merges content into the stored content under the
// store lock and returns the merged context.
func (s *Store) UpdateContextContent(_ context.Context, ident core.Identifier, content map[string]any) (*core.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.mustContextLocked("updateContextContent", ident)
	if err != nil {
		return nil, err
	}
	c.Content = core.MergeContent(c.Content, content)
	c.UpdatedAt = s.opts.Now()
	return c.Clone(), nil
}

// UpdateContextStatus moves a context along its transition table and
// mirrors the change onto its thread.
func (s *Store) UpdateContextStatus(_ context.Context, ident core.Identifier, status core.ContextStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.mustContextLocked("updateContextStatus", ident)
	if err != nil {
		return err
	}
	if c.Status != status {
		if err := core.AssertContextTransition(c.Status, status); err != nil {
			return core.NewStoreError("updateContextStatus", err)
		}
	}
	if t := s.threads[c.ThreadID]; t != nil {
		if err := s.setThreadStatusLocked(t, core.ThreadStatus(status)); err != nil {
			return core.NewStoreError("updateContextStatus", err)
		}
	}
	if c.Status != status {
		c.Status = status
		c.UpdatedAt = s.opts.Now()
	}
	return nil
}

// SaveItem upserts an item under a context. New items are stored with
// status stored; an existing item keeps its status.
func (s *Store) SaveItem(_ context.Context, ident core.Identifier, item core.Item) (*core.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.mustContextLocked("saveItem", ident)
	if err != nil {
		return nil, err
	}
	stored := item.Clone()
	if stored.ID == "" {
		stored.ID = core.NewID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.opts.Now()
	}
	stored.Status = core.ItemStatusStored
	if prev, ok := s.items[stored.ID]; ok {
		stored.Status = prev.Status
		stored.CreatedAt = prev.CreatedAt
	}
	s.items[stored.ID] = &stored
	s.itemContext[stored.ID] = c.ID
	out := stored.Clone()
	return &out, nil
}

// UpdateItem replaces an item's fields. An empty status keeps the current
// one; a differing status must be a legal transition.
func (s *Store) UpdateItem(_ context.Context, id string, item core.Item) (*core.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.items[id]
	if !ok {
		return nil, core.NewStoreError("updateItem", notFound("item", idString(id)))
	}
	next := item.Clone()
	next.ID = id
	if next.Status == "" {
		next.Status = prev.Status
	}
	if next.Status != prev.Status {
		if err := core.AssertItemTransition(prev.Status, next.Status); err != nil {
			return nil, core.NewStoreError("updateItem", err)
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
	s.items[id] = &next
	out := next.Clone()
	return &out, nil
}

// GetItem returns an item or nil when it does not exist.
func (s *Store) GetItem(_ context.Context, id string) (*core.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	out := it.Clone()
	return &out, nil
}

// GetItems returns a context's items ordered by creation time, then id.
func (s *Store) GetItems(_ context.Context, ident core.Identifier) ([]core.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.mustContextLocked("getItems", ident)
	if err != nil {
		return nil, err
	}
	out := []core.Item{}
	for id, ctxID := range s.itemContext {
		if ctxID == c.ID {
			out = append(out, s.items[id].Clone())
		}
	}
	SortItems(out)
	return out, nil
}

// SortItems orders items by creation time, then id.
func SortItems(items []core.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

// CreateExecution opens a new execution for a context, makes it the
// context's current execution and marks the thread streaming. Executions
// already running on the context are left to finish on their own.
func (s *Store) CreateExecution(_ context.Context, ident core.Identifier, triggerItemID, reactionItemID string) (*core.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.mustContextLocked("createExecution", ident)
	if err != nil {
		return nil, err
	}
	ts := s.opts.Now()
	if t := s.threads[c.ThreadID]; t != nil {
		if err := s.setThreadStatusLocked(t, core.ThreadStatusStreaming); err != nil {
			return nil, core.NewStoreError("createExecution", err)
		}
	}
	e := &core.Execution{
		ID:             core.NewID(),
		ContextID:      c.ID,
		ThreadID:       c.ThreadID,
		Status:         core.ExecutionStatusExecuting,
		TriggerItemID:  triggerItemID,
		ReactionItemID: reactionItemID,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	s.executions[e.ID] = e
	c.CurrentExecutionID = e.ID
	c.UpdatedAt = ts
	out := *e
	return &out, nil
}

// CompleteExecution moves an execution to a terminal status, returns the
// context to open and the thread to open (or failed). A closed context and
// its thread are left untouched. The reaction item id survives only on a
// completed execution whose reaction item was saved.
func (s *Store) CompleteExecution(_ context.Context, ident core.Identifier, executionID string, status core.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.mustContextLocked("completeExecution", ident)
	if err != nil {
		return err
	}
	e, ok := s.executions[executionID]
	if !ok {
		return core.NewStoreError("completeExecution", notFound("execution", idString(executionID)))
	}
	if e.Status != status {
		if err := core.AssertExecutionTransition(e.Status, status); err != nil {
			return core.NewStoreError("completeExecution", err)
		}
	}
	ts := s.opts.Now()
	e.Status = status
	e.UpdatedAt = ts
	if _, saved := s.items[e.ReactionItemID]; status != core.ExecutionStatusCompleted || !saved {
		e.ReactionItemID = ""
	}

	if c.Status == core.ContextStatusClosed {
		return nil
	}
	if c.Status != core.ContextStatusOpen {
		if err := core.AssertContextTransition(c.Status, core.ContextStatusOpen); err != nil {
			return core.NewStoreError("completeExecution", err)
		}
		c.Status = core.ContextStatusOpen
		c.UpdatedAt = ts
	}
	next := core.ThreadStatusOpen
	if status == core.ExecutionStatusFailed {
		next = core.ThreadStatusFailed
	}
	if t := s.threads[c.ThreadID]; t != nil {
		if err := s.setThreadStatusLocked(t, next); err != nil {
			return core.NewStoreError("completeExecution", err)
		}
	}
	return nil
}

// GetExecution returns an execution or nil when it does not exist.
func (s *Store) GetExecution(_ context.Context, id string) (*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	out := *e
	return &out, nil
}

// CreateStep allocates a running step with fresh step and event ids.
func (s *Store) CreateStep(_ context.Context, in core.StepInput) (*core.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[in.ExecutionID]
	if !ok {
		return nil, core.NewStoreError("createStep", notFound("execution", idString(in.ExecutionID)))
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
	s.steps[st.ID] = st
	return cloneStep(st), nil
}

// UpdateStep applies patch to a step.
func (s *Store) UpdateStep(_ context.Context, stepID string, patch core.StepPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return core.NewStoreError("updateStep", notFound("step", idString(stepID)))
	}
	if patch.Status != nil && *patch.Status != st.Status {
		if err := core.AssertStepTransition(st.Status, *patch.Status); err != nil {
			return core.NewStoreError("updateStep", err)
		}
	}
	patch.Apply(st, s.opts.Now())
	return nil
}

// GetSteps returns an execution's steps ordered by iteration.
func (s *Store) GetSteps(_ context.Context, executionID string) ([]core.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stepsLocked(func(st *core.Step) bool { return st.ExecutionID == executionID }), nil
}

func (s *Store) stepsLocked(match func(*core.Step) bool) []core.Step {
	out := []core.Step{}
	for _, st := range s.steps {
		if match(st) {
			out = append(out, *cloneStep(st))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Iteration == out[j].Iteration {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Iteration < out[j].Iteration
	})
	return out
}

// SaveStepParts upserts parts by key. Every part key must equal
// "<stepID>:<idx>".
func (s *Store) SaveStepParts(_ context.Context, stepID string, parts []core.StepPart) error {
	if err := validateParts(stepID, parts); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[stepID]; !ok {
		return core.NewStoreError("saveStepParts", notFound("step", idString(stepID)))
	}
	bucket := s.parts[stepID]
	if bucket == nil {
		bucket = map[string]core.StepPart{}
		s.parts[stepID] = bucket
	}
	ts := s.opts.Now()
	for _, p := range parts {
		p.StepID = stepID
		p.Part = p.Part.Clone()
		if p.Type == "" {
			p.Type = p.Part.Type()
		}
		p.UpdatedAt = ts
		bucket[p.Key] = p
	}
	return nil
}

// GetStepParts returns a step's parts ordered by index.
func (s *Store) GetStepParts(_ context.Context, stepID string) ([]core.StepPart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stepPartsLocked(stepID), nil
}

func (s *Store) stepPartsLocked(stepID string) []core.StepPart {
	out := make([]core.StepPart, 0, len(s.parts[stepID]))
	for _, p := range s.parts[stepID] {
		p.Part = p.Part.Clone()
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out
}

// LinkItemToExecution records that an item belongs to an execution.
func (s *Store) LinkItemToExecution(_ context.Context, itemID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[itemID]; !ok {
		return core.NewStoreError("linkItemToExecution", notFound("item", idString(itemID)))
	}
	if _, ok := s.executions[executionID]; !ok {
		return core.NewStoreError("linkItemToExecution", notFound("execution", idString(executionID)))
	}
	for _, id := range s.execItems[executionID] {
		if id == itemID {
			return nil
		}
	}
	s.execItems[executionID] = append(s.execItems[executionID], itemID)
	return nil
}

// ExecutionItems returns the ids linked to an execution in link order.
func (s *Store) ExecutionItems(_ context.Context, executionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.execItems[executionID]...), nil
}

// ItemsToModelMessages converts items to model messages. Assistant items
// are rebuilt from their persisted step parts when any exist.
func (s *Store) ItemsToModelMessages(_ context.Context, items []core.Item) ([]core.ModelMessage, error) {
	s.mu.RLock()
	rebuilt := make([]core.Item, len(items))
	for i, it := range items {
		rebuilt[i] = it
		if it.Type != core.ItemTypeOutputText {
			continue
		}
		steps := s.stepsLocked(func(st *core.Step) bool {
			return st.EventID == it.ID || st.ReactionItemID == it.ID
		})
		var parts []core.Part
		for _, st := range steps {
			for _, sp := range s.stepPartsLocked(st.ID) {
				parts = append(parts, sp.Part)
			}
		}
		if len(parts) > 0 {
			rebuilt[i] = it.Clone()
			rebuilt[i].Content.Parts = parts
		}
	}
	s.mu.RUnlock()
	return core.ItemsToModelMessages(rebuilt), nil
}

func validateParts(stepID string, parts []core.StepPart) error {
	for _, p := range parts {
		if p.StepID != "" && p.StepID != stepID {
			return core.NewStoreError("saveStepParts", &core.PartKeyError{Expected: core.PartKey(stepID, p.Idx), Got: core.PartKey(p.StepID, p.Idx)})
		}
		if err := core.AssertPartKey(stepID, p.Idx, p.Key); err != nil {
			return core.NewStoreError("saveStepParts", err)
		}
	}
	return nil
}

func cloneThread(t *core.Thread) *core.Thread {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func cloneStep(st *core.Step) *core.Step {
	out := *st
	out.ToolCalls = append([]core.ToolCall(nil), st.ToolCalls...)
	out.ToolExecutionResults = append([]core.ToolExecutionResult(nil), st.ToolExecutionResults...)
	if st.ContinueLoop != nil {
		v := *st.ContinueLoop
		out.ContinueLoop = &v
	}
	return &out
}
