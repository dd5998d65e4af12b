package core

import "context"

// Store is the persistence boundary of the engine. Every implementation
// (in-memory, SQL, document database) must behave identically:
//
//   - Get* lookups return (nil, nil) when the record does not exist.
//   - Status writes assert the edge with the state contract and fail with an
//     error wrapping ErrInvalidTransition otherwise. Writing the current
//     status again is a no-op.
//   - Identifiers are allocated inside the store so numbering and ids stay
//     consistent under replay.
//   - Failures are returned as *StoreError (or wrap one); the engine treats
//     them as fatal to the running execution and never retries.
type Store interface {
	// GetOrCreateThread resolves a thread, creating it when absent. A nil
	// identifier creates an anonymous thread. Idempotent on key.
	GetOrCreateThread(ctx context.Context, ident *Identifier) (*Thread, error)
	// GetThread returns the thread or nil.
	GetThread(ctx context.Context, ident Identifier) (*Thread, error)
	// UpdateThreadStatus asserts and persists a thread status change.
	UpdateThreadStatus(ctx context.Context, ident Identifier, status ThreadStatus) error

	// GetOrCreateContext resolves a context, creating it (and its thread)
	// when absent. A nil identifier creates an anonymous context.
	GetOrCreateContext(ctx context.Context, ident *Identifier) (*Context, error)
	// GetContext returns the context or nil.
	GetContext(ctx context.Context, ident Identifier) (*Context, error)
	// UpdateContextContent re-reads the current content, merges content into
	// it with MergeContent and writes the result atomically.
	UpdateContextContent(ctx context.Context, ident Identifier, content map[string]any) (*Context, error)
	// UpdateContextStatus asserts and persists a context status change and
	// mirrors it onto the owning thread.
	UpdateContextStatus(ctx context.Context, ident Identifier, status ContextStatus) error

	// SaveItem persists item with status stored inside the context timeline.
	SaveItem(ctx context.Context, ident Identifier, item Item) (*Item, error)
	// UpdateItem replaces the item in place, asserting any status change.
	UpdateItem(ctx context.Context, id string, item Item) (*Item, error)
	// GetItem returns the item or nil.
	GetItem(ctx context.Context, id string) (*Item, error)
	// GetItems returns the context timeline ordered by creation time.
	GetItems(ctx context.Context, ident Identifier) ([]Item, error)

	// CreateExecution records a new executing execution, marks it as the
	// context's current execution and moves the thread to streaming. A
	// previous current execution still executing is marked failed.
	CreateExecution(ctx context.Context, ident Identifier, triggerItemID, reactionItemID string) (*Execution, error)
	// CompleteExecution moves the execution to a terminal status, returns the
	// context to open (unless it was closed) and the thread to open or failed.
	CompleteExecution(ctx context.Context, ident Identifier, executionID string, status ExecutionStatus) error
	// GetExecution returns the execution or nil.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// CreateStep allocates a running step together with its event id.
	CreateStep(ctx context.Context, in StepInput) (*Step, error)
	// UpdateStep applies a partial update, asserting any status change.
	UpdateStep(ctx context.Context, stepID string, patch StepPatch) error
	// GetSteps returns the steps of an execution ordered by iteration.
	GetSteps(ctx context.Context, executionID string) ([]Step, error)

	// SaveStepParts upserts normalized parts. Every part must satisfy the
	// part key invariant.
	SaveStepParts(ctx context.Context, stepID string, parts []StepPart) error
	// GetStepParts returns the parts of a step ordered by index.
	GetStepParts(ctx context.Context, stepID string) ([]StepPart, error)

	// LinkItemToExecution records the item -> execution edge.
	LinkItemToExecution(ctx context.Context, itemID, executionID string) error

	// ItemsToModelMessages converts a timeline into model history,
	// preserving item order.
	ItemsToModelMessages(ctx context.Context, items []Item) ([]ModelMessage, error)
}
