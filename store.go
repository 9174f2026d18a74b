package rhythm

import "context"

// SuspensionResolution is the result of polling whatever an execution's
// current Awaitable token refers to: not yet ready, or settled with either
// a resumption value or a failure to throw at the resume site.
type SuspensionResolution struct {
	Ready   bool
	Value   Value
	Failure *Value
}

// CommitInput is everything one durable-runner iteration produces and
// must land atomically: every outboxed child, the execution's new status,
// and (if it stayed alive) its updated VM snapshot.
type CommitInput struct {
	ExecutionID string
	// ClaimToken identifies the work_queue row this run claimed. On a
	// terminal commit every row for ExecutionID is removed regardless
	// (the execution will never run again); on an alive commit
	// (Suspended/Running) only the row matching ClaimToken is removed, so
	// a fresh unclaimed row inserted by a concurrent wake-up (a signal, a
	// sibling task completing) survives and keeps the execution
	// re-pickable.
	ClaimToken      string
	Outbox          Outbox
	Status          RunStatus // StatusCompleted / StatusFailed / StatusSuspended / StatusRunning(budget exhausted)
	Output          Value     // meaningful iff Status == StatusCompleted
	FailureValue    Value     // meaningful iff Status == StatusFailed
	Snapshot        *Snapshot // meaningful iff the execution remains alive (Suspended/Running)
	SuspensionToken *Awaitable
}

// ExecutionFilter narrows ListExecutions. Zero-value Queue, Status and
// Type are unfiltered; a zero Limit means 100.
type ExecutionFilter struct {
	Queue  string
	Status ExecutionStatus
	Type   ExecutionType
	Limit  int
}

// Store is the persistence boundary the durable runner drives. One
// implementation backs PostgreSQL (store/postgres), another SQLite
// (store/sqlite) for tests and single-process deployments; both satisfy
// the same contract and claim semantics (row-level skip-locked).
type Store interface {
	// Init creates every table this package owns, idempotently.
	Init(ctx context.Context) error

	// RegisterDefinition hashes source and inserts a workflow_definitions
	// row keyed by (name, version); re-registering byte-identical source
	// is a no-op and returns the existing row.
	RegisterDefinition(ctx context.Context, name string, source []byte) (*WorkflowDefinition, error)
	LoadDefinition(ctx context.Context, definitionID string) (*WorkflowDefinition, error)
	LoadDefinitionByName(ctx context.Context, name, version string) (*WorkflowDefinition, error)

	// CreateExecution starts a new top-level task or workflow execution:
	// an executions row plus an unclaimed work_queue row. An id that
	// already exists is neither rejected nor reset, whatever that row's
	// status: the executions insert is skipped without an error, and a
	// work_queue row is added only if the id has none.
	CreateExecution(ctx context.Context, exec Execution, definitionID string) error

	// ClaimWork atomically claims one unclaimed work_queue row across the
	// given queues whose execution is of execType (skip locked, highest
	// priority then oldest first). Returns nil, nil when none are
	// available.
	ClaimWork(ctx context.Context, queues []string, execType ExecutionType, workerID string) (*WorkQueueItem, error)

	// LoadExecution reads one execution row.
	LoadExecution(ctx context.Context, id string) (*Execution, error)

	// LoadContext reads a workflow execution's durable VM state.
	LoadContext(ctx context.Context, executionID string) (*WorkflowExecutionContext, error)

	// MarkRunning transitions a claimed execution from pending/suspended to
	// running. Returns an error if the row is already terminal or claimed
	// by a different claim token, signaling the caller to abort the
	// iteration.
	MarkRunning(ctx context.Context, executionID, claimToken string) error

	// ResolveSuspension polls whatever the token refers to: a single
	// child's terminal status, a timer's fire_at against now, or the
	// completion rule of a composite (All/Any/Race) token.
	ResolveSuspension(ctx context.Context, token Awaitable, now int64) (SuspensionResolution, error)

	// CommitRun atomically applies one runner iteration's outcome: inserts
	// outbox rows, transitions the execution's status, updates its VM
	// snapshot while it stays alive, deletes the claimed work_queue row
	// (every row of the execution on terminal completion), writes a
	// dead_letter_queue row on failure, and enqueues a wake-up row for the
	// parent (if any) on terminal completion or failure.
	CommitRun(ctx context.Context, in CommitInput) error

	// EnqueueSignal inserts a signals row and wakes the target workflow.
	EnqueueSignal(ctx context.Context, workflowID, name string, payload Value) error

	// PromoteScheduled moves every scheduled_queue row with run_at <= now
	// into work_queue. Idempotent: promoting an already-runnable execution
	// is a no-op. Returns the number of rows promoted.
	PromoteScheduled(ctx context.Context, now int64) (int, error)

	// SweepTimedOut finds running executions whose claim has exceeded
	// timeout_seconds, increments their retry counter, and either
	// re-enqueues them (attempt < max_retries) or fails them terminally.
	// Returns the number of executions recovered or failed.
	SweepTimedOut(ctx context.Context, now int64) (int, error)

	// ListExecutions lists executions matching filter, most recent first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)

	// ListDeadLetters and GetDeadLetter support operator inspection of
	// terminal failures.
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)

	Close() error
}
