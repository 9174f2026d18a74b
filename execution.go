package rhythm

// ExecutionType discriminates a task execution from a workflow execution.
// Both share the same executions row shape; only a workflow execution has
// a workflow_execution_context row.
type ExecutionType string

const (
	ExecutionTask     ExecutionType = "task"
	ExecutionWorkflow ExecutionType = "workflow"
)

// ExecutionStatus is the lifecycle of one executions row.
type ExecutionStatus string

const (
	StatusExecPending   ExecutionStatus = "pending"
	StatusExecRunning   ExecutionStatus = "running"
	StatusExecSuspended ExecutionStatus = "suspended"
	StatusExecCompleted ExecutionStatus = "completed"
	StatusExecFailed    ExecutionStatus = "failed"
)

// Execution is the universal execution record: every task and every
// workflow invocation is one row in this shape.
type Execution struct {
	ID             string
	Type           ExecutionType
	Status         ExecutionStatus
	Name           string // target: task name or workflow definition name
	Queue          string
	Priority       int
	Inputs         Value
	Output         *Value
	Error          *Value
	ParentID       string // empty if no parent
	Attempt        int
	MaxRetries     int
	TimeoutSeconds int
	WorkerID       string
	CreatedAt      int64
	ClaimedAt      *int64
	CompletedAt    *int64
}

// WorkflowDefinition is one registered program: its source, parsed AST,
// and a version derived from hashing the source, so two registrations of
// byte-identical source are the same version and re-registration is a
// no-op.
type WorkflowDefinition struct {
	ID        string
	Name      string
	Version   string // sha256 of Source, hex-encoded
	Source    []byte // the JSON AST document as received from the parser
	CreatedAt int64
}

// WorkflowExecutionContext is the 1:1 durable VM state for one workflow
// execution: which definition it runs, its serialized snapshot, and (while
// suspended) the Awaitable it is blocked on.
type WorkflowExecutionContext struct {
	ExecutionID     string
	DefinitionID    string
	Snapshot        Snapshot
	SuspensionToken *Awaitable
}

// WorkQueueItem is one ready-to-run row: an execution id on a named queue,
// optionally claimed.
type WorkQueueItem struct {
	ExecutionID string
	Queue       string
	Priority    int
	ClaimToken  string // empty = unclaimed
	CreatedAt   int64
}

// ScheduledItem is one future-run row moved into the work queue once
// RunAt has passed.
type ScheduledItem struct {
	ExecutionID string
	Queue       string
	Priority    int
	RunAt       int64
}

// Signal is one out-of-band resumption payload delivered to a workflow.
type Signal struct {
	ID         string
	WorkflowID string
	Name       string
	Payload    Value
	Consumed   bool
	CreatedAt  int64
}

// DeadLetter records one terminal failure: the execution that failed, its
// last snapshot (if any, for workflows), and why.
type DeadLetter struct {
	ID              string
	ExecutionID     string
	ExecutionSnapshot *Snapshot
	FailureReason   string
	CreatedAt       int64
}
