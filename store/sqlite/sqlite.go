// Package sqlite implements rhythm.Store using pure-Go SQLite. A single
// connection (SetMaxOpenConns(1)) serializes every caller through one
// writer, which is what stands in for PostgreSQL's FOR UPDATE SKIP LOCKED:
// with one connection there is never a second claimant to skip.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	rhythm "github.com/rhythmhq/rhythm"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits a debug log when it is opened; other operations do not log. If
// not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements rhythm.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ rhythm.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

func (s *Store) Close() error { return s.db.Close() }

// Init creates every table this package owns, idempotently.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			source BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			name TEXT NOT NULL,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			inputs TEXT NOT NULL,
			output TEXT,
			error TEXT,
			parent_id TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 30,
			worker_id TEXT,
			created_at INTEGER NOT NULL,
			claimed_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS executions_parent_idx ON executions (parent_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_execution_context (
			execution_id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			suspension_token TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS work_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			claim_token TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS work_queue_claim_idx ON work_queue (queue, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS work_queue_execution_idx ON work_queue (execution_id)`,
		`CREATE TABLE IF NOT EXISTS scheduled_queue (
			execution_id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			run_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS scheduled_queue_run_at_idx ON scheduled_queue (run_at)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS signals_lookup_idx ON signals (workflow_id, name, consumed)`,
		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			execution_snapshot TEXT,
			failure_reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

func (s *Store) RegisterDefinition(ctx context.Context, name string, source []byte) (*rhythm.WorkflowDefinition, error) {
	version := rhythm.SourceVersion(source)

	row := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM workflow_definitions WHERE name = ? AND version = ?`, name, version)
	var existingID string
	var existingCreated int64
	if err := row.Scan(&existingID, &existingCreated); err == nil {
		return &rhythm.WorkflowDefinition{ID: existingID, Name: name, Version: version, Source: source, CreatedAt: existingCreated}, nil
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: register definition: %w", err)
	}

	def := &rhythm.WorkflowDefinition{ID: rhythm.NewExecutionID("def"), Name: name, Version: version, Source: source, CreatedAt: rhythm.NowMillis()}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, name, version, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Version, def.Source, def.CreatedAt); err != nil {
		return nil, fmt.Errorf("sqlite: register definition: insert: %w", err)
	}
	return def, nil
}

func (s *Store) LoadDefinition(ctx context.Context, definitionID string) (*rhythm.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, version, source, created_at FROM workflow_definitions WHERE id = ?`, definitionID)
	return scanDefinition(row)
}

func (s *Store) LoadDefinitionByName(ctx context.Context, name, version string) (*rhythm.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, version, source, created_at FROM workflow_definitions WHERE name = ? AND version = ?`, name, version)
	return scanDefinition(row)
}

func scanDefinition(row *sql.Row) (*rhythm.WorkflowDefinition, error) {
	var d rhythm.WorkflowDefinition
	if err := row.Scan(&d.ID, &d.Name, &d.Version, &d.Source, &d.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sqlite: load definition: %w", rhythm.NewScriptError(rhythm.CodeInternalError, "definition not found"))
		}
		return nil, fmt.Errorf("sqlite: load definition: %w", err)
	}
	return &d, nil
}

func (s *Store) CreateExecution(ctx context.Context, exec rhythm.Execution, definitionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: create execution: begin: %w", err)
	}
	defer tx.Rollback()

	inputs, err := json.Marshal(exec.Inputs)
	if err != nil {
		return fmt.Errorf("sqlite: create execution: marshal inputs: %w", err)
	}

	var parentID any
	if exec.ParentID != "" {
		parentID = exec.ParentID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO executions (id, type, status, name, queue, priority, inputs, parent_id, attempt, max_retries, timeout_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Type, rhythm.StatusExecPending, exec.Name, exec.Queue, exec.Priority, inputs,
		parentID, exec.Attempt, exec.MaxRetries, exec.TimeoutSeconds, exec.CreatedAt); err != nil {
		return fmt.Errorf("sqlite: create execution: insert: %w", err)
	}

	if exec.Type == rhythm.ExecutionWorkflow {
		emptySnap, err := json.Marshal(rhythm.Snapshot{})
		if err != nil {
			return fmt.Errorf("sqlite: create execution: marshal empty snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO workflow_execution_context (execution_id, definition_id, snapshot) VALUES (?, ?, ?)`,
			exec.ID, definitionID, emptySnap); err != nil {
			return fmt.Errorf("sqlite: create execution: insert context: %w", err)
		}
	}

	// work_queue has no unique constraint on execution_id (an execution can
	// legitimately carry a claimed row plus a fresh wake-up row at once), so
	// a retried CreateExecution call needs an explicit existence check
	// instead of relying on a PRIMARY KEY conflict to stay idempotent.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO work_queue (execution_id, queue, priority, created_at)
		SELECT ?, ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM work_queue WHERE execution_id = ?)`,
		exec.ID, exec.Queue, exec.Priority, exec.CreatedAt, exec.ID); err != nil {
		return fmt.Errorf("sqlite: create execution: enqueue: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ClaimWork(ctx context.Context, queues []string, execType rhythm.ExecutionType, workerID string) (*rhythm.WorkQueueItem, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(queues)
	args = append([]any{execType}, args...)

	row := s.db.QueryRowContext(ctx, `
		SELECT wq.id, wq.execution_id, wq.queue, wq.priority, wq.created_at FROM work_queue wq
		JOIN executions e ON e.id = wq.execution_id
		WHERE wq.claim_token IS NULL AND e.type = ? AND wq.queue IN (`+placeholders+`)
		ORDER BY wq.priority DESC, wq.created_at ASC LIMIT 1`, args...)

	var rowID int64
	var item rhythm.WorkQueueItem
	if err := row.Scan(&rowID, &item.ExecutionID, &item.Queue, &item.Priority, &item.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: claim work: %w", err)
	}

	claimToken := rhythm.NewExecutionID("claim")
	if _, err := s.db.ExecContext(ctx, `UPDATE work_queue SET claim_token = ? WHERE id = ?`, claimToken, rowID); err != nil {
		return nil, fmt.Errorf("sqlite: claim work: set token: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE executions SET worker_id = ? WHERE id = ?`, workerID, item.ExecutionID); err != nil {
		return nil, fmt.Errorf("sqlite: claim work: set worker: %w", err)
	}
	item.ClaimToken = claimToken
	return &item, nil
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*rhythm.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, name, queue, priority, inputs, output, error, COALESCE(parent_id, ''),
		       attempt, max_retries, timeout_seconds, COALESCE(worker_id, ''), created_at, claimed_at, completed_at
		FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

func scanExecution(row *sql.Row) (*rhythm.Execution, error) {
	var e rhythm.Execution
	var inputsRaw, outputRaw, errRaw sql.NullString
	if err := row.Scan(&e.ID, &e.Type, &e.Status, &e.Name, &e.Queue, &e.Priority, &inputsRaw, &outputRaw, &errRaw,
		&e.ParentID, &e.Attempt, &e.MaxRetries, &e.TimeoutSeconds, &e.WorkerID, &e.CreatedAt, &e.ClaimedAt, &e.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sqlite: load execution: %w", rhythm.NewScriptError(rhythm.CodeInternalError, "execution not found"))
		}
		return nil, fmt.Errorf("sqlite: load execution: %w", err)
	}
	if err := json.Unmarshal([]byte(inputsRaw.String), &e.Inputs); err != nil {
		return nil, fmt.Errorf("sqlite: load execution: unmarshal inputs: %w", err)
	}
	if outputRaw.Valid {
		var v rhythm.Value
		if err := json.Unmarshal([]byte(outputRaw.String), &v); err != nil {
			return nil, fmt.Errorf("sqlite: load execution: unmarshal output: %w", err)
		}
		e.Output = &v
	}
	if errRaw.Valid {
		var v rhythm.Value
		if err := json.Unmarshal([]byte(errRaw.String), &v); err != nil {
			return nil, fmt.Errorf("sqlite: load execution: unmarshal error: %w", err)
		}
		e.Error = &v
	}
	return &e, nil
}

func (s *Store) LoadContext(ctx context.Context, executionID string) (*rhythm.WorkflowExecutionContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, definition_id, snapshot, suspension_token FROM workflow_execution_context WHERE execution_id = ?`, executionID)

	var wc rhythm.WorkflowExecutionContext
	var snapRaw string
	var tokenRaw sql.NullString
	if err := row.Scan(&wc.ExecutionID, &wc.DefinitionID, &snapRaw, &tokenRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sqlite: load context: %w", rhythm.NewScriptError(rhythm.CodeInternalError, "context not found"))
		}
		return nil, fmt.Errorf("sqlite: load context: %w", err)
	}
	if err := json.Unmarshal([]byte(snapRaw), &wc.Snapshot); err != nil {
		return nil, fmt.Errorf("sqlite: load context: unmarshal snapshot: %w", err)
	}
	if tokenRaw.Valid {
		var a rhythm.Awaitable
		if err := json.Unmarshal([]byte(tokenRaw.String), &a); err != nil {
			return nil, fmt.Errorf("sqlite: load context: unmarshal suspension token: %w", err)
		}
		wc.SuspensionToken = &a
	}
	return &wc, nil
}

func (s *Store) MarkRunning(ctx context.Context, executionID, claimToken string) error {
	now := rhythm.NowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, claimed_at = ?
		WHERE id = ? AND status IN (?, ?)
		  AND EXISTS (SELECT 1 FROM work_queue wq WHERE wq.execution_id = ? AND wq.claim_token = ?)`,
		rhythm.StatusExecRunning, now, executionID, rhythm.StatusExecPending, rhythm.StatusExecSuspended, executionID, claimToken)
	if err != nil {
		return fmt.Errorf("sqlite: mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: mark running: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: mark running %s: %w", executionID, rhythm.NewScriptError(rhythm.CodeInternalError, "stale claim or terminal execution"))
	}
	return nil
}

func (s *Store) ResolveSuspension(ctx context.Context, token rhythm.Awaitable, now int64) (rhythm.SuspensionResolution, error) {
	switch token.Kind {
	case rhythm.AwaitTimer:
		return rhythm.SuspensionResolution{Ready: now >= token.FireAt, Value: rhythm.Null()}, nil

	case rhythm.AwaitTask, rhythm.AwaitSubWorkflow:
		return s.resolveChild(ctx, token.ID)

	case rhythm.AwaitSignal:
		row := s.db.QueryRowContext(ctx, `
			SELECT id, payload FROM signals WHERE workflow_id = ? AND name = ? AND consumed = 0
			ORDER BY created_at ASC LIMIT 1`, token.ID, token.SignalName)
		var id, payloadRaw string
		if err := row.Scan(&id, &payloadRaw); err != nil {
			if err == sql.ErrNoRows {
				return rhythm.SuspensionResolution{Ready: false}, nil
			}
			return rhythm.SuspensionResolution{}, fmt.Errorf("sqlite: resolve signal: %w", err)
		}
		var payload rhythm.Value
		if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
			return rhythm.SuspensionResolution{}, fmt.Errorf("sqlite: resolve signal: unmarshal payload: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE signals SET consumed = 1 WHERE id = ?`, id); err != nil {
			return rhythm.SuspensionResolution{}, fmt.Errorf("sqlite: resolve signal: consume: %w", err)
		}
		return rhythm.SuspensionResolution{Ready: true, Value: payload}, nil

	case rhythm.AwaitAll, rhythm.AwaitAny, rhythm.AwaitRace:
		return s.resolveComposite(ctx, token, now)

	default:
		return rhythm.SuspensionResolution{}, fmt.Errorf("sqlite: resolve suspension: unknown kind %d", token.Kind)
	}
}

func (s *Store) resolveChild(ctx context.Context, executionID string) (rhythm.SuspensionResolution, error) {
	exec, err := s.LoadExecution(ctx, executionID)
	if err != nil {
		return rhythm.SuspensionResolution{}, err
	}
	switch exec.Status {
	case rhythm.StatusExecCompleted:
		out := rhythm.Null()
		if exec.Output != nil {
			out = *exec.Output
		}
		return rhythm.SuspensionResolution{Ready: true, Value: out}, nil
	case rhythm.StatusExecFailed:
		failure := rhythm.Null()
		if exec.Error != nil {
			failure = *exec.Error
		}
		return rhythm.SuspensionResolution{Ready: true, Failure: &failure}, nil
	default:
		return rhythm.SuspensionResolution{Ready: false}, nil
	}
}

func (s *Store) resolveComposite(ctx context.Context, token rhythm.Awaitable, now int64) (rhythm.SuspensionResolution, error) {
	results := make([]rhythm.SuspensionResolution, len(token.Children))
	for i, child := range token.Children {
		r, err := s.ResolveSuspension(ctx, child, now)
		if err != nil {
			return rhythm.SuspensionResolution{}, err
		}
		results[i] = r
	}
	return rhythm.CombineComposite(token.Kind, results)
}

func (s *Store) CommitRun(ctx context.Context, in rhythm.CommitInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: commit run: begin: %w", err)
	}
	defer tx.Rollback()

	now := rhythm.NowMillis()

	if in.Status == rhythm.StatusCompleted || in.Status == rhythm.StatusFailed {
		// Terminal: the execution will never run again, so drop every row
		// for it, claimed or not.
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_queue WHERE execution_id = ?`, in.ExecutionID); err != nil {
			return fmt.Errorf("sqlite: commit run: dequeue: %w", err)
		}
	} else {
		// Alive (Suspended/Running): remove only the row this run claimed.
		// A fresh unclaimed row inserted by a concurrent wake-up (a signal,
		// a sibling composite child completing) must survive so the
		// execution stays re-pickable.
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_queue WHERE execution_id = ? AND claim_token = ?`, in.ExecutionID, in.ClaimToken); err != nil {
			return fmt.Errorf("sqlite: commit run: dequeue: %w", err)
		}
	}

	switch in.Status {
	case rhythm.StatusCompleted, rhythm.StatusFailed:
		if err := commitTerminal(ctx, tx, in, now); err != nil {
			return err
		}
	case rhythm.StatusRunning:
		if err := commitAlive(ctx, tx, in); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_queue (execution_id, queue, priority, created_at)
			SELECT id, queue, priority, ? FROM executions WHERE id = ?`, now, in.ExecutionID); err != nil {
			return fmt.Errorf("sqlite: commit run: requeue: %w", err)
		}
	case rhythm.StatusSuspended:
		if err := commitAlive(ctx, tx, in); err != nil {
			return err
		}
		if fireAt, ok := earliestTimerFireAt(in.SuspensionToken); ok {
			if err := scheduleTimer(ctx, tx, in.ExecutionID, fireAt); err != nil {
				return err
			}
		}
	}

	if err := applyOutbox(ctx, tx, in.Outbox, in.ExecutionID, now); err != nil {
		return err
	}

	return tx.Commit()
}

func scheduleTimer(ctx context.Context, tx *sql.Tx, executionID string, fireAt int64) error {
	row := tx.QueryRowContext(ctx, `SELECT run_at FROM scheduled_queue WHERE execution_id = ?`, executionID)
	var existing int64
	err := row.Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scheduled_queue (execution_id, queue, priority, run_at)
			SELECT id, queue, priority, ? FROM executions WHERE id = ?`, fireAt, executionID)
	case err == nil && fireAt < existing:
		_, err = tx.ExecContext(ctx, `UPDATE scheduled_queue SET run_at = ? WHERE execution_id = ?`, fireAt, executionID)
	case err == nil:
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlite: schedule timer: %w", err)
	}
	return nil
}

// earliestTimerFireAt finds the soonest fire_at reachable from a (possibly
// composite) suspension token. A composite with a non-timer child is also
// woken by that child; scheduling the timer too is a harmless no-op if the
// composite isn't ready when it fires.
func earliestTimerFireAt(token *rhythm.Awaitable) (int64, bool) {
	if token == nil {
		return 0, false
	}
	switch token.Kind {
	case rhythm.AwaitTimer:
		return token.FireAt, true
	case rhythm.AwaitAll, rhythm.AwaitAny, rhythm.AwaitRace:
		var earliest int64
		found := false
		for i := range token.Children {
			if fa, ok := earliestTimerFireAt(&token.Children[i]); ok && (!found || fa < earliest) {
				earliest, found = fa, true
			}
		}
		return earliest, found
	default:
		return 0, false
	}
}

func commitTerminal(ctx context.Context, tx *sql.Tx, in rhythm.CommitInput, now int64) error {
	status := rhythm.StatusExecCompleted
	var outputRaw, errorRaw []byte
	var err error
	if in.Status == rhythm.StatusCompleted {
		outputRaw, err = json.Marshal(in.Output)
	} else {
		status = rhythm.StatusExecFailed
		errorRaw, err = json.Marshal(in.FailureValue)
	}
	if err != nil {
		return fmt.Errorf("sqlite: commit terminal: marshal: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = ?, output = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, nullIfEmpty(outputRaw), nullIfEmpty(errorRaw), now, in.ExecutionID); err != nil {
		return fmt.Errorf("sqlite: commit terminal: update execution: %w", err)
	}

	if in.Status == rhythm.StatusFailed {
		var snapRaw []byte
		if in.Snapshot != nil {
			snapRaw, err = json.Marshal(in.Snapshot)
			if err != nil {
				return fmt.Errorf("sqlite: commit terminal: marshal snapshot: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letter_queue (id, execution_id, execution_snapshot, failure_reason, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			rhythm.NewExecutionID("dlq"), in.ExecutionID, nullIfEmpty(snapRaw), in.FailureValue.String(), now); err != nil {
			return fmt.Errorf("sqlite: commit terminal: dead letter: %w", err)
		}
	}

	var parentID sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT parent_id FROM executions WHERE id = ?`, in.ExecutionID).Scan(&parentID); err != nil {
		return fmt.Errorf("sqlite: commit terminal: load parent: %w", err)
	}
	if parentID.Valid && parentID.String != "" {
		// Always insert a fresh row: the parent may already hold a claimed
		// row (e.g. it's mid-run resolving a Promise.all with other
		// children still pending), and that row must not mask this wake-up.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_queue (execution_id, queue, priority, created_at)
			SELECT id, queue, priority, ? FROM executions WHERE id = ? AND status NOT IN (?, ?)`,
			now, parentID.String, rhythm.StatusExecCompleted, rhythm.StatusExecFailed); err != nil {
			return fmt.Errorf("sqlite: commit terminal: wake parent: %w", err)
		}
	}
	return nil
}

func commitAlive(ctx context.Context, tx *sql.Tx, in rhythm.CommitInput) error {
	snapRaw, err := json.Marshal(in.Snapshot)
	if err != nil {
		return fmt.Errorf("sqlite: commit alive: marshal snapshot: %w", err)
	}
	var tokenRaw []byte
	if in.SuspensionToken != nil {
		tokenRaw, err = json.Marshal(in.SuspensionToken)
		if err != nil {
			return fmt.Errorf("sqlite: commit alive: marshal token: %w", err)
		}
	}
	status := rhythm.StatusExecRunning
	if in.Status == rhythm.StatusSuspended {
		status = rhythm.StatusExecSuspended
	}
	if _, err := tx.ExecContext(ctx, `UPDATE executions SET status = ? WHERE id = ?`, status, in.ExecutionID); err != nil {
		return fmt.Errorf("sqlite: commit alive: update execution: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_execution_context SET snapshot = ?, suspension_token = ? WHERE execution_id = ?`,
		snapRaw, nullIfEmpty(tokenRaw), in.ExecutionID); err != nil {
		return fmt.Errorf("sqlite: commit alive: update context: %w", err)
	}
	return nil
}

// applyOutbox materializes this step's outboxed tasks and subworkflows as
// new pending executions, parented to parentID so their completion wakes
// it. Outboxed timers need no row here: they are folded into the
// suspension-token-driven scheduled_queue entry in CommitRun.
func applyOutbox(ctx context.Context, tx *sql.Tx, outbox rhythm.Outbox, parentID string, now int64) error {
	for _, t := range outbox.TasksToCreate {
		inputs, err := json.Marshal(t.Inputs)
		if err != nil {
			return fmt.Errorf("sqlite: outbox task: marshal inputs: %w", err)
		}
		queue := t.Queue
		if queue == "" {
			queue = rhythm.DefaultQueue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO executions (id, type, status, name, queue, priority, inputs, parent_id, attempt, max_retries, timeout_seconds, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, 0, ?, ?, ?)`,
			t.ID, rhythm.ExecutionTask, rhythm.StatusExecPending, t.Name, queue, inputs,
			parentID, rhythm.DefaultMaxRetries, rhythm.DefaultTimeoutSeconds, now); err != nil {
			return fmt.Errorf("sqlite: outbox task: insert execution: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_queue (execution_id, queue, priority, created_at)
			SELECT ?, ?, 0, ? WHERE NOT EXISTS (SELECT 1 FROM work_queue WHERE execution_id = ?)`,
			t.ID, queue, now, t.ID); err != nil {
			return fmt.Errorf("sqlite: outbox task: enqueue: %w", err)
		}
	}

	for _, w := range outbox.SubworkflowsToSpawn {
		inputs, err := json.Marshal(w.Inputs)
		if err != nil {
			return fmt.Errorf("sqlite: outbox subworkflow: marshal inputs: %w", err)
		}
		queue := w.Queue
		if queue == "" {
			queue = rhythm.DefaultQueue
		}
		var definitionID string
		row := tx.QueryRowContext(ctx, `SELECT id FROM workflow_definitions WHERE name = ? ORDER BY created_at DESC LIMIT 1`, w.Name)
		if err := row.Scan(&definitionID); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("sqlite: outbox subworkflow: %w", rhythm.NewScriptError(rhythm.CodeInternalError, "unregistered workflow: "+w.Name))
			}
			return fmt.Errorf("sqlite: outbox subworkflow: lookup definition: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO executions (id, type, status, name, queue, priority, inputs, parent_id, attempt, max_retries, timeout_seconds, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, 0, ?, ?, ?)`,
			w.ID, rhythm.ExecutionWorkflow, rhythm.StatusExecPending, w.Name, queue, inputs,
			parentID, rhythm.DefaultMaxRetries, rhythm.DefaultTimeoutSeconds, now); err != nil {
			return fmt.Errorf("sqlite: outbox subworkflow: insert execution: %w", err)
		}
		emptySnap, err := json.Marshal(rhythm.Snapshot{})
		if err != nil {
			return fmt.Errorf("sqlite: outbox subworkflow: marshal empty snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO workflow_execution_context (execution_id, definition_id, snapshot) VALUES (?, ?, ?)`,
			w.ID, definitionID, emptySnap); err != nil {
			return fmt.Errorf("sqlite: outbox subworkflow: insert context: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_queue (execution_id, queue, priority, created_at)
			SELECT ?, ?, 0, ? WHERE NOT EXISTS (SELECT 1 FROM work_queue WHERE execution_id = ?)`,
			w.ID, queue, now, w.ID); err != nil {
			return fmt.Errorf("sqlite: outbox subworkflow: enqueue: %w", err)
		}
	}

	return nil
}

func (s *Store) EnqueueSignal(ctx context.Context, workflowID, name string, payload rhythm.Value) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlite: enqueue signal: marshal payload: %w", err)
	}
	now := rhythm.NowMillis()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (id, workflow_id, name, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		rhythm.NewExecutionID("sig"), workflowID, name, raw, now); err != nil {
		return fmt.Errorf("sqlite: enqueue signal: %w", err)
	}
	// Insert a fresh row regardless of the workflow's current status: a
	// signal delivered while it's transiently `running` (e.g. processing an
	// earlier signal) must still leave behind something claimable, or the
	// second signal is stored but never picked up. A terminal workflow gets
	// no row since it will never consume it.
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO work_queue (execution_id, queue, priority, created_at)
		SELECT id, queue, priority, ? FROM executions WHERE id = ? AND status NOT IN (?, ?)`,
		now, workflowID, rhythm.StatusExecCompleted, rhythm.StatusExecFailed); err != nil {
		return fmt.Errorf("sqlite: enqueue signal: wake: %w", err)
	}
	return nil
}

func (s *Store) PromoteScheduled(ctx context.Context, now int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: promote scheduled: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT execution_id, queue, priority FROM scheduled_queue WHERE run_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: promote scheduled: select: %w", err)
	}
	type due struct {
		id       string
		queue    string
		priority int
	}
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.id, &d.queue, &d.priority); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: promote scheduled: scan: %w", err)
		}
		dues = append(dues, d)
	}
	rows.Close()

	for _, d := range dues {
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_queue WHERE execution_id = ?`, d.id); err != nil {
			return 0, fmt.Errorf("sqlite: promote scheduled: delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_queue (execution_id, queue, priority, created_at)
			SELECT ?, ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM work_queue WHERE execution_id = ? AND claim_token IS NULL)`,
			d.id, d.queue, d.priority, now, d.id); err != nil {
			return 0, fmt.Errorf("sqlite: promote scheduled: enqueue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: promote scheduled: commit: %w", err)
	}
	return len(dues), nil
}

func (s *Store) SweepTimedOut(ctx context.Context, now int64) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt, max_retries, queue, priority FROM executions
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at + (timeout_seconds * 1000) <= ?`,
		rhythm.StatusExecRunning, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep timed out: %w", err)
	}
	type stale struct {
		id                  string
		attempt, maxRetries int
		queue               string
		priority            int
	}
	var staleRows []stale
	for rows.Next() {
		var r stale
		if err := rows.Scan(&r.id, &r.attempt, &r.maxRetries, &r.queue, &r.priority); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: sweep timed out: scan: %w", err)
		}
		staleRows = append(staleRows, r)
	}
	rows.Close()

	for _, r := range staleRows {
		if r.attempt >= r.maxRetries {
			if _, err := s.db.ExecContext(ctx, `UPDATE executions SET status = ?, completed_at = ? WHERE id = ?`,
				rhythm.StatusExecFailed, now, r.id); err != nil {
				return 0, fmt.Errorf("sqlite: sweep timed out: fail: %w", err)
			}
			if _, err := s.db.ExecContext(ctx, `
				INSERT INTO dead_letter_queue (id, execution_id, failure_reason, created_at) VALUES (?, ?, ?, ?)`,
				rhythm.NewExecutionID("dlq"), r.id, "claim timeout exceeded max_retries", now); err != nil {
				return 0, fmt.Errorf("sqlite: sweep timed out: dead letter: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE executions SET status = ?, attempt = attempt + 1, worker_id = NULL WHERE id = ?`,
			rhythm.StatusExecPending, r.id); err != nil {
			return 0, fmt.Errorf("sqlite: sweep timed out: requeue: %w", err)
		}
		// The dead worker's claimed row is still sitting in work_queue with
		// its claim_token set, which ClaimWork's `claim_token IS NULL`
		// filter would otherwise hide forever. Clear it so the row (or rows,
		// if a wake-up also landed one) becomes claimable again.
		if _, err := s.db.ExecContext(ctx, `UPDATE work_queue SET claim_token = NULL WHERE execution_id = ?`, r.id); err != nil {
			return 0, fmt.Errorf("sqlite: sweep timed out: clear claim: %w", err)
		}
	}
	return len(staleRows), nil
}

func (s *Store) ListExecutions(ctx context.Context, filter rhythm.ExecutionFilter) ([]rhythm.Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, name, queue, priority, inputs, output, error, COALESCE(parent_id, ''),
		       attempt, max_retries, timeout_seconds, COALESCE(worker_id, ''), created_at, claimed_at, completed_at
		FROM executions
		WHERE (? = '' OR queue = ?) AND (? = '' OR status = ?) AND (? = '' OR type = ?)
		ORDER BY created_at DESC LIMIT ?`,
		filter.Queue, filter.Queue, filter.Status, filter.Status, filter.Type, filter.Type, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list executions: %w", err)
	}
	defer rows.Close()

	var out []rhythm.Execution
	for rows.Next() {
		var e rhythm.Execution
		var inputsRaw, outputRaw, errRaw sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Status, &e.Name, &e.Queue, &e.Priority, &inputsRaw, &outputRaw, &errRaw,
			&e.ParentID, &e.Attempt, &e.MaxRetries, &e.TimeoutSeconds, &e.WorkerID, &e.CreatedAt, &e.ClaimedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("sqlite: list executions: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(inputsRaw.String), &e.Inputs); err != nil {
			return nil, fmt.Errorf("sqlite: list executions: unmarshal inputs: %w", err)
		}
		if outputRaw.Valid {
			var v rhythm.Value
			if err := json.Unmarshal([]byte(outputRaw.String), &v); err != nil {
				return nil, fmt.Errorf("sqlite: list executions: unmarshal output: %w", err)
			}
			e.Output = &v
		}
		if errRaw.Valid {
			var v rhythm.Value
			if err := json.Unmarshal([]byte(errRaw.String), &v); err != nil {
				return nil, fmt.Errorf("sqlite: list executions: unmarshal error: %w", err)
			}
			e.Error = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]rhythm.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, execution_snapshot, failure_reason, created_at
		FROM dead_letter_queue ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []rhythm.DeadLetter
	for rows.Next() {
		var d rhythm.DeadLetter
		var snapRaw sql.NullString
		if err := rows.Scan(&d.ID, &d.ExecutionID, &snapRaw, &d.FailureReason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: list dead letters: scan: %w", err)
		}
		if snapRaw.Valid {
			var snap rhythm.Snapshot
			if err := json.Unmarshal([]byte(snapRaw.String), &snap); err != nil {
				return nil, fmt.Errorf("sqlite: list dead letters: unmarshal snapshot: %w", err)
			}
			d.ExecutionSnapshot = &snap
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*rhythm.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, execution_snapshot, failure_reason, created_at FROM dead_letter_queue WHERE id = ?`, id)
	var d rhythm.DeadLetter
	var snapRaw sql.NullString
	if err := row.Scan(&d.ID, &d.ExecutionID, &snapRaw, &d.FailureReason, &d.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sqlite: dead letter: %w", rhythm.NewScriptError(rhythm.CodeInternalError, "dead letter not found"))
		}
		return nil, fmt.Errorf("sqlite: dead letter: %w", err)
	}
	if snapRaw.Valid {
		var snap rhythm.Snapshot
		if err := json.Unmarshal([]byte(snapRaw.String), &snap); err != nil {
			return nil, fmt.Errorf("sqlite: dead letter: unmarshal snapshot: %w", err)
		}
		d.ExecutionSnapshot = &snap
	}
	return &d, nil
}

func inClause(items []string) (string, []any) {
	placeholders := ""
	args := make([]any, len(items))
	for i, it := range items {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = it
	}
	return placeholders, args
}

func nullIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
