// Package postgres implements rhythm.Store backed by PostgreSQL. Claiming
// uses a CTE of SELECT ... FOR UPDATE SKIP LOCKED + UPDATE ... RETURNING so
// concurrent runners never block on each other's claim attempts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	rhythm "github.com/rhythmhq/rhythm"
)

// Store implements rhythm.Store backed by an externally-owned pgxpool.Pool.
// The caller creates the pool; Close closes it.
type Store struct {
	pool *pgxpool.Pool
}

var _ rhythm.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates every table this package owns, idempotently.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			source BYTEA NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			name TEXT NOT NULL,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			inputs JSONB NOT NULL,
			output JSONB,
			error JSONB,
			parent_id TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 30,
			worker_id TEXT,
			created_at BIGINT NOT NULL,
			claimed_at BIGINT,
			completed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS executions_parent_idx ON executions (parent_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_execution_context (
			execution_id TEXT PRIMARY KEY REFERENCES executions(id),
			definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
			snapshot JSONB NOT NULL,
			suspension_token JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS work_queue (
			id BIGSERIAL PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			claim_token TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS work_queue_claim_idx ON work_queue (queue, priority DESC, created_at) WHERE claim_token IS NULL`,
		`CREATE INDEX IF NOT EXISTS work_queue_execution_idx ON work_queue (execution_id)`,
		`CREATE TABLE IF NOT EXISTS scheduled_queue (
			execution_id TEXT PRIMARY KEY REFERENCES executions(id),
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			run_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS scheduled_queue_run_at_idx ON scheduled_queue (run_at)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			payload JSONB NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS signals_lookup_idx ON signals (workflow_id, name, consumed)`,
		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			execution_snapshot JSONB,
			failure_reason TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) RegisterDefinition(ctx context.Context, name string, source []byte) (*rhythm.WorkflowDefinition, error) {
	version := rhythm.SourceVersion(source)
	def := &rhythm.WorkflowDefinition{
		ID: rhythm.NewExecutionID("def"), Name: name, Version: version,
		Source: source, CreatedAt: rhythm.NowMillis(),
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_definitions (id, name, version, source, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, version) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, created_at`, def.ID, def.Name, def.Version, def.Source, def.CreatedAt)
	if err := row.Scan(&def.ID, &def.CreatedAt); err != nil {
		return nil, fmt.Errorf("postgres: register definition: %w", err)
	}
	return def, nil
}

func (s *Store) LoadDefinition(ctx context.Context, definitionID string) (*rhythm.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, version, source, created_at FROM workflow_definitions WHERE id = $1`, definitionID)
	return scanDefinition(row)
}

func (s *Store) LoadDefinitionByName(ctx context.Context, name, version string) (*rhythm.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, version, source, created_at FROM workflow_definitions WHERE name = $1 AND version = $2`, name, version)
	return scanDefinition(row)
}

func scanDefinition(row pgx.Row) (*rhythm.WorkflowDefinition, error) {
	var d rhythm.WorkflowDefinition
	if err := row.Scan(&d.ID, &d.Name, &d.Version, &d.Source, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: load definition: %w", rhythm.NewScriptError(rhythm.CodeInternalError, "definition not found"))
		}
		return nil, fmt.Errorf("postgres: load definition: %w", err)
	}
	return &d, nil
}

func (s *Store) CreateExecution(ctx context.Context, exec rhythm.Execution, definitionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: create execution: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	inputs, err := json.Marshal(exec.Inputs)
	if err != nil {
		return fmt.Errorf("postgres: create execution: marshal inputs: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (id, type, status, name, queue, priority, inputs, parent_id, attempt, max_retries, timeout_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.Type, rhythm.StatusExecPending, exec.Name, exec.Queue, exec.Priority, inputs,
		exec.ParentID, exec.Attempt, exec.MaxRetries, exec.TimeoutSeconds, exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create execution: insert: %w", err)
	}

	if exec.Type == rhythm.ExecutionWorkflow {
		emptySnap, err := json.Marshal(rhythm.Snapshot{})
		if err != nil {
			return fmt.Errorf("postgres: create execution: marshal empty snapshot: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_execution_context (execution_id, definition_id, snapshot)
			VALUES ($1, $2, $3) ON CONFLICT (execution_id) DO NOTHING`,
			exec.ID, definitionID, emptySnap); err != nil {
			return fmt.Errorf("postgres: create execution: insert context: %w", err)
		}
	}

	// work_queue has no unique constraint on execution_id (an execution can
	// legitimately carry a claimed row plus a fresh wake-up row at once), so
	// a retried CreateExecution call needs an explicit existence check
	// instead of relying on a PRIMARY KEY conflict to stay idempotent.
	if _, err := tx.Exec(ctx, `
		INSERT INTO work_queue (execution_id, queue, priority, created_at)
		SELECT $1, $2, $3, $4 WHERE NOT EXISTS (SELECT 1 FROM work_queue WHERE execution_id = $1)`,
		exec.ID, exec.Queue, exec.Priority, exec.CreatedAt); err != nil {
		return fmt.Errorf("postgres: create execution: enqueue: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) ClaimWork(ctx context.Context, queues []string, execType rhythm.ExecutionType, workerID string) (*rhythm.WorkQueueItem, error) {
	claimToken := rhythm.NewExecutionID("claim")
	row := s.pool.QueryRow(ctx, `
		WITH c AS (
			SELECT wq.id FROM work_queue wq
			JOIN executions e ON e.id = wq.execution_id
			WHERE wq.claim_token IS NULL AND e.type = $1 AND wq.queue = ANY($2)
			ORDER BY wq.priority DESC, wq.created_at ASC
			FOR UPDATE OF wq SKIP LOCKED
			LIMIT 1
		)
		UPDATE work_queue wq SET claim_token = $3
		FROM c WHERE wq.id = c.id
		RETURNING wq.execution_id, wq.queue, wq.priority, wq.created_at`,
		execType, queues, claimToken)

	var item rhythm.WorkQueueItem
	if err := row.Scan(&item.ExecutionID, &item.Queue, &item.Priority, &item.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: claim work: %w", err)
	}
	item.ClaimToken = claimToken
	_, err := s.pool.Exec(ctx, `UPDATE executions SET worker_id = $1 WHERE id = $2`, workerID, item.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim work: set worker: %w", err)
	}
	return &item, nil
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*rhythm.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, status, name, queue, priority, inputs, output, error, COALESCE(parent_id, ''),
		       attempt, max_retries, timeout_seconds, COALESCE(worker_id, ''), created_at, claimed_at, completed_at
		FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

func scanExecution(row pgx.Row) (*rhythm.Execution, error) {
	var e rhythm.Execution
	var inputsRaw, outputRaw, errRaw []byte
	if err := row.Scan(&e.ID, &e.Type, &e.Status, &e.Name, &e.Queue, &e.Priority, &inputsRaw, &outputRaw, &errRaw,
		&e.ParentID, &e.Attempt, &e.MaxRetries, &e.TimeoutSeconds, &e.WorkerID, &e.CreatedAt, &e.ClaimedAt, &e.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: load execution: %w", rhythm.NewScriptError(rhythm.CodeInternalError, "execution not found"))
		}
		return nil, fmt.Errorf("postgres: load execution: %w", err)
	}
	if err := json.Unmarshal(inputsRaw, &e.Inputs); err != nil {
		return nil, fmt.Errorf("postgres: load execution: unmarshal inputs: %w", err)
	}
	if len(outputRaw) > 0 {
		var v rhythm.Value
		if err := json.Unmarshal(outputRaw, &v); err != nil {
			return nil, fmt.Errorf("postgres: load execution: unmarshal output: %w", err)
		}
		e.Output = &v
	}
	if len(errRaw) > 0 {
		var v rhythm.Value
		if err := json.Unmarshal(errRaw, &v); err != nil {
			return nil, fmt.Errorf("postgres: load execution: unmarshal error: %w", err)
		}
		e.Error = &v
	}
	return &e, nil
}

func (s *Store) LoadContext(ctx context.Context, executionID string) (*rhythm.WorkflowExecutionContext, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT execution_id, definition_id, snapshot, suspension_token
		FROM workflow_execution_context WHERE execution_id = $1`, executionID)

	var wc rhythm.WorkflowExecutionContext
	var snapRaw, tokenRaw []byte
	if err := row.Scan(&wc.ExecutionID, &wc.DefinitionID, &snapRaw, &tokenRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: load context: %w", rhythm.NewScriptError(rhythm.CodeInternalError, "context not found"))
		}
		return nil, fmt.Errorf("postgres: load context: %w", err)
	}
	if err := json.Unmarshal(snapRaw, &wc.Snapshot); err != nil {
		return nil, fmt.Errorf("postgres: load context: unmarshal snapshot: %w", err)
	}
	if len(tokenRaw) > 0 {
		var a rhythm.Awaitable
		if err := json.Unmarshal(tokenRaw, &a); err != nil {
			return nil, fmt.Errorf("postgres: load context: unmarshal suspension token: %w", err)
		}
		wc.SuspensionToken = &a
	}
	return &wc, nil
}

func (s *Store) MarkRunning(ctx context.Context, executionID, claimToken string) error {
	now := rhythm.NowMillis()
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = $1, claimed_at = $2
		WHERE id = $3 AND status IN ($4, $5)
		  AND EXISTS (SELECT 1 FROM work_queue wq WHERE wq.execution_id = $3 AND wq.claim_token = $6)`,
		rhythm.StatusExecRunning, now, executionID, rhythm.StatusExecPending, rhythm.StatusExecSuspended, claimToken)
	if err != nil {
		return fmt.Errorf("postgres: mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark running %s: %w", executionID, rhythm.NewScriptError(rhythm.CodeInternalError, "stale claim or terminal execution"))
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
		row := s.pool.QueryRow(ctx, `
			SELECT id, payload FROM signals
			WHERE workflow_id = $1 AND name = $2 AND NOT consumed
			ORDER BY created_at ASC LIMIT 1`, token.ID, token.SignalName)
		var id string
		var payloadRaw []byte
		if err := row.Scan(&id, &payloadRaw); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return rhythm.SuspensionResolution{Ready: false}, nil
			}
			return rhythm.SuspensionResolution{}, fmt.Errorf("postgres: resolve signal: %w", err)
		}
		var payload rhythm.Value
		if err := json.Unmarshal(payloadRaw, &payload); err != nil {
			return rhythm.SuspensionResolution{}, fmt.Errorf("postgres: resolve signal: unmarshal payload: %w", err)
		}
		if _, err := s.pool.Exec(ctx, `UPDATE signals SET consumed = TRUE WHERE id = $1`, id); err != nil {
			return rhythm.SuspensionResolution{}, fmt.Errorf("postgres: resolve signal: consume: %w", err)
		}
		return rhythm.SuspensionResolution{Ready: true, Value: payload}, nil

	case rhythm.AwaitAll, rhythm.AwaitAny, rhythm.AwaitRace:
		return s.resolveComposite(ctx, token, now)

	default:
		return rhythm.SuspensionResolution{}, fmt.Errorf("postgres: resolve suspension: unknown kind %d", token.Kind)
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: commit run: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := rhythm.NowMillis()

	if in.Status == rhythm.StatusCompleted || in.Status == rhythm.StatusFailed {
		// Terminal: the execution will never run again, so drop every row
		// for it, claimed or not.
		if _, err := tx.Exec(ctx, `DELETE FROM work_queue WHERE execution_id = $1`, in.ExecutionID); err != nil {
			return fmt.Errorf("postgres: commit run: dequeue: %w", err)
		}
	} else {
		// Alive (Suspended/Running): remove only the row this run claimed.
		// A fresh unclaimed row inserted by a concurrent wake-up (a signal,
		// a sibling composite child completing) must survive so the
		// execution stays re-pickable.
		if _, err := tx.Exec(ctx, `DELETE FROM work_queue WHERE execution_id = $1 AND claim_token = $2`, in.ExecutionID, in.ClaimToken); err != nil {
			return fmt.Errorf("postgres: commit run: dequeue: %w", err)
		}
	}

	switch in.Status {
	case rhythm.StatusCompleted, rhythm.StatusFailed:
		if err := commitTerminal(ctx, tx, in, now); err != nil {
			return err
		}
	case rhythm.StatusRunning:
		// Budget exhausted mid-step, nothing suspended: step again immediately.
		if err := commitAlive(ctx, tx, in); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO work_queue (execution_id, queue, priority, created_at)
			SELECT id, queue, priority, $2 FROM executions WHERE id = $1`, in.ExecutionID, now); err != nil {
			return fmt.Errorf("postgres: commit run: requeue: %w", err)
		}
	case rhythm.StatusSuspended:
		if err := commitAlive(ctx, tx, in); err != nil {
			return err
		}
		// Nothing else wakes a pure timer wait (no child execution, no
		// signal row): schedule this execution's own reclaim at the
		// earliest timer fire_at reachable from the suspension token.
		if fireAt, ok := earliestTimerFireAt(in.SuspensionToken); ok {
			if _, err := tx.Exec(ctx, `
				INSERT INTO scheduled_queue (execution_id, queue, priority, run_at)
				SELECT id, queue, priority, $2 FROM executions WHERE id = $1
				ON CONFLICT (execution_id) DO UPDATE SET run_at = LEAST(scheduled_queue.run_at, EXCLUDED.run_at)`,
				in.ExecutionID, fireAt); err != nil {
				return fmt.Errorf("postgres: commit run: schedule timer: %w", err)
			}
		}
	}

	if err := applyOutbox(ctx, tx, in.Outbox, in.ExecutionID, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// earliestTimerFireAt finds the soonest fire_at reachable from a (possibly
// composite) suspension token, for scheduling a pure-timer wake-up. A
// composite that also contains a task/subworkflow/signal child is woken by
// that child too; scheduling the timer alongside is a harmless no-op if
// the composite isn't actually ready yet when it fires.
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

func commitTerminal(ctx context.Context, tx pgx.Tx, in rhythm.CommitInput, now int64) error {
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
		return fmt.Errorf("postgres: commit terminal: marshal: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE executions SET status = $1, output = $2, error = $3, completed_at = $4 WHERE id = $5`,
		status, nullIfEmpty(outputRaw), nullIfEmpty(errorRaw), now, in.ExecutionID); err != nil {
		return fmt.Errorf("postgres: commit terminal: update execution: %w", err)
	}

	if in.Status == rhythm.StatusFailed {
		var snapRaw []byte
		if in.Snapshot != nil {
			snapRaw, err = json.Marshal(in.Snapshot)
			if err != nil {
				return fmt.Errorf("postgres: commit terminal: marshal snapshot: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO dead_letter_queue (id, execution_id, execution_snapshot, failure_reason, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			rhythm.NewExecutionID("dlq"), in.ExecutionID, nullIfEmpty(snapRaw), in.FailureValue.String(), now); err != nil {
			return fmt.Errorf("postgres: commit terminal: dead letter: %w", err)
		}
	}

	var parentID *string
	if err := tx.QueryRow(ctx, `SELECT parent_id FROM executions WHERE id = $1`, in.ExecutionID).Scan(&parentID); err != nil {
		return fmt.Errorf("postgres: commit terminal: load parent: %w", err)
	}
	if parentID != nil && *parentID != "" {
		// Always insert a fresh row: the parent may already hold a claimed
		// row (e.g. it's mid-run resolving a Promise.all with other
		// children still pending), and that row must not mask this wake-up.
		if _, err := tx.Exec(ctx, `
			INSERT INTO work_queue (execution_id, queue, priority, created_at)
			SELECT id, queue, priority, $2 FROM executions WHERE id = $1 AND status NOT IN ($3, $4)`,
			*parentID, now, rhythm.StatusExecCompleted, rhythm.StatusExecFailed); err != nil {
			return fmt.Errorf("postgres: commit terminal: wake parent: %w", err)
		}
	}
	return nil
}

func commitAlive(ctx context.Context, tx pgx.Tx, in rhythm.CommitInput) error {
	snapRaw, err := json.Marshal(in.Snapshot)
	if err != nil {
		return fmt.Errorf("postgres: commit alive: marshal snapshot: %w", err)
	}
	var tokenRaw []byte
	if in.SuspensionToken != nil {
		tokenRaw, err = json.Marshal(in.SuspensionToken)
		if err != nil {
			return fmt.Errorf("postgres: commit alive: marshal token: %w", err)
		}
	}
	status := rhythm.StatusExecRunning
	if in.Status == rhythm.StatusSuspended {
		status = rhythm.StatusExecSuspended
	}
	if _, err := tx.Exec(ctx, `UPDATE executions SET status = $1 WHERE id = $2`, status, in.ExecutionID); err != nil {
		return fmt.Errorf("postgres: commit alive: update execution: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workflow_execution_context SET snapshot = $1, suspension_token = $2 WHERE execution_id = $3`,
		snapRaw, nullIfEmpty(tokenRaw), in.ExecutionID); err != nil {
		return fmt.Errorf("postgres: commit alive: update context: %w", err)
	}
	return nil
}

// applyOutbox materializes this step's outboxed tasks and subworkflows as
// new pending executions, parented to parentID so their completion wakes
// it. Outboxed timers need no row here: they are folded into the
// suspension-token-driven scheduled_queue entry in CommitRun.
func applyOutbox(ctx context.Context, tx pgx.Tx, outbox rhythm.Outbox, parentID string, now int64) error {
	for _, t := range outbox.TasksToCreate {
		inputs, err := json.Marshal(t.Inputs)
		if err != nil {
			return fmt.Errorf("postgres: outbox task: marshal inputs: %w", err)
		}
		queue := t.Queue
		if queue == "" {
			queue = rhythm.DefaultQueue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO executions (id, type, status, name, queue, priority, inputs, parent_id, attempt, max_retries, timeout_seconds, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, 0, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, rhythm.ExecutionTask, rhythm.StatusExecPending, t.Name, queue, inputs,
			parentID, rhythm.DefaultMaxRetries, rhythm.DefaultTimeoutSeconds, now); err != nil {
			return fmt.Errorf("postgres: outbox task: insert execution: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO work_queue (execution_id, queue, priority, created_at)
			SELECT $1, $2, 0, $3 WHERE NOT EXISTS (SELECT 1 FROM work_queue WHERE execution_id = $1)`,
			t.ID, queue, now); err != nil {
			return fmt.Errorf("postgres: outbox task: enqueue: %w", err)
		}
	}

	for _, w := range outbox.SubworkflowsToSpawn {
		inputs, err := json.Marshal(w.Inputs)
		if err != nil {
			return fmt.Errorf("postgres: outbox subworkflow: marshal inputs: %w", err)
		}
		queue := w.Queue
		if queue == "" {
			queue = rhythm.DefaultQueue
		}
		def, err := tx.Query(ctx, `SELECT id FROM workflow_definitions WHERE name = $1 ORDER BY created_at DESC LIMIT 1`, w.Name)
		if err != nil {
			return fmt.Errorf("postgres: outbox subworkflow: lookup definition: %w", err)
		}
		var definitionID string
		hasRow := def.Next()
		if hasRow {
			if err := def.Scan(&definitionID); err != nil {
				def.Close()
				return fmt.Errorf("postgres: outbox subworkflow: scan definition: %w", err)
			}
		}
		def.Close()
		if !hasRow {
			return fmt.Errorf("postgres: outbox subworkflow: %w", rhythm.NewScriptError(rhythm.CodeInternalError, "unregistered workflow: "+w.Name))
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO executions (id, type, status, name, queue, priority, inputs, parent_id, attempt, max_retries, timeout_seconds, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, 0, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			w.ID, rhythm.ExecutionWorkflow, rhythm.StatusExecPending, w.Name, queue, inputs,
			parentID, rhythm.DefaultMaxRetries, rhythm.DefaultTimeoutSeconds, now); err != nil {
			return fmt.Errorf("postgres: outbox subworkflow: insert execution: %w", err)
		}
		emptySnap, err := json.Marshal(rhythm.Snapshot{})
		if err != nil {
			return fmt.Errorf("postgres: outbox subworkflow: marshal empty snapshot: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_execution_context (execution_id, definition_id, snapshot)
			VALUES ($1, $2, $3) ON CONFLICT (execution_id) DO NOTHING`,
			w.ID, definitionID, emptySnap); err != nil {
			return fmt.Errorf("postgres: outbox subworkflow: insert context: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO work_queue (execution_id, queue, priority, created_at)
			SELECT $1, $2, 0, $3 WHERE NOT EXISTS (SELECT 1 FROM work_queue WHERE execution_id = $1)`,
			w.ID, queue, now); err != nil {
			return fmt.Errorf("postgres: outbox subworkflow: enqueue: %w", err)
		}
	}

	return nil
}

func (s *Store) EnqueueSignal(ctx context.Context, workflowID, name string, payload rhythm.Value) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("postgres: enqueue signal: marshal payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO signals (id, workflow_id, name, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rhythm.NewExecutionID("sig"), workflowID, name, raw, rhythm.NowMillis()); err != nil {
		return fmt.Errorf("postgres: enqueue signal: %w", err)
	}
	// Insert a fresh row regardless of the workflow's current status: a
	// signal delivered while it's transiently `running` (e.g. processing an
	// earlier signal) must still leave behind something claimable, or the
	// second signal is stored but never picked up. A terminal workflow gets
	// no row since it will never consume it.
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO work_queue (execution_id, queue, priority, created_at)
		SELECT id, queue, priority, $2 FROM executions WHERE id = $1 AND status NOT IN ($3, $4)`,
		workflowID, rhythm.NowMillis(), rhythm.StatusExecCompleted, rhythm.StatusExecFailed); err != nil {
		return fmt.Errorf("postgres: enqueue signal: wake: %w", err)
	}
	return nil
}

func (s *Store) PromoteScheduled(ctx context.Context, now int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH due AS (
			DELETE FROM scheduled_queue WHERE run_at <= $1 RETURNING execution_id, queue, priority
		)
		INSERT INTO work_queue (execution_id, queue, priority, created_at)
		SELECT due.execution_id, due.queue, due.priority, $1 FROM due
		WHERE NOT EXISTS (SELECT 1 FROM work_queue wq WHERE wq.execution_id = due.execution_id AND wq.claim_token IS NULL)`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: promote scheduled: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) SweepTimedOut(ctx context.Context, now int64) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, attempt, max_retries, queue, priority FROM executions
		WHERE status = $1 AND claimed_at IS NOT NULL AND claimed_at + (timeout_seconds * 1000) <= $2`,
		rhythm.StatusExecRunning, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep timed out: %w", err)
	}
	type stale struct {
		id                   string
		attempt, maxRetries  int
		queue                string
		priority             int
	}
	var staleRows []stale
	for rows.Next() {
		var r stale
		if err := rows.Scan(&r.id, &r.attempt, &r.maxRetries, &r.queue, &r.priority); err != nil {
			rows.Close()
			return 0, fmt.Errorf("postgres: sweep timed out: scan: %w", err)
		}
		staleRows = append(staleRows, r)
	}
	rows.Close()

	for _, r := range staleRows {
		if r.attempt >= r.maxRetries {
			if _, err := s.pool.Exec(ctx, `UPDATE executions SET status = $1, completed_at = $2 WHERE id = $3`,
				rhythm.StatusExecFailed, now, r.id); err != nil {
				return 0, fmt.Errorf("postgres: sweep timed out: fail: %w", err)
			}
			if _, err := s.pool.Exec(ctx, `
				INSERT INTO dead_letter_queue (id, execution_id, failure_reason, created_at)
				VALUES ($1, $2, $3, $4)`, rhythm.NewExecutionID("dlq"), r.id, "claim timeout exceeded max_retries", now); err != nil {
				return 0, fmt.Errorf("postgres: sweep timed out: dead letter: %w", err)
			}
			continue
		}
		if _, err := s.pool.Exec(ctx, `UPDATE executions SET status = $1, attempt = attempt + 1, worker_id = NULL WHERE id = $2`,
			rhythm.StatusExecPending, r.id); err != nil {
			return 0, fmt.Errorf("postgres: sweep timed out: requeue: %w", err)
		}
		// The dead worker's claimed row is still sitting in work_queue with
		// its claim_token set, which ClaimWork's `claim_token IS NULL`
		// filter would otherwise hide forever. Clear it so the row (or rows,
		// if a wake-up also landed one) becomes claimable again.
		if _, err := s.pool.Exec(ctx, `UPDATE work_queue SET claim_token = NULL WHERE execution_id = $1`, r.id); err != nil {
			return 0, fmt.Errorf("postgres: sweep timed out: clear claim: %w", err)
		}
	}
	return len(staleRows), nil
}

func (s *Store) ListExecutions(ctx context.Context, filter rhythm.ExecutionFilter) ([]rhythm.Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, status, name, queue, priority, inputs, output, error, COALESCE(parent_id, ''),
		       attempt, max_retries, timeout_seconds, COALESCE(worker_id, ''), created_at, claimed_at, completed_at
		FROM executions
		WHERE ($1 = '' OR queue = $1) AND ($2 = '' OR status = $2) AND ($3 = '' OR type = $3)
		ORDER BY created_at DESC LIMIT $4`,
		filter.Queue, filter.Status, filter.Type, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []rhythm.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]rhythm.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, execution_snapshot, failure_reason, created_at
		FROM dead_letter_queue ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []rhythm.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*rhythm.DeadLetter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, execution_id, execution_snapshot, failure_reason, created_at
		FROM dead_letter_queue WHERE id = $1`, id)
	return scanDeadLetter(row)
}

func scanDeadLetter(row pgx.Row) (*rhythm.DeadLetter, error) {
	var d rhythm.DeadLetter
	var snapRaw []byte
	if err := row.Scan(&d.ID, &d.ExecutionID, &snapRaw, &d.FailureReason, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: dead letter: %w", rhythm.NewScriptError(rhythm.CodeInternalError, "dead letter not found"))
		}
		return nil, fmt.Errorf("postgres: dead letter: %w", err)
	}
	if len(snapRaw) > 0 {
		var snap rhythm.Snapshot
		if err := json.Unmarshal(snapRaw, &snap); err != nil {
			return nil, fmt.Errorf("postgres: dead letter: unmarshal snapshot: %w", err)
		}
		d.ExecutionSnapshot = &snap
	}
	return &d, nil
}

func nullIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
