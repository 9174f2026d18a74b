package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	rhythm "github.com/rhythmhq/rhythm"
)

// testStore connects to RHYTHM_TEST_DATABASE_URL and returns a Store with a
// fresh schema. Skipped when the variable is unset: these tests need a real
// PostgreSQL instance and are not run as part of the default unit test pass.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RHYTHM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RHYTHM_TEST_DATABASE_URL not set, skipping postgres store tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	s := New(pool)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, `TRUNCATE executions, workflow_definitions, workflow_execution_context,
			work_queue, scheduled_queue, signals, dead_letter_queue CASCADE`)
		s.Close()
	})
	return s
}

func TestRegisterDefinitionIsIdempotentByVersion(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	source := []byte(`[{"kind":"Return","value":{"kind":"LitNum","value":1}}]`)
	first, err := s.RegisterDefinition(ctx, "greet", source)
	if err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	second, err := s.RegisterDefinition(ctx, "greet", source)
	if err != nil {
		t.Fatalf("RegisterDefinition (again): %v", err)
	}
	if first.ID != second.ID || first.Version != second.Version {
		t.Fatalf("re-registering identical source should be a no-op: %+v vs %+v", first, second)
	}

	changed, err := s.RegisterDefinition(ctx, "greet", []byte(`[{"kind":"Return","value":{"kind":"LitNum","value":2}}]`))
	if err != nil {
		t.Fatalf("RegisterDefinition (changed): %v", err)
	}
	if changed.Version == first.Version {
		t.Error("different source should produce a different version")
	}
}

func TestCreateExecutionAndClaimWork(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	def, err := s.RegisterDefinition(ctx, "simple", []byte(`[{"kind":"Return","value":{"kind":"LitNum","value":1}}]`))
	if err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	if err := s.CreateExecution(ctx, rhythm.Execution{
		ID: "wor_pg_1", Type: rhythm.ExecutionWorkflow, Name: "simple", Queue: "default",
		Inputs: rhythm.Obj(nil), MaxRetries: 3, TimeoutSeconds: 30, CreatedAt: 1,
	}, def.ID); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	item, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-1")
	if err != nil {
		t.Fatalf("ClaimWork: %v", err)
	}
	if item == nil || item.ExecutionID != "wor_pg_1" {
		t.Fatalf("item = %+v", item)
	}

	again, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-2")
	if err != nil {
		t.Fatalf("ClaimWork (second): %v", err)
	}
	if again != nil {
		t.Fatalf("expected no second claimant, got %+v", again)
	}
}

func TestCommitRunCompletesExecutionAndWakesParent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	def, err := s.RegisterDefinition(ctx, "child_wf", []byte(`[{"kind":"Return","value":{"kind":"LitNull"}}]`))
	if err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	if err := s.CreateExecution(ctx, rhythm.Execution{
		ID: "wor_pg_parent", Type: rhythm.ExecutionWorkflow, Name: "child_wf", Queue: "default",
		Inputs: rhythm.Obj(nil), MaxRetries: 3, TimeoutSeconds: 30, CreatedAt: 1,
	}, def.ID); err != nil {
		t.Fatalf("CreateExecution(parent): %v", err)
	}
	if err := s.CreateExecution(ctx, rhythm.Execution{
		ID: "tsk_pg_child", Type: rhythm.ExecutionTask, Name: "leaf", Queue: "default",
		ParentID: "wor_pg_parent", Inputs: rhythm.Obj(nil), MaxRetries: 3, TimeoutSeconds: 30, CreatedAt: 1,
	}, ""); err != nil {
		t.Fatalf("CreateExecution(child): %v", err)
	}

	parentItem, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-parent")
	if err != nil {
		t.Fatalf("ClaimWork(parent): %v", err)
	}
	if parentItem == nil {
		t.Fatal("expected parent to be claimable")
	}
	// Parent suspends awaiting the child; CommitRun drops its claimed
	// work_queue row until something wakes it again.
	if err := s.CommitRun(ctx, rhythm.CommitInput{
		ExecutionID:     "wor_pg_parent",
		ClaimToken:      parentItem.ClaimToken,
		Status:          rhythm.StatusSuspended,
		Snapshot:        &rhythm.Snapshot{},
		SuspensionToken: &rhythm.Awaitable{Kind: rhythm.AwaitTask, ID: "tsk_pg_child"},
	}); err != nil {
		t.Fatalf("CommitRun(suspend parent): %v", err)
	}
	if item, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-parent-should-find-nothing"); err != nil {
		t.Fatalf("ClaimWork(parent while suspended): %v", err)
	} else if item != nil {
		t.Fatalf("parent should not be claimable while suspended, got %+v", item)
	}

	if _, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionTask, "worker-child"); err != nil {
		t.Fatalf("ClaimWork(child): %v", err)
	}

	if err := s.CommitRun(ctx, rhythm.CommitInput{
		ExecutionID: "tsk_pg_child",
		Status:      rhythm.StatusCompleted,
		Output:      rhythm.Str("done"),
	}); err != nil {
		t.Fatalf("CommitRun: %v", err)
	}

	parent, err := s.LoadExecution(ctx, "wor_pg_parent")
	if err != nil {
		t.Fatalf("LoadExecution(parent): %v", err)
	}
	if parent.Status != rhythm.StatusExecSuspended {
		t.Fatalf("parent status = %v, child completion does not itself change it", parent.Status)
	}

	item, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-parent-2")
	if err != nil {
		t.Fatalf("ClaimWork(parent wake-up): %v", err)
	}
	if item == nil || item.ExecutionID != "wor_pg_parent" {
		t.Fatalf("expected parent to be woken into work_queue, got %+v", item)
	}
}
