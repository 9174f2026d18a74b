package worker

import (
	"context"
	"path/filepath"
	"testing"

	rhythm "github.com/rhythmhq/rhythm"
	"github.com/rhythmhq/rhythm/store/sqlite"
)

func testStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s := sqlite.New(filepath.Join(t.TempDir(), "worker.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestClaimReturnsNilWhenQueueEmpty(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	defer store.Close()

	exec, item, err := Claim(ctx, store, []string{"default"}, "worker-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if exec != nil || item != nil {
		t.Fatalf("expected no work, got exec=%v item=%v", exec, item)
	}
}

func TestClaimCompleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	defer store.Close()

	if err := store.CreateExecution(ctx, rhythm.Execution{
		ID: "tsk_1", Type: rhythm.ExecutionTask, Name: "send_email", Queue: "default",
		Inputs: rhythm.Obj(map[string]rhythm.Value{"to": rhythm.Str("a@example.com")}),
		MaxRetries: 3, TimeoutSeconds: 30, CreatedAt: 1,
	}, ""); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	exec, item, err := Claim(ctx, store, []string{"default"}, "worker-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if exec == nil || item == nil {
		t.Fatal("expected a claimable task")
	}
	if exec.ID != "tsk_1" || exec.Name != "send_email" {
		t.Fatalf("exec = %+v", exec)
	}
	if exec.Status != rhythm.StatusExecRunning {
		t.Fatalf("status = %v, want running after claim", exec.Status)
	}

	// A second claim attempt finds nothing: the row is already claimed.
	exec2, item2, err := Claim(ctx, store, []string{"default"}, "worker-2")
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if exec2 != nil || item2 != nil {
		t.Fatalf("expected no second claimable task, got %v %v", exec2, item2)
	}

	if err := Complete(ctx, store, exec.ID, rhythm.BoolVal(true)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	done, err := store.LoadExecution(ctx, "tsk_1")
	if err != nil {
		t.Fatalf("LoadExecution: %v", err)
	}
	if done.Status != rhythm.StatusExecCompleted {
		t.Fatalf("status = %v, want completed", done.Status)
	}
	if done.Output == nil || !done.Output.Equals(rhythm.BoolVal(true)) {
		t.Errorf("output = %v, want true", done.Output)
	}
}

func TestClaimFailRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	defer store.Close()

	if err := store.CreateExecution(ctx, rhythm.Execution{
		ID: "tsk_2", Type: rhythm.ExecutionTask, Name: "charge_card", Queue: "default",
		Inputs: rhythm.Obj(nil), MaxRetries: 0, TimeoutSeconds: 30, CreatedAt: 1,
	}, ""); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	exec, _, err := Claim(ctx, store, []string{"default"}, "worker-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if exec == nil {
		t.Fatal("expected a claimable task")
	}

	failure := rhythm.ErrVal(rhythm.CodeInternalError, "card declined")
	if err := Fail(ctx, store, exec.ID, failure); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	done, err := store.LoadExecution(ctx, "tsk_2")
	if err != nil {
		t.Fatalf("LoadExecution: %v", err)
	}
	if done.Status != rhythm.StatusExecFailed {
		t.Fatalf("status = %v, want failed", done.Status)
	}
	if done.Error == nil || !done.Error.Equals(failure) {
		t.Errorf("error = %v, want %v", done.Error, failure)
	}

	letters, err := store.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].ExecutionID != "tsk_2" {
		t.Fatalf("dead letters = %+v", letters)
	}
}
