package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	rhythm "github.com/rhythmhq/rhythm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestRegisterDefinitionIsIdempotentByVersion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	source := []byte(`{"program": "one"}`)
	d1, err := s.RegisterDefinition(ctx, "greet", source)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	d2, err := s.RegisterDefinition(ctx, "greet", source)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if d1.ID != d2.ID {
		t.Errorf("re-registering identical source should return the same row, got %s and %s", d1.ID, d2.ID)
	}
	if d1.Version != d2.Version {
		t.Errorf("version should be stable across re-registration")
	}

	d3, err := s.RegisterDefinition(ctx, "greet", []byte(`{"program": "two"}`))
	if err != nil {
		t.Fatalf("third register: %v", err)
	}
	if d3.ID == d1.ID {
		t.Error("different source should register as a new version")
	}
}

func TestCreateExecutionAndClaimWork(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	def, err := s.RegisterDefinition(ctx, "my-workflow", []byte(`{}`))
	if err != nil {
		t.Fatalf("register definition: %v", err)
	}

	exec := rhythm.Execution{
		ID: rhythm.NewExecutionID("wf"), Type: rhythm.ExecutionWorkflow, Name: "my-workflow",
		Queue: "default", Inputs: rhythm.Null(), MaxRetries: 3, TimeoutSeconds: 30, CreatedAt: rhythm.NowMillis(),
	}
	if err := s.CreateExecution(ctx, exec, def.ID); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	item, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-1")
	if err != nil {
		t.Fatalf("claim work: %v", err)
	}
	if item == nil {
		t.Fatal("expected a claimable item")
	}
	if item.ExecutionID != exec.ID {
		t.Errorf("claimed %s, want %s", item.ExecutionID, exec.ID)
	}

	second, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Error("a claimed row should not be claimable again")
	}

	if err := s.MarkRunning(ctx, item.ExecutionID, item.ClaimToken); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := s.MarkRunning(ctx, item.ExecutionID, "wrong-token"); err == nil {
		t.Error("mark running with a stale claim token should fail")
	}
}

func TestClaimWorkFiltersByExecutionType(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	def, err := s.RegisterDefinition(ctx, "wf", []byte(`{}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	wf := rhythm.Execution{
		ID: rhythm.NewExecutionID("wf"), Type: rhythm.ExecutionWorkflow, Name: "wf",
		Queue: "default", Inputs: rhythm.Null(), CreatedAt: rhythm.NowMillis(),
	}
	task := rhythm.Execution{
		ID: rhythm.NewExecutionID("task"), Type: rhythm.ExecutionTask, Name: "send-email",
		Queue: "default", Inputs: rhythm.Null(), CreatedAt: rhythm.NowMillis(),
	}
	if err := s.CreateExecution(ctx, wf, def.ID); err != nil {
		t.Fatalf("create wf: %v", err)
	}
	if err := s.CreateExecution(ctx, task, ""); err != nil {
		t.Fatalf("create task: %v", err)
	}

	item, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionTask, "worker-1")
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if item == nil || item.ExecutionID != task.ID {
		t.Fatalf("expected to claim the task execution, got %v", item)
	}
}

func TestCommitRunCompletesAndWakesParent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	def, err := s.RegisterDefinition(ctx, "parent-wf", []byte(`{}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	parent := rhythm.Execution{
		ID: rhythm.NewExecutionID("wf"), Type: rhythm.ExecutionWorkflow, Name: "parent-wf",
		Queue: "default", Inputs: rhythm.Null(), CreatedAt: rhythm.NowMillis(),
	}
	if err := s.CreateExecution(ctx, parent, def.ID); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if _, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-1"); err != nil {
		t.Fatalf("claim parent: %v", err)
	}
	if err := s.CommitRun(ctx, rhythm.CommitInput{
		ExecutionID: parent.ID, Status: rhythm.StatusSuspended, Snapshot: &rhythm.Snapshot{},
	}); err != nil {
		t.Fatalf("suspend parent: %v", err)
	}

	child := rhythm.Execution{
		ID: rhythm.NewExecutionID("task"), Type: rhythm.ExecutionTask, Name: "do-work",
		Queue: "default", Inputs: rhythm.Null(), ParentID: parent.ID, CreatedAt: rhythm.NowMillis(),
	}
	if err := s.CreateExecution(ctx, child, ""); err != nil {
		t.Fatalf("create child: %v", err)
	}

	loaded, err := s.LoadExecution(ctx, parent.ID)
	if err != nil {
		t.Fatalf("load parent: %v", err)
	}
	if loaded.Status != rhythm.StatusExecSuspended {
		t.Fatalf("parent status = %s, want suspended", loaded.Status)
	}

	if _, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionTask, "worker-2"); err != nil {
		t.Fatalf("claim child: %v", err)
	}
	if err := s.CommitRun(ctx, rhythm.CommitInput{
		ExecutionID: child.ID, Status: rhythm.StatusCompleted, Output: rhythm.Str("done"),
	}); err != nil {
		t.Fatalf("complete child: %v", err)
	}

	item, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-3")
	if err != nil {
		t.Fatalf("reclaim parent: %v", err)
	}
	if item == nil || item.ExecutionID != parent.ID {
		t.Fatalf("expected the child's completion to wake the parent, got %v", item)
	}
}

func TestResolveSuspensionTimer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := rhythm.Awaitable{Kind: rhythm.AwaitTimer, FireAt: 1000}
	r, err := s.ResolveSuspension(ctx, token, 500)
	if err != nil {
		t.Fatalf("resolve early: %v", err)
	}
	if r.Ready {
		t.Error("timer should not be ready before fire_at")
	}

	r, err = s.ResolveSuspension(ctx, token, 1000)
	if err != nil {
		t.Fatalf("resolve on time: %v", err)
	}
	if !r.Ready {
		t.Error("timer should be ready once now >= fire_at")
	}
}

func TestSignalDeliveryWakesWorkflow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	def, err := s.RegisterDefinition(ctx, "signal-wf", []byte(`{}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	exec := rhythm.Execution{
		ID: rhythm.NewExecutionID("wf"), Type: rhythm.ExecutionWorkflow, Name: "signal-wf",
		Queue: "default", Inputs: rhythm.Null(), CreatedAt: rhythm.NowMillis(),
	}
	if err := s.CreateExecution(ctx, exec, def.ID); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CommitRun(ctx, rhythm.CommitInput{
		ExecutionID: exec.ID, Status: rhythm.StatusSuspended, Snapshot: &rhythm.Snapshot{},
	}); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	token := rhythm.Awaitable{Kind: rhythm.AwaitSignal, ID: exec.ID, SignalName: "approval"}
	r, err := s.ResolveSuspension(ctx, token, rhythm.NowMillis())
	if err != nil {
		t.Fatalf("resolve before signal: %v", err)
	}
	if r.Ready {
		t.Fatal("signal should not resolve before it's delivered")
	}

	if err := s.EnqueueSignal(ctx, exec.ID, "approval", rhythm.BoolVal(true)); err != nil {
		t.Fatalf("enqueue signal: %v", err)
	}

	item, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-2")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if item == nil {
		t.Fatal("signal delivery should re-enqueue the suspended workflow")
	}

	r, err = s.ResolveSuspension(ctx, token, rhythm.NowMillis())
	if err != nil {
		t.Fatalf("resolve after signal: %v", err)
	}
	if !r.Ready || !r.Value.Equals(rhythm.BoolVal(true)) {
		t.Errorf("resolution = %+v, want ready with payload true", r)
	}
}

func TestCombineCompositeAny(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := rhythm.Awaitable{
		Kind: rhythm.AwaitAny,
		Children: []rhythm.Awaitable{
			{Kind: rhythm.AwaitTimer, FireAt: 5000},
			{Kind: rhythm.AwaitTimer, FireAt: 1000},
		},
	}
	r, err := s.ResolveSuspension(ctx, token, 1000)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !r.Ready {
		t.Fatal("Any should resolve once one child is ready")
	}
	key, ok := r.Value.O["key"]
	if !ok || key.N != 1 {
		t.Errorf("expected key 1 (second child), got %+v", r.Value)
	}
}

func TestCommitRunAppliesOutboxTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	def, err := s.RegisterDefinition(ctx, "spawns-task", []byte(`{}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	exec := rhythm.Execution{
		ID: rhythm.NewExecutionID("wf"), Type: rhythm.ExecutionWorkflow, Name: "spawns-task",
		Queue: "default", Inputs: rhythm.Null(), CreatedAt: rhythm.NowMillis(),
	}
	if err := s.CreateExecution(ctx, exec, def.ID); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	taskID := rhythm.NewExecutionID("task")
	outbox := rhythm.Outbox{TasksToCreate: []rhythm.TaskCreation{{ID: taskID, Name: "ship-it", Inputs: rhythm.Null()}}}
	if err := s.CommitRun(ctx, rhythm.CommitInput{
		ExecutionID: exec.ID, Status: rhythm.StatusSuspended, Snapshot: &rhythm.Snapshot{}, Outbox: outbox,
	}); err != nil {
		t.Fatalf("commit with outbox: %v", err)
	}

	spawned, err := s.LoadExecution(ctx, taskID)
	if err != nil {
		t.Fatalf("load spawned task: %v", err)
	}
	if spawned.ParentID != exec.ID {
		t.Errorf("spawned task's parent = %q, want %q", spawned.ParentID, exec.ID)
	}
	if spawned.Queue != rhythm.DefaultQueue {
		t.Errorf("spawned task queue = %q, want default %q", spawned.Queue, rhythm.DefaultQueue)
	}

	item, err := s.ClaimWork(ctx, []string{rhythm.DefaultQueue}, rhythm.ExecutionTask, "worker-2")
	if err != nil {
		t.Fatalf("claim spawned task: %v", err)
	}
	if item == nil || item.ExecutionID != taskID {
		t.Fatalf("expected to claim the spawned task, got %v", item)
	}
}

func TestPromoteScheduledAndSweepTimedOut(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	def, err := s.RegisterDefinition(ctx, "timer-wf", []byte(`{}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	exec := rhythm.Execution{
		ID: rhythm.NewExecutionID("wf"), Type: rhythm.ExecutionWorkflow, Name: "timer-wf",
		Queue: "default", Inputs: rhythm.Null(), MaxRetries: 0, TimeoutSeconds: 30, CreatedAt: rhythm.NowMillis(),
	}
	if err := s.CreateExecution(ctx, exec, def.ID); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	fireAt := rhythm.NowMillis() + 1000
	if err := s.CommitRun(ctx, rhythm.CommitInput{
		ExecutionID: exec.ID, Status: rhythm.StatusSuspended, Snapshot: &rhythm.Snapshot{},
		SuspensionToken: &rhythm.Awaitable{Kind: rhythm.AwaitTimer, FireAt: fireAt},
	}); err != nil {
		t.Fatalf("suspend on timer: %v", err)
	}

	n, err := s.PromoteScheduled(ctx, fireAt-1)
	if err != nil {
		t.Fatalf("promote early: %v", err)
	}
	if n != 0 {
		t.Errorf("promoted %d rows before fire_at, want 0", n)
	}

	n, err = s.PromoteScheduled(ctx, fireAt)
	if err != nil {
		t.Fatalf("promote on time: %v", err)
	}
	if n != 1 {
		t.Errorf("promoted %d rows, want 1", n)
	}

	item, err := s.ClaimWork(ctx, []string{"default"}, rhythm.ExecutionWorkflow, "worker-2")
	if err != nil {
		t.Fatalf("claim promoted: %v", err)
	}
	if item == nil || item.ExecutionID != exec.ID {
		t.Fatalf("expected the timer-fired execution to be claimable, got %v", item)
	}

	if err := s.MarkRunning(ctx, item.ExecutionID, item.ClaimToken); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	recovered, err := s.SweepTimedOut(ctx, rhythm.NowMillis()+31*1000)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("sweep recovered %d, want 1", recovered)
	}

	after, err := s.LoadExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("load after sweep: %v", err)
	}
	if after.Status != rhythm.StatusExecFailed {
		t.Errorf("status after exhausting retries = %s, want failed", after.Status)
	}

	letters, err := s.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
}

func TestListExecutionsFiltersByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	def, err := s.RegisterDefinition(ctx, "list-wf", []byte(`{}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 3; i++ {
		exec := rhythm.Execution{
			ID: rhythm.NewExecutionID("wf"), Type: rhythm.ExecutionWorkflow, Name: "list-wf",
			Queue: "default", Inputs: rhythm.Null(), CreatedAt: rhythm.NowMillis(),
		}
		if err := s.CreateExecution(ctx, exec, def.ID); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	got, err := s.ListExecutions(ctx, rhythm.ExecutionFilter{Status: rhythm.StatusExecPending, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("listed %d pending executions, want 3", len(got))
	}
}
