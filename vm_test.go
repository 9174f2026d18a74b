package rhythm

import "testing"

// --- AST builders: hand-construct Stmt/Expr trees the way the external
// parser's JSON would decode into, without going through ParseAST. ---

func numLit(n float64) *Expr  { return &Expr{Kind: ExprLitNum, Num: n} }
func strLit(s string) *Expr   { return &Expr{Kind: ExprLitStr, Str: s} }
func ident(name string) *Expr { return &Expr{Kind: ExprIdent, Name: name} }

func objLit(fields map[string]*Expr) *Expr {
	e := &Expr{Kind: ExprLitObj}
	for k, v := range fields {
		e.Obj = append(e.Obj, ObjField{Name: k, Value: v})
	}
	return e
}

func member(obj *Expr, prop string) *Expr {
	return &Expr{Kind: ExprMember, Object: obj, Prop: prop}
}

func binary(op string, l, r *Expr) *Expr {
	return &Expr{Kind: ExprBinaryOp, Op: op, Left: l, Right: r}
}

func call(callee string, args ...*Expr) *Expr {
	return &Expr{Kind: ExprCall, Name: callee, Args: args}
}

func await(inner *Expr) *Expr {
	return &Expr{Kind: ExprAwait, Inner: inner}
}

func declareStmt(name string, init *Expr) *Stmt {
	return &Stmt{Kind: StmtDeclare, Name: name, Expr: init}
}

func assignStmt(name string, value *Expr) *Stmt {
	return &Stmt{Kind: StmtAssign, Name: name, Expr: value}
}

func exprStmt(e *Expr) *Stmt {
	return &Stmt{Kind: StmtExpr, Expr: e}
}

func returnStmt(e *Expr) *Stmt {
	return &Stmt{Kind: StmtReturn, Expr: e}
}

func tryStmt(body []*Stmt, catchVar string, catchBody []*Stmt) *Stmt {
	return &Stmt{Kind: StmtTry, Body: body, CatchVar: catchVar, CatchBody: catchBody}
}

func prog(stmts ...*Stmt) *Program { return &Program{Body: stmts} }

// runToSuspend drives RunUntil until the VM yields, completes, or fails,
// failing the test if it never does within budget.
func runToSuspend(t *testing.T, vm *VM) (RunStatus, Value) {
	t.Helper()
	status, val := RunUntil(vm, 1000)
	if status == StatusRunning {
		t.Fatal("VM did not terminate or suspend within step budget")
	}
	return status, val
}

// Scenario 1 (spec §8): `return 42` completes with output 42, no children,
// nothing left runnable.
func TestEndToEndSimpleReturn(t *testing.T) {
	vm := NewVM("def-1", prog(returnStmt(numLit(42))), Obj(nil), Obj(nil), 1000)
	status, out := runToSuspend(t, vm)
	if status != StatusCompleted {
		t.Fatalf("status = %v, want StatusCompleted", status)
	}
	if !out.Equals(Num(42)) {
		t.Errorf("output = %v, want 42", out)
	}
	if len(vm.Outbox.TasksToCreate) != 0 {
		t.Errorf("expected no spawned tasks, got %d", len(vm.Outbox.TasksToCreate))
	}
}

// Scenario 2: result = await Task.run("double", {x:21}); return result * 2.
// One task child; after the task resolves with 42 the workflow completes
// with 84.
func TestEndToEndSingleAwaitPipeline(t *testing.T) {
	program := prog(
		declareStmt("result", &Expr{Kind: ExprLitNull}),
		assignStmt("result", await(call("Task.run", strLit("double"), objLit(map[string]*Expr{"x": numLit(21)})))),
		returnStmt(binary("*", ident("result"), numLit(2))),
	)
	vm := NewVM("def-2", program, Obj(nil), Obj(nil), 1000)

	status, _ := runToSuspend(t, vm)
	if status != StatusSuspended {
		t.Fatalf("status = %v, want StatusSuspended", status)
	}
	if len(vm.Outbox.TasksToCreate) != 1 {
		t.Fatalf("expected 1 spawned task, got %d", len(vm.Outbox.TasksToCreate))
	}
	if vm.Outbox.TasksToCreate[0].Name != "double" {
		t.Errorf("task name = %q, want double", vm.Outbox.TasksToCreate[0].Name)
	}
	if vm.Suspension == nil || vm.Suspension.Kind != AwaitTask {
		t.Fatalf("suspension = %+v, want AwaitTask", vm.Suspension)
	}

	// Round-trip through Snapshot/Restore before resuming, exercising the
	// same path a runner takes across a process restart.
	snap, err := vm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	resumed, err := Restore("def-2", program, snap)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	ResolveSuspension(resumed, Num(42), nil)
	status, out := runToSuspend(t, resumed)
	if status != StatusCompleted {
		t.Fatalf("status = %v, want StatusCompleted", status)
	}
	if !out.Equals(Num(84)) {
		t.Errorf("output = %v, want 84", out)
	}
}

// Scenario 3: a fire-and-forget Task.run followed by an awaited one.
// Both tasks are created, in call order; the workflow's output is the
// awaited task's result regardless of the fire-and-forget task's fate.
func TestEndToEndFireAndForgetPlusAwait(t *testing.T) {
	program := prog(
		exprStmt(call("Task.run", strLit("audit"), objLit(nil))),
		declareStmt("r", &Expr{Kind: ExprLitNull}),
		assignStmt("r", await(call("Task.run", strLit("main"), objLit(nil)))),
		returnStmt(ident("r")),
	)
	vm := NewVM("def-3", program, Obj(nil), Obj(nil), 1000)

	status, _ := runToSuspend(t, vm)
	if status != StatusSuspended {
		t.Fatalf("status = %v, want StatusSuspended", status)
	}
	if len(vm.Outbox.TasksToCreate) != 2 {
		t.Fatalf("expected 2 spawned tasks, got %d", len(vm.Outbox.TasksToCreate))
	}
	if vm.Outbox.TasksToCreate[0].Name != "audit" || vm.Outbox.TasksToCreate[1].Name != "main" {
		t.Errorf("task order = %v, want [audit, main]", vm.Outbox.TasksToCreate)
	}
	if vm.Suspension.ID != vm.Outbox.TasksToCreate[1].ID {
		t.Errorf("suspension awaits %q, want the main task's id", vm.Suspension.ID)
	}

	ResolveSuspension(vm, Str("main-result"), nil)
	status, out := runToSuspend(t, vm)
	if status != StatusCompleted {
		t.Fatalf("status = %v, want StatusCompleted", status)
	}
	if !out.Equals(Str("main-result")) {
		t.Errorf("output = %v, want main-result", out)
	}
}

// Scenario 4: await Timer.delay(5000); await Task.run("t", {}). One
// scheduled-queue-worthy timer entry at now+5000ms, then proceeds to the
// task once the timer resolves.
func TestEndToEndTimerThenTask(t *testing.T) {
	const now = int64(10_000)
	program := prog(
		exprStmt(await(call("Timer.delay", numLit(5000)))),
		exprStmt(await(call("Task.run", strLit("t"), objLit(nil)))),
	)
	vm := NewVM("def-4", program, Obj(nil), Obj(nil), now)

	status, _ := runToSuspend(t, vm)
	if status != StatusSuspended {
		t.Fatalf("status = %v, want StatusSuspended", status)
	}
	if len(vm.Outbox.TimersToSchedule) != 1 {
		t.Fatalf("expected 1 scheduled timer, got %d", len(vm.Outbox.TimersToSchedule))
	}
	if got, want := vm.Outbox.TimersToSchedule[0].FireAt, now+5000; got != want {
		t.Errorf("fire_at = %d, want %d", got, want)
	}
	if vm.Suspension.Kind != AwaitTimer || vm.Suspension.FireAt != now+5000 {
		t.Fatalf("suspension = %+v, want AwaitTimer at %d", vm.Suspension, now+5000)
	}

	ResolveSuspension(vm, Null(), nil)
	status, _ = runToSuspend(t, vm)
	if status != StatusSuspended {
		t.Fatalf("status = %v, want StatusSuspended (awaiting the task)", status)
	}
	if vm.Suspension.Kind != AwaitTask {
		t.Fatalf("suspension.Kind = %v, want AwaitTask", vm.Suspension.Kind)
	}
	if len(vm.Outbox.TasksToCreate) != 1 || vm.Outbox.TasksToCreate[0].Name != "t" {
		t.Fatalf("outbox tasks = %v, want exactly task %q", vm.Outbox.TasksToCreate, "t")
	}
}

// Scenario 5: try { await Task.run("fail", {}) } catch(e) { return
// e.message }. A failed task surfaces as a thrown Error at the await
// site; the workflow completes (not fails) with the caught message.
func TestEndToEndTryCatchAcrossAwait(t *testing.T) {
	program := prog(
		tryStmt(
			[]*Stmt{exprStmt(await(call("Task.run", strLit("fail"), objLit(nil))))},
			"e",
			[]*Stmt{returnStmt(member(ident("e"), "message"))},
		),
	)
	vm := NewVM("def-5", program, Obj(nil), Obj(nil), 1000)

	status, _ := runToSuspend(t, vm)
	if status != StatusSuspended {
		t.Fatalf("status = %v, want StatusSuspended", status)
	}

	failure := NewScriptError(CodeInternalError, "boom")
	ResolveSuspension(vm, Value{}, failure)
	status, out := runToSuspend(t, vm)
	if status != StatusCompleted {
		t.Fatalf("status = %v, want StatusCompleted (caught, not failed)", status)
	}
	if !out.Equals(Str("boom")) {
		t.Errorf("output = %v, want %q", out, "boom")
	}
}

// Scenario 6: a parent awaits a sub-workflow and adds 10 to its result.
func TestEndToEndSubWorkflowComposition(t *testing.T) {
	parentProgram := prog(
		declareStmt("r", &Expr{Kind: ExprLitNull}),
		assignStmt("r", await(call("Workflow.run", strLit("child"), objLit(map[string]*Expr{"v": numLit(10)})))),
		returnStmt(binary("+", ident("r"), numLit(10))),
	)
	parent := NewVM("def-parent", parentProgram, Obj(nil), Obj(nil), 1000)

	status, _ := runToSuspend(t, parent)
	if status != StatusSuspended {
		t.Fatalf("status = %v, want StatusSuspended", status)
	}
	if len(parent.Outbox.SubworkflowsToSpawn) != 1 {
		t.Fatalf("expected 1 spawned sub-workflow, got %d", len(parent.Outbox.SubworkflowsToSpawn))
	}
	spawned := parent.Outbox.SubworkflowsToSpawn[0]
	if spawned.Name != "child" || !spawned.Inputs.Equals(Obj(map[string]Value{"v": Num(10)})) {
		t.Errorf("spawned sub-workflow = %+v", spawned)
	}
	if parent.Suspension.Kind != AwaitSubWorkflow || parent.Suspension.ID != spawned.ID {
		t.Fatalf("suspension = %+v, want AwaitSubWorkflow for %q", parent.Suspension, spawned.ID)
	}

	// Child runs independently: `return Inputs.v * 10`.
	childProgram := prog(returnStmt(binary("*", member(ident("Inputs"), "v"), numLit(10))))
	child := NewVM("def-child", childProgram, spawned.Inputs, Obj(nil), 1000)
	childStatus, childOut := runToSuspend(t, child)
	if childStatus != StatusCompleted {
		t.Fatalf("child status = %v, want StatusCompleted", childStatus)
	}
	if !childOut.Equals(Num(100)) {
		t.Fatalf("child output = %v, want 100", childOut)
	}

	ResolveSuspension(parent, childOut, nil)
	status, out := runToSuspend(t, parent)
	if status != StatusCompleted {
		t.Fatalf("status = %v, want StatusCompleted", status)
	}
	if !out.Equals(Num(110)) {
		t.Errorf("output = %v, want 110", out)
	}
}

// Await on a value that never resolved to a promise is idempotent: the
// value passes through unchanged and no suspension is installed.
func TestAwaitNonPromiseIsNotSuspending(t *testing.T) {
	program := prog(
		declareStmt("r", &Expr{Kind: ExprLitNull}),
		assignStmt("r", await(numLit(7))),
		returnStmt(ident("r")),
	)
	vm := NewVM("def-await-nonpromise", program, Obj(nil), Obj(nil), 1000)
	status, out := runToSuspend(t, vm)
	if status != StatusCompleted {
		t.Fatalf("status = %v, want StatusCompleted", status)
	}
	if !out.Equals(Num(7)) {
		t.Errorf("output = %v, want 7", out)
	}
}

// Promise.any resumes with {key, value} of the first child to succeed,
// keyed by its call-order index.
func TestPromiseAnyCompositeResolution(t *testing.T) {
	children := []SuspensionResolution{
		{Ready: false},
		{Ready: true, Value: Str("second")},
	}
	res, err := CombineComposite(AwaitAny, children)
	if err != nil {
		t.Fatalf("CombineComposite: %v", err)
	}
	if !res.Ready {
		t.Fatal("expected Any to resolve once one child is ready")
	}
	want := Obj(map[string]Value{"key": Num(1), "value": Str("second")})
	if !res.Value.Equals(want) {
		t.Errorf("value = %v, want %v", res.Value, want)
	}
}

// Promise.all throws as soon as any child fails, even if others are still
// pending.
func TestPromiseAllFailsOnFirstFailure(t *testing.T) {
	boom := ErrVal(CodeInternalError, "boom")
	children := []SuspensionResolution{
		{Ready: true, Failure: &boom},
		{Ready: false},
	}
	res, err := CombineComposite(AwaitAll, children)
	if err != nil {
		t.Fatalf("CombineComposite: %v", err)
	}
	if !res.Ready || res.Failure == nil {
		t.Fatalf("result = %+v, want a ready failure", res)
	}
	if !res.Failure.Equals(boom) {
		t.Errorf("failure = %v, want %v", *res.Failure, boom)
	}
}
