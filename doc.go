// Package rhythm is a durable workflow execution engine.
//
// Workflows are written in a small imperative scripting language and run on
// a Resumable Virtual Machine (VM) whose entire live state — frame stack,
// variable environment, pending control transfer, in-flight suspension
// token — is a plain serializable value. A Durable Runner (package runner)
// loads a suspended VM from storage, resolves any pending suspension,
// drives it to its next suspension or terminal state, and atomically
// commits the new snapshot plus any child executions it requested.
//
// # Quick start
//
//	prog, _ := rhythm.ParseAST(astJSON)
//	vm := rhythm.NewVM("def_123", prog, inputs, ctxValue, time.Now().UnixMilli())
//	status, out := rhythm.RunUntil(vm, 10_000)
//
// # Core types
//
//   - [Value] — the tagged-sum runtime value, including first-class
//     [Promise] handles (task, sub-workflow, timer, signal, composite).
//   - [VM] — the resumable interpreter: frames, environment, control,
//     suspension token, outbox.
//   - [Store] — the persistence contract implemented by store/postgres and
//     store/sqlite.
//
// The source parser, CLI, LSP, and external task workers are not part of
// this package; see package worker for the one contract an external task
// executor needs.
package rhythm
