// Package runner drives the durable execution loop: claim a work-queue
// row, load the execution and (for workflows) its VM snapshot, resolve
// any pending suspension, step the VM to its next yield point, and commit
// the outcome in one transaction.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	rhythm "github.com/rhythmhq/rhythm"
	"github.com/rhythmhq/rhythm/internal/backoff"
)

// Runner polls a fixed set of queues and drives whatever it claims.
type Runner struct {
	store      rhythm.Store
	queues     []string
	workerID   string
	stepBudget int
	pollBase   time.Duration
	logger     *slog.Logger
	tracer     rhythm.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger for claim/run/commit lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithTracer sets the tracer used for the runner.claim and runner.run
// spans; the commit happens inside the run span.
func WithTracer(t rhythm.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithPollBase sets the base backoff delay used when a claim finds nothing.
func WithPollBase(d time.Duration) Option {
	return func(r *Runner) { r.pollBase = d }
}

var nopLogger = slog.New(slog.NewTextHandler(discardWriter{}, nil))

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// New builds a Runner that claims work from queues using stepBudget steps
// per run_until call.
func New(store rhythm.Store, queues []string, stepBudget int, opts ...Option) *Runner {
	r := &Runner{
		store:      store,
		queues:     queues,
		workerID:   uuid.Must(uuid.NewV7()).String(),
		stepBudget: stepBudget,
		pollBase:   100 * time.Millisecond,
		logger:     nopLogger,
		tracer:     rhythm.NoopTracer{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run drives the claim/load/resolve/run/commit loop until ctx is
// cancelled. Each iteration that finds nothing to claim backs off before
// polling again.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("runner started", "worker_id", r.workerID, "queues", r.queues)
	defer r.logger.Info("runner stopped", "worker_id", r.workerID)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := r.runOnce(ctx)
		if err != nil {
			r.logger.Error("runner iteration failed", "worker_id", r.workerID, "error", err)
		}
		if worked {
			attempt = 0
			continue
		}

		delay := backoff.Delay(r.pollBase, min(attempt, 6))
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// runOnce performs one claim/load/resolve/run/commit cycle. worked is
// false when there was nothing to claim.
func (r *Runner) runOnce(ctx context.Context) (worked bool, err error) {
	ctx, span := r.tracer.Start(ctx, "runner.claim")
	item, err := r.store.ClaimWork(ctx, r.queues, rhythm.ExecutionWorkflow, r.workerID)
	span.End()
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if item == nil {
		return false, nil
	}

	ctx, span = r.tracer.Start(ctx, "runner.run", rhythm.StringAttr("execution_id", item.ExecutionID))
	defer span.End()

	if err := r.store.MarkRunning(ctx, item.ExecutionID, item.ClaimToken); err != nil {
		return true, fmt.Errorf("mark running %s: %w", item.ExecutionID, err)
	}

	exec, err := r.store.LoadExecution(ctx, item.ExecutionID)
	if err != nil {
		return true, fmt.Errorf("load execution %s: %w", item.ExecutionID, err)
	}

	if err := r.runWorkflow(ctx, exec, item.ClaimToken); err != nil {
		return true, fmt.Errorf("run workflow %s: %w", item.ExecutionID, err)
	}
	return true, nil
}

func (r *Runner) runWorkflow(ctx context.Context, exec *rhythm.Execution, claimToken string) error {
	now := rhythm.NowMillis()

	wctx, err := r.store.LoadContext(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}

	def, err := r.store.LoadDefinition(ctx, wctx.DefinitionID)
	if err != nil {
		return fmt.Errorf("load definition: %w", err)
	}
	program, err := rhythm.ParseAST(def.Source)
	if err != nil {
		return fmt.Errorf("parse ast: %w", err)
	}

	var vm *rhythm.VM
	if len(wctx.Snapshot.Frames) == 0 && wctx.SuspensionToken == nil {
		// Never stepped: CreateExecution stores a zero-value Snapshot for a
		// brand-new workflow, which has no root frame to Restore. Build one.
		ctxVal := rhythm.Obj(map[string]rhythm.Value{
			"execution_id": rhythm.Str(exec.ID),
			"attempt":      rhythm.Num(float64(exec.Attempt)),
		})
		vm = rhythm.NewVM(wctx.DefinitionID, program, exec.Inputs, ctxVal, now)
	} else {
		vm, err = rhythm.Restore(wctx.DefinitionID, program, wctx.Snapshot)
		if err != nil {
			return fmt.Errorf("restore vm: %w", err)
		}
	}
	vm.Now = now

	if wctx.SuspensionToken != nil {
		resolution, err := r.store.ResolveSuspension(ctx, withSignalOwner(*wctx.SuspensionToken, exec.ID), now)
		if err != nil {
			return fmt.Errorf("resolve suspension: %w", err)
		}
		if !resolution.Ready {
			// Still waiting (e.g. one child of a Promise.all/any that hasn't
			// settled yet): commit a no-op back to suspended so this claim's
			// work_queue row is released. Without this the execution is
			// stuck `running` with no unclaimed row, and every other
			// child's wake-up silently finds nothing to do.
			return r.store.CommitRun(ctx, rhythm.CommitInput{
				ExecutionID:     exec.ID,
				ClaimToken:      claimToken,
				Status:          rhythm.StatusSuspended,
				Snapshot:        &wctx.Snapshot,
				SuspensionToken: wctx.SuspensionToken,
			})
		}
		var failure *rhythm.ScriptError
		if resolution.Failure != nil {
			failure = rhythm.NewScriptError(resolution.Failure.ErrCode, resolution.Failure.ErrMsg)
		}
		rhythm.ResolveSuspension(vm, resolution.Value, failure)
	}

	status, output := rhythm.RunUntil(vm, r.stepBudget)

	in := rhythm.CommitInput{ExecutionID: exec.ID, ClaimToken: claimToken, Outbox: vm.Outbox, Status: status}
	vm.Outbox.Reset() // this step's side effects are now the store's responsibility, not the snapshot's

	switch status {
	case rhythm.StatusCompleted:
		in.Output = output
	case rhythm.StatusFailed:
		in.FailureValue = output
	case rhythm.StatusSuspended, rhythm.StatusRunning:
		snap, err := vm.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		in.Snapshot = &snap
		in.SuspensionToken = vm.Suspension
	}

	if err := r.store.CommitRun(ctx, in); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// withSignalOwner returns a copy of token whose Signal nodes carry the
// waiting workflow's id, which the store matches signals rows against.
func withSignalOwner(token rhythm.Awaitable, workflowID string) rhythm.Awaitable {
	if token.Kind == rhythm.AwaitSignal {
		token.ID = workflowID
	}
	if len(token.Children) > 0 {
		children := make([]rhythm.Awaitable, len(token.Children))
		for i, c := range token.Children {
			children[i] = withSignalOwner(c, workflowID)
		}
		token.Children = children
	}
	return token
}
