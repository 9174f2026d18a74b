// Package worker is the thin contract an external task worker is written
// against: claim one task execution, run it, report the outcome. It has no
// dependency on VM/runner internals — a task has no snapshot and no
// outbox, so Complete/Fail commit directly through the same Store surface
// the runner uses for workflows.
package worker

import (
	"context"
	"fmt"

	rhythm "github.com/rhythmhq/rhythm"
)

// Claim atomically claims one unclaimed task execution across queues for
// workerID. Returns nil, nil when none are available.
func Claim(ctx context.Context, store rhythm.Store, queues []string, workerID string) (*rhythm.Execution, *rhythm.WorkQueueItem, error) {
	item, err := store.ClaimWork(ctx, queues, rhythm.ExecutionTask, workerID)
	if err != nil {
		return nil, nil, fmt.Errorf("claim: %w", err)
	}
	if item == nil {
		return nil, nil, nil
	}
	if err := store.MarkRunning(ctx, item.ExecutionID, item.ClaimToken); err != nil {
		return nil, nil, fmt.Errorf("mark running %s: %w", item.ExecutionID, err)
	}
	exec, err := store.LoadExecution(ctx, item.ExecutionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load execution %s: %w", item.ExecutionID, err)
	}
	return exec, item, nil
}

// Complete reports a task's successful output.
func Complete(ctx context.Context, store rhythm.Store, executionID string, output rhythm.Value) error {
	return store.CommitRun(ctx, rhythm.CommitInput{
		ExecutionID: executionID,
		Status:      rhythm.StatusCompleted,
		Output:      output,
	})
}

// Fail reports a task's terminal failure: the store writes a dead-letter
// row and wakes the parent, same as a runner-driven workflow failure.
func Fail(ctx context.Context, store rhythm.Store, executionID string, failure rhythm.Value) error {
	return store.CommitRun(ctx, rhythm.CommitInput{
		ExecutionID:  executionID,
		Status:       rhythm.StatusFailed,
		FailureValue: failure,
	})
}
