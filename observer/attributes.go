package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for runner and VM observability spans and metrics.
var (
	AttrExecutionID   = attribute.Key("execution.id")
	AttrExecutionType = attribute.Key("execution.type")
	AttrWorkflowName  = attribute.Key("workflow.name")
	AttrTaskName      = attribute.Key("task.name")
	AttrQueue         = attribute.Key("queue.name")
	AttrWorkerID      = attribute.Key("worker.id")

	AttrRunStatus   = attribute.Key("run.status")
	AttrStepCount   = attribute.Key("run.step_count")
	AttrAwaitKind   = attribute.Key("suspension.kind")
	AttrRetryAttempt = attribute.Key("run.attempt")
)
