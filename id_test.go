package rhythm

import "testing"

func TestNewExecutionIDPrefixAndUniqueness(t *testing.T) {
	id1 := NewExecutionID("task")
	id2 := NewExecutionID("task")
	if id1 == id2 {
		t.Error("two ids should be unique")
	}
	if id1[:5] != "task_" {
		t.Errorf("expected task_ prefix, got %s", id1)
	}
}

func TestNewExecutionIDDistinctPrefixes(t *testing.T) {
	taskID := NewExecutionID("task")
	workflowID := NewExecutionID("wor")
	if taskID[:5] != "task_" || workflowID[:4] != "wor_" {
		t.Errorf("unexpected prefixes: %s %s", taskID, workflowID)
	}
}
