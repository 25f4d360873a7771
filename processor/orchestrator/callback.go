package orchestrator

import (
	"context"
	"errors"

	"github.com/c360studio/docflow/storage"
	"github.com/c360studio/docflow/workflow"
)

// Callback applies a worker reply to a task and re-evaluates its siblings.
//
// The reported state is always persisted. An UNFINISHED_DEPENDENCY reply
// assigns the requested dependencies to the same document. Any other
// non-success state stops there. Otherwise every sibling in a state worth
// another attempt is run. Failures are logged and never returned: replies
// arrive late or twice, and one bad sibling must not block the rest.
func (h *Handler) Callback(ctx context.Context, taskID string, resp workflow.Response) {
	reported, err := h.store.UpdateTaskState(ctx, taskID, resp.State, resp.Message)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("Callback on non-existing task", "task_id", taskID, "state", resp.State)
		} else {
			h.logger.Error("Failed to apply callback", "task_id", taskID, "state", resp.State, "error", err)
		}
		return
	}
	h.metrics.callback(resp.State)
	h.logger.Info("Task reported back",
		"task_id", taskID,
		"key", reported.Key,
		"state", resp.State,
		"message", resp.Message)

	docID, err := h.ownerOf(ctx, taskID)
	if err != nil {
		h.logger.Error("Failed to find document of task", "task_id", taskID, "error", err)
		return
	}

	switch {
	case resp.State == workflow.StateUnfinishedDependency:
		h.assignDependencies(ctx, docID, reported, resp.Dependencies)
	case resp.State != workflow.StateSuccess:
		h.logger.Warn("Task failed",
			"task_id", taskID,
			"key", reported.Key,
			"state", resp.State,
			"message", resp.Message)
		return
	}

	h.cascade(ctx, docID, taskID, resp.State)
}

func (h *Handler) assignDependencies(ctx context.Context, docID string, dependent *workflow.Task, deps []workflow.Dependency) {
	for _, dep := range deps {
		t, err := dep.NewTask()
		if err != nil {
			h.logger.Error("Invalid dependency", "task_id", dependent.ID, "dependency", dep.Key, "error", err)
			continue
		}
		assigned, err := h.AssignTask(ctx, t, docID)
		switch {
		case errors.Is(err, workflow.ErrTaskAssigned):
			h.logger.Info("Dependency already assigned", "document_id", docID, "dependency", t.Key)
		case err != nil && assigned != nil:
			h.logger.Warn("Failed to queue dependency",
				"task_id", dependent.ID,
				"dependency", assigned.Key,
				"dependency_id", assigned.ID,
				"state", assigned.State,
				"error", err)
		case err != nil:
			h.logger.Error("Failed to assign dependency",
				"task_id", dependent.ID,
				"dependency", t.Key,
				"error", err)
		default:
			h.logger.Info("Assigned dependency",
				"task_id", dependent.ID,
				"dependency", assigned.Key,
				"dependency_id", assigned.ID)
		}
	}
}

// cascade runs every sibling of taskID that workflow.Cascade selects.
func (h *Handler) cascade(ctx context.Context, docID, taskID string, reported workflow.State) {
	siblings, err := h.store.TasksOfDocument(ctx, docID, "")
	if err != nil {
		h.logger.Error("Failed to list sibling tasks", "document_id", docID, "error", err)
		return
	}
	for _, s := range siblings {
		if s.ID == taskID || !workflow.Cascade(s.State, reported) {
			continue
		}
		h.metrics.cascadeRun()
		if _, err := h.Run(ctx, s.ID); err != nil {
			h.logger.Error("Cascade run failed",
				"task_id", s.ID,
				"key", s.Key,
				"triggered_by", taskID,
				"error", err)
		}
	}
}
