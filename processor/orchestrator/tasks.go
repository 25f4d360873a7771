package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/storage"
	"github.com/c360studio/docflow/workflow"
)

// AssignTask creates the task on the document under the identity derived
// from the document id and task key, then runs it. The store's
// create-or-conflict write is the only duplicate check; a taken identity
// yields workflow.ErrTaskAssigned.
func (h *Handler) AssignTask(ctx context.Context, task *workflow.Task, documentID string) (*workflow.Task, error) {
	if task.ID != "" {
		return nil, workflow.ErrAlreadyAssigned
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	t := newAssignment(task, documentID)
	if err := h.store.CreateTask(ctx, documentID, t); err != nil {
		return nil, h.assignError(err, t.Key, documentID)
	}
	h.owners.Add(t.ID, documentID)
	h.logger.Debug("Assigned task", "task_id", t.ID, "key", t.Key, "document_id", documentID)

	// The task exists from here on; return it even when queueing fails.
	run, err := h.Run(ctx, t.ID)
	if run == nil {
		run = t
	}
	return run, err
}

func newAssignment(task *workflow.Task, documentID string) *workflow.Task {
	t := task.Clone()
	t.ID = workflow.TaskID(documentID, t.Key)
	t.State = workflow.StateCreated
	t.Msg = "Created"
	return t
}

func (h *Handler) assignError(err error, key, documentID string) error {
	if errors.Is(err, storage.ErrConflict) {
		h.metrics.assignConflict()
		return fmt.Errorf("%w: %s on %s", workflow.ErrTaskAssigned, key, documentID)
	}
	return err
}

// AssignTaskToMany assigns a copy of task to every document. Assigned
// tasks are returned in state CREATED and run in the background; Wait
// blocks until those runs finish.
func (h *Handler) AssignTaskToMany(ctx context.Context, task *workflow.Task, documentIDs []string) ([]*workflow.Task, []workflow.Failure, error) {
	if task.ID != "" {
		return nil, nil, workflow.ErrAlreadyAssigned
	}
	if err := task.Validate(); err != nil {
		return nil, nil, err
	}

	items := make([]storage.TaskItem, len(documentIDs))
	for i, docID := range documentIDs {
		items[i] = storage.TaskItem{DocumentID: docID, Task: newAssignment(task, docID)}
	}

	var (
		assigned []*workflow.Task
		failures []workflow.Failure
	)
	for i, err := range storage.CreateTasks(ctx, h.store, items, h.bulkLimit) {
		item := items[i]
		switch {
		case err == nil:
			h.owners.Add(item.Task.ID, item.DocumentID)
			assigned = append(assigned, item.Task)
		case storage.IsConnectionError(err):
			return assigned, failures, err
		case errors.Is(err, storage.ErrConflict):
			h.metrics.assignConflict()
			failures = append(failures, workflow.Failure{ID: item.DocumentID, Reason: "task already assigned", Err: workflow.ErrTaskAssigned})
		case errors.Is(err, storage.ErrNotFound):
			failures = append(failures, workflow.Failure{ID: item.DocumentID, Reason: "document not found", Err: err})
		default:
			failures = append(failures, workflow.Failure{ID: item.DocumentID, Reason: err.Error(), Err: err})
		}
	}

	if len(assigned) > 0 {
		ids := make([]string, len(assigned))
		for i, t := range assigned {
			ids[i] = t.ID
		}
		runCtx := context.WithoutCancel(ctx)
		h.pending.Add(1)
		go func() {
			defer h.pending.Done()
			for _, id := range ids {
				if _, err := h.Run(runCtx, id); err != nil {
					h.logger.Warn("Background run failed", "task_id", id, "error", err)
				}
			}
		}()
	}

	h.logger.Info("Bulk assignment finished",
		"key", task.Key,
		"assigned", len(assigned),
		"failed", len(failures))
	return assigned, failures, nil
}

// Run queues the task when it has not run yet or is in an automatically
// recoverable state. Any other state is left alone and the task returned
// unchanged.
func (h *Handler) Run(ctx context.Context, taskID string) (*workflow.Task, error) {
	t, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.State.Runnable() {
		h.logger.Debug("Run skipped", "task_id", taskID, "state", t.State)
		return t, nil
	}
	return h.queueTask(ctx, t)
}

// Retry queues the task unless it is queued or done. Force queues it
// regardless of state.
func (h *Handler) Retry(ctx context.Context, taskID string, force bool) (*workflow.Task, error) {
	t, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !force && !t.State.Retriable() {
		h.logger.Debug("Retry skipped", "task_id", taskID, "state", t.State)
		return t, nil
	}
	return h.queueTask(ctx, t)
}

// queueTask marks the task QUEUED and publishes it. A failed publish is
// recorded on the task and returned.
func (h *Handler) queueTask(ctx context.Context, t *workflow.Task) (*workflow.Task, error) {
	doc, err := h.DocumentFromTaskID(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("load document of task %s: %w", t.ID, err)
	}

	queued, err := h.store.UpdateTaskState(ctx, t.ID, workflow.StateQueued, "Queued")
	if err != nil {
		return nil, err
	}

	if err := h.queue.Publish(ctx, queued, doc); err != nil {
		state := workflow.StateError
		if errors.Is(err, queue.ErrNoRoute) {
			state = workflow.StateNoRouteToQueue
		}
		h.logger.Error("Failed to queue task", "task_id", t.ID, "key", t.Key, "error", err)
		failed, uerr := h.store.UpdateTaskState(ctx, t.ID, state, err.Error())
		if uerr != nil {
			h.logger.Error("Failed to record queue failure", "task_id", t.ID, "error", uerr)
			return queued, err
		}
		return failed, err
	}

	h.metrics.taskQueued(queued.Key)
	h.logger.Info("Queued task", "task_id", t.ID, "key", t.Key, "document_id", doc.ID)
	return queued, nil
}

// UpdateTaskState sets state and message without touching other fields.
func (h *Handler) UpdateTaskState(ctx context.Context, taskID string, state workflow.State, msg string) (*workflow.Task, error) {
	return h.store.UpdateTaskState(ctx, taskID, state, msg)
}

// TaskFromID returns a stored task.
func (h *Handler) TaskFromID(ctx context.Context, taskID string) (*workflow.Task, error) {
	return h.store.GetTask(ctx, taskID)
}

// TaskState returns the stored state of a task.
func (h *Handler) TaskState(ctx context.Context, taskID string) (workflow.State, error) {
	t, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return t.State, nil
}

// TaskKey returns the key of a task.
func (h *Handler) TaskKey(ctx context.Context, taskID string) (string, error) {
	t, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return t.Key, nil
}

// IsDone reports whether a task reached SUCCESS.
func (h *Handler) IsDone(ctx context.Context, taskID string) (bool, error) {
	s, err := h.TaskState(ctx, taskID)
	if err != nil {
		return false, err
	}
	return s == workflow.StateSuccess, nil
}

// DeleteTask removes a task and its results.
func (h *Handler) DeleteTask(ctx context.Context, taskID string) error {
	if err := h.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	h.owners.Remove(taskID)
	return nil
}

// Unfinished lists tasks that are neither done nor waiting on a
// dependency. With onlyRunnable, tasks that need an operator or are
// already queued are left out too.
func (h *Handler) Unfinished(ctx context.Context, onlyRunnable bool) ([]*workflow.Task, error) {
	all, err := h.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	var out []*workflow.Task
	for _, t := range all {
		if t.State == workflow.StateSuccess || t.State == workflow.StateUnfinishedDependency {
			continue
		}
		if onlyRunnable && (t.State.IsManual() || t.State == workflow.StateQueued) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
