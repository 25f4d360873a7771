// Package workflow holds the document, task and result model shared by the
// orchestrator and the workers, along with the lifecycle operations a
// caller drives through the orchestrator.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Priority bounds.
const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 1
)

// Task is a unit of work identified by a key and assigned to one document.
type Task struct {
	ID        string         `json:"id,omitempty"`
	Key       string         `json:"key"`
	Priority  int            `json:"priority"`
	State     State          `json:"state,omitempty"`
	Msg       string         `json:"msg,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
}

// NewTask returns an unassigned task. The key is upper-cased and the
// priority clamped to [MinPriority, MaxPriority].
func NewTask(key string, priority int, args map[string]any) (*Task, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if key == "" {
		return nil, &ValidationError{Field: "key", Message: "task key cannot be empty"}
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return &Task{Key: key, Priority: ClampPriority(priority), Args: args}, nil
}

// ValidateKey rejects keys that cannot form a single literal token of a
// routing key.
func ValidateKey(key string) error {
	if strings.ContainsAny(key, ".*>#") || strings.IndexFunc(key, unicode.IsSpace) >= 0 {
		return &ValidationError{Field: "key", Message: fmt.Sprintf("key %q must not contain '.', wildcards or whitespace", key)}
	}
	return nil
}

// ClampPriority limits p to the valid priority range.
func ClampPriority(p int) int {
	return max(MinPriority, min(p, MaxPriority))
}

// taskJSON accepts the flat form, the {"task": {...}} wrapper and the
// legacy "_id" field.
type taskJSON struct {
	ID        string         `json:"id"`
	LegacyID  string         `json:"_id"`
	Key       string         `json:"key"`
	Priority  *int           `json:"priority"`
	State     State          `json:"state"`
	Msg       string         `json:"msg"`
	Args      map[string]any `json:"args"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Task      *taskJSON      `json:"task"`
}

func (j *taskJSON) merge(outer *taskJSON) {
	if outer.ID != "" {
		j.ID = outer.ID
	}
	if outer.LegacyID != "" {
		j.LegacyID = outer.LegacyID
	}
	if outer.Key != "" {
		j.Key = outer.Key
	}
	if outer.Priority != nil {
		j.Priority = outer.Priority
	}
	if outer.State != 0 {
		j.State = outer.State
	}
	if outer.Msg != "" {
		j.Msg = outer.Msg
	}
	if outer.Args != nil {
		j.Args = outer.Args
	}
	if !outer.CreatedAt.IsZero() {
		j.CreatedAt = outer.CreatedAt
	}
	if !outer.UpdatedAt.IsZero() {
		j.UpdatedAt = outer.UpdatedAt
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw taskJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Task != nil {
		inner := *raw.Task
		inner.merge(&raw)
		raw = inner
	}

	priority := DefaultPriority
	if raw.Priority != nil {
		priority = *raw.Priority
	}
	task, err := NewTask(raw.Key, priority, raw.Args)
	if err != nil {
		return err
	}
	task.ID = raw.ID
	if task.ID == "" {
		task.ID = raw.LegacyID
	}
	task.State = raw.State
	task.Msg = raw.Msg
	task.CreatedAt = raw.CreatedAt
	task.UpdatedAt = raw.UpdatedAt
	*t = *task
	return nil
}

// Validate checks the invariants of a task received from outside.
func (t *Task) Validate() error {
	if t.Key == "" || t.Key != strings.ToUpper(t.Key) {
		return &ValidationError{Field: "key", Message: "key must be non-empty and upper case"}
	}
	if err := ValidateKey(t.Key); err != nil {
		return err
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return &ValidationError{Field: "priority", Message: "priority must be between 0 and 10"}
	}
	return nil
}

// Clone returns a deep enough copy for callers that mutate state fields.
func (t *Task) Clone() *Task {
	c := *t
	if t.Args != nil {
		c.Args = make(map[string]any, len(t.Args))
		for k, v := range t.Args {
			c.Args[k] = v
		}
	}
	return &c
}

func (t *Task) adopt(other *Task) {
	if other == nil {
		return
	}
	*t = *other.Clone()
}

// Assign creates the task on the document and runs it.
func (t *Task) Assign(ctx context.Context, api TaskAPI, documentID string) error {
	if t.ID != "" {
		return ErrAlreadyAssigned
	}
	// A task created but not queued comes back with the error; keep its
	// id so the caller can retry it.
	assigned, err := api.AssignTask(ctx, t, documentID)
	t.adopt(assigned)
	return err
}

// AssignMany assigns a copy of this task to every document. The receiver
// itself stays unassigned.
func (t *Task) AssignMany(ctx context.Context, api TaskAPI, documentIDs []string) ([]*Task, []Failure, error) {
	if t.ID != "" {
		return nil, nil, ErrAlreadyAssigned
	}
	return api.AssignTaskToMany(ctx, t, documentIDs)
}

// Run asks the orchestrator to queue the task. The orchestrator decides
// whether the current state allows it.
func (t *Task) Run(ctx context.Context, api TaskAPI) error {
	if t.ID == "" {
		return ErrUnassigned
	}
	updated, err := api.Run(ctx, t.ID)
	t.adopt(updated)
	return err
}

// Retry re-queues the task unless it is queued or done. Force skips the check.
func (t *Task) Retry(ctx context.Context, api TaskAPI, force bool) error {
	if t.ID == "" {
		return ErrUnassigned
	}
	updated, err := api.Retry(ctx, t.ID, force)
	t.adopt(updated)
	return err
}

// Reset moves the task back to CREATED so the cascade can pick it up again.
func (t *Task) Reset(ctx context.Context, api TaskAPI) error {
	if t.ID == "" {
		return ErrUnassigned
	}
	updated, err := api.UpdateTaskState(ctx, t.ID, StateCreated, "Reset")
	if err != nil {
		return err
	}
	t.adopt(updated)
	return nil
}

// Refresh reloads state and message from the orchestrator.
func (t *Task) Refresh(ctx context.Context, api TaskAPI) error {
	if t.ID == "" {
		return ErrUnassigned
	}
	fresh, err := api.TaskFromID(ctx, t.ID)
	if err != nil {
		return err
	}
	t.State = fresh.State
	t.Msg = fresh.Msg
	t.UpdatedAt = fresh.UpdatedAt
	return nil
}

// CurrentState returns the cached state, asking the orchestrator when none is known.
func (t *Task) CurrentState(ctx context.Context, api TaskAPI) (State, error) {
	if t.State != 0 {
		return t.State, nil
	}
	if t.ID == "" {
		return 0, ErrUnassigned
	}
	if err := t.Refresh(ctx, api); err != nil {
		return 0, err
	}
	return t.State, nil
}

// IsDone reports whether the task reached SUCCESS.
func (t *Task) IsDone(ctx context.Context, api TaskAPI) (bool, error) {
	s, err := t.CurrentState(ctx, api)
	if err != nil {
		return false, err
	}
	return s == StateSuccess, nil
}

// Delete removes the task and its results.
func (t *Task) Delete(ctx context.Context, api TaskAPI) error {
	if t.ID == "" {
		return ErrUnassigned
	}
	return api.DeleteTask(ctx, t.ID)
}

// Apply calls fn on the task.
func (t *Task) Apply(fn func(*Task)) {
	fn(t)
}
