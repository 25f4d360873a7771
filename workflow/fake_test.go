package workflow

import (
	"context"
	"sync"
)

// fakeAPI records lifecycle calls and keeps tasks in memory. Run and Retry
// move the task to QUEUED using the same gating as the orchestrator.
type fakeAPI struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	runs    []string
	retries []string

	// queueErr makes AssignTask create the task in ERROR and return it
	// along with the error, like a failed publish.
	queueErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{tasks: make(map[string]*Task)}
}

func (f *fakeAPI) put(t *Task) *Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t.Clone()
	return t
}

func (f *fakeAPI) AssignTask(_ context.Context, task *Task, documentID string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := TaskID(documentID, task.Key)
	if _, ok := f.tasks[id]; ok {
		return nil, ErrTaskAssigned
	}
	t := task.Clone()
	t.ID = id
	t.State = StateQueued
	t.Msg = "Queued"
	if f.queueErr != nil {
		t.State = StateError
		t.Msg = f.queueErr.Error()
	}
	f.tasks[id] = t
	f.runs = append(f.runs, id)
	return t.Clone(), f.queueErr
}

func (f *fakeAPI) AssignTaskToMany(ctx context.Context, task *Task, documentIDs []string) ([]*Task, []Failure, error) {
	var ok []*Task
	var failed []Failure
	for _, id := range documentIDs {
		t, err := f.AssignTask(ctx, task, id)
		if err != nil {
			failed = append(failed, Failure{ID: id, Reason: err.Error(), Err: err})
			continue
		}
		ok = append(ok, t)
	}
	return ok, failed, nil
}

func (f *fakeAPI) Run(_ context.Context, taskID string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	f.runs = append(f.runs, taskID)
	if t.State.Runnable() {
		t.State = StateQueued
	}
	return t.Clone(), nil
}

func (f *fakeAPI) Retry(_ context.Context, taskID string, force bool) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	f.retries = append(f.retries, taskID)
	if t.State.Retriable() || force {
		t.State = StateQueued
	}
	return t.Clone(), nil
}

func (f *fakeAPI) UpdateTaskState(_ context.Context, taskID string, state State, msg string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	t.State = state
	t.Msg = msg
	return t.Clone(), nil
}

func (f *fakeAPI) TaskFromID(_ context.Context, taskID string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[taskID].Clone(), nil
}

func (f *fakeAPI) DeleteTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeAPI) setState(taskID string, s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[taskID].State = s
}

func (f *fakeAPI) runCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

func (f *fakeAPI) retryCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.retries...)
}
