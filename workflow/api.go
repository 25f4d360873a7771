package workflow

import "context"

// TaskAPI is the orchestrator capability that task and container
// operations act through.
type TaskAPI interface {
	AssignTask(ctx context.Context, task *Task, documentID string) (*Task, error)
	AssignTaskToMany(ctx context.Context, task *Task, documentIDs []string) ([]*Task, []Failure, error)
	Run(ctx context.Context, taskID string) (*Task, error)
	Retry(ctx context.Context, taskID string, force bool) (*Task, error)
	UpdateTaskState(ctx context.Context, taskID string, state State, msg string) (*Task, error)
	TaskFromID(ctx context.Context, taskID string) (*Task, error)
	DeleteTask(ctx context.Context, taskID string) error
}

// DocumentAPI is the orchestrator capability used by documents.
type DocumentAPI interface {
	RegisterDocument(ctx context.Context, doc *Document) (string, error)
	DeleteDocument(ctx context.Context, documentID string) error
	AssignedTasks(ctx context.Context, documentID, key string) ([]*Task, error)
}

// ResultAPI is the orchestrator capability used by results.
type ResultAPI interface {
	RegisterResult(ctx context.Context, result *Result, taskID string) (string, error)
	DeleteResult(ctx context.Context, resultID string) error
}

// Failure reports one item of a bulk operation that did not succeed.
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}
