// Package redisstore implements storage.Store on Redis.
//
// Layout, with <p> the key prefix:
//
//	<p>:doc:<id>            document JSON
//	<p>:docs                set of document ids
//	<p>:doc:<id>:tasks      set of task ids of the document
//	<p>:task:<id>           task hash
//	<p>:tasks               set of task ids
//	<p>:task:<id>:results   set of result ids of the task
//	<p>:result:<id>         result JSON
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/docflow/storage"
	"github.com/c360studio/docflow/workflow"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "docflow"

// Store implements storage.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets a custom key prefix.
func WithPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// New returns a Store using client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) docKey(id string) string         { return s.prefix + ":doc:" + id }
func (s *Store) docsKey() string                 { return s.prefix + ":docs" }
func (s *Store) docTasksKey(id string) string    { return s.prefix + ":doc:" + id + ":tasks" }
func (s *Store) taskKey(id string) string        { return s.prefix + ":task:" + id }
func (s *Store) tasksKey() string                { return s.prefix + ":tasks" }
func (s *Store) taskResultsKey(id string) string { return s.prefix + ":task:" + id + ":results" }
func (s *Store) resultKey(id string) string      { return s.prefix + ":result:" + id }

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// CreateDocument stores a new document under doc.ID.
func (s *Store) CreateDocument(ctx context.Context, doc *workflow.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("create document: missing id")
	}
	ts := now()
	doc.CreatedAt = ts
	doc.UpdatedAt = ts

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	created, err := createDocumentScript.Run(ctx, s.client,
		[]string{s.docKey(doc.ID), s.docsKey()}, doc.ID, data).Int()
	if err != nil {
		return fmt.Errorf("store document: %w", wrapRedis(err))
	}
	if created == 0 {
		return fmt.Errorf("document %s: %w", doc.ID, storage.ErrConflict)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*workflow.Document, error) {
	data, err := s.client.Get(ctx, s.docKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get document: %w", wrapRedis(err))
	}
	var d workflow.Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return &d, nil
}

// DeleteDocument removes the document, its tasks and their results in one
// transaction.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, s.docKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check document: %w", wrapRedis(err))
	}
	if exists == 0 {
		return fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}

	taskIDs, err := s.client.SMembers(ctx, s.docTasksKey(id)).Result()
	if err != nil {
		return fmt.Errorf("list document tasks: %w", wrapRedis(err))
	}
	resultIDs := make(map[string][]string, len(taskIDs))
	for _, taskID := range taskIDs {
		ids, err := s.client.SMembers(ctx, s.taskResultsKey(taskID)).Result()
		if err != nil {
			return fmt.Errorf("list task results: %w", wrapRedis(err))
		}
		resultIDs[taskID] = ids
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, taskID := range taskIDs {
			s.queueTaskDelete(ctx, p, taskID, resultIDs[taskID])
		}
		p.Del(ctx, s.docKey(id), s.docTasksKey(id))
		p.SRem(ctx, s.docsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete document: %w", wrapRedis(err))
	}
	return nil
}

func (s *Store) queueTaskDelete(ctx context.Context, p redis.Pipeliner, taskID string, resultIDs []string) {
	for _, rid := range resultIDs {
		p.Del(ctx, s.resultKey(rid))
	}
	p.Del(ctx, s.taskKey(taskID), s.taskResultsKey(taskID))
	p.SRem(ctx, s.tasksKey(), taskID)
}

// SearchDocuments scans all documents for matching ids.
func (s *Store) SearchDocuments(ctx context.Context, targetPattern, creatorPattern string) ([]*workflow.Document, error) {
	ids, err := s.client.SMembers(ctx, s.docsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", wrapRedis(err))
	}
	var out []*workflow.Document
	for _, id := range ids {
		d, err := s.GetDocument(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if storage.MatchID(targetPattern, d.Target.ID) && storage.MatchID(creatorPattern, d.Creator.ID) {
			out = append(out, d)
		}
	}
	return out, nil
}

// CreateTask stores a new task under task.ID and links it to its document.
func (s *Store) CreateTask(ctx context.Context, documentID string, task *workflow.Task) error {
	if task.ID == "" {
		return fmt.Errorf("create task: missing id")
	}
	ts := now()
	task.CreatedAt = ts
	task.UpdatedAt = ts

	args, err := json.Marshal(task.Args)
	if err != nil {
		return fmt.Errorf("marshal task args: %w", err)
	}
	created, err := createTaskScript.Run(ctx, s.client,
		[]string{s.docKey(documentID), s.taskKey(task.ID), s.docTasksKey(documentID), s.tasksKey()},
		task.ID, documentID, task.Key, task.Priority, int(task.State), task.Msg, args,
		ts.Format(time.RFC3339), ts.Format(time.RFC3339),
	).Int()
	if err != nil {
		return fmt.Errorf("store task: %w", wrapRedis(err))
	}
	switch created {
	case -1:
		return fmt.Errorf("document %s: %w", documentID, storage.ErrNotFound)
	case 0:
		return fmt.Errorf("task %s: %w", task.ID, storage.ErrConflict)
	}
	return nil
}

// decodeTask rebuilds a task and its document id from a hash.
func decodeTask(id string, h map[string]string) (*workflow.Task, string, error) {
	priority, err := strconv.Atoi(h["priority"])
	if err != nil {
		return nil, "", fmt.Errorf("task %s: bad priority: %w", id, err)
	}
	state, err := strconv.Atoi(h["state"])
	if err != nil {
		return nil, "", fmt.Errorf("task %s: bad state: %w", id, err)
	}
	t := &workflow.Task{
		ID:       id,
		Key:      h["key"],
		Priority: priority,
		State:    workflow.State(state),
		Msg:      h["msg"],
	}
	if raw := h["args"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &t.Args); err != nil {
			return nil, "", fmt.Errorf("task %s: bad args: %w", id, err)
		}
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, h["created_at"])
	t.UpdatedAt, _ = time.Parse(time.RFC3339, h["updated_at"])
	return t, h["document_id"], nil
}

func (s *Store) getTask(ctx context.Context, id string) (*workflow.Task, string, error) {
	h, err := s.client.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("get task: %w", wrapRedis(err))
	}
	if len(h) == 0 {
		return nil, "", fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	return decodeTask(id, h)
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	t, _, err := s.getTask(ctx, id)
	return t, err
}

// TaskDocumentID returns the id of the document owning the task.
func (s *Store) TaskDocumentID(ctx context.Context, taskID string) (string, error) {
	docID, err := s.client.HGet(ctx, s.taskKey(taskID), "document_id").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
		}
		return "", fmt.Errorf("get task document: %w", wrapRedis(err))
	}
	return docID, nil
}

// UpdateTaskState sets state, msg and updated_at on the task hash.
func (s *Store) UpdateTaskState(ctx context.Context, taskID string, state workflow.State, msg string) (*workflow.Task, error) {
	res, err := updateTaskStateScript.Run(ctx, s.client, []string{s.taskKey(taskID)},
		int(state), msg, now().Format(time.RFC3339)).Slice()
	if err != nil {
		return nil, fmt.Errorf("update task: %w", wrapRedis(err))
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
	}
	h := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		h[k] = v
	}
	t, _, err := decodeTask(taskID, h)
	return t, err
}

// DeleteTask removes the task and its results.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	docID, err := s.TaskDocumentID(ctx, id)
	if err != nil {
		return err
	}
	resultIDs, err := s.client.SMembers(ctx, s.taskResultsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("list task results: %w", wrapRedis(err))
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.queueTaskDelete(ctx, p, id, resultIDs)
		p.SRem(ctx, s.docTasksKey(docID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", wrapRedis(err))
	}
	return nil
}

// TasksOfDocument lists the tasks linked to the document.
func (s *Store) TasksOfDocument(ctx context.Context, documentID, key string) ([]*workflow.Task, error) {
	ids, err := s.client.SMembers(ctx, s.docTasksKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list document tasks: %w", wrapRedis(err))
	}
	return s.loadTasks(ctx, ids, key)
}

// ListTasks returns every stored task.
func (s *Store) ListTasks(ctx context.Context) ([]*workflow.Task, error) {
	ids, err := s.client.SMembers(ctx, s.tasksKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", wrapRedis(err))
	}
	return s.loadTasks(ctx, ids, "")
}

// loadTasks fetches the hashes in one pipeline round trip.
func (s *Store) loadTasks(ctx context.Context, ids []string, key string) ([]*workflow.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.taskKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", wrapRedis(err))
	}
	tasks := make([]*workflow.Task, 0, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue // Deleted since listing
		}
		t, _, err := decodeTask(ids[i], h)
		if err != nil {
			return nil, err
		}
		if key != "" && t.Key != key {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CreateResult stores a result and links it to its task.
func (s *Store) CreateResult(ctx context.Context, taskID string, r *workflow.Result) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.TaskID = taskID
	r.CreatedAt = now()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	created, err := createResultScript.Run(ctx, s.client,
		[]string{s.taskKey(taskID), s.resultKey(r.ID), s.taskResultsKey(taskID)}, r.ID, data).Int()
	if err != nil {
		return fmt.Errorf("store result: %w", wrapRedis(err))
	}
	switch created {
	case -1:
		return fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
	case 0:
		return fmt.Errorf("result %s: %w", r.ID, storage.ErrConflict)
	}
	return nil
}

// GetResult retrieves a result by ID.
func (s *Store) GetResult(ctx context.Context, id string) (*workflow.Result, error) {
	data, err := s.client.Get(ctx, s.resultKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("result %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get result: %w", wrapRedis(err))
	}
	var r workflow.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &r, nil
}

// DeleteResult removes a result and unlinks it from its task.
func (s *Store) DeleteResult(ctx context.Context, id string) error {
	r, err := s.GetResult(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.resultKey(id))
		p.SRem(ctx, s.taskResultsKey(r.TaskID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete result: %w", wrapRedis(err))
	}
	return nil
}

// ResultsOfTask lists the results saved for a task.
func (s *Store) ResultsOfTask(ctx context.Context, taskID string) ([]*workflow.Result, error) {
	ids, err := s.client.SMembers(ctx, s.taskResultsKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list task results: %w", wrapRedis(err))
	}
	results := make([]*workflow.Result, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetResult(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// wrapRedis marks connectivity failures.
func wrapRedis(err error) error {
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.As(err, &netErr) {
		return &storage.ConnectionError{Backend: "redis", Err: err}
	}
	return err
}

var _ storage.Store = (*Store)(nil)
