package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/workflow"
)

// Bucket suffixes, prefixed with the configured bucket prefix.
const (
	BucketDocuments = "DOCUMENTS"
	BucketTasks     = "TASKS"
	BucketResults   = "RESULTS"
	BucketIndex     = "INDEX"

	// DefaultBucketPrefix is used when no prefix is configured.
	DefaultBucketPrefix = "DOCFLOW"
)

// maxCASAttempts bounds the optimistic update loop on task state.
const maxCASAttempts = 8

// taskRecord is the stored form of a task; the owning document is kept
// next to it so lookups by task id need no index scan.
type taskRecord struct {
	DocumentID string         `json:"document_id"`
	Task       *workflow.Task `json:"task"`
}

// KVStore implements Store on NATS JetStream key-value buckets.
//
// Documents, tasks and results each live in their own bucket keyed by
// identity. Parent/child relations are kept as keys in an index bucket:
// doc.<document>.<task> and task.<task>.<result>.
type KVStore struct {
	documents jetstream.KeyValue
	tasks     jetstream.KeyValue
	results   jetstream.KeyValue
	index     jetstream.KeyValue
}

// KVOption configures a KVStore.
type KVOption func(*kvOptions)

type kvOptions struct {
	prefix  string
	history uint8
}

// WithBucketPrefix sets the prefix of the bucket names.
func WithBucketPrefix(prefix string) KVOption {
	return func(o *kvOptions) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithHistory sets how many revisions each key keeps.
func WithHistory(n uint8) KVOption {
	return func(o *kvOptions) {
		if n > 0 {
			o.history = n
		}
	}
}

// NewKVStore creates a KVStore with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream, opts ...KVOption) (*KVStore, error) {
	o := kvOptions{prefix: DefaultBucketPrefix, history: 5}
	for _, opt := range opts {
		opt(&o)
	}

	s := &KVStore{}
	buckets := []struct {
		suffix string
		dst    *jetstream.KeyValue
	}{
		{BucketDocuments, &s.documents},
		{BucketTasks, &s.tasks},
		{BucketResults, &s.results},
		{BucketIndex, &s.index},
	}
	for _, b := range buckets {
		kv, err := getOrCreateBucket(ctx, js, o.prefix+"_"+b.suffix, o.history)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(b.suffix), wrapNATS(err))
		}
		*b.dst = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, history uint8) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Docflow %s storage", strings.ToLower(name)),
		History:     history,
	})
}

func docIndexKey(documentID, taskID string) string {
	return "doc." + documentID + "." + taskID
}

func resultIndexKey(taskID, resultID string) string {
	return "task." + taskID + "." + resultID
}

// CreateDocument stores a new document under doc.ID.
func (s *KVStore) CreateDocument(ctx context.Context, doc *workflow.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("create document: missing id")
	}
	now := time.Now().UTC().Truncate(time.Second)
	doc.CreatedAt = now
	doc.UpdatedAt = now

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if _, err := s.documents.Create(ctx, doc.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("document %s: %w", doc.ID, ErrConflict)
		}
		return fmt.Errorf("store document: %w", wrapNATS(err))
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (s *KVStore) GetDocument(ctx context.Context, id string) (*workflow.Document, error) {
	entry, err := s.documents.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get document: %w", wrapNATS(err))
	}

	var d workflow.Document
	if err := json.Unmarshal(entry.Value(), &d); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return &d, nil
}

// DeleteDocument removes the document, its tasks and their results.
func (s *KVStore) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.GetDocument(ctx, id); err != nil {
		return err
	}
	taskIDs, err := s.listIndex(ctx, "doc."+id+".*")
	if err != nil {
		return err
	}
	for _, taskID := range taskIDs {
		if err := s.DeleteTask(ctx, taskID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if err := s.documents.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete document: %w", wrapNATS(err))
	}
	return nil
}

// SearchDocuments scans the documents bucket for matching ids.
func (s *KVStore) SearchDocuments(ctx context.Context, targetPattern, creatorPattern string) ([]*workflow.Document, error) {
	keys, err := s.listKeys(ctx, s.documents)
	if err != nil {
		return nil, err
	}
	var out []*workflow.Document
	for _, key := range keys {
		d, err := s.GetDocument(ctx, key)
		if err != nil {
			continue // Deleted while listing
		}
		if MatchID(targetPattern, d.Target.ID) && MatchID(creatorPattern, d.Creator.ID) {
			out = append(out, d)
		}
	}
	return out, nil
}

// CreateTask stores a new task under task.ID and links it to its document.
func (s *KVStore) CreateTask(ctx context.Context, documentID string, task *workflow.Task) error {
	if task.ID == "" {
		return fmt.Errorf("create task: missing id")
	}
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	task.CreatedAt = now
	task.UpdatedAt = now

	data, err := json.Marshal(taskRecord{DocumentID: documentID, Task: task})
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.tasks.Create(ctx, task.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("task %s: %w", task.ID, ErrConflict)
		}
		return fmt.Errorf("store task: %w", wrapNATS(err))
	}
	if _, err := s.index.Put(ctx, docIndexKey(documentID, task.ID), []byte(task.Key)); err != nil {
		// Roll back so the identity can be claimed again.
		_ = s.tasks.Delete(ctx, task.ID)
		return fmt.Errorf("index task: %w", wrapNATS(err))
	}
	return nil
}

func (s *KVStore) getTaskRecord(ctx context.Context, id string) (*taskRecord, uint64, error) {
	entry, err := s.tasks.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get task: %w", wrapNATS(err))
	}
	var rec taskRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("unmarshal task: %w", err)
	}
	if rec.Task == nil {
		return nil, 0, fmt.Errorf("task %s: empty record", id)
	}
	rec.Task.ID = id
	return &rec, entry.Revision(), nil
}

// GetTask retrieves a task by ID.
func (s *KVStore) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	rec, _, err := s.getTaskRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Task, nil
}

// TaskDocumentID returns the id of the document owning the task.
func (s *KVStore) TaskDocumentID(ctx context.Context, taskID string) (string, error) {
	rec, _, err := s.getTaskRecord(ctx, taskID)
	if err != nil {
		return "", err
	}
	return rec.DocumentID, nil
}

// UpdateTaskState sets state and msg with a revision-checked write,
// retrying when another writer got there first.
func (s *KVStore) UpdateTaskState(ctx context.Context, taskID string, state workflow.State, msg string) (*workflow.Task, error) {
	for range maxCASAttempts {
		rec, rev, err := s.getTaskRecord(ctx, taskID)
		if err != nil {
			return nil, err
		}
		rec.Task.State = state
		rec.Task.Msg = msg
		rec.Task.UpdatedAt = time.Now().UTC().Truncate(time.Second)

		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal task: %w", err)
		}
		_, err = s.tasks.Update(ctx, taskID, data, rev)
		if err == nil {
			return rec.Task, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return nil, fmt.Errorf("update task: %w", wrapNATS(err))
		}
	}
	return nil, fmt.Errorf("update task %s: too many concurrent writers", taskID)
}

// DeleteTask removes the task, its index entry and its results.
func (s *KVStore) DeleteTask(ctx context.Context, id string) error {
	rec, _, err := s.getTaskRecord(ctx, id)
	if err != nil {
		return err
	}
	resultIDs, err := s.listIndex(ctx, "task."+id+".*")
	if err != nil {
		return err
	}
	for _, resultID := range resultIDs {
		if err := s.DeleteResult(ctx, resultID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", wrapNATS(err))
	}
	if err := s.index.Delete(ctx, docIndexKey(rec.DocumentID, id)); err != nil {
		return fmt.Errorf("delete task index: %w", wrapNATS(err))
	}
	return nil
}

// TasksOfDocument lists the tasks linked to the document.
func (s *KVStore) TasksOfDocument(ctx context.Context, documentID, key string) ([]*workflow.Task, error) {
	taskIDs, err := s.listIndex(ctx, "doc."+documentID+".*")
	if err != nil {
		return nil, err
	}
	tasks := make([]*workflow.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if key != "" && t.Key != key {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ListTasks returns every stored task.
func (s *KVStore) ListTasks(ctx context.Context) ([]*workflow.Task, error) {
	keys, err := s.listKeys(ctx, s.tasks)
	if err != nil {
		return nil, err
	}
	tasks := make([]*workflow.Task, 0, len(keys))
	for _, key := range keys {
		t, err := s.GetTask(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CreateResult stores a result and links it to its task.
func (s *KVStore) CreateResult(ctx context.Context, taskID string, r *workflow.Result) error {
	if _, _, err := s.getTaskRecord(ctx, taskID); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.TaskID = taskID
	r.CreatedAt = time.Now().UTC().Truncate(time.Second)

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := s.results.Create(ctx, r.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("result %s: %w", r.ID, ErrConflict)
		}
		return fmt.Errorf("store result: %w", wrapNATS(err))
	}
	if _, err := s.index.Put(ctx, resultIndexKey(taskID, r.ID), nil); err != nil {
		_ = s.results.Delete(ctx, r.ID)
		return fmt.Errorf("index result: %w", wrapNATS(err))
	}
	return nil
}

// GetResult retrieves a result by ID.
func (s *KVStore) GetResult(ctx context.Context, id string) (*workflow.Result, error) {
	entry, err := s.results.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("result %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get result: %w", wrapNATS(err))
	}

	var r workflow.Result
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &r, nil
}

// DeleteResult removes a result and its index entry.
func (s *KVStore) DeleteResult(ctx context.Context, id string) error {
	r, err := s.GetResult(ctx, id)
	if err != nil {
		return err
	}
	if err := s.results.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete result: %w", wrapNATS(err))
	}
	if err := s.index.Delete(ctx, resultIndexKey(r.TaskID, id)); err != nil {
		return fmt.Errorf("delete result index: %w", wrapNATS(err))
	}
	return nil
}

// ResultsOfTask lists the results saved for a task.
func (s *KVStore) ResultsOfTask(ctx context.Context, taskID string) ([]*workflow.Result, error) {
	ids, err := s.listIndex(ctx, "task."+taskID+".*")
	if err != nil {
		return nil, err
	}
	results := make([]*workflow.Result, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetResult(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// listIndex returns the last token of every index key matching filter.
func (s *KVStore) listIndex(ctx context.Context, filter string) ([]string, error) {
	lister, err := s.index.ListKeysFiltered(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list index %s: %w", filter, wrapNATS(err))
	}
	defer func() { _ = lister.Stop() }()

	var ids []string
	for key := range lister.Keys() {
		if i := strings.LastIndexByte(key, '.'); i >= 0 {
			ids = append(ids, key[i+1:])
		}
	}
	return ids, nil
}

func (s *KVStore) listKeys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", wrapNATS(err))
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// wrapNATS marks connectivity failures so callers can tell them apart
// from data errors.
func wrapNATS(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, jetstream.ErrJetStreamNotEnabled):
		return &ConnectionError{Backend: "nats", Err: err}
	}
	return err
}

var _ Store = (*KVStore)(nil)
