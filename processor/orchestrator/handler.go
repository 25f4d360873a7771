// Package orchestrator owns task state: it de-duplicates assignment, gates
// run and retry on the current state, and re-evaluates the sibling tasks of
// a document whenever a worker reports back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/storage"
	"github.com/c360studio/docflow/workflow"
)

// DefaultCacheSize bounds the task to document lookup cache.
const DefaultCacheSize = 4096

// Handler implements the task, document and result operations on top of a
// store and a queue.
type Handler struct {
	store     storage.Store
	queue     queue.Publisher
	logger    *slog.Logger
	metrics   *Metrics
	bulkLimit int
	cacheSize int

	// Task ids never move between documents, so the owner is cached.
	owners *lru.Cache[string, string]

	// background runs started by bulk assignment
	pending sync.WaitGroup
}

var (
	_ workflow.TaskAPI     = (*Handler)(nil)
	_ workflow.DocumentAPI = (*Handler)(nil)
	_ workflow.ResultAPI   = (*Handler)(nil)
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithMetrics records handler activity on m.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithBulkLimit bounds concurrent writes during bulk assignment.
func WithBulkLimit(n int) Option {
	return func(h *Handler) { h.bulkLimit = n }
}

// WithCacheSize bounds the task to document lookup cache.
func WithCacheSize(n int) Option {
	return func(h *Handler) { h.cacheSize = n }
}

// NewHandler returns a Handler backed by store that queues work on pub.
func NewHandler(store storage.Store, pub queue.Publisher, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	h := &Handler{
		store:     store,
		queue:     pub,
		logger:    slog.Default(),
		bulkLimit: storage.DefaultBulkLimit,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cacheSize <= 0 {
		h.cacheSize = DefaultCacheSize
	}
	owners, err := lru.New[string, string](h.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create owner cache: %w", err)
	}
	h.owners = owners
	return h, nil
}

// Wait blocks until runs started in the background have finished.
func (h *Handler) Wait() {
	h.pending.Wait()
}

// RegisterDocument stores a new document under its deterministic identity.
func (h *Handler) RegisterDocument(ctx context.Context, doc *workflow.Document) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	d := *doc
	d.ID = doc.Identity()
	if err := h.store.CreateDocument(ctx, &d); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return d.ID, fmt.Errorf("%w: %s", workflow.ErrDocumentExists, d.ID)
		}
		return "", err
	}
	doc.CreatedAt, doc.UpdatedAt = d.CreatedAt, d.UpdatedAt
	h.logger.Debug("Registered document", "document_id", d.ID, "target_id", d.Target.ID)
	return d.ID, nil
}

// RegisterDocuments stores many documents at once. Documents that fail are
// reported, the rest are returned with their identity set.
func (h *Handler) RegisterDocuments(ctx context.Context, docs []*workflow.Document) ([]*workflow.Document, []workflow.Failure, error) {
	var (
		valid    []*workflow.Document
		failures []workflow.Failure
	)
	for _, doc := range docs {
		if err := doc.Validate(); err != nil {
			failures = append(failures, workflow.Failure{ID: doc.Target.ID, Reason: err.Error(), Err: err})
			continue
		}
		d := *doc
		d.ID = doc.Identity()
		valid = append(valid, &d)
	}

	var stored []*workflow.Document
	for i, err := range storage.CreateDocuments(ctx, h.store, valid, h.bulkLimit) {
		switch {
		case err == nil:
			stored = append(stored, valid[i])
		case storage.IsConnectionError(err):
			return stored, failures, err
		case errors.Is(err, storage.ErrConflict):
			failures = append(failures, workflow.Failure{ID: valid[i].ID, Reason: "document already exists", Err: workflow.ErrDocumentExists})
		default:
			failures = append(failures, workflow.Failure{ID: valid[i].ID, Reason: err.Error(), Err: err})
		}
	}
	return stored, failures, nil
}

// DocumentFromID returns a stored document.
func (h *Handler) DocumentFromID(ctx context.Context, documentID string) (*workflow.Document, error) {
	return h.store.GetDocument(ctx, documentID)
}

// DocumentFromTaskID returns the document a task is assigned to.
func (h *Handler) DocumentFromTaskID(ctx context.Context, taskID string) (*workflow.Document, error) {
	docID, err := h.ownerOf(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return h.store.GetDocument(ctx, docID)
}

func (h *Handler) ownerOf(ctx context.Context, taskID string) (string, error) {
	if docID, ok := h.owners.Get(taskID); ok {
		return docID, nil
	}
	docID, err := h.store.TaskDocumentID(ctx, taskID)
	if err != nil {
		return "", err
	}
	h.owners.Add(taskID, docID)
	return docID, nil
}

// DeleteDocument removes a document with its tasks and results.
func (h *Handler) DeleteDocument(ctx context.Context, documentID string) error {
	tasks, err := h.store.TasksOfDocument(ctx, documentID, "")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := h.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	for _, t := range tasks {
		h.owners.Remove(t.ID)
	}
	return nil
}

// AssignedTasks lists the tasks of a document, optionally only those with key.
func (h *Handler) AssignedTasks(ctx context.Context, documentID, key string) ([]*workflow.Task, error) {
	return h.store.TasksOfDocument(ctx, documentID, strings.ToUpper(key))
}

// Search finds documents whose target and creator ids match the patterns.
func (h *Handler) Search(ctx context.Context, targetPattern, creatorPattern string) ([]*workflow.Document, error) {
	return h.store.SearchDocuments(ctx, targetPattern, creatorPattern)
}

// RegisterResult stores a result under a task.
func (h *Handler) RegisterResult(ctx context.Context, result *workflow.Result, taskID string) (string, error) {
	if err := result.Generator.Validate(); err != nil {
		return "", err
	}
	r := *result
	if err := h.store.CreateResult(ctx, taskID, &r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// ResultFromID returns a stored result.
func (h *Handler) ResultFromID(ctx context.Context, resultID string) (*workflow.Result, error) {
	return h.store.GetResult(ctx, resultID)
}

// DeleteResult removes a result.
func (h *Handler) DeleteResult(ctx context.Context, resultID string) error {
	return h.store.DeleteResult(ctx, resultID)
}

// SearchResult returns the results of the tasks with taskKey on a document.
func (h *Handler) SearchResult(ctx context.Context, documentID, taskKey string) ([]*workflow.Result, error) {
	tasks, err := h.store.TasksOfDocument(ctx, documentID, strings.ToUpper(taskKey))
	if err != nil {
		return nil, err
	}
	var out []*workflow.Result
	for _, t := range tasks {
		results, err := h.store.ResultsOfTask(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}
