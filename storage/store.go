// Package storage persists documents, tasks and results. Two backends are
// provided: NATS KV buckets (KVStore) and Redis (package redisstore).
package storage

import (
	"context"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/docflow/workflow"
)

// Store is the durable state behind the orchestrator.
//
// CreateDocument, CreateTask and CreateResult are atomic create-or-conflict
// writes keyed by the identity already set on the value; a taken identity
// yields ErrConflict. UpdateTaskState only touches state, msg and
// updated_at.
type Store interface {
	CreateDocument(ctx context.Context, doc *workflow.Document) error
	GetDocument(ctx context.Context, id string) (*workflow.Document, error)
	// DeleteDocument removes the document with its tasks and their results.
	DeleteDocument(ctx context.Context, id string) error
	// SearchDocuments matches target and creator ids against wildcard
	// patterns where * matches any run of characters and ? one character.
	SearchDocuments(ctx context.Context, targetPattern, creatorPattern string) ([]*workflow.Document, error)

	// CreateTask fails with ErrNotFound when the document does not exist.
	CreateTask(ctx context.Context, documentID string, task *workflow.Task) error
	GetTask(ctx context.Context, id string) (*workflow.Task, error)
	TaskDocumentID(ctx context.Context, taskID string) (string, error)
	UpdateTaskState(ctx context.Context, taskID string, state workflow.State, msg string) (*workflow.Task, error)
	// DeleteTask removes the task and its results.
	DeleteTask(ctx context.Context, id string) error
	// TasksOfDocument lists the tasks of a document. An empty key lists all.
	TasksOfDocument(ctx context.Context, documentID, key string) ([]*workflow.Task, error)
	ListTasks(ctx context.Context) ([]*workflow.Task, error)

	// CreateResult assigns an identity when the result has none.
	CreateResult(ctx context.Context, taskID string, result *workflow.Result) error
	GetResult(ctx context.Context, id string) (*workflow.Result, error)
	DeleteResult(ctx context.Context, id string) error
	ResultsOfTask(ctx context.Context, taskID string) ([]*workflow.Result, error)
}

// DefaultBulkLimit bounds the number of concurrent writes in bulk helpers.
const DefaultBulkLimit = 16

// TaskItem is one task to create in a bulk assignment.
type TaskItem struct {
	DocumentID string
	Task       *workflow.Task
}

// CreateTasks creates every item concurrently and returns one error slot per
// item, nil for the items that were stored.
func CreateTasks(ctx context.Context, s Store, items []TaskItem, limit int) []error {
	errs := make([]error, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkLimit(limit))
	for i, item := range items {
		g.Go(func() error {
			errs[i] = s.CreateTask(gctx, item.DocumentID, item.Task)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// CreateDocuments creates every document concurrently and returns one error
// slot per document.
func CreateDocuments(ctx context.Context, s Store, docs []*workflow.Document, limit int) []error {
	errs := make([]error, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkLimit(limit))
	for i, doc := range docs {
		g.Go(func() error {
			errs[i] = s.CreateDocument(gctx, doc)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func bulkLimit(limit int) int {
	if limit <= 0 {
		return DefaultBulkLimit
	}
	return limit
}

// pathSep stands in for '/' so that wildcards span path-like identifiers.
const pathSep = "\x1f"

// MatchID reports whether id matches the wildcard pattern. An empty
// pattern matches everything.
func MatchID(pattern, id string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := doublestar.Match(strings.ReplaceAll(pattern, "/", pathSep), strings.ReplaceAll(id, "/", pathSep))
	return err == nil && ok
}
