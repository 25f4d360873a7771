// Package storetest holds the behaviour every storage.Store backend must
// share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/storage"
	"github.com/c360studio/docflow/workflow"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run exercises s against the storage.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("DocumentCreateConflict", func(t *testing.T) { testDocumentCreateConflict(t, newStore(t)) })
	t.Run("TaskCreateConflict", func(t *testing.T) { testTaskCreateConflict(t, newStore(t)) })
	t.Run("TaskRequiresDocument", func(t *testing.T) { testTaskRequiresDocument(t, newStore(t)) })
	t.Run("ConcurrentTaskCreate", func(t *testing.T) { testConcurrentTaskCreate(t, newStore(t)) })
	t.Run("UpdateTaskState", func(t *testing.T) { testUpdateTaskState(t, newStore(t)) })
	t.Run("TasksOfDocument", func(t *testing.T) { testTasksOfDocument(t, newStore(t)) })
	t.Run("Results", func(t *testing.T) { testResults(t, newStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
	t.Run("Search", func(t *testing.T) { testSearch(t, newStore(t)) })
	t.Run("BulkCreate", func(t *testing.T) { testBulkCreate(t, newStore(t)) })
}

// NewDocument returns a valid document with its identity set.
func NewDocument(t *testing.T, targetID, creatorID string) *workflow.Document {
	t.Helper()
	doc, err := workflow.NewDocument(
		workflow.Target{ID: targetID, URL: "http://example.com/" + targetID, Type: "Video"},
		workflow.Creator{ID: creatorID, Type: "Organization"},
	)
	require.NoError(t, err)
	doc.ID = doc.Identity()
	return doc
}

// NewTask returns a CREATED task with its identity set for documentID.
func NewTask(t *testing.T, documentID, key string) *workflow.Task {
	t.Helper()
	task, err := workflow.NewTask(key, workflow.DefaultPriority, map[string]any{"origin": "test"})
	require.NoError(t, err)
	task.ID = workflow.TaskID(documentID, task.Key)
	task.State = workflow.StateCreated
	task.Msg = "Created"
	return task
}

func testDocumentCreateConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	doc := NewDocument(t, "ITM1", "NISV")
	require.NoError(t, s.CreateDocument(ctx, doc))
	assert.False(t, doc.CreatedAt.IsZero())

	again := NewDocument(t, "ITM1", "NISV")
	err := s.CreateDocument(ctx, again)
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Target, got.Target)
	assert.Equal(t, doc.Creator, got.Creator)

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testTaskCreateConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	doc := NewDocument(t, "ITM2", "NISV")
	require.NoError(t, s.CreateDocument(ctx, doc))

	task := NewTask(t, doc.ID, "ASR")
	require.NoError(t, s.CreateTask(ctx, doc.ID, task))

	err := s.CreateTask(ctx, doc.ID, NewTask(t, doc.ID, "ASR"))
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "ASR", got.Key)
	assert.Equal(t, workflow.StateCreated, got.State)
	assert.Equal(t, "Created", got.Msg)
	assert.Equal(t, "test", got.Args["origin"])

	docID, err := s.TaskDocumentID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, docID)
}

func testTaskRequiresDocument(t *testing.T, s storage.Store) {
	ctx := context.Background()
	err := s.CreateTask(ctx, "nope", NewTask(t, "nope", "ASR"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentTaskCreate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	doc := NewDocument(t, "ITM3", "NISV")
	require.NoError(t, s.CreateDocument(ctx, doc))

	const n = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateTask(ctx, doc.ID, NewTask(t, doc.ID, "OCR"))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "exactly one create must win")
	assert.Equal(t, int32(n-1), conflicts.Load())
}

func testUpdateTaskState(t *testing.T, s storage.Store) {
	ctx := context.Background()
	doc := NewDocument(t, "ITM4", "NISV")
	require.NoError(t, s.CreateDocument(ctx, doc))
	task := NewTask(t, doc.ID, "ASR")
	require.NoError(t, s.CreateTask(ctx, doc.ID, task))

	updated, err := s.UpdateTaskState(ctx, task.ID, workflow.StateQueued, "Queued")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateQueued, updated.State)
	assert.Equal(t, "Queued", updated.Msg)
	assert.Equal(t, "ASR", updated.Key, "other fields are untouched")
	assert.Equal(t, "test", updated.Args["origin"])

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateQueued, got.State)

	_, err = s.UpdateTaskState(ctx, "missing", workflow.StateSuccess, "ok")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testTasksOfDocument(t *testing.T, s storage.Store) {
	ctx := context.Background()
	doc := NewDocument(t, "ITM5", "NISV")
	other := NewDocument(t, "ITM6", "NISV")
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.CreateDocument(ctx, other))

	for _, key := range []string{"A", "B", "C"} {
		require.NoError(t, s.CreateTask(ctx, doc.ID, NewTask(t, doc.ID, key)))
	}
	require.NoError(t, s.CreateTask(ctx, other.ID, NewTask(t, other.ID, "A")))

	tasks, err := s.TasksOfDocument(ctx, doc.ID, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 3)

	tasks, err = s.TasksOfDocument(ctx, doc.ID, "B")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, workflow.TaskID(doc.ID, "B"), tasks[0].ID)

	all, err := s.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testResults(t *testing.T, s storage.Store) {
	ctx := context.Background()
	doc := NewDocument(t, "ITM7", "NISV")
	require.NoError(t, s.CreateDocument(ctx, doc))
	task := NewTask(t, doc.ID, "ASR")
	require.NoError(t, s.CreateTask(ctx, doc.ID, task))

	result, err := workflow.NewResult(
		workflow.Generator{ID: "abc", Name: "asr", Type: "Software", Homepage: "https://example.com"},
		map[string]any{"words": float64(12)},
	)
	require.NoError(t, err)
	require.NoError(t, s.CreateResult(ctx, task.ID, result))
	require.NotEmpty(t, result.ID)

	got, err := s.GetResult(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.TaskID)
	assert.Equal(t, "ASR", got.Generator.Name)
	assert.Equal(t, float64(12), got.Payload["words"])

	results, err := s.ResultsOfTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	err = s.CreateResult(ctx, "missing", &workflow.Result{Generator: result.Generator})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteResult(ctx, result.ID))
	results, err = s.ResultsOfTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func testDeleteCascades(t *testing.T, s storage.Store) {
	ctx := context.Background()
	doc := NewDocument(t, "ITM8", "NISV")
	require.NoError(t, s.CreateDocument(ctx, doc))
	a := NewTask(t, doc.ID, "A")
	b := NewTask(t, doc.ID, "B")
	require.NoError(t, s.CreateTask(ctx, doc.ID, a))
	require.NoError(t, s.CreateTask(ctx, doc.ID, b))

	r := &workflow.Result{Generator: workflow.Generator{ID: "g", Name: "G", Type: "Software", Homepage: "h"}}
	require.NoError(t, s.CreateResult(ctx, a.ID, r))

	require.NoError(t, s.DeleteTask(ctx, b.ID))
	_, err := s.GetTask(ctx, b.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	tasks, err := s.TasksOfDocument(ctx, doc.ID, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	// The identity is free again after deletion.
	require.NoError(t, s.CreateTask(ctx, doc.ID, NewTask(t, doc.ID, "B")))

	require.NoError(t, s.DeleteDocument(ctx, doc.ID))
	_, err = s.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetTask(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetResult(ctx, r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.DeleteDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSearch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, target := range []string{"ITM-1", "ITM-2", "http://example.com/x"} {
		creator := "NISV"
		if i == 1 {
			creator = "OTHER"
		}
		require.NoError(t, s.CreateDocument(ctx, NewDocument(t, target, creator)))
	}

	tests := []struct {
		target, creator string
		want            int
	}{
		{"*", "*", 3},
		{"ITM-*", "*", 2},
		{"ITM-?", "NISV", 1},
		{"http://*", "*", 1},
		{"nothing*", "*", 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.target, tt.creator), func(t *testing.T) {
			docs, err := s.SearchDocuments(ctx, tt.target, tt.creator)
			require.NoError(t, err)
			assert.Len(t, docs, tt.want)
		})
	}
}

func testBulkCreate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	docs := []*workflow.Document{
		NewDocument(t, "B1", "NISV"),
		NewDocument(t, "B2", "NISV"),
		NewDocument(t, "B1", "NISV"),
	}
	errs := storage.CreateDocuments(ctx, s, docs, 2)
	require.Len(t, errs, 3)
	var conflicts int
	for _, err := range errs {
		if errors.Is(err, storage.ErrConflict) {
			conflicts++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 1, conflicts)

	items := []storage.TaskItem{
		{DocumentID: docs[0].ID, Task: NewTask(t, docs[0].ID, "X")},
		{DocumentID: docs[1].ID, Task: NewTask(t, docs[1].ID, "X")},
		{DocumentID: "missing", Task: NewTask(t, "missing", "X")},
	}
	errs = storage.CreateTasks(ctx, s, items, 0)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], storage.ErrNotFound)
}
