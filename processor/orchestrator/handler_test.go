package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/storage"
	"github.com/c360studio/docflow/storage/redisstore"
	"github.com/c360studio/docflow/workflow"
)

// fakePublisher records published task ids.
type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, task *workflow.Task, _ *workflow.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, task.ID)
	return nil
}

func (p *fakePublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.published)
}

func (p *fakePublisher) reset() {
	p.mu.Lock()
	p.published = nil
	p.mu.Unlock()
}

type fixture struct {
	h       *Handler
	store   storage.Store
	pub     *fakePublisher
	metrics *Metrics
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := redisstore.New(client)
	pub := &fakePublisher{}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	h, err := NewHandler(store, pub, append([]Option{WithMetrics(metrics), WithCacheSize(8)}, opts...)...)
	require.NoError(t, err)
	return &fixture{h: h, store: store, pub: pub, metrics: metrics}
}

func (f *fixture) document(t *testing.T, targetID string) string {
	t.Helper()
	doc, err := workflow.NewDocument(
		workflow.Target{ID: targetID, URL: "http://example.com/" + targetID, Type: "Video"},
		workflow.Creator{ID: "NISV", Type: "Organization"},
	)
	require.NoError(t, err)
	id, err := f.h.RegisterDocument(context.Background(), doc)
	require.NoError(t, err)
	return id
}

// task stores a task directly in the given state without queueing it.
func (f *fixture) task(t *testing.T, docID, key string, state workflow.State) string {
	t.Helper()
	ctx := context.Background()
	task, err := workflow.NewTask(key, 1, nil)
	require.NoError(t, err)
	task.ID = workflow.TaskID(docID, task.Key)
	task.State = workflow.StateCreated
	require.NoError(t, f.store.CreateTask(ctx, docID, task))
	if state != workflow.StateCreated {
		_, err = f.store.UpdateTaskState(ctx, task.ID, state, "set by test")
		require.NoError(t, err)
	}
	return task.ID
}

func (f *fixture) state(t *testing.T, taskID string) workflow.State {
	t.Helper()
	s, err := f.h.TaskState(context.Background(), taskID)
	require.NoError(t, err)
	return s
}

func TestRegisterDocument(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	docID := f.document(t, "ITM1")
	assert.Equal(t, workflow.DocumentID("ITM1", "NISV"), docID)

	doc, err := workflow.NewDocument(
		workflow.Target{ID: "ITM1", URL: "http://example.com/other", Type: "Text"},
		workflow.Creator{ID: "NISV", Type: "Organization"},
	)
	require.NoError(t, err)
	_, err = f.h.RegisterDocument(ctx, doc)
	assert.ErrorIs(t, err, workflow.ErrDocumentExists)

	stored, failures, err := f.h.RegisterDocuments(ctx, []*workflow.Document{
		{Target: workflow.Target{ID: "ITM2", URL: "u", Type: "Video"}, Creator: workflow.Creator{ID: "NISV", Type: "Organization"}},
		{Target: workflow.Target{ID: "ITM1", URL: "u", Type: "Video"}, Creator: workflow.Creator{ID: "NISV", Type: "Organization"}},
		{Target: workflow.Target{ID: "ITM3", URL: "u", Type: "Movie"}, Creator: workflow.Creator{ID: "NISV", Type: "Organization"}},
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, workflow.DocumentID("ITM2", "NISV"), stored[0].ID)
	require.Len(t, failures, 2)
}

func TestAssignTask_QueuesImmediately(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "ITM1")

	task, err := workflow.NewTask("a", 1, nil)
	require.NoError(t, err)
	require.NoError(t, task.Assign(ctx, f.h, docID))

	wantID := workflow.TaskID(docID, "A")
	assert.Equal(t, wantID, task.ID)
	assert.Equal(t, workflow.StateQueued, task.State)
	assert.Equal(t, workflow.StateQueued, f.state(t, wantID))
	assert.Equal(t, []string{wantID}, f.pub.ids())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.queued.WithLabelValues("A")))

	// Assigning an already assigned task object is refused locally.
	assert.ErrorIs(t, task.Assign(ctx, f.h, docID), workflow.ErrAlreadyAssigned)
}

func TestAssignTask_Duplicate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "ITM1")

	first, _ := workflow.NewTask("A", 1, nil)
	require.NoError(t, first.Assign(ctx, f.h, docID))

	second, _ := workflow.NewTask("A", 5, nil)
	err := second.Assign(ctx, f.h, docID)
	assert.ErrorIs(t, err, workflow.ErrTaskAssigned)
	assert.Empty(t, second.ID)
	assert.Len(t, f.pub.ids(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.conflicts))
}

func TestAssignTask_UnknownDocument(t *testing.T) {
	f := setup(t)
	task, _ := workflow.NewTask("A", 1, nil)
	_, err := f.h.AssignTask(context.Background(), task, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, f.pub.ids())
}

func TestAssignTask_ConcurrentExactlyOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "ITM1")

	const n = 20
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, _ := workflow.NewTask("A", 1, nil)
			_, errs[i] = f.h.AssignTask(ctx, task, docID)
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, workflow.ErrTaskAssigned):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
	assert.Len(t, f.pub.ids(), 1)
}

func TestRunGating(t *testing.T) {
	tests := []struct {
		state workflow.State
		queue bool
	}{
		{workflow.StateCreated, true},
		{workflow.StateTaskReset, true},
		{workflow.StateUnfinishedDependency, true},
		{workflow.StateErrorInvalidInput, true},
		{workflow.StateErrorProxy, true},
		{workflow.StateSuccess, false},
		{workflow.StateQueued, false},
		{workflow.StateBadRequest, false},
		{workflow.StateAccessDenied, false},
		{workflow.StateNotFound, false},
		{workflow.StateNoRouteToQueue, false},
		{workflow.StateError, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			f := setup(t)
			docID := f.document(t, "ITM1")
			id := f.task(t, docID, "A", tt.state)

			got, err := f.h.Run(context.Background(), id)
			require.NoError(t, err)
			if tt.queue {
				assert.Equal(t, []string{id}, f.pub.ids())
				assert.Equal(t, workflow.StateQueued, got.State)
			} else {
				assert.Empty(t, f.pub.ids())
				assert.Equal(t, tt.state, got.State)
				assert.Equal(t, tt.state, f.state(t, id))
			}
		})
	}
}

func TestRetryGating(t *testing.T) {
	tests := []struct {
		state workflow.State
		force bool
		queue bool
	}{
		{workflow.StateSuccess, false, false},
		{workflow.StateQueued, false, false},
		{workflow.StateSuccess, true, true},
		{workflow.StateQueued, true, true},
		{workflow.StateError, false, true},
		{workflow.StateBadRequest, false, true},
		{workflow.StateCreated, false, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/force=%v", tt.state, tt.force), func(t *testing.T) {
			f := setup(t)
			docID := f.document(t, "ITM1")
			id := f.task(t, docID, "A", tt.state)

			_, err := f.h.Retry(context.Background(), id, tt.force)
			require.NoError(t, err)
			assert.Equal(t, tt.queue, len(f.pub.ids()) == 1)
		})
	}
}

func TestQueueFailureRecordedOnTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "ITM1")

	f.pub.err = errors.New("broker down")
	task, _ := workflow.NewTask("A", 1, nil)
	_, err := f.h.AssignTask(ctx, task, docID)
	require.Error(t, err)

	stored, err := f.h.TaskFromID(ctx, workflow.TaskID(docID, "A"))
	require.NoError(t, err)
	assert.Equal(t, workflow.StateError, stored.State)
	assert.Contains(t, stored.Msg, "broker down")

	f.pub.err = fmt.Errorf("%w: Video.B", queue.ErrNoRoute)
	task, _ = workflow.NewTask("B", 1, nil)
	_, err = f.h.AssignTask(ctx, task, docID)
	assert.ErrorIs(t, err, queue.ErrNoRoute)
	assert.Equal(t, workflow.StateNoRouteToQueue, f.state(t, workflow.TaskID(docID, "B")))
}

func TestAssignTask_QueueFailureReturnsStoredTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "ITM1")
	wantID := workflow.TaskID(docID, "A")

	f.pub.err = errors.New("broker down")
	task, _ := workflow.NewTask("A", 1, nil)
	err := task.Assign(ctx, f.h, docID)
	require.ErrorContains(t, err, "broker down")

	assert.Equal(t, wantID, task.ID, "the caller keeps the id of the stored task")
	assert.Equal(t, workflow.StateError, task.State)
	assert.Equal(t, workflow.StateError, f.state(t, wantID))

	// Re-assigning the same object is refused locally instead of hitting
	// the stored duplicate.
	assert.ErrorIs(t, task.Assign(ctx, f.h, docID), workflow.ErrAlreadyAssigned)

	f.pub.err = nil
	require.NoError(t, task.Retry(ctx, f.h, false))
	assert.Equal(t, workflow.StateQueued, task.State)
	assert.Equal(t, workflow.StateQueued, f.state(t, wantID))
	assert.Equal(t, []string{wantID}, f.pub.ids())
}

func TestResetAllowsRunAgain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "ITM1")
	id := f.task(t, docID, "A", workflow.StateError)

	task, err := f.h.TaskFromID(ctx, id)
	require.NoError(t, err)
	require.NoError(t, task.Run(ctx, f.h))
	assert.Empty(t, f.pub.ids(), "manual state needs an operator")

	require.NoError(t, task.Reset(ctx, f.h))
	assert.Equal(t, workflow.StateCreated, task.State)
	assert.Equal(t, "Reset", task.Msg)

	require.NoError(t, task.Run(ctx, f.h))
	assert.Equal(t, []string{id}, f.pub.ids())
}

func TestUnfinished(t *testing.T) {
	f := setup(t)
	docID := f.document(t, "ITM1")
	f.task(t, docID, "DONE", workflow.StateSuccess)
	f.task(t, docID, "WAIT", workflow.StateUnfinishedDependency)
	f.task(t, docID, "NEW", workflow.StateCreated)
	f.task(t, docID, "PROXY", workflow.StateErrorProxy)
	f.task(t, docID, "BROKEN", workflow.StateError)
	f.task(t, docID, "BUSY", workflow.StateQueued)

	keys := func(tasks []*workflow.Task) []string {
		var out []string
		for _, t := range tasks {
			out = append(out, t.Key)
		}
		slices.Sort(out)
		return out
	}

	all, err := f.h.Unfinished(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"BROKEN", "BUSY", "NEW", "PROXY"}, keys(all))

	runnable, err := f.h.Unfinished(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"NEW", "PROXY"}, keys(runnable))
}

func TestAssignTaskToMany(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	d1 := f.document(t, "ITM1")
	d2 := f.document(t, "ITM2")
	d3 := f.document(t, "ITM3")
	f.task(t, d3, "A", workflow.StateSuccess)

	task, _ := workflow.NewTask("A", 2, map[string]any{"lang": "nl"})
	assigned, failures, err := task.AssignMany(ctx, f.h, []string{d1, d2, d3, "missing"})
	require.NoError(t, err)
	require.Len(t, assigned, 2)
	for _, a := range assigned {
		assert.Equal(t, workflow.StateCreated, a.State)
		assert.Equal(t, "nl", a.Args["lang"])
	}
	assert.Empty(t, task.ID, "template task stays unassigned")

	require.Len(t, failures, 2)
	reasons := map[string]string{}
	for _, fl := range failures {
		reasons[fl.ID] = fl.Reason
	}
	assert.Equal(t, "task already assigned", reasons[d3])
	assert.Equal(t, "document not found", reasons["missing"])

	f.h.Wait()
	got := f.pub.ids()
	slices.Sort(got)
	want := []string{workflow.TaskID(d1, "A"), workflow.TaskID(d2, "A")}
	slices.Sort(want)
	assert.Equal(t, want, got)
}

func TestDeleteDocumentAndResults(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "ITM1")
	id := f.task(t, docID, "ASR", workflow.StateSuccess)

	result, err := workflow.NewResult(
		workflow.Generator{ID: "rev", Name: "asr", Type: "Software", Homepage: "https://example.com"},
		map[string]any{"text": "hello"},
	)
	require.NoError(t, err)
	require.NoError(t, result.Save(ctx, f.h, id))
	assert.NotEmpty(t, result.ID)

	found, err := f.h.SearchResult(ctx, docID, "asr")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "hello", found[0].Payload["text"])

	doc, err := f.h.DocumentFromTaskID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, docID, doc.ID)

	require.NoError(t, f.h.DeleteDocument(ctx, docID))
	_, err = f.h.TaskFromID(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.h.ResultFromID(ctx, result.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.h.DocumentFromTaskID(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearch(t *testing.T) {
	f := setup(t)
	f.document(t, "ITM-1")
	f.document(t, "ITM-2")
	f.document(t, "OTHER")

	docs, err := f.h.Search(context.Background(), "ITM-*", "*")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestContainersDriveHandler(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "ITM1")
	a := f.task(t, docID, "A", workflow.StateCreated)
	b := f.task(t, docID, "B", workflow.StateCreated)

	load := func(id string) *workflow.Task {
		task, err := f.h.TaskFromID(ctx, id)
		require.NoError(t, err)
		return task
	}

	seq := workflow.Sequential(load(a), load(b))
	require.NoError(t, seq.Run(ctx, f.h))
	assert.Equal(t, []string{a}, f.pub.ids())

	f.h.Callback(ctx, a, workflow.Response{State: workflow.StateSuccess, Message: "ok"})
	f.pub.reset()

	seq = workflow.Sequential(load(a), load(b))
	require.NoError(t, seq.Run(ctx, f.h))
	assert.Empty(t, f.pub.ids(), "B was already queued by the cascade")
	assert.Equal(t, workflow.StateQueued, f.state(t, b))
}
