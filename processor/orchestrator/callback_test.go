package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/workflow"
)

func TestCallback_SingleTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "D")

	task, _ := workflow.NewTask("A", 1, nil)
	require.NoError(t, task.Assign(ctx, f.h, docID))
	assert.Equal(t, workflow.StateQueued, task.State)
	f.pub.reset()

	f.h.Callback(ctx, task.ID, workflow.Response{State: workflow.StateSuccess, Message: "ok"})

	stored, err := f.h.TaskFromID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateSuccess, stored.State)
	assert.Equal(t, "ok", stored.Msg)
	assert.Empty(t, f.pub.ids(), "no siblings to cascade to")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.callbacks.WithLabelValues("200")))
}

func TestCallback_CascadesToSiblings(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "D")
	a := f.task(t, docID, "A", workflow.StateQueued)
	b := f.task(t, docID, "B", workflow.StateCreated)
	c := f.task(t, docID, "C", workflow.StateUnfinishedDependency)
	proxy := f.task(t, docID, "P", workflow.StateErrorProxy)
	done := f.task(t, docID, "S", workflow.StateSuccess)
	broken := f.task(t, docID, "E", workflow.StateError)

	f.h.Callback(ctx, a, workflow.Response{State: workflow.StateSuccess, Message: "ok"})

	got := f.pub.ids()
	slices.Sort(got)
	want := []string{b, c, proxy}
	slices.Sort(want)
	assert.Equal(t, want, got)
	assert.NotContains(t, got, a)
	assert.NotContains(t, got, done)
	assert.NotContains(t, got, broken)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.cascades))
}

func TestCallback_FailureDoesNotCascade(t *testing.T) {
	for _, state := range []workflow.State{
		workflow.StateError,
		workflow.StateBadRequest,
		workflow.StateErrorProxy,
		workflow.StateNotFound,
	} {
		t.Run(state.String(), func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			docID := f.document(t, "D")
			a := f.task(t, docID, "A", workflow.StateQueued)
			f.task(t, docID, "B", workflow.StateCreated)

			f.h.Callback(ctx, a, workflow.Response{State: state, Message: "boom"})

			assert.Equal(t, state, f.state(t, a))
			assert.Empty(t, f.pub.ids())
		})
	}
}

func TestCallback_UnfinishedDependencyAssignsDependencies(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "D")
	a := f.task(t, docID, "A", workflow.StateQueued)
	waiting := f.task(t, docID, "W", workflow.StateUnfinishedDependency)
	fresh := f.task(t, docID, "N", workflow.StateCreated)

	var resp workflow.Response
	require.NoError(t, json.Unmarshal([]byte(`{
		"state": 412,
		"message": "Unfinished dependencies",
		"dependencies": ["download", {"key": "probe", "priority": 8, "args": {"deep": true}}]
	}`), &resp))

	f.h.Callback(ctx, a, resp)

	assert.Equal(t, workflow.StateUnfinishedDependency, f.state(t, a))

	download := workflow.TaskID(docID, "DOWNLOAD")
	probe := workflow.TaskID(docID, "PROBE")
	assert.Equal(t, workflow.StateQueued, f.state(t, download))
	assert.Equal(t, workflow.StateQueued, f.state(t, probe))

	probeTask, err := f.h.TaskFromID(ctx, probe)
	require.NoError(t, err)
	assert.Equal(t, 8, probeTask.Priority)
	assert.Equal(t, true, probeTask.Args["deep"])

	got := f.pub.ids()
	assert.Contains(t, got, download)
	assert.Contains(t, got, probe)
	assert.Contains(t, got, fresh, "CREATED siblings still cascade")
	assert.NotContains(t, got, waiting, "a gap report does not re-run other gapped tasks")
	assert.NotContains(t, got, a)
}

func TestCallback_BadDependencyEntriesAreSkipped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "D")
	a := f.task(t, docID, "A", workflow.StateQueued)

	var resp workflow.Response
	require.NoError(t, json.Unmarshal([]byte(
		`{"state":412,"message":"need deps","dependencies":["DOWNLOAD","",{"priority":2},"a.b"]}`), &resp))

	f.h.Callback(ctx, a, resp)

	assert.Equal(t, workflow.StateUnfinishedDependency, f.state(t, a))
	download := workflow.TaskID(docID, "DOWNLOAD")
	assert.Equal(t, workflow.StateQueued, f.state(t, download))
	assert.Equal(t, []string{download}, f.pub.ids())

	tasks, err := f.h.AssignedTasks(ctx, docID, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "only A and DOWNLOAD exist")
}

func TestCallback_DependencyQueueFailureIsLoggedAsQueueFailure(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := setup(t, WithLogger(logger))
	ctx := context.Background()
	docID := f.document(t, "D")
	a := f.task(t, docID, "A", workflow.StateQueued)

	f.pub.err = errors.New("broker down")
	f.h.Callback(ctx, a, workflow.Response{
		State:        workflow.StateUnfinishedDependency,
		Message:      "Unfinished dependencies",
		Dependencies: []workflow.Dependency{workflow.KeyDependency("dep")},
	})

	dep := workflow.TaskID(docID, "DEP")
	assert.Equal(t, workflow.StateError, f.state(t, dep), "the dependency exists and records the failure")
	assert.Contains(t, logs.String(), "Failed to queue dependency")
	assert.Contains(t, logs.String(), "dependency_id="+dep)
	assert.NotContains(t, logs.String(), "Failed to assign dependency")
}

func TestCallback_ExistingDependencyIsSkipped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "D")
	a := f.task(t, docID, "A", workflow.StateQueued)
	dep := f.task(t, docID, "DEP", workflow.StateQueued)

	f.h.Callback(ctx, a, workflow.Response{
		State:        workflow.StateUnfinishedDependency,
		Message:      "Unfinished dependencies",
		Dependencies: []workflow.Dependency{workflow.KeyDependency("dep"), workflow.KeyDependency("other")},
	})

	assert.Equal(t, workflow.StateQueued, f.state(t, dep))
	assert.Equal(t, workflow.StateQueued, f.state(t, workflow.TaskID(docID, "OTHER")))
	assert.Equal(t, []string{workflow.TaskID(docID, "OTHER")}, f.pub.ids())
}

func TestCallback_DependencyCompletionReleasesWaitingTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "D")

	asr, _ := workflow.NewTask("ASR", 1, nil)
	require.NoError(t, asr.Assign(ctx, f.h, docID))

	// The ASR worker needs DOWNLOAD first.
	f.h.Callback(ctx, asr.ID, workflow.Response{
		State:        workflow.StateUnfinishedDependency,
		Message:      "Unfinished dependencies",
		Dependencies: []workflow.Dependency{workflow.KeyDependency("DOWNLOAD")},
	})
	download := workflow.TaskID(docID, "DOWNLOAD")
	assert.Equal(t, workflow.StateQueued, f.state(t, download))
	f.pub.reset()

	f.h.Callback(ctx, download, workflow.Response{State: workflow.StateSuccess, Message: "downloaded"})

	assert.Equal(t, []string{asr.ID}, f.pub.ids())
	assert.Equal(t, workflow.StateQueued, f.state(t, asr.ID))
}

func TestCallback_UnknownTaskIsContained(t *testing.T) {
	f := setup(t)
	assert.NotPanics(t, func() {
		f.h.Callback(context.Background(), "gone", workflow.Response{State: workflow.StateSuccess, Message: "late"})
	})
	assert.Empty(t, f.pub.ids())
}

func TestCallback_SiblingFailureDoesNotStopCascade(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "D")
	a := f.task(t, docID, "A", workflow.StateQueued)
	b := f.task(t, docID, "B", workflow.StateCreated)
	c := f.task(t, docID, "C", workflow.StateCreated)

	// Point B's cached owner at a missing document so its run fails.
	f.h.owners.Add(b, "vanished")

	f.h.Callback(ctx, a, workflow.Response{State: workflow.StateSuccess, Message: "ok"})

	assert.Equal(t, workflow.StateSuccess, f.state(t, a))
	assert.Equal(t, workflow.StateCreated, f.state(t, b))
	assert.Equal(t, []string{c}, f.pub.ids())
}
