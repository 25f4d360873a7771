package worker

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/processor/orchestrator"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/workflow"
)

// recorder keeps the transport actions in the order they happened.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

type fakeDelivery struct {
	data          []byte
	correlationID string
	replyTo       string
	rec           *recorder
}

func (d *fakeDelivery) Data() []byte          { return d.data }
func (d *fakeDelivery) CorrelationID() string { return d.correlationID }
func (d *fakeDelivery) ReplyTo() string       { return d.replyTo }

func (d *fakeDelivery) Ack() error {
	d.rec.add("ack:" + d.correlationID)
	return nil
}

func (d *fakeDelivery) Nak() error {
	d.rec.add("nak:" + d.correlationID)
	return nil
}

type reply struct {
	replyTo       string
	correlationID string
	response      workflow.Response
}

type fakeReplier struct {
	rec *recorder
	err error

	mu      sync.Mutex
	replies []reply
}

func (f *fakeReplier) Reply(_ context.Context, replyTo, correlationID string, body []byte) error {
	if f.err != nil {
		f.rec.add("reply-failed:" + correlationID)
		return f.err
	}
	var resp workflow.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	f.mu.Lock()
	f.replies = append(f.replies, reply{replyTo: replyTo, correlationID: correlationID, response: resp})
	f.mu.Unlock()
	f.rec.add("reply:" + correlationID)
	return nil
}

func (f *fakeReplier) all() []reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.replies)
}

type fakeAPI struct {
	mu      sync.Mutex
	tasks   []*workflow.Task
	err     error
	results map[string]*workflow.Result
}

func (a *fakeAPI) AssignedTasks(_ context.Context, _, key string) ([]*workflow.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	var out []*workflow.Task
	for _, t := range a.tasks {
		if key == "" || t.Key == key {
			out = append(out, t)
		}
	}
	return out, nil
}

func (a *fakeAPI) RegisterResult(_ context.Context, result *workflow.Result, taskID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.results == nil {
		a.results = map[string]*workflow.Result{}
	}
	id := "result-" + taskID
	a.results[id] = result
	return id, nil
}

func (a *fakeAPI) DeleteResult(_ context.Context, resultID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.results[resultID]; !ok {
		return errors.New("not found")
	}
	delete(a.results, resultID)
	return nil
}

// chanSource hands out queued deliveries, then reports no messages.
type chanSource struct {
	ch chan queue.Delivery
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan queue.Delivery, 16)}
}

func (s *chanSource) push(d queue.Delivery) { s.ch <- d }

func (s *chanSource) Next(ctx context.Context, wait time.Duration) (queue.Delivery, error) {
	select {
	case d := <-s.ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
		return nil, queue.ErrNoMessage
	}
}

var testGenerator = workflow.Generator{
	ID:       "abc1234",
	Type:     "Software",
	Name:     "probe",
	Homepage: "https://git.example.com/probe.git",
}

func taskMessage(t *testing.T, taskID, docID string) []byte {
	t.Helper()
	data, err := json.Marshal(workflow.Message{
		Task: &workflow.Task{ID: taskID, Key: "PROBE", Priority: 1, State: workflow.StateQueued},
		Document: &workflow.Document{
			ID:      docID,
			Target:  workflow.Target{ID: "ITM123", URL: "http://example.com/ITM123.mp4", Type: "Video"},
			Creator: workflow.Creator{ID: "NISV", Type: "Organization"},
		},
	})
	require.NoError(t, err)
	return data
}

var _ API = (*orchestrator.Handler)(nil)
