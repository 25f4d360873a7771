package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/workflow"
)

type fakeDelivery struct {
	data          []byte
	correlationID string

	mu    sync.Mutex
	acked bool
}

func (d *fakeDelivery) Data() []byte          { return d.data }
func (d *fakeDelivery) CorrelationID() string { return d.correlationID }
func (d *fakeDelivery) ReplyTo() string       { return "" }
func (d *fakeDelivery) Nak() error            { return nil }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	d.acked = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDelivery) isAcked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// sliceSource hands out its deliveries in order, then reports no messages.
type sliceSource struct {
	ch chan queue.Delivery
}

func newSliceSource(ds ...queue.Delivery) *sliceSource {
	ch := make(chan queue.Delivery, len(ds))
	for _, d := range ds {
		ch <- d
	}
	return &sliceSource{ch: ch}
}

func (s *sliceSource) Next(ctx context.Context, wait time.Duration) (queue.Delivery, error) {
	select {
	case d := <-s.ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
		return nil, queue.ErrNoMessage
	}
}

func TestComponent_AppliesReplies(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "D")
	a := f.task(t, docID, "A", workflow.StateQueued)
	b := f.task(t, docID, "B", workflow.StateCreated)

	good := &fakeDelivery{data: []byte(`{"state":200,"message":"ok"}`), correlationID: a}
	garbage := &fakeDelivery{data: []byte(`not json`), correlationID: a}
	noState := &fakeDelivery{data: []byte(`{"message":"?"}`), correlationID: a}
	noID := &fakeDelivery{data: []byte(`{"state":200,"message":"ok"}`)}

	cfg := DefaultConfig()
	cfg.FetchTimeout = "20ms"
	comp, err := NewComponent(cfg, f.h, newSliceSource(good, garbage, noState, noID), nil, f.metrics)
	require.NoError(t, err)

	require.NoError(t, comp.Start(ctx))
	assert.True(t, comp.IsRunning())
	assert.Error(t, comp.Start(ctx), "second start is rejected")

	require.Eventually(t, func() bool {
		return good.isAcked() && garbage.isAcked() && noState.isAcked() && noID.isAcked()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, comp.Stop(time.Second))
	assert.False(t, comp.IsRunning())

	assert.Equal(t, workflow.StateSuccess, f.state(t, a))
	assert.Equal(t, []string{b}, f.pub.ids())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.replies.WithLabelValues("applied")))
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.replies.WithLabelValues("malformed")))

	health := comp.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, 3, health.ErrorCount)
	assert.False(t, comp.LastActivity().IsZero())
}

func TestComponent_ReplyWithBadDependencyIsApplied(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	docID := f.document(t, "D")
	a := f.task(t, docID, "A", workflow.StateQueued)

	reply := &fakeDelivery{
		data:          []byte(`{"state":412,"message":"need deps","dependencies":["DOWNLOAD",""]}`),
		correlationID: a,
	}

	cfg := DefaultConfig()
	cfg.FetchTimeout = "20ms"
	comp, err := NewComponent(cfg, f.h, newSliceSource(reply), nil, f.metrics)
	require.NoError(t, err)
	require.NoError(t, comp.Start(ctx))

	require.Eventually(t, reply.isAcked, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, comp.Stop(time.Second))

	assert.Equal(t, workflow.StateUnfinishedDependency, f.state(t, a))
	download := workflow.TaskID(docID, "DOWNLOAD")
	assert.Equal(t, workflow.StateQueued, f.state(t, download))
	assert.Equal(t, []string{download}, f.pub.ids())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.replies.WithLabelValues("applied")))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.replies.WithLabelValues("malformed")))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"missing consumer", func(c *Config) { c.ConsumerName = "" }, true},
		{"bad timeout", func(c *Config) { c.FetchTimeout = "soon" }, true},
		{"negative cache", func(c *Config) { c.CacheSize = -1 }, true},
		{"huge bulk", func(c *Config) { c.BulkLimit = 1000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.FetchTimeout = ""
	if got := cfg.GetFetchTimeout(); got != 5*time.Second {
		t.Errorf("GetFetchTimeout() = %v, want 5s", got)
	}
}
