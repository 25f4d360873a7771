// Package worker runs task callbacks for one worker queue: it takes task
// messages from the queue, holds back tasks whose dependencies are not done
// yet, runs the callback and reports the outcome to the orchestrator.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/workflow"
)

// Reply messages sent on behalf of the callback.
const (
	msgInvalidFormat          = "Invalid format, unable to proceed"
	msgUnfinishedDependencies = "Unfinished dependencies"
	prefixUnhandledError      = "Unhandled error: "
	prefixUnhandledWorker     = "Unhandled worker error: "
)

var (
	// ErrRunning is returned by Run on a runtime that is already running.
	ErrRunning = errors.New("worker already running")
	// ErrStopped is returned by Run on a runtime that was stopped before.
	ErrStopped = errors.New("worker stopped")
)

// Callback does the work of a worker for one job.
type Callback interface {
	Process(ctx context.Context, job *Job) Outcome
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, job *Job) Outcome

// Process calls f.
func (f CallbackFunc) Process(ctx context.Context, job *Job) Outcome {
	return f(ctx, job)
}

// API is the orchestrator surface a worker needs.
type API interface {
	workflow.ResultAPI
	AssignedTasks(ctx context.Context, documentID, key string) ([]*workflow.Task, error)
}

// settlement is one transport action for a delivery. A nil response
// returns the message to the queue.
type settlement struct {
	delivery queue.Delivery
	response *workflow.Response
	outcome  string
	taskID   string
}

// Runtime consumes a worker queue and runs the callback for each task.
// Transport actions for a delivery (reply, ack, nak) all happen on one
// settler goroutine; callback goroutines only hand their outcome over.
type Runtime struct {
	cfg       Config
	source    queue.Source
	replier   queue.Replier
	api       API
	callback  Callback
	logger    *slog.Logger
	metrics   *Metrics
	generator *workflow.Generator

	slots    chan struct{}
	settle   chan settlement
	stop     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
	running  atomic.Bool

	mu           sync.RWMutex
	startTime    time.Time
	lastActivity time.Time
	errCount     atomic.Int64
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics enables metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithGenerator sets the generator identity used for saved results instead
// of detecting it from the git repository of the working directory.
func WithGenerator(g workflow.Generator) Option {
	return func(r *Runtime) { r.generator = &g }
}

// New creates a worker runtime.
func New(cfg Config, source queue.Source, replier queue.Replier, api API, callback Callback, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if source == nil || replier == nil || api == nil || callback == nil {
		return nil, errors.New("worker requires a source, a replier, an api and a callback")
	}

	r := &Runtime{
		cfg:      cfg,
		source:   source,
		replier:  replier,
		api:      api,
		callback: callback,
		logger:   slog.Default(),
		slots:    make(chan struct{}, cfg.GetPrefetch()),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.generator != nil {
		if err := r.generator.Validate(); err != nil {
			return nil, fmt.Errorf("invalid generator: %w", err)
		}
	} else {
		r.detectGenerator()
	}
	return r, nil
}

func (r *Runtime) detectGenerator() {
	wd, err := os.Getwd()
	if err != nil {
		r.logger.Warn("Cannot determine working directory", "error", err)
		return
	}
	gen, ok, err := DetectGenerator(wd, r.cfg.Queue)
	if err != nil {
		r.logger.Warn("Generator detection failed", "error", err)
		return
	}
	if !ok {
		r.logger.Info("Not running from a git checkout with an origin remote, results cannot be saved")
		return
	}
	if err := gen.Validate(); err != nil {
		r.logger.Warn("Detected generator is invalid", "error", err)
		return
	}
	r.generator = &gen
}

// Generator returns the generator identity, if any.
func (r *Runtime) Generator() (workflow.Generator, bool) {
	if r.generator == nil {
		return workflow.Generator{}, false
	}
	return *r.generator, true
}

// Run consumes the queue until ctx is cancelled or Stop is called. Callbacks
// already running are allowed to finish and their outcomes are settled
// before Run returns. A stopped runtime cannot be run again.
func (r *Runtime) Run(ctx context.Context) error {
	select {
	case <-r.stop:
		return ErrStopped
	default:
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer r.running.Store(false)

	r.mu.Lock()
	r.startTime = time.Now()
	r.mu.Unlock()

	r.settle = make(chan settlement, cap(r.slots))
	settled := make(chan struct{})
	settleCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(settled)
		for s := range r.settle {
			r.apply(settleCtx, s)
			<-r.slots
		}
	}()

	r.logger.Info("Worker started",
		"queue", r.cfg.Queue,
		"binding_keys", r.cfg.BindingKeys,
		"depends_on", r.cfg.DependsOn)

	r.consume(ctx)

	r.inflight.Wait()
	close(r.settle)
	<-settled

	r.logger.Info("Worker stopped", "queue", r.cfg.Queue, "errors", r.errCount.Load())
	return nil
}

// Stop asks Run to stop taking new messages.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// LastActivity returns when the last message was received.
func (r *Runtime) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// IsRunning reports whether Run is active.
func (r *Runtime) IsRunning() bool {
	return r.running.Load()
}

func (r *Runtime) consume(ctx context.Context) {
	wait := r.cfg.GetFetchTimeout()
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case r.slots <- struct{}{}:
		}

		d, err := r.source.Next(ctx, wait)
		if err != nil {
			<-r.slots
			if errors.Is(err, queue.ErrNoMessage) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.errCount.Add(1)
			r.logger.Error("Failed to fetch message", "queue", r.cfg.Queue, "error", err)
			select {
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		r.touch()
		r.metrics.messageReceived()
		r.inspect(ctx, d)
	}
}

// inspect validates a delivery and checks the worker's dependencies before
// handing the job to a callback goroutine.
func (r *Runtime) inspect(ctx context.Context, d queue.Delivery) {
	msg, err := decodeMessage(d.Data())
	if err != nil {
		r.logger.Warn(msgInvalidFormat, "correlation_id", d.CorrelationID(), "error", err)
		r.enqueue(settlement{
			delivery: d,
			response: &workflow.Response{State: workflow.StateBadRequest, Message: msgInvalidFormat},
			outcome:  "bad_request",
			taskID:   d.CorrelationID(),
		})
		return
	}

	done, missing, err := r.checkDependencies(ctx, msg.Document.ID)
	if err != nil {
		if ctx.Err() != nil {
			r.enqueue(settlement{delivery: d, outcome: "interrupted", taskID: msg.Task.ID})
			return
		}
		r.logger.Error("Unhandled error", "task_id", msg.Task.ID, "error", err)
		r.enqueue(settlement{
			delivery: d,
			response: &workflow.Response{State: workflow.StateError, Message: prefixUnhandledError + err.Error()},
			outcome:  "error",
			taskID:   msg.Task.ID,
		})
		return
	}
	if !done {
		r.logger.Info("Dependencies not met, putting task on hold",
			"task_id", msg.Task.ID, "key", msg.Task.Key, "missing", missing)
		deps := make([]workflow.Dependency, 0, len(missing))
		for _, key := range missing {
			deps = append(deps, workflow.KeyDependency(key))
		}
		r.enqueue(settlement{
			delivery: d,
			response: &workflow.Response{
				State:        workflow.StateUnfinishedDependency,
				Message:      msgUnfinishedDependencies,
				Dependencies: deps,
			},
			outcome: "unfinished_dependency",
			taskID:  msg.Task.ID,
		})
		return
	}

	job := &Job{
		Task:      msg.Task,
		Document:  msg.Document,
		api:       r.api,
		generator: r.generator,
		tempRoot:  r.cfg.TempDir,
		outRoot:   r.cfg.OutDir,
		logger:    r.logger,
	}
	r.logger.Debug("Dependencies met, starting work", "task_id", job.Task.ID, "key", job.Task.Key)

	r.inflight.Add(1)
	go r.process(context.WithoutCancel(ctx), d, job)
}

func decodeMessage(data []byte) (*workflow.Message, error) {
	var msg workflow.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *Runtime) process(ctx context.Context, d queue.Delivery, job *Job) {
	defer r.inflight.Done()

	s := settlement{delivery: d, taskID: job.Task.ID}
	switch o := r.invoke(ctx, job).(type) {
	case Completed:
		resp := o.Response
		if err := resp.Validate(); err != nil {
			s.response, s.outcome = failure(err), "failed"
			break
		}
		s.response, s.outcome = &resp, "completed"
	case Failed:
		err := o.Err
		if err == nil {
			err = errors.New("unknown failure")
		}
		r.logger.Error("Worker callback failed", "task_id", job.Task.ID, "error", err)
		s.response, s.outcome = failure(err), "failed"
	case Deferred:
		r.logger.Info("Job refused", "task_id", job.Task.ID, "reason", o.Reason)
		s.outcome = "deferred"
	default:
		s.response, s.outcome = failure(errors.New("callback returned no outcome")), "failed"
	}
	r.enqueue(s)
}

// invoke runs the callback, turning a panic into a Failed outcome.
func (r *Runtime) invoke(ctx context.Context, job *Job) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Worker callback panicked",
				"task_id", job.Task.ID,
				"panic", p,
				"stack", string(debug.Stack()))
			out = Failed{Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return r.callback.Process(ctx, job)
}

func failure(err error) *workflow.Response {
	return &workflow.Response{State: workflow.StateError, Message: prefixUnhandledWorker + err.Error()}
}

func (r *Runtime) enqueue(s settlement) {
	r.settle <- s
}

// apply performs the transport actions for one settlement: reply then ack,
// or nak. A reply that cannot be published returns the message to the
// queue so the task is not lost.
func (r *Runtime) apply(ctx context.Context, s settlement) {
	r.metrics.outcome(s.outcome)

	if s.response == nil {
		err := s.delivery.Nak()
		r.metrics.settlement("nak", err)
		if err != nil {
			r.errCount.Add(1)
			r.logger.Error("Failed to return message to the queue", "task_id", s.taskID, "error", err)
		}
		return
	}

	if s.delivery.ReplyTo() == "" {
		r.errCount.Add(1)
		r.logger.Error("Message has no reply destination, dropping it", "task_id", s.taskID, "error", queue.ErrNoReplyTo)
		r.ack(s)
		return
	}

	body, err := json.Marshal(s.response)
	if err == nil {
		rctx, cancel := context.WithTimeout(ctx, r.cfg.GetReplyTimeout())
		err = r.replier.Reply(rctx, s.delivery.ReplyTo(), s.delivery.CorrelationID(), body)
		cancel()
	}
	r.metrics.settlement("reply", err)
	if err != nil {
		r.errCount.Add(1)
		r.logger.Error("Failed to reply, returning message to the queue", "task_id", s.taskID, "error", err)
		nerr := s.delivery.Nak()
		r.metrics.settlement("nak", nerr)
		return
	}
	r.ack(s)
}

func (r *Runtime) ack(s settlement) {
	err := s.delivery.Ack()
	r.metrics.settlement("ack", err)
	if err != nil {
		r.errCount.Add(1)
		r.logger.Error("Failed to ack message", "task_id", s.taskID, "error", err)
	}
}

func (r *Runtime) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// Meta returns component metadata.
func (r *Runtime) Meta() component.Metadata {
	return component.Metadata{
		Name:        r.cfg.Queue,
		Type:        "processor",
		Description: "Runs task callbacks for a worker queue",
		Version:     "0.1.0",
	}
}

// ConfigSchema returns the configuration schema.
func (r *Runtime) ConfigSchema() component.ConfigSchema {
	return workerSchema
}

// Health returns the current health status.
func (r *Runtime) Health() component.HealthStatus {
	r.mu.RLock()
	startTime := r.startTime
	r.mu.RUnlock()

	status := "stopped"
	if r.IsRunning() {
		status = "running"
	}
	errs := int(r.errCount.Load())
	return component.HealthStatus{
		Healthy:    r.IsRunning() && errs == 0,
		LastCheck:  time.Now(),
		ErrorCount: errs,
		Status:     status,
		Uptime:     time.Since(startTime),
	}
}
