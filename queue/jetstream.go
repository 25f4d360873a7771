package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/workflow"
)

const routeCacheSize = 1024

// EnsureStreams creates or updates the task and response streams.
//
// The task stream keeps a message until every bound worker queue has
// acked it. The response stream is a work queue drained by the
// orchestrator.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.TaskStream,
		Description: "Queued docflow tasks",
		Subjects:    []string{cfg.TaskPrefix + ".>"},
		Retention:   jetstream.InterestPolicy,
		Storage:     jetstream.FileStorage,
	}); err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.TaskStream, err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.ResponseStream,
		Description: "Worker replies for the docflow orchestrator",
		Subjects:    []string{cfg.responseFilter()},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
	}); err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.ResponseStream, err)
	}
	return nil
}

// JetStream publishes tasks and replies.
type JetStream struct {
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
	routes *expirable.LRU[string, bool]
}

var (
	_ Publisher = (*JetStream)(nil)
	_ Replier   = (*JetStream)(nil)
)

// NewJetStream returns a publisher bound to the configured streams.
func NewJetStream(js jetstream.JetStream, cfg Config, logger *slog.Logger) *JetStream {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.RouteCacheTTL
	if ttl <= 0 {
		ttl = DefaultConfig().RouteCacheTTL
	}
	return &JetStream{
		js:     js,
		cfg:    cfg,
		logger: logger,
		routes: expirable.NewLRU[string, bool](routeCacheSize, nil, ttl),
	}
}

// Publish sends the task and its document to the workers bound to
// "<target type>.<task key>" with the task id as correlation id.
func (q *JetStream) Publish(ctx context.Context, task *workflow.Task, doc *workflow.Document) error {
	routingKey := RoutingKey(doc.Target.Type, task.Key)
	if err := ValidateRoutingKey(routingKey); err != nil {
		return err
	}
	subject := TaskSubject(q.cfg.TaskPrefix, BandOf(task.Priority), routingKey)

	if !q.cfg.AllowUnrouted {
		ok, err := q.hasRoute(ctx, subject)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoRoute, routingKey)
		}
	}

	body, err := json.Marshal(workflow.Message{Task: task, Document: doc})
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    body,
		Header:  nats.Header{},
	}
	msg.Header.Set(HeaderCorrelationID, task.ID)
	msg.Header.Set(HeaderReplyTo, q.cfg.ResponseSubject)
	msg.Header.Set(HeaderPriority, strconv.Itoa(task.Priority))

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	q.logger.Debug("Published task", "task_id", task.ID, "subject", subject)
	return nil
}

// hasRoute reports whether any consumer on the task stream filters on
// subject.
func (q *JetStream) hasRoute(ctx context.Context, subject string) (bool, error) {
	if ok, cached := q.routes.Get(subject); cached && ok {
		return true, nil
	}
	stream, err := q.js.Stream(ctx, q.cfg.TaskStream)
	if err != nil {
		return false, fmt.Errorf("get stream %s: %w", q.cfg.TaskStream, err)
	}
	lister := stream.ListConsumers(ctx)
	found := false
	for info := range lister.Info() {
		if found {
			continue
		}
		if consumerMatches(info.Config, subject) {
			found = true
		}
	}
	if err := lister.Err(); err != nil {
		return false, fmt.Errorf("list consumers: %w", err)
	}
	if found {
		q.routes.Add(subject, true)
	}
	return found, nil
}

func consumerMatches(cfg jetstream.ConsumerConfig, subject string) bool {
	if cfg.FilterSubject == "" && len(cfg.FilterSubjects) == 0 {
		return true
	}
	if cfg.FilterSubject != "" && SubjectMatches(cfg.FilterSubject, subject) {
		return true
	}
	for _, f := range cfg.FilterSubjects {
		if SubjectMatches(f, subject) {
			return true
		}
	}
	return false
}

// Reply publishes body to replyTo carrying correlationID.
func (q *JetStream) Reply(ctx context.Context, replyTo, correlationID string, body []byte) error {
	if replyTo == "" {
		return ErrNoReplyTo
	}
	msg := &nats.Msg{Subject: replyTo, Data: body, Header: nats.Header{}}
	msg.Header.Set(HeaderCorrelationID, correlationID)
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish reply to %s: %w", replyTo, err)
	}
	return nil
}

// ConsumerOptions configures a worker queue.
type ConsumerOptions struct {
	// Queue names the durable consumers, one per band.
	Queue string
	// BindingKeys select the routing keys this queue receives.
	BindingKeys []string
	// Prefetch bounds unacknowledged messages per band.
	Prefetch int
	// PollInterval is the pause between empty band sweeps.
	PollInterval time.Duration
}

// Consumer pulls tasks for one worker queue, draining higher bands first.
type Consumer struct {
	bands        []jetstream.Consumer
	pollInterval time.Duration
}

var _ Source = (*Consumer)(nil)

// NewConsumer creates or updates the durable consumers of a worker queue.
func NewConsumer(ctx context.Context, js jetstream.JetStream, cfg Config, opts ConsumerOptions) (*Consumer, error) {
	if opts.Queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if len(opts.BindingKeys) == 0 {
		return nil, fmt.Errorf("at least one binding key is required")
	}
	for _, bk := range opts.BindingKeys {
		if err := ValidateBindingKey(bk); err != nil {
			return nil, err
		}
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}

	stream, err := js.Stream(ctx, cfg.TaskStream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", cfg.TaskStream, err)
	}

	c := &Consumer{pollInterval: opts.PollInterval}
	for _, band := range Bands {
		filters := make([]string, 0, len(opts.BindingKeys))
		for _, bk := range opts.BindingKeys {
			filters = append(filters, FilterSubject(cfg.TaskPrefix, band, bk))
		}
		cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:        opts.Queue + "-" + string(band),
			Description:    fmt.Sprintf("%s tasks (%s priority)", opts.Queue, band),
			FilterSubjects: filters,
			AckPolicy:      jetstream.AckExplicitPolicy,
			AckWait:        cfg.AckWait,
			DeliverPolicy:  jetstream.DeliverNewPolicy,
			MaxAckPending:  opts.Prefetch,
		})
		if err != nil {
			return nil, fmt.Errorf("create consumer %s-%s: %w", opts.Queue, band, err)
		}
		c.bands = append(c.bands, cons)
	}
	return c, nil
}

// Next returns the first available task, checking bands from high to low.
func (c *Consumer) Next(ctx context.Context, wait time.Duration) (Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		for _, cons := range c.bands {
			d, err := fetchNoWait(cons)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(c.pollInterval, remaining)):
		}
	}
}

func fetchNoWait(cons jetstream.Consumer) (Delivery, error) {
	batch, err := cons.FetchNoWait(1)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	var d Delivery
	for msg := range batch.Messages() {
		d = &delivery{msg: msg}
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return d, fmt.Errorf("fetch: %w", err)
	}
	return d, nil
}

// ResponseConsumer pulls worker replies for the orchestrator.
type ResponseConsumer struct {
	cons jetstream.Consumer
}

var _ Source = (*ResponseConsumer)(nil)

// NewResponseConsumer creates or updates the durable response consumer.
func NewResponseConsumer(ctx context.Context, js jetstream.JetStream, cfg Config, durable string) (*ResponseConsumer, error) {
	stream, err := js.Stream(ctx, cfg.ResponseStream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", cfg.ResponseStream, err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: cfg.ResponseSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", durable, err)
	}
	return &ResponseConsumer{cons: cons}, nil
}

// Next waits up to wait for one reply.
func (r *ResponseConsumer) Next(ctx context.Context, wait time.Duration) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := r.cons.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}
	var d Delivery
	for msg := range batch.Messages() {
		d = &delivery{msg: msg}
	}
	if d != nil {
		return d, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return nil, ErrNoMessage
}

type delivery struct {
	msg jetstream.Msg
}

func (d *delivery) Data() []byte          { return d.msg.Data() }
func (d *delivery) CorrelationID() string { return d.msg.Headers().Get(HeaderCorrelationID) }
func (d *delivery) ReplyTo() string       { return d.msg.Headers().Get(HeaderReplyTo) }
func (d *delivery) Ack() error            { return d.msg.Ack() }
func (d *delivery) Nak() error            { return d.msg.Nak() }
