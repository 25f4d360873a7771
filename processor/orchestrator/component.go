package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/workflow"
)

// Component feeds worker replies from the response stream into a Handler.
type Component struct {
	config  Config
	handler *Handler
	source  queue.Source
	logger  *slog.Logger
	metrics *Metrics

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	repliesProcessed atomic.Int64
	repliesMalformed atomic.Int64
	lastActivityMu   sync.RWMutex
	lastActivity     time.Time
}

// NewComponent wires a reply source to a handler.
func NewComponent(config Config, handler *Handler, source queue.Source, logger *slog.Logger, metrics *Metrics) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil || source == nil {
		return nil, fmt.Errorf("handler and source are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		config:  config,
		handler: handler,
		source:  source,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Start begins consuming replies.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.startTime = time.Now()

	go c.consumeLoop(subCtx)

	c.logger.Info("orchestrator started",
		"consumer", c.config.ConsumerName,
		"fetch_timeout", c.config.GetFetchTimeout())
	return nil
}

// consumeLoop applies replies until the context is cancelled.
func (c *Component) consumeLoop(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := c.source.Next(ctx, c.config.GetFetchTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrNoMessage) {
				c.logger.Warn("Reply fetch error", "error", err)
			}
			continue
		}
		c.handleReply(ctx, d)
	}
}

// handleReply decodes one reply and applies it. Malformed replies are
// logged and acked so they do not come back.
func (c *Component) handleReply(ctx context.Context, d queue.Delivery) {
	c.updateLastActivity()

	taskID := d.CorrelationID()
	var resp workflow.Response
	err := json.Unmarshal(d.Data(), &resp)
	if err == nil {
		err = resp.Validate()
	}
	if err == nil && taskID == "" {
		err = fmt.Errorf("missing correlation id")
	}

	if err != nil {
		c.repliesMalformed.Add(1)
		c.metrics.reply("malformed")
		c.logger.Error("Malformed reply", "task_id", taskID, "error", err)
	} else {
		c.repliesProcessed.Add(1)
		c.metrics.reply("applied")
		c.handler.Callback(ctx, taskID, resp)
	}

	if err := d.Ack(); err != nil {
		c.logger.Warn("Failed to ACK reply", "task_id", taskID, "error", err)
	}
}

// Stop cancels the consume loop and waits up to timeout for it to exit.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	c.running = false
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("orchestrator did not stop within %s", timeout)
	}
	c.handler.Wait()

	c.logger.Info("orchestrator stopped",
		"replies_processed", c.repliesProcessed.Load(),
		"replies_malformed", c.repliesMalformed.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "orchestrator",
		Type:        "processor",
		Description: "Applies worker replies and cascades runs to sibling tasks",
		Version:     "0.1.0",
	}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return orchestratorSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.repliesMalformed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// IsRunning returns whether the component is running.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// LastActivity returns when the last reply was handled.
func (c *Component) LastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}
