package queue

import (
	"fmt"
	"strings"
	"time"
)

// Config names the streams and subjects shared by the orchestrator and
// the workers.
type Config struct {
	// TaskStream holds queued tasks.
	TaskStream string `yaml:"task_stream"`
	// TaskPrefix is the subject prefix for task messages.
	TaskPrefix string `yaml:"task_prefix"`
	// ResponseStream holds worker replies until the orchestrator acks them.
	ResponseStream string `yaml:"response_stream"`
	// ResponseSubject is the reply-to destination put on every task.
	ResponseSubject string `yaml:"response_subject"`
	// AckWait bounds how long a worker may hold a task before redelivery.
	AckWait time.Duration `yaml:"ack_wait"`
	// AllowUnrouted publishes tasks even when no worker consumer is bound
	// to their subject. By default such tasks fail with NO_ROUTE_TO_QUEUE.
	AllowUnrouted bool `yaml:"allow_unrouted"`
	// RouteCacheTTL is how long a positive route lookup is trusted.
	RouteCacheTTL time.Duration `yaml:"route_cache_ttl"`
}

// DefaultConfig returns the default stream layout.
func DefaultConfig() Config {
	return Config{
		TaskStream:      "DOCFLOW_TASKS",
		TaskPrefix:      "docflow.task",
		ResponseStream:  "DOCFLOW_RESPONSES",
		ResponseSubject: "docflow.responses.orchestrator",
		AckWait:         time.Hour,
		RouteCacheTTL:   30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TaskStream == "" {
		return fmt.Errorf("queue.task_stream is required")
	}
	if c.TaskPrefix == "" || strings.ContainsAny(c.TaskPrefix, "*> ") {
		return fmt.Errorf("queue.task_prefix must be a literal subject")
	}
	if c.ResponseStream == "" {
		return fmt.Errorf("queue.response_stream is required")
	}
	if c.ResponseSubject == "" || strings.ContainsAny(c.ResponseSubject, "*> ") {
		return fmt.Errorf("queue.response_subject must be a literal subject")
	}
	if strings.HasPrefix(c.ResponseSubject, c.TaskPrefix+".") {
		return fmt.Errorf("queue.response_subject must not overlap queue.task_prefix")
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("queue.ack_wait must be positive")
	}
	return nil
}

// responseFilter is the subject space of the response stream.
func (c Config) responseFilter() string {
	if i := strings.LastIndex(c.ResponseSubject, "."); i > 0 {
		return c.ResponseSubject[:i] + ".>"
	}
	return c.ResponseSubject
}
