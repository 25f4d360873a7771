package queue

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/docflow/workflow"
)

// Header names carried on every task and reply message.
const (
	HeaderCorrelationID = "Docflow-Correlation-Id"
	HeaderReplyTo       = "Docflow-Reply-To"
	HeaderPriority      = "Docflow-Priority"
)

var (
	// ErrNoRoute means no consumer is bound to the subject a task would be
	// published on.
	ErrNoRoute = errors.New("no queue bound for routing key")
	// ErrNoMessage is returned by Next when nothing arrived in time.
	ErrNoMessage = errors.New("no message available")
	// ErrNoReplyTo means a delivery carried no reply destination.
	ErrNoReplyTo = errors.New("missing reply-to")

	ErrInvalidRoutingKey = errors.New("invalid routing key")
	ErrInvalidBindingKey = errors.New("invalid binding key")
)

// Publisher queues a task for the workers bound to its routing key.
type Publisher interface {
	Publish(ctx context.Context, task *workflow.Task, doc *workflow.Document) error
}

// Replier publishes a worker reply.
type Replier interface {
	Reply(ctx context.Context, replyTo, correlationID string, body []byte) error
}

// Delivery is one received message awaiting settlement.
type Delivery interface {
	Data() []byte
	CorrelationID() string
	ReplyTo() string
	Ack() error
	// Nak returns the message to the stream for redelivery.
	Nak() error
}

// Source yields deliveries one at a time. Next returns ErrNoMessage when
// nothing arrives within wait.
type Source interface {
	Next(ctx context.Context, wait time.Duration) (Delivery, error)
}
