// Package queue provides a durable AMQP 0-9-1 work queue for ingest
// pipeline messages, using a tagged JSON envelope so a single queue can
// carry more than one message shape.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message type tags carried in Envelope.Type.
const (
	TypeChunk    = "chunk"
	TypeEmail    = "email"
	TypeEmailRef = "email_ref"
)

// Envelope is the wire format for every message placed on a queue: a type
// tag plus the tag-specific body, deferred as raw JSON until the consumer
// knows which concrete type to unmarshal into.
type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// ChunkBody is the Envelope.Body shape for TypeChunk. Total is the chunk
// count the uploader committed to when it wrote the source's chunks to the
// blob store; the handler for index derives IsLast from it and chains
// index+1 itself, so only the first chunk is ever enqueued externally.
type ChunkBody struct {
	SourceID string `json:"source_id"`
	TenantID string `json:"tenant_id"`
	BlobKey  string `json:"blob_key"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
}

// IsLast reports whether this is the final chunk of its source.
func (c ChunkBody) IsLast() bool { return c.Index == c.Total-1 }

// EmailBody is the Envelope.Body shape for TypeEmail: the raw MIME bytes
// travel inline in the message.
type EmailBody struct {
	SourceID string `json:"source_id"`
	TenantID string `json:"tenant_id"`
	Raw      []byte `json:"raw"`
}

// EmailRefBody is the Envelope.Body shape for TypeEmailRef: the raw MIME
// bytes were too large for the queue message and were spilled to blob
// storage instead; BlobKey names where to fetch them.
type EmailRefBody struct {
	SourceID string `json:"source_id"`
	TenantID string `json:"tenant_id"`
	BlobKey  string `json:"blob_key"`
}

// Queue is a durable, at-least-once AMQP work queue connection. A Queue
// owns one underlying connection and one channel; callers needing
// independent publish/consume concurrency should open separate Queues.
type Queue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the AMQP broker at url and declares the named queue
// durable.
func Dial(url, name string) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("queue: qos: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("queue: declare %q: %w", name, err)
	}
	return &Queue{conn: conn, ch: ch}, nil
}

// Close releases the channel and connection.
func (q *Queue) Close() error {
	chErr := q.ch.Close()
	connErr := q.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// Publisher is satisfied by *Queue. Consumers depend on this interface
// instead of *Queue directly so they can be tested against a fake.
type Publisher interface {
	Publish(ctx context.Context, queueName, typ string, body any) error
}

// Publish wraps body in an Envelope tagged typ and publishes it to the
// named queue as a persistent message.
func Publish(ctx context.Context, q *Queue, queueName, typ string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("queue: marshal body: %w", err)
	}
	env := Envelope{Type: typ, Body: raw}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	return q.ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
}

// Publish implements Publisher, delegating to the package-level Publish
// function.
func (q *Queue) Publish(ctx context.Context, queueName, typ string, body any) error {
	return Publish(ctx, q, queueName, typ, body)
}

// Delivery is a single consumed message paired with its decoded envelope.
type Delivery struct {
	Envelope Envelope
	raw      amqp.Delivery
}

// RetryCount returns how many times this delivery has already been
// redelivered, derived from the AMQP "x-death" header chain maintained by a
// dead-letter policy, or 0 if the header is absent (first delivery).
func (d Delivery) RetryCount() int {
	xDeath, ok := d.raw.Headers["x-death"].([]any)
	if !ok {
		return 0
	}
	count := 0
	for _, entry := range xDeath {
		m, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		if n, ok := m["count"].(int64); ok {
			count += int(n)
		}
	}
	return count
}

// Ack acknowledges successful processing of the delivery.
func (d Delivery) Ack() error { return d.raw.Ack(false) }

// Nack rejects the delivery. If requeue is false, a configured
// dead-letter-exchange policy on the queue is responsible for routing it to
// a retry or dead-letter queue.
func (d Delivery) Nack(requeue bool) error { return d.raw.Nack(false, requeue) }

// Consume starts consuming from the named queue and returns a channel of
// decoded deliveries. The channel closes when ctx is cancelled or the
// underlying AMQP delivery channel closes.
func Consume(ctx context.Context, q *Queue, queueName, consumerTag string) (<-chan Delivery, error) {
	deliveries, err := q.ch.ConsumeWithContext(ctx, queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: consume %q: %w", queueName, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal(d.Body, &env); err != nil {
					d.Nack(false, false)
					continue
				}
				select {
				case out <- Delivery{Envelope: env, raw: d}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
