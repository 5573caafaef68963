// Package queue moves ingest requests between the API and the workers over
// RabbitMQ.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/docgraph/internal/util"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// IngestQueue carries IngestMessage bodies.
	IngestQueue = "ingest_queue"
	// TopicExchange receives events such as TopicDocumentLoaded.
	TopicExchange       = "pubsub_exchange"
	TopicDocumentLoaded = "document.loaded"

	retryDelay   = 10 * time.Second
	dialAttempts = 5
)

// Channel is the part of *amqp091.Channel used here.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Dial connects to RabbitMQ. It tries a few times with a growing pause so a
// broker that is still starting does not fail the process.
func Dial(ctx context.Context, url string) (*amqp091.Connection, error) {
	attempt := 0
	conn, err := util.RetryWithContext(ctx, dialAttempts, func(ctx context.Context) (*amqp091.Connection, error) {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			logger.Warn("[Queue] Retrying connection", "attempt", attempt+1)
		}
		attempt++
		return amqp091.Dial(url)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

func RetryQueue(name string) string { return name + "_retry" }
func DeadLetterQueue(name string) string { return name + "_dlq" }

// SetupQueues declares every queue with its dead letter queue and a retry
// queue that hands messages back after a delay, plus the topic exchange.
func SetupQueues(ch Channel, queueNames ...string) error {
	if err := ch.ExchangeDeclare(TopicExchange, "topic", false, true, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", TopicExchange, err)
	}

	for _, name := range queueNames {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if _, err := ch.QueueDeclare(DeadLetterQueue(name), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", DeadLetterQueue(name), err)
		}
		_, err := ch.QueueDeclare(RetryQueue(name), true, false, false, false, amqp091.Table{
			"x-message-ttl":             int32(retryDelay.Milliseconds()),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": name,
		})
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", RetryQueue(name), err)
		}
	}
	return nil
}

// PublishFIFO sends a persistent message to a queue.
func PublishFIFO(ctx context.Context, ch Channel, queueName string, data []byte, headers amqp091.Table) error {
	return ch.PublishWithContext(ctx, "", queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
}

// PublishTopic sends an event to the topic exchange.
func PublishTopic(ctx context.Context, ch Channel, topic string, data []byte) error {
	return ch.PublishWithContext(ctx, TopicExchange, topic, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
}
