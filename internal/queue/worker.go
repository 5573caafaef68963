package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"
	"github.com/OFFIS-RIT/docgraph/pkg/pipeline"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rabbitmq/amqp091-go"
)

// MaxRetries is the number of retries before a message goes to the dead
// letter queue.
const MaxRetries = 10

// Message results passed to Worker.Observe.
const (
	ResultAcked      = "acked"
	ResultRetried    = "retried"
	ResultDeadLetter = "dead_lettered"
)

// Processor loads one document.
type Processor interface {
	Process(ctx context.Context, doc common.Document) (pipeline.DocumentReport, error)
}

// Worker consumes ingest messages and runs them through a Processor.
type Worker struct {
	ch        Channel
	processor Processor
	queue     string

	// Observe is called with the result of every handled message.
	Observe func(result string)
}

func NewWorker(ch Channel, processor Processor, queueName string) *Worker {
	if queueName == "" {
		queueName = IngestQueue
	}
	return &Worker{ch: ch, processor: processor, queue: queueName}
}

// Run handles deliveries one at a time until ctx is done or the channel
// closes.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping consumer", "queue", w.queue)
			return
		case msg, ok := <-deliveries:
			if !ok {
				logger.Info("[Queue] Message channel closed", "queue", w.queue)
				return
			}
			w.Handle(ctx, msg)
		}
	}
}

// Handle processes one delivery and acks, retries or dead letters it.
func (w *Worker) Handle(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()

	in, err := DecodeIngestMessage(msg.Body)
	if err != nil {
		logger.Error("[Queue] Malformed message", "queue", w.queue, "err", err)
		w.deadLetter(ctx, msg, msg.Body)
		return
	}

	// Retries must reach the same Document node, so an id-less message
	// gets its id here and is retried with it.
	body := msg.Body
	if in.ID == "" {
		if in.ID, err = gonanoid.New(); err == nil {
			body, err = json.Marshal(in)
		}
		if err != nil {
			logger.Error("[Queue] Failed to assign document id", "queue", w.queue, "err", err)
			w.retry(ctx, msg, msg.Body)
			return
		}
	}

	report, err := w.processor.Process(ctx, in.Document())
	if err != nil {
		logger.Error("[Queue] Error processing message", "queue", w.queue,
			"document_id", in.ID, "filename", in.Filename, "kind", pipeline.KindOf(err), "err", err)
		w.retry(ctx, msg, body)
		return
	}

	if err := msg.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "err", err)
	}
	w.observe(ResultAcked)

	event, err := json.Marshal(NewLoadedEvent(report))
	if err == nil {
		err = PublishTopic(ctx, w.ch, TopicDocumentLoaded, event)
	}
	if err != nil {
		logger.Warn("[Queue] Failed to publish loaded event", "document_id", report.DocumentID, "err", err)
	}
	logger.Info("[Queue] Message processed", "queue", w.queue, "document_id", report.DocumentID,
		"duration", time.Since(start))
}

func (w *Worker) observe(result string) {
	if w.Observe != nil {
		w.Observe(result)
	}
}

// Retries reads the x-retries header. Brokers and clients differ in the
// integer type they use.
func Retries(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	}
	return 0
}

func (w *Worker) retry(ctx context.Context, msg amqp091.Delivery, body []byte) {
	retries := Retries(msg.Headers)
	if retries >= MaxRetries {
		w.deadLetter(ctx, msg, body)
		return
	}

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)

	target := RetryQueue(w.queue)
	if err := PublishFIFO(ctx, w.ch, target, body, headers); err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", target, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
	w.observe(ResultRetried)
}

func (w *Worker) deadLetter(ctx context.Context, msg amqp091.Delivery, body []byte) {
	target := DeadLetterQueue(w.queue)
	logger.Info("[Queue] Sending message to DLQ", "dlq", target, "retries", Retries(msg.Headers))
	if err := PublishFIFO(ctx, w.ch, target, body, msg.Headers); err != nil {
		logger.Error("[Queue] Failed to publish to DLQ", "dlq", target, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
	w.observe(ResultDeadLetter)
}

// Publish encodes msg and enqueues it on queueName, IngestQueue when empty.
func Publish(ctx context.Context, ch Channel, queueName string, msg IngestMessage) error {
	if queueName == "" {
		queueName = IngestQueue
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode ingest message: %w", err)
	}
	return PublishFIFO(ctx, ch, queueName, body, nil)
}
