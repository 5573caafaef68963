package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/docgraph/pkg/chunker"
	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/embed"
	"github.com/OFFIS-RIT/docgraph/pkg/graph"
	"github.com/OFFIS-RIT/docgraph/pkg/pipeline"
	"github.com/OFFIS-RIT/docgraph/pkg/store/memory"

	"github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	queues     map[string]amqp091.Table
	exchanges  []string
	published  []published
	publishErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{queues: make(map[string]amqp091.Table)}
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp091.Table) (amqp091.Queue, error) {
	f.queues[name] = args
	return amqp091.Queue{Name: name}, nil
}

func (f *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp091.Table) error {
	f.exchanges = append(f.exchanges, name)
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

type fakeAck struct {
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAck) Ack(uint64, bool) error { a.acks++; return nil }
func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}
func (a *fakeAck) Reject(uint64, bool) error { return nil }

type fakeProcessor struct {
	err  error
	docs []common.Document
}

func (p *fakeProcessor) Process(_ context.Context, doc common.Document) (pipeline.DocumentReport, error) {
	p.docs = append(p.docs, doc)
	if p.err != nil {
		return pipeline.DocumentReport{}, p.err
	}
	return pipeline.DocumentReport{
		DocumentID: "d1",
		Filename:   doc.Filename,
		State:      pipeline.StateLoaded,
		Load:       graph.LoadReport{DocumentID: "d1", Entities: 2, Relationships: 1, Chunks: 1},
	}, nil
}

func delivery(t *testing.T, ack *fakeAck, body string, headers amqp091.Table) amqp091.Delivery {
	t.Helper()
	return amqp091.Delivery{Acknowledger: ack, Body: []byte(body), Headers: headers}
}

const aliceBody = `{"id":"d1","filename":"alice.txt","content":"Alice works for Acme.","metadata":{"lang":"en"}}`

func TestSetupQueues(t *testing.T) {
	ch := newFakeChannel()
	if err := SetupQueues(ch, IngestQueue); err != nil {
		t.Fatalf("SetupQueues() error = %v", err)
	}
	for _, name := range []string{"ingest_queue", "ingest_queue_dlq", "ingest_queue_retry"} {
		if _, ok := ch.queues[name]; !ok {
			t.Errorf("queue %s not declared", name)
		}
	}
	retry := ch.queues["ingest_queue_retry"]
	if retry["x-dead-letter-routing-key"] != IngestQueue {
		t.Errorf("retry queue routes to %v", retry["x-dead-letter-routing-key"])
	}
	if retry["x-message-ttl"] != int32(10000) {
		t.Errorf("retry ttl = %v", retry["x-message-ttl"])
	}
	if len(ch.exchanges) != 1 || ch.exchanges[0] != TopicExchange {
		t.Errorf("exchanges = %v", ch.exchanges)
	}
}

func TestRetries(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp091.Table
		want    int
	}{
		{"missing", nil, 0},
		{"int32", amqp091.Table{"x-retries": int32(3)}, 3},
		{"int64", amqp091.Table{"x-retries": int64(4)}, 4},
		{"int", amqp091.Table{"x-retries": 5}, 5},
		{"uint8", amqp091.Table{"x-retries": uint8(6)}, 6},
		{"string", amqp091.Table{"x-retries": "7"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retries(tt.headers); got != tt.want {
				t.Errorf("Retries() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHandleSuccess(t *testing.T) {
	ch := newFakeChannel()
	proc := &fakeProcessor{}
	w := NewWorker(ch, proc, "")
	var results []string
	w.Observe = func(r string) { results = append(results, r) }
	ack := &fakeAck{}

	w.Handle(context.Background(), delivery(t, ack, aliceBody, nil))

	if ack.acks != 1 || ack.nacks != 0 {
		t.Errorf("acks = %d, nacks = %d", ack.acks, ack.nacks)
	}
	if len(proc.docs) != 1 || proc.docs[0].ID != "d1" || proc.docs[0].Content != "Alice works for Acme." {
		t.Fatalf("processed docs = %#v", proc.docs)
	}
	if !proc.docs[0].Metadata["lang"].Equal(common.String("en")) {
		t.Errorf("metadata = %#v", proc.docs[0].Metadata)
	}
	if len(ch.published) != 1 {
		t.Fatalf("published = %d messages, want 1", len(ch.published))
	}
	pub := ch.published[0]
	if pub.exchange != TopicExchange || pub.key != TopicDocumentLoaded {
		t.Errorf("event published to %s/%s", pub.exchange, pub.key)
	}
	var event LoadedEvent
	if err := json.Unmarshal(pub.msg.Body, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	want := LoadedEvent{DocumentID: "d1", Filename: "alice.txt", Chunks: 1, Entities: 2, Relationships: 1}
	if event != want {
		t.Errorf("event = %#v, want %#v", event, want)
	}
	if len(results) != 1 || results[0] != ResultAcked {
		t.Errorf("results = %v", results)
	}
}

func TestHandleFailureRetries(t *testing.T) {
	ch := newFakeChannel()
	w := NewWorker(ch, &fakeProcessor{err: errors.New("store down")}, IngestQueue)
	ack := &fakeAck{}

	w.Handle(context.Background(), delivery(t, ack, aliceBody, amqp091.Table{"x-retries": int64(2), "trace": "abc"}))

	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1", ack.acks)
	}
	if len(ch.published) != 1 {
		t.Fatalf("published = %d messages, want 1", len(ch.published))
	}
	pub := ch.published[0]
	if pub.key != "ingest_queue_retry" {
		t.Errorf("retried to %s", pub.key)
	}
	if pub.msg.Headers["x-retries"] != int32(3) {
		t.Errorf("x-retries = %#v, want int32(3)", pub.msg.Headers["x-retries"])
	}
	if pub.msg.Headers["trace"] != "abc" {
		t.Errorf("headers not carried over: %v", pub.msg.Headers)
	}
}

func TestHandleFailureDeadLetters(t *testing.T) {
	ch := newFakeChannel()
	w := NewWorker(ch, &fakeProcessor{err: errors.New("store down")}, IngestQueue)
	ack := &fakeAck{}

	w.Handle(context.Background(), delivery(t, ack, aliceBody, amqp091.Table{"x-retries": int32(MaxRetries)}))

	if len(ch.published) != 1 || ch.published[0].key != "ingest_queue_dlq" {
		t.Fatalf("published = %#v, want one message to the dlq", ch.published)
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1", ack.acks)
	}
}

func TestHandleMalformedMessage(t *testing.T) {
	for _, body := range []string{`not json`, `{"filename":"empty.txt"}`, `{"content":"x","metadata":{"tags":["a"]}}`} {
		ch := newFakeChannel()
		proc := &fakeProcessor{}
		w := NewWorker(ch, proc, IngestQueue)
		ack := &fakeAck{}

		w.Handle(context.Background(), delivery(t, ack, body, nil))

		if len(proc.docs) != 0 {
			t.Errorf("%s: processor was called", body)
		}
		if len(ch.published) != 1 || ch.published[0].key != "ingest_queue_dlq" {
			t.Errorf("%s: published = %#v, want dlq", body, ch.published)
		}
	}
}

func TestHandleAssignsIDBeforeRetry(t *testing.T) {
	ch := newFakeChannel()
	proc := &fakeProcessor{err: errors.New("store down")}
	w := NewWorker(ch, proc, IngestQueue)

	w.Handle(context.Background(), delivery(t, &fakeAck{}, `{"filename":"a.txt","content":"text"}`, nil))

	if len(proc.docs) != 1 || proc.docs[0].ID == "" {
		t.Fatalf("processed docs = %#v, want one with an id", proc.docs)
	}
	if len(ch.published) != 1 {
		t.Fatalf("published = %d messages, want 1", len(ch.published))
	}
	retried, err := DecodeIngestMessage(ch.published[0].msg.Body)
	if err != nil {
		t.Fatalf("DecodeIngestMessage() error = %v", err)
	}
	if retried.ID != proc.docs[0].ID {
		t.Errorf("retried id = %q, want %q", retried.ID, proc.docs[0].ID)
	}
}

type wholeChunker struct{}

func (wholeChunker) Chunk(_ context.Context, doc common.Document) ([]chunker.Span, error) {
	return []chunker.Span{{Text: doc.Content}}, nil
}

type aliceExtractor struct{}

func (aliceExtractor) Extract(context.Context, string) (common.ExtractionResult, error) {
	return common.ExtractionResult{
		Entities: []common.Entity{{Name: "Alice", Type: "Person"}, {Name: "Acme", Type: "Organization"}},
		Relationships: []common.Relationship{
			{SourceName: "Alice", TargetName: "Acme", Type: "works_for"},
		},
	}, nil
}

func TestReplayedMessageLoadsOneDocument(t *testing.T) {
	chunkFailures := 1
	st := memory.New(memory.WithFailures(func(op, _ string) error {
		if op == "CreateChunk" && chunkFailures > 0 {
			chunkFailures--
			return errors.New("connection reset")
		}
		return nil
	}))
	emb, err := embed.NewZero(4)
	if err != nil {
		t.Fatalf("NewZero() error = %v", err)
	}
	p, err := pipeline.New(pipeline.Params{
		Store:     st,
		Chunker:   wholeChunker{},
		Embedder:  emb,
		Extractor: aliceExtractor{},
		Policies:  pipeline.DefaultPolicies(),
	})
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}

	ch := newFakeChannel()
	w := NewWorker(ch, p, IngestQueue)
	w.Handle(context.Background(), delivery(t, &fakeAck{}, `{"filename":"alice.txt","content":"Alice works for Acme."}`, nil))

	if len(ch.published) != 1 || ch.published[0].key != RetryQueue(IngestQueue) {
		t.Fatalf("published = %#v, want one retry", ch.published)
	}
	retry := ch.published[0].msg
	ack := &fakeAck{}
	w.Handle(context.Background(), delivery(t, ack, string(retry.Body), retry.Headers))

	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1", ack.acks)
	}
	if docs := st.NodeIDs(common.LabelDocument); len(docs) != 1 {
		t.Errorf("document nodes = %v, want exactly one", docs)
	}
	if chunks := st.NodeIDs(common.LabelTextChunk); len(chunks) != 1 {
		t.Errorf("chunk nodes = %v, want exactly one", chunks)
	}
}

func TestHandleNacksWhenRepublishFails(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = errors.New("channel closed")
	w := NewWorker(ch, &fakeProcessor{err: errors.New("boom")}, IngestQueue)
	ack := &fakeAck{}

	w.Handle(context.Background(), delivery(t, ack, aliceBody, nil))

	if ack.nacks != 1 || !ack.requeue || ack.acks != 0 {
		t.Errorf("acks = %d, nacks = %d, requeue = %v", ack.acks, ack.nacks, ack.requeue)
	}
}

func TestRunStopsOnClosedChannel(t *testing.T) {
	ch := newFakeChannel()
	proc := &fakeProcessor{}
	w := NewWorker(ch, proc, IngestQueue)

	deliveries := make(chan amqp091.Delivery, 2)
	deliveries <- delivery(t, &fakeAck{}, aliceBody, nil)
	deliveries <- delivery(t, &fakeAck{}, aliceBody, nil)
	close(deliveries)

	w.Run(context.Background(), deliveries)
	if len(proc.docs) != 2 {
		t.Errorf("processed %d messages, want 2", len(proc.docs))
	}
}

func TestPublish(t *testing.T) {
	ch := newFakeChannel()
	msg := IngestMessage{Filename: "a.txt", Content: "text"}
	if err := Publish(context.Background(), ch, "", msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(ch.published) != 1 || ch.published[0].key != IngestQueue {
		t.Fatalf("published = %#v", ch.published)
	}
	got, err := DecodeIngestMessage(ch.published[0].msg.Body)
	if err != nil {
		t.Fatalf("DecodeIngestMessage() error = %v", err)
	}
	if got.Filename != "a.txt" || got.Content != "text" {
		t.Errorf("round trip = %#v", got)
	}
	if ch.published[0].msg.DeliveryMode != amqp091.Persistent {
		t.Errorf("message is not persistent")
	}
}
