package mq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     chan kafka.Message
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{queue: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.queue <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.queue:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func newTestQueue(reader *fakeReader, writer *fakeWriter) *KafkaQueue {
	return &KafkaQueue{
		config:    KafkaConfig{Brokers: []string{"localhost:9092"}},
		writer:    writer,
		newReader: func(topic, group string) messageReader { return reader },
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMessageHeadersSurviveKafkaEncoding(t *testing.T) {
	t.Parallel()
	src := NewMessage([]byte(`{"submission_id":1}`))
	src.ID = "1"
	src.RetryCount = 2
	src.Expiration = 1500 * time.Millisecond
	src.SetHeader("trace_id", "abc")

	got := fromKafkaMessage(toKafkaMessage("judge", src))
	if got.ID != "1" || got.RetryCount != 2 || got.MaxRetries != 3 || got.Expiration != src.Expiration {
		t.Fatalf("unexpected decoded message %+v", got)
	}
	if v, _ := got.GetHeader("trace_id"); v != "abc" {
		t.Fatalf("custom header lost: %v", got.Headers)
	}
	if !got.Timestamp.Equal(src.Timestamp) {
		t.Fatalf("timestamp mismatch")
	}
}

func TestSubscriptionCommitsHandledMessages(t *testing.T) {
	t.Parallel()
	reader := newFakeReader(
		toKafkaMessage("judge", &Message{ID: "1", Body: []byte("a")}),
		toKafkaMessage("judge", &Message{ID: "2", Body: []byte("b")}),
	)
	q := newTestQueue(reader, &fakeWriter{})
	var handled atomic.Int32
	err := q.SubscribeWithOptions(context.Background(), "judge", func(ctx context.Context, m *Message) error {
		handled.Add(1)
		return nil
	}, &SubscribeOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return reader.commits() == 2 })
	if err := q.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if handled.Load() != 2 || !reader.closed {
		t.Fatalf("expected 2 handled and reader closed, got %d %v", handled.Load(), reader.closed)
	}
}

func TestSubscriptionDeadLettersAfterRetries(t *testing.T) {
	t.Parallel()
	reader := newFakeReader(toKafkaMessage("judge", &Message{ID: "9", Body: []byte("x"), MaxRetries: 2}))
	writer := &fakeWriter{}
	q := newTestQueue(reader, writer)
	var attempts atomic.Int32
	err := q.SubscribeWithOptions(context.Background(), "judge", func(ctx context.Context, m *Message) error {
		attempts.Add(1)
		return errors.New("queue full")
	}, &SubscribeOptions{RetryDelay: time.Millisecond, DeadLetterTopic: "judge.dlq"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return reader.commits() == 1 })
	_ = q.Stop()

	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
	out := writer.written()
	if len(out) != 1 || out[0].Topic != "judge.dlq" {
		t.Fatalf("expected one dead letter, got %+v", out)
	}
	if dead := fromKafkaMessage(out[0]); dead.RetryCount != 2 {
		t.Fatalf("expected retry count 2 on dead letter, got %d", dead.RetryCount)
	}
}

func TestSubscriptionDropsExpiredMessages(t *testing.T) {
	t.Parallel()
	old := &Message{ID: "1", Timestamp: time.Now().Add(-time.Hour), Expiration: time.Minute}
	reader := newFakeReader(toKafkaMessage("judge", old))
	q := newTestQueue(reader, &fakeWriter{})
	var handled atomic.Int32
	_ = q.Subscribe(context.Background(), "judge", func(ctx context.Context, m *Message) error {
		handled.Add(1)
		return nil
	})
	_ = q.Start()
	waitFor(t, func() bool { return reader.commits() == 1 })
	_ = q.Stop()
	if handled.Load() != 0 {
		t.Fatalf("expired message reached the handler")
	}
}

func TestTokenLimiter(t *testing.T) {
	t.Parallel()
	l := NewTokenLimiter(1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	l.Release()
	l.Release()
	if l.Available() != 1 {
		t.Fatalf("release must not exceed capacity, got %d", l.Available())
	}
}
