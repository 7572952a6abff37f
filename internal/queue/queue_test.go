package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ndvalle/mostrador/internal/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

func testJob(text string) Job {
	return NewJob(transport.IncomingMessage{Provider: transport.Mock, Phone: "+5493815550000", Text: text})
}

// ---------------------------------------------------------------------------
// Pool
// ---------------------------------------------------------------------------

func TestNewPool_RequiresHandler(t *testing.T) {
	if _, err := NewPool(PoolOpts{}); err == nil {
		t.Fatal("expected error for missing handler")
	}
}

func TestNewJob_AssignsID(t *testing.T) {
	a, b := testJob("a"), testJob("b")
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids = %q, %q; want unique non-empty", a.ID, b.ID)
	}
	if len(a.ID) != 26 {
		t.Errorf("id length = %d, want 26", len(a.ID))
	}
	if a.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not set")
	}
}

func TestPool_ProcessesAllJobsBeforeStop(t *testing.T) {
	var n atomic.Int32
	p, err := NewPool(PoolOpts{Workers: 3, Size: 10, Handler: func(ctx context.Context, job Job) error {
		n.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	for i := 0; i < 8; i++ {
		if err := p.Enqueue(context.Background(), testJob("hola")); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	p.Stop()

	if n.Load() != 8 {
		t.Errorf("handled = %d, want 8", n.Load())
	}
	processed, failed, _ := p.Stats()
	if processed != 8 || failed != 0 {
		t.Errorf("Stats = %d processed, %d failed", processed, failed)
	}
	if err := p.Enqueue(context.Background(), testJob("late")); !errors.Is(err, ErrStopped) {
		t.Errorf("Enqueue after Stop = %v, want ErrStopped", err)
	}
}

func TestPool_FullBufferRejects(t *testing.T) {
	p, err := NewPool(PoolOpts{Workers: 1, Size: 2, Handler: func(context.Context, Job) error { return nil }})
	if err != nil {
		t.Fatal(err)
	}
	// Not started, so nothing drains the buffer.
	for i := 0; i < 2; i++ {
		if err := p.Enqueue(context.Background(), testJob("x")); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := p.Enqueue(context.Background(), testJob("x")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue = %v, want ErrQueueFull", err)
	}
	if p.Len() != 2 {
		t.Errorf("Len = %d, want 2", p.Len())
	}
}

func TestPool_ReportsFailuresAndPanics(t *testing.T) {
	p, err := NewPool(PoolOpts{Workers: 1, Size: 4, Handler: func(ctx context.Context, job Job) error {
		switch job.Message.Text {
		case "boom":
			return errors.New("database is down")
		case "panic":
			panic("nil map")
		}
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	for _, text := range []string{"ok", "boom", "panic"} {
		if err := p.Enqueue(context.Background(), testJob(text)); err != nil {
			t.Fatal(err)
		}
	}
	p.Stop()

	var got []string
	for je := range p.Errors() {
		got = append(got, je.Job.Message.Text)
		if je.Job.Attempt != 1 {
			t.Errorf("Attempt = %d, want 1", je.Job.Attempt)
		}
	}
	if len(got) != 2 || got[0] != "boom" || got[1] != "panic" {
		t.Errorf("failed jobs = %v, want [boom panic]", got)
	}
	_, failed, _ := p.Stats()
	if failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
}

func TestPool_JobContextOutlivesEnqueueContext(t *testing.T) {
	done := make(chan error, 1)
	p, err := NewPool(PoolOpts{Workers: 1, Size: 1, Handler: func(ctx context.Context, job Job) error {
		time.Sleep(20 * time.Millisecond)
		done <- ctx.Err()
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	reqCtx, cancel := context.WithCancel(context.Background())
	if err := p.Enqueue(reqCtx, testJob("x")); err != nil {
		t.Fatal(err)
	}
	cancel()
	p.Stop()

	if err := <-done; err != nil {
		t.Errorf("job context error = %v, want nil", err)
	}
}

func TestPool_DrainsBufferedJobsAfterCancel(t *testing.T) {
	gate := make(chan struct{})
	var ran, cancelled atomic.Int32
	p, err := NewPool(PoolOpts{Workers: 1, Size: 4, Handler: func(ctx context.Context, job Job) error {
		if job.Message.Text == "first" {
			<-gate
		}
		ran.Add(1)
		if ctx.Err() != nil {
			cancelled.Add(1)
		}
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	for _, text := range []string{"first", "a", "b", "c"} {
		if err := p.Enqueue(context.Background(), testJob(text)); err != nil {
			t.Fatalf("Enqueue %s: %v", text, err)
		}
	}

	cancel()
	close(gate)
	p.Stop()

	if ran.Load() != 4 {
		t.Errorf("ran = %d, want 4", ran.Load())
	}
	if cancelled.Load() != 0 {
		t.Errorf("jobs with a cancelled context = %d, want 0", cancelled.Load())
	}
}

// ---------------------------------------------------------------------------
// RabbitMQ consumer settlement
// ---------------------------------------------------------------------------

type fakeAck struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued bool
}

func (f *fakeAck) Ack(uint64, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	f.requeued = requeue
	return nil
}

func (f *fakeAck) Reject(_ uint64, requeue bool) error { return f.Nack(0, false, requeue) }

type fakePublisher struct {
	keys []string
	msgs []amqp.Publishing
	err  error
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func delivery(t *testing.T, ack amqp.Acknowledger, job Job) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	return amqp.Delivery{Acknowledger: ack, Body: body, MessageId: job.ID}
}

func newTestConsumer(t *testing.T, pub amqpPublisher, h Handler) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerOpts{Queue: "turns", Handler: h, MaxAttempts: 3, RetryDelay: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	c.pub = pub
	return c
}

func TestConsumer_AcksSuccess(t *testing.T) {
	ack := &fakeAck{}
	pub := &fakePublisher{}
	c := newTestConsumer(t, pub, func(context.Context, Job) error { return nil })

	c.handle(context.Background(), delivery(t, ack, testJob("hola")))

	if ack.acks != 1 || ack.nacks != 0 {
		t.Errorf("acks/nacks = %d/%d, want 1/0", ack.acks, ack.nacks)
	}
	if len(pub.msgs) != 0 {
		t.Errorf("published %d retries, want 0", len(pub.msgs))
	}
}

func TestConsumer_RetriesWithBackoff(t *testing.T) {
	ack := &fakeAck{}
	pub := &fakePublisher{}
	c := newTestConsumer(t, pub, func(context.Context, Job) error { return errors.New("llm down") })

	c.handle(context.Background(), delivery(t, ack, testJob("hola")))

	if ack.acks != 1 {
		t.Errorf("acks = %d, want original acked after retry publish", ack.acks)
	}
	if len(pub.keys) != 1 || pub.keys[0] != "turns.retry" {
		t.Fatalf("retry keys = %v, want [turns.retry]", pub.keys)
	}
	if pub.msgs[0].Expiration != "1000" {
		t.Errorf("Expiration = %q, want 1000", pub.msgs[0].Expiration)
	}
	var job Job
	if err := json.Unmarshal(pub.msgs[0].Body, &job); err != nil {
		t.Fatal(err)
	}
	if job.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", job.Attempt)
	}
	select {
	case je := <-c.Errors():
		if je.Err.Error() != "llm down" {
			t.Errorf("error = %v", je.Err)
		}
	default:
		t.Error("no error reported")
	}
}

func TestConsumer_DeadLettersAfterMaxAttempts(t *testing.T) {
	ack := &fakeAck{}
	pub := &fakePublisher{}
	c := newTestConsumer(t, pub, func(context.Context, Job) error { return errors.New("still down") })

	job := testJob("hola")
	job.Attempt = 2
	c.handle(context.Background(), delivery(t, ack, job))

	if ack.nacks != 1 || ack.requeued {
		t.Errorf("nacks = %d requeue = %v, want 1 without requeue", ack.nacks, ack.requeued)
	}
	if len(pub.msgs) != 0 {
		t.Errorf("published %d retries, want 0", len(pub.msgs))
	}
}

func TestConsumer_MalformedBodyDeadLetters(t *testing.T) {
	ack := &fakeAck{}
	called := false
	c := newTestConsumer(t, &fakePublisher{}, func(context.Context, Job) error { called = true; return nil })

	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("not json")})

	if called {
		t.Error("handler called for malformed body")
	}
	if ack.nacks != 1 {
		t.Errorf("nacks = %d, want 1", ack.nacks)
	}
}

func TestConsumer_RetryPublishFailureDeadLetters(t *testing.T) {
	ack := &fakeAck{}
	c := newTestConsumer(t, &fakePublisher{err: errors.New("channel closed")}, func(context.Context, Job) error {
		return errors.New("boom")
	})

	c.handle(context.Background(), delivery(t, ack, testJob("hola")))

	if ack.nacks != 1 || ack.acks != 0 {
		t.Errorf("acks/nacks = %d/%d, want 0/1", ack.acks, ack.nacks)
	}
}

func TestConsumer_RequeuesUnstartedOnShutdown(t *testing.T) {
	ack := &fakeAck{}
	called := false
	c := newTestConsumer(t, &fakePublisher{}, func(context.Context, Job) error { called = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.handle(ctx, delivery(t, ack, testJob("hola")))

	if called {
		t.Error("handler called after shutdown")
	}
	if ack.nacks != 1 || !ack.requeued {
		t.Errorf("nacks = %d requeue = %v, want 1 with requeue", ack.nacks, ack.requeued)
	}
}

func TestConsumer_ShutdownDuringJobStillRetries(t *testing.T) {
	ack := &fakeAck{}
	pub := &fakePublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var jobErr error
	c := newTestConsumer(t, pub, func(jctx context.Context, _ Job) error {
		cancel()
		jobErr = jctx.Err()
		return errors.New("llm down")
	})
	c.handle(ctx, delivery(t, ack, testJob("hola")))

	if jobErr != nil {
		t.Errorf("job context err = %v, want nil while running", jobErr)
	}
	if len(pub.keys) != 1 || ack.acks != 1 || ack.nacks != 0 {
		t.Errorf("retries = %d acks/nacks = %d/%d, want 1 retry and 1/0", len(pub.keys), ack.acks, ack.nacks)
	}
}

func TestQueueNames(t *testing.T) {
	if RetryQueue("turns") != "turns.retry" || DeadLetterQueue("turns") != "turns.dlq" {
		t.Errorf("names = %q, %q", RetryQueue("turns"), DeadLetterQueue("turns"))
	}
}
