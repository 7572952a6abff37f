package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Defaults for the RabbitMQ backend.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 10 * time.Second
	attemptHeader      = "x-attempt"
	publishTimeout     = 5 * time.Second
)

// RetryQueue and DeadLetterQueue name the companions of a main queue.
func RetryQueue(main string) string      { return main + ".retry" }
func DeadLetterQueue(main string) string { return main + ".dlq" }

// amqpPublisher is the subset of *amqp.Channel used to publish.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// declareTopology creates the main queue, a retry queue that dead-letters
// back to main after the message TTL, and a dead-letter queue for jobs
// that are rejected.
func declareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(DeadLetterQueue(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare %s: %w", DeadLetterQueue(queue), err)
	}
	if _, err := ch.QueueDeclare(RetryQueue(queue), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("queue: declare %s: %w", RetryQueue(queue), err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterQueue(queue),
	}); err != nil {
		return fmt.Errorf("queue: declare %s: %w", queue, err)
	}
	return nil
}

func dial(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("queue: channel: %w", err)
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func publishJob(ctx context.Context, pub amqpPublisher, key string, job Job, expiration time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(job.Attempt)},
		Body:         body,
	}
	if expiration > 0 {
		msg.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)
	}
	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := pub.PublishWithContext(cctx, "", key, false, false, msg); err != nil {
		return fmt.Errorf("queue: publish %s: %w", job.ID, err)
	}
	return nil
}

// Publisher enqueues jobs on RabbitMQ.
type Publisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewPublisher connects and declares the queue topology.
func NewPublisher(url, queue string) (*Publisher, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue publishes a persistent job message.
func (p *Publisher) Enqueue(ctx context.Context, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return publishJob(ctx, p.ch, p.queue, job, 0)
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Consumer runs jobs from RabbitMQ. A failed job is republished to the
// retry queue until MaxAttempts, then rejected into the dead-letter queue.
type Consumer struct {
	url         string
	queue       string
	concurrency int
	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
	handler     Handler
	errs        chan *JobError
	log         zerolog.Logger

	mu  sync.Mutex
	pub amqpPublisher
}

// ConsumerOpts holds parameters for creating a Consumer.
type ConsumerOpts struct {
	URL         string
	Queue       string
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration // per job
	Handler     Handler
	Log         *zerolog.Logger
}

// NewConsumer creates a Consumer. Run connects and blocks.
func NewConsumer(opts ConsumerOpts) (*Consumer, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("queue: handler is required")
	}
	if opts.Queue == "" {
		return nil, fmt.Errorf("queue: queue name is required")
	}
	c := &Consumer{
		url:         opts.URL,
		queue:       opts.Queue,
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		timeout:     opts.Timeout,
		handler:     opts.Handler,
		log:         zerolog.Nop(),
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultWorkers
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if opts.Log != nil {
		c.log = *opts.Log
	}
	c.errs = make(chan *JobError, c.concurrency*4)
	return c, nil
}

// Errors returns failed attempts. The channel is closed when Run returns.
func (c *Consumer) Errors() <-chan *JobError { return c.errs }

// Run consumes until ctx is cancelled, then waits for in-flight jobs.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.errs)

	conn, ch, err := dial(c.url, c.queue)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		return fmt.Errorf("queue: qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume: %w", err)
	}
	c.mu.Lock()
	c.pub = ch
	c.mu.Unlock()

	c.log.Info().Str("queue", c.queue).Int("concurrency", c.concurrency).Msg("consumer started")

	work := make(chan amqp.Delivery, c.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				c.handle(ctx, d)
			}
		}()
	}

	defer func() {
		close(work)
		wg.Wait()
		c.log.Info().Msg("consumer stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("queue: delivery channel closed")
			}
			work <- d
		}
	}
}

// handle settles one delivery. Once ctx is cancelled, deliveries that
// have not started are requeued for another consumer; a job already
// running finishes under its own timeout.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	if ctx.Err() != nil {
		if err := d.Nack(false, true); err != nil {
			c.log.Error().Err(err).Str("message_id", d.MessageId).Msg("requeue on shutdown failed")
		}
		return
	}
	ctx = context.WithoutCancel(ctx)

	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil || job.ID == "" {
		c.log.Error().Err(err).Str("message_id", d.MessageId).Msg("malformed job, dead-lettering")
		_ = d.Nack(false, false)
		return
	}
	job.Attempt++

	jctx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.handler(jctx, job)
	cancel()
	if err == nil {
		if err := d.Ack(false); err != nil {
			c.log.Error().Err(err).Str("job", job.ID).Msg("ack failed")
		}
		return
	}

	select {
	case c.errs <- &JobError{Job: job, Err: err}:
	default:
	}

	if job.Attempt >= c.maxAttempts {
		c.log.Error().Err(err).Str("job", job.ID).Int("attempt", job.Attempt).Msg("job failed, dead-lettering")
		_ = d.Nack(false, false)
		return
	}

	c.mu.Lock()
	pubErr := publishJob(ctx, c.pub, RetryQueue(c.queue), job, c.retryDelay*time.Duration(job.Attempt))
	c.mu.Unlock()
	if pubErr != nil {
		c.log.Error().Err(pubErr).Str("job", job.ID).Msg("retry publish failed, dead-lettering")
		_ = d.Nack(false, false)
		return
	}
	c.log.Warn().Err(err).Str("job", job.ID).Int("attempt", job.Attempt).Msg("job failed, retrying")
	_ = d.Ack(false)
}
