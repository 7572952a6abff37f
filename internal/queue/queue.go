// Package queue decouples webhook acknowledgement from turn processing.
// Jobs run on a bounded in-process pool or are handed to RabbitMQ for a
// separate worker process.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ndvalle/mostrador/internal/transport"
	"github.com/oklog/ulid/v2"
)

// ErrQueueFull is returned by Enqueue when the pool buffer is full.
var ErrQueueFull = errors.New("queue: full")

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("queue: stopped")

// Job is one inbound message waiting to be processed.
type Job struct {
	ID         string                    `json:"id"`
	Message    transport.IncomingMessage `json:"message"`
	EnqueuedAt time.Time                 `json:"enqueued_at"`
	Attempt    int                       `json:"attempt"`
}

// NewJob wraps msg with a fresh sortable id.
func NewJob(msg transport.IncomingMessage) Job {
	return Job{ID: ulid.Make().String(), Message: msg, EnqueuedAt: time.Now().UTC()}
}

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// Enqueuer accepts jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// JobError reports a job whose handler failed.
type JobError struct {
	Job Job
	Err error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("queue: job %s (%s %s): %v", e.Job.ID, e.Job.Message.Provider, e.Job.Message.Phone, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
