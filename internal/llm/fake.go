package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFakeExhausted is returned when a Fake has no scripted answer left.
var ErrFakeExhausted = errors.New("llm: fake has no more responses")

// Fake is a scripted Client. Each call consumes the next step.
type Fake struct {
	mu       sync.Mutex
	steps    []fakeStep
	requests []Request
	delay    time.Duration
}

type fakeStep struct {
	resp *Response
	err  error
}

// NewFake returns a Fake that answers with responses in order.
func NewFake(responses ...*Response) *Fake {
	f := &Fake{}
	for _, r := range responses {
		f.steps = append(f.steps, fakeStep{resp: r})
	}
	return f
}

// Then appends a response.
func (f *Fake) Then(r *Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, fakeStep{resp: r})
	return f
}

// ThenFail appends a failing call.
func (f *Fake) ThenFail(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, fakeStep{err: err})
	return f
}

// WithDelay makes every call wait d or until the context is done.
func (f *Fake) WithDelay(d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Complete implements Client.
func (f *Fake) Complete(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	delay := f.delay
	var step fakeStep
	if len(f.steps) == 0 {
		step.err = ErrFakeExhausted
	} else {
		step, f.steps = f.steps[0], f.steps[1:]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

// Requests returns a copy of every request received.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}
