package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// MockSignatureHeader carries the shared secret checked by MockAdapter.
const MockSignatureHeader = "X-Mock-Signature"

// MockAdapter implements Adapter for testing. It records sent messages and
// can be told to fail sends.
type MockAdapter struct {
	mu      sync.Mutex
	name    Provider
	secret  string
	sent    []OutgoingMessage
	failErr error
	counter int
}

// NewMockAdapter creates a MockAdapter answering as provider name. An
// empty secret accepts every request.
func NewMockAdapter(name Provider, secret string) *MockAdapter {
	if name == "" {
		name = Mock
	}
	return &MockAdapter{name: name, secret: secret}
}

// Name returns the configured provider.
func (m *MockAdapter) Name() Provider { return m.name }

// ValidateSignature compares the mock header with the secret.
func (m *MockAdapter) ValidateSignature(r *http.Request, _ []byte) error {
	if m.secret == "" {
		return nil
	}
	if r.Header.Get(MockSignatureHeader) != m.secret {
		return ErrInvalidSignature
	}
	return nil
}

// Parse decodes the body as an IncomingMessage. A body without text is
// treated as a non-message event.
func (m *MockAdapter) Parse(_ context.Context, _ *http.Request, body []byte) (*IncomingMessage, error) {
	var msg IncomingMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("mock adapter: parse: %w", err)
	}
	if msg.Text == "" {
		return nil, nil
	}
	msg.Provider = m.name
	msg.Phone = NormalizePhone(msg.Phone)
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	return &msg, nil
}

// Send records the outbound message, or fails when SetFailure was called.
func (m *MockAdapter) Send(ctx context.Context, msg OutgoingMessage) SendResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	if m.failErr != nil {
		return Failed(m.failErr)
	}
	m.counter++
	m.sent = append(m.sent, msg)
	return SendResult{Success: true, MessageID: fmt.Sprintf("mock-%d", m.counter)}
}

// --- Test helpers ---

// SetFailure makes subsequent sends fail with msg. An empty msg restores
// success.
func (m *MockAdapter) SetFailure(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg == "" {
		m.failErr = nil
		return
	}
	m.failErr = errors.New(msg)
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutgoingMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutgoingMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutgoingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutgoingMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
