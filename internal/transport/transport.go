// Package transport defines the canonical message pair exchanged with the
// WhatsApp providers and the Adapter contract each provider implements.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Provider names a transport.
type Provider string

const (
	Kommo   Provider = "kommo"
	Twilio  Provider = "twilio"
	Baileys Provider = "baileys"
	Mock    Provider = "mock"
)

// ErrInvalidSignature is returned by ValidateSignature when a webhook is
// not authentic. Handlers answer 401 before any processing.
var ErrInvalidSignature = errors.New("transport: invalid signature")

// IncomingMessage is a customer message in canonical form.
type IncomingMessage struct {
	Provider    Provider  `json:"provider"`
	Phone       string    `json:"phone"` // normalized "+<digits>"
	Text        string    `json:"text"`
	ContactName string    `json:"contact_name,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"` // per-transport chat id
	MessageID   string    `json:"message_id,omitempty"`  // provider message id
	InstanceID  string    `json:"instance_id,omitempty"` // socket-bridge instance
	ReceivedAt  time.Time `json:"received_at"`
}

// OutgoingMessage is a reply addressed to one conversation.
type OutgoingMessage struct {
	Provider   Provider `json:"provider"`
	To         string   `json:"to"`
	Text       string   `json:"text"`
	ExternalID string   `json:"external_id,omitempty"`
	InstanceID string   `json:"instance_id,omitempty"`
}

// SendResult is the outcome of a send attempt. Send never returns an
// error; failures are described here so callers can record them.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Failed builds an unsuccessful SendResult.
func Failed(err error) SendResult {
	return SendResult{Error: err.Error()}
}

// Sender delivers outbound messages.
type Sender interface {
	Send(ctx context.Context, msg OutgoingMessage) SendResult
}

// Adapter is implemented by each provider.
type Adapter interface {
	Sender

	// Name returns the provider this adapter serves.
	Name() Provider

	// ValidateSignature authenticates a webhook request. body is the raw
	// request body; r.Body has already been consumed.
	ValidateSignature(r *http.Request, body []byte) error

	// Parse converts a webhook into a canonical message. It returns
	// (nil, nil) for authentic webhooks that carry no customer message.
	Parse(ctx context.Context, r *http.Request, body []byte) (*IncomingMessage, error)
}

// HealthChecker is implemented by adapters whose upstream can be health-checked.
type HealthChecker interface {
	Health(ctx context.Context) error
}
