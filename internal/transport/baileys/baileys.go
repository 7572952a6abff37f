// Package baileys implements the transport Adapter for the self-hosted
// WhatsApp socket bridge. The bridge forwards messages and connection
// events to our webhook and exposes a small REST API for sending.
package baileys

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ndvalle/mostrador/internal/events"
	"github.com/ndvalle/mostrador/internal/models"
	"github.com/ndvalle/mostrador/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// APIKeyHeader carries the shared secret on webhooks and API calls.
	APIKeyHeader = "X-Baileys-API-Key"
	// APIKeyHeaderAlias is accepted on webhooks as well.
	APIKeyHeaderAlias = "X-API-Key"

	sendTimeout = 15 * time.Second
)

// Bridge event names.
const (
	EventMessageReceived = "message_received"
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventQRGenerated     = "qr_generated"
	EventError           = "error"
)

// InstanceRecorder persists instance status pushed by the bridge.
type InstanceRecorder interface {
	RecordStatus(ctx context.Context, id, status, lastError string) error
}

// Adapter implements transport.Adapter for the socket bridge.
type Adapter struct {
	baseURL         string
	apiKey          string
	defaultInstance string
	client          *http.Client
	limiter         *rate.Limiter
	instances       InstanceRecorder
	events          *events.Emitter
	log             zerolog.Logger
	now             func() time.Time
}

// AdapterOpts holds parameters for creating a Baileys Adapter.
type AdapterOpts struct {
	BaseURL         string
	APIKey          string
	DefaultInstance string // used when an outgoing message names none
	RatePerSec      float64
	HTTPClient      *http.Client
	Instances       InstanceRecorder // optional
	Events          *events.Emitter  // optional
	Log             *zerolog.Logger
	Now             func() time.Time
}

// New creates a Baileys Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("baileys: base url is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("baileys: api key is required")
	}
	a := &Adapter{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		apiKey:          opts.APIKey,
		defaultInstance: opts.DefaultInstance,
		client:          opts.HTTPClient,
		limiter:         transport.NewLimiter(opts.RatePerSec),
		instances:       opts.Instances,
		events:          opts.Events,
		log:             zerolog.Nop(),
		now:             opts.Now,
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: sendTimeout}
	}
	if opts.Log != nil {
		a.log = *opts.Log
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Name returns transport.Baileys.
func (a *Adapter) Name() transport.Provider { return transport.Baileys }

// ValidateSignature compares the shared API key in constant time.
func (a *Adapter) ValidateSignature(r *http.Request, _ []byte) error {
	got := r.Header.Get(APIKeyHeader)
	if got == "" {
		got = r.Header.Get(APIKeyHeaderAlias)
	}
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.apiKey)) != 1 {
		return transport.ErrInvalidSignature
	}
	return nil
}

type webhook struct {
	InstanceID string          `json:"instance_id"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	Timestamp  string          `json:"timestamp"`
}

type messageData struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id"`
	PushName  string `json:"push_name"`
	IsGroup   bool   `json:"is_group"`
	Phone     string `json:"phone"`
}

type statusData struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// Parse converts a message_received event. Connection events update the
// instance status and return (nil, nil).
func (a *Adapter) Parse(ctx context.Context, _ *http.Request, body []byte) (*transport.IncomingMessage, error) {
	var wh webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("baileys: parse webhook: %w", err)
	}
	if wh.InstanceID == "" {
		return nil, fmt.Errorf("baileys: webhook without instance_id")
	}

	switch wh.Event {
	case EventMessageReceived:
		return a.parseMessage(wh)
	case EventConnected:
		a.recordStatus(ctx, wh.InstanceID, models.InstanceConnected, "")
	case EventDisconnected:
		a.recordStatus(ctx, wh.InstanceID, models.InstanceDisconnected, statusDetail(wh.Data))
	case EventQRGenerated:
		a.recordStatus(ctx, wh.InstanceID, models.InstanceQRPending, "")
	case EventError:
		a.recordStatus(ctx, wh.InstanceID, models.InstanceDisconnected, statusDetail(wh.Data))
	default:
		a.log.Debug().Str("event", wh.Event).Str("instance", wh.InstanceID).Msg("baileys event ignored")
	}
	return nil, nil
}

func (a *Adapter) parseMessage(wh webhook) (*transport.IncomingMessage, error) {
	var d messageData
	if err := json.Unmarshal(wh.Data, &d); err != nil {
		return nil, fmt.Errorf("baileys: parse message data: %w", err)
	}
	if d.IsGroup || strings.TrimSpace(d.Body) == "" {
		return nil, nil
	}
	phone := transport.NormalizePhone(d.Phone)
	if phone == "" {
		phone = transport.NormalizePhone(d.From)
	}
	if phone == "" {
		return nil, fmt.Errorf("baileys: message %s has no sender", d.MessageID)
	}
	received := a.now().UTC()
	if ts, err := time.Parse(time.RFC3339, wh.Timestamp); err == nil {
		received = ts.UTC()
	}
	return &transport.IncomingMessage{
		Provider:    transport.Baileys,
		Phone:       phone,
		Text:        d.Body,
		ContactName: d.PushName,
		ExternalID:  d.From,
		MessageID:   d.MessageID,
		InstanceID:  wh.InstanceID,
		ReceivedAt:  received,
	}, nil
}

func statusDetail(raw json.RawMessage) string {
	var d statusData
	if len(raw) == 0 || json.Unmarshal(raw, &d) != nil {
		return ""
	}
	for _, s := range []string{d.Error, d.Message, d.Reason} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (a *Adapter) recordStatus(ctx context.Context, id, status, lastError string) {
	a.log.Info().Str("instance", id).Str("status", status).Msg("baileys instance status")
	a.events.Publish(events.InstanceStatus, 0, map[string]any{"instance_id": id, "status": status, "error": lastError})
	if a.instances == nil {
		return
	}
	if err := a.instances.RecordStatus(ctx, id, status, lastError); err != nil {
		a.log.Error().Err(err).Str("instance", id).Msg("record baileys instance status")
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send posts the reply through the instance the conversation last used,
// or the default instance.
func (a *Adapter) Send(ctx context.Context, msg transport.OutgoingMessage) transport.SendResult {
	instance := msg.InstanceID
	if instance == "" {
		instance = a.defaultInstance
	}
	if instance == "" {
		return transport.Failed(fmt.Errorf("baileys: no instance for outgoing message"))
	}
	to := transport.Digits(msg.To)
	if to == "" {
		return transport.Failed(fmt.Errorf("baileys: recipient is required"))
	}
	if err := transport.Throttle(ctx, a.limiter); err != nil {
		return transport.Failed(err)
	}

	body, err := json.Marshal(sendRequest{To: to, Message: msg.Text})
	if err != nil {
		return transport.Failed(fmt.Errorf("baileys: encode message: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/instances/"+url.PathEscape(instance)+"/send", bytes.NewReader(body))
	if err != nil {
		return transport.Failed(fmt.Errorf("baileys: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return transport.Failed(fmt.Errorf("baileys: send: %w", err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out sendResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 || !out.Success {
		detail := out.Error
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return transport.Failed(fmt.Errorf("baileys: send via %s: status %d: %s", instance, resp.StatusCode, detail))
	}
	return transport.SendResult{Success: true, MessageID: out.MessageID}
}

// Health checks the bridge's /health endpoint.
func (a *Adapter) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("baileys: health: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("baileys: health: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		Status string `json:"status"`
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("baileys: health: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("baileys: health: %w", err)
	}
	if out.Status != "ok" {
		return fmt.Errorf("baileys: health: bridge reports %q", out.Status)
	}
	return nil
}
