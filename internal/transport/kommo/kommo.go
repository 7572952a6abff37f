// Package kommo implements the transport Adapter for the Kommo CRM chat
// channel: signed webhooks in, Chat API messages out.
package kommo

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ndvalle/mostrador/internal/transport"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// SignatureHeader carries the hex HMAC-SHA1 of the raw body.
	SignatureHeader = "X-Signature"
	// DefaultChatBaseURL is the Kommo Chat API host.
	DefaultChatBaseURL = "https://amojo.kommo.com"

	defaultBotName = "Neumáticos del Valle Bot"
	sendTimeout    = 15 * time.Second
)

// messageEvents are the envelope event names that carry a customer message.
var messageEvents = map[string]bool{
	"new_message":      true,
	"message":          true,
	"incoming_message": true,
}

// ContactLookup resolves CRM contact details missing from a webhook.
type ContactLookup interface {
	Contact(ctx context.Context, id string) (*Contact, error)
}

// Contact is the subset of a CRM contact used to enrich messages.
type Contact struct {
	ID    string
	Name  string
	Phone string
}

// Adapter implements transport.Adapter for Kommo.
type Adapter struct {
	secret   []byte
	scopeID  string
	botID    string
	botName  string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	contacts ContactLookup
	log      zerolog.Logger
	now      func() time.Time
}

// AdapterOpts holds parameters for creating a Kommo Adapter.
type AdapterOpts struct {
	ChannelSecret string
	ScopeID       string
	BotID         string
	BotName       string        // defaults to the store bot name
	ChatBaseURL   string        // defaults to DefaultChatBaseURL
	RatePerSec    float64       // outbound throttle, 0 = unlimited
	HTTPClient    *http.Client  // defaults to a client with a send timeout
	Contacts      ContactLookup // optional enrichment
	Log           *zerolog.Logger
	Now           func() time.Time
}

// New creates a Kommo Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.ChannelSecret == "" {
		return nil, fmt.Errorf("kommo: channel secret is required")
	}
	if opts.ScopeID == "" {
		return nil, fmt.Errorf("kommo: scope id is required")
	}
	a := &Adapter{
		secret:   []byte(opts.ChannelSecret),
		scopeID:  opts.ScopeID,
		botID:    opts.BotID,
		botName:  opts.BotName,
		baseURL:  strings.TrimRight(opts.ChatBaseURL, "/"),
		client:   opts.HTTPClient,
		limiter:  transport.NewLimiter(opts.RatePerSec),
		contacts: opts.Contacts,
		log:      zerolog.Nop(),
		now:      opts.Now,
	}
	if a.botName == "" {
		a.botName = defaultBotName
	}
	if a.botID == "" {
		a.botID = "bot"
	}
	if a.baseURL == "" {
		a.baseURL = DefaultChatBaseURL
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

// Name returns transport.Kommo.
func (a *Adapter) Name() transport.Provider { return transport.Kommo }

// Sign returns the hex HMAC-SHA1 of data under the channel secret.
func (a *Adapter) Sign(data []byte) string {
	mac := hmac.New(sha1.New, a.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks X-Signature against the raw body.
func (a *Adapter) ValidateSignature(r *http.Request, body []byte) error {
	got := strings.ToLower(strings.TrimSpace(r.Header.Get(SignatureHeader)))
	if got == "" {
		return transport.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(got), []byte(a.Sign(body))) {
		return transport.ErrInvalidSignature
	}
	return nil
}

// envelope is the webhook body.
type envelope struct {
	Event   string `json:"event"`
	ChatID  string `json:"chat_id"`
	Message struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Text      string `json:"text"`
		CreatedAt int64  `json:"created_at"`
	} `json:"message"`
	Contact struct {
		ID    json.Number `json:"id"`
		Name  string      `json:"name"`
		Phone string      `json:"phone"`
	} `json:"contact"`
}

// Parse converts a message event into an IncomingMessage. Other events
// return (nil, nil).
func (a *Adapter) Parse(ctx context.Context, _ *http.Request, body []byte) (*transport.IncomingMessage, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("kommo: parse webhook: %w", err)
	}
	if !messageEvents[env.Event] || strings.TrimSpace(env.Message.Text) == "" {
		return nil, nil
	}

	name, phone := env.Contact.Name, env.Contact.Phone
	contactID := env.Contact.ID.String()
	if (name == "" || phone == "") && contactID != "" && a.contacts != nil {
		c, err := a.contacts.Contact(ctx, contactID)
		if err != nil {
			a.log.Warn().Err(err).Str("contact_id", contactID).Msg("kommo contact lookup failed")
		} else {
			if name == "" {
				name = c.Name
			}
			if phone == "" {
				phone = c.Phone
			}
		}
	}
	phone = transport.NormalizePhone(phone)
	if phone == "" {
		return nil, fmt.Errorf("kommo: message %s has no contact phone", env.Message.ID)
	}

	received := a.now().UTC()
	if env.Message.CreatedAt > 0 {
		received = time.Unix(env.Message.CreatedAt, 0).UTC()
	}
	return &transport.IncomingMessage{
		Provider:    transport.Kommo,
		Phone:       phone,
		Text:        env.Message.Text,
		ContactName: name,
		ExternalID:  env.ChatID,
		MessageID:   env.Message.ID,
		ReceivedAt:  received,
	}, nil
}

type sendRequest struct {
	EventType string      `json:"event_type"`
	Payload   sendPayload `json:"payload"`
}

type sendPayload struct {
	Timestamp      int64       `json:"timestamp"`
	MsecTimestamp  int64       `json:"msec_timestamp"`
	MsgID          string      `json:"msgid"`
	ConversationID string      `json:"conversation_id"`
	Sender         participant `json:"sender"`
	Receiver       participant `json:"receiver"`
	Message        content     `json:"message"`
	Silent         bool        `json:"silent"`
}

type participant struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	NewMessage struct {
		MsgID string `json:"msgid"`
	} `json:"new_message"`
}

// Send posts the reply to the chat identified by msg.ExternalID.
func (a *Adapter) Send(ctx context.Context, msg transport.OutgoingMessage) transport.SendResult {
	if msg.ExternalID == "" {
		return transport.Failed(fmt.Errorf("kommo: conversation id is required"))
	}
	if err := transport.Throttle(ctx, a.limiter); err != nil {
		return transport.Failed(err)
	}

	now := a.now()
	path := "/v2/origin/custom/" + a.scopeID
	body, err := json.Marshal(sendRequest{
		EventType: "new_message",
		Payload: sendPayload{
			Timestamp:      now.Unix(),
			MsecTimestamp:  now.UnixMilli(),
			MsgID:          ulid.Make().String(),
			ConversationID: msg.ExternalID,
			Sender:         participant{ID: a.botID, Name: a.botName},
			Receiver:       participant{ID: "client", Phone: transport.Digits(msg.To)},
			Message:        content{Type: "text", Text: msg.Text},
		},
	})
	if err != nil {
		return transport.Failed(fmt.Errorf("kommo: encode message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return transport.Failed(fmt.Errorf("kommo: build request: %w", err))
	}
	a.signRequest(req, path, body, now)

	resp, err := a.client.Do(req)
	if err != nil {
		return transport.Failed(fmt.Errorf("kommo: send: %w", err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return transport.Failed(fmt.Errorf("kommo: send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
	var out sendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return transport.Failed(fmt.Errorf("kommo: decode send response: %w", err))
	}
	return transport.SendResult{Success: true, MessageID: out.NewMessage.MsgID}
}

// signRequest sets the Chat API authentication headers. The signature
// covers method, body MD5, content type, date and path, newline-joined.
func (a *Adapter) signRequest(req *http.Request, path string, body []byte, now time.Time) {
	sum := md5.Sum(body)
	contentMD5 := hex.EncodeToString(sum[:])
	date := now.UTC().Format(time.RFC1123Z)
	const contentType = "application/json"

	signing := strings.Join([]string{req.Method, contentMD5, contentType, date, path}, "\n")
	req.Header.Set("Date", date)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-MD5", contentMD5)
	req.Header.Set(SignatureHeader, a.Sign([]byte(signing)))
	req.Header.Set("Accept", "application/json")
}
