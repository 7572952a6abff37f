// Package twilio implements the transport Adapter for the Twilio WhatsApp
// bridge: form-encoded signed webhooks in, Messages API out.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ndvalle/mostrador/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// SignatureHeader carries the base64 HMAC-SHA1 request signature.
	SignatureHeader = "X-Twilio-Signature"
	// DefaultAPIBaseURL is the Twilio REST host.
	DefaultAPIBaseURL = "https://api.twilio.com"

	sendTimeout = 15 * time.Second
)

// Adapter implements transport.Adapter for Twilio.
type Adapter struct {
	accountSID string
	authToken  string
	from       string
	publicURL  string
	baseURL    string
	client     *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
	now        func() time.Time
}

// AdapterOpts holds parameters for creating a Twilio Adapter.
type AdapterOpts struct {
	AccountSID     string
	AuthToken      string
	WhatsAppNumber string // sender number, with or without "whatsapp:"
	PublicURL      string // externally visible base URL of this service
	APIBaseURL     string // defaults to DefaultAPIBaseURL
	RatePerSec     float64
	HTTPClient     *http.Client
	Log            *zerolog.Logger
	Now            func() time.Time
}

// New creates a Twilio Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.AccountSID == "" {
		return nil, fmt.Errorf("twilio: account sid is required")
	}
	if opts.AuthToken == "" {
		return nil, fmt.Errorf("twilio: auth token is required")
	}
	if opts.WhatsAppNumber == "" {
		return nil, fmt.Errorf("twilio: whatsapp number is required")
	}
	if opts.PublicURL == "" {
		return nil, fmt.Errorf("twilio: public url is required for signature validation")
	}
	a := &Adapter{
		accountSID: opts.AccountSID,
		authToken:  opts.AuthToken,
		from:       transport.NormalizePhone(opts.WhatsAppNumber),
		publicURL:  strings.TrimRight(opts.PublicURL, "/"),
		baseURL:    strings.TrimRight(opts.APIBaseURL, "/"),
		client:     opts.HTTPClient,
		limiter:    transport.NewLimiter(opts.RatePerSec),
		log:        zerolog.Nop(),
		now:        opts.Now,
	}
	if a.baseURL == "" {
		a.baseURL = DefaultAPIBaseURL
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

// Name returns transport.Twilio.
func (a *Adapter) Name() transport.Provider { return transport.Twilio }

// Signature computes the Twilio request signature for a full URL and its
// POST parameters: the URL followed by every key and value, keys sorted.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature recomputes the signature over the public URL of the
// request and compares it in constant time.
func (a *Adapter) ValidateSignature(r *http.Request, body []byte) error {
	got := r.Header.Get(SignatureHeader)
	if got == "" {
		return transport.ErrInvalidSignature
	}
	params, err := url.ParseQuery(string(body))
	if err != nil {
		return transport.ErrInvalidSignature
	}
	want := Signature(a.authToken, a.publicURL+r.URL.RequestURI(), params)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return transport.ErrInvalidSignature
	}
	return nil
}

// Parse converts an inbound message webhook. Status callbacks and empty
// bodies return (nil, nil).
func (a *Adapter) Parse(_ context.Context, _ *http.Request, body []byte) (*transport.IncomingMessage, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("twilio: parse webhook: %w", err)
	}
	text := form.Get("Body")
	if strings.TrimSpace(text) == "" || form.Get("MessageStatus") != "" {
		return nil, nil
	}
	phone := transport.NormalizePhone(form.Get("From"))
	if phone == "" {
		return nil, fmt.Errorf("twilio: message %s has no sender", form.Get("MessageSid"))
	}
	return &transport.IncomingMessage{
		Provider:    transport.Twilio,
		Phone:       phone,
		Text:        text,
		ContactName: form.Get("ProfileName"),
		ExternalID:  form.Get("WaId"),
		MessageID:   form.Get("MessageSid"),
		ReceivedAt:  a.now().UTC(),
	}, nil
}

type messageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Code         int    `json:"code"`
	Message      string `json:"message"`
}

// Send creates a WhatsApp message through the Messages API.
func (a *Adapter) Send(ctx context.Context, msg transport.OutgoingMessage) transport.SendResult {
	to := transport.NormalizePhone(msg.To)
	if to == "" {
		return transport.Failed(fmt.Errorf("twilio: recipient is required"))
	}
	if err := transport.Throttle(ctx, a.limiter); err != nil {
		return transport.Failed(err)
	}

	form := url.Values{}
	form.Set("From", "whatsapp:"+a.from)
	form.Set("To", "whatsapp:"+to)
	form.Set("Body", msg.Text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", a.baseURL, a.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return transport.Failed(fmt.Errorf("twilio: build request: %w", err))
	}
	req.SetBasicAuth(a.accountSID, a.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return transport.Failed(fmt.Errorf("twilio: send: %w", err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out messageResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		detail := out.Message
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return transport.Failed(fmt.Errorf("twilio: send: status %d: %s", resp.StatusCode, detail))
	}
	if out.ErrorCode != nil {
		return transport.Failed(fmt.Errorf("twilio: send: error %d: %s", *out.ErrorCode, out.ErrorMessage))
	}
	return transport.SendResult{Success: true, MessageID: out.SID}
}
