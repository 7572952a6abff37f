package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
)

// Slack posts alerts to an incoming webhook.
type Slack struct {
	url    string
	client *http.Client
}

// NewSlack creates a Slack notifier. client may be nil.
func NewSlack(webhookURL string, client *http.Client) (*Slack, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("notify: slack webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: notifyTimeout}
	}
	return &Slack{url: webhookURL, client: client}, nil
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, a Alert) error {
	att := slack.Attachment{
		Color:  fmt.Sprintf("#%06X", a.color()),
		Title:  headline(a),
		Text:   a.Text,
		Footer: "mostrador · " + string(a.Kind),
	}
	for _, f := range a.fields() {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: f[0], Value: f[1], Short: true})
	}
	msg := &slack.WebhookMessage{
		Text:        headline(a),
		Attachments: []slack.Attachment{att},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return fmt.Errorf("notify: slack: %w", err)
	}
	return nil
}
