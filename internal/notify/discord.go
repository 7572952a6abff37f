package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const notifyTimeout = 10 * time.Second

// webhookSession is the subset of *discordgo.Session used here.
type webhookSession interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts through a channel webhook.
type Discord struct {
	sess  webhookSession
	id    string
	token string
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	WebhookURL string // https://discord.com/api/webhooks/<id>/<token>
	// For testing: inject a session instead of the real API.
	Session webhookSession
}

// NewDiscord creates a Discord notifier.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	id, token, err := parseWebhookURL(opts.WebhookURL)
	if err != nil {
		return nil, err
	}
	d := &Discord{sess: opts.Session, id: id, token: token}
	if d.sess == nil {
		s, err := discordgo.New("")
		if err != nil {
			return nil, fmt.Errorf("notify: discord session: %w", err)
		}
		s.Client.Timeout = notifyTimeout
		d.sess = s
	}
	return d, nil
}

func parseWebhookURL(u string) (id, token string, err error) {
	_, rest, ok := strings.Cut(u, "/webhooks/")
	if !ok {
		return "", "", fmt.Errorf("notify: discord webhook url %q is not a webhook", u)
	}
	id, token, ok = strings.Cut(strings.Trim(rest, "/"), "/")
	if !ok || id == "" || token == "" || strings.Contains(token, "/") {
		return "", "", fmt.Errorf("notify: discord webhook url %q is malformed", u)
	}
	return id, token, nil
}

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, a Alert) error {
	embed := &discordgo.MessageEmbed{
		Title:       headline(a),
		Description: a.Text,
		Color:       a.color(),
		Footer:      &discordgo.MessageEmbedFooter{Text: "mostrador · " + string(a.Kind)},
	}
	for _, f := range a.fields() {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f[0], Value: f[1], Inline: true})
	}
	_, err := d.sess.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Username: "mostrador",
		Embeds:   []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: discord: %w", err)
	}
	return nil
}
