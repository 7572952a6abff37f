package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ndvalle/mostrador/internal/events"
	"github.com/ndvalle/mostrador/internal/models"
	"github.com/ndvalle/mostrador/internal/transport"
)

type delivery struct {
	intent  Intent
	started time.Time
	human   bool
	userID  string
}

// deliver persists an outbound message and then sends it. A failed send is
// recorded on the row; the row itself is never rolled back.
func (p *Processor) deliver(ctx context.Context, conv *models.Conversation, text string, sender transport.Sender, d delivery) (*models.Message, transport.SendResult, error) {
	msg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        text,
		SentByHuman:    d.human,
		Provider:       conv.Transport,
		Intent:         string(d.intent),
	}
	if d.userID != "" {
		msg.SentByUserID = &d.userID
	}
	if !d.started.IsZero() {
		ms := p.now().Sub(d.started).Milliseconds()
		msg.ResponseTimeMs = &ms
	}
	if err := p.convs.AppendMessage(ctx, msg); err != nil {
		return nil, transport.SendResult{}, fmt.Errorf("processor: persist reply: %w", err)
	}

	res := sender.Send(ctx, transport.OutgoingMessage{
		Provider:   transport.Provider(conv.Transport),
		To:         conv.Phone,
		Text:       text,
		ExternalID: conv.ExternalID,
		InstanceID: conv.InstanceID,
	})

	status := models.DeliverySent
	if !res.Success {
		status = models.DeliveryFailed
		p.log.Warn().Uint("conversation", conv.ID).Str("provider", conv.Transport).Str("error", res.Error).Msg("send failed")
		p.events.Publish(events.MessageSendFailed, conv.ID, map[string]any{"provider": conv.Transport, "error": res.Error})
	} else {
		p.events.Publish(events.MessageSent, conv.ID, map[string]any{
			"provider":   conv.Transport,
			"message_id": res.MessageID,
			"human":      d.human,
		})
	}
	if err := p.convs.RecordDelivery(ctx, msg.ID, status, res.MessageID, res.Error); err != nil {
		p.log.Warn().Err(err).Uint("message", msg.ID).Msg("record delivery")
	} else {
		msg.DeliveryStatus, msg.DeliveryError, msg.ProviderMessageID = status, res.Error, res.MessageID
	}
	return msg, res, nil
}

// SendHuman sends an operator-authored message through the conversation's
// transport. The text is sent as written.
func (p *Processor) SendHuman(ctx context.Context, convID uint, text, userID string, sender transport.Sender) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("processor: message text is required")
	}
	conv, err := p.convs.Get(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	msg, _, err := p.deliver(ctx, conv, text, sender, delivery{human: true, userID: userID})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
