// Package processor runs one customer turn end to end: persist the inbound
// message, pick a route (human takeover, bot toggles, booking flow or the
// language model), persist the reply and hand it to the transport.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ndvalle/mostrador/internal/appointment"
	"github.com/ndvalle/mostrador/internal/conversation"
	"github.com/ndvalle/mostrador/internal/events"
	"github.com/ndvalle/mostrador/internal/llm"
	"github.com/ndvalle/mostrador/internal/models"
	"github.com/ndvalle/mostrador/internal/notify"
	"github.com/ndvalle/mostrador/internal/queue"
	"github.com/ndvalle/mostrador/internal/settings"
	"github.com/ndvalle/mostrador/internal/tools"
	"github.com/ndvalle/mostrador/internal/transport"
	"github.com/rs/zerolog"
)

// DefaultLLMTimeout bounds the model phase when the bot settings leave
// ai_response_timeout unset.
const DefaultLLMTimeout = 25 * time.Second

// PausedBy is recorded as the pauser when the bot escalates by itself.
const PausedBy = "bot"

// Route names the path a turn took.
type Route string

const (
	RoutePaused      Route = "paused"
	RouteInactive    Route = "inactive"
	RouteMaintenance Route = "maintenance"
	RouteOutOfHours  Route = "out_of_hours"
	RouteEscalated   Route = "escalated"
	RouteFlow        Route = "appointment_flow"
	RouteFlowStart   Route = "appointment_start"
	RouteFlowError   Route = "appointment_unavailable"
	RouteLLM         Route = "llm"
	RouteFallback    Route = "fallback"
	RouteDuplicate   Route = "duplicate"
)

// Outcome describes a processed turn.
type Outcome struct {
	ConversationID uint
	Route          Route
	Intent         Intent
	Reply          string
	MessageID      uint // outbound row, zero when nothing was sent
	Delivery       transport.SendResult
}

// Processor handles inbound messages. It is safe for concurrent use; two
// turns of the same conversation race on the flow slot and the last
// writer wins.
type Processor struct {
	convs    *conversation.Repository
	settings *settings.Service
	llm      llm.Client
	tools    *tools.Router
	flow     *appointment.Machine
	notifier notify.Notifier
	events   *events.Emitter
	flowTTL  time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// Opts holds parameters for creating a Processor.
type Opts struct {
	Conversations *conversation.Repository
	Settings      *settings.Service
	LLM           llm.Client
	Tools         *tools.Router
	Appointments  *appointment.Machine
	Notifier      notify.Notifier // optional
	Events        *events.Emitter // optional
	FlowTTL       time.Duration   // idle flows older than this are ignored; zero disables
	LLMTimeout    time.Duration   // defaults to DefaultLLMTimeout
	Now           func() time.Time
	Log           *zerolog.Logger
}

// New creates a Processor.
func New(opts Opts) (*Processor, error) {
	if opts.Conversations == nil {
		return nil, fmt.Errorf("processor: conversation repository is required")
	}
	if opts.Settings == nil {
		return nil, fmt.Errorf("processor: settings service is required")
	}
	if opts.LLM == nil {
		return nil, fmt.Errorf("processor: llm client is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("processor: tool router is required")
	}
	if opts.Appointments == nil {
		return nil, fmt.Errorf("processor: appointment machine is required")
	}
	p := &Processor{
		convs:    opts.Conversations,
		settings: opts.Settings,
		llm:      opts.LLM,
		tools:    opts.Tools,
		flow:     opts.Appointments,
		notifier: opts.Notifier,
		events:   opts.Events,
		flowTTL:  opts.FlowTTL,
		timeout:  opts.LLMTimeout,
		now:      opts.Now,
		log:      zerolog.Nop(),
	}
	if p.notifier == nil {
		p.notifier = notify.Nop{}
	}
	if p.timeout <= 0 {
		p.timeout = DefaultLLMTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	if opts.Log != nil {
		p.log = *opts.Log
	}
	return p, nil
}

// Handler adapts Process to the work queue. sender is usually the
// transport registry.
func (p *Processor) Handler(sender transport.Sender) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		_, err := p.Process(ctx, job.Message, sender)
		return err
	}
}

// Process runs one turn. A message whose provider id was already stored
// is not stored again, and is dropped when a reply already followed it.
// Routing order:
//  1. Paused or closed conversation → persist only
//  2. Bot inactive → persist only
//  3. Maintenance mode or outside business hours → canned reply
//  4. Human requested, complaint or message limit → pause and hand off
//  5. Pending appointment flow → state machine
//  6. Booking intent → start the flow
//  7. Everything else → language model with tools
//
// The returned error is non-nil only when persistence failed.
func (p *Processor) Process(ctx context.Context, in transport.IncomingMessage, sender transport.Sender) (*Outcome, error) {
	if in.Phone == "" || in.Provider == "" {
		return nil, fmt.Errorf("processor: message has no phone or provider")
	}
	start := p.now()
	log := p.log.With().Str("provider", string(in.Provider)).Str("phone", in.Phone).Logger()

	conv, err := p.convs.FindOrCreate(ctx, in.Phone, string(in.Provider), conversation.FindOpts{
		ExternalID:  in.ExternalID,
		ContactName: in.ContactName,
		InstanceID:  in.InstanceID,
	})
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	log = log.With().Uint("conversation", conv.ID).Logger()

	intent := DetectIntent(in.Text)
	out := &Outcome{ConversationID: conv.ID, Intent: intent}

	// A redelivered message (queue retry or provider webhook retry) is
	// stored once. The turn is re-run only if no reply followed it.
	stored, err := p.convs.FindInbound(ctx, conv.ID, in.MessageID)
	switch {
	case err == nil:
		replied, err := p.convs.HasReplyAfter(ctx, conv.ID, stored.ID)
		if err != nil {
			return nil, fmt.Errorf("processor: %w", err)
		}
		if replied {
			log.Info().Str("message_id", in.MessageID).Msg("duplicate delivery already answered")
			return p.routed(log, out, RouteDuplicate), nil
		}
		log.Info().Str("message_id", in.MessageID).Msg("resuming unanswered turn")
	case errors.Is(err, conversation.ErrNotFound):
		inbound := &models.Message{
			ConversationID:    conv.ID,
			Role:              models.RoleUser,
			Content:           in.Text,
			Provider:          string(in.Provider),
			ProviderMessageID: in.MessageID,
			Intent:            string(intent),
		}
		if err := p.convs.AppendMessage(ctx, inbound); err != nil {
			return nil, fmt.Errorf("processor: %w", err)
		}
		p.events.Publish(events.MessageReceived, conv.ID, map[string]any{
			"provider": string(in.Provider),
			"intent":   string(intent),
			"text":     truncate(in.Text, 200),
		})
	default:
		return nil, fmt.Errorf("processor: %w", err)
	}

	if conv.IsPaused || conv.Status == models.ConversationClosed {
		return p.routed(log, out, RoutePaused), nil
	}

	bot := p.settings.Bot(ctx)
	switch {
	case !bot.IsActive:
		return p.routed(log, out, RouteInactive), nil
	case bot.MaintenanceMode:
		out.Route, out.Reply = RouteMaintenance, bot.MaintenanceMessage
	case !bot.Open(start):
		out.Route, out.Reply = RouteOutOfHours, bot.OutOfHoursMessage
	default:
		if err := p.route(ctx, log, conv, in, bot, out); err != nil {
			return nil, err
		}
	}
	p.routed(log, out, out.Route)

	reply := FormatWhatsApp(out.Reply)
	if reply == "" {
		reply = FormatWhatsApp(bot.ErrorMessage)
	}
	out.Reply = reply
	msg, res, err := p.deliver(ctx, conv, reply, sender, delivery{intent: intent, started: start})
	if err != nil {
		return nil, err
	}
	out.MessageID, out.Delivery = msg.ID, res
	return out, nil
}

func (p *Processor) routed(log zerolog.Logger, out *Outcome, r Route) *Outcome {
	out.Route = r
	p.events.Publish(events.TurnRouted, out.ConversationID, map[string]any{
		"route":  string(r),
		"intent": string(out.Intent),
	})
	log.Debug().Str("route", string(r)).Str("intent", string(out.Intent)).Msg("turn routed")
	return out
}

// route fills out.Route and out.Reply for an active conversation.
func (p *Processor) route(ctx context.Context, log zerolog.Logger, conv *models.Conversation, in transport.IncomingMessage, bot settings.BotConfig, out *Outcome) error {
	reason, escalate := EscalationReason(in.Text)
	if !escalate && bot.MaxMessages > 0 && conv.MessageCount+1 > bot.MaxMessages {
		reason, escalate = fmt.Sprintf("Superó %d mensajes sin resolver", bot.MaxMessages), true
	}
	if escalate {
		if err := p.escalate(ctx, log, conv, in, reason); err != nil {
			return err
		}
		out.Route, out.Reply = RouteEscalated, bot.EscalationMessage
		return nil
	}

	flow := p.pendingFlow(ctx, log, conv)
	input := appointment.Input{
		ConversationID: conv.ID,
		Phone:          conv.Phone,
		ContactName:    conv.ContactName,
		Text:           in.Text,
		Source:         appointment.SourceWhatsApp,
	}

	if flow != nil && flow.Kind == models.FlowAppointment && flow.Appointment != nil {
		res, err := p.flow.Handle(ctx, flow.Appointment, input)
		if err != nil {
			log.Warn().Err(err).Str("step", string(flow.Appointment.Step)).Msg("appointment flow unavailable")
			out.Route, out.Reply = RouteFlowError, BookingUnavailableReply
			return nil
		}
		if err := p.applyFlow(ctx, conv.ID, res); err != nil {
			return err
		}
		out.Route, out.Reply = RouteFlow, res.Reply
		return nil
	}

	if appointment.DetectIntent(in.Text) {
		res, err := p.flow.Start(ctx, input)
		if err != nil {
			log.Warn().Err(err).Msg("appointment flow unavailable")
			out.Route, out.Reply = RouteFlowError, BookingUnavailableReply
			return nil
		}
		if err := p.applyFlow(ctx, conv.ID, res); err != nil {
			return err
		}
		out.Route, out.Reply = RouteFlowStart, res.Reply
		return nil
	}

	var memo *models.TireSearchState
	if flow != nil && flow.Kind == models.FlowTireSearch {
		memo = flow.TireSearch
	}
	ans, err := p.answer(ctx, conv, in, memo, bot)
	if err != nil {
		return err
	}
	if ans.fallback {
		out.Route, out.Reply = RouteFallback, FallbackReply(out.Intent)
		p.alertFallback(ctx, conv, out.Intent, ans.err, bot)
	} else {
		out.Route, out.Reply = RouteLLM, ans.reply
	}
	if ans.memo != nil {
		next := &models.PendingFlow{Kind: models.FlowTireSearch, TireSearch: ans.memo, UpdatedAt: p.now().UTC()}
		if err := p.convs.SetPendingFlow(ctx, conv.ID, next); err != nil {
			return fmt.Errorf("processor: %w", err)
		}
	}
	return nil
}

// pendingFlow decodes the conversation's flow slot. Undecodable and
// expired flows are cleared and treated as absent.
func (p *Processor) pendingFlow(ctx context.Context, log zerolog.Logger, conv *models.Conversation) *models.PendingFlow {
	flow, err := conv.Flow()
	if err != nil {
		log.Warn().Err(err).Msg("discarding unreadable pending flow")
		flow = nil
	} else if flow == nil || !flow.Expired(p.now(), p.flowTTL) {
		return flow
	}
	if err := p.convs.SetPendingFlow(ctx, conv.ID, nil); err != nil {
		log.Warn().Err(err).Msg("clear pending flow")
	}
	if flow != nil {
		p.events.Publish(events.FlowTransition, conv.ID, map[string]any{"kind": string(flow.Kind), "to": "expired"})
	}
	return nil
}

func (p *Processor) applyFlow(ctx context.Context, convID uint, res appointment.Result) error {
	if err := p.convs.SetPendingFlow(ctx, convID, res.Flow); err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	data := map[string]any{"kind": string(models.FlowAppointment), "from": string(res.From), "to": string(res.To)}
	if res.Appointment != nil {
		data["appointment_id"] = res.Appointment.ID
	}
	p.events.Publish(events.FlowTransition, convID, data)
	return nil
}

func (p *Processor) escalate(ctx context.Context, log zerolog.Logger, conv *models.Conversation, in transport.IncomingMessage, reason string) error {
	if err := p.convs.Pause(ctx, conv.ID, PausedBy, reason); err != nil {
		return fmt.Errorf("processor: escalate: %w", err)
	}
	if err := p.convs.SetPendingFlow(ctx, conv.ID, nil); err != nil {
		return fmt.Errorf("processor: escalate: %w", err)
	}
	p.events.Publish(events.ConversationEscalated, conv.ID, map[string]any{"reason": reason})
	log.Info().Str("reason", reason).Msg("conversation escalated to a human")

	err := p.notifier.Notify(ctx, notify.Alert{
		Kind:           notify.KindEscalation,
		Title:          "Un cliente necesita atención humana",
		Text:           truncate(in.Text, 500),
		ConversationID: conv.ID,
		Phone:          conv.Phone,
		Fields:         map[string]string{"Canal": conv.Transport, "Motivo": reason, "Contacto": conv.ContactName},
	})
	if err != nil {
		log.Warn().Err(err).Msg("escalation alert failed")
	}
	return nil
}

func (p *Processor) alertFallback(ctx context.Context, conv *models.Conversation, intent Intent, cause error, bot settings.BotConfig) {
	data := map[string]any{"intent": string(intent)}
	if cause != nil {
		data["error"] = cause.Error()
	}
	p.events.Publish(events.LLMFallback, conv.ID, data)
	if !bot.EnableErrorAlerts || cause == nil {
		return
	}
	err := p.notifier.Notify(ctx, notify.Alert{
		Kind:           notify.KindTurnFailed,
		Title:          "El asistente respondió con un mensaje de respaldo",
		Text:           cause.Error(),
		ConversationID: conv.ID,
		Phone:          conv.Phone,
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("fallback alert failed")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
