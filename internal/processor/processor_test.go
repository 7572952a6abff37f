package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ndvalle/mostrador/internal/appointment"
	"github.com/ndvalle/mostrador/internal/conversation"
	"github.com/ndvalle/mostrador/internal/db"
	"github.com/ndvalle/mostrador/internal/events"
	"github.com/ndvalle/mostrador/internal/llm"
	"github.com/ndvalle/mostrador/internal/models"
	"github.com/ndvalle/mostrador/internal/notify"
	"github.com/ndvalle/mostrador/internal/queue"
	"github.com/ndvalle/mostrador/internal/settings"
	"github.com/ndvalle/mostrador/internal/stock"
	"github.com/ndvalle/mostrador/internal/tools"
	"github.com/ndvalle/mostrador/internal/transport"
	"gorm.io/gorm"
)

// Monday 2 March 2026, 10:00.
var fixedNow = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

const testPhone = "+5493815550000"

type alertRecorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *alertRecorder) Notify(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type harness struct {
	proc     *Processor
	convs    *conversation.Repository
	settings *settings.Service
	adapter  *transport.MockAdapter
	llm      *llm.Fake
	alerts   *alertRecorder
	events   *events.Emitter
	db       *gorm.DB
}

func newHarness(t *testing.T, fake *llm.Fake) *harness {
	t.Helper()
	gdb, err := db.OpenDemo()
	if err != nil {
		t.Fatalf("OpenDemo: %v", err)
	}
	now := func() time.Time { return fixedNow }
	em := events.New(events.Opts{Now: now})

	convs, err := conversation.NewRepository(conversation.RepositoryOpts{DB: gdb, Events: em, Now: now})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	svc, err := settings.New(settings.Opts{Store: settings.NewGormStore(gdb), Events: em})
	if err != nil {
		t.Fatalf("settings.New: %v", err)
	}
	resolver, err := stock.NewResolver(gdb)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	router, err := tools.NewRouter(tools.RouterOpts{Catalog: resolver})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	gs := appointment.NewGormStore(gdb)
	machine, err := appointment.NewMachine(appointment.MachineOpts{Catalog: gs, Store: gs, Now: now})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if fake == nil {
		fake = llm.NewFake()
	}
	alerts := &alertRecorder{}

	proc, err := New(Opts{
		Conversations: convs,
		Settings:      svc,
		LLM:           fake,
		Tools:         router,
		Appointments:  machine,
		Notifier:      alerts,
		Events:        em,
		FlowTTL:       30 * time.Minute,
		Now:           now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{
		proc:     proc,
		convs:    convs,
		settings: svc,
		adapter:  transport.NewMockAdapter(transport.Mock, ""),
		llm:      fake,
		alerts:   alerts,
		events:   em,
		db:       gdb,
	}
}

func (h *harness) send(t *testing.T, text string) *Outcome {
	t.Helper()
	out, err := h.proc.Process(context.Background(), transport.IncomingMessage{
		Provider:    transport.Mock,
		Phone:       testPhone,
		Text:        text,
		ContactName: "Juan Pérez",
		ReceivedAt:  fixedNow,
	}, h.adapter)
	if err != nil {
		t.Fatalf("Process(%q): %v", text, err)
	}
	return out
}

func (h *harness) sendWithID(t *testing.T, text, messageID string) *Outcome {
	t.Helper()
	out, err := h.proc.Process(context.Background(), transport.IncomingMessage{
		Provider:    transport.Mock,
		Phone:       testPhone,
		Text:        text,
		MessageID:   messageID,
		ContactName: "Juan Pérez",
		ReceivedAt:  fixedNow,
	}, h.adapter)
	if err != nil {
		t.Fatalf("Process(%q): %v", text, err)
	}
	return out
}

func (h *harness) conversation(t *testing.T) *models.Conversation {
	t.Helper()
	conv, err := h.convs.FindOrCreate(context.Background(), testPhone, string(transport.Mock), conversation.FindOpts{})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	return conv
}

func (h *harness) messages(t *testing.T) []models.Message {
	t.Helper()
	var msgs []models.Message
	if err := h.db.Order("id").Find(&msgs).Error; err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func (h *harness) setBot(t *testing.T, mutate func(*settings.BotConfig)) {
	t.Helper()
	bot := settings.DefaultBot()
	mutate(&bot)
	raw, err := json.Marshal(bot)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.settings.Set(context.Background(), settings.KeyBot, raw, "test"); err != nil {
		t.Fatalf("Set bot: %v", err)
	}
}

func (h *harness) flow(t *testing.T) *models.PendingFlow {
	t.Helper()
	conv := h.conversation(t)
	f, err := conv.Flow()
	if err != nil {
		t.Fatalf("Flow: %v", err)
	}
	return f
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error for empty opts")
	}
	h := newHarness(t, nil)
	_, err := New(Opts{Conversations: h.convs, Settings: h.settings, LLM: h.llm})
	if err == nil || !strings.Contains(err.Error(), "tool router is required") {
		t.Errorf("err = %v, want tool router error", err)
	}
}

func TestProcess_RejectsMessageWithoutPhone(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.proc.Process(context.Background(), transport.IncomingMessage{Provider: transport.Mock, Text: "hola"}, h.adapter)
	if err == nil {
		t.Fatal("expected error for missing phone")
	}
}

// ---------------------------------------------------------------------------
// Human takeover
// ---------------------------------------------------------------------------

func TestProcess_PausedConversationStoresButDoesNotReply(t *testing.T) {
	h := newHarness(t, nil)
	conv := h.conversation(t)
	if err := h.convs.Pause(context.Background(), conv.ID, "operator@example.com", "taking over"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	out := h.send(t, "hola, ¿tienen 205/55R16?")

	if out.Route != RoutePaused {
		t.Errorf("Route = %q, want %q", out.Route, RoutePaused)
	}
	if h.adapter.SentCount() != 0 {
		t.Errorf("SentCount() = %d, want 0", h.adapter.SentCount())
	}
	msgs := h.messages(t)
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Fatalf("messages = %+v, want one inbound", msgs)
	}
	if len(h.llm.Requests()) != 0 {
		t.Errorf("model called %d times, want 0", len(h.llm.Requests()))
	}
}

func TestProcess_EscalationPausesAndAlerts(t *testing.T) {
	h := newHarness(t, nil)

	out := h.send(t, "quiero hablar con una persona por favor")

	if out.Route != RouteEscalated {
		t.Fatalf("Route = %q, want %q", out.Route, RouteEscalated)
	}
	if out.Reply != settings.DefaultBot().EscalationMessage {
		t.Errorf("Reply = %q, want escalation message", out.Reply)
	}
	conv := h.conversation(t)
	if !conv.IsPaused || conv.PausedBy != PausedBy {
		t.Errorf("paused = %v by %q, want paused by %q", conv.IsPaused, conv.PausedBy, PausedBy)
	}
	if h.alerts.count() != 1 {
		t.Fatalf("alerts = %d, want 1", h.alerts.count())
	}
	if h.alerts.alerts[0].Kind != notify.KindEscalation {
		t.Errorf("alert kind = %q", h.alerts.alerts[0].Kind)
	}

	// The next message waits for the human.
	h.send(t, "hola?")
	if h.adapter.SentCount() != 1 {
		t.Errorf("SentCount() = %d, want 1", h.adapter.SentCount())
	}
}

func TestProcess_ComplaintEscalates(t *testing.T) {
	h := newHarness(t, nil)
	out := h.send(t, "tengo un reclamo, el producto llegó mal")
	if out.Route != RouteEscalated {
		t.Errorf("Route = %q, want %q", out.Route, RouteEscalated)
	}
	if reason := h.conversation(t).PausedReason; reason != "Cliente con queja/reclamo" {
		t.Errorf("PausedReason = %q", reason)
	}
}

// ---------------------------------------------------------------------------
// Bot toggles
// ---------------------------------------------------------------------------

func TestProcess_InactiveBotStoresOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.setBot(t, func(b *settings.BotConfig) { b.IsActive = false })

	out := h.send(t, "hola")
	if out.Route != RouteInactive {
		t.Errorf("Route = %q, want %q", out.Route, RouteInactive)
	}
	if h.adapter.SentCount() != 0 {
		t.Errorf("SentCount() = %d, want 0", h.adapter.SentCount())
	}
}

func TestProcess_MaintenanceMode(t *testing.T) {
	h := newHarness(t, nil)
	h.setBot(t, func(b *settings.BotConfig) { b.MaintenanceMode = true })

	out := h.send(t, "hola")
	if out.Route != RouteMaintenance {
		t.Errorf("Route = %q, want %q", out.Route, RouteMaintenance)
	}
	sent, _ := h.adapter.LastSent()
	if sent.Text != settings.DefaultBot().MaintenanceMessage {
		t.Errorf("sent %q, want maintenance message", sent.Text)
	}
}

func TestProcess_OutOfHours(t *testing.T) {
	h := newHarness(t, nil)
	h.setBot(t, func(b *settings.BotConfig) {
		b.RespectBusinessHours = true
		b.Timezone = "UTC"
		b.BusinessHours["monday"] = settings.DayWindow{Start: "14:00", End: "18:00", Enabled: true}
	})

	out := h.send(t, "hola")
	if out.Route != RouteOutOfHours {
		t.Errorf("Route = %q, want %q", out.Route, RouteOutOfHours)
	}
}

// ---------------------------------------------------------------------------
// Appointment flow
// ---------------------------------------------------------------------------

func TestProcess_BookingIntentStartsFlow(t *testing.T) {
	h := newHarness(t, nil)

	out := h.send(t, "quiero turno")
	if out.Route != RouteFlowStart {
		t.Fatalf("Route = %q, want %q", out.Route, RouteFlowStart)
	}
	f := h.flow(t)
	if f == nil || f.Appointment == nil || f.Appointment.Step != models.StepCollectingService {
		t.Fatalf("flow = %+v, want collecting_service", f)
	}

	out = h.send(t, "cambio de aceite")
	if out.Route != RouteFlow {
		t.Errorf("Route = %q, want %q", out.Route, RouteFlow)
	}
	f = h.flow(t)
	if f == nil || f.Appointment.Step != models.StepCollectingBranch {
		t.Fatalf("flow = %+v, want collecting_branch", f)
	}
	if f.Appointment.ServiceCode != "oil-change" {
		t.Errorf("ServiceCode = %q, want %q", f.Appointment.ServiceCode, "oil-change")
	}
	if len(h.llm.Requests()) != 0 {
		t.Errorf("model called %d times during the flow, want 0", len(h.llm.Requests()))
	}
	if h.adapter.SentCount() != 2 {
		t.Errorf("SentCount() = %d, want 2", h.adapter.SentCount())
	}
}

func TestProcess_FullBookingClearsFlow(t *testing.T) {
	h := newHarness(t, nil)
	for _, text := range []string{"quiero un turno", "cambio de aceite", "5", "mañana a las 10", "sí", "Sí"} {
		h.send(t, text)
	}
	if f := h.flow(t); f != nil {
		t.Fatalf("flow = %+v, want cleared", f)
	}
	var n int64
	h.db.Model(&models.Appointment{}).Count(&n)
	if n != 1 {
		t.Fatalf("appointments = %d, want 1", n)
	}
	sent, _ := h.adapter.LastSent()
	if !strings.Contains(sent.Text, "#") {
		t.Errorf("last reply %q has no booking number", sent.Text)
	}
}

func TestProcess_BookingCatalogUnavailableStillReplies(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.db.Migrator().DropTable(&models.AppointmentService{}); err != nil {
		t.Fatalf("DropTable: %v", err)
	}

	out := h.send(t, "quiero turno")
	if out.Route != RouteFlowError {
		t.Errorf("Route = %q, want %q", out.Route, RouteFlowError)
	}
	if out.Reply != BookingUnavailableReply {
		t.Errorf("Reply = %q, want the booking retry message", out.Reply)
	}
	if h.adapter.SentCount() != 1 {
		t.Errorf("SentCount() = %d, want 1", h.adapter.SentCount())
	}
	if f := h.flow(t); f != nil {
		t.Errorf("flow = %+v, want none", f)
	}
	if msgs := h.messages(t); len(msgs) != 2 {
		t.Errorf("messages = %d, want inbound and reply", len(msgs))
	}
}

func TestProcess_BookingCatalogUnavailableKeepsFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, "quiero turno")
	if err := h.db.Migrator().DropTable(&models.AppointmentService{}); err != nil {
		t.Fatalf("DropTable: %v", err)
	}

	out := h.send(t, "cambio de aceite")
	if out.Route != RouteFlowError {
		t.Errorf("Route = %q, want %q", out.Route, RouteFlowError)
	}
	f := h.flow(t)
	if f == nil || f.Appointment == nil || f.Appointment.Step != models.StepCollectingService {
		t.Errorf("flow = %+v, want collecting_service kept", f)
	}
	if len(h.llm.Requests()) != 0 {
		t.Errorf("model called %d times, want 0", len(h.llm.Requests()))
	}
}

// ---------------------------------------------------------------------------
// Redelivery
// ---------------------------------------------------------------------------

func TestProcess_RedeliveredMessageAnsweredOnce(t *testing.T) {
	h := newHarness(t, llm.NewFake(&llm.Response{Content: "¡Hola! ¿Qué medida buscás?"}))

	first := h.sendWithID(t, "hola", "SM100")
	if first.Route != RouteLLM {
		t.Fatalf("Route = %q, want %q", first.Route, RouteLLM)
	}
	second := h.sendWithID(t, "hola", "SM100")
	if second.Route != RouteDuplicate {
		t.Errorf("Route = %q, want %q", second.Route, RouteDuplicate)
	}
	if msgs := h.messages(t); len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}
	if h.adapter.SentCount() != 1 {
		t.Errorf("SentCount() = %d, want 1", h.adapter.SentCount())
	}
	if len(h.llm.Requests()) != 1 {
		t.Errorf("model calls = %d, want 1", len(h.llm.Requests()))
	}
}

func TestProcess_RedeliveredUnansweredMessageResumes(t *testing.T) {
	h := newHarness(t, llm.NewFake(&llm.Response{Content: "¡Hola! ¿Qué medida buscás?"}))
	conv := h.conversation(t)
	// A previous attempt stored the inbound row and failed before replying.
	err := h.convs.AppendMessage(context.Background(), &models.Message{
		ConversationID:    conv.ID,
		Role:              models.RoleUser,
		Content:           "hola",
		Provider:          string(transport.Mock),
		ProviderMessageID: "SM200",
	})
	if err != nil {
		t.Fatal(err)
	}

	out := h.sendWithID(t, "hola", "SM200")
	if out.Route != RouteLLM {
		t.Errorf("Route = %q, want %q", out.Route, RouteLLM)
	}
	msgs := h.messages(t)
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("messages = %+v, want one inbound and one reply", msgs)
	}
	if h.adapter.SentCount() != 1 {
		t.Errorf("SentCount() = %d, want 1", h.adapter.SentCount())
	}
}

func TestProcess_MessagesWithoutProviderIDAreNotDeduplicated(t *testing.T) {
	h := newHarness(t, llm.NewFake(
		&llm.Response{Content: "¡Hola!"},
		&llm.Response{Content: "¡Hola de nuevo!"},
	))
	h.send(t, "hola")
	h.send(t, "hola")
	if msgs := h.messages(t); len(msgs) != 4 {
		t.Errorf("messages = %d, want 4", len(msgs))
	}
}

func TestProcess_ExpiredFlowIsIgnored(t *testing.T) {
	h := newHarness(t, llm.NewFake(&llm.Response{Content: "¡Hola! ¿Qué medida buscás?"}))
	conv := h.conversation(t)
	stale := &models.PendingFlow{
		Kind:        models.FlowAppointment,
		Appointment: &models.AppointmentState{Step: models.StepCollectingBranch, ServiceCode: "alignment"},
		UpdatedAt:   fixedNow.Add(-2 * time.Hour),
	}
	if err := h.convs.SetPendingFlow(context.Background(), conv.ID, stale); err != nil {
		t.Fatal(err)
	}

	out := h.send(t, "hola")
	if out.Route != RouteLLM {
		t.Errorf("Route = %q, want %q", out.Route, RouteLLM)
	}
	if f := h.flow(t); f != nil {
		t.Errorf("flow = %+v, want cleared", f)
	}
}

// ---------------------------------------------------------------------------
// Model and tools
// ---------------------------------------------------------------------------

func TestProcess_StockQuestionCallsCheckStockOnce(t *testing.T) {
	fake := llm.NewFake(
		&llm.Response{ToolCalls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      tools.CheckStock,
			Arguments: json.RawMessage(`{"width":205,"aspect_ratio":55,"rim_diameter":16,"quantity":4}`),
		}}},
		&llm.Response{Content: "¡Sí! Tenemos **Pirelli Cinturato P1** 205/55R16 en Tucumán Centro. ¿Te los reservo?"},
	)
	h := newHarness(t, fake)

	out := h.send(t, "necesito 4 cubiertas 205/55R16")

	if out.Route != RouteLLM {
		t.Fatalf("Route = %q, want %q", out.Route, RouteLLM)
	}
	reqs := fake.Requests()
	if len(reqs) != 2 {
		t.Fatalf("model calls = %d, want 2", len(reqs))
	}
	var toolMsgs []llm.Message
	for _, m := range reqs[1].Messages {
		if m.Role == llm.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 1 {
		t.Fatalf("tool results = %d, want exactly one check_stock call", len(toolMsgs))
	}
	var res tools.StockResult
	if err := json.Unmarshal([]byte(toolMsgs[0].Content), &res); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if res.Size != "205/55R16" || !res.Found {
		t.Errorf("result = %s found=%v, want 205/55R16 found", res.Size, res.Found)
	}
	if len(res.Branches) == 0 || res.Branches[0] != "Tucumán Centro" {
		t.Errorf("branches_with_enough_stock = %v, want [Tucumán Centro]", res.Branches)
	}
	if !strings.Contains(out.Reply, "Tucumán Centro") {
		t.Errorf("Reply = %q, want a branch name", out.Reply)
	}
	if strings.Contains(out.Reply, "**") {
		t.Errorf("Reply = %q, want markdown stripped", out.Reply)
	}

	f := h.flow(t)
	if f == nil || f.Kind != models.FlowTireSearch || f.TireSearch.Width != 205 || f.TireSearch.RimDiameter != 16 {
		t.Errorf("flow = %+v, want tire_search memo for 205/55R16", f)
	}
}

func TestProcess_TireSearchMemoIsSentToModel(t *testing.T) {
	fake := llm.NewFake(&llm.Response{Content: "Sí, las tenemos en Tucumán Centro."})
	h := newHarness(t, fake)
	conv := h.conversation(t)
	memo := &models.PendingFlow{
		Kind:       models.FlowTireSearch,
		TireSearch: &models.TireSearchState{Width: 205, AspectRatio: 55, RimDiameter: 16, BranchCode: "TUCUMAN"},
		UpdatedAt:  fixedNow,
	}
	if err := h.convs.SetPendingFlow(context.Background(), conv.ID, memo); err != nil {
		t.Fatal(err)
	}

	h.send(t, "¿y cuánto salen?")

	sys := fake.Requests()[0].Messages[0]
	if sys.Role != llm.RoleSystem || !strings.Contains(sys.Content, "205/55R16") {
		t.Errorf("system prompt missing memo: %q", sys.Content)
	}
	if !strings.Contains(sys.Content, "Sucursales:") {
		t.Errorf("system prompt missing branch list")
	}
}

func TestProcess_ToolErrorIsFedBack(t *testing.T) {
	fake := llm.NewFake(
		&llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: tools.CheckStock, Arguments: json.RawMessage(`{"width":5}`)}}},
		&llm.Response{Content: "¿Me pasás la medida completa?"},
	)
	h := newHarness(t, fake)

	out := h.send(t, "tienen cubiertas?")
	if out.Route != RouteLLM {
		t.Fatalf("Route = %q, want %q", out.Route, RouteLLM)
	}
	last := fake.Requests()[1].Messages
	toolMsg := last[len(last)-1]
	if toolMsg.Role != llm.RoleTool || !strings.Contains(toolMsg.Content, "invalid_arguments") {
		t.Errorf("tool message = %+v, want invalid_arguments payload", toolMsg)
	}
	if f := h.flow(t); f != nil {
		t.Errorf("flow = %+v, want none after a failed lookup", f)
	}
}

func TestProcess_HistoryIsSentOnce(t *testing.T) {
	fake := llm.NewFake(&llm.Response{Content: "¡Hola!"}, &llm.Response{Content: "Decime la medida."})
	h := newHarness(t, fake)
	h.send(t, "hola")
	h.send(t, "busco cubiertas")

	msgs := fake.Requests()[1].Messages
	// system, user "hola", assistant "¡Hola!", user "busco cubiertas"
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4: %+v", len(msgs), msgs)
	}
	if msgs[3].Content != "busco cubiertas" || msgs[1].Content != "hola" {
		t.Errorf("unexpected prompt order: %+v", msgs)
	}
}

func TestProcess_ModelTimeoutFallsBack(t *testing.T) {
	fake := llm.NewFake(&llm.Response{Content: "too late"}).WithDelay(time.Second)
	h := newHarness(t, fake)
	h.setBot(t, func(b *settings.BotConfig) { b.AIResponseTimeoutSec = 0 })
	h.proc.timeout = 20 * time.Millisecond

	out := h.send(t, "necesito cubiertas 185/65R15")

	if out.Route != RouteFallback {
		t.Fatalf("Route = %q, want %q", out.Route, RouteFallback)
	}
	if out.Reply != FallbackReply(IntentProduct) {
		t.Errorf("Reply = %q, want product fallback", out.Reply)
	}
	msgs := h.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want inbound and fallback", len(msgs))
	}
	if msgs[0].Content != "necesito cubiertas 185/65R15" {
		t.Errorf("inbound = %q", msgs[0].Content)
	}
	if h.alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1 turn_failed alert", h.alerts.count())
	}
}

func TestProcess_ModelErrorFallsBack(t *testing.T) {
	fake := llm.NewFake().ThenFail(errors.New("502 bad gateway"))
	h := newHarness(t, fake)

	out := h.send(t, "hola")
	if out.Route != RouteFallback || out.Reply != FallbackReply(IntentGreeting) {
		t.Errorf("got %q / %q, want greeting fallback", out.Route, out.Reply)
	}
	var sawFallback bool
	for _, ev := range h.events.Recent() {
		if ev.Topic == events.LLMFallback {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Error("no llm.fallback event published")
	}
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

func TestProcess_SendFailureIsRecorded(t *testing.T) {
	h := newHarness(t, llm.NewFake(&llm.Response{Content: "¡Hola!"}))
	h.adapter.SetFailure("bridge down")

	out := h.send(t, "hola")

	if out.Delivery.Success {
		t.Error("Delivery.Success = true, want false")
	}
	msgs := h.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	reply := msgs[1]
	if reply.DeliveryStatus != models.DeliveryFailed || reply.DeliveryError != "bridge down" {
		t.Errorf("delivery = %q/%q, want failed/bridge down", reply.DeliveryStatus, reply.DeliveryError)
	}
	if reply.SentByHuman {
		t.Error("SentByHuman = true, want false")
	}
}

func TestProcess_SuccessfulSendRecordsProviderID(t *testing.T) {
	h := newHarness(t, llm.NewFake(&llm.Response{Content: "¡Hola!"}))
	out := h.send(t, "hola")

	var reply models.Message
	if err := h.db.First(&reply, out.MessageID).Error; err != nil {
		t.Fatal(err)
	}
	if reply.DeliveryStatus != models.DeliverySent || reply.ProviderMessageID != "mock-1" {
		t.Errorf("delivery = %q/%q, want sent/mock-1", reply.DeliveryStatus, reply.ProviderMessageID)
	}
	if reply.ResponseTimeMs == nil {
		t.Error("ResponseTimeMs not recorded")
	}
}

func TestSendHuman(t *testing.T) {
	h := newHarness(t, nil)
	conv := h.conversation(t)

	msg, err := h.proc.SendHuman(context.Background(), conv.ID, "  Hola, soy Ana del equipo.  ", "ana@example.com", h.adapter)
	if err != nil {
		t.Fatalf("SendHuman: %v", err)
	}
	if !msg.SentByHuman || msg.SentByUserID == nil || *msg.SentByUserID != "ana@example.com" {
		t.Errorf("message = %+v, want human-authored by ana", msg)
	}
	sent, ok := h.adapter.LastSent()
	if !ok || sent.Text != "Hola, soy Ana del equipo." || sent.To != testPhone {
		t.Errorf("sent = %+v", sent)
	}

	if _, err := h.proc.SendHuman(context.Background(), conv.ID, " ", "ana", h.adapter); err == nil {
		t.Error("expected error for empty text")
	}
	if _, err := h.proc.SendHuman(context.Background(), 999, "hola", "ana", h.adapter); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHandler_ProcessesJob(t *testing.T) {
	h := newHarness(t, llm.NewFake(&llm.Response{Content: "¡Hola!"}))
	job := queue.NewJob(transport.IncomingMessage{Provider: transport.Mock, Phone: testPhone, Text: "hola"})

	if err := h.proc.Handler(h.adapter)(context.Background(), job); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if h.adapter.SentCount() != 1 {
		t.Errorf("SentCount() = %d, want 1", h.adapter.SentCount())
	}
}

// ---------------------------------------------------------------------------
// Intent and formatting
// ---------------------------------------------------------------------------

func TestDetectIntent(t *testing.T) {
	tests := []struct {
		text string
		want Intent
	}{
		{"Hola!", IntentGreeting},
		{"buenas tardes", IntentGreeting},
		{"necesito 4 cubiertas", IntentProduct},
		{"205/55R16", IntentProduct},
		{"cuánto sale la 185/65R15?", IntentPrice},
		{"tienen stock en salta?", IntentAvailability},
		{"quiero un turno", IntentAppointment},
		{"cuál es el horario?", IntentFAQ},
		{"tengo un problema con la factura", IntentComplaint},
		{"quiero hablar con una persona", IntentEscalation},
		{"gracias", IntentOther},
	}
	for _, tt := range tests {
		if got := DetectIntent(tt.text); got != tt.want {
			t.Errorf("DetectIntent(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestEscalationReason(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Quiero hablar con un humano", true},
		{"sos un bot?", true},
		{"Esto es una ESTAFA", true},
		{"necesito 4 cubiertas 205/55R16", false},
		{"tiene garantía?", false},
		{"quiero turno", false},
	}
	for _, tt := range tests {
		if _, got := EscalationReason(tt.text); got != tt.want {
			t.Errorf("EscalationReason(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestFallbackReply_UnknownIntent(t *testing.T) {
	if got := FallbackReply("nope"); got != FallbackReply(IntentOther) {
		t.Errorf("FallbackReply(nope) = %q", got)
	}
}

func TestFormatWhatsApp(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"**Pirelli** - 205/55R16", "Pirelli - 205/55R16"},
		{"## Opciones\nFate", "Opciones\nFate"},
		{"Mirá [la web](https://example.com)", "Mirá la web"},
		{"  hola  ", "hola"},
		{"Tu turno #AB12CD34 está confirmado", "Tu turno #AB12CD34 está confirmado"},
	}
	for _, tt := range tests {
		if got := FormatWhatsApp(tt.in); got != tt.want {
			t.Errorf("FormatWhatsApp(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatWhatsApp_CapsLength(t *testing.T) {
	long := strings.Repeat("neumático ", 200)
	got := FormatWhatsApp(long)
	if n := len([]rune(got)); n > MaxReplyLength {
		t.Errorf("length = %d, want <= %d", n, MaxReplyLength)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("got %q, want ... suffix", got[len(got)-10:])
	}
	if strings.HasSuffix(got, "neumát...") {
		t.Error("cut in the middle of a word")
	}
}
