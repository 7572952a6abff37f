package settings

import (
	"strings"
	"time"
)

// ModelsConfig selects the language model and sampling parameters.
type ModelsConfig struct {
	ChatModel   string  `json:"chat_model" validate:"required"`
	FastModel   string  `json:"fast_model"`
	Temperature float64 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens" validate:"gte=1,lte=16000"`
	TopP        float64 `json:"top_p" validate:"gte=0,lte=1"`
}

// DefaultModels returns the built-in model selection.
func DefaultModels() ModelsConfig {
	return ModelsConfig{
		ChatModel:   "gpt-4o-mini",
		FastModel:   "gpt-3.5-turbo",
		Temperature: 0.7,
		MaxTokens:   1000,
		TopP:        1,
	}
}

// PromptsConfig is the prompt set used to build the system message.
type PromptsConfig struct {
	SystemPrompt    string `json:"whatsapp_system_prompt" validate:"required"`
	ProductPrompt   string `json:"product_prompt"`
	SalesPrompt     string `json:"sales_prompt"`
	TechnicalPrompt string `json:"technical_prompt"`
	FAQPrompt       string `json:"faq_prompt"`
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() PromptsConfig {
	return PromptsConfig{
		SystemPrompt: `Sos el asistente virtual de Neumáticos del Valle, una cadena de venta e instalación de neumáticos del norte argentino.

Tu rol:
- Ayudar a encontrar el neumático correcto y cerrar la venta.
- Consultar stock SOLO con la herramienta check_stock y equivalencias con find_equivalents.
- Informar sucursales con list_branches.
- Ofrecer turnos para instalación, alineación, balanceo y otros servicios.

Estilo:
- Español argentino, cercano y breve (2 o 3 líneas más una sola pregunta).
- Nunca asumas la medida por el modelo del vehículo: pedí la medida que figura en el costado del neumático (por ejemplo 185/60R14).
- Si el ancho termina en 6 (176, 186, 206...) preguntá si quiso decir el valor terminado en 5.
- Nunca inventes marcas, modelos ni precios. Si una herramienta no devuelve resultados, ofrecé conseguirlo.
- No informes cantidades exactas de stock; indicá en qué sucursal hay disponibilidad.
- Los precios ya incluyen descuento y se pueden pagar en 3 cuotas sin interés.`,
		ProductPrompt: `Formato para productos:
📦 [Marca] - [Medida]
• $[precio] (precio con descuento)
• [Modelo]
• 💳 3 cuotas sin interés`,
		SalesPrompt:     `Cerrá siempre con una sola pregunta: "¿Te los reservo?" o "¿Necesitás los 4?".`,
		TechnicalPrompt: `Explicá equivalencias de medidas y compatibilidad con palabras simples.`,
		FAQPrompt:       `Respondé preguntas frecuentes de forma concisa y práctica.`,
	}
}

// Compose joins the non-empty prompts into one system message.
func (p PromptsConfig) Compose() string {
	parts := make([]string, 0, 5)
	for _, s := range []string{p.SystemPrompt, p.ProductPrompt, p.SalesPrompt, p.TechnicalPrompt, p.FAQPrompt} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ToolToggle enables or disables one callable tool. A non-empty
// Description overrides the built-in one.
type ToolToggle struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// ToolsConfig is the callable-tool set exposed to the model.
type ToolsConfig struct {
	Tools []ToolToggle `json:"tools" validate:"dive"`
}

// DefaultTools enables every built-in tool.
func DefaultTools() ToolsConfig {
	return ToolsConfig{Tools: []ToolToggle{
		{Name: "check_stock", Enabled: true},
		{Name: "find_equivalents", Enabled: true},
		{Name: "list_branches", Enabled: true},
	}}
}

// Enabled returns the names of enabled tools and their description
// overrides.
func (c ToolsConfig) Enabled() map[string]string {
	out := make(map[string]string, len(c.Tools))
	for _, t := range c.Tools {
		if t.Enabled {
			out[t.Name] = t.Description
		}
	}
	return out
}

// DayWindow is one weekday's opening window in HH:MM local time.
type DayWindow struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Enabled bool   `json:"enabled"`
}

// BotConfig holds the bot toggles and canned replies.
type BotConfig struct {
	IsActive             bool                 `json:"is_active"`
	MaintenanceMode      bool                 `json:"maintenance_mode"`
	WelcomeMessage       string               `json:"welcome_message"`
	ErrorMessage         string               `json:"error_message"`
	MaintenanceMessage   string               `json:"maintenance_message"`
	OutOfHoursMessage    string               `json:"out_of_hours_message"`
	EscalationMessage    string               `json:"escalation_message"`
	RespectBusinessHours bool                 `json:"respect_business_hours"`
	BusinessHours        map[string]DayWindow `json:"business_hours"`
	Timezone             string               `json:"timezone"`
	MaxMessages          int                  `json:"max_messages_per_conversation" validate:"gte=0"`
	AIResponseTimeoutSec int                  `json:"ai_response_timeout" validate:"gte=0,lte=120"`
	EnableErrorAlerts    bool                 `json:"enable_error_alerts"`
}

// DefaultBot returns the built-in bot configuration.
func DefaultBot() BotConfig {
	weekday := DayWindow{Start: "08:00", End: "18:00", Enabled: true}
	return BotConfig{
		IsActive:           true,
		WelcomeMessage:     "¡Hola! Soy el asistente virtual de Neumáticos del Valle. ¿En qué puedo ayudarte?",
		ErrorMessage:       "Disculpá, hubo un error. Por favor, intentá nuevamente o contactá con un operador.",
		MaintenanceMessage: "El bot está en mantenimiento. Por favor, intentá más tarde.",
		OutOfHoursMessage:  "¡Gracias por escribirnos! Estamos fuera de horario. Te respondemos apenas abramos (lunes a viernes de 8 a 18, sábados de 8 a 13).",
		EscalationMessage:  "Te comunico con un asesor. En breve alguien del equipo te va a responder por este mismo chat. 🙌",
		BusinessHours: map[string]DayWindow{
			"monday":    weekday,
			"tuesday":   weekday,
			"wednesday": weekday,
			"thursday":  weekday,
			"friday":    weekday,
			"saturday":  {Start: "08:00", End: "13:00", Enabled: true},
			"sunday":    {Start: "00:00", End: "00:00", Enabled: false},
		},
		Timezone:             "America/Argentina/Buenos_Aires",
		MaxMessages:          50,
		AIResponseTimeoutSec: 25,
		EnableErrorAlerts:    true,
	}
}

// Open reports whether t falls inside the configured business hours. When
// business hours are not enforced the bot is always open.
func (c BotConfig) Open(t time.Time) bool {
	if !c.RespectBusinessHours {
		return true
	}
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			t = t.In(loc)
		}
	}
	w, ok := c.BusinessHours[strings.ToLower(t.Weekday().String())]
	if !ok || !w.Enabled {
		return false
	}
	now := t.Format("15:04")
	return now >= w.Start && now < w.End
}

// AIResponseTimeout returns the model timeout, or zero when unset.
func (c BotConfig) AIResponseTimeout() time.Duration {
	return time.Duration(c.AIResponseTimeoutSec) * time.Second
}

// ContextConfig controls what is sent to the model alongside the prompt.
type ContextConfig struct {
	HistoryLimit             int  `json:"history_limit" validate:"gte=0,lte=100"`
	IncludeBranches          bool `json:"include_branches"`
	IncludeTireSearchMemo    bool `json:"include_tire_search_memo"`
	MaxProductResults        int  `json:"max_product_results" validate:"gte=1,lte=50"`
	FunctionCallingMaxTokens int  `json:"function_calling_max_tokens" validate:"gte=0"`
	FallbackMaxTokens        int  `json:"fallback_max_tokens" validate:"gte=0"`
}

// DefaultContext returns the built-in context enrichment rules.
func DefaultContext() ContextConfig {
	return ContextConfig{
		HistoryLimit:             10,
		IncludeBranches:          true,
		IncludeTireSearchMemo:    true,
		MaxProductResults:        10,
		FunctionCallingMaxTokens: 800,
		FallbackMaxTokens:        800,
	}
}
