package processor

import (
	"regexp"

	"github.com/ndvalle/mostrador/internal/stock"
	"github.com/ndvalle/mostrador/internal/textnorm"
)

// Intent is the coarse topic of a customer message. It picks the canned
// reply when the model is unavailable and tags persisted messages.
type Intent string

const (
	IntentEscalation   Intent = "escalation"
	IntentComplaint    Intent = "complaint"
	IntentAppointment  Intent = "appointment"
	IntentPrice        Intent = "price_inquiry"
	IntentAvailability Intent = "availability_inquiry"
	IntentProduct      Intent = "product_inquiry"
	IntentFAQ          Intent = "faq"
	IntentGreeting     Intent = "greeting"
	IntentOther        Intent = "other"
)

// Patterns run on folded text, in priority order.
var intentPatterns = []struct {
	intent Intent
	re     *regexp.Regexp
}{
	{IntentEscalation, regexp.MustCompile(`\bhablar con (una )?(persona|humano|vendedor|encargado|alguien)\b|\bno me (sirve|entendes|entiende)\b|\bbot de m`)},
	{IntentComplaint, regexp.MustCompile(`\b(problema|queja|reclamo|no funciona|devolver|reembolso|estafa)\b`)},
	{IntentAppointment, regexp.MustCompile(`\b(turno|cita|reservar?|agendar?|instalar?|instalacion)\b|\bcuando puedo (ir|pasar)\b`)},
	{IntentPrice, regexp.MustCompile(`\b(precio|precios|cuesta|cuestan|sale|salen|vale|valen|cuanto|costo|presupuesto|cotizacion)\b`)},
	{IntentAvailability, regexp.MustCompile(`\b(tienen|tenes|tiene|hay|disponible|stock|entrega|demora)\b`)},
	{IntentProduct, regexp.MustCompile(`\b(neumatico|neumaticos|cubierta|cubiertas|goma|gomas|llanta|llantas|medida|rodado)\b`)},
	{IntentFAQ, regexp.MustCompile(`\b(horario|horarios|direccion|ubicacion|donde estan|envio|envios|pago|tarjeta|efectivo|transferencia|mercado pago|garantia)\b`)},
	{IntentGreeting, regexp.MustCompile(`^(hola|buenas|buen dia|buenos dias|buenas tardes|buenas noches|que tal|hey)\b`)},
}

// DetectIntent classifies text. A tire size with no other cue counts as a
// product question.
func DetectIntent(text string) Intent {
	f := textnorm.Fold(text)
	for _, p := range intentPatterns {
		if p.re.MatchString(f) {
			return p.intent
		}
	}
	if _, ok := stock.ParseSize(text); ok {
		return IntentProduct
	}
	return IntentOther
}

var immediateEscalation = []string{
	"hablar con persona", "hablar con una persona", "hablar con humano",
	"hablar con un humano", "hablar con vendedor", "hablar con un vendedor",
	"hablar con encargado", "quiero hablar con alguien", "necesito un humano",
	"sos un bot", "sos un robot", "no me sirve", "no me ayudas",
	"esto no funciona", "bot de mierda", "inutil",
}

var complaintKeywords = []string{
	"queja", "reclamo", "denuncia", "reembolso", "estafa", "engano",
	"problema con mi pedido", "no llego", "llego mal", "producto defectuoso",
	"defensa del consumidor",
}

// EscalationReason reports whether text asks for a human or complains,
// and why.
func EscalationReason(text string) (string, bool) {
	for _, k := range immediateEscalation {
		if textnorm.ContainsPhrase(text, k) {
			return "Solicitud de atención humana", true
		}
	}
	for _, k := range complaintKeywords {
		if textnorm.ContainsPhrase(text, k) {
			return "Cliente con queja/reclamo", true
		}
	}
	return "", false
}

var fallbacks = map[Intent]string{
	IntentGreeting:     "¡Hola! 👋 ¿En qué te puedo ayudar hoy?",
	IntentProduct:      "¿Qué medida de neumático necesitás? La podés ver en el costado del neumático actual.",
	IntentPrice:        "Decime qué medida necesitás y te paso el precio 💰",
	IntentAvailability: "¿Qué medida estás buscando? Te confirmo disponibilidad.",
	IntentFAQ:          "Nuestro horario es Lun-Vie 8:30-18:30, Sáb 9:00-13:00. ¿Te puedo ayudar con algo más?",
	IntentAppointment:  "¿Querés agendar un turno para instalación? Escribí \"turno\" y te guío paso a paso.",
	IntentComplaint:    "Lamentamos el inconveniente. Te paso con un asesor para ayudarte mejor.",
	IntentEscalation:   "Te comunico con un asesor ahora mismo. Un momento por favor.",
	IntentOther:        "¿En qué te puedo ayudar? 🛞",
}

// BookingUnavailableReply answers a booking turn when the schedule data
// cannot be read. A pending flow is kept so the customer can retry.
const BookingUnavailableReply = "No pude consultar la agenda en este momento 😕 Probá de nuevo en unos minutos, o escribí \"cancelar\" para dejar el turno para otro momento."

// FallbackReply is the canned answer for intent when the model fails.
func FallbackReply(intent Intent) string {
	if s, ok := fallbacks[intent]; ok {
		return s
	}
	return fallbacks[IntentOther]
}
