package appointment

import (
	"fmt"
	"strings"

	"github.com/ndvalle/mostrador/internal/models"
)

const maxListed = 8

func numbered[T any](items []T, label func(T) string) string {
	var b strings.Builder
	for i, it := range items {
		if i == maxListed {
			b.WriteString("(y más...)\n")
			break
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, label(it))
	}
	return strings.TrimRight(b.String(), "\n")
}

func serviceLabel(s models.AppointmentService) string { return s.Name }

func branchLabel(b models.Branch) string {
	if b.City != "" && !strings.EqualFold(b.City, b.Name) {
		return b.Name + " (" + b.City + ")"
	}
	return b.Name
}

func askServiceMsg(services []models.AppointmentService) string {
	return "¡Dale! Te ayudo a sacar un turno 📅\n\n¿Qué servicio necesitás?\n\n" +
		numbered(services, serviceLabel) +
		"\n\nRespondé con el número o el nombre. Escribí *cancelar* para salir."
}

func serviceNotFoundMsg(services []models.AppointmentService) string {
	return "No encontré ese servicio 🤔 ¿Cuál necesitás?\n\n" + numbered(services, serviceLabel)
}

func askBranchMsg(serviceName string, branches []models.Branch) string {
	return serviceName + ", anotado ✅\n\n¿En qué sucursal preferís atenderte?\n\n" + numbered(branches, branchLabel)
}

func branchNotFoundMsg(branches []models.Branch) string {
	return "No encontré esa sucursal. ¿Cuál te queda mejor?\n\n" + numbered(branches, branchLabel)
}

func askDateTimeMsg(branchName string) string {
	return "Perfecto, " + branchName + " 👍\n\n¿Qué día y a qué hora te queda cómodo?\n" +
		"Por ejemplo: \"mañana a las 10\", \"el lunes 16hs\" o \"15/01 9:30\".\n" +
		"Atendemos de lunes a viernes de 9 a 18 y sábados de 9 a 13."
}

func askTimeMsg(date string) string {
	return DisplayDate(date) + ", perfecto 👌 ¿A qué hora? (de 9 a 18, sábados de 9 a 13)"
}

func askDateMsg(clock string) string {
	return clock + " hs, anotado. ¿Qué día? Podés decirme \"mañana\", \"el jueves\" o \"15/01\"."
}

func dateProblemMsg(err error) string {
	switch err {
	case ErrDatePast:
		return "Esa fecha ya pasó 😅 ¿Qué otro día te queda bien?"
	case ErrSunday:
		return "Los domingos no atendemos 🙏 ¿Te sirve otro día?"
	case ErrTooFar:
		return fmt.Sprintf("Solo puedo reservar hasta %d días adelante. ¿Una fecha más cercana?", MaxDaysAhead)
	case ErrOutsideHours:
		return "En ese horario no atendemos. Lunes a viernes de 9 a 18, sábados de 9 a 13. ¿Qué hora preferís?"
	case ErrTimeAlreadyGone:
		return "Ese horario de hoy ya pasó. ¿Otro horario u otro día?"
	}
	return "No entendí la fecha 🤔 Podés decirme \"mañana a las 10\", \"el lunes 16hs\" o \"15/01 9:30\"."
}

func askContactMsg(suggested string) string {
	if suggested != "" {
		return "¿A nombre de quién dejamos el turno? Si es para " + suggested + " respondé *sí*."
	}
	return "¿A nombre de quién dejamos el turno? (nombre y apellido)"
}

func nameTooShortMsg() string {
	return "Necesito un nombre de al menos 3 letras para el turno 🙂"
}

func summaryMsg(st *models.AppointmentState) string {
	return fmt.Sprintf("📋 *Resumen de tu turno:*\n\n🔧 %s\n🏪 %s\n📅 %s\n🕐 %s hs\n👤 %s\n📱 %s\n\n¿Confirmamos? (Sí/No)",
		st.ServiceName, st.BranchName, DisplayDate(st.Date), st.Time, st.CustomerName, st.CustomerPhone)
}

func confirmHintMsg() string {
	return "Respondé *sí* para confirmar, *no* para cambiar el día u horario, o *cancelar* para salir."
}

func changeDateTimeMsg() string {
	return "Sin problema. ¿Qué otro día y horario te sirve?"
}

func successMsg(a *models.Appointment, st *models.AppointmentState) string {
	return fmt.Sprintf("✅ ¡Listo! Tu turno quedó agendado.\n\nNúmero: #%s\n%s en %s, %s a las %s hs.\n\n¡Te esperamos! 🚗",
		ShortID(a.ID), st.ServiceName, st.BranchName, DisplayDate(st.Date), st.Time)
}

func writeFailedMsg() string {
	return "Ups, no pude registrar el turno en este momento 😅 Respondé *sí* en un ratito para reintentar."
}

func cancelledMsg() string {
	return "Entendido, cancelamos la reserva 👋 Si querés agendar después, escribime \"turno\"."
}

func tooManyAttemptsMsg() string {
	return "No logré entenderte, así que dejo la reserva en pausa 🙏 Contame con tus palabras qué necesitás y te ayudo."
}

