// Package appointment implements the step-by-step booking conversation
// and persists confirmed appointments.
package appointment

import (
	"regexp"
	"strings"

	"github.com/ndvalle/mostrador/internal/textnorm"
)

// DetectIntent reports whether text asks to book a service appointment.
// Keywords match whole words only: "reservamelos" answers a sales
// question and "nocturno" is not "turno".
func DetectIntent(text string) bool {
	return bookingRe.MatchString(textnorm.Fold(text))
}

var (
	bookingRe = regexp.MustCompile(`\b(turnos?|citas?|reservar?|agendar?|appointment|booking)\b`)
	cancelRe  = regexp.MustCompile(`^(cancelar|cancela|cancelalo|cancel|salir|exit|terminar|no quiero( nada| mas)?|deja(lo)?|olvidalo)[.!]*$`)
	backRe    = regexp.MustCompile(`^(volver|atras|back|anterior|regresar|paso anterior)[.!]*$`)
	confirmRe = regexp.MustCompile(`^(si|sí|yes|ok|dale|listo|perfecto|confirmar|confirmo|confirmado|acepto|de una)([ ,!.].*)?$`)
	denyRe    = regexp.MustCompile(`^(no|nop|nope|negativo)([ ,!.].*)?$`)
)

// IsCancel reports whether text abandons the flow.
func IsCancel(text string) bool { return cancelRe.MatchString(textnorm.Fold(text)) }

// IsGoBack reports whether text asks to return to the previous step.
func IsGoBack(text string) bool { return backRe.MatchString(textnorm.Fold(text)) }

// IsConfirm reports whether text is an affirmative answer.
func IsConfirm(text string) bool {
	return confirmRe.MatchString(textnorm.Fold(text))
}

// IsDeny reports whether text is a negative answer.
func IsDeny(text string) bool {
	f := textnorm.Fold(text)
	return denyRe.MatchString(f) && !strings.HasPrefix(f, "no quiero")
}
