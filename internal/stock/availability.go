package stock

import "math"

// Availability classifies a quantity for customer-facing wording.
type Availability string

const (
	Unavailable Availability = "unavailable"
	SingleUnit  Availability = "single_unit"
	LastUnits   Availability = "last_units"
	Available   Availability = "available"
)

// Classify maps a quantity to its availability class.
func Classify(qty int) Availability {
	switch {
	case qty <= 0:
		return Unavailable
	case qty == 1:
		return SingleUnit
	case qty <= 3:
		return LastUnits
	default:
		return Available
	}
}

// Level grades how close an equivalent's overall diameter is.
type Level string

const (
	Perfect   Level = "perfecta"
	Excellent Level = "excelente"
	VeryGood  Level = "muy_buena"
	Good      Level = "buena"
)

// DefaultTolerancePct is the overall-diameter window for equivalents.
const DefaultTolerancePct = 3.0

// LevelFor grades an absolute diameter difference in percent.
func LevelFor(diffPct float64) Level {
	d := math.Abs(diffPct)
	switch {
	case d <= 0.5:
		return Perfect
	case d <= 1.0:
		return Excellent
	case d <= 2.0:
		return VeryGood
	default:
		return Good
	}
}

// Label is the Spanish wording of a level.
func (l Level) Label() string {
	switch l {
	case Perfect:
		return "Equivalencia perfecta"
	case Excellent:
		return "Equivalencia excelente"
	case VeryGood:
		return "Muy buena equivalencia"
	case Good:
		return "Buena equivalencia"
	}
	return string(l)
}

