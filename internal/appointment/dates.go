package appointment

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/ndvalle/mostrador/internal/textnorm"
)

// MaxDaysAhead bounds how far in the future a booking may be.
const MaxDaysAhead = 30

// Date problems reported to the customer.
var (
	ErrNoDate          = errors.New("appointment: no date found")
	ErrDatePast        = errors.New("appointment: date is in the past")
	ErrSunday          = errors.New("appointment: closed on sundays")
	ErrTooFar          = errors.New("appointment: date too far ahead")
	ErrNoTime          = errors.New("appointment: no time found")
	ErrOutsideHours    = errors.New("appointment: time outside opening hours")
	ErrTimeAlreadyGone = errors.New("appointment: time already passed")
)

var (
	weekdays = map[string]time.Weekday{
		"domingo": time.Sunday, "lunes": time.Monday, "martes": time.Tuesday,
		"miercoles": time.Wednesday, "jueves": time.Thursday, "viernes": time.Friday,
		"sabado": time.Saturday,
	}
	months = map[string]time.Month{
		"enero": time.January, "febrero": time.February, "marzo": time.March,
		"abril": time.April, "mayo": time.May, "junio": time.June, "julio": time.July,
		"agosto": time.August, "septiembre": time.September, "setiembre": time.September,
		"octubre": time.October, "noviembre": time.November, "diciembre": time.December,
	}
	dayNames = [...]string{"Domingo", "Lunes", "Martes", "Miércoles", "Jueves", "Viernes", "Sábado"}

	todayRe      = regexp.MustCompile(`\bhoy\b`)
	dayAfterRe   = regexp.MustCompile(`\bpasado\s*manana\b`)
	tomorrowRe   = regexp.MustCompile(`\bmanana\b`)
	nextWeekRe   = regexp.MustCompile(`\bsemana\s+que\s+viene\b`)
	weekdayRe    = regexp.MustCompile(`\b(lunes|martes|miercoles|jueves|viernes|sabado|domingo)\b`)
	dateSlashRe  = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})(?:[/-](\d{2,4}))?\b`)
	dateTextRe   = regexp.MustCompile(`\b(\d{1,2})\s*(?:de\s+)?(enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|setiembre|octubre|noviembre|diciembre)\b`)
	bareNumberRe = regexp.MustCompile(`^(\d{1,2})$`)
	dayOfMonthRe = regexp.MustCompile(`\b(?:el|dia)\s+(\d{1,2})\b`)

	clockRe = regexp.MustCompile(`\b(\d{1,2})[:.](\d{2})\b`)
	hoursRe = regexp.MustCompile(`\b(\d{1,2})\s*(?:hs?|horas?)\b`)
	atTheRe = regexp.MustCompile(`\ba\s+las?\s+(\d{1,2})\b`)
)

// ParseDate reads a Spanish date expression relative to now. The result
// is midnight in now's location.
func ParseDate(text string, now time.Time) (time.Time, error) {
	f := textnorm.Fold(text)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var d time.Time
	switch {
	case dayAfterRe.MatchString(f):
		d = today.AddDate(0, 0, 2)
	case tomorrowRe.MatchString(f):
		d = today.AddDate(0, 0, 1)
	case todayRe.MatchString(f):
		d = today
	case nextWeekRe.MatchString(f):
		d = nextWeekday(today, time.Monday)
	case weekdayRe.MatchString(f):
		d = nextWeekday(today, weekdays[weekdayRe.FindStringSubmatch(f)[1]])
	case dateSlashRe.MatchString(f):
		m := dateSlashRe.FindStringSubmatch(f)
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 {
			return time.Time{}, ErrNoDate
		}
		year := today.Year()
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
			if year < 100 {
				year += 2000
			}
		}
		var ok bool
		if d, ok = calendarDate(year, time.Month(month), day, today.Location()); !ok {
			return time.Time{}, ErrNoDate
		}
		if m[3] == "" && d.Before(today) {
			d, _ = calendarDate(year+1, time.Month(month), day, today.Location())
		}
	case dateTextRe.MatchString(f):
		m := dateTextRe.FindStringSubmatch(f)
		day, _ := strconv.Atoi(m[1])
		var ok bool
		if d, ok = calendarDate(today.Year(), months[m[2]], day, today.Location()); !ok {
			return time.Time{}, ErrNoDate
		}
		if d.Before(today) {
			d, _ = calendarDate(today.Year()+1, months[m[2]], day, today.Location())
		}
	case bareNumberRe.MatchString(f) || dayOfMonthRe.MatchString(f):
		m := bareNumberRe.FindStringSubmatch(f)
		if m == nil {
			m = dayOfMonthRe.FindStringSubmatch(f)
		}
		day, _ := strconv.Atoi(m[1])
		month := today.Month()
		year := today.Year()
		if day <= today.Day() {
			month++
			if month > time.December {
				month, year = time.January, year+1
			}
		}
		var ok bool
		if d, ok = calendarDate(year, month, day, today.Location()); !ok {
			return time.Time{}, ErrNoDate
		}
	default:
		return time.Time{}, ErrNoDate
	}

	switch {
	case d.Before(today):
		return d, ErrDatePast
	case d.Weekday() == time.Sunday:
		return d, ErrSunday
	case d.Sub(today) > MaxDaysAhead*24*time.Hour:
		return d, ErrTooFar
	}
	return d, nil
}

// calendarDate rejects overflowing dates such as 31/02.
func calendarDate(year int, month time.Month, day int, loc *time.Location) (time.Time, bool) {
	d := time.Date(year, month, day, 0, 0, 0, 0, loc)
	return d, d.Day() == day && d.Month() == month
}

func nextWeekday(from time.Time, wd time.Weekday) time.Time {
	n := int(wd - from.Weekday())
	if n <= 0 {
		n += 7
	}
	return from.AddDate(0, 0, n)
}

// OpeningHours returns the first and last bookable hour on a weekday.
// ok is false on Sundays.
func OpeningHours(wd time.Weekday) (first, last int, ok bool) {
	switch wd {
	case time.Sunday:
		return 0, 0, false
	case time.Saturday:
		return 9, 13, true
	default:
		return 9, 18, true
	}
}

// ParseTime reads a time of day ("10", "10:30", "10hs", "a las 10") and
// checks it against the opening hours of day. A bare number only counts
// when allowBare is set, so it is not confused with a day of the month.
func ParseTime(text string, day time.Time, allowBare bool) (string, error) {
	f := textnorm.Fold(text)
	hour, minute := -1, 0
	if m := clockRe.FindStringSubmatch(f); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
	} else if m := hoursRe.FindStringSubmatch(f); m != nil {
		hour, _ = strconv.Atoi(m[1])
	} else if m := atTheRe.FindStringSubmatch(f); m != nil {
		hour, _ = strconv.Atoi(m[1])
	} else if m := bareNumberRe.FindStringSubmatch(f); m != nil && allowBare {
		hour, _ = strconv.Atoi(m[1])
	}
	if hour < 0 {
		return "", ErrNoTime
	}
	if minute > 59 {
		return "", ErrNoTime
	}
	first, last, ok := OpeningHours(day.Weekday())
	if !ok || hour < first || hour > last || (hour == last && minute > 0) {
		return "", ErrOutsideHours
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), nil
}

// DisplayDate formats a YYYY-MM-DD date as "Lunes 02/03".
func DisplayDate(iso string) string {
	d, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return iso
	}
	return fmt.Sprintf("%s %02d/%02d", dayNames[d.Weekday()], d.Day(), int(d.Month()))
}
