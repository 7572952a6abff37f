// Package stock answers tire availability questions: it parses sizes out
// of customer text, finds exact and equivalent products and reports
// per-branch quantities.
package stock

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Size is a metric tire size such as 205/55R16.
type Size struct {
	Width       int `json:"width"`
	AspectRatio int `json:"aspect_ratio"`
	RimDiameter int `json:"rim_diameter"`
}

// String formats the size the way customers write it.
func (s Size) String() string {
	return fmt.Sprintf("%d/%dR%d", s.Width, s.AspectRatio, s.RimDiameter)
}

// Valid reports whether every dimension is inside the ranges sold.
func (s Size) Valid() bool {
	return s.Width >= 100 && s.Width <= 400 &&
		s.AspectRatio >= 20 && s.AspectRatio <= 90 &&
		s.RimDiameter >= 12 && s.RimDiameter <= 24
}

// Diameter returns the overall tire diameter in millimetres.
func (s Size) Diameter() float64 {
	sidewall := float64(s.Width) * float64(s.AspectRatio) / 100
	return round2(sidewall*2 + float64(s.RimDiameter)*25.4)
}

// ParsedSize is a size read from free text.
type ParsedSize struct {
	Size
	Corrected     bool `json:"corrected,omitempty"`
	OriginalWidth int  `json:"original_width,omitempty"`
}

var sizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{3})\s*[/-]\s*(\d{2})\s*[rR]?\s*(\d{2})`),
	regexp.MustCompile(`(\d{3})\s*(\d{2})\s*[rR]?\s*(\d{2})`),
	regexp.MustCompile(`(\d{3})[-/\s](\d{2})[-/\s]?[rR]?(\d{2})`),
}

// ParseSize finds the first plausible tire size in text. Widths ending in
// 6 are a common typo and are corrected down to the 5 that is sold.
func ParseSize(text string) (ParsedSize, bool) {
	for _, re := range sizePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			w, _ := strconv.Atoi(m[1])
			a, _ := strconv.Atoi(m[2])
			r, _ := strconv.Atoi(m[3])
			size := Size{Width: w, AspectRatio: a, RimDiameter: r}
			if !size.Valid() {
				continue
			}
			p := ParsedSize{Size: size}
			if w%10 == 6 {
				p.OriginalWidth = w
				p.Width = w - 1
				p.Corrected = true
			}
			return p, true
		}
	}
	return ParsedSize{}, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
