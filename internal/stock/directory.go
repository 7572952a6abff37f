package stock

import (
	"github.com/ndvalle/mostrador/internal/models"
	"github.com/ndvalle/mostrador/internal/textnorm"
)

// CityAliases maps informal place names customers use to the city or
// province they mean.
var CityAliases = map[string]string{
	"sgo":             "santiago del estero",
	"stgo":            "santiago del estero",
	"sgo del estero":  "santiago del estero",
	"smt":             "tucuman",
	"san miguel":      "tucuman",
	"labanda":         "la banda",
	"caba":            "buenos aires",
	"capital federal": "buenos aires",
	"sfv catamarca":   "catamarca",
	"san fernando":    "catamarca",
	"salta capital":   "salta",
}

// MatchBranch picks the branch a free-text answer refers to. It tries the
// branch code, then name, then city, then province, after folding accents
// and expanding CityAliases. The longest matching key wins so that
// "la banda" is not read as "banda". It returns nil when nothing matches
// or when a province match is ambiguous.
func MatchBranch(branches []models.Branch, text string) *models.Branch {
	f := textnorm.Fold(text)
	if f == "" {
		return nil
	}
	for alias, city := range CityAliases {
		if textnorm.ContainsPhrase(f, alias) {
			f += " " + city
		}
	}

	for i := range branches {
		if textnorm.ContainsPhrase(f, branches[i].Code) || f == textnorm.Fold(branches[i].Code) {
			return &branches[i]
		}
	}

	var best *models.Branch
	bestLen := 0
	for _, field := range []func(models.Branch) string{
		func(b models.Branch) string { return b.Name },
		func(b models.Branch) string { return b.City },
	} {
		for i := range branches {
			key := textnorm.Fold(field(branches[i]))
			if key != "" && textnorm.ContainsPhrase(f, key) && len(key) > bestLen {
				best, bestLen = &branches[i], len(key)
			}
		}
		if best != nil {
			return best
		}
	}

	var byProvince []*models.Branch
	for i := range branches {
		key := textnorm.Fold(branches[i].Province)
		if key != "" && textnorm.ContainsPhrase(f, key) {
			byProvince = append(byProvince, &branches[i])
		}
	}
	if len(byProvince) == 1 {
		return byProvince[0]
	}
	return nil
}

