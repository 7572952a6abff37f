package tools

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/ndvalle/mostrador/internal/stock"
)

// Tool names.
const (
	CheckStock      = "check_stock"
	FindEquivalents = "find_equivalents"
	ListBranches    = "list_branches"
)

// CheckStockArgs asks for one exact tire size.
type CheckStockArgs struct {
	Width       int    `json:"width" required:"true" minimum:"100" maximum:"400" description:"Ancho en milímetros, por ejemplo 205" validate:"required,gte=100,lte=400"`
	AspectRatio int    `json:"aspect_ratio" required:"true" minimum:"20" maximum:"90" description:"Perfil (serie), por ejemplo 55" validate:"required,gte=20,lte=90"`
	RimDiameter int    `json:"rim_diameter" required:"true" minimum:"12" maximum:"24" description:"Rodado en pulgadas, por ejemplo 16" validate:"required,gte=12,lte=24"`
	Brand       string `json:"brand,omitempty" description:"Marca preferida, si el cliente la pidió" validate:"max=64"`
	Branch      string `json:"branch,omitempty" description:"Sucursal o ciudad del cliente" validate:"max=64"`
	Quantity    int    `json:"quantity,omitempty" minimum:"1" maximum:"20" description:"Cantidad de neumáticos que necesita" validate:"omitempty,gte=1,lte=20"`
}

func (a CheckStockArgs) size() stock.Size {
	return stock.Size{Width: a.Width, AspectRatio: a.AspectRatio, RimDiameter: a.RimDiameter}
}

// FindEquivalentsArgs asks for same-rim alternatives to a size.
type FindEquivalentsArgs struct {
	Width        int     `json:"width" required:"true" minimum:"100" maximum:"400" description:"Ancho en milímetros" validate:"required,gte=100,lte=400"`
	AspectRatio  int     `json:"aspect_ratio" required:"true" minimum:"20" maximum:"90" description:"Perfil (serie)" validate:"required,gte=20,lte=90"`
	RimDiameter  int     `json:"rim_diameter" required:"true" minimum:"12" maximum:"24" description:"Rodado en pulgadas" validate:"required,gte=12,lte=24"`
	Branch       string  `json:"branch,omitempty" description:"Sucursal o ciudad donde debe haber stock" validate:"max=64"`
	TolerancePct float64 `json:"tolerance_percent,omitempty" minimum:"0" maximum:"5" description:"Diferencia máxima de diámetro en %, por defecto 3" validate:"omitempty,gt=0,lte=5"`
}

func (a FindEquivalentsArgs) size() stock.Size {
	return stock.Size{Width: a.Width, AspectRatio: a.AspectRatio, RimDiameter: a.RimDiameter}
}

// ListBranchesArgs optionally narrows branches to a province.
type ListBranchesArgs struct {
	Province string `json:"province,omitempty" description:"Provincia, por ejemplo Salta" validate:"max=64"`
}

// StockResult is returned by check_stock and find_equivalents.
type StockResult struct {
	Size        string        `json:"size"`
	Branch      string        `json:"branch,omitempty"`
	Quantity    int           `json:"quantity,omitempty"`
	Found       bool          `json:"found"`
	Products    []stock.Match `json:"products"`
	Suggestion  string        `json:"suggestion,omitempty"`
	Branches    []string      `json:"branches_with_enough_stock,omitempty"`
	Equivalents bool          `json:"equivalents"`
}

// BranchInfo is one entry of list_branches.
type BranchInfo struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	City     string `json:"city,omitempty"`
	Province string `json:"province,omitempty"`
	Address  string `json:"address,omitempty"`
}

// BranchList is returned by list_branches.
type BranchList struct {
	Branches []BranchInfo `json:"branches"`
}

// numericFields returns the JSON names of t's numeric fields.
func numericFields(t reflect.Type) map[string]bool {
	out := make(map[string]bool)
	if t.Kind() != reflect.Struct {
		return out
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		switch f.Type.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			out[name] = true
		}
	}
	return out
}

// unquoteNumbers rewrites quoted numbers in numeric fields, so
// {"width":"205"} decodes like {"width":205}. Anything else is returned
// untouched for the decoder to reject.
func unquoteNumbers(raw json.RawMessage, numeric map[string]bool) json.RawMessage {
	if len(numeric) == 0 {
		return raw
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return raw
	}
	changed := false
	for k, v := range obj {
		if !numeric[k] {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) != nil {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) || !json.Valid([]byte(s)) {
			continue
		}
		obj[k] = json.RawMessage(s)
		changed = true
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}
