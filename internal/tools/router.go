// Package tools exposes read-only catalog lookups to the language model
// as callable functions with JSON-schema parameters.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ndvalle/mostrador/internal/models"
	"github.com/ndvalle/mostrador/internal/stock"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/swaggest/jsonschema-go"
)

// DefaultMaxResults caps the products returned per lookup.
const DefaultMaxResults = 10

// Catalog is the stock backend the tools query.
type Catalog interface {
	SearchBySize(ctx context.Context, size stock.Size, opts stock.SearchOpts) ([]stock.Match, error)
	Branches(ctx context.Context, province string) ([]models.Branch, error)
}

// Definition is a tool as advertised to the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type tool struct {
	def  Definition
	call func(ctx context.Context, raw json.RawMessage) (any, error)
}

// Router dispatches tool calls by name.
type Router struct {
	catalog    Catalog
	maxResults int
	validate   *validator.Validate
	tools      map[string]tool
	order      []string
	log        zerolog.Logger
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Catalog    Catalog
	MaxResults int
	Log        *zerolog.Logger
}

// NewRouter creates a Router with the built-in tools registered.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("tools: catalog is required")
	}
	r := &Router{
		catalog:    opts.Catalog,
		maxResults: opts.MaxResults,
		validate:   validator.New(),
		tools:      make(map[string]tool),
		log:        zerolog.Nop(),
	}
	if r.maxResults <= 0 {
		r.maxResults = DefaultMaxResults
	}
	if opts.Log != nil {
		r.log = *opts.Log
	}
	r.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	if err := register(r, CheckStock,
		"Consulta stock y precio de una medida exacta de neumático, con disponibilidad por sucursal.",
		r.checkStock); err != nil {
		return nil, err
	}
	if err := register(r, FindEquivalents,
		"Busca medidas equivalentes (mismo rodado, diámetro similar) con stock, ordenadas por cercanía.",
		r.findEquivalents); err != nil {
		return nil, err
	}
	if err := register(r, ListBranches,
		"Lista las sucursales con dirección, opcionalmente filtradas por provincia.",
		r.listBranches); err != nil {
		return nil, err
	}
	return r, nil
}

// register reflects the argument schema of A and wraps run with decoding
// and validation.
func register[A any](r *Router, name, description string, run func(context.Context, A) (any, error)) error {
	var zero A
	reflector := jsonschema.Reflector{}
	schema, err := reflector.Reflect(zero, jsonschema.InlineRefs)
	if err != nil {
		return fmt.Errorf("tools: reflect %s schema: %w", name, err)
	}
	params, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tools: marshal %s schema: %w", name, err)
	}

	numeric := numericFields(reflect.TypeOf(zero))

	r.tools[name] = tool{
		def: Definition{Name: name, Description: description, Parameters: params},
		call: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args A
			if len(strings.TrimSpace(string(raw))) == 0 {
				raw = json.RawMessage("{}")
			}
			raw = unquoteNumbers(raw, numeric)
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, &ToolError{Kind: KindInvalidArguments, Tool: name, Message: "arguments are not a valid JSON object", Err: err}
			}
			if err := r.validate.Struct(args); err != nil {
				return nil, &ToolError{Kind: KindInvalidArguments, Tool: name, Message: describeValidation(err)}
			}
			return run(ctx, args)
		},
	}
	r.order = append(r.order, name)
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	return strings.Join(lo.Map(verrs, func(e validator.FieldError, _ int) string {
		if e.Param() != "" {
			return fmt.Sprintf("%s must satisfy %s=%s", e.Field(), e.Tag(), e.Param())
		}
		return fmt.Sprintf("%s is %s", e.Field(), e.Tag())
	}), "; ")
}

// Names returns the registered tool names in registration order.
func (r *Router) Names() []string {
	return append([]string(nil), r.order...)
}

// Definitions returns the tools to advertise. Only names present in
// enabled are included; a non-empty value overrides the description.
// A nil map advertises everything.
func (r *Router) Definitions(enabled map[string]string) []Definition {
	var out []Definition
	for _, name := range r.order {
		def := r.tools[name].def
		if enabled != nil {
			desc, ok := enabled[name]
			if !ok {
				continue
			}
			if desc != "" {
				def.Description = desc
			}
		}
		out = append(out, def)
	}
	return out
}

// Invoke runs the named tool with JSON arguments. Failures are always a
// *ToolError.
func (r *Router) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &ToolError{Kind: KindUnknownTool, Tool: name, Message: "no such tool; available: " + strings.Join(r.order, ", ")}
	}

	out, err := t.call(ctx, args)
	if err != nil {
		var te *ToolError
		if !errors.As(err, &te) {
			te = &ToolError{Kind: KindExecutionFailed, Tool: name, Message: "lookup failed", Err: err}
		}
		r.log.Warn().Str("tool", name).Str("kind", string(te.Kind)).Err(err).Msg("tool call failed")
		return nil, te
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, &ToolError{Kind: KindExecutionFailed, Tool: name, Message: "result could not be encoded", Err: err}
	}
	r.log.Debug().Str("tool", name).Int("bytes", len(b)).Msg("tool call")
	return b, nil
}

// resolveBranch maps a code, name or city to a branch code.
func (r *Router) resolveBranch(ctx context.Context, tool, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	branches, err := r.catalog.Branches(ctx, "")
	if err != nil {
		return "", err
	}
	b := stock.MatchBranch(branches, text)
	if b == nil {
		names := lo.Map(branches, func(b models.Branch, _ int) string { return b.Name })
		return "", &ToolError{Kind: KindInvalidArguments, Tool: tool, Message: fmt.Sprintf("unknown branch %q; branches: %s", text, strings.Join(names, ", "))}
	}
	return b.Code, nil
}

func (r *Router) checkStock(ctx context.Context, a CheckStockArgs) (any, error) {
	code, err := r.resolveBranch(ctx, CheckStock, a.Branch)
	if err != nil {
		return nil, err
	}
	matches, err := r.catalog.SearchBySize(ctx, a.size(), stock.SearchOpts{Brand: a.Brand, BranchCode: code, Limit: r.maxResults})
	if err != nil {
		return nil, err
	}

	res := StockResult{Size: a.size().String(), Branch: code, Quantity: a.Quantity, Products: matches}
	if res.Products == nil {
		res.Products = []stock.Match{}
	}
	need := max(a.Quantity, 1)
	var names []string
	for _, m := range matches {
		if stockFor(m, code) > 0 {
			res.Found = true
		}
		for _, b := range m.Branches {
			if b.Quantity >= need {
				names = append(names, b.Name)
			}
		}
	}
	res.Branches = lo.Uniq(names)
	if !res.Found {
		res.Suggestion = "Sin stock en esta medida: ofrecé find_equivalents o conseguirlo por pedido."
	}
	return res, nil
}

func stockFor(m stock.Match, branchCode string) int {
	if branchCode != "" {
		return m.BranchStock
	}
	return m.Total
}

func (r *Router) findEquivalents(ctx context.Context, a FindEquivalentsArgs) (any, error) {
	code, err := r.resolveBranch(ctx, FindEquivalents, a.Branch)
	if err != nil {
		return nil, err
	}
	matches, err := r.catalog.SearchBySize(ctx, a.size(), stock.SearchOpts{
		BranchCode:         code,
		IncludeEquivalents: true,
		TolerancePct:       a.TolerancePct,
	})
	if err != nil {
		return nil, err
	}
	equiv := lo.Filter(matches, func(m stock.Match, _ int) bool { return !m.Exact })
	if len(equiv) > r.maxResults {
		equiv = equiv[:r.maxResults]
	}
	res := StockResult{Size: a.size().String(), Branch: code, Products: equiv, Found: len(equiv) > 0, Equivalents: true}
	if !res.Found {
		res.Suggestion = "No hay equivalencias con stock: ofrecé conseguir la medida original."
	}
	return res, nil
}

func (r *Router) listBranches(ctx context.Context, a ListBranchesArgs) (any, error) {
	branches, err := r.catalog.Branches(ctx, a.Province)
	if err != nil {
		return nil, err
	}
	return BranchList{Branches: lo.Map(branches, func(b models.Branch, _ int) BranchInfo {
		return BranchInfo{Code: b.Code, Name: b.Name, City: b.City, Province: b.Province, Address: b.Address}
	})}, nil
}
