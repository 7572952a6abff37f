package stock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ndvalle/mostrador/internal/models"
	"github.com/ndvalle/mostrador/internal/textnorm"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// ErrBranchNotFound is returned when a branch code does not resolve to an
// active branch.
var ErrBranchNotFound = errors.New("stock: branch not found")

// SearchOpts narrows a size search.
type SearchOpts struct {
	Brand              string  // case-insensitive substring of the brand
	BranchCode         string  // report quantity at this branch; equivalents must have stock here
	IncludeEquivalents bool    // add same-rim sizes within TolerancePct
	TolerancePct       float64 // 0 means DefaultTolerancePct
	Limit              int     // 0 means no limit
}

// BranchQuantity is the stock of one product at one branch.
type BranchQuantity struct {
	BranchID     uint         `json:"branch_id"`
	Code         string       `json:"code"`
	Name         string       `json:"name"`
	City         string       `json:"city,omitempty"`
	Quantity     int          `json:"quantity"`
	Availability Availability `json:"availability"`
}

// Match is one product returned by SearchBySize.
type Match struct {
	ProductID    uint             `json:"product_id"`
	SKU          string           `json:"sku"`
	Brand        string           `json:"brand"`
	Model        string           `json:"model,omitempty"`
	Size         Size             `json:"size"`
	Price        float64          `json:"price"`
	Exact        bool             `json:"exact"`
	Level        Level            `json:"equivalence_level,omitempty"`
	DiffPct      float64          `json:"diameter_diff_percent"`
	Total        int              `json:"total_stock"`
	BranchStock  int              `json:"branch_stock,omitempty"` // quantity at SearchOpts.BranchCode
	Availability Availability     `json:"availability"`
	Branches     []BranchQuantity `json:"branches"`
}

// Resolver reads the catalog and stock tables.
type Resolver struct {
	db *gorm.DB
}

// NewResolver creates a Resolver.
func NewResolver(db *gorm.DB) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("stock: db is required")
	}
	return &Resolver{db: db}, nil
}

// SearchBySize returns exact-size matches first, then same-rim equivalents
// ordered by absolute diameter difference. Each match lists every active
// branch, with zero-quantity branches last.
func (r *Resolver) SearchBySize(ctx context.Context, size Size, opts SearchOpts) ([]Match, error) {
	if !size.Valid() {
		return nil, fmt.Errorf("stock: invalid size %s", size)
	}
	tol := opts.TolerancePct
	if tol <= 0 {
		tol = DefaultTolerancePct
	}

	branches, err := r.Branches(ctx, "")
	if err != nil {
		return nil, err
	}
	if opts.BranchCode != "" {
		if _, ok := lo.Find(branches, func(b models.Branch) bool { return strings.EqualFold(b.Code, opts.BranchCode) }); !ok {
			return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, opts.BranchCode)
		}
	}

	q := r.db.WithContext(ctx).Preload("Stock").Where("rim_diameter = ?", size.RimDiameter)
	if !opts.IncludeEquivalents {
		q = q.Where("width = ? AND aspect_ratio = ?", size.Width, size.AspectRatio)
	}
	if opts.Brand != "" {
		q = q.Where("LOWER(brand) LIKE ?", "%"+strings.ToLower(opts.Brand)+"%")
	}
	var products []models.Product
	if err := q.Find(&products).Error; err != nil {
		return nil, fmt.Errorf("stock: search %s: %w", size, err)
	}

	ref := size.Diameter()
	var exact, equiv []Match
	for _, p := range products {
		ps := Size{Width: p.Width, AspectRatio: p.AspectRatio, RimDiameter: p.RimDiameter}
		m := buildMatch(p, ps, branches, opts.BranchCode)
		if ps == size {
			m.Exact = true
			m.Level = Perfect
			exact = append(exact, m)
			continue
		}
		diff := (ps.Diameter() - ref) / ref * 100
		if math.Abs(diff) > tol+1e-9 {
			continue
		}
		have := m.Total
		if opts.BranchCode != "" {
			have = m.BranchStock
		}
		if have < 1 {
			continue
		}
		m.DiffPct = round2(diff)
		m.Level = LevelFor(diff)
		equiv = append(equiv, m)
	}

	sort.SliceStable(exact, func(i, j int) bool {
		si, sj := stockFor(exact[i], opts.BranchCode), stockFor(exact[j], opts.BranchCode)
		if (si > 0) != (sj > 0) {
			return si > 0
		}
		if exact[i].Price != exact[j].Price {
			return exact[i].Price < exact[j].Price
		}
		return exact[i].ProductID < exact[j].ProductID
	})
	sort.SliceStable(equiv, func(i, j int) bool {
		di, dj := math.Abs(equiv[i].DiffPct), math.Abs(equiv[j].DiffPct)
		if di != dj {
			return di < dj
		}
		si, sj := stockFor(equiv[i], opts.BranchCode), stockFor(equiv[j], opts.BranchCode)
		if si != sj {
			return si > sj
		}
		return equiv[i].Price < equiv[j].Price
	})

	out := append(exact, equiv...)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func stockFor(m Match, branchCode string) int {
	if branchCode != "" {
		return m.BranchStock
	}
	return m.Total
}

func buildMatch(p models.Product, size Size, branches []models.Branch, branchCode string) Match {
	qty := lo.SliceToMap(p.Stock, func(s models.BranchStock) (uint, int) { return s.BranchID, s.Quantity })
	per := lo.Map(branches, func(b models.Branch, _ int) BranchQuantity {
		n := qty[b.ID]
		return BranchQuantity{BranchID: b.ID, Code: b.Code, Name: b.Name, City: b.City, Quantity: n, Availability: Classify(n)}
	})
	sort.SliceStable(per, func(i, j int) bool {
		if per[i].Quantity != per[j].Quantity {
			return per[i].Quantity > per[j].Quantity
		}
		return per[i].Name < per[j].Name
	})

	m := Match{
		ProductID: p.ID,
		SKU:       p.SKU,
		Brand:     p.Brand,
		Model:     p.Model,
		Size:      size,
		Price:     p.Price,
		Total:     lo.SumBy(per, func(b BranchQuantity) int { return b.Quantity }),
		Branches:  per,
	}
	avail := m.Total
	if branchCode != "" {
		if b, ok := lo.Find(per, func(b BranchQuantity) bool { return strings.EqualFold(b.Code, branchCode) }); ok {
			m.BranchStock = b.Quantity
		}
		avail = m.BranchStock
	}
	m.Availability = Classify(avail)
	return m
}

// Branches lists active branches, optionally in one province, by name.
func (r *Resolver) Branches(ctx context.Context, province string) ([]models.Branch, error) {
	q := r.db.WithContext(ctx).Where("active = ?", true)
	var all []models.Branch
	if err := q.Order("name").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("stock: list branches: %w", err)
	}
	if province == "" {
		return all, nil
	}
	want := textnorm.Fold(province)
	return lo.Filter(all, func(b models.Branch, _ int) bool {
		return strings.Contains(textnorm.Fold(b.Province), want)
	}), nil
}

// BranchByCode loads an active branch.
func (r *Resolver) BranchByCode(ctx context.Context, code string) (*models.Branch, error) {
	var b models.Branch
	err := r.db.WithContext(ctx).Where("UPPER(code) = ? AND active = ?", strings.ToUpper(code), true).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("stock: branch %s: %w", code, err)
	}
	return &b, nil
}
