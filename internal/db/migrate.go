package db

import (
	"fmt"
	"os"

	"github.com/ndvalle/mostrador/internal/models"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.Message{},
		&models.AppSetting{},
		&models.ConfigAuditLog{},
		&models.Instance{},
		&models.Branch{},
		&models.Product{},
		&models.BranchStock{},
		&models.AppointmentService{},
		&models.Appointment{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Catalog is the seed file layout for reference data.
type Catalog struct {
	Branches []CatalogBranch  `yaml:"branches"`
	Services []CatalogService `yaml:"services"`
	Products []CatalogProduct `yaml:"products"`
}

// CatalogBranch is one branch entry in a seed file.
type CatalogBranch struct {
	Code     string `yaml:"code"`
	Name     string `yaml:"name"`
	City     string `yaml:"city"`
	Province string `yaml:"province"`
	Address  string `yaml:"address"`
}

// CatalogService is one workshop service entry in a seed file.
type CatalogService struct {
	Code        string  `yaml:"code"`
	Name        string  `yaml:"name"`
	DurationMin int     `yaml:"duration_min"`
	Price       float64 `yaml:"price"`
}

// CatalogProduct is one tire entry; Stock maps branch code to quantity.
type CatalogProduct struct {
	SKU         string         `yaml:"sku"`
	Brand       string         `yaml:"brand"`
	Model       string         `yaml:"model"`
	Width       int            `yaml:"width"`
	AspectRatio int            `yaml:"aspect_ratio"`
	RimDiameter int            `yaml:"rim_diameter"`
	Price       float64        `yaml:"price"`
	Stock       map[string]int `yaml:"stock"`
}

// DefaultServices are seeded when a catalog file lists none.
var DefaultServices = []CatalogService{
	{Code: "tire-change", Name: "Cambio de neumáticos", DurationMin: 45},
	{Code: "alignment", Name: "Alineación", DurationMin: 30},
	{Code: "balancing", Name: "Balanceo", DurationMin: 30},
	{Code: "alignment-balancing", Name: "Alineación y balanceo", DurationMin: 60},
	{Code: "oil-change", Name: "Cambio de aceite", DurationMin: 30},
	{Code: "inspection", Name: "Revisión general", DurationMin: 30},
}

// LoadCatalog reads a YAML catalog seed file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("db: read catalog %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("db: parse catalog %s: %w", path, err)
	}
	return &c, nil
}

// SeedCatalog upserts branches, services, products and stock levels in one
// transaction. Rows are matched by their natural codes so seeding is
// repeatable.
func SeedCatalog(db *gorm.DB, c *Catalog) error {
	services := c.Services
	if len(services) == 0 {
		services = DefaultServices
	}
	return db.Transaction(func(tx *gorm.DB) error {
		branchIDs := make(map[string]uint, len(c.Branches))
		for _, b := range c.Branches {
			row := models.Branch{Code: b.Code, Name: b.Name, City: b.City, Province: b.Province, Address: b.Address, Active: true}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "city", "province", "address", "active"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("db: seed branch %q: %w", b.Code, err)
			}
			if err := tx.Where("code = ?", b.Code).First(&row).Error; err != nil {
				return fmt.Errorf("db: reload branch %q: %w", b.Code, err)
			}
			branchIDs[b.Code] = row.ID
		}

		for _, s := range services {
			row := models.AppointmentService{Code: s.Code, Name: s.Name, DurationMin: s.DurationMin, Price: s.Price, Active: true}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "duration_min", "price", "active"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("db: seed service %q: %w", s.Code, err)
			}
		}

		for _, p := range c.Products {
			row := models.Product{SKU: p.SKU, Brand: p.Brand, Model: p.Model, Width: p.Width, AspectRatio: p.AspectRatio, RimDiameter: p.RimDiameter, Price: p.Price}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "sku"}},
				DoUpdates: clause.AssignmentColumns([]string{"brand", "model", "width", "aspect_ratio", "rim_diameter", "price"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("db: seed product %q: %w", p.SKU, err)
			}
			if err := tx.Where("sku = ?", p.SKU).First(&row).Error; err != nil {
				return fmt.Errorf("db: reload product %q: %w", p.SKU, err)
			}
			for code, qty := range p.Stock {
				branchID, ok := branchIDs[code]
				if !ok {
					return fmt.Errorf("db: product %q references unknown branch %q", p.SKU, code)
				}
				bs := models.BranchStock{ProductID: row.ID, BranchID: branchID, Quantity: qty}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "product_id"}, {Name: "branch_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"quantity"}),
				}).Create(&bs).Error; err != nil {
					return fmt.Errorf("db: seed stock %q@%q: %w", p.SKU, code, err)
				}
			}
		}
		return nil
	})
}
