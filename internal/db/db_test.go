package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/ndvalle/mostrador/internal/config"
	"github.com/ndvalle/mostrador/internal/models"
	"gorm.io/gorm"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "no password",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, User: "root", Name: "mostrador"},
			want: "root@tcp(127.0.0.1:3306)/mostrador?parseTime=true&charset=utf8mb4&loc=UTC",
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{Host: "db.internal", Port: 3307, User: "app", Password: "pw", Name: "shop"},
			want: "app:pw@tcp(db.internal:3307)/shop?parseTime=true&charset=utf8mb4&loc=UTC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), `unsupported driver "postgres"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConnect_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T missing", m)
		}
	}
}

func TestIsDuplicateKey(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm translated", gorm.ErrDuplicatedKey, true},
		{"wrapped gorm", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{"mysql 1062", &mysqldrv.MySQLError{Number: 1062, Message: "Duplicate entry"}, true},
		{"mysql other", &mysqldrv.MySQLError{Number: 1146, Message: "no such table"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDuplicateKey(tt.err); got != tt.want {
				t.Errorf("IsDuplicateKey(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestOpenMemory_UniquePhoneTransport(t *testing.T) {
	gdb, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	first := models.Conversation{Phone: "+5491155550000", Transport: "twilio"}
	if err := gdb.Create(&first).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := models.Conversation{Phone: "+5491155550000", Transport: "twilio"}
	err = gdb.Create(&dup).Error
	if !IsDuplicateKey(err) {
		t.Errorf("second insert error = %v, want duplicate key", err)
	}
	other := models.Conversation{Phone: "+5491155550000", Transport: "baileys"}
	if err := gdb.Create(&other).Error; err != nil {
		t.Errorf("same phone on another transport: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Catalog seeding
// ---------------------------------------------------------------------------

const catalogYAML = `
branches:
  - code: CEN
    name: Sucursal Centro
    city: Córdoba
    province: Córdoba
  - code: NOR
    name: Sucursal Norte
    city: Córdoba
    province: Córdoba
products:
  - sku: PIR-P7-2055516
    brand: Pirelli
    model: Cinturato P7
    width: 205
    aspect_ratio: 55
    rim_diameter: 16
    price: 185000
    stock:
      CEN: 6
      NOR: 0
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSeedCatalog(t *testing.T) {
	gdb, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	cat, err := LoadCatalog(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if err := SeedCatalog(gdb, cat); err != nil {
		t.Fatalf("SeedCatalog: %v", err)
	}
	// Second run must not duplicate anything.
	cat.Products[0].Stock["CEN"] = 4
	if err := SeedCatalog(gdb, cat); err != nil {
		t.Fatalf("SeedCatalog (again): %v", err)
	}

	var branches, products, services int64
	gdb.Model(&models.Branch{}).Count(&branches)
	gdb.Model(&models.Product{}).Count(&products)
	gdb.Model(&models.AppointmentService{}).Count(&services)
	if branches != 2 {
		t.Errorf("branches = %d, want 2", branches)
	}
	if products != 1 {
		t.Errorf("products = %d, want 1", products)
	}
	if services != int64(len(DefaultServices)) {
		t.Errorf("services = %d, want %d defaults", services, len(DefaultServices))
	}

	var p models.Product
	if err := gdb.Preload("Stock.Branch").Where("sku = ?", "PIR-P7-2055516").First(&p).Error; err != nil {
		t.Fatalf("load product: %v", err)
	}
	if len(p.Stock) != 2 {
		t.Fatalf("stock rows = %d, want 2", len(p.Stock))
	}
	for _, s := range p.Stock {
		if s.Branch.Code == "CEN" && s.Quantity != 4 {
			t.Errorf("CEN quantity = %d, want 4 after reseed", s.Quantity)
		}
	}
}

func TestSeedCatalog_UnknownBranch(t *testing.T) {
	gdb, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	cat := &Catalog{Products: []CatalogProduct{{SKU: "X", Width: 175, AspectRatio: 65, RimDiameter: 14, Stock: map[string]int{"ZZZ": 1}}}}
	err = SeedCatalog(gdb, cat)
	if err == nil || !strings.Contains(err.Error(), `unknown branch "ZZZ"`) {
		t.Fatalf("error = %v, want unknown branch", err)
	}
	var n int64
	gdb.Model(&models.Product{}).Count(&n)
	if n != 0 {
		t.Errorf("products = %d, want 0 after rollback", n)
	}
}

func TestLoadCatalog_Missing(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "none.yaml"))
	if err == nil || !strings.Contains(err.Error(), "db: read catalog") {
		t.Errorf("error = %v, want read error", err)
	}
}
