package db

import "gorm.io/gorm"

// DemoCatalog returns a small catalog for local development: five
// branches in the north-west, the default services and a handful of
// 15" and 16" tires with uneven stock.
func DemoCatalog() *Catalog {
	return &Catalog{
		Branches: []CatalogBranch{
			{Code: "TUCUMAN", Name: "Tucumán Centro", City: "San Miguel de Tucumán", Province: "Tucumán", Address: "Av. Sarmiento 1200"},
			{Code: "SANTIAGO", Name: "Santiago Centro", City: "Santiago del Estero", Province: "Santiago del Estero", Address: "Av. Belgrano Sur 850"},
			{Code: "LA_BANDA", Name: "La Banda", City: "La Banda", Province: "Santiago del Estero", Address: "Av. Besares 420"},
			{Code: "SALTA", Name: "Salta Capital", City: "Salta", Province: "Salta", Address: "Av. Paraguay 2100"},
			{Code: "CATAMARCA", Name: "Catamarca", City: "San Fernando del Valle de Catamarca", Province: "Catamarca", Address: "Av. Güemes 560"},
		},
		Products: []CatalogProduct{
			{SKU: "PIR-P1-2055516", Brand: "Pirelli", Model: "Cinturato P1", Width: 205, AspectRatio: 55, RimDiameter: 16, Price: 128500,
				Stock: map[string]int{"TUCUMAN": 4, "SALTA": 1, "SANTIAGO": 0}},
			{SKU: "BRI-T005-2055516", Brand: "Bridgestone", Model: "Turanza T005", Width: 205, AspectRatio: 55, RimDiameter: 16, Price: 141200,
				Stock: map[string]int{"TUCUMAN": 2}},
			{SKU: "MIC-PR4-2255016", Brand: "Michelin", Model: "Primacy 4", Width: 225, AspectRatio: 50, RimDiameter: 16, Price: 176000,
				Stock: map[string]int{"LA_BANDA": 3}},
			{SKU: "GY-EG2-2454516", Brand: "Goodyear", Model: "EfficientGrip 2", Width: 245, AspectRatio: 45, RimDiameter: 16, Price: 189900,
				Stock: map[string]int{"CATAMARCA": 2}},
			{SKU: "FAT-EZ-1956016", Brand: "Fate", Model: "Eximia Pininfarina", Width: 195, AspectRatio: 60, RimDiameter: 16, Price: 98700,
				Stock: map[string]int{"SANTIAGO": 5}},
			{SKU: "FAT-EZ-2155516", Brand: "Fate", Model: "Eximia Pininfarina", Width: 215, AspectRatio: 55, RimDiameter: 16, Price: 112300,
				Stock: map[string]int{"TUCUMAN": 0}},
			{SKU: "FAT-AR-1856515", Brand: "Fate", Model: "AR-35 Advance", Width: 185, AspectRatio: 65, RimDiameter: 15, Price: 84600,
				Stock: map[string]int{"TUCUMAN": 8, "SANTIAGO": 6, "LA_BANDA": 2, "SALTA": 4, "CATAMARCA": 3}},
		},
	}
}

// OpenDemo opens an in-memory database seeded with DemoCatalog.
func OpenDemo() (*gorm.DB, error) {
	db, err := OpenMemory()
	if err != nil {
		return nil, err
	}
	if err := SeedCatalog(db, DemoCatalog()); err != nil {
		return nil, err
	}
	return db, nil
}
