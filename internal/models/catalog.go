package models

// Branch is a physical store that holds stock and takes appointments.
type Branch struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Code     string `gorm:"size:16;uniqueIndex;not null"`
	Name     string `gorm:"size:128;not null"`
	City     string `gorm:"size:64"`
	Province string `gorm:"size:64;index"`
	Address  string `gorm:"size:256"`
	Active   bool   `gorm:"default:true"`
}

// Product is a tire in the catalog.
type Product struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	SKU         string  `gorm:"size:64;uniqueIndex;not null"`
	Brand       string  `gorm:"size:64;index"`
	Model       string  `gorm:"size:128"`
	Width       int     `gorm:"index:idx_size"`
	AspectRatio int     `gorm:"index:idx_size"`
	RimDiameter int     `gorm:"index:idx_size"`
	Price       float64 `gorm:"default:0"`

	Stock []BranchStock `gorm:"foreignKey:ProductID"`
}

// BranchStock is the quantity of one product at one branch.
type BranchStock struct {
	ProductID uint `gorm:"primaryKey"`
	BranchID  uint `gorm:"primaryKey"`
	Quantity  int  `gorm:"default:0"`

	Branch Branch `gorm:"foreignKey:BranchID"`
}

// AppointmentService is a bookable workshop service.
type AppointmentService struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	Code        string  `gorm:"size:32;uniqueIndex;not null"`
	Name        string  `gorm:"size:128;not null"`
	DurationMin int     `gorm:"default:30"`
	Price       float64 `gorm:"default:0"`
	Active      bool    `gorm:"default:true"`
}
