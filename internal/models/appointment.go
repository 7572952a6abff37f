package models

import "time"

// Appointment is a booked workshop slot.
type Appointment struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ConversationID uint      `gorm:"index"`
	Phone          string    `gorm:"size:32;index"`
	CustomerName   string    `gorm:"size:128"`
	BranchID       uint      `gorm:"index"`
	ServiceCode    string    `gorm:"size:32"`
	ScheduledAt    time.Time `gorm:"index"`
	Status         string    `gorm:"size:16;default:confirmed"`
	Source         string    `gorm:"size:16"`
	CreatedAt      time.Time

	Branch Branch `gorm:"foreignKey:BranchID"`
}
