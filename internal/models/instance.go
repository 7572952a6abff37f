package models

import "time"

// Socket-bridge instance statuses.
const (
	InstanceDisconnected = "disconnected"
	InstanceQRPending    = "qr_pending"
	InstanceConnected    = "connected"
)

// Instance is a self-hosted socket-bridge WhatsApp session. Conversations
// reference it by id for outbound routing without a foreign key.
type Instance struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:128"`
	Status      string `gorm:"size:16;default:disconnected;index"`
	LastError   string `gorm:"size:512"`
	LastEventAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
