package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Conversation statuses.
const (
	ConversationActive = "active"
	ConversationPaused = "paused"
	ConversationClosed = "closed"
)

// Conversation is one customer thread on one transport. The (phone,
// transport) pair is unique; closed conversations are kept for history.
type Conversation struct {
	ID            uint       `gorm:"primaryKey;autoIncrement"`
	Phone         string     `gorm:"size:32;not null;uniqueIndex:idx_phone_transport"`
	Transport     string     `gorm:"size:16;not null;uniqueIndex:idx_phone_transport"`
	ExternalID    string     `gorm:"size:128;index"` // per-transport chat id
	ContactName   string     `gorm:"size:128"`
	InstanceID    string     `gorm:"size:64"` // last socket-bridge instance, metadata only
	Status        string     `gorm:"size:16;default:active;index"`
	IsPaused      bool       `gorm:"default:false;index"`
	PausedBy      string     `gorm:"size:64"`
	PausedReason  string     `gorm:"size:256"`
	PausedAt      *time.Time
	PendingFlow   string     `gorm:"type:text"` // JSON PendingFlow, empty when none
	MessageCount  int        `gorm:"default:0"`
	LastMessageAt *time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Flow decodes the pending flow slot. It returns nil when the slot is empty.
func (c *Conversation) Flow() (*PendingFlow, error) {
	if c.PendingFlow == "" || c.PendingFlow == "null" {
		return nil, nil
	}
	var f PendingFlow
	if err := json.Unmarshal([]byte(c.PendingFlow), &f); err != nil {
		return nil, fmt.Errorf("models: decode pending flow for conversation %d: %w", c.ID, err)
	}
	return &f, nil
}

// EncodeFlow serializes a pending flow for storage. A nil flow encodes to
// the empty string.
func EncodeFlow(f *PendingFlow) (string, error) {
	if f == nil {
		return "", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("models: encode pending flow: %w", err)
	}
	return string(data), nil
}
