package models

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Delivery outcomes recorded on outbound messages.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// Message is one entry of a conversation's history. Content is append-only;
// only the delivery columns are written after creation.
type Message struct {
	ID                uint    `gorm:"primaryKey;autoIncrement"`
	ConversationID    uint    `gorm:"not null;index:idx_conversation_created"`
	Role              string  `gorm:"size:16;not null"`
	Content           string  `gorm:"type:text;not null"`
	SentByHuman       bool    `gorm:"default:false"`
	SentByUserID      *string `gorm:"size:64"`
	Provider          string  `gorm:"size:16"`
	Intent            string  `gorm:"size:32"`
	ResponseTimeMs    *int64
	DeliveryStatus    string    `gorm:"size:16"`
	DeliveryError     string    `gorm:"size:512"`
	ProviderMessageID string    `gorm:"size:128;index"`
	CreatedAt         time.Time `gorm:"index:idx_conversation_created"`
}
