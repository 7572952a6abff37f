// Package conversation persists customer threads and their message
// history, and implements the human-takeover switch.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ndvalle/mostrador/internal/db"
	"github.com/ndvalle/mostrador/internal/events"
	"github.com/ndvalle/mostrador/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a conversation or instance does not exist.
var ErrNotFound = errors.New("conversation: not found")

// ErrClosed is returned when pausing or resuming a closed conversation.
var ErrClosed = errors.New("conversation: closed")

// DefaultListLimit caps List when the caller leaves Limit unset.
const DefaultListLimit = 50

// Repository is the gorm-backed conversation store.
type Repository struct {
	db     *gorm.DB
	events *events.Emitter
	now    func() time.Time
}

// RepositoryOpts holds parameters for creating a Repository.
type RepositoryOpts struct {
	DB     *gorm.DB
	Events *events.Emitter // optional
	Now    func() time.Time
}

// FindOpts carries metadata refreshed on every inbound message.
type FindOpts struct {
	ExternalID  string
	ContactName string
	InstanceID  string
}

// ListFilters holds optional filters for listing conversations.
type ListFilters struct {
	Status string
	Paused *bool
	Limit  int
	Offset int
}

// Stats summarizes conversations created in a window.
type Stats struct {
	Total       int64     `json:"total"`
	Active      int64     `json:"active"`
	Paused      int64     `json:"paused"`
	Messages    int64     `json:"messages"`
	AvgMessages float64   `json:"avg_messages_per_conversation"`
	Since       time.Time `json:"since"`
}

// NewRepository creates a Repository.
func NewRepository(opts RepositoryOpts) (*Repository, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("conversation: db is required")
	}
	r := &Repository{db: opts.DB, events: opts.Events, now: opts.Now}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// FindOrCreate returns the conversation for (phone, transport), creating
// it when absent. Concurrent callers for the same pair converge on one row:
// the insert that loses the unique-index race re-reads the winner.
func (r *Repository) FindOrCreate(ctx context.Context, phone, transport string, opts FindOpts) (*models.Conversation, error) {
	if phone == "" || transport == "" {
		return nil, fmt.Errorf("conversation: phone and transport are required")
	}
	tx := r.db.WithContext(ctx)

	conv, err := r.findByPhone(tx, phone, transport)
	if err == nil {
		if err := r.refresh(tx, conv, opts); err != nil {
			return nil, err
		}
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv = &models.Conversation{
		Phone:       phone,
		Transport:   transport,
		ExternalID:  opts.ExternalID,
		ContactName: opts.ContactName,
		InstanceID:  opts.InstanceID,
		Status:      models.ConversationActive,
	}
	if err := tx.Create(conv).Error; err != nil {
		if !db.IsDuplicateKey(err) {
			return nil, fmt.Errorf("conversation: create %s/%s: %w", transport, phone, err)
		}
		winner, ferr := r.findByPhone(tx, phone, transport)
		if ferr != nil {
			return nil, fmt.Errorf("conversation: re-read after race: %w", ferr)
		}
		return winner, nil
	}
	return conv, nil
}

func (r *Repository) findByPhone(tx *gorm.DB, phone, transport string) (*models.Conversation, error) {
	var conv models.Conversation
	err := tx.Where("phone = ? AND transport = ?", phone, transport).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: find %s/%s: %w", transport, phone, err)
	}
	return &conv, nil
}

// refresh updates metadata that changed since the last message.
func (r *Repository) refresh(tx *gorm.DB, conv *models.Conversation, opts FindOpts) error {
	updates := map[string]any{}
	if opts.ExternalID != "" && opts.ExternalID != conv.ExternalID {
		updates["external_id"] = opts.ExternalID
		conv.ExternalID = opts.ExternalID
	}
	if opts.ContactName != "" && opts.ContactName != conv.ContactName {
		updates["contact_name"] = opts.ContactName
		conv.ContactName = opts.ContactName
	}
	if opts.InstanceID != "" && opts.InstanceID != conv.InstanceID {
		updates["instance_id"] = opts.InstanceID
		conv.InstanceID = opts.InstanceID
	}
	if len(updates) == 0 {
		return nil
	}
	if err := tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("conversation: refresh %d: %w", conv.ID, err)
	}
	return nil
}

// Get loads a conversation by id.
func (r *Repository) Get(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).First(&conv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get %d: %w", id, err)
	}
	return &conv, nil
}

// List returns conversations, most recently active first.
func (r *Repository) List(ctx context.Context, f ListFilters) ([]models.Conversation, error) {
	q := r.db.WithContext(ctx).Model(&models.Conversation{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Paused != nil {
		q = q.Where("is_paused = ?", *f.Paused)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var out []models.Conversation
	err := q.Order("last_message_at IS NULL, last_message_at DESC, id DESC").
		Limit(limit).Offset(f.Offset).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	return out, nil
}

// AppendMessage inserts msg and bumps the conversation's counters.
func (r *Repository) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ConversationID == 0 {
		return fmt.Errorf("conversation: message has no conversation")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now().UTC()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("conversation: append message to %d: %w", msg.ConversationID, err)
		}
		res := tx.Model(&models.Conversation{}).Where("id = ?", msg.ConversationID).Updates(map[string]any{
			"message_count":   gorm.Expr("message_count + 1"),
			"last_message_at": msg.CreatedAt,
		})
		if res.Error != nil {
			return fmt.Errorf("conversation: bump counters %d: %w", msg.ConversationID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", ErrNotFound, msg.ConversationID)
		}
		return nil
	})
}

// RecordDelivery stores the outcome of a send attempt on an outbound row.
func (r *Repository) RecordDelivery(ctx context.Context, messageID uint, status, providerMessageID, deliveryErr string) error {
	if len(deliveryErr) > 512 {
		deliveryErr = deliveryErr[:512]
	}
	err := r.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", messageID).Updates(map[string]any{
		"delivery_status":     status,
		"delivery_error":      deliveryErr,
		"provider_message_id": providerMessageID,
	}).Error
	if err != nil {
		return fmt.Errorf("conversation: record delivery for message %d: %w", messageID, err)
	}
	return nil
}

// LoadRecentHistory returns up to limit of the newest messages in
// chronological order.
func (r *Repository) LoadRecentHistory(ctx context.Context, id uint, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var msgs []models.Message
	err := r.db.WithContext(ctx).Where("conversation_id = ?", id).
		Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("conversation: history %d: %w", id, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// FindInbound returns the customer message carrying providerMessageID.
// An empty id never matches.
func (r *Repository) FindInbound(ctx context.Context, id uint, providerMessageID string) (*models.Message, error) {
	if providerMessageID == "" {
		return nil, ErrNotFound
	}
	var msg models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND role = ? AND provider_message_id = ?", id, models.RoleUser, providerMessageID).
		Order("id").Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: find inbound %q: %w", providerMessageID, err)
	}
	return &msg, nil
}

// HasReplyAfter reports whether an assistant message was stored after
// message messageID.
func (r *Repository) HasReplyAfter(ctx context.Context, id, messageID uint) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND role = ? AND id > ?", id, models.RoleAssistant, messageID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("conversation: replies after %d: %w", messageID, err)
	}
	return n > 0, nil
}

// Pause hands the conversation to a human. Pausing an already paused
// conversation is a no-op that keeps the original pauser and reason.
// Closed conversations are left untouched and yield ErrClosed.
func (r *Repository) Pause(ctx context.Context, id uint, by, reason string) error {
	now := r.now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND is_paused = ? AND status <> ?", id, false, models.ConversationClosed).
		Updates(map[string]any{
			"is_paused":     true,
			"status":        models.ConversationPaused,
			"paused_by":     by,
			"paused_reason": reason,
			"paused_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("conversation: pause %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.unchanged(ctx, id)
	}
	r.events.Publish(events.ConversationPaused, id, map[string]any{"by": by, "reason": reason})
	return nil
}

// Resume returns the conversation to the bot. Resuming an active
// conversation is a no-op; a closed one yields ErrClosed.
func (r *Repository) Resume(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND is_paused = ? AND status <> ?", id, true, models.ConversationClosed).
		Updates(map[string]any{
			"is_paused":     false,
			"status":        models.ConversationActive,
			"paused_by":     "",
			"paused_reason": "",
			"paused_at":     nil,
		})
	if res.Error != nil {
		return fmt.Errorf("conversation: resume %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.unchanged(ctx, id)
	}
	r.events.Publish(events.ConversationResumed, id, nil)
	return nil
}

// Close marks the conversation closed. Closed is terminal.
func (r *Repository) Close(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).
		Updates(map[string]any{"status": models.ConversationClosed, "pending_flow": ""})
	if res.Error != nil {
		return fmt.Errorf("conversation: close %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// unchanged explains an update that matched no row: the conversation is
// missing, closed, or already in the requested state.
func (r *Repository) unchanged(ctx context.Context, id uint) error {
	var conv models.Conversation
	err := r.db.WithContext(ctx).Select("id", "status").Where("id = ?", id).Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("conversation: lookup %d: %w", id, err)
	}
	if conv.Status == models.ConversationClosed {
		return fmt.Errorf("%w: %d", ErrClosed, id)
	}
	return nil
}

// SetPendingFlow replaces the pending flow slot. A nil flow clears it.
func (r *Repository) SetPendingFlow(ctx context.Context, id uint, flow *models.PendingFlow) error {
	if flow != nil && flow.UpdatedAt.IsZero() {
		flow.UpdatedAt = r.now().UTC()
	}
	encoded, err := models.EncodeFlow(flow)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Update("pending_flow", encoded)
	if res.Error != nil {
		return fmt.Errorf("conversation: set pending flow %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// ExpireFlows clears pending flows last touched before cutoff and returns
// how many were cleared.
func (r *Repository) ExpireFlows(ctx context.Context, cutoff time.Time) (int, error) {
	var convs []models.Conversation
	err := r.db.WithContext(ctx).Select("id", "pending_flow").
		Where("pending_flow <> ''").Find(&convs).Error
	if err != nil {
		return 0, fmt.Errorf("conversation: scan pending flows: %w", err)
	}
	cleared := 0
	for i := range convs {
		flow, err := convs[i].Flow()
		if err == nil && flow != nil && !flow.UpdatedAt.Before(cutoff) {
			continue
		}
		// Undecodable flows are cleared too.
		if err := r.SetPendingFlow(ctx, convs[i].ID, nil); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// Messages returns a page of a conversation's history, oldest first.
func (r *Repository) Messages(ctx context.Context, id uint, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var msgs []models.Message
	err := r.db.WithContext(ctx).Where("conversation_id = ?", id).
		Order("created_at ASC, id ASC").Limit(limit).Offset(offset).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("conversation: messages %d: %w", id, err)
	}
	return msgs, nil
}

// Stats summarizes conversations created in the last days.
func (r *Repository) Stats(ctx context.Context, days int) (*Stats, error) {
	since := r.now().UTC().AddDate(0, 0, -days)
	var rows []models.Conversation
	err := r.db.WithContext(ctx).Select("id", "status", "is_paused", "message_count").
		Where("created_at >= ?", since).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("conversation: stats: %w", err)
	}
	s := &Stats{Total: int64(len(rows)), Since: since}
	for _, c := range rows {
		if c.IsPaused {
			s.Paused++
		} else if c.Status == models.ConversationActive {
			s.Active++
		}
		s.Messages += int64(c.MessageCount)
	}
	if s.Total > 0 {
		s.AvgMessages = math.Round(float64(s.Messages)/float64(s.Total)*10) / 10
	}
	return s, nil
}
