package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ndvalle/mostrador/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable tier of the configuration chain.
type Store interface {
	Load(ctx context.Context, key Key) (json.RawMessage, bool, error)
	// Save upserts the value and returns the previous one, if any.
	Save(ctx context.Context, key Key, value json.RawMessage, by string) (json.RawMessage, error)
	Audit(ctx context.Context, key Key, oldValue, newValue json.RawMessage, by string) error
	Ping(ctx context.Context) error
}

// GormStore keeps settings in app_settings and config_audit_log.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	var row models.AppSetting
	err := s.db.WithContext(ctx).Where("`key` = ?", string(key)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("settings: load %s: %w", key, err)
	}
	return json.RawMessage(row.Value), true, nil
}

func (s *GormStore) Save(ctx context.Context, key Key, value json.RawMessage, by string) (json.RawMessage, error) {
	var old json.RawMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev models.AppSetting
		err := tx.Where("`key` = ?", string(key)).First(&prev).Error
		switch {
		case err == nil:
			old = json.RawMessage(prev.Value)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		row := models.AppSetting{Key: string(key), Value: string(value), UpdatedBy: by, UpdatedAt: time.Now().UTC()}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_by", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("settings: save %s: %w", key, err)
	}
	return old, nil
}

func (s *GormStore) Audit(ctx context.Context, key Key, oldValue, newValue json.RawMessage, by string) error {
	entry := models.ConfigAuditLog{
		Key:       string(key),
		OldValue:  string(oldValue),
		NewValue:  string(newValue),
		ChangedBy: by,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("settings: audit %s: %w", key, err)
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.AppSetting{}).Limit(1).Count(&n).Error; err != nil {
		return fmt.Errorf("settings: ping: %w", err)
	}
	return nil
}
