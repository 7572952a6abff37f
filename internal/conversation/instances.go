package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ndvalle/mostrador/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Instances stores socket-bridge session status.
type Instances struct {
	db  *gorm.DB
	now func() time.Time
}

// NewInstances creates an instance store. now may be nil.
func NewInstances(db *gorm.DB, now func() time.Time) *Instances {
	if now == nil {
		now = time.Now
	}
	return &Instances{db: db, now: now}
}

// RecordStatus upserts the status pushed by the bridge. Unknown instances
// are created so a bridge restarted with a new session still shows up.
func (s *Instances) RecordStatus(ctx context.Context, id, status, lastError string) error {
	now := s.now().UTC()
	inst := models.Instance{ID: id, Name: id, Status: status, LastError: lastError, LastEventAt: &now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_error", "last_event_at", "updated_at"}),
	}).Create(&inst).Error
	if err != nil {
		return fmt.Errorf("conversation: record instance %s: %w", id, err)
	}
	return nil
}

// Create registers an operator-managed instance.
func (s *Instances) Create(ctx context.Context, id, name string) (*models.Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("conversation: instance id is required")
	}
	inst := models.Instance{ID: id, Name: name, Status: models.InstanceDisconnected}
	if err := s.db.WithContext(ctx).Create(&inst).Error; err != nil {
		return nil, fmt.Errorf("conversation: create instance %s: %w", id, err)
	}
	return &inst, nil
}

// Delete removes an instance. Conversations keep the id as metadata.
func (s *Instances) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Instance{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("conversation: delete instance %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	return nil
}

// Get loads one instance.
func (s *Instances) Get(ctx context.Context, id string) (*models.Instance, error) {
	var inst models.Instance
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get instance %s: %w", id, err)
	}
	return &inst, nil
}

// List returns all instances ordered by id.
func (s *Instances) List(ctx context.Context) ([]models.Instance, error) {
	var out []models.Instance
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("conversation: list instances: %w", err)
	}
	return out, nil
}
