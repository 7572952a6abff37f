package appointment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ndvalle/mostrador/internal/models"
	"gorm.io/gorm"
)

// Appointment statuses.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// SourceWhatsApp tags appointments booked through the chat flow.
const SourceWhatsApp = "whatsapp"

// Catalog lists what can be booked where.
type Catalog interface {
	Services(ctx context.Context) ([]models.AppointmentService, error)
	Branches(ctx context.Context) ([]models.Branch, error)
}

// Store persists confirmed appointments.
type Store interface {
	Create(ctx context.Context, a *models.Appointment) error
}

// ShortID is the customer-facing booking number: the first eight
// characters of the id, upper-cased.
func ShortID(id string) string {
	s := strings.ReplaceAll(id, "-", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return strings.ToUpper(s)
}

// GormStore implements Catalog and Store on the relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Services returns active services in catalog order.
func (s *GormStore) Services(ctx context.Context) ([]models.AppointmentService, error) {
	var out []models.AppointmentService
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("appointment: list services: %w", err)
	}
	return out, nil
}

// Branches returns active branches by name.
func (s *GormStore) Branches(ctx context.Context) ([]models.Branch, error) {
	var out []models.Branch
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("appointment: list branches: %w", err)
	}
	return out, nil
}

// Create assigns a UUID when missing and inserts the appointment.
func (s *GormStore) Create(ctx context.Context, a *models.Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusConfirmed
	}
	if err := s.db.WithContext(ctx).Omit("Branch").Create(a).Error; err != nil {
		return fmt.Errorf("appointment: create: %w", err)
	}
	return nil
}

// ListFilters narrows List.
type ListFilters struct {
	BranchID uint
	Status   string
	From, To time.Time
	Limit    int
}

// List returns appointments ordered by scheduled time.
func (s *GormStore) List(ctx context.Context, f ListFilters) ([]models.Appointment, error) {
	q := s.db.WithContext(ctx).Preload("Branch")
	if f.BranchID != 0 {
		q = q.Where("branch_id = ?", f.BranchID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.From.IsZero() {
		q = q.Where("scheduled_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("scheduled_at < ?", f.To)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Appointment
	if err := q.Order("scheduled_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("appointment: list: %w", err)
	}
	return out, nil
}
