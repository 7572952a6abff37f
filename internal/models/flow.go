package models

import "time"

// FlowKind tags the pending-flow union.
type FlowKind string

const (
	FlowAppointment FlowKind = "appointment"
	FlowTireSearch  FlowKind = "tire_search"
)

// FlowStep is a state of the appointment flow.
type FlowStep string

const (
	StepCollectingService  FlowStep = "collecting_service"
	StepCollectingBranch   FlowStep = "collecting_branch"
	StepCollectingDateTime FlowStep = "collecting_date_time"
	StepCollectingContact  FlowStep = "collecting_contact"
	StepConfirming         FlowStep = "confirming"
	StepDone               FlowStep = "done"
	StepCancelled          FlowStep = "cancelled"
)

// PendingFlow is the persisted state of an in-progress structured
// conversation. Exactly one of the variant pointers matches Kind.
type PendingFlow struct {
	Kind        FlowKind          `json:"kind"`
	Appointment *AppointmentState `json:"appointment,omitempty"`
	TireSearch  *TireSearchState  `json:"tire_search,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// AppointmentState holds the slots collected so far by the booking flow.
type AppointmentState struct {
	Step          FlowStep  `json:"step"`
	ServiceCode   string    `json:"service_code,omitempty"`
	ServiceName   string    `json:"service_name,omitempty"`
	BranchID      uint      `json:"branch_id,omitempty"`
	BranchName    string    `json:"branch_name,omitempty"`
	Date          string    `json:"date,omitempty"` // YYYY-MM-DD
	Time          string    `json:"time,omitempty"` // HH:MM
	CustomerName  string    `json:"customer_name,omitempty"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	Attempts      int       `json:"attempts"`
	StartedAt     time.Time `json:"started_at"`
}

// TireSearchState remembers the last size the customer asked about.
type TireSearchState struct {
	Width       int    `json:"width"`
	AspectRatio int    `json:"aspect_ratio"`
	RimDiameter int    `json:"rim_diameter"`
	Brand       string `json:"brand,omitempty"`
	BranchCode  string `json:"branch_code,omitempty"`
}

// Expired reports whether the flow has been idle longer than ttl.
func (f *PendingFlow) Expired(now time.Time, ttl time.Duration) bool {
	if f == nil || ttl <= 0 || f.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(f.UpdatedAt) > ttl
}
