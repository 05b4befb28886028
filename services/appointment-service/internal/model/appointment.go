package model

import "time"

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

const (
	InspectionNotChecked            = "not_checked"
	InspectionInProgress            = "in_progress"
	InspectionPassed                = "passed"
	InspectionFailed                = "failed"
	InspectionPassedWithMinorIssues = "passed_with_minor_issues"
)

// Outbox event types, one Kafka topic each.
const (
	EventCreated                 = "appointment.created.v1"
	EventConfirmed               = "appointment.confirmed.v1"
	EventCancelled               = "appointment.cancelled.v1"
	EventCompleted               = "appointment.completed.v1"
	EventInspectionStatusUpdated = "appointment.inspection_status_updated.v1"
	EventInspectionPaid          = "appointment.inspection_paid.v1"
)

type Vehicle struct {
	Type         string `json:"type" validate:"required,oneof=car motorcycle truck van"`
	Registration string `json:"registration" validate:"required,min=4,max=20"`
	Brand        string `json:"brand" validate:"required,max=100"`
	Model        string `json:"model" validate:"required,max=100"`
}

type Appointment struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Vehicle             Vehicle    `json:"vehicle_info"`
	ScheduledAt         *time.Time `json:"appointment_date"`
	Status              string     `json:"status"`
	InspectionStatus    string     `json:"inspection_status"`
	PaymentID           string     `json:"payment_id,omitempty"`
	InspectionPaymentID string     `json:"inspection_payment_id,omitempty"`
	IdempotencyKey      string     `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Active appointments hold their slot.
func (a Appointment) Active() bool {
	return a.Status == StatusPending || a.Status == StatusConfirmed
}

// InspectionFinished reports whether a technician has recorded a verdict.
func (a Appointment) InspectionFinished() bool {
	switch a.InspectionStatus {
	case InspectionPassed, InspectionFailed, InspectionPassedWithMinorIssues:
		return true
	}
	return false
}

func ValidInspectionStatus(s string) bool {
	switch s {
	case InspectionNotChecked, InspectionInProgress, InspectionPassed, InspectionFailed, InspectionPassedWithMinorIssues:
		return true
	}
	return false
}

type ListFilter struct {
	UserID string
	Status string
	Skip   int
	Limit  int
}
