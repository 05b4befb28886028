// Package booking holds the appointment lifecycle rules: idempotent creation with
// slot conflict checks, confirmation, cancellation, completion and inspection
// updates, plus the role-scoped read views.
package booking

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/calendar"
	"github.com/md-rashed-zaman/inspectbook/libs/validate"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/model"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/storage"
)

// Audit event names.
const (
	AuditCreated                 = "appointment.created"
	AuditIdempotentDuplicate     = "appointment.idempotent_duplicate"
	AuditConflict                = "appointment.conflict"
	AuditConfirmed               = "appointment.confirmed"
	AuditCancelled               = "appointment.cancelled"
	AuditCompleted               = "appointment.completed"
	AuditInspectionStatusUpdated = "appointment.inspection_status_updated"
	AuditInspectionPaid          = "appointment.inspection_paid"
)

type Service struct {
	store    storage.Store
	cal      *calendar.Calendar
	validate *validate.Validator
	audit    *audit.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store storage.Store, cal *calendar.Calendar, emitter *audit.Emitter, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		cal:      cal,
		validate: validate.New(),
		audit:    emitter,
		logger:   logger,
		now:      time.Now,
	}
}

type CreateRequest struct {
	Vehicle        model.Vehicle `json:"vehicle" validate:"required"`
	ScheduledAt    *time.Time    `json:"appointment_date"`
	IdempotencyKey string        `json:"-" validate:"max=255"`
}

// Create books an appointment for caller. A repeated idempotency key returns the
// stored appointment unchanged with replayed=true, without re-checking the slot.
func (s *Service) Create(ctx context.Context, caller *auth.Claims, req CreateRequest) (model.Appointment, bool, error) {
	req.Vehicle = NormalizeVehicle(req.Vehicle)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := s.validate.Struct(req); err != nil {
		return model.Appointment{}, false, err
	}

	// Postgres stores microseconds; replays must match the first response.
	now := s.now().UTC().Truncate(time.Microsecond)
	appt := model.Appointment{
		ID:               uuid.NewString(),
		UserID:           caller.Principal(),
		Vehicle:          req.Vehicle,
		Status:           model.StatusPending,
		InspectionStatus: model.InspectionNotChecked,
		IdempotencyKey:   req.IdempotencyKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC().Truncate(time.Microsecond)
		appt.ScheduledAt = &at
	}

	out, replayed, err := s.store.Create(ctx, appt)
	if err != nil {
		return model.Appointment{}, false, s.createError(ctx, appt, err)
	}
	if replayed {
		s.audit.Info(ctx, AuditIdempotentDuplicate, "idempotent request with key "+req.IdempotencyKey, map[string]any{
			"appointment_id":  out.ID,
			"idempotency_key": req.IdempotencyKey,
		})
		return out, true, nil
	}

	s.audit.Info(ctx, AuditCreated, "appointment "+out.ID+" created for vehicle "+out.Vehicle.Registration, map[string]any{
		"appointment_id":   out.ID,
		"user_id":          out.UserID,
		"registration":     out.Vehicle.Registration,
		"appointment_date": formatTime(out.ScheduledAt),
	})
	return out, false, nil
}

func (s *Service) createError(ctx context.Context, appt model.Appointment, err error) error {
	slot := formatTime(appt.ScheduledAt)
	var out error
	switch {
	case errors.Is(err, storage.ErrSlotTaken):
		out = apperr.Conflict("time slot %s is already booked", slot)
	case errors.Is(err, storage.ErrSlotOverlap):
		out = apperr.Conflict("time slot %s overlaps an existing booking", slot)
	case errors.Is(err, storage.ErrDuplicateKey):
		out = apperr.Conflict("idempotency key %q is already in use", appt.IdempotencyKey)
	default:
		return err
	}
	s.audit.Warn(ctx, AuditConflict, apperr.Message(out), map[string]any{
		"user_id":          appt.UserID,
		"appointment_date": slot,
	})
	return out
}

// Confirm records the reservation payment. Confirming again with the same payment
// id returns the appointment unchanged.
func (s *Service) Confirm(ctx context.Context, id, paymentID string) (model.Appointment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return model.Appointment{}, apperr.Validation("payment_id is required")
	}
	changed := false
	appt, err := s.store.Update(ctx, id, func(a *model.Appointment) (string, error) {
		switch a.Status {
		case model.StatusPending:
			a.Status = model.StatusConfirmed
			a.PaymentID = paymentID
			changed = true
			return model.EventConfirmed, nil
		case model.StatusConfirmed:
			if a.PaymentID == paymentID {
				return "", nil
			}
			return "", apperr.Conflict("appointment already confirmed with another payment")
		default:
			return "", apperr.InvalidState("cannot confirm %s appointment", a.Status)
		}
	})
	if err != nil {
		return model.Appointment{}, mapStoreError(err)
	}
	if changed {
		s.audit.Info(ctx, AuditConfirmed, "appointment "+appt.ID+" confirmed", map[string]any{
			"appointment_id": appt.ID,
			"payment_id":     paymentID,
		})
	}
	return appt, nil
}

// Cancel frees the slot. Completed appointments cannot be cancelled; cancelling
// twice is a no-op.
func (s *Service) Cancel(ctx context.Context, caller *auth.Claims, id string) (model.Appointment, error) {
	changed := false
	appt, err := s.store.Update(ctx, id, func(a *model.Appointment) (string, error) {
		if !canAccess(caller, a.UserID) {
			return "", apperr.Forbidden("not authorized to cancel this appointment")
		}
		switch a.Status {
		case model.StatusCompleted:
			return "", apperr.InvalidState("cannot cancel completed appointment")
		case model.StatusCancelled:
			return "", nil
		}
		a.Status = model.StatusCancelled
		changed = true
		return model.EventCancelled, nil
	})
	if err != nil {
		return model.Appointment{}, mapStoreError(err)
	}
	if changed {
		s.audit.Info(ctx, AuditCancelled, "appointment "+appt.ID+" cancelled", map[string]any{
			"appointment_id": appt.ID,
			"cancelled_by":   caller.Principal(),
		})
	}
	return appt, nil
}

// Complete closes a confirmed appointment once the inspection took place.
func (s *Service) Complete(ctx context.Context, id string) (model.Appointment, error) {
	changed := false
	appt, err := s.store.Update(ctx, id, func(a *model.Appointment) (string, error) {
		switch a.Status {
		case model.StatusConfirmed:
			a.Status = model.StatusCompleted
			changed = true
			return model.EventCompleted, nil
		case model.StatusCompleted:
			return "", nil
		default:
			return "", apperr.InvalidState("cannot complete %s appointment", a.Status)
		}
	})
	if err != nil {
		return model.Appointment{}, mapStoreError(err)
	}
	if changed {
		s.audit.Info(ctx, AuditCompleted, "appointment "+appt.ID+" completed", map[string]any{"appointment_id": appt.ID})
	}
	return appt, nil
}

// SetInspectionStatus is independent of the booking status.
func (s *Service) SetInspectionStatus(ctx context.Context, id, status string) (model.Appointment, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !model.ValidInspectionStatus(status) {
		return model.Appointment{}, apperr.Validation("invalid inspection_status %q", status)
	}
	var previous string
	appt, err := s.store.Update(ctx, id, func(a *model.Appointment) (string, error) {
		previous = a.InspectionStatus
		if a.InspectionStatus == status {
			return "", nil
		}
		a.InspectionStatus = status
		return model.EventInspectionStatusUpdated, nil
	})
	if err != nil {
		return model.Appointment{}, mapStoreError(err)
	}
	if previous != status {
		s.audit.Info(ctx, AuditInspectionStatusUpdated, "appointment "+appt.ID+" inspection status "+previous+" -> "+status, map[string]any{
			"appointment_id": appt.ID,
			"from":           previous,
			"to":             status,
		})
	}
	return appt, nil
}

// AttachInspectionPayment records the paid inspection fee.
func (s *Service) AttachInspectionPayment(ctx context.Context, id, paymentID string) (model.Appointment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return model.Appointment{}, apperr.Validation("payment_id is required")
	}
	changed := false
	appt, err := s.store.Update(ctx, id, func(a *model.Appointment) (string, error) {
		switch a.InspectionPaymentID {
		case paymentID:
			return "", nil
		case "":
			a.InspectionPaymentID = paymentID
			changed = true
			return model.EventInspectionPaid, nil
		default:
			return "", apperr.Conflict("inspection fee already paid with another payment")
		}
	})
	if err != nil {
		return model.Appointment{}, mapStoreError(err)
	}
	if changed {
		s.audit.Info(ctx, AuditInspectionPaid, "inspection fee recorded for appointment "+appt.ID, map[string]any{
			"appointment_id": appt.ID,
			"payment_id":     paymentID,
		})
	}
	return appt, nil
}

func (s *Service) Get(ctx context.Context, caller *auth.Claims, id string) (model.Appointment, error) {
	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, mapStoreError(err)
	}
	if !canAccess(caller, appt.UserID) {
		return model.Appointment{}, apperr.Forbidden("not authorized to view this appointment")
	}
	return appt, nil
}

func (s *Service) ListForUser(ctx context.Context, caller *auth.Claims, userID string, f model.ListFilter) ([]model.Appointment, error) {
	if !canAccess(caller, userID) {
		return nil, apperr.Forbidden("not authorized to view appointments of another user")
	}
	f.UserID = userID
	return s.list(ctx, f)
}

// ListAll is restricted to technicians and admins.
func (s *Service) ListAll(ctx context.Context, caller *auth.Claims, f model.ListFilter) ([]model.Appointment, error) {
	if !caller.IsStaff() {
		return nil, apperr.Forbidden("role %q cannot access all appointments", caller.Role)
	}
	f.UserID = ""
	return s.list(ctx, f)
}

func (s *Service) list(ctx context.Context, f model.ListFilter) ([]model.Appointment, error) {
	switch f.Status {
	case "", model.StatusPending, model.StatusConfirmed, model.StatusCancelled, model.StatusCompleted:
	default:
		return nil, apperr.Validation("invalid status filter %q", f.Status)
	}
	appts, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if appts == nil {
		appts = []model.Appointment{}
	}
	return appts, nil
}

// DaySchedule marks each slot of date free or taken by active appointments.
func (s *Service) DaySchedule(ctx context.Context, date time.Time) (calendar.DaySchedule, error) {
	from, to := s.cal.DayBounds(date)
	booked, err := s.store.BookedTimes(ctx, from, to)
	if err != nil {
		return calendar.DaySchedule{}, err
	}
	return s.cal.Day(date, booked), nil
}

func (s *Service) WeekSchedule(ctx context.Context, start time.Time) (calendar.WeekSchedule, error) {
	from, _ := s.cal.DayBounds(start)
	to := from.AddDate(0, 0, 7)
	booked, err := s.store.BookedTimes(ctx, from, to)
	if err != nil {
		return calendar.WeekSchedule{}, err
	}
	byDay := map[string][]time.Time{}
	for _, t := range booked {
		day := t.In(s.cal.Location()).Format(calendar.DateLayout)
		byDay[day] = append(byDay[day], t)
	}
	return s.cal.Week(start, byDay), nil
}

func canAccess(caller *auth.Claims, ownerID string) bool {
	if caller == nil {
		return false
	}
	return caller.Principal() == ownerID || caller.IsStaff() || caller.HasRole(auth.RoleService)
}

func mapStoreError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("appointment not found")
	}
	return err
}

// NormalizeVehicle lower-cases the type and upper-cases the registration.
func NormalizeVehicle(v model.Vehicle) model.Vehicle {
	return model.Vehicle{
		Type:         strings.ToLower(strings.TrimSpace(v.Type)),
		Registration: strings.ToUpper(strings.TrimSpace(v.Registration)),
		Brand:        strings.TrimSpace(v.Brand),
		Model:        strings.TrimSpace(v.Model),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
