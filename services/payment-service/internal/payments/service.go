// Package payments holds the payment lifecycle: creation with amount and type
// rules, confirmation by the provider or the simulated checkout, and the hand-off
// of every transition into confirmed to the confirmation saga.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/validate"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/model"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/saga"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/storage"
)

// Audit event names.
const (
	AuditCreated   = "payment.created"
	AuditConfirmed = "payment.confirmed"
	AuditFailed    = "payment.failed"
)

type Config struct {
	MaxAmount float64 `envconfig:"PAYMENT_MAX_AMOUNT" default:"10000"`
}

func DefaultConfig() Config {
	return Config{MaxAmount: 10000}
}

// Launcher starts a detached confirmation saga. saga.Runner implements it.
type Launcher interface {
	Start(ctx context.Context, job saga.Job) bool
}

type Service struct {
	store    storage.Store
	sagas    Launcher
	validate *validate.Validator
	audit    *audit.Emitter
	logger   *slog.Logger
	maxCents model.Cents
	now      func() time.Time
}

func NewService(cfg Config, store storage.Store, sagas Launcher, emitter *audit.Emitter, logger *slog.Logger) *Service {
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = DefaultConfig().MaxAmount
	}
	return &Service{
		store:    store,
		sagas:    sagas,
		validate: validate.New(),
		audit:    emitter,
		logger:   logger,
		maxCents: model.CentsFromFloat(cfg.MaxAmount),
		now:      time.Now,
	}
}

type CreateRequest struct {
	AppointmentID string  `json:"appointment_id" validate:"required,uuid"`
	Amount        float64 `json:"amount" validate:"gt=0"`
	Type          string  `json:"payment_type" validate:"oneof=reservation inspection_fee"`
}

// Create records a pending payment owned by caller. Only inspection fees get an
// invoice number.
func (s *Service) Create(ctx context.Context, caller *auth.Claims, req CreateRequest) (model.Payment, error) {
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	if req.Type == "" {
		req.Type = model.TypeReservation
	}
	if err := s.validate.Struct(req); err != nil {
		return model.Payment{}, err
	}
	// Bounds are checked on the float so huge inputs never reach the int64 conversion.
	cents := math.Round(req.Amount * 100)
	if cents > float64(s.maxCents) {
		return model.Payment{}, apperr.Validation("amount exceeds maximum limit of %s", s.maxCents)
	}
	if cents < 1 {
		return model.Payment{}, apperr.Validation("amount must be at least 0.01")
	}
	amount := model.Cents(cents)

	now := s.now().UTC().Truncate(time.Microsecond)
	p := model.Payment{
		ID:                uuid.NewString(),
		AppointmentID:     req.AppointmentID,
		UserID:            caller.Principal(),
		Amount:            amount,
		Type:              req.Type,
		Status:            model.StatusPending,
		ConfirmationState: model.ConfirmationNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if p.Type == model.TypeInspectionFee {
		p.InvoiceNumber = InvoiceNumber(now)
	}

	out, err := s.store.Create(ctx, p)
	if errors.Is(err, storage.ErrDuplicateInvoice) {
		// Eight hex digits per day collide rarely; one retry settles it.
		p.InvoiceNumber = InvoiceNumber(now)
		out, err = s.store.Create(ctx, p)
	}
	if err != nil {
		return model.Payment{}, err
	}

	kind := "reservation"
	if out.Type == model.TypeInspectionFee {
		kind = "inspection fee"
	}
	s.audit.Info(ctx, AuditCreated, fmt.Sprintf("user %s initiated %s payment %s of %s for appointment %s",
		out.UserID, kind, out.ID, out.Amount, out.AppointmentID), map[string]any{
		"payment_id":     out.ID,
		"appointment_id": out.AppointmentID,
		"amount":         out.Amount.String(),
		"payment_type":   out.Type,
	})
	return out, nil
}

type ConfirmRequest struct {
	PaymentID     string `json:"payment_id" validate:"required"`
	Status        string `json:"status" validate:"oneof=confirmed failed"`
	TransactionID string `json:"transaction_id,omitempty" validate:"max=255"`
}

// ConfirmPayment applies the provider's verdict. A payment enters confirmed at
// most once and never leaves it; only that transition starts a saga. Repeating
// a confirmation is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, req ConfirmRequest) (model.Payment, error) {
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	req.Status = strings.ToLower(strings.TrimSpace(req.Status))
	if req.Status == "" {
		req.Status = model.StatusConfirmed
	}
	if err := s.validate.Struct(req); err != nil {
		return model.Payment{}, err
	}
	p, _, err := s.transition(ctx, req.PaymentID, req.Status, strings.TrimSpace(req.TransactionID), nil)
	return p, err
}

// ConfirmSimulated confirms the caller's own payment without a provider.
// already reports a payment that was confirmed before; no saga is started then.
func (s *Service) ConfirmSimulated(ctx context.Context, caller *auth.Claims, id string) (p model.Payment, already bool, err error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Payment{}, false, mapStoreError(err)
	}
	if caller == nil || caller.Principal() != current.UserID {
		return model.Payment{}, false, apperr.Forbidden("not authorized to confirm this payment")
	}
	if current.Status == model.StatusConfirmed {
		return current, true, nil
	}
	p, entered, err := s.transition(ctx, id, model.StatusConfirmed, "", caller)
	if err != nil {
		return model.Payment{}, false, err
	}
	return p, !entered, nil
}

// transition reports whether this call moved the payment to status.
func (s *Service) transition(ctx context.Context, id, status, transactionID string, owner *auth.Claims) (model.Payment, bool, error) {
	changed := false
	p, err := s.store.Update(ctx, id, func(p *model.Payment) (string, error) {
		if owner != nil && owner.Principal() != p.UserID {
			return "", apperr.Forbidden("not authorized to confirm this payment")
		}
		switch {
		case p.Status == status:
			return "", nil
		case p.Status == model.StatusConfirmed:
			return "", apperr.InvalidState("confirmed payment cannot become %s", status)
		case p.Status == model.StatusRefunded:
			return "", apperr.InvalidState("refunded payment cannot become %s", status)
		}
		p.Status = status
		changed = true
		if transactionID != "" {
			p.TransactionID = transactionID
		}
		if status == model.StatusFailed {
			return model.EventFailed, nil
		}
		now := s.now().UTC().Truncate(time.Microsecond)
		p.ConfirmationState = model.ConfirmationPending
		p.ConfirmationAttemptedAt = &now
		return model.EventConfirmed, nil
	})
	if err != nil {
		return model.Payment{}, false, mapStoreError(err)
	}

	switch {
	case !changed:
	case status == model.StatusConfirmed:
		// The saga goes first so a slow audit sink cannot hold it back.
		s.StartConfirmation(ctx, p)
		s.audit.Info(ctx, AuditConfirmed, fmt.Sprintf("payment %s confirmed with transaction %q", p.ID, p.TransactionID), map[string]any{
			"payment_id":     p.ID,
			"appointment_id": p.AppointmentID,
			"transaction_id": p.TransactionID,
		})
	default:
		s.audit.Warn(ctx, AuditFailed, "payment "+p.ID+" failed", map[string]any{
			"payment_id":     p.ID,
			"appointment_id": p.AppointmentID,
		})
	}
	return p, changed, nil
}

// StartConfirmation hands a confirmed payment to the saga runner.
func (s *Service) StartConfirmation(ctx context.Context, p model.Payment) bool {
	return s.sagas.Start(ctx, saga.Job{PaymentID: p.ID, AppointmentID: p.AppointmentID, Kind: p.Type})
}

// Get returns the payment to its owner, staff and services.
func (s *Service) Get(ctx context.Context, caller *auth.Claims, id string) (model.Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Payment{}, mapStoreError(err)
	}
	if caller == nil || !(caller.Principal() == p.UserID || caller.IsStaff() || caller.HasRole(auth.RoleService)) {
		return model.Payment{}, apperr.Forbidden("not authorized to view this payment")
	}
	return p, nil
}

func mapStoreError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("payment not found")
	}
	return err
}
