package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/model"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/payments"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/storage"
)

const ConfirmSecretHeader = "X-Confirm-Secret"

type Config struct {
	// ConfirmSecret, when set, must be sent in X-Confirm-Secret by callers of
	// POST /payment/confirm.
	ConfirmSecret                 string
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
}

type PaymentHandler struct {
	svc    *payments.Service
	events storage.Store
	logger *slog.Logger
	cfg    Config
}

func NewPaymentHandler(svc *payments.Service, events storage.Store, logger *slog.Logger, cfg Config) *PaymentHandler {
	if cfg.StripeWebhookToleranceSeconds <= 0 {
		cfg.StripeWebhookToleranceSeconds = 300
	}
	return &PaymentHandler{svc: svc, events: events, logger: logger, cfg: cfg}
}

// Register mounts the payment routes. The provider callbacks authenticate with
// a shared secret or a signature instead of a bearer token.
func (h *PaymentHandler) Register(mux *http.ServeMux, verifier *auth.Verifier) {
	authed := func(fn http.HandlerFunc) http.Handler {
		return httpx.Chain(fn, auth.Require(verifier))
	}

	mux.Handle("POST /payment", authed(h.Create))
	mux.HandleFunc("POST /payment/confirm", h.Confirm)
	mux.HandleFunc("POST /payment/webhooks/stripe", h.StripeWebhook)
	mux.Handle("POST /payment/{id}/confirm-simulated", authed(h.ConfirmSimulated))
	mux.Handle("GET /payment/status/{id}", authed(h.Status))
	mux.Handle("GET /payment/{id}", authed(h.Get))
}

type paymentSummary struct {
	ID            string      `json:"id"`
	AppointmentID string      `json:"appointment_id"`
	UserID        string      `json:"user_id"`
	Amount        model.Cents `json:"amount"`
	Status        string      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

func summary(p model.Payment) paymentSummary {
	return paymentSummary{
		ID:            p.ID,
		AppointmentID: p.AppointmentID,
		UserID:        p.UserID,
		Amount:        p.Amount,
		Status:        p.Status,
		CreatedAt:     p.CreatedAt,
	}
}

func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	var req payments.CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := h.svc.Create(r.Context(), caller, req)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "create payment failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, summary(p))
}

// Confirm is the payment gateway callback. It answers before the appointment
// is confirmed; that happens in the saga.
func (h *PaymentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if h.cfg.ConfirmSecret != "" {
		got := r.Header.Get(ConfirmSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.ConfirmSecret)) != 1 {
			httpx.WriteError(w, r, apperr.Unauthenticated("missing or invalid %s header", ConfirmSecretHeader))
			return
		}
	}
	var req payments.ConfirmRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := h.svc.ConfirmPayment(r.Context(), req)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "confirm payment failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":    "Payment " + p.Status,
		"payment_id": p.ID,
		"status":     p.Status,
	})
}

func (h *PaymentHandler) ConfirmSimulated(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	p, already, err := h.svc.ConfirmSimulated(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "simulated confirm failed", err)
		return
	}
	if already {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"message":    "Payment already confirmed",
			"payment_id": p.ID,
			"status":     p.Status,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":        "Payment confirmed successfully (SIMULATED)",
		"payment_id":     p.ID,
		"appointment_id": p.AppointmentID,
		"amount":         p.Amount,
		"status":         p.Status,
		"note":           "No money was moved; the appointment is confirmed in the background",
	})
}

func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	p, err := h.svc.Get(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "payment status failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, summary(p))
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	p, err := h.svc.Get(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "get payment failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}
