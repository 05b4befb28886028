package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/model"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/payments"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const providerStripe = "stripe"

// StripeWebhook turns PaymentIntent outcomes into payment confirmations. The
// signature is the authentication; the intent must carry metadata.payment_id.
func (h *PaymentHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.cfg.StripeWebhookSecret) == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		httpx.WriteError(w, r, apperr.Validation("missing Stripe-Signature header"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpx.WriteError(w, r, apperr.Validation("failed to read request body"))
		return
	}

	evt, err := webhook.ConstructEventWithOptions(body, sigHeader, h.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                time.Duration(h.cfg.StripeWebhookToleranceSeconds) * time.Second,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid signature"))
		return
	}

	evtType := string(evt.Type)
	logger := h.logger.With("provider", providerStripe, "provider_event_id", evt.ID, "event_type", evtType)
	logger.Info("payment provider event received", "occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339))

	var status string
	switch evt.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		status = model.StatusConfirmed
	case stripe.EventTypePaymentIntentPaymentFailed:
		status = model.StatusFailed
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
		httpx.WriteError(w, r, apperr.Validation("invalid payment intent payload"))
		return
	}
	paymentID := strings.TrimSpace(intent.Metadata["payment_id"])
	if paymentID == "" {
		logger.Warn("stripe: payment intent without metadata.payment_id")
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	if err := h.events.RecordProviderEvent(r.Context(), storage.ProviderEvent{
		Provider:        providerStripe,
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			logger.Info("payment provider event duplicate ignored")
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		httpx.WriteErrorLogged(w, r, h.logger, "record provider event failed", err)
		return
	}

	p, err := h.svc.ConfirmPayment(r.Context(), payments.ConfirmRequest{
		PaymentID:     paymentID,
		Status:        status,
		TransactionID: intent.ID,
	})
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound, apperr.KindInvalidState, apperr.KindValidation:
			// Redelivery cannot change a definitive answer.
			logger.Warn("stripe: payment event not applied", "payment_id", paymentID, "err", err)
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": apperr.Message(err)})
		default:
			if ferr := h.events.ForgetProviderEvent(r.Context(), providerStripe, evt.ID); ferr != nil {
				logger.Error("stripe: provider event not released", "err", ferr)
			}
			httpx.WriteErrorLogged(w, r, h.logger, "apply provider event failed", err)
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "payment_id": p.ID, "payment_status": p.Status})
}
