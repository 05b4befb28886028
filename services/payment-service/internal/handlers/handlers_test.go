package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/model"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/payments"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/saga"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/storage"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	testSecret    = "test-secret"
	webhookSecret = "whsec_test"
	appointmentID = "6f1c3a52-7d0e-4b8e-9a65-3c1d2b7e9f10"
)

// appointmentFake stands in for the appointment service confirm endpoint.
type appointmentFake struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
}

func (f *appointmentFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.release != nil {
		<-f.release
	}
	var body struct {
		PaymentID string `json:"payment_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path+" "+body.PaymentID)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "confirmed", "payment_id": body.PaymentID})
}

func (f *appointmentFake) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	runner  *saga.Runner
	audit   *audit.Recorder
}

func newTestServer(t *testing.T, appointmentURL string, cfg Config) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &audit.Recorder{}
	emitter := audit.NewEmitter("payment-service", rec)
	store := storage.NewMemory()

	sagaCfg := saga.DefaultConfig()
	sagaCfg.MinDelay = time.Millisecond
	sagaCfg.MaxDelay = 2 * time.Millisecond
	sagaCfg.CallTimeout = 2 * time.Second
	sagaCfg.TokenSecret = testSecret
	runner, err := saga.New(sagaCfg, saga.NewAppointmentClient(appointmentURL, &http.Client{}), store, emitter, logger)
	if err != nil {
		t.Fatalf("saga: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})

	svc := payments.NewService(payments.DefaultConfig(), store, runner, emitter, logger)
	cfg.StripeWebhookSecret = webhookSecret
	mux := http.NewServeMux()
	NewPaymentHandler(svc, store, logger, cfg).Register(mux, auth.NewVerifier(testSecret))
	return &testServer{t: t, handler: mux, runner: runner, audit: rec}
}

func (s *testServer) drain() {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.runner.Shutdown(ctx); err != nil {
		s.t.Fatalf("saga drain: %v", err)
	}
}

func userToken(t *testing.T, userID, role string) string {
	t.Helper()
	now := time.Now()
	token, err := auth.Sign(auth.Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}, testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func (s *testServer) do(method, path, token string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rw := httptest.NewRecorder()
	s.handler.ServeHTTP(rw, req)
	return rw
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func decode(t *testing.T, rw *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rw.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rw.Body.String(), err)
	}
	return out
}

func (s *testServer) createPayment(token, paymentType string) string {
	s.t.Helper()
	rw := s.do(http.MethodPost, "/payment", token, jsonBody(s.t, map[string]any{
		"appointment_id": appointmentID,
		"amount":         49.9,
		"payment_type":   paymentType,
	}), nil)
	if rw.Code != http.StatusCreated {
		s.t.Fatalf("create payment: expected 201, got %d: %s", rw.Code, rw.Body.String())
	}
	out := decode(s.t, rw)
	if out["amount"] != 49.9 || out["status"] != model.StatusPending {
		s.t.Fatalf("unexpected payment %v", out)
	}
	return out["id"].(string)
}

func TestPaymentConfirmationDrivesAppointment(t *testing.T) {
	fake := &appointmentFake{}
	appt := httptest.NewServer(fake)
	defer appt.Close()
	s := newTestServer(t, appt.URL, Config{})
	customer := userToken(t, "user-1", auth.RoleCustomer)

	paymentID := s.createPayment(customer, model.TypeReservation)
	rw := s.do(http.MethodPost, "/payment/confirm", "", jsonBody(t, map[string]any{
		"payment_id":     paymentID,
		"status":         "confirmed",
		"transaction_id": "txn-42",
	}), nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	if out := decode(t, rw); out["message"] != "Payment confirmed" || out["status"] != model.StatusConfirmed {
		t.Fatalf("unexpected confirm response %v", out)
	}

	// Repeating the callback must not start a second saga.
	if rw := s.do(http.MethodPost, "/payment/confirm", "", jsonBody(t, map[string]any{"payment_id": paymentID}), nil); rw.Code != http.StatusOK {
		t.Fatalf("repeat confirm: expected 200, got %d", rw.Code)
	}
	s.drain()

	calls := fake.seen()
	want := "PUT /appointments/" + appointmentID + "/confirm " + paymentID
	if len(calls) != 1 || calls[0] != want {
		t.Fatalf("expected one call %q, got %v", want, calls)
	}
	if s.audit.Count(saga.AuditAutoConfirmed) != 1 {
		t.Fatalf("expected one auto_confirmed event")
	}

	rw = s.do(http.MethodGet, "/payment/"+paymentID, customer, nil, nil)
	out := decode(t, rw)
	if out["confirmation_state"] != model.ConfirmationConverged || out["transaction_id"] != "txn-42" {
		t.Fatalf("unexpected payment after saga %v", out)
	}
}

func TestConfirmAnswersBeforeSagaCompletes(t *testing.T) {
	fake := &appointmentFake{release: make(chan struct{})}
	appt := httptest.NewServer(fake)
	defer appt.Close()
	s := newTestServer(t, appt.URL, Config{})
	paymentID := s.createPayment(userToken(t, "user-1", auth.RoleCustomer), model.TypeReservation)

	done := make(chan int, 1)
	go func() {
		rw := s.do(http.MethodPost, "/payment/confirm", "", jsonBody(t, map[string]any{"payment_id": paymentID}), nil)
		done <- rw.Code
	}()
	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("confirm blocked on the appointment service")
	}
	if len(fake.seen()) != 0 {
		t.Fatalf("appointment must not be confirmed yet")
	}
	close(fake.release)
	s.drain()
	if len(fake.seen()) != 1 {
		t.Fatalf("expected the saga to confirm the appointment after release")
	}
}

func TestInspectionFeeRoutesToInspectionPayment(t *testing.T) {
	fake := &appointmentFake{}
	appt := httptest.NewServer(fake)
	defer appt.Close()
	s := newTestServer(t, appt.URL, Config{})
	customer := userToken(t, "user-1", auth.RoleCustomer)
	paymentID := s.createPayment(customer, model.TypeInspectionFee)

	rw := s.do(http.MethodGet, "/payment/"+paymentID, customer, nil, nil)
	if invoice, _ := decode(t, rw)["invoice_number"].(string); len(invoice) != len("INV-20251013-ABCDEF12") {
		t.Fatalf("inspection fee must carry an invoice number, got %q", invoice)
	}
	// The fake answers with payment_id only; the saga checks inspection_payment_id.
	s.do(http.MethodPost, "/payment/confirm", "", jsonBody(t, map[string]any{"payment_id": paymentID}), nil)
	s.drain()
	calls := fake.seen()
	if len(calls) == 0 || calls[0] != "PUT /appointments/"+appointmentID+"/inspection-payment "+paymentID {
		t.Fatalf("unexpected calls %v", calls)
	}
	if s.audit.Count(saga.AuditConfirmFailed) != 1 {
		t.Fatalf("a reply without inspection_payment_id must end in one failure event")
	}
}

func TestConfirmSecret(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1", Config{ConfirmSecret: "s3cret"})
	paymentID := s.createPayment(userToken(t, "user-1", auth.RoleCustomer), model.TypeReservation)
	body := jsonBody(t, map[string]any{"payment_id": paymentID, "status": "failed"})

	if rw := s.do(http.MethodPost, "/payment/confirm", "", body, nil); rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rw.Code)
	}
	if rw := s.do(http.MethodPost, "/payment/confirm", "", body, map[string]string{ConfirmSecretHeader: "wrong"}); rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a wrong secret, got %d", rw.Code)
	}
	rw := s.do(http.MethodPost, "/payment/confirm", "", body, map[string]string{ConfirmSecretHeader: "s3cret"})
	if rw.Code != http.StatusOK || decode(t, rw)["status"] != model.StatusFailed {
		t.Fatalf("expected failed payment, got %d: %s", rw.Code, rw.Body.String())
	}
}

func TestConfirmErrors(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1", Config{})
	customer := userToken(t, "user-1", auth.RoleCustomer)
	paymentID := s.createPayment(customer, model.TypeReservation)

	rw := s.do(http.MethodPost, "/payment/confirm", "", jsonBody(t, map[string]any{"payment_id": "6f1c3a52-0000-4b8e-9a65-3c1d2b7e9f10"}), nil)
	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
	rw = s.do(http.MethodPost, "/payment/confirm", "", jsonBody(t, map[string]any{"payment_id": paymentID, "status": "refunded"}), nil)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsupported status, got %d", rw.Code)
	}
	s.do(http.MethodPost, "/payment/confirm", "", jsonBody(t, map[string]any{"payment_id": paymentID}), nil)
	rw = s.do(http.MethodPost, "/payment/confirm", "", jsonBody(t, map[string]any{"payment_id": paymentID, "status": "failed"}), nil)
	if rw.Code != http.StatusConflict || decode(t, rw)["kind"] != "invalid_state" {
		t.Fatalf("confirmed payment must not fail afterwards, got %d: %s", rw.Code, rw.Body.String())
	}
}

func TestAuthAndOwnership(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1", Config{})
	owner := userToken(t, "user-1", auth.RoleCustomer)
	other := userToken(t, "user-2", auth.RoleCustomer)

	if rw := s.do(http.MethodPost, "/payment", "", jsonBody(t, map[string]any{"appointment_id": appointmentID, "amount": 10}), nil); rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rw.Code)
	}
	paymentID := s.createPayment(owner, model.TypeReservation)
	if rw := s.do(http.MethodGet, "/payment/status/"+paymentID, other, nil, nil); rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another customer, got %d", rw.Code)
	}
	if rw := s.do(http.MethodPost, "/payment/"+paymentID+"/confirm-simulated", other, nil, nil); rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for simulated confirm by another customer, got %d", rw.Code)
	}
	rw := s.do(http.MethodGet, "/payment/status/"+paymentID, owner, nil, nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rw.Code)
	}
	if _, leaked := decode(t, rw)["invoice_number"]; leaked {
		t.Fatalf("status view carries only the summary fields")
	}
}

func TestSimulatedConfirm(t *testing.T) {
	fake := &appointmentFake{}
	appt := httptest.NewServer(fake)
	defer appt.Close()
	s := newTestServer(t, appt.URL, Config{})
	owner := userToken(t, "user-1", auth.RoleCustomer)
	paymentID := s.createPayment(owner, model.TypeReservation)

	rw := s.do(http.MethodPost, "/payment/"+paymentID+"/confirm-simulated", owner, nil, nil)
	if rw.Code != http.StatusOK || decode(t, rw)["appointment_id"] != appointmentID {
		t.Fatalf("simulated confirm: %d %s", rw.Code, rw.Body.String())
	}
	rw = s.do(http.MethodPost, "/payment/"+paymentID+"/confirm-simulated", owner, nil, nil)
	if decode(t, rw)["message"] != "Payment already confirmed" {
		t.Fatalf("expected already confirmed, got %s", rw.Body.String())
	}
	s.drain()
	if len(fake.seen()) != 1 {
		t.Fatalf("expected exactly one appointment confirmation, got %v", fake.seen())
	}
}

func stripeEvent(t *testing.T, id, eventType, paymentID string) ([]byte, string) {
	t.Helper()
	now := time.Now()
	payload := jsonBody(t, map[string]any{
		"id":          id,
		"object":      "event",
		"created":     now.Unix(),
		"type":        eventType,
		"api_version": "2024-06-20",
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_test_123",
				"object":   "payment_intent",
				"metadata": map[string]string{"payment_id": paymentID},
			},
		},
	})
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    webhookSecret,
		Timestamp: now,
		Scheme:    "v1",
	})
	return payload, signed.Header
}

func TestStripeWebhook(t *testing.T) {
	fake := &appointmentFake{}
	appt := httptest.NewServer(fake)
	defer appt.Close()
	s := newTestServer(t, appt.URL, Config{})
	owner := userToken(t, "user-1", auth.RoleCustomer)
	paymentID := s.createPayment(owner, model.TypeReservation)

	payload, sig := stripeEvent(t, "evt_1", "payment_intent.succeeded", paymentID)
	rw := s.do(http.MethodPost, "/payment/webhooks/stripe", "", payload, map[string]string{"Stripe-Signature": sig})
	if rw.Code != http.StatusOK || decode(t, rw)["status"] != "ok" {
		t.Fatalf("webhook: %d %s", rw.Code, rw.Body.String())
	}
	rw = s.do(http.MethodPost, "/payment/webhooks/stripe", "", payload, map[string]string{"Stripe-Signature": sig})
	if decode(t, rw)["status"] != "duplicate" {
		t.Fatalf("replayed event must be ignored, got %s", rw.Body.String())
	}
	rw = s.do(http.MethodPost, "/payment/webhooks/stripe", "", payload, map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad signature, got %d", rw.Code)
	}
	other, otherSig := stripeEvent(t, "evt_2", "charge.refunded", paymentID)
	if rw := s.do(http.MethodPost, "/payment/webhooks/stripe", "", other, map[string]string{"Stripe-Signature": otherSig}); decode(t, rw)["status"] != "ignored" {
		t.Fatalf("unhandled event types are acknowledged and ignored, got %s", rw.Body.String())
	}
	s.drain()

	out := decode(t, s.do(http.MethodGet, "/payment/"+paymentID, owner, nil, nil))
	if out["status"] != model.StatusConfirmed || out["transaction_id"] != "pi_test_123" {
		t.Fatalf("unexpected payment after webhook %v", out)
	}
	if len(fake.seen()) != 1 {
		t.Fatalf("expected one appointment confirmation, got %v", fake.seen())
	}
}
