package booking

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/calendar"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/model"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/storage"
)

var (
	customer   = &auth.Claims{UserID: "user-1", Role: auth.RoleCustomer}
	stranger   = &auth.Claims{UserID: "user-2", Role: auth.RoleCustomer}
	technician = &auth.Claims{UserID: "tech-1", Role: auth.RoleTechnician}
	admin      = &auth.Claims{UserID: "admin-1", Role: auth.RoleAdmin}
)

type fixture struct {
	svc   *Service
	store *storage.Memory
	audit *audit.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cal, err := calendar.New(calendar.DefaultConfig())
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	store := storage.NewMemory(cal.SlotDuration())
	rec := &audit.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return fixture{
		svc:   NewService(store, cal, audit.NewEmitter("appointment-service", rec), logger),
		store: store,
		audit: rec,
	}
}

func slot(hour, minute int) *time.Time {
	t := time.Date(2025, 10, 13, hour, minute, 0, 0, time.UTC)
	return &t
}

func request(at *time.Time, key string) CreateRequest {
	return CreateRequest{
		Vehicle:        model.Vehicle{Type: " Car ", Registration: "abc123", Brand: "Toyota", Model: "Corolla"},
		ScheduledAt:    at,
		IdempotencyKey: key,
	}
}

func TestCreate_NormalizesVehicle(t *testing.T) {
	f := newFixture(t)
	appt, replayed, err := f.svc.Create(context.Background(), customer, request(slot(9, 0), ""))
	if err != nil || replayed {
		t.Fatalf("create failed: replayed=%v err=%v", replayed, err)
	}
	if appt.Vehicle.Type != "car" || appt.Vehicle.Registration != "ABC123" {
		t.Fatalf("vehicle not normalized: %+v", appt.Vehicle)
	}
	if appt.Status != model.StatusPending || appt.InspectionStatus != model.InspectionNotChecked {
		t.Fatalf("unexpected initial state %s / %s", appt.Status, appt.InspectionStatus)
	}
	if appt.UserID != "user-1" {
		t.Fatalf("expected owner user-1, got %s", appt.UserID)
	}
	if f.audit.Count(AuditCreated) != 1 {
		t.Fatalf("expected appointment.created audit event")
	}
}

func TestCreate_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	bad := []model.Vehicle{
		{Type: "boat", Registration: "ABC123", Brand: "B", Model: "M"},
		{Type: "car", Registration: " ab ", Brand: "B", Model: "M"},
		{Type: "car", Registration: "ABC123", Model: "M"},
	}
	for _, v := range bad {
		_, _, err := f.svc.Create(context.Background(), customer, CreateRequest{Vehicle: v})
		if !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("expected validation error for %+v, got %v", v, err)
		}
	}
}

func TestCreate_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.svc.Create(ctx, customer, request(slot(10, 30), "K"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// Different body, same key: the stored appointment wins and no conflict check runs.
	second, replayed, err := f.svc.Create(ctx, customer, request(slot(10, 30), "K"))
	if err != nil || !replayed {
		t.Fatalf("expected replay, got replayed=%v err=%v", replayed, err)
	}
	if second.ID != first.ID || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("replay differs from original")
	}
	if f.audit.Count(AuditIdempotentDuplicate) != 1 {
		t.Fatalf("expected idempotent_duplicate audit event")
	}
}

func TestCreate_ConcurrentSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	ids := make(chan string, callers)
	fresh := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			appt, replayed, err := f.svc.Create(ctx, customer, request(slot(15, 0), "retry-key"))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if !replayed {
				fresh <- struct{}{}
			}
			ids <- appt.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(fresh)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("callers got different appointments: %s and %s", first, id)
		}
	}
	if len(fresh) != 1 {
		t.Fatalf("expected one created and the rest replayed, got %d created", len(fresh))
	}
	if f.audit.Count(AuditCreated) != 1 || f.audit.Count(AuditIdempotentDuplicate) != callers-1 {
		t.Fatalf("unexpected audit counts: created=%d duplicate=%d",
			f.audit.Count(AuditCreated), f.audit.Count(AuditIdempotentDuplicate))
	}
}

func TestCreate_ConflictGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.svc.Create(ctx, customer, request(slot(9, 0), "")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, _, err := f.svc.Create(ctx, stranger, request(slot(9, 0), ""))
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for same instant, got %v", err)
	}
	if apperr.Message(err) != "time slot 2025-10-13T09:00:00Z is already booked" {
		t.Fatalf("unexpected message %q", apperr.Message(err))
	}
	if _, _, err := f.svc.Create(ctx, stranger, request(slot(9, 30), "")); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for 09:30, got %v", err)
	}
	if f.audit.Count(AuditConflict) != 2 {
		t.Fatalf("expected two conflict audit events, got %d", f.audit.Count(AuditConflict))
	}
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, _, _ := f.svc.Create(ctx, customer, request(slot(11, 15), ""))

	confirmed, err := f.svc.Confirm(ctx, appt.ID, "pay-1")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.Status != model.StatusConfirmed || confirmed.PaymentID != "pay-1" {
		t.Fatalf("unexpected appointment %+v", confirmed)
	}

	again, err := f.svc.Confirm(ctx, appt.ID, "pay-1")
	if err != nil {
		t.Fatalf("repeat confirm failed: %v", err)
	}
	if !again.UpdatedAt.Equal(confirmed.UpdatedAt) {
		t.Fatalf("repeat confirm changed updated_at")
	}
	if f.audit.Count(AuditConfirmed) != 1 {
		t.Fatalf("expected a single confirmed audit event")
	}

	if _, err := f.svc.Confirm(ctx, appt.ID, "pay-2"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for another payment, got %v", err)
	}
	if _, err := f.svc.Confirm(ctx, "missing", "pay-1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.Confirm(ctx, appt.ID, " "); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, _, _ := f.svc.Create(ctx, customer, request(slot(14, 0), ""))

	if _, err := f.svc.Cancel(ctx, stranger, appt.ID); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	cancelled, err := f.svc.Cancel(ctx, customer, appt.ID)
	if err != nil || cancelled.Status != model.StatusCancelled {
		t.Fatalf("cancel failed: %v (%s)", err, cancelled.Status)
	}
	if _, err := f.svc.Cancel(ctx, customer, appt.ID); err != nil {
		t.Fatalf("second cancel must be a no-op, got %v", err)
	}
	if _, err := f.svc.Confirm(ctx, appt.ID, "pay-1"); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("expected invalid state confirming a cancelled appointment, got %v", err)
	}

	// The slot is free again.
	if _, _, err := f.svc.Create(ctx, stranger, request(slot(14, 0), "")); err != nil {
		t.Fatalf("cancelled slot must be reusable: %v", err)
	}
}

func TestCancel_CompletedIsInvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, _, _ := f.svc.Create(ctx, customer, request(slot(15, 45), ""))

	if _, err := f.svc.Complete(ctx, appt.ID); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("pending appointment cannot complete, got %v", err)
	}
	if _, err := f.svc.Confirm(ctx, appt.ID, "pay-1"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if _, err := f.svc.Complete(ctx, appt.ID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	_, err := f.svc.Cancel(ctx, admin, appt.ID)
	if !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	got, _ := f.svc.Get(ctx, customer, appt.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestSetInspectionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, _, _ := f.svc.Create(ctx, customer, request(nil, ""))

	if _, err := f.svc.SetInspectionStatus(ctx, appt.ID, "exploded"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, err := f.svc.SetInspectionStatus(ctx, appt.ID, "PASSED")
	if err != nil || got.InspectionStatus != model.InspectionPassed {
		t.Fatalf("set status failed: %v (%s)", err, got.InspectionStatus)
	}
	if got.Status != model.StatusPending {
		t.Fatalf("booking status must not change, got %s", got.Status)
	}
	if f.audit.Count(AuditInspectionStatusUpdated) != 1 {
		t.Fatalf("expected one inspection audit event")
	}
}

func TestAttachInspectionPaymentAndViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, _, _ := f.svc.Create(ctx, customer, request(slot(9, 45), ""))
	_, _ = f.svc.SetInspectionStatus(ctx, appt.ID, model.InspectionPassedWithMinorIssues)

	if _, err := f.svc.AttachInspectionPayment(ctx, appt.ID, "fee-1"); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if _, err := f.svc.AttachInspectionPayment(ctx, appt.ID, "fee-1"); err != nil {
		t.Fatalf("repeat attach must be idempotent: %v", err)
	}
	if _, err := f.svc.AttachInspectionPayment(ctx, appt.ID, "fee-2"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	mine, err := f.svc.MyVehicles(ctx, customer)
	if err != nil || mine.TotalCount != 1 {
		t.Fatalf("unexpected vehicles %+v (%v)", mine, err)
	}
	v := mine.Vehicles[0]
	if v.ReservationPaid || !v.InspectionPaid || !v.CanGenerateReport {
		t.Fatalf("unexpected flags %+v", v)
	}

	if _, err := f.svc.AdminVehicles(ctx, technician, 0, 10); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("technician must not see admin view, got %v", err)
	}
	all, err := f.svc.AdminVehicles(ctx, admin, 0, 10)
	if err != nil || all.Vehicles[0].UserID != "user-1" {
		t.Fatalf("unexpected admin view %+v (%v)", all, err)
	}
}

func TestListRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, _ = f.svc.Create(ctx, customer, request(slot(9, 0), ""))
	_, _, _ = f.svc.Create(ctx, stranger, request(slot(12, 0), ""))

	if _, err := f.svc.ListAll(ctx, customer, model.ListFilter{}); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("customer must not list all, got %v", err)
	}
	all, err := f.svc.ListAll(ctx, technician, model.ListFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("technician list failed: %v (%d)", err, len(all))
	}
	if _, err := f.svc.ListAll(ctx, admin, model.ListFilter{Status: "weird"}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for status filter, got %v", err)
	}
	if _, err := f.svc.ListForUser(ctx, customer, "user-2", model.ListFilter{}); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("customer must not list another user, got %v", err)
	}
	mine, err := f.svc.ListForUser(ctx, customer, "user-1", model.ListFilter{})
	if err != nil || len(mine) != 1 {
		t.Fatalf("own list failed: %v (%d)", err, len(mine))
	}
}

func TestSchedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, _ = f.svc.Create(ctx, customer, request(slot(9, 0), ""))

	day, err := f.svc.DaySchedule(ctx, time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("day schedule failed: %v", err)
	}
	if day.Slots[0].Available || day.AvailableCount != 10 {
		t.Fatalf("unexpected day %+v", day)
	}

	week, err := f.svc.WeekSchedule(ctx, time.Date(2025, 10, 12, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("week schedule failed: %v", err)
	}
	if week.Days[0].AvailableCount != 11 || week.Days[1].AvailableCount != 10 {
		t.Fatalf("unexpected week counts %d / %d", week.Days[0].AvailableCount, week.Days[1].AvailableCount)
	}
}
