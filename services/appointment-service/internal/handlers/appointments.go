package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/calendar"
	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/booking"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/model"
)

type AppointmentHandler struct {
	svc    *booking.Service
	cal    *calendar.Calendar
	logger *slog.Logger
}

func NewAppointmentHandler(svc *booking.Service, cal *calendar.Calendar, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, cal: cal, logger: logger}
}

// Register mounts every appointment route on mux. All routes need a bearer token.
func (h *AppointmentHandler) Register(mux *http.ServeMux, verifier *auth.Verifier) {
	authed := func(fn http.HandlerFunc, roles ...string) http.Handler {
		var roleMW httpx.Middleware
		if len(roles) > 0 {
			roleMW = auth.RequireRole(roles...)
		}
		return httpx.Chain(fn, auth.Require(verifier), roleMW)
	}

	mux.Handle("POST /appointments", authed(h.Create))
	mux.Handle("GET /appointments/available-slots/{date}", authed(h.AvailableSlots))
	mux.Handle("GET /appointments/weekly-schedule", authed(h.WeeklySchedule))
	mux.Handle("GET /appointments/all", authed(h.ListAll, auth.RoleTechnician, auth.RoleAdmin))
	mux.Handle("GET /appointments/my-vehicles", authed(h.MyVehicles))
	mux.Handle("GET /appointments/admin/all-vehicles", authed(h.AdminVehicles, auth.RoleAdmin))
	mux.Handle("GET /appointments/user/{user_id}", authed(h.ListForUser))
	mux.Handle("GET /appointments/{id}", authed(h.Get))
	mux.Handle("PUT /appointments/{id}/confirm", authed(h.Confirm, auth.RoleService, auth.RoleAdmin, auth.RoleTechnician))
	mux.Handle("PUT /appointments/{id}/inspection-status", authed(h.SetInspectionStatus, auth.RoleTechnician, auth.RoleAdmin, auth.RoleService))
	mux.Handle("PUT /appointments/{id}/inspection-payment", authed(h.AttachInspectionPayment, auth.RoleService, auth.RoleAdmin))
	mux.Handle("PUT /appointments/{id}/complete", authed(h.Complete, auth.RoleTechnician, auth.RoleAdmin))
	mux.Handle("DELETE /appointments/{id}", authed(h.Cancel))
}

type createAppointmentRequest struct {
	VehicleType         string `json:"vehicle_type"`
	VehicleRegistration string `json:"vehicle_registration"`
	VehicleBrand        string `json:"vehicle_brand"`
	VehicleModel        string `json:"vehicle_model"`
	AppointmentDate     string `json:"appointment_date,omitempty"`
}

type paymentRequest struct {
	PaymentID string `json:"payment_id"`
}

type inspectionStatusRequest struct {
	InspectionStatus string `json:"inspection_status"`
}

func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	var req createAppointmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	scheduledAt, err := h.parseSlotTime(req.AppointmentDate)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	appt, replayed, err := h.svc.Create(r.Context(), caller, booking.CreateRequest{
		Vehicle: model.Vehicle{
			Type:         req.VehicleType,
			Registration: req.VehicleRegistration,
			Brand:        req.VehicleBrand,
			Model:        req.VehicleModel,
		},
		ScheduledAt:    scheduledAt,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "create appointment failed", err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, appt)
}

// parseSlotTime accepts RFC 3339 or a local "YYYY-MM-DDTHH:MM[:SS]" in the calendar's zone.
func (h *AppointmentHandler) parseSlotTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, raw, h.cal.Location()); err == nil {
			return &t, nil
		}
	}
	return nil, apperr.Validation("invalid appointment_date %q", raw)
}

func idempotencyKey(r *http.Request) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return r.Header.Get("X-Idempotency-Key")
}

func (h *AppointmentHandler) AvailableSlots(w http.ResponseWriter, r *http.Request) {
	date, err := h.cal.ParseDate(r.PathValue("date"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	day, err := h.svc.DaySchedule(r.Context(), date)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "available slots failed", err)
		return
	}
	day.DayName = ""
	httpx.WriteJSON(w, http.StatusOK, day)
}

func (h *AppointmentHandler) WeeklySchedule(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("start_date")
	if raw == "" {
		httpx.WriteError(w, r, apperr.Validation("start_date is required"))
		return
	}
	start, err := h.cal.ParseDate(raw)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	week, err := h.svc.WeekSchedule(r.Context(), start)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "weekly schedule failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, week)
}

func (h *AppointmentHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	f, err := listFilter(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	appts, err := h.svc.ListAll(r.Context(), caller, f)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "list appointments failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appts)
}

func (h *AppointmentHandler) ListForUser(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	f, err := listFilter(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	appts, err := h.svc.ListForUser(r.Context(), caller, r.PathValue("user_id"), f)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "list user appointments failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appts)
}

func (h *AppointmentHandler) MyVehicles(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	out, err := h.svc.MyVehicles(r.Context(), caller)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "my vehicles failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *AppointmentHandler) AdminVehicles(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	f, err := listFilter(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	out, err := h.svc.AdminVehicles(r.Context(), caller, f.Skip, f.Limit)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "admin vehicles failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	appt, err := h.svc.Get(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "get appointment failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appt)
}

func (h *AppointmentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	appt, err := h.svc.Confirm(r.Context(), r.PathValue("id"), req.PaymentID)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "confirm appointment failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":        "Appointment confirmed",
		"appointment_id": appt.ID,
		"status":         appt.Status,
		"payment_id":     appt.PaymentID,
	})
}

func (h *AppointmentHandler) SetInspectionStatus(w http.ResponseWriter, r *http.Request) {
	var req inspectionStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	appt, err := h.svc.SetInspectionStatus(r.Context(), r.PathValue("id"), req.InspectionStatus)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "update inspection status failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":           "Inspection status updated",
		"appointment_id":    appt.ID,
		"inspection_status": appt.InspectionStatus,
	})
}

func (h *AppointmentHandler) AttachInspectionPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	appt, err := h.svc.AttachInspectionPayment(r.Context(), r.PathValue("id"), req.PaymentID)
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "attach inspection payment failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":               "Inspection payment recorded",
		"appointment_id":        appt.ID,
		"inspection_payment_id": appt.InspectionPaymentID,
	})
}

func (h *AppointmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "complete appointment failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appt)
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	appt, err := h.svc.Cancel(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		httpx.WriteErrorLogged(w, r, h.logger, "cancel appointment failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":        "Appointment cancelled",
		"appointment_id": appt.ID,
		"status":         appt.Status,
	})
}

func listFilter(r *http.Request) (model.ListFilter, error) {
	q := r.URL.Query()
	f := model.ListFilter{Status: strings.TrimSpace(q.Get("status"))}
	var err error
	if f.Skip, err = queryInt(q.Get("skip"), 0); err != nil {
		return f, apperr.Validation("skip must be a non-negative integer")
	}
	if f.Limit, err = queryInt(q.Get("limit"), 100); err != nil {
		return f, apperr.Validation("limit must be a non-negative integer")
	}
	return f, nil
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid integer %q", raw)
	}
	return n, nil
}
