package booking

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/model"
)

type VehicleView struct {
	AppointmentID       string        `json:"id"`
	UserID              string        `json:"user_id,omitempty"`
	Vehicle             model.Vehicle `json:"vehicle_info"`
	Status              string        `json:"status"`
	InspectionStatus    string        `json:"inspection_status"`
	ScheduledAt         *time.Time    `json:"appointment_date"`
	CreatedAt           time.Time     `json:"created_at"`
	PaymentID           string        `json:"payment_id,omitempty"`
	InspectionPaymentID string        `json:"inspection_payment_id,omitempty"`
	ReservationPaid     bool          `json:"reservation_paid"`
	InspectionPaid      bool          `json:"inspection_paid"`
	CanGenerateReport   bool          `json:"can_generate_report"`
}

type VehicleList struct {
	TotalCount int           `json:"total_count"`
	Vehicles   []VehicleView `json:"vehicles"`
}

func vehicleView(a model.Appointment, withOwner bool) VehicleView {
	v := VehicleView{
		AppointmentID:       a.ID,
		Vehicle:             a.Vehicle,
		Status:              a.Status,
		InspectionStatus:    a.InspectionStatus,
		ScheduledAt:         a.ScheduledAt,
		CreatedAt:           a.CreatedAt,
		PaymentID:           a.PaymentID,
		InspectionPaymentID: a.InspectionPaymentID,
		ReservationPaid:     a.PaymentID != "",
		InspectionPaid:      a.InspectionPaymentID != "",
		CanGenerateReport:   a.InspectionFinished() && a.InspectionPaymentID != "",
	}
	if withOwner {
		v.UserID = a.UserID
	}
	return v
}

// MyVehicles lists the caller's vehicles with their payment and inspection progress.
func (s *Service) MyVehicles(ctx context.Context, caller *auth.Claims) (VehicleList, error) {
	appts, err := s.list(ctx, model.ListFilter{UserID: caller.Principal(), Limit: 500})
	if err != nil {
		return VehicleList{}, err
	}
	out := VehicleList{Vehicles: make([]VehicleView, 0, len(appts))}
	for _, a := range appts {
		out.Vehicles = append(out.Vehicles, vehicleView(a, false))
	}
	out.TotalCount = len(out.Vehicles)
	return out, nil
}

func (s *Service) AdminVehicles(ctx context.Context, caller *auth.Claims, skip, limit int) (VehicleList, error) {
	if !caller.HasRole(auth.RoleAdmin) {
		return VehicleList{}, apperr.Forbidden("admin access required")
	}
	appts, err := s.list(ctx, model.ListFilter{Skip: skip, Limit: limit})
	if err != nil {
		return VehicleList{}, err
	}
	out := VehicleList{Vehicles: make([]VehicleView, 0, len(appts))}
	for _, a := range appts {
		out.Vehicles = append(out.Vehicles, vehicleView(a, true))
	}
	out.TotalCount = len(out.Vehicles)
	return out, nil
}
