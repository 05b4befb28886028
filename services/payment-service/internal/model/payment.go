package model

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusRefunded  = "refunded"
)

const (
	TypeReservation   = "reservation"
	TypeInspectionFee = "inspection_fee"
)

// Confirmation states track the saga that pushes a confirmed payment to the
// appointment service. They are bookkeeping only and never block the payment.
// Failed sagas ran out of retries and are reconciled; rejected ones got a
// definitive answer and are final.
const (
	ConfirmationNone      = "none"
	ConfirmationPending   = "pending"
	ConfirmationConverged = "converged"
	ConfirmationFailed    = "failed"
	ConfirmationRejected  = "rejected"
)

// Outbox event types.
const (
	EventCreated   = "payment.created.v1"
	EventConfirmed = "payment.confirmed.v1"
	EventFailed    = "payment.failed.v1"
)

// Cents is a money amount in hundredths. It encodes as a JSON number with two decimals.
type Cents int64

// CentsFromFloat rounds v to the nearest cent.
func CentsFromFloat(v float64) Cents {
	return Cents(math.Round(v * 100))
}

func (c Cents) Float() float64 { return float64(c) / 100 }

func (c Cents) String() string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Cents) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	*c = CentsFromFloat(v)
	return nil
}

type Payment struct {
	ID                      string     `json:"id"`
	AppointmentID           string     `json:"appointment_id"`
	UserID                  string     `json:"user_id"`
	Amount                  Cents      `json:"amount"`
	Type                    string     `json:"payment_type"`
	Status                  string     `json:"status"`
	TransactionID           string     `json:"transaction_id,omitempty"`
	InvoiceNumber           string     `json:"invoice_number,omitempty"`
	ConfirmationState       string     `json:"confirmation_state"`
	ConfirmationAttemptedAt *time.Time `json:"confirmation_attempted_at,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed, StatusRefunded:
		return true
	}
	return false
}
