package outbox

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	now := time.Date(2025, 10, 13, 9, 0, 0, 0, time.FixedZone("X", 3600))
	evt, err := NewEvent("appointment", "appt-1", "appointment.created", map[string]string{"user_id": "u1"}, now)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if evt.ID == "" {
		t.Fatalf("expected event id")
	}
	if evt.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", evt.CreatedAt.Location())
	}
	var body map[string]string
	if err := json.Unmarshal(evt.Payload, &body); err != nil || body["user_id"] != "u1" {
		t.Fatalf("unexpected payload %s (%v)", evt.Payload, err)
	}
}
