package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := Conflict("time slot %s is already booked", "2025-10-13T09:00:00Z")
	wrapped := fmt.Errorf("create appointment: %w", base)

	if got := KindOf(wrapped); got != KindConflict {
		t.Fatalf("expected conflict, got %s", got)
	}
	if !Is(wrapped, KindConflict) {
		t.Fatalf("expected Is(conflict) to be true")
	}
	if Message(wrapped) != "time slot 2025-10-13T09:00:00Z is already booked" {
		t.Fatalf("unexpected message %q", Message(wrapped))
	}
}

func TestInternalMessageHidden(t *testing.T) {
	err := errors.New("pq: connection refused")
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal kind")
	}
	if Message(err) != "internal error" {
		t.Fatalf("internal detail leaked: %q", Message(err))
	}
	if Is(nil, KindInternal) {
		t.Fatalf("nil error must not match any kind")
	}
}

func TestUpstreamUnwraps(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := Upstream(cause, "confirm appointment %s", "a1")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if err.Error() != "confirm appointment a1: context deadline exceeded" {
		t.Fatalf("unexpected error text %q", err.Error())
	}
}
