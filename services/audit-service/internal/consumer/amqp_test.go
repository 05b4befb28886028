package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/ingest"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/storage"
)

type ackLog struct {
	acked    int
	nacked   int
	requeued int
}

func (a *ackLog) Ack(bool) error { a.acked++; return nil }
func (a *ackLog) Nack(_, requeue bool) error {
	a.nacked++
	if requeue {
		a.requeued++
	}
	return nil
}

type failingStore struct{}

func (failingStore) Insert(context.Context, audit.Event) (storage.Record, error) {
	return storage.Record{}, errors.New("db down")
}
func (failingStore) List(context.Context, storage.Filter) ([]storage.Record, error) { return nil, nil }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestProcessStoresAndAcks(t *testing.T) {
	store := storage.NewMemory()
	c := New(Config{}, ingest.NewService(store, quiet()), quiet())
	ack := &ackLog{}

	c.process(context.Background(), []byte(`{"message":"Appointment auto-confirmed","fields":{"attempts":1}}`),
		"appointment.auto_confirmed", "payment-service", ack)
	if ack.acked != 1 {
		t.Fatalf("expected ack, got %+v", ack)
	}
	got, _ := store.List(context.Background(), storage.Filter{})
	if len(got) != 1 || got[0].Event.Event != "appointment.auto_confirmed" || got[0].Service != "payment-service" || got[0].Level != audit.LevelInfo {
		t.Fatalf("routing key and app id must fill the gaps, got %+v", got)
	}
}

func TestProcessDropsMalformedAndRequeuesStoreFailures(t *testing.T) {
	ack := &ackLog{}
	c := New(Config{}, ingest.NewService(storage.NewMemory(), quiet()), quiet())
	c.process(context.Background(), []byte(`{{`), "x", "svc", ack)
	if ack.nacked != 1 || ack.requeued != 0 {
		t.Fatalf("malformed message must be dropped, got %+v", ack)
	}

	ack = &ackLog{}
	c = New(Config{}, ingest.NewService(failingStore{}, quiet()), quiet())
	c.process(context.Background(), []byte(`{"service":"svc","event":"x"}`), "x", "svc", ack)
	if ack.requeued != 1 {
		t.Fatalf("store failure must requeue, got %+v", ack)
	}
}
