package realtime

import (
	"context"
	"testing"

	"github.com/example/rider-dispatch/internal/models"
)

func TestBrokerDeliversByID(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	a, _ := b.Subscribe(ctx, "n1")
	other, _ := b.Subscribe(ctx, "n2")

	_ = b.Publish(ctx, models.StatusEvent{ID: "n1", Status: "accepted"})

	select {
	case ev := <-a.Events():
		if ev.Status != "accepted" {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatalf("expected event for n1")
	}
	select {
	case ev := <-other.Events():
		t.Fatalf("n2 should not receive n1 events, got %+v", ev)
	default:
	}
}

func TestBrokerCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	s, _ := b.Subscribe(ctx, "n1")
	if b.Subscribers("n1") != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	_ = s.Close()
	_ = s.Close()
	if b.Subscribers("n1") != 0 {
		t.Fatalf("expected subscriber removed")
	}
	if _, ok := <-s.Events(); ok {
		t.Fatalf("expected closed events channel")
	}
	if err := b.Publish(ctx, models.StatusEvent{ID: "n1", Status: "accepted"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestEventCodecRoundTrip(t *testing.T) {
	in := models.StatusEvent{ID: "n1", Status: "rejected", Reason: "Sedang sibuk"}
	s, err := encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := decode(s)
	if err != nil || out != in {
		t.Fatalf("got %+v %v", out, err)
	}
	if pgChannel("abc-1") != "dispatch_abc-1" {
		t.Fatalf("unexpected pg channel %q", pgChannel("abc-1"))
	}
}
