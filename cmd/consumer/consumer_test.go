package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/rider-dispatch/internal/models"
)

// fakeWriter implements LocationWriter for tests
type fakeWriter struct {
	failPos  int // number of times to fail UpdatePosition before succeeding
	failLog  int // number of times to fail AppendLocationLog before succeeding
	posCalls int
	logCalls int
	missing  bool
	lastLog  models.LocationLog
}

func (f *fakeWriter) UpdatePosition(ctx context.Context, riderID string, lat, lng float64, at time.Time) error {
	f.posCalls++
	if f.missing {
		return models.ErrNotFound
	}
	if f.posCalls <= f.failPos {
		return errors.New("position fail")
	}
	return nil
}

func (f *fakeWriter) AppendLocationLog(ctx context.Context, l models.LocationLog) error {
	f.logCalls++
	if f.logCalls <= f.failLog {
		return errors.New("log fail")
	}
	f.lastLog = l
	return nil
}

func update() models.LocationUpdate {
	return models.LocationUpdate{RiderID: "r1", Lat: 1, Lng: 2, RecordedAt: time.Unix(100, 0).UTC()}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeWriter{failPos: 1, failLog: 1}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, update(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.posCalls != 2 || f.logCalls != 2 {
		t.Fatalf("expected one retry per step, got pos=%d log=%d", f.posCalls, f.logCalls)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
	if f.lastLog.RiderID != "r1" || f.lastLog.Lng != 2 {
		t.Fatalf("unexpected log row %+v", f.lastLog)
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeWriter{failPos: 5}
	if err := applyWithRetry(context.Background(), f, update(), 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.posCalls != 3 || f.logCalls != 0 {
		t.Fatalf("expected 3 position attempts and no log write, got pos=%d log=%d", f.posCalls, f.logCalls)
	}
}

func TestApplyWithRetry_UnknownRiderNotRetried(t *testing.T) {
	f := &fakeWriter{missing: true}
	if err := applyWithRetry(context.Background(), f, update(), 3, time.Millisecond); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.posCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.posCalls)
	}
}

func TestDecodeUpdate(t *testing.T) {
	v := validator.New()
	if _, err := decodeUpdate([]byte(`{"rider_id":"r1","lat":1,"lng":2,"recorded_at":"2024-01-01T00:00:00Z"}`), v); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	bad := []string{
		`not json`,
		`{"lat":1,"lng":2,"recorded_at":"2024-01-01T00:00:00Z"}`,
		`{"rider_id":"r1","lat":95,"lng":2,"recorded_at":"2024-01-01T00:00:00Z"}`,
		`{"rider_id":"r1","lat":1,"lng":2}`,
	}
	for _, b := range bad {
		if _, err := decodeUpdate([]byte(b), v); err == nil {
			t.Errorf("expected %s to be rejected", b)
		}
	}
}
