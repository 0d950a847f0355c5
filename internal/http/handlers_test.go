package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-dispatch/internal/dispatch"
	"github.com/example/rider-dispatch/internal/locator"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/negotiation"
	"github.com/example/rider-dispatch/internal/realtime"
	"github.com/example/rider-dispatch/internal/storage"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []models.LocationUpdate
}

func (r *recordingPublisher) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

type testEnv struct {
	srv   *Server
	store *storage.MemoryStore
	svc   *dispatch.Service
}

func ptr[T any](v T) *T { return &v }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	now := time.Now()
	store.PutRider(models.Rider{ID: "A", Name: "Ayu", Active: true, Lat: ptr(0.0), Lng: ptr(0.01), LocationAt: &now})
	store.PutRider(models.Rider{ID: "B", Name: "Budi", Active: true})

	loc := &locator.Service{Store: store, Logger: logger}
	broker := realtime.NewBroker()
	wsreg := dispatch.NewWSRegistry()
	// the window never advances in these tests
	neg := &negotiation.Negotiator{
		Store:     store,
		Channel:   broker,
		Selector:  loc,
		NewTicker: func(time.Duration) (<-chan time.Time, func()) { return make(chan time.Time), func() {} },
		Logger:    logger,
	}
	svc := &dispatch.Service{Negotiator: neg, Store: store, Publisher: broker, Offers: wsreg, Logger: logger}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	srv := NewServer(Options{Locator: loc, Dispatch: svc, Riders: store, WSReg: wsreg, DefaultCurrency: "idr", Logger: logger})
	return &testEnv{srv: srv, store: store, svc: svc}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) start(t *testing.T, riderID string) dispatchView {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/v1/dispatches", map[string]any{"requester_id": "cust", "rider_id": riderID})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var view dispatchView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	return view
}

func TestNearby(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/api/v1/riders/nearby?lat=0&lng=0", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
	var resp struct {
		Riders []models.RiderCandidate `json:"riders"`
		Count  int                     `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Riders[0].ID != "A" || !resp.Riders[0].Online {
		t.Fatalf("unexpected riders %+v", resp)
	}
	if resp.Riders[0].DistanceKm != 1.11 || resp.Riders[0].ETAMinutes != 3 {
		t.Fatalf("unexpected distance/eta %+v", resp.Riders[0])
	}
}

func TestNearbyEmptyIsArray(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/api/v1/riders/nearby?lat=45&lng=45&radius_km=1", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"riders":[]`) {
		t.Fatalf("expected empty array, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestNearbyZeroRadiusIsNotWidened(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/api/v1/riders/nearby?lat=0&lng=0&radius_km=0", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"riders":[]`) {
		t.Fatalf("expected no riders within 0 km, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestNearbyRejectsBadQuery(t *testing.T) {
	e := newTestEnv(t)
	cases := map[string]int{
		"/api/v1/riders/nearby?lng=0":                      http.StatusBadRequest,
		"/api/v1/riders/nearby?lat=x&lng=0":                http.StatusBadRequest,
		"/api/v1/riders/nearby?lat=91&lng=0":               http.StatusUnprocessableEntity,
		"/api/v1/riders/nearby?lat=0&lng=0&radius_km=-1":   http.StatusUnprocessableEntity,
		"/api/v1/riders/nearby?lat=0&lng=0&radius_km=wide": http.StatusBadRequest,
	}
	for path, want := range cases {
		if rr := e.do(t, http.MethodGet, path, nil); rr.Code != want {
			t.Errorf("%s: expected %d, got %d", path, want, rr.Code)
		}
	}
}

func TestCreateDispatch(t *testing.T) {
	e := newTestEnv(t)
	view := e.start(t, "A")
	if view.State != models.StatePending || view.RemainingSeconds != 60 || view.RiderID != "A" {
		t.Fatalf("unexpected dispatch %+v", view)
	}

	if rr := e.do(t, http.MethodPost, "/api/v1/dispatches", map[string]any{"requester_id": "other", "rider_id": "A"}); rr.Code != http.StatusConflict {
		t.Fatalf("second dispatch for a busy rider: expected 409, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/api/v1/dispatches", map[string]any{"requester_id": "cust", "rider_id": "B"}); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("rider without position: expected 422, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/api/v1/dispatches", map[string]any{"rider_id": "A"}); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing requester: expected 422, got %d", rr.Code)
	}

	rr := e.do(t, http.MethodGet, "/api/v1/dispatches/"+view.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/api/v1/dispatches/missing", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestRespondAccept(t *testing.T) {
	e := newTestEnv(t)
	view := e.start(t, "A")
	sess, ok := e.svc.Session(view.ID)
	if !ok {
		t.Fatal("expected live session")
	}

	if rr := e.do(t, http.MethodPost, "/api/v1/dispatches/"+view.ID+"/response", map[string]any{"rider_id": "B", "accept": true}); rr.Code != http.StatusNotFound {
		t.Fatalf("wrong rider: expected 404, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/api/v1/dispatches/"+view.ID+"/response", map[string]any{"rider_id": "A"}); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing accept: expected 422, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/api/v1/dispatches/"+view.ID+"/response", map[string]any{"rider_id": "A", "accept": true}); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := sess.Wait(ctx)
	if err != nil || out.State != models.StateAccepted {
		t.Fatalf("expected accepted, got %+v %v", out, err)
	}

	if rr := e.do(t, http.MethodPost, "/api/v1/dispatches/"+view.ID+"/response", map[string]any{"rider_id": "A", "accept": false}); rr.Code != http.StatusConflict {
		t.Fatalf("second answer: expected 409, got %d", rr.Code)
	}
}

func TestCancelDispatch(t *testing.T) {
	e := newTestEnv(t)
	view := e.start(t, "A")

	rr := e.do(t, http.MethodDelete, "/api/v1/dispatches/"+view.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var out models.Outcome
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.State != models.StateCancelled || out.Remaining != 60 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if rr := e.do(t, http.MethodDelete, "/api/v1/dispatches/"+view.ID, nil); rr.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rr.Code)
	}
}

func TestRiderLocationDirectWrite(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodPost, "/internal/riders/locations", map[string]any{"rider_id": "B", "lat": 0.0, "lng": 0.02})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	r, err := e.store.GetRider(context.Background(), "B")
	if err != nil || r.Lng == nil || *r.Lng != 0.02 || r.LocationAt == nil {
		t.Fatalf("position not written: %+v %v", r, err)
	}
	l, err := e.store.LatestLocationLog(context.Background(), "B")
	if err != nil || l == nil || l.Lng != 0.02 {
		t.Fatalf("log not appended: %+v %v", l, err)
	}

	if rr := e.do(t, http.MethodPost, "/internal/riders/locations", map[string]any{"rider_id": "B", "lat": 120.0, "lng": 0.0}); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad latitude: expected 422, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/internal/riders/locations", map[string]any{"rider_id": "ghost", "lat": 1.0, "lng": 1.0}); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown rider: expected 404, got %d", rr.Code)
	}
}

func TestRiderLocationPublishes(t *testing.T) {
	e := newTestEnv(t)
	pub := &recordingPublisher{}
	e.srv.Locations = pub
	rr := e.do(t, http.MethodPost, "/internal/riders/locations", map[string]any{"rider_id": "B", "lat": 1.0, "lng": 2.0})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if len(pub.updates) != 1 || pub.updates[0].RecordedAt.IsZero() {
		t.Fatalf("unexpected published updates %+v", pub.updates)
	}
	if r, _ := e.store.GetRider(context.Background(), "B"); r.Lat != nil {
		t.Fatal("store must not be written when the pipeline is configured")
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

type wsFrame struct {
	Type          string               `json:"type"`
	Remaining     int                  `json:"remaining"`
	Outcome       models.Outcome       `json:"outcome"`
	Dispatch      models.Negotiation   `json:"dispatch"`
	Offer         models.DispatchOffer `json:"offer"`
	NegotiationID string               `json:"negotiation_id"`
	RiderID       string               `json:"rider_id"`
	OK            bool                 `json:"ok"`
}

func TestDispatchWebsocketStreamsOutcome(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()
	view := e.start(t, "A")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/dispatches/"+view.ID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first wsFrame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "countdown" || first.Remaining != 60 {
		t.Fatalf("unexpected first frame %+v", first)
	}

	if _, err := e.svc.Cancel(context.Background(), view.ID); err != nil {
		t.Fatal(err)
	}
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("stream ended without outcome: %v", err)
		}
		if f.Type == "outcome" {
			if f.Outcome.State != models.StateCancelled {
				t.Fatalf("unexpected outcome %+v", f.Outcome)
			}
			return
		}
	}
}

func TestDispatchWebsocketAfterResolution(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()
	view := e.start(t, "A")
	if _, err := e.svc.Cancel(context.Background(), view.ID); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.svc.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/dispatches/"+view.ID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var f wsFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Type != "status" || f.Dispatch.State != models.StateCancelled {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestRiderWebsocketReceivesOfferAndAnswers(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/riders/A"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello wsFrame
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello.Type != "connected" || hello.RiderID != "A" {
		t.Fatalf("unexpected first frame %+v", hello)
	}

	view := e.start(t, "A")
	var offer wsFrame
	if err := conn.ReadJSON(&offer); err != nil {
		t.Fatal(err)
	}
	if offer.Type != "dispatch_offer" || offer.Offer.NegotiationID != view.ID {
		t.Fatalf("unexpected offer %+v", offer)
	}

	if err := conn.WriteJSON(map[string]any{"type": "response", "negotiation_id": view.ID, "accept": false, "reason": "flat tyre"}); err != nil {
		t.Fatal(err)
	}
	var ack wsFrame
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != "response_ack" || !ack.OK {
		t.Fatalf("unexpected ack %+v", ack)
	}

	rec, err := e.store.Get(context.Background(), view.ID)
	if err != nil || rec.State != models.StateRejected || rec.Reason != "flat tyre" {
		t.Fatalf("unexpected record %+v %v", rec, err)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: boom", models.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: nope", models.ErrInvalidSelection), http.StatusUnprocessableEntity},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrRiderBusy, http.StatusConflict},
		{models.ErrConflict, http.StatusConflict},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("%v: expected %d, got %d", c.err, c.want, got)
		}
	}
}
