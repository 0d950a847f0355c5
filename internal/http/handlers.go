package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rider-dispatch/internal/dispatch"
	"github.com/example/rider-dispatch/internal/locator"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/storage"
)

// LocationPublisher forwards rider location updates to the ingest pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Options struct {
	Locator         *locator.Service
	Dispatch        *dispatch.Service
	Riders          storage.RiderStore
	Locations       LocationPublisher
	WSReg           *dispatch.WSRegistry
	DefaultCurrency string
	Logger          *slog.Logger
}

type Server struct {
	Locator   *locator.Service
	Dispatch  *dispatch.Service
	Riders    storage.RiderStore
	Locations LocationPublisher
	WSReg     *dispatch.WSRegistry

	currency string
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wsreg := opts.WSReg
	if wsreg == nil {
		wsreg = dispatch.NewWSRegistry()
	}
	s := &Server{
		Locator:   opts.Locator,
		Dispatch:  opts.Dispatch,
		Riders:    opts.Riders,
		Locations: opts.Locations,
		WSReg:     wsreg,
		currency:  opts.DefaultCurrency,
		logger:    logger,
		validate:  validator.New(),
		mux:       mux.NewRouter(),
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/riders/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/dispatches", s.handleCreateDispatch).Methods(http.MethodPost)
	api.HandleFunc("/dispatches/{id}", s.handleGetDispatch).Methods(http.MethodGet)
	api.HandleFunc("/dispatches/{id}", s.handleCancelDispatch).Methods(http.MethodDelete)
	api.HandleFunc("/dispatches/{id}/response", s.handleRespond).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/dispatches/{id}", s.handleDispatchWS)
	s.mux.HandleFunc("/ws/riders/{rider_id}", s.handleRiderWS)

	s.mux.HandleFunc("/internal/riders/locations", s.handleRiderLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type nearbyQuery struct {
	Lat      float64 `validate:"gte=-90,lte=90"`
	Lng      float64 `validate:"gte=-180,lte=180"`
	RadiusKm float64 `validate:"gte=0"`
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		in  nearbyQuery
		err error
	)
	if in.Lat, err = strconv.ParseFloat(q.Get("lat"), 64); err != nil {
		writeError(w, http.StatusBadRequest, "lat must be a number")
		return
	}
	if in.Lng, err = strconv.ParseFloat(q.Get("lng"), 64); err != nil {
		writeError(w, http.StatusBadRequest, "lng must be a number")
		return
	}
	if v := q.Get("radius_km"); v != "" {
		if in.RadiusKm, err = strconv.ParseFloat(v, 64); err != nil {
			writeError(w, http.StatusBadRequest, "radius_km must be a number")
			return
		}
	} else {
		in.RadiusKm = s.Locator.DefaultRadius()
	}
	if err := s.validate.Struct(in); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation failed: "+err.Error())
		return
	}

	riders, err := s.Locator.Locate(r.Context(), in.Lat, in.Lng, in.RadiusKm)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if riders == nil {
		riders = []models.RiderCandidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"riders": riders, "count": len(riders)})
}

type dispatchView struct {
	models.Negotiation
	RemainingSeconds int `json:"remaining_seconds"`
}

func (s *Server) handleCreateDispatch(w http.ResponseWriter, r *http.Request) {
	var req models.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation failed: "+err.Error())
		return
	}
	if req.Currency == "" {
		req.Currency = s.currency
	}

	sess, err := s.Dispatch.Start(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dispatchView{Negotiation: sess.Record(), RemainingSeconds: sess.Remaining()})
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.Dispatch.Status(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := dispatchView{Negotiation: rec}
	if sess, ok := s.Dispatch.Session(id); ok {
		view.RemainingSeconds = sess.Remaining()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	out, err := s.Dispatch.Cancel(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, models.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "dispatch already resolved", "outcome": out})
	case err != nil:
		s.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

type riderResponse struct {
	RiderID string `json:"rider_id" validate:"required"`
	Accept  *bool  `json:"accept" validate:"required"`
	Reason  string `json:"reason,omitempty" validate:"max=500"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body riderResponse
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation failed: "+err.Error())
		return
	}
	if err := s.Dispatch.Respond(r.Context(), mux.Vars(r)["id"], body.RiderID, *body.Accept, body.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRiderLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(u); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation failed: "+err.Error())
		return
	}
	if u.RecordedAt.IsZero() {
		u.RecordedAt = time.Now().UTC()
	}

	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), u); err != nil {
			s.logger.Error("publishing rider location failed", "rider_id", u.RiderID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "location pipeline unavailable")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := s.Riders.UpdatePosition(r.Context(), u.RiderID, u.Lat, u.Lng, u.RecordedAt); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Riders.AppendLocationLog(r.Context(), models.LocationLog{RiderID: u.RiderID, Lat: u.Lat, Lng: u.Lng, RecordedAt: u.RecordedAt}); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleDispatchWS streams the countdown of a live negotiation followed by
// its outcome. A negotiation that already ended gets its stored record.
func (s *Server) handleDispatchWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, live := s.Dispatch.Session(id)
	var rec models.Negotiation
	if !live {
		var err error
		if rec, err = s.Dispatch.Status(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "negotiation_id", id, "error", err)
		return
	}
	defer conn.Close()

	if !live {
		_ = conn.WriteJSON(map[string]any{"type": "status", "dispatch": rec})
		return
	}
	countdown, stop := sess.Watch()
	defer stop()
	for remaining := range countdown {
		if err := conn.WriteJSON(map[string]any{"type": "countdown", "remaining": remaining}); err != nil {
			return
		}
	}
	out, _ := sess.Outcome()
	_ = conn.WriteJSON(map[string]any{"type": "outcome", "outcome": out})
}

type riderMessage struct {
	Type          string `json:"type"`
	NegotiationID string `json:"negotiation_id"`
	Accept        bool   `json:"accept"`
	Reason        string `json:"reason,omitempty"`
}

// handleRiderWS keeps a rider's offer session open. The first frame tells
// the rider app that offers will now arrive on this connection. Riders may
// answer offers over the same connection.
func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["rider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "rider_id", riderID, "error", err)
		return
	}
	s.WSReg.Add(riderID, conn)
	defer func() {
		s.WSReg.Remove(riderID, conn)
		_ = conn.Close()
	}()
	if err := s.WSReg.Send(riderID, conn, map[string]any{"type": "connected", "rider_id": riderID}); err != nil {
		return
	}

	for {
		var msg riderMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "response" {
			continue
		}
		err := s.Dispatch.Respond(r.Context(), msg.NegotiationID, riderID, msg.Accept, msg.Reason)
		ack := map[string]any{"type": "response_ack", "negotiation_id": msg.NegotiationID, "ok": err == nil}
		if err != nil {
			ack["error"] = err.Error()
		}
		if err := s.WSReg.Send(riderID, conn, ack); err != nil {
			return
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidSelection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRiderBusy), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
