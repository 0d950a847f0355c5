package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/negotiation"
	"github.com/example/rider-dispatch/internal/realtime"
	"github.com/example/rider-dispatch/internal/storage"
)

type Opener interface {
	Open(ctx context.Context, requesterID, riderID string) (*negotiation.Session, error)
}

type Offerer interface {
	Offer(ctx context.Context, offer models.DispatchOffer) error
}

type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, out models.Outcome) error
}

// PaymentHolder places and releases an authorization hold for a dispatch.
type PaymentHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string, metadata map[string]string) (string, error)
	Cancel(ctx context.Context, holdID string) error
}

// Service wires a negotiation to the rest of the system: it offers the
// dispatch to the rider, keeps live sessions addressable by id, and once a
// session ends records the local outcomes, releases holds and publishes the
// result. Offers, Outcomes and Payments are optional.
type Service struct {
	Negotiator Opener
	Store      storage.DispatchStore
	Publisher  realtime.Publisher
	Offers     Offerer
	Outcomes   OutcomePublisher
	Payments   PaymentHolder
	Logger     *slog.Logger
	Now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*negotiation.Session
	wg       sync.WaitGroup
}

// Start opens a negotiation for req. A requested payment hold is placed
// before the dispatch record exists and released if opening fails.
func (s *Service) Start(ctx context.Context, req models.DispatchRequest) (*negotiation.Session, error) {
	var holdID string
	if s.Payments != nil && req.HoldAmount > 0 {
		id, err := s.Payments.Hold(ctx, req.HoldAmount, req.Currency, req.RequesterID, map[string]string{"rider_id": req.RiderID})
		if err != nil {
			return nil, fmt.Errorf("payment hold: %w", err)
		}
		holdID = id
	}

	sess, err := s.Negotiator.Open(ctx, req.RequesterID, req.RiderID)
	if err != nil {
		s.releaseHold(holdID)
		return nil, err
	}
	s.track(sess)

	rec := sess.Record()
	log := s.logger().With("negotiation_id", rec.ID, "rider_id", rec.RiderID)
	if s.Offers != nil {
		offer := models.DispatchOffer{NegotiationID: rec.ID, RequesterID: rec.RequesterID, RiderID: rec.RiderID, Deadline: rec.Deadline}
		if err := s.Offers.Offer(ctx, offer); err != nil {
			log.Warn("offer delivery failed", "error", err)
		}
	}

	s.wg.Add(1)
	go s.finalize(sess, holdID, log)
	return sess, nil
}

func (s *Service) finalize(sess *negotiation.Session, holdID string, log *slog.Logger) {
	defer s.wg.Done()
	<-sess.Done()
	out, _ := sess.Outcome()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// accepted and rejected were written by the rider surface
	if out.State == models.StateTimedOut || out.State == models.StateCancelled {
		out = s.record(ctx, out, log)
	}
	if out.State != models.StateAccepted {
		s.releaseHold(holdID)
	}
	if s.Outcomes != nil {
		if err := s.Outcomes.PublishOutcome(ctx, out); err != nil {
			log.Warn("publishing negotiation outcome failed", "error", err)
		}
	}

	s.mu.Lock()
	delete(s.sessions, out.ID)
	s.mu.Unlock()
}

// Cancel revokes a pending negotiation on behalf of the requester. If the
// negotiation already ended, its outcome is returned with models.ErrConflict.
// The cancellation is written to the store before Cancel returns; if the
// rider's answer reached the store first, the stored outcome is returned
// with models.ErrConflict.
func (s *Service) Cancel(ctx context.Context, id string) (models.Outcome, error) {
	sess, ok := s.Session(id)
	if !ok {
		rec, err := s.Store.Get(ctx, id)
		if err != nil {
			return models.Outcome{}, err
		}
		return outcomeOf(rec), models.ErrConflict
	}
	out, cancelled := sess.Cancel()
	if !cancelled {
		return out, models.ErrConflict
	}
	log := s.logger().With("negotiation_id", id, "rider_id", out.RiderID)
	if final := s.record(ctx, out, log); final.State != out.State {
		return final, models.ErrConflict
	}
	return out, nil
}

// record writes a locally decided outcome. The store arbitrates: when the
// record was already resolved the stored outcome wins and is returned.
func (s *Service) record(ctx context.Context, out models.Outcome, log *slog.Logger) models.Outcome {
	err := s.Store.Resolve(ctx, out.ID, out.State, out.Reason, out.ResolvedAt)
	if err == nil {
		return out
	}
	if !errors.Is(err, models.ErrConflict) {
		log.Error("recording negotiation outcome failed", "state", out.State, "error", err)
		return out
	}
	rec, gerr := s.Store.Get(ctx, out.ID)
	if gerr != nil {
		log.Error("reading resolved dispatch failed", "error", gerr)
		return out
	}
	if rec.State != out.State {
		log.Info("dispatch record already resolved", "local_state", out.State, "state", rec.State)
		stored := outcomeOf(rec)
		stored.Remaining = out.Remaining
		return stored
	}
	return out
}

func outcomeOf(rec *models.Negotiation) models.Outcome {
	out := models.Outcome{ID: rec.ID, RiderID: rec.RiderID, State: rec.State, Reason: rec.Reason}
	if rec.ResolvedAt != nil {
		out.ResolvedAt = *rec.ResolvedAt
	}
	return out
}

// Respond records the rider's answer and notifies whoever is watching the
// dispatch. Only the targeted rider may answer, and only before the deadline.
func (s *Service) Respond(ctx context.Context, id, riderID string, accept bool, reason string) error {
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.RiderID != riderID {
		return models.ErrNotFound
	}
	// a requester cancel is final even before it reaches the store
	if sess, ok := s.Session(id); ok {
		if _, done := sess.Outcome(); done {
			return models.ErrConflict
		}
	}
	if rec.State != models.StatePending || s.now().After(rec.Deadline) {
		return models.ErrConflict
	}

	state := models.StateRejected
	if accept {
		state = models.StateAccepted
		reason = ""
	}
	if err := s.Store.Resolve(ctx, id, state, reason, s.now()); err != nil {
		return err
	}
	if s.Publisher == nil {
		return nil
	}
	if err := s.Publisher.Publish(ctx, models.StatusEvent{ID: id, Status: string(state), Reason: reason}); err != nil {
		s.logger().Warn("status notification failed", "negotiation_id", id, "state", state, "error", err)
	}
	return nil
}

// Status returns the live view of a negotiation, falling back to the store
// once the session has been finalized.
func (s *Service) Status(ctx context.Context, id string) (models.Negotiation, error) {
	if sess, ok := s.Session(id); ok {
		return sess.Record(), nil
	}
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return models.Negotiation{}, err
	}
	return *rec, nil
}

func (s *Service) Session(id string) (*negotiation.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Shutdown cancels every live negotiation and waits for their outcomes to be
// recorded.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*negotiation.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.Cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) track(sess *negotiation.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]*negotiation.Session)
	}
	s.sessions[sess.ID()] = sess
}

func (s *Service) releaseHold(holdID string) {
	if holdID == "" || s.Payments == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Payments.Cancel(ctx, holdID); err != nil {
		s.logger().Error("releasing payment hold failed", "hold_id", holdID, "error", err)
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
