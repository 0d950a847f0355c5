package negotiation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/observability"
	"github.com/example/rider-dispatch/internal/realtime"
)

// Session is one open negotiation. Exactly one terminal outcome is ever
// recorded; everything observed after it is discarded.
type Session struct {
	rec    models.Negotiation
	sub    realtime.Subscription
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	remaining int
	outcome   *models.Outcome
	done      chan struct{}

	// each watcher holds at most the latest remaining-seconds value
	watchers map[chan int]struct{}
	stopped  bool
}

func newSession(rec models.Negotiation, seconds int, sub realtime.Subscription, now func() time.Time, logger *slog.Logger) *Session {
	return &Session{
		rec:       rec,
		sub:       sub,
		now:       now,
		logger:    logger,
		remaining: seconds,
		done:      make(chan struct{}),
		watchers:  make(map[chan int]struct{}),
	}
}

func (s *Session) ID() string { return s.rec.ID }

// Record returns the negotiation as opened, with State reflecting the
// current outcome.
func (s *Session) Record() models.Negotiation {
	rec := s.rec
	if out, ok := s.Outcome(); ok {
		rec.State = out.State
		rec.Reason = out.Reason
		at := out.ResolvedAt
		rec.ResolvedAt = &at
	}
	return rec
}

// Remaining is the number of whole seconds left in the window. It stops
// changing once the session is terminal.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Watch streams remaining seconds to one viewer, starting with the current
// value and then one value per tick. A slow viewer only keeps the latest
// value. The channel is closed after the terminal outcome or when the
// returned stop func is called.
func (s *Session) Watch() (<-chan int, func()) {
	ch := make(chan int, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		close(ch)
		return ch, func() {}
	}
	ch <- s.remaining
	s.watchers[ch] = struct{}{}
	return ch, func() { s.unwatch(ch) }
}

func (s *Session) unwatch(ch chan int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watchers[ch]; ok {
		delete(s.watchers, ch)
		select {
		case <-ch:
		default:
		}
		close(ch)
	}
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Outcome() (models.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return models.Outcome{}, false
	}
	return *s.outcome, true
}

// Wait blocks until the session is terminal or ctx is done.
func (s *Session) Wait(ctx context.Context) (models.Outcome, error) {
	select {
	case <-s.done:
		out, _ := s.Outcome()
		return out, nil
	case <-ctx.Done():
		return models.Outcome{}, ctx.Err()
	}
}

// Cancel flips a pending session to cancelled before returning. The
// subscription is released by the session loop afterwards. If the session
// was already terminal the existing outcome is returned with false.
func (s *Session) Cancel() (models.Outcome, bool) {
	ok := s.resolve(models.StateCancelled, "")
	out, _ := s.Outcome()
	return out, ok
}

func (s *Session) resolve(state models.NegotiationState, reason string) bool {
	s.mu.Lock()
	if s.outcome != nil {
		s.mu.Unlock()
		return false
	}
	s.outcome = &models.Outcome{
		ID:         s.rec.ID,
		RiderID:    s.rec.RiderID,
		State:      state,
		Reason:     reason,
		Remaining:  s.remaining,
		ResolvedAt: s.now(),
	}
	close(s.done)
	s.mu.Unlock()

	observability.NegotiationOutcomes.WithLabelValues(string(state)).Inc()
	s.logger.Info("negotiation resolved", "state", state, "remaining", s.remaining)
	return true
}

func (s *Session) run(ticks <-chan time.Time, stopTicker func()) {
	defer s.closeWatchers()
	defer stopTicker()
	defer func() {
		if s.sub != nil {
			_ = s.sub.Close()
		}
	}()

	var events <-chan models.StatusEvent
	if s.sub != nil {
		events = s.sub.Events()
	}
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				s.logger.Warn("notification channel closed, continuing countdown only")
				events = nil
				continue
			}
			if s.handle(ev) {
				return
			}
		case <-ticks:
			// a notification that is already waiting beats the tick
			terminal, closed := s.drain(events)
			if closed {
				events = nil
			}
			if terminal {
				return
			}
			left, ok := s.tick()
			if !ok {
				return
			}
			s.publish(left)
			if left <= 0 {
				s.resolve(models.StateTimedOut, "")
				return
			}
		}
	}
}

// handle applies one notification and reports whether the session is now
// terminal.
func (s *Session) handle(ev models.StatusEvent) bool {
	if ev.ID != "" && ev.ID != s.rec.ID {
		return false
	}
	state := classify(ev.Status)
	if state == models.StatePending {
		return false
	}
	reason := ""
	if state == models.StateRejected {
		reason = ev.Reason
		if reason == "" {
			reason = DefaultRejectReason
		}
	}
	if !s.resolve(state, reason) {
		observability.StaleNotifications.Inc()
		s.logger.Debug("discarding notification after terminal state", "status", ev.Status)
	}
	return true
}

func (s *Session) drain(events <-chan models.StatusEvent) (terminal, closed bool) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return false, true
			}
			if s.handle(ev) {
				return true, false
			}
		default:
			return false, false
		}
	}
}

func (s *Session) tick() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != nil {
		return 0, false
	}
	if s.remaining > 0 {
		s.remaining--
	}
	return s.remaining, true
}

func (s *Session) publish(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (s *Session) closeWatchers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for ch := range s.watchers {
		close(ch)
		delete(s.watchers, ch)
	}
}
