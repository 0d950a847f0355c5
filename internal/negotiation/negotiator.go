// Package negotiation runs the bounded accept/reject window between one
// requester and one selected rider.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/observability"
	"github.com/example/rider-dispatch/internal/realtime"
)

const (
	DefaultWindow           = 60 * time.Second
	DefaultSubscribeTimeout = 3 * time.Second
	DefaultRejectReason     = "Rider is unable to take the order right now"
)

// Store creates the pending dispatch record. It is the only write the
// negotiator performs.
type Store interface {
	CreatePending(ctx context.Context, n *models.Negotiation) error
}

// Selector checks that a rider has a resolvable position before a
// negotiation is opened against it.
type Selector interface {
	ResolvePosition(ctx context.Context, riderID string) (models.Coord, models.PositionSource, error)
}

// TickerFunc returns a channel ticking every d and a func that stops it.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Negotiator opens negotiations. SubscribeTimeout bounds how long Open waits
// for the notification channel before running countdown only.
type Negotiator struct {
	Store            Store
	Channel          realtime.Channel
	Selector         Selector
	Window           time.Duration
	SubscribeTimeout time.Duration
	Now              func() time.Time
	NewTicker        TickerFunc
	NewID            func() string
	Logger           *slog.Logger
}

// Open validates the selection, creates the pending record and starts the
// window. ctx bounds the setup calls only; the returned session runs until it
// reaches a terminal state on its own.
func (n *Negotiator) Open(ctx context.Context, requesterID, riderID string) (*Session, error) {
	if riderID == "" {
		return nil, fmt.Errorf("%w: empty rider id", models.ErrInvalidSelection)
	}
	if n.Selector != nil {
		if _, _, err := n.Selector.ResolvePosition(ctx, riderID); err != nil {
			return nil, err
		}
	}

	now := n.now()
	window := n.window()
	rec := models.Negotiation{
		ID:          n.newID(),
		RequesterID: requesterID,
		RiderID:     riderID,
		State:       models.StatePending,
		OpenedAt:    now,
		Deadline:    now.Add(window),
	}
	if err := n.Store.CreatePending(ctx, &rec); err != nil {
		if errors.Is(err, models.ErrRiderBusy) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	observability.NegotiationsOpened.Inc()

	log := n.logger().With("negotiation_id", rec.ID, "rider_id", riderID)
	var sub realtime.Subscription
	if n.Channel != nil {
		s, err := n.subscribe(ctx, rec.ID)
		if err != nil {
			observability.ChannelFallbacks.Inc()
			log.Warn("running countdown only", "error", fmt.Errorf("%w: %v", models.ErrChannelUnavailable, err))
		} else {
			sub = s
		}
	} else {
		observability.ChannelFallbacks.Inc()
		log.Warn("running countdown only", "error", models.ErrChannelUnavailable)
	}

	// the window is anchored at the stored deadline, not at the end of setup
	s := newSession(rec, secondsUntil(rec.Deadline, n.now()), sub, n.now, log)
	if s.Remaining() <= 0 {
		s.resolve(models.StateTimedOut, "")
	}
	ticks, stop := n.ticker()(time.Second)
	go s.run(ticks, stop)
	return s, nil
}

// subscribe gives up after SubscribeTimeout even if the channel ignores ctx.
// A subscription that arrives late is closed.
func (n *Negotiator) subscribe(ctx context.Context, id string) (realtime.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, n.subscribeTimeout())
	defer cancel()

	type result struct {
		sub realtime.Subscription
		err error
	}
	res := make(chan result, 1)
	go func() {
		sub, err := n.Channel.Subscribe(ctx, id)
		res <- result{sub, err}
	}()
	select {
	case r := <-res:
		return r.sub, r.err
	case <-ctx.Done():
		go func() {
			if r := <-res; r.sub != nil {
				_ = r.sub.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// secondsUntil rounds up so the countdown never reaches zero before the
// deadline has passed.
func secondsUntil(deadline, now time.Time) int {
	left := deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// classify maps a dispatch record status to the terminal state it implies.
// Statuses that imply neither leave the negotiation pending.
func classify(status string) models.NegotiationState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "accepted", "processing", "on_delivery", "delivering", "completed":
		return models.StateAccepted
	case "rejected", "declined", "refused":
		return models.StateRejected
	}
	return models.StatePending
}

func (n *Negotiator) window() time.Duration {
	if n.Window > 0 {
		return n.Window
	}
	return DefaultWindow
}

func (n *Negotiator) subscribeTimeout() time.Duration {
	if n.SubscribeTimeout > 0 {
		return n.SubscribeTimeout
	}
	return DefaultSubscribeTimeout
}

func (n *Negotiator) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n *Negotiator) newID() string {
	if n.NewID != nil {
		return n.NewID()
	}
	return uuid.NewString()
}

func (n *Negotiator) ticker() TickerFunc {
	if n.NewTicker != nil {
		return n.NewTicker
	}
	return realTicker
}

func (n *Negotiator) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}
