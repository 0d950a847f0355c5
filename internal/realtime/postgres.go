package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/example/rider-dispatch/internal/models"
)

// PostgresChannel implements Channel with LISTEN/NOTIFY and Publisher with
// pg_notify. All subscriptions share one listener connection and are fanned
// out by channel name.
type PostgresChannel struct {
	db       *sql.DB
	logger   *slog.Logger
	listener *pq.Listener

	mu   sync.Mutex
	subs map[string]map[*pgSub]struct{}
}

func NewPostgresChannel(dsn string, db *sql.DB, logger *slog.Logger) *PostgresChannel {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PostgresChannel{db: db, logger: logger, subs: make(map[string]map[*pgSub]struct{})}
	p.listener = pq.NewListener(dsn, 100*time.Millisecond, 5*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("dispatch listener event", "event", int(ev), "error", err)
		}
	})
	go p.pump()
	return p
}

// pgChannel maps a dispatch id to a Postgres channel identifier.
func pgChannel(id string) string {
	return strings.ReplaceAll(topic(id), ":", "_")
}

// Subscribe returns once the LISTEN is confirmed. The listener blocks while
// it has no connection, so ctx bounds the wait.
func (p *PostgresChannel) Subscribe(ctx context.Context, id string) (Subscription, error) {
	name := pgChannel(id)
	s := &pgSub{owner: p, name: name, out: make(chan models.StatusEvent, 8)}

	p.mu.Lock()
	set, ok := p.subs[name]
	if !ok {
		set = make(map[*pgSub]struct{})
		p.subs[name] = set
	}
	first := len(set) == 0
	set[s] = struct{}{}
	p.mu.Unlock()

	if !first {
		return s, nil
	}

	errc := make(chan error, 1)
	go func() { errc <- p.listen(name) }()
	select {
	case err := <-errc:
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%w: %v", models.ErrChannelUnavailable, err)
		}
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrChannelUnavailable, ctx.Err())
	}
}

// listen issues LISTEN and undoes it if every subscriber left while it was
// waiting for a connection.
func (p *PostgresChannel) listen(name string) error {
	err := p.listener.Listen(name)
	if errors.Is(err, pq.ErrChannelAlreadyOpen) {
		err = nil
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	abandoned := len(p.subs[name]) == 0
	p.mu.Unlock()
	if abandoned {
		_ = p.listener.Unlisten(name)
	}
	return nil
}

func (p *PostgresChannel) Publish(ctx context.Context, ev models.StatusEvent) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, pgChannel(ev.ID), payload)
	return err
}

// Close stops the listener; open subscriptions see their channel closed.
func (p *PostgresChannel) Close() error {
	return p.listener.Close()
}

func (p *PostgresChannel) pump() {
	for n := range p.listener.Notify {
		// nil signals a reconnect; events sent while disconnected are lost
		if n == nil {
			continue
		}
		ev, err := decode(n.Extra)
		if err != nil {
			p.logger.Warn("dropping malformed dispatch notification", "channel", n.Channel, "error", err)
			continue
		}
		p.mu.Lock()
		for s := range p.subs[n.Channel] {
			select {
			case s.out <- ev:
			default:
				p.logger.Warn("dropping dispatch notification for slow subscriber", "channel", n.Channel)
			}
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, set := range p.subs {
		for s := range set {
			close(s.out)
		}
		delete(p.subs, name)
	}
}

// remove drops s and reports whether it was the channel's last subscriber.
func (p *PostgresChannel) remove(s *pgSub) (last, found bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.subs[s.name]
	if !ok {
		return false, false
	}
	if _, ok := set[s]; !ok {
		return false, false
	}
	delete(set, s)
	close(s.out)
	if len(set) == 0 {
		delete(p.subs, s.name)
		return true, true
	}
	return false, true
}

type pgSub struct {
	owner *PostgresChannel
	name  string
	out   chan models.StatusEvent
}

func (s *pgSub) Events() <-chan models.StatusEvent { return s.out }

func (s *pgSub) Close() error {
	last, found := s.owner.remove(s)
	if found && last {
		// UNLISTEN also waits for a connection
		go func() { _ = s.owner.listener.Unlisten(s.name) }()
	}
	return nil
}
