package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-dispatch/internal/models"
)

// RedisChannel implements Channel and Publisher with Redis pub/sub.
type RedisChannel struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisChannel(client *redis.Client, logger *slog.Logger) *RedisChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChannel{client: client, logger: logger}
}

// Subscribe waits for the subscription confirmation so a failure surfaces
// here rather than as a silent channel.
func (r *RedisChannel) Subscribe(ctx context.Context, id string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topic(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrChannelUnavailable, err)
	}
	s := &redisSub{ps: ps, out: make(chan models.StatusEvent, 8), done: make(chan struct{})}
	go s.pump(r.logger)
	return s, nil
}

func (r *RedisChannel) Publish(ctx context.Context, ev models.StatusEvent) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, topic(ev.ID), payload).Err()
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan models.StatusEvent
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump(logger *slog.Logger) {
	defer close(s.out)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := decode(m.Payload)
			if err != nil {
				logger.Warn("dropping malformed dispatch notification", "channel", m.Channel, "error", err)
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Events() <-chan models.StatusEvent { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
