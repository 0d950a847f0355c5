// Package realtime carries dispatch status changes from whichever surface
// mutates a dispatch record to the negotiator watching it. Channels are keyed
// by the dispatch id.
package realtime

import (
	"context"
	"encoding/json"

	"github.com/example/rider-dispatch/internal/models"
)

// Subscription delivers events for one dispatch id until Close is called.
// Close may return before the underlying transport has finished unwinding.
type Subscription interface {
	Events() <-chan models.StatusEvent
	Close() error
}

type Channel interface {
	Subscribe(ctx context.Context, id string) (Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev models.StatusEvent) error
}

func topic(id string) string { return "dispatch:" + id }

func encode(ev models.StatusEvent) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(payload string) (models.StatusEvent, error) {
	var ev models.StatusEvent
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}
