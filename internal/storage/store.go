package storage

import (
	"context"
	"time"

	"github.com/example/rider-dispatch/internal/models"
)

// RiderStore is the read side the locator consumes plus the two writes the
// location consumer performs.
type RiderStore interface {
	ListActiveRiders(ctx context.Context) ([]models.Rider, error)
	GetRider(ctx context.Context, id string) (*models.Rider, error)
	LatestLocationLog(ctx context.Context, riderID string) (*models.LocationLog, error)
	StockTotals(ctx context.Context, riderIDs []string) (map[string]int, error)
	Branches(ctx context.Context, branchIDs []string) (map[string]models.Branch, error)
	UpdatePosition(ctx context.Context, riderID string, lat, lng float64, at time.Time) error
	AppendLocationLog(ctx context.Context, l models.LocationLog) error
}

// DispatchStore persists negotiation records. Resolve only moves a record
// out of pending; any other starting state yields models.ErrConflict.
type DispatchStore interface {
	CreatePending(ctx context.Context, n *models.Negotiation) error
	Get(ctx context.Context, id string) (*models.Negotiation, error)
	Resolve(ctx context.Context, id string, state models.NegotiationState, reason string, at time.Time) error
}
