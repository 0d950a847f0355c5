package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/rider-dispatch/internal/eta"
	"github.com/example/rider-dispatch/internal/geo"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/observability"
)

const (
	DefaultRadiusKm   = 10.0
	DefaultStaleAfter = 10 * time.Minute
)

// Store is the subset of the rider store the locator reads from.
type Store interface {
	ListActiveRiders(ctx context.Context) ([]models.Rider, error)
	GetRider(ctx context.Context, id string) (*models.Rider, error)
	LatestLocationLog(ctx context.Context, riderID string) (*models.LocationLog, error)
	StockTotals(ctx context.Context, riderIDs []string) (map[string]int, error)
	Branches(ctx context.Context, branchIDs []string) (map[string]models.Branch, error)
}

type Service struct {
	Store           Store
	DefaultRadiusKm float64
	SpeedKmh        float64
	StaleAfter      time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Locate returns the riders within radiusKm of the requester, online riders
// first and each group nearest first. A negative radius means the default;
// zero is honoured. Riders without a resolvable position are never returned. A failed eligibility scan fails the whole call; failed
// enrichment only defaults the affected fields.
func (s *Service) Locate(ctx context.Context, lat, lng, radiusKm float64) ([]models.RiderCandidate, error) {
	start := time.Now()
	defer func() { observability.LocateLatency.Observe(time.Since(start).Seconds()) }()
	observability.LocateTotal.Inc()

	if radiusKm < 0 {
		radiusKm = s.DefaultRadius()
	}
	riders, err := s.Store.ListActiveRiders(ctx)
	if err != nil {
		observability.LocateFailures.Inc()
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}

	now := s.now()
	cands := make([]models.RiderCandidate, 0, len(riders))
	branchOf := make(map[string]string, len(riders))
	for _, r := range riders {
		pos, src := s.resolve(ctx, r)
		if src == models.SourceNone {
			continue
		}
		dist := geo.DistanceKm(lat, lng, pos.Lat, pos.Lng)
		if dist > radiusKm {
			continue
		}
		cands = append(cands, models.RiderCandidate{
			ID:         r.ID,
			Name:       r.Name,
			Phone:      r.Phone,
			PhotoURL:   r.PhotoURL,
			Lat:        pos.Lat,
			Lng:        pos.Lng,
			Source:     src,
			UpdatedAt:  r.LocationAt,
			DistanceKm: dist,
			ETAMinutes: eta.Minutes(dist, s.SpeedKmh),
			Online:     s.online(r.LocationAt, now),
		})
		branchOf[r.ID] = r.BranchID
	}

	sortCandidates(cands)
	s.enrich(ctx, cands, branchOf)
	observability.CandidatesReturned.Observe(float64(len(cands)))
	return cands, nil
}

// ResolvePosition reports the position the locator would use for riderID.
// It returns models.ErrInvalidSelection when the rider does not exist or has
// neither a primary position nor a location-log entry.
func (s *Service) ResolvePosition(ctx context.Context, riderID string) (models.Coord, models.PositionSource, error) {
	r, err := s.Store.GetRider(ctx, riderID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Coord{}, models.SourceNone, fmt.Errorf("%w: rider %s not found", models.ErrInvalidSelection, riderID)
	}
	if err != nil {
		return models.Coord{}, models.SourceNone, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	pos, src := s.resolve(ctx, *r)
	if src == models.SourceNone {
		return pos, src, fmt.Errorf("%w: rider %s has no known position", models.ErrInvalidSelection, riderID)
	}
	return pos, src, nil
}

func (s *Service) resolve(ctx context.Context, r models.Rider) (models.Coord, models.PositionSource) {
	if r.Lat != nil && r.Lng != nil {
		return models.Coord{Lat: *r.Lat, Lng: *r.Lng}, models.SourcePrimary
	}
	l, err := s.Store.LatestLocationLog(ctx, r.ID)
	if err != nil {
		observability.EnrichmentDegraded.WithLabelValues("location_log").Inc()
		s.logger().Warn("fallback location lookup failed", "rider_id", r.ID, "error", fmt.Errorf("%w: %v", models.ErrEnrichmentDegraded, err))
		return models.Coord{}, models.SourceNone
	}
	if l == nil {
		return models.Coord{}, models.SourceNone
	}
	return models.Coord{Lat: l.Lat, Lng: l.Lng}, models.SourceFallback
}

// online only looks at the primary freshness field; a fresh fallback log
// entry does not make a rider online.
func (s *Service) online(at *time.Time, now time.Time) bool {
	if at == nil {
		return false
	}
	stale := s.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	return now.Sub(*at) < stale
}

func sortCandidates(cands []models.RiderCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Online != cands[j].Online {
			return cands[i].Online
		}
		return cands[i].DistanceKm < cands[j].DistanceKm
	})
}

func (s *Service) enrich(ctx context.Context, cands []models.RiderCandidate, branchOf map[string]string) {
	if len(cands) == 0 {
		return
	}
	riderIDs := make([]string, 0, len(cands))
	seen := make(map[string]bool)
	var branchIDs []string
	for _, c := range cands {
		riderIDs = append(riderIDs, c.ID)
		if b := branchOf[c.ID]; b != "" && !seen[b] {
			seen[b] = true
			branchIDs = append(branchIDs, b)
		}
	}

	var (
		wg       sync.WaitGroup
		stock    map[string]int
		branches map[string]models.Branch
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		var err error
		if stock, err = s.Store.StockTotals(ctx, riderIDs); err != nil {
			observability.EnrichmentDegraded.WithLabelValues("stock").Inc()
			s.logger().Warn("stock enrichment failed", "riders", len(riderIDs), "error", fmt.Errorf("%w: %v", models.ErrEnrichmentDegraded, err))
			stock = nil
		}
	}()
	go func() {
		defer wg.Done()
		if len(branchIDs) == 0 {
			return
		}
		var err error
		if branches, err = s.Store.Branches(ctx, branchIDs); err != nil {
			observability.EnrichmentDegraded.WithLabelValues("branch").Inc()
			s.logger().Warn("branch enrichment failed", "branches", len(branchIDs), "error", fmt.Errorf("%w: %v", models.ErrEnrichmentDegraded, err))
			branches = nil
		}
	}()
	wg.Wait()

	for i := range cands {
		if n := stock[cands[i].ID]; n > 0 {
			cands[i].TotalStock = n
		}
		if b, ok := branches[branchOf[cands[i].ID]]; ok {
			cands[i].BranchName = b.Name
			cands[i].BranchAddress = b.Address
		}
	}
}

// DefaultRadius is the radius used when the caller does not pick one.
func (s *Service) DefaultRadius() float64 {
	if s.DefaultRadiusKm > 0 {
		return s.DefaultRadiusKm
	}
	return DefaultRadiusKm
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
