package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/rider-dispatch/internal/models"
)

// MemoryStore implements RiderStore and DispatchStore in process. Riders are
// returned in insertion order so locate results are reproducible.
type MemoryStore struct {
	mu         sync.RWMutex
	riders     map[string]*models.Rider
	order      []string
	logs       map[string][]models.LocationLog
	stock      map[string][]int
	branches   map[string]models.Branch
	dispatches map[string]*models.Negotiation
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		riders:     make(map[string]*models.Rider),
		logs:       make(map[string][]models.LocationLog),
		stock:      make(map[string][]int),
		branches:   make(map[string]models.Branch),
		dispatches: make(map[string]*models.Negotiation),
		now:        time.Now,
	}
}

// PutRider inserts or replaces a rider identity record.
func (m *MemoryStore) PutRider(r models.Rider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.riders[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	cp := r
	m.riders[r.ID] = &cp
}

// AddStock appends a stock-ledger quantity for a rider. Negative quantities
// are kept but excluded from totals.
func (m *MemoryStore) AddStock(riderID string, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[riderID] = append(m.stock[riderID], qty)
}

func (m *MemoryStore) PutBranch(b models.Branch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[b.ID] = b
}

func (m *MemoryStore) ListActiveRiders(ctx context.Context) ([]models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Rider, 0, len(m.order))
	for _, id := range m.order {
		if r := m.riders[id]; r.Active {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) LatestLocationLog(ctx context.Context, riderID string) (*models.LocationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.logs[riderID]
	if len(logs) == 0 {
		return nil, nil
	}
	l := logs[len(logs)-1]
	return &l, nil
}

func (m *MemoryStore) StockTotals(ctx context.Context, riderIDs []string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(riderIDs))
	for _, id := range riderIDs {
		total := 0
		for _, q := range m.stock[id] {
			if q > 0 {
				total += q
			}
		}
		out[id] = total
	}
	return out, nil
}

func (m *MemoryStore) Branches(ctx context.Context, branchIDs []string) (map[string]models.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.Branch, len(branchIDs))
	for _, id := range branchIDs {
		if b, ok := m.branches[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdatePosition(ctx context.Context, riderID string, lat, lng float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[riderID]
	if !ok {
		return models.ErrNotFound
	}
	r.Lat, r.Lng, r.LocationAt = &lat, &lng, &at
	return nil
}

// AppendLocationLog keeps each rider's log sorted by RecordedAt so the
// latest entry is always last.
func (m *MemoryStore) AppendLocationLog(ctx context.Context, l models.LocationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := append(m.logs[l.RiderID], l)
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].RecordedAt.Before(logs[j].RecordedAt) })
	m.logs[l.RiderID] = logs
	return nil
}

func (m *MemoryStore) CreatePending(ctx context.Context, n *models.Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, d := range m.dispatches {
		if d.RiderID != n.RiderID || d.State != models.StatePending {
			continue
		}
		if d.Deadline.Before(now) {
			d.State = models.StateTimedOut
			d.ResolvedAt = &now
			continue
		}
		return models.ErrRiderBusy
	}
	cp := *n
	m.dispatches[n.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dispatches[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, state models.NegotiationState, reason string, at time.Time) error {
	if !state.Terminal() {
		return models.ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatches[id]
	if !ok {
		return models.ErrNotFound
	}
	if d.State != models.StatePending {
		return models.ErrConflict
	}
	d.State = state
	d.Reason = reason
	d.ResolvedAt = &at
	return nil
}
