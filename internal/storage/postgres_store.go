package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/rider-dispatch/internal/models"
)

const uniqueViolation = "23505"

// PostgresStore implements RiderStore and DispatchStore against the schema in
// migrations/001_init.sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const riderColumns = `id, name, phone, photo_url, branch_id, last_lat, last_lng, last_location_at, is_active`

func scanRider(sc interface{ Scan(...any) error }) (models.Rider, error) {
	var (
		r        models.Rider
		photo    sql.NullString
		branch   sql.NullString
		lat, lng sql.NullFloat64
		at       sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.Phone, &photo, &branch, &lat, &lng, &at, &r.Active); err != nil {
		return r, err
	}
	r.PhotoURL = photo.String
	r.BranchID = branch.String
	if lat.Valid && lng.Valid {
		r.Lat, r.Lng = &lat.Float64, &lng.Float64
	}
	if at.Valid {
		r.LocationAt = &at.Time
	}
	return r, nil
}

func (p *PostgresStore) ListActiveRiders(ctx context.Context) ([]models.Rider, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+riderColumns+` FROM profiles WHERE role = 'rider' AND is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("list active riders: %w", err)
	}
	defer rows.Close()
	var out []models.Rider
	for rows.Next() {
		r, err := scanRider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rider: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+riderColumns+` FROM profiles WHERE id = $1 AND role = 'rider'`, id)
	r, err := scanRider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rider: %w", err)
	}
	return &r, nil
}

func (p *PostgresStore) LatestLocationLog(ctx context.Context, riderID string) (*models.LocationLog, error) {
	l := models.LocationLog{RiderID: riderID}
	err := p.db.QueryRowContext(ctx,
		`SELECT lat, lng, recorded_at FROM rider_location_logs WHERE rider_id = $1 ORDER BY recorded_at DESC LIMIT 1`,
		riderID).Scan(&l.Lat, &l.Lng, &l.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest location log: %w", err)
	}
	return &l, nil
}

func (p *PostgresStore) StockTotals(ctx context.Context, riderIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(riderIDs))
	if len(riderIDs) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT rider_id, COALESCE(SUM(quantity), 0) FROM rider_stocks WHERE rider_id = ANY($1) AND quantity > 0 GROUP BY rider_id`,
		pq.Array(riderIDs))
	if err != nil {
		return nil, fmt.Errorf("stock totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var total int
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("scan stock total: %w", err)
		}
		out[id] = total
	}
	return out, rows.Err()
}

func (p *PostgresStore) Branches(ctx context.Context, branchIDs []string) (map[string]models.Branch, error) {
	out := make(map[string]models.Branch, len(branchIDs))
	if len(branchIDs) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, COALESCE(address, '') FROM branches WHERE id = ANY($1)`, pq.Array(branchIDs))
	if err != nil {
		return nil, fmt.Errorf("branches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b models.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.Address); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		out[b.ID] = b
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdatePosition(ctx context.Context, riderID string, lat, lng float64, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE profiles SET last_lat = $1, last_lng = $2, last_location_at = $3 WHERE id = $4 AND role = 'rider'`,
		lat, lng, at, riderID)
	if err != nil {
		return fmt.Errorf("%w: update position: %v", models.ErrStoreUnavailable, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) AppendLocationLog(ctx context.Context, l models.LocationLog) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rider_location_logs(rider_id, lat, lng, recorded_at) VALUES($1, $2, $3, $4)`,
		l.RiderID, l.Lat, l.Lng, l.RecordedAt)
	if err != nil {
		return fmt.Errorf("%w: append location log: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

// CreatePending expires the rider's pending rows whose deadline has passed
// and inserts the new record in one transaction. The partial unique index
// on dispatches(rider_id) WHERE status = 'pending' turns a concurrent live
// negotiation into models.ErrRiderBusy.
func (p *PostgresStore) CreatePending(ctx context.Context, n *models.Negotiation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE dispatches SET status = 'timed_out', resolved_at = now() WHERE rider_id = $1 AND status = 'pending' AND deadline < now()`,
		n.RiderID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO dispatches(id, requester_id, rider_id, status, opened_at, deadline) VALUES($1, $2, $3, $4, $5, $6)`,
		n.ID, n.RequesterID, n.RiderID, string(models.StatePending), n.OpenedAt, n.Deadline)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return models.ErrRiderBusy
		}
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Negotiation, error) {
	var (
		n        models.Negotiation
		state    string
		reason   sql.NullString
		resolved sql.NullTime
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, requester_id, rider_id, status, reason, opened_at, deadline, resolved_at FROM dispatches WHERE id = $1`,
		id).Scan(&n.ID, &n.RequesterID, &n.RiderID, &state, &reason, &n.OpenedAt, &n.Deadline, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get dispatch: %v", models.ErrStoreUnavailable, err)
	}
	n.State = models.NegotiationState(state)
	n.Reason = reason.String
	if resolved.Valid {
		n.ResolvedAt = &resolved.Time
	}
	return &n, nil
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, state models.NegotiationState, reason string, at time.Time) error {
	if !state.Terminal() {
		return models.ErrInvalidTransition
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE dispatches SET status = $1, reason = NULLIF($2, ''), resolved_at = $3 WHERE id = $4 AND status = 'pending'`,
		string(state), reason, at, id)
	if err != nil {
		return fmt.Errorf("%w: resolve dispatch: %v", models.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return models.ErrConflict
	}
	return nil
}
