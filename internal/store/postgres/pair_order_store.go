package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// PairOrderStore implements domain.PairOrderStore. A pair order is one row in
// pair_orders plus one row per leg in pair_order_legs, written in a single
// transaction.
type PairOrderStore struct {
	pool *pgxpool.Pool
}

// NewPairOrderStore creates a PairOrderStore backed by the given pool.
func NewPairOrderStore(pool *pgxpool.Pool) *PairOrderStore {
	return &PairOrderStore{pool: pool}
}

// Save upserts the pair order and replaces its legs.
func (s *PairOrderStore) Save(ctx context.Context, snap domain.PairOrderSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save pair %s: %w", snap.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO pair_orders (
			id, leg1, leg1_multiplier, leg2, leg2_multiplier,
			target_spread, direction, quantity, tolerance_ms,
			state, finish_reason, net_exposure, pnl, unwind_iterations,
			created_at, init_time, expire_time, finished_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18
		)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			finish_reason = EXCLUDED.finish_reason,
			net_exposure = EXCLUDED.net_exposure,
			pnl = EXCLUDED.pnl,
			unwind_iterations = EXCLUDED.unwind_iterations,
			init_time = EXCLUDED.init_time,
			expire_time = EXCLUDED.expire_time,
			finished_at = EXCLUDED.finished_at`

	r := snap.Request
	if _, err := tx.Exec(ctx, upsert,
		snap.ID, r.Leg1.ID, r.Leg1.Multiplier, r.Leg2.ID, r.Leg2.Multiplier,
		r.TargetSpread.String(), string(r.Direction), r.Quantity, r.Tolerance.Milliseconds(),
		string(snap.State), string(snap.FinishReason), snap.NetExposure, snap.PnL.String(), snap.UnwindIterations,
		snap.CreatedAt, snap.InitTime, snap.ExpireTime, snap.FinishedAt,
	); err != nil {
		return fmt.Errorf("postgres: save pair %s: %w", snap.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM pair_order_legs WHERE pair_id = $1`, snap.ID); err != nil {
		return fmt.Errorf("postgres: clear legs %s: %w", snap.ID, err)
	}

	const insertLeg = `
		INSERT INTO pair_order_legs (
			pair_id, seq, order_key, instrument, multiplier, side,
			limit_price, quantity, filled_quantity, status, origin, reason, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	batch := &pgx.Batch{}
	for i, l := range snap.Legs {
		batch.Queue(insertLeg,
			snap.ID, i, l.Key, l.Instrument.ID, l.Instrument.Multiplier, string(l.Side),
			l.LimitPrice.String(), l.Quantity, l.FilledQuantity, string(l.Status), string(l.Origin), l.Reason, l.SubmittedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert legs %s: %w", snap.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit pair %s: %w", snap.ID, err)
	}
	return nil
}

const pairSelectCols = `id, leg1, leg1_multiplier, leg2, leg2_multiplier,
	target_spread::text, direction, quantity, tolerance_ms,
	state, finish_reason, net_exposure, pnl::text, unwind_iterations,
	created_at, init_time, expire_time, finished_at`

func scanPair(row pgx.Row) (domain.PairOrderSnapshot, error) {
	var (
		snap               domain.PairOrderSnapshot
		target, dir, state string
		reason, pnl        string
		toleranceMS        int64
	)
	err := row.Scan(
		&snap.ID, &snap.Request.Leg1.ID, &snap.Request.Leg1.Multiplier,
		&snap.Request.Leg2.ID, &snap.Request.Leg2.Multiplier,
		&target, &dir, &snap.Request.Quantity, &toleranceMS,
		&state, &reason, &snap.NetExposure, &pnl, &snap.UnwindIterations,
		&snap.CreatedAt, &snap.InitTime, &snap.ExpireTime, &snap.FinishedAt,
	)
	if err != nil {
		return domain.PairOrderSnapshot{}, err
	}
	if snap.Request.TargetSpread, err = decimal.NewFromString(target); err != nil {
		return domain.PairOrderSnapshot{}, fmt.Errorf("target_spread: %w", err)
	}
	if snap.PnL, err = decimal.NewFromString(pnl); err != nil {
		return domain.PairOrderSnapshot{}, fmt.Errorf("pnl: %w", err)
	}
	snap.Request.Direction = domain.OrderSide(dir)
	snap.Request.Tolerance = time.Duration(toleranceMS) * time.Millisecond
	snap.State = domain.PairState(state)
	snap.FinishReason = domain.FinishReason(reason)
	return snap, nil
}

// GetByID returns the stored pair order, or domain.ErrNotFound.
func (s *PairOrderStore) GetByID(ctx context.Context, id string) (domain.PairOrderSnapshot, error) {
	snap, err := scanPair(s.pool.QueryRow(ctx,
		`SELECT `+pairSelectCols+` FROM pair_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PairOrderSnapshot{}, domain.ErrNotFound
		}
		return domain.PairOrderSnapshot{}, fmt.Errorf("postgres: get pair %s: %w", id, err)
	}

	legs, err := s.loadLegs(ctx, []string{id})
	if err != nil {
		return domain.PairOrderSnapshot{}, err
	}
	snap.Legs = legs[id]
	return snap, nil
}

// ListRecent returns pair orders newest first.
func (s *PairOrderStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.PairOrderSnapshot, error) {
	query, args := listRecentQuery(opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pairs: %w", err)
	}
	defer rows.Close()

	var (
		out []domain.PairOrderSnapshot
		ids []string
	)
	for rows.Next() {
		snap, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pair: %w", err)
		}
		out = append(out, snap)
		ids = append(ids, snap.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pairs: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	legs, err := s.loadLegs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Legs = legs[out[i].ID]
	}
	return out, nil
}

func listRecentQuery(opts domain.ListOpts) (string, []any) {
	query := `SELECT ` + pairSelectCols + ` FROM pair_orders WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

func (s *PairOrderStore) loadLegs(ctx context.Context, ids []string) (map[string][]domain.Leg, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pair_id, order_key, instrument, multiplier, side, limit_price::text,
		       quantity, filled_quantity, status, origin, reason, submitted_at
		FROM pair_order_legs WHERE pair_id = ANY($1)
		ORDER BY pair_id, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: load legs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Leg, len(ids))
	for rows.Next() {
		var (
			pairID, side, price, status, origin string
			l                                   domain.Leg
		)
		if err := rows.Scan(&pairID, &l.Key, &l.Instrument.ID, &l.Instrument.Multiplier, &side, &price,
			&l.Quantity, &l.FilledQuantity, &status, &origin, &l.Reason, &l.SubmittedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan leg: %w", err)
		}
		if l.LimitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("postgres: leg %s price: %w", l.Key, err)
		}
		l.Side = domain.OrderSide(side)
		l.Status = domain.LegStatus(status)
		l.Origin = domain.LegOrigin(origin)
		out[pairID] = append(out[pairID], l)
	}
	return out, rows.Err()
}

var _ domain.PairOrderStore = (*PairOrderStore)(nil)
