package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akilibots/akili-martingale/internal/domain"
)

// Journal implements domain.Journal: an append-only record of every fill and
// every closed position.
type Journal struct {
	pool *pgxpool.Pool
}

// NewJournal creates a Journal backed by the given connection pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// RecordFill appends one entry fill. Replays of the same exchange order are
// skipped via ON CONFLICT so crash-recovery double delivery stays idempotent.
func (j *Journal) RecordFill(ctx context.Context, fill domain.Fill) error {
	const query = `
		INSERT INTO fills (
			market, order_id, side, price, size, step_index, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market, order_id) DO NOTHING`

	_, err := j.pool.Exec(ctx, query,
		fill.Market, fill.OrderID, string(fill.Side),
		fill.Price, fill.Size, fill.StepIndex, fill.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill: %w", err)
	}
	return nil
}

// RecordClose appends one closed position.
func (j *Journal) RecordClose(ctx context.Context, pos domain.ClosedPosition) error {
	const query = `
		INSERT INTO closed_positions (
			market, direction, start_price, average_price, exit_price,
			total_size, steps, net_profit, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := j.pool.Exec(ctx, query,
		pos.Market, string(pos.Direction), pos.StartPrice, pos.AveragePrice,
		pos.ExitPrice, pos.TotalSize, pos.Steps, pos.NetProfit, pos.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert closed position: %w", err)
	}
	return nil
}

// RecentCloses returns the most recent closed positions, newest first. Used by
// the operator tooling, not the trading path.
func (j *Journal) RecentCloses(ctx context.Context, limit int) ([]domain.ClosedPosition, error) {
	const query = `
		SELECT market, direction, start_price, average_price, exit_price,
			total_size, steps, net_profit, closed_at
		FROM closed_positions
		ORDER BY closed_at DESC
		LIMIT $1`

	rows, err := j.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query closed positions: %w", err)
	}
	defer rows.Close()

	var out []domain.ClosedPosition
	for rows.Next() {
		var p domain.ClosedPosition
		var direction string
		if err := rows.Scan(
			&p.Market, &direction, &p.StartPrice, &p.AveragePrice, &p.ExitPrice,
			&p.TotalSize, &p.Steps, &p.NetProfit, &p.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan closed position: %w", err)
		}
		p.Direction = domain.Direction(direction)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate closed positions: %w", err)
	}
	return out, nil
}
