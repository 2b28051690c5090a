package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// RunStore implements domain.RunStore using PostgreSQL.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a new RunStore backed by the given connection pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runColumns = `id, source, borrowed_asset, borrow_amount::text, profit_asset, leg_order, deadline,
	status, error_kind, error, owed::text, profit::text, started_at, finished_at`

// Create inserts a run and its legs in one transaction.
func (s *RunStore) Create(ctx context.Context, run domain.Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	req := run.Request
	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, source, borrowed_asset, borrow_amount, profit_asset, leg_order, deadline,
			status, error_kind, error, owed, profit, started_at, finished_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11::numeric, $12::numeric, $13, $14)`,
		run.ID, run.Source, req.BorrowedAsset.Hex(), numeric(req.BorrowAmount), req.ProfitAsset.Hex(),
		string(req.LegOrder), req.Deadline, string(run.Status), run.ErrorKind, run.Error,
		numeric(run.Owed), numeric(run.Profit), run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert run %s: %w", run.ID, err)
	}

	for i, leg := range run.Legs {
		_, err = tx.Exec(ctx, `
			INSERT INTO run_legs (run_id, seq, venue, venue_name, asset_in, asset_out, amount_in, amount_out, min_out)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric)`,
			run.ID, i+1, leg.Venue.Hex(), leg.VenueName, leg.AssetIn.Hex(), leg.AssetOut.Hex(),
			numeric(leg.AmountIn), numeric(leg.AmountOut), numeric(leg.MinOut),
		)
		if err != nil {
			return fmt.Errorf("postgres: insert run leg %d of %s: %w", i+1, run.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit run %s: %w", run.ID, err)
	}
	return nil
}

// GetByID returns a run with its legs, or domain.ErrNotFound.
func (s *RunStore) GetByID(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Run{}, fmt.Errorf("postgres: run %s: %w", id, domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("postgres: get run %s: %w", id, err)
	}

	legs, err := s.legs(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	run.Legs = legs
	return run, nil
}

// ListRecent returns the newest runs first, without legs.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list runs rows: %w", err)
	}
	return runs, nil
}

// SumProfit totals the realized profit of succeeded runs borrowing asset
// that finished at or after since.
func (s *RunStore) SumProfit(ctx context.Context, asset common.Address, since time.Time) (*uint256.Int, error) {
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(profit), 0)::text FROM runs
		WHERE borrowed_asset = $1 AND status = $2 AND finished_at >= $3`,
		asset.Hex(), string(domain.RunSucceeded), since,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("postgres: sum profit %s: %w", asset.Hex(), err)
	}
	return parseNumeric("profit sum", &total)
}

func (s *RunStore) legs(ctx context.Context, id string) ([]domain.SwapOutcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT venue, venue_name, asset_in, asset_out, amount_in::text, amount_out::text, min_out::text
		FROM run_legs WHERE run_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get run legs %s: %w", id, err)
	}
	defer rows.Close()

	var legs []domain.SwapOutcome
	for rows.Next() {
		var (
			leg                   domain.SwapOutcome
			venue, in, out        string
			amtIn, amtOut, minOut *string
		)
		if err := rows.Scan(&venue, &leg.VenueName, &in, &out, &amtIn, &amtOut, &minOut); err != nil {
			return nil, fmt.Errorf("postgres: scan run leg: %w", err)
		}
		leg.Venue = common.HexToAddress(venue)
		leg.AssetIn = common.HexToAddress(in)
		leg.AssetOut = common.HexToAddress(out)
		if leg.AmountIn, err = parseNumeric("amount_in", amtIn); err != nil {
			return nil, err
		}
		if leg.AmountOut, err = parseNumeric("amount_out", amtOut); err != nil {
			return nil, err
		}
		if leg.MinOut, err = parseNumeric("min_out", minOut); err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: run legs rows: %w", err)
	}
	return legs, nil
}

func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		run                   domain.Run
		borrowed, profitAsset string
		legOrder, status      string
		amount, owed, profit  *string
	)
	err := row.Scan(&run.ID, &run.Source, &borrowed, &amount, &profitAsset, &legOrder,
		&run.Request.Deadline, &status, &run.ErrorKind, &run.Error, &owed, &profit,
		&run.StartedAt, &run.FinishedAt)
	if err != nil {
		return domain.Run{}, err
	}
	run.Request.BorrowedAsset = common.HexToAddress(borrowed)
	run.Request.ProfitAsset = common.HexToAddress(profitAsset)
	run.Request.LegOrder = domain.LegOrder(legOrder)
	run.Status = domain.RunStatus(status)
	if run.Request.BorrowAmount, err = parseNumeric("borrow_amount", amount); err != nil {
		return domain.Run{}, err
	}
	if run.Owed, err = parseNumeric("owed", owed); err != nil {
		return domain.Run{}, err
	}
	if run.Profit, err = parseNumeric("profit", profit); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}
