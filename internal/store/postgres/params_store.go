package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// ParamStore implements domain.ParamStore using PostgreSQL.
type ParamStore struct {
	pool *pgxpool.Pool
}

// NewParamStore creates a new ParamStore backed by the given connection pool.
func NewParamStore(pool *pgxpool.Pool) *ParamStore {
	return &ParamStore{pool: pool}
}

// Get returns the stored parameters of engine, or domain.ErrNotFound.
func (s *ParamStore) Get(ctx context.Context, engine common.Address) (domain.EngineParams, error) {
	var (
		p                          domain.EngineParams
		venueA, venueB, controller string
		bps                        int32
	)
	err := s.pool.QueryRow(ctx, `
		SELECT venue_a, venue_b, controller, tolerance_bps, updated_at
		FROM engine_params WHERE engine = $1`, engine.Hex(),
	).Scan(&venueA, &venueB, &controller, &bps, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EngineParams{}, fmt.Errorf("postgres: params of %s: %w", engine.Hex(), domain.ErrNotFound)
		}
		return domain.EngineParams{}, fmt.Errorf("postgres: get params %s: %w", engine.Hex(), err)
	}
	p.Engine = engine
	p.VenueA = common.HexToAddress(venueA)
	p.VenueB = common.HexToAddress(venueB)
	p.Controller = common.HexToAddress(controller)
	p.ToleranceBps = uint32(bps)
	return p, nil
}

// Upsert inserts or replaces the parameters of p.Engine.
func (s *ParamStore) Upsert(ctx context.Context, p domain.EngineParams) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO engine_params (engine, venue_a, venue_b, controller, tolerance_bps, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (engine) DO UPDATE SET
			venue_a = EXCLUDED.venue_a,
			venue_b = EXCLUDED.venue_b,
			controller = EXCLUDED.controller,
			tolerance_bps = EXCLUDED.tolerance_bps,
			updated_at = EXCLUDED.updated_at`,
		p.Engine.Hex(), p.VenueA.Hex(), p.VenueB.Hex(), p.Controller.Hex(), int32(p.ToleranceBps), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert params %s: %w", p.Engine.Hex(), err)
	}
	return nil
}
