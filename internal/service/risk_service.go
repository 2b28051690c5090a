package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// ErrOverLimit is returned when a candidate exceeds an admission limit.
var ErrOverLimit = errors.New("over admission limit")

// LiquiditySource reports how much of an asset the lender can lend.
type LiquiditySource interface {
	Liquidity(asset common.Address) *uint256.Int
}

// RiskConfig holds the admission limits for candidates.
type RiskConfig struct {
	// MaxBorrow caps the borrow amount per asset. Assets without an entry
	// are not capped.
	MaxBorrow map[common.Address]*uint256.Int
	Now       func() time.Time
}

// RiskService decides whether a candidate may be handed to the engine.
// Liquidity and quotes are optional.
type RiskService struct {
	cfg       RiskConfig
	liquidity LiquiditySource
	quotes    *QuoteService
	logger    *slog.Logger
}

// NewRiskService creates a RiskService.
func NewRiskService(cfg RiskConfig, liquidity LiquiditySource, quotes *QuoteService, logger *slog.Logger) *RiskService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RiskService{
		cfg:       cfg,
		liquidity: liquidity,
		quotes:    quotes,
		logger:    logger.With(slog.String("component", "risk_service")),
	}
}

// PreRunCheck validates c against the admission limits. It returns the
// first failed check wrapped around ErrDeadlineInPast, ErrOverLimit,
// ErrUnprofitableArbitrage or ErrMalformedRequest, or nil.
//
// Checks performed:
//  1. Request shape and deadline
//  2. Borrow amount within the per-asset cap
//  3. Borrow amount within lender liquidity
//  4. Projected profit at current prices
func (s *RiskService) PreRunCheck(ctx context.Context, c domain.Candidate) error {
	if c.BorrowAmount == nil || c.BorrowAmount.IsZero() {
		return fmt.Errorf("risk_service: candidate %s: %w", c.ID, domain.ErrZeroAmount)
	}
	if !c.LegOrder.Valid() || c.BorrowedAsset == c.ProfitAsset {
		return fmt.Errorf("risk_service: candidate %s: %w", c.ID, domain.ErrMalformedRequest)
	}
	if !c.Deadline.After(s.cfg.Now()) {
		return fmt.Errorf("risk_service: candidate %s: %w", c.ID, domain.ErrDeadlineInPast)
	}

	if limit, ok := s.cfg.MaxBorrow[c.BorrowedAsset]; ok && c.BorrowAmount.Gt(limit) {
		s.logger.WarnContext(ctx, "risk_service: borrow amount exceeds limit",
			slog.String("candidate_id", c.ID),
			slog.String("amount", c.BorrowAmount.Dec()),
			slog.String("max", limit.Dec()),
		)
		return fmt.Errorf("risk_service: borrow %s exceeds max %s: %w", c.BorrowAmount.Dec(), limit.Dec(), ErrOverLimit)
	}

	if s.liquidity != nil {
		if avail := s.liquidity.Liquidity(c.BorrowedAsset); c.BorrowAmount.Gt(avail) {
			return fmt.Errorf("risk_service: borrow %s exceeds lender liquidity %s: %w", c.BorrowAmount.Dec(), avail.Dec(), ErrOverLimit)
		}
	}

	if s.quotes == nil {
		return nil
	}
	q, err := s.quotes.Quote(ctx, c.Request())
	if err != nil {
		// A venue that cannot quote will fail the run too; let the engine
		// record it.
		s.logger.WarnContext(ctx, "risk_service: could not quote candidate",
			slog.String("candidate_id", c.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !q.Profitable() {
		return fmt.Errorf("risk_service: candidate %s short by %s: %w", c.ID, q.Shortfall.Dec(), domain.ErrUnprofitableArbitrage)
	}
	return nil
}
