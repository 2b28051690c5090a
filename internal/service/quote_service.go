package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/loan"
	"github.com/alanyoungcy/flasharb/internal/protocol"
)

// Quote is the projected outcome of a request at current venue prices. It
// ignores the slippage tolerance; the engine enforces that per leg.
type Quote struct {
	Request   domain.ArbitrageRequest
	Leg1Out   *uint256.Int // profit asset bought on the first venue
	Leg2Out   *uint256.Int // borrowed asset bought back on the second venue
	Owed      *uint256.Int
	Profit    *uint256.Int // zero when Leg2Out does not cover Owed
	Shortfall *uint256.Int // zero when profitable
}

// Profitable reports whether the projected proceeds cover the loan.
func (q Quote) Profitable() bool {
	return q.Profit != nil && !q.Profit.IsZero()
}

// QuoteService prices arbitrage requests against the engine's two venues.
type QuoteService struct {
	venueA     protocol.Router
	venueB     protocol.Router
	premiumBps uint32
}

// NewQuoteService creates a QuoteService. premiumBps is the lender's
// flash-loan premium.
func NewQuoteService(venueA, venueB protocol.Router, premiumBps uint32) *QuoteService {
	return &QuoteService{venueA: venueA, venueB: venueB, premiumBps: premiumBps}
}

// Quote projects req through both legs in its leg order.
func (s *QuoteService) Quote(ctx context.Context, req domain.ArbitrageRequest) (Quote, error) {
	if req.BorrowAmount == nil || req.BorrowAmount.IsZero() {
		return Quote{}, fmt.Errorf("quote_service: %w", domain.ErrZeroAmount)
	}
	first, second := s.venueA, s.venueB
	if req.LegOrder == domain.VenueBFirst {
		first, second = s.venueB, s.venueA
	}

	leg1, err := quoteOut(ctx, first, req.BorrowAmount, req.BorrowedAsset, req.ProfitAsset)
	if err != nil {
		return Quote{}, fmt.Errorf("quote_service: leg 1: %w", err)
	}
	leg2, err := quoteOut(ctx, second, leg1, req.ProfitAsset, req.BorrowedAsset)
	if err != nil {
		return Quote{}, fmt.Errorf("quote_service: leg 2: %w", err)
	}

	premium, err := loan.Premium(req.BorrowAmount, s.premiumBps)
	if err != nil {
		return Quote{}, fmt.Errorf("quote_service: %w", err)
	}
	owed, err := loan.Owed(req.BorrowAmount, premium)
	if err != nil {
		return Quote{}, fmt.Errorf("quote_service: %w", err)
	}

	q := Quote{
		Request:   req,
		Leg1Out:   leg1,
		Leg2Out:   leg2,
		Owed:      owed,
		Profit:    new(uint256.Int),
		Shortfall: new(uint256.Int),
	}
	if leg2.Lt(owed) {
		q.Shortfall.Sub(owed, leg2)
	} else {
		q.Profit.Sub(leg2, owed)
	}
	return q, nil
}

// Best quotes both leg orders and returns the more profitable one.
func (s *QuoteService) Best(ctx context.Context, borrowed, profit common.Address, amount *uint256.Int) (Quote, error) {
	var best Quote
	for _, order := range []domain.LegOrder{domain.VenueAFirst, domain.VenueBFirst} {
		q, err := s.Quote(ctx, domain.ArbitrageRequest{
			BorrowedAsset: borrowed,
			BorrowAmount:  amount,
			ProfitAsset:   profit,
			LegOrder:      order,
		})
		if err != nil {
			return Quote{}, err
		}
		if best.Profit == nil || q.Profit.Gt(best.Profit) ||
			(q.Profit.Eq(best.Profit) && q.Shortfall.Lt(best.Shortfall)) {
			best = q
		}
	}
	return best, nil
}

// settledQuoter is implemented by venues that can quote against committed
// reserves while a run is in progress.
type settledQuoter interface {
	SettledAmountsOut(ctx context.Context, amountIn *uint256.Int, path []common.Address) ([]*uint256.Int, error)
}

func quoteOut(ctx context.Context, venue protocol.Router, amountIn *uint256.Int, from, to common.Address) (*uint256.Int, error) {
	path := []common.Address{from, to}
	var (
		amounts []*uint256.Int
		err     error
	)
	if sq, ok := venue.(settledQuoter); ok {
		amounts, err = sq.SettledAmountsOut(ctx, amountIn, path)
	} else {
		amounts, err = venue.GetAmountsOut(ctx, amountIn, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", venue.Name(), err)
	}
	if len(amounts) != 2 || amounts[1] == nil {
		return nil, fmt.Errorf("%s: %d amounts for a 2-hop path: %w", venue.Name(), len(amounts), domain.ErrVenueCallFailed)
	}
	return amounts[1], nil
}
