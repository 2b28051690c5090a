// Package scanner periodically prices the configured borrow/profit pairs on
// both venues and emits a candidate whenever one leg order projects a
// profit above its threshold.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/executor"
	"github.com/alanyoungcy/flasharb/internal/metrics"
	"github.com/alanyoungcy/flasharb/internal/service"
)

// Pair is one borrow/profit combination to scan. MinProfit is in base units
// of the borrowed asset.
type Pair struct {
	Borrowed  common.Address
	Profit    common.Address
	Amount    *uint256.Int
	MinProfit *uint256.Int
}

// Quoter prices both leg orders of a pair.
type Quoter interface {
	Best(ctx context.Context, borrowed, profit common.Address, amount *uint256.Int) (service.Quote, error)
}

// Trigger runs before every scan. In simulate mode it pushes a noise trade
// through a venue so that prices diverge.
type Trigger func(ctx context.Context) error

// Config holds scanner settings.
type Config struct {
	Interval time.Duration
	// RunDeadline is added to the scan time to form each candidate's deadline.
	RunDeadline time.Duration
	Source      string
	Pairs       []Pair
}

// Scanner emits candidates onto the executor queue.
type Scanner struct {
	cfg     Config
	quotes  Quoter
	out     chan<- domain.Candidate
	trigger Trigger
	metrics *metrics.Collector
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Scanner. trigger and m may be nil.
func New(cfg Config, quotes Quoter, out chan<- domain.Candidate, trigger Trigger, m *metrics.Collector, logger *slog.Logger) *Scanner {
	if cfg.Source == "" {
		cfg.Source = "scanner"
	}
	return &Scanner{
		cfg:     cfg,
		quotes:  quotes,
		out:     out,
		trigger: trigger,
		metrics: m,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "scanner")),
	}
}

// Run scans every Interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("scanner started",
		slog.Int("pairs", len(s.cfg.Pairs)),
		slog.Duration("interval", s.cfg.Interval),
	)
	defer s.logger.Info("scanner stopped")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.trigger != nil {
				if err := s.trigger(ctx); err != nil {
					s.logger.WarnContext(ctx, "scanner: trigger trade failed", slog.String("error", err.Error()))
				}
			}
			s.Scan(ctx)
		}
	}
}

// Scan quotes every pair once and enqueues the profitable ones. It returns
// the candidates it produced, including any the full queue rejected.
func (s *Scanner) Scan(ctx context.Context) []domain.Candidate {
	var found []domain.Candidate
	for _, p := range s.cfg.Pairs {
		q, err := s.quotes.Best(ctx, p.Borrowed, p.Profit, p.Amount)
		if err != nil {
			s.logger.WarnContext(ctx, "scanner: quote failed",
				slog.String("borrowed", p.Borrowed.Hex()),
				slog.String("profit", p.Profit.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !q.Profitable() || (p.MinProfit != nil && q.Profit.Lt(p.MinProfit)) {
			s.logger.DebugContext(ctx, "scanner: no opportunity",
				slog.String("borrowed", p.Borrowed.Hex()),
				slog.String("profit", q.Profit.Dec()),
				slog.String("shortfall", q.Shortfall.Dec()),
			)
			continue
		}

		now := s.now()
		c := domain.Candidate{
			ID:             uuid.NewString(),
			Source:         s.cfg.Source,
			BorrowedAsset:  p.Borrowed,
			BorrowAmount:   p.Amount.Clone(),
			ProfitAsset:    p.Profit,
			LegOrder:       q.Request.LegOrder,
			ExpectedProfit: q.Profit,
			CreatedAt:      now,
			Deadline:       now.Add(s.cfg.RunDeadline),
		}
		found = append(found, c)
		s.logger.InfoContext(ctx, "scanner: opportunity",
			slog.String("candidate_id", c.ID),
			slog.String("leg_order", string(c.LegOrder)),
			slog.String("expected_profit", c.ExpectedProfit.Dec()),
		)
		if !executor.Offer(s.out, c) {
			s.metrics.RecordCandidate(s.cfg.Source, metrics.CandidateDropped)
			s.logger.WarnContext(ctx, "scanner: executor queue full, candidate dropped",
				slog.String("candidate_id", c.ID))
		}
	}
	return found
}
