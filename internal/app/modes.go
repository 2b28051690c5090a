package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flasharb/internal/config"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/executor"
	"github.com/alanyoungcy/flasharb/internal/feed"
	"github.com/alanyoungcy/flasharb/internal/scanner"
	"github.com/alanyoungcy/flasharb/internal/server"
	"github.com/alanyoungcy/flasharb/internal/server/handler"
	"github.com/alanyoungcy/flasharb/internal/server/ws"
)

// SimulateMode runs the scanner against the in-process venues, with noise
// trades pushed through venue A before every scan, plus everything
// ServeMode runs.
func (a *App) SimulateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering simulate mode")

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Scanner.Enabled {
		pairs, err := scannerPairs(a.cfg)
		if err != nil {
			return fmt.Errorf("app: scanner: %w", err)
		}
		trigger, err := a.noiseTrigger(deps, pairs)
		if err != nil {
			return fmt.Errorf("app: scanner trigger: %w", err)
		}
		candidates := a.startIntake(ctx, g, deps)
		sc := scanner.New(scanner.Config{
			Interval:    a.cfg.Scanner.Interval.Duration,
			RunDeadline: a.cfg.Engine.RunDeadline.Duration,
			Source:      a.cfg.Scanner.Source,
			Pairs:       pairs,
		}, deps.Quotes, candidates, trigger, deps.Metrics, a.logger)
		g.Go(func() error {
			return supervise(ctx, "scanner", sc.Run)
		})
	} else {
		a.logger.InfoContext(ctx, "scanner disabled")
		a.startIntake(ctx, g, deps)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// ServeMode runs the executor on candidates from the signal bus, the
// optional websocket feed and the HTTP API. It never scans.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startIntake(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// startIntake starts the executor and the external candidate feeds, and
// returns the executor queue for local producers.
func (a *App) startIntake(ctx context.Context, g *errgroup.Group, deps *Dependencies) chan<- domain.Candidate {
	queue := make(chan domain.Candidate, a.cfg.Executor.QueueSize)

	exec := executor.NewExecutor(queue, deps.Runs, deps.Risk, deps.Identity.Address(), a.logger)
	exec.SetMetrics(deps.Metrics)
	exec.SetDedupTTL(a.cfg.Executor.DedupTTL.Duration)
	g.Go(func() error {
		return supervise(ctx, "executor", exec.Run)
	})

	busFeed := feed.NewCandidateFeed(deps.SignalBus, queue, deps.Metrics, a.logger)
	g.Go(func() error {
		return supervise(ctx, "candidate feed", busFeed.Run)
	})

	if url := a.cfg.Executor.FeedURL; url != "" {
		wsFeed := feed.NewWSFeed(url, queue, deps.Metrics, a.logger)
		g.Go(func() error {
			return supervise(ctx, "ws feed", wsFeed.Run)
		})
	}

	return queue
}

// startHTTPServer adds the websocket hub and the HTTP server to the given
// errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	startedAt := time.Now().UTC()
	operator := deps.Identity.Address()

	health := handler.NewHealthHandler(a.logger)
	for name, check := range deps.HealthChecks {
		health = health.WithCheck(name, check)
	}

	arb := handler.NewArbHandler(deps.Runs, operator, a.logger).WithQuoter(deps.Quotes)
	if deps.Archiver != nil {
		arb = arb.WithReceipts(deps.Archiver)
	}

	handlers := server.Handlers{
		Health: health,
		Engine: handler.NewEngineHandler(deps.Runs, deps.World.Ledger, operator, a.cfg.Mode, a.logger),
		Arb:    arb,
		Venues: handler.NewVenueHandler(deps.World.Tokens, a.logger, deps.World.VenueA, deps.World.VenueB),
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      startedAt,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		Status: func() any {
			p := deps.World.Engine.Params()
			succeeded, failed := deps.Runs.Counts()
			return map[string]any{
				"engine":         p.Engine.Hex(),
				"controller":     p.Controller.Hex(),
				"tolerance_bps":  p.ToleranceBps,
				"runs_succeeded": succeeded,
				"runs_failed":    failed,
			}
		},
	})
	g.Go(func() error {
		return supervise(ctx, "ws hub", hub.Run)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateBurst:   a.cfg.Server.RateBurst,
	}, handlers, hub, deps.Metrics, a.logger)

	g.Go(func() error {
		port := a.cfg.Server.Port
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", port)))
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

// supervise runs fn and treats an exit caused by cancellation of ctx as a
// clean stop.
func supervise(ctx context.Context, name string, fn func(context.Context) error) error {
	err := fn(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		return fmt.Errorf("%s stopped unexpectedly", name)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// scannerPairs resolves the configured scanner pairs into token addresses
// and base-unit amounts.
func scannerPairs(cfg *config.Config) ([]scanner.Pair, error) {
	pairs := make([]scanner.Pair, 0, len(cfg.Scanner.Pairs))
	for i, p := range cfg.Scanner.Pairs {
		borrowed, ok := cfg.Token(p.Borrow)
		if !ok {
			return nil, fmt.Errorf("scanner.pairs[%d]: unknown token %q", i, p.Borrow)
		}
		profit, ok := cfg.Token(p.Profit)
		if !ok {
			return nil, fmt.Errorf("scanner.pairs[%d]: unknown token %q", i, p.Profit)
		}
		amount, err := cfg.Amount(p.Borrow, p.Amount)
		if err != nil {
			return nil, fmt.Errorf("scanner.pairs[%d]: %w", i, err)
		}
		minProfit := new(uint256.Int)
		if strings.TrimSpace(p.MinProfit) != "" {
			if minProfit, err = cfg.Amount(p.Borrow, p.MinProfit); err != nil {
				return nil, fmt.Errorf("scanner.pairs[%d]: %w", i, err)
			}
		}
		pairs = append(pairs, scanner.Pair{
			Borrowed:  common.HexToAddress(borrowed.Address),
			Profit:    common.HexToAddress(profit.Address),
			Amount:    amount,
			MinProfit: minProfit,
		})
	}
	return pairs, nil
}

// noiseTrigger returns a scanner trigger that trades a random amount of the
// first pair's borrowed asset through venue A. It returns nil when
// scanner.trigger.max is unset.
func (a *App) noiseTrigger(deps *Dependencies, pairs []scanner.Pair) (scanner.Trigger, error) {
	tr := a.cfg.Scanner.Trigger
	if strings.TrimSpace(tr.Max) == "" || len(pairs) == 0 {
		return nil, nil
	}
	borrow := a.cfg.Scanner.Pairs[0].Borrow
	hi, err := a.cfg.Amount(borrow, tr.Max)
	if err != nil {
		return nil, err
	}
	lo := new(uint256.Int)
	if strings.TrimSpace(tr.Min) != "" {
		if lo, err = a.cfg.Amount(borrow, tr.Min); err != nil {
			return nil, err
		}
	}
	if lo.Gt(hi) {
		return nil, fmt.Errorf("trigger min %s exceeds max %s", tr.Min, tr.Max)
	}

	base, quote := pairs[0].Borrowed, pairs[0].Profit
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	log := a.logger.With(slog.String("component", "noise_trader"))
	return func(ctx context.Context) error {
		trade, err := deps.World.RandomSwap(ctx, rng, deps.World.VenueA, base, quote, lo, hi)
		if err != nil {
			return err
		}
		log.DebugContext(ctx, "noise trade",
			slog.String("venue", trade.Venue),
			slog.String("token_in", trade.TokenIn.Hex()),
			slog.String("amount_in", trade.AmountIn.Dec()),
			slog.String("amount_out", trade.AmountOut.Dec()),
		)
		return nil
	}, nil
}
