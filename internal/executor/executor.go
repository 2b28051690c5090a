// Package executor turns candidates from scanners and feeds into arbitrage
// runs, one at a time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
	"github.com/alanyoungcy/flasharb/internal/service"
)

// Runner executes one arbitrage run. service.RunService implements it.
type Runner interface {
	Start(ctx context.Context, source string, caller common.Address, req domain.ArbitrageRequest) (domain.Run, domain.Receipt, error)
}

// RiskChecker validates a candidate before it reaches the engine.
type RiskChecker interface {
	PreRunCheck(ctx context.Context, c domain.Candidate) error
}

// Executor reads candidates from a channel, applies deduplication, expiry
// and admission checks, then starts a run for each admitted candidate. A
// failed run is never retried: the market has moved by the time it could be.
type Executor struct {
	candidateCh <-chan domain.Candidate
	runner      Runner
	risk        RiskChecker
	dedup       *Dedup
	caller      common.Address
	metrics     *metrics.Collector
	now         func() time.Time
	logger      *slog.Logger

	cleanupInterval time.Duration
}

// NewExecutor creates an Executor that runs candidates from candidateCh
// through risk and starts them on runner as caller. risk may be nil.
func NewExecutor(
	candidateCh <-chan domain.Candidate,
	runner Runner,
	risk RiskChecker,
	caller common.Address,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		candidateCh:     candidateCh,
		runner:          runner,
		risk:            risk,
		dedup:           NewDedup(2 * time.Minute),
		caller:          caller,
		now:             time.Now,
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
	}
}

// SetMetrics enables candidate outcome counters.
func (e *Executor) SetMetrics(m *metrics.Collector) {
	e.metrics = m
}

// SetDedupTTL replaces the dedup window. Must be called before Run.
func (e *Executor) SetDedupTTL(ttl time.Duration) {
	e.dedup = NewDedup(ttl)
	e.dedup.now = e.now
}

// SetCleanupInterval changes how often the dedup map is garbage-collected.
// Must be called before Run.
func (e *Executor) SetCleanupInterval(d time.Duration) {
	e.cleanupInterval = d
}

// Run processes candidates until ctx is cancelled or the channel closes.
// Candidates still buffered at cancellation are drained, and expire
// naturally if their deadline has passed.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case c, ok := <-e.candidateCh:
			if !ok {
				return nil
			}
			e.process(ctx, c)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// process takes one candidate through intake and, if admitted, a run. It
// returns the intake outcome.
func (e *Executor) process(ctx context.Context, c domain.Candidate) string {
	log := e.logger.With(
		slog.String("candidate_id", c.ID),
		slog.String("source", c.Source),
	)

	outcome := e.admit(ctx, c, log)
	if outcome != metrics.CandidateAccepted {
		e.metrics.RecordCandidate(c.Source, outcome)
		return outcome
	}

	run, _, err := e.runner.Start(ctx, c.Source, e.caller, c.Request())
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		log.Warn("engine busy in another process, candidate dropped")
		outcome = metrics.CandidateDropped
	case err != nil:
		log.Info("run failed",
			slog.String("run_id", run.ID),
			slog.String("kind", domain.ErrorKind(err)),
		)
	default:
		log.Info("run succeeded",
			slog.String("run_id", run.ID),
			slog.String("profit", run.Profit.Dec()),
		)
	}
	e.metrics.RecordCandidate(c.Source, outcome)
	return outcome
}

func (e *Executor) admit(ctx context.Context, c domain.Candidate, log *slog.Logger) string {
	if c.ID != "" && e.dedup.IsDuplicate(c.ID) {
		log.Debug("candidate deduplicated, skipping")
		return metrics.CandidateDuplicate
	}
	if !c.Deadline.After(e.now()) {
		log.Warn("candidate expired, skipping", slog.Time("deadline", c.Deadline))
		return metrics.CandidateExpired
	}
	if e.risk == nil {
		return metrics.CandidateAccepted
	}

	err := e.risk.PreRunCheck(ctx, c)
	if err == nil {
		return metrics.CandidateAccepted
	}
	log.Warn("risk check failed, skipping", slog.String("error", err.Error()))
	switch {
	case errors.Is(err, domain.ErrDeadlineInPast):
		return metrics.CandidateExpired
	case errors.Is(err, service.ErrOverLimit):
		return metrics.CandidateOverLimit
	case errors.Is(err, domain.ErrUnprofitableArbitrage):
		return metrics.CandidateUnprofitable
	default:
		return metrics.CandidateInvalid
	}
}

// drain processes candidates already buffered when the context is
// cancelled, each with a short-lived context.
func (e *Executor) drain() {
	for {
		select {
		case c, ok := <-e.candidateCh:
			if !ok {
				return
			}
			e.logger.Warn("draining candidate after shutdown", slog.String("candidate_id", c.ID))
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(drainCtx, c)
			cancel()
		default:
			return
		}
	}
}

// Caller returns the address runs are started as.
func (e *Executor) Caller() common.Address {
	return e.caller
}

var _ fmt.Stringer = (*Executor)(nil)

func (e *Executor) String() string {
	return fmt.Sprintf("Executor(caller=%s)", e.caller.Hex())
}

// Offer enqueues c without blocking. It reports false when the queue is
// full; the caller should count the candidate as dropped.
func Offer(ch chan<- domain.Candidate, c domain.Candidate) bool {
	select {
	case ch <- c:
		return true
	default:
		return false
	}
}
