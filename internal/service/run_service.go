// Package service runs the arbitrage engine on behalf of operators and
// candidate feeds and fans committed results out to storage, the signal bus,
// the receipt archive, notifications and metrics.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
	"github.com/alanyoungcy/flasharb/internal/notify"
	"github.com/alanyoungcy/flasharb/internal/units"
)

// Engine is the part of engine.Engine the service drives.
type Engine interface {
	Address() common.Address
	Params() domain.EngineParams
	Balance(asset common.Address) *uint256.Int
	StartArbitrage(ctx context.Context, caller common.Address, req domain.ArbitrageRequest) (domain.Receipt, error)
	SetSlippageTolerance(caller common.Address, bps uint64) ([]domain.Event, error)
	WithdrawToken(caller, token common.Address, amount *uint256.Int) ([]domain.Event, error)
}

// ReceiptArchiver stores run receipts. s3blob.Archiver satisfies it.
type ReceiptArchiver interface {
	Archive(ctx context.Context, run domain.Run, events []domain.Event) (string, error)
}

// Deps are the optional collaborators of RunService. A nil field disables
// that concern.
type Deps struct {
	Locks    domain.LockManager
	Runs     domain.RunStore
	Audit    domain.AuditStore
	Params   domain.ParamStore
	Bus      domain.SignalBus
	Archive  ReceiptArchiver
	Notifier *notify.Notifier
	Metrics  *metrics.Collector
}

// Config holds RunService settings.
type Config struct {
	// LockTTL bounds how long one run may hold the engine lock.
	LockTTL time.Duration
	// RecentRuns is the size of the in-memory run history used when no
	// RunStore is configured.
	RecentRuns int
	Tokens     *units.Registry
	Now        func() time.Time
}

// RunService serializes runs per engine across processes, records every
// attempt and publishes committed events.
type RunService struct {
	engine Engine
	deps   Deps
	cfg    Config
	format *notify.Formatter
	logger *slog.Logger

	mu        sync.Mutex
	recent    []domain.Run
	succeeded int64
	failed    int64
}

// NewRunService creates a RunService.
func NewRunService(engine Engine, deps Deps, cfg Config, logger *slog.Logger) *RunService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.RecentRuns <= 0 {
		cfg.RecentRuns = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tokens == nil {
		cfg.Tokens, _ = units.NewRegistry()
	}
	return &RunService{
		engine: engine,
		deps:   deps,
		cfg:    cfg,
		format: notify.NewFormatter(cfg.Tokens),
		logger: logger.With(slog.String("component", "run_service")),
	}
}

// Engine returns the driven engine.
func (s *RunService) Engine() Engine { return s.engine }

// Tokens returns the token registry used for display.
func (s *RunService) Tokens() *units.Registry { return s.cfg.Tokens }

// Start executes one arbitrage run for caller. The returned Run is always
// populated once the engine was invoked; err is the engine's error for a
// reverted run. A run that could not take the engine lock is not recorded.
func (s *RunService) Start(ctx context.Context, source string, caller common.Address, req domain.ArbitrageRequest) (domain.Run, domain.Receipt, error) {
	if s.deps.Locks != nil {
		unlock, err := s.deps.Locks.Acquire(ctx, s.lockKey(), s.cfg.LockTTL)
		if err != nil {
			return domain.Run{}, domain.Receipt{}, fmt.Errorf("run_service: engine lock: %w", err)
		}
		defer unlock()
	}

	run := domain.Run{
		ID:        uuid.NewString(),
		Source:    source,
		Request:   req,
		StartedAt: s.cfg.Now(),
	}
	receipt, err := s.engine.StartArbitrage(ctx, caller, req)
	run.FinishedAt = s.cfg.Now()
	if err != nil {
		run.Status = domain.RunFailed
		run.ErrorKind = domain.ErrorKind(err)
		run.Error = err.Error()
	} else {
		run.Status = domain.RunSucceeded
		run.Legs = receipt.Legs
		run.Owed = receipt.Obligation.Owed
		run.Profit = receipt.Profit
	}

	// Fan-out must finish even if the caller goes away.
	s.record(context.WithoutCancel(ctx), run, receipt.Events)
	return run, receipt, err
}

// record persists and publishes a finished run. Failures here are logged;
// the run itself already committed or reverted.
func (s *RunService) record(ctx context.Context, run domain.Run, events []domain.Event) {
	s.remember(run)
	s.deps.Metrics.RecordRun(string(run.Status), run.ErrorKind, run.Duration())

	attrs := []any{
		slog.String("run_id", run.ID),
		slog.String("source", run.Source),
		slog.String("status", string(run.Status)),
	}
	if run.Status == domain.RunSucceeded {
		s.deps.Metrics.AddProfit(s.cfg.Tokens.Label(run.Request.BorrowedAsset),
			s.cfg.Tokens.Float(run.Request.BorrowedAsset, run.Profit))
		s.logger.InfoContext(ctx, "run_service: run succeeded", append(attrs,
			slog.String("profit", s.cfg.Tokens.Format(run.Request.BorrowedAsset, run.Profit)))...)
	} else {
		s.logger.WarnContext(ctx, "run_service: run failed", append(attrs,
			slog.String("kind", run.ErrorKind),
			slog.String("error", run.Error))...)
	}

	if s.deps.Runs != nil {
		if err := s.deps.Runs.Create(ctx, run); err != nil {
			s.warn(ctx, "persist run", run.ID, err)
		}
	}
	s.audit(ctx, "run."+string(run.Status), map[string]any{
		"run_id":     run.ID,
		"source":     run.Source,
		"error_kind": run.ErrorKind,
		"profit":     decOrEmpty(run.Profit),
	})
	s.publishEvents(ctx, events)
	s.publishStatus(ctx, run)

	if s.deps.Archive != nil {
		if key, err := s.deps.Archive.Archive(ctx, run, events); err != nil {
			s.warn(ctx, "archive receipt", run.ID, err)
		} else {
			s.logger.DebugContext(ctx, "run_service: receipt archived",
				slog.String("run_id", run.ID), slog.String("key", key))
		}
	}

	if s.deps.Notifier != nil {
		event, title, msg := notify.EventArbitrageCompleted, "", ""
		if run.Status == domain.RunSucceeded {
			title, msg = s.format.RunCompleted(run)
		} else {
			event = notify.EventArbitrageFailed
			title, msg = s.format.RunFailed(run)
		}
		if err := s.deps.Notifier.Notify(ctx, event, title, msg); err != nil {
			s.warn(ctx, "notify", run.ID, err)
		}
	}
}

// SetSlippageTolerance updates the tolerance on behalf of caller and
// persists the new engine parameters.
func (s *RunService) SetSlippageTolerance(ctx context.Context, caller common.Address, bps uint64) (domain.EngineParams, error) {
	before := s.engine.Params().ToleranceBps
	events, err := s.engine.SetSlippageTolerance(caller, bps)
	if err != nil {
		s.audit(ctx, "tolerance.rejected", map[string]any{
			"caller": caller.Hex(), "bps": bps, "error_kind": domain.ErrorKind(err),
		})
		return domain.EngineParams{}, err
	}

	params := s.engine.Params()
	s.deps.Metrics.SetTolerance(params.ToleranceBps)
	s.persistParams(ctx, params)
	s.audit(ctx, "tolerance.updated", map[string]any{
		"caller": caller.Hex(), "from_bps": before, "to_bps": params.ToleranceBps,
	})
	s.publishEvents(ctx, events)
	if s.deps.Notifier != nil {
		title, msg := s.format.ToleranceUpdated(before, params.ToleranceBps)
		if err := s.deps.Notifier.Notify(ctx, notify.EventToleranceUpdated, title, msg); err != nil {
			s.warn(ctx, "notify", "", err)
		}
	}
	return params, nil
}

// Withdraw moves amount of token from the engine to the controller on behalf
// of caller.
func (s *RunService) Withdraw(ctx context.Context, caller, token common.Address, amount *uint256.Int) ([]domain.Event, error) {
	events, err := s.engine.WithdrawToken(caller, token, amount)
	if err != nil {
		s.audit(ctx, "withdrawal.rejected", map[string]any{
			"caller": caller.Hex(), "token": token.Hex(), "amount": decOrEmpty(amount),
			"error_kind": domain.ErrorKind(err),
		})
		return nil, err
	}

	controller := s.engine.Params().Controller
	s.deps.Metrics.RecordWithdrawal(s.cfg.Tokens.Label(token))
	s.audit(ctx, "withdrawal", map[string]any{
		"token": token.Hex(), "amount": amount.Dec(), "recipient": controller.Hex(),
	})
	s.publishEvents(ctx, events)
	if s.deps.Notifier != nil {
		title, msg := s.format.Withdrawal(token, amount, controller)
		if err := s.deps.Notifier.Notify(ctx, notify.EventWithdrawal, title, msg); err != nil {
			s.warn(ctx, "notify", "", err)
		}
	}
	return events, nil
}

// RestoreParams reconciles the engine with the stored parameters at
// startup. A stored tolerance is reapplied through the controller; when
// nothing is stored the current parameters are saved.
func (s *RunService) RestoreParams(ctx context.Context) error {
	current := s.engine.Params()
	s.deps.Metrics.SetTolerance(current.ToleranceBps)
	if s.deps.Params == nil {
		return nil
	}

	stored, err := s.deps.Params.Get(ctx, current.Engine)
	if errors.Is(err, domain.ErrNotFound) {
		s.persistParams(ctx, current)
		return nil
	}
	if err != nil {
		return fmt.Errorf("run_service: restore params: %w", err)
	}

	if stored.VenueA != current.VenueA || stored.VenueB != current.VenueB || stored.Controller != current.Controller {
		s.logger.WarnContext(ctx, "run_service: stored routers or controller differ from config; config wins",
			slog.String("stored_venue_a", stored.VenueA.Hex()),
			slog.String("stored_venue_b", stored.VenueB.Hex()),
			slog.String("stored_controller", stored.Controller.Hex()),
		)
	}
	if stored.ToleranceBps != current.ToleranceBps {
		if _, err := s.engine.SetSlippageTolerance(current.Controller, uint64(stored.ToleranceBps)); err != nil {
			return fmt.Errorf("run_service: restore tolerance %d bps: %w", stored.ToleranceBps, err)
		}
		s.logger.InfoContext(ctx, "run_service: tolerance restored",
			slog.Uint64("bps", uint64(stored.ToleranceBps)))
	}

	restored := s.engine.Params()
	s.deps.Metrics.SetTolerance(restored.ToleranceBps)
	s.persistParams(ctx, restored)
	return nil
}

// GetRun returns a run by id from the store, or from recent history when no
// store is configured.
func (s *RunService) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s.deps.Runs != nil {
		return s.deps.Runs.GetByID(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recent {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Run{}, fmt.Errorf("run_service: run %s: %w", id, domain.ErrNotFound)
}

// ListRuns returns up to limit runs, newest first.
func (s *RunService) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if s.deps.Runs != nil {
		return s.deps.Runs.ListRecent(ctx, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.recent))
	out := make([]domain.Run, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// Counts returns how many runs succeeded and failed in this process.
func (s *RunService) Counts() (succeeded, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded, s.failed
}

func (s *RunService) remember(run domain.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.Status == domain.RunSucceeded {
		s.succeeded++
	} else {
		s.failed++
	}
	s.recent = append(s.recent, run)
	if over := len(s.recent) - s.cfg.RecentRuns; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
}

func (s *RunService) lockKey() string {
	return "engine:" + s.engine.Address().Hex()
}

func (s *RunService) persistParams(ctx context.Context, p domain.EngineParams) {
	if s.deps.Params == nil {
		return
	}
	if err := s.deps.Params.Upsert(ctx, p); err != nil {
		s.warn(ctx, "persist params", "", err)
	}
}

func (s *RunService) audit(ctx context.Context, event string, detail map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Log(ctx, event, detail); err != nil {
		s.warn(ctx, "audit "+event, "", err)
	}
}

// publishEvents sends committed events to live subscribers and the durable
// stream.
func (s *RunService) publishEvents(ctx context.Context, events []domain.Event) {
	if s.deps.Bus == nil {
		return
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev.JSON())
		if err != nil {
			s.warn(ctx, "marshal event", "", err)
			continue
		}
		if err := s.deps.Bus.Publish(ctx, domain.ChannelArb, payload); err != nil {
			s.warn(ctx, "publish event", "", err)
		}
		if err := s.deps.Bus.StreamAppend(ctx, domain.StreamArb, payload); err != nil {
			s.warn(ctx, "stream event", "", err)
		}
	}
}

func (s *RunService) publishStatus(ctx context.Context, run domain.Run) {
	if s.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(run.JSON())
	if err != nil {
		s.warn(ctx, "marshal run", run.ID, err)
		return
	}
	if err := s.deps.Bus.Publish(ctx, domain.ChannelStatus, payload); err != nil {
		s.warn(ctx, "publish run", run.ID, err)
	}
}

func (s *RunService) warn(ctx context.Context, op, runID string, err error) {
	attrs := []any{slog.String("op", op), slog.String("error", err.Error())}
	if runID != "" {
		attrs = append(attrs, slog.String("run_id", runID))
	}
	s.logger.WarnContext(ctx, "run_service: side effect failed", attrs...)
}

func decOrEmpty(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
