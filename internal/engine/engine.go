// Package engine implements the flash-loan arbitrage engine: the initiation
// gateway, the funds-received orchestrator, the swap leg executor and the
// controller-only operations.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/protocol"
	"github.com/alanyoungcy/flasharb/internal/slippage"
	"github.com/alanyoungcy/flasharb/internal/state"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Address    common.Address
	Controller common.Address
	VenueA     protocol.Router
	VenueB     protocol.Router
	Lender     protocol.FlashLender
	Ledger     *state.Ledger
	Tolerance  slippage.Tolerance
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Engine holds the persisted engine state (two routers, the controller and
// the slippage tolerance) and executes arbitrage runs against the ledger.
type Engine struct {
	addr       common.Address
	controller common.Address
	venueA     protocol.Router
	venueB     protocol.Router
	lender     protocol.FlashLender
	ledger     *state.Ledger
	now        func() time.Time
	legs       *LegExecutor
	logger     *slog.Logger

	// runMu is held for the whole of a run and for every controller write,
	// so parameter changes only apply to runs that start afterwards.
	runMu sync.Mutex

	tolMu     sync.RWMutex
	tolerance slippage.Tolerance
	updatedAt time.Time

	activeMu sync.Mutex
	active   *activeRun
}

var _ protocol.FlashLoanReceiver = (*Engine)(nil)

// New validates cfg and returns an Engine.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	var errs []error
	if cfg.Address == (common.Address{}) {
		errs = append(errs, errors.New("engine address is required"))
	}
	if cfg.Controller == (common.Address{}) {
		errs = append(errs, errors.New("controller is required"))
	}
	if cfg.VenueA == nil || cfg.VenueB == nil {
		errs = append(errs, errors.New("two venues are required"))
	} else if cfg.VenueA.Address() == cfg.VenueB.Address() {
		errs = append(errs, errors.New("venues must be distinct"))
	}
	if cfg.Lender == nil {
		errs = append(errs, errors.New("lender is required"))
	}
	if cfg.Ledger == nil {
		errs = append(errs, errors.New("ledger is required"))
	}
	if !cfg.Tolerance.Valid() {
		errs = append(errs, fmt.Errorf("tolerance %d bps: %w", cfg.Tolerance, domain.ErrInvalidTolerance))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("engine: new: %w", errors.Join(errs...))
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		addr:       cfg.Address,
		controller: cfg.Controller,
		venueA:     cfg.VenueA,
		venueB:     cfg.VenueB,
		lender:     cfg.Lender,
		ledger:     cfg.Ledger,
		now:        now,
		tolerance:  cfg.Tolerance,
		updatedAt:  now(),
		logger:     logger.With(slog.String("component", "engine")),
	}
	e.legs = NewLegExecutor(cfg.Address, cfg.Ledger, now)
	return e, nil
}

// Address returns the engine's own identity; it holds funds during a run.
func (e *Engine) Address() common.Address { return e.addr }

// Routers returns the configured venue addresses in (A, B) order.
func (e *Engine) Routers() (common.Address, common.Address) {
	return e.venueA.Address(), e.venueB.Address()
}

// Venues returns the configured venues in (A, B) order.
func (e *Engine) Venues() (protocol.Router, protocol.Router) {
	return e.venueA, e.venueB
}

// Controller returns the identity allowed to change parameters and withdraw.
func (e *Engine) Controller() common.Address { return e.controller }

// Lender returns the flash-loan lender used by the gateway.
func (e *Engine) Lender() protocol.FlashLender { return e.lender }

// SlippageTolerance returns the current tolerance.
func (e *Engine) SlippageTolerance() slippage.Tolerance {
	e.tolMu.RLock()
	defer e.tolMu.RUnlock()
	return e.tolerance
}

// Params returns the engine's persisted state.
func (e *Engine) Params() domain.EngineParams {
	e.tolMu.RLock()
	defer e.tolMu.RUnlock()
	a, b := e.Routers()
	return domain.EngineParams{
		Engine:       e.addr,
		VenueA:       a,
		VenueB:       b,
		Controller:   e.controller,
		ToleranceBps: e.tolerance.Bps(),
		UpdatedAt:    e.updatedAt,
	}
}

// Balance returns the engine's committed balance of asset.
func (e *Engine) Balance(asset common.Address) *uint256.Int {
	return e.ledger.SettledBalanceOf(asset, e.addr)
}

// RequireController fails with domain.ErrUnauthorized unless caller is the
// controller.
func (e *Engine) RequireController(caller common.Address) error {
	if caller != e.controller {
		return fmt.Errorf("engine: caller %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	return nil
}

func (e *Engine) legVenues(order domain.LegOrder) (first, second protocol.Router) {
	if order == domain.VenueBFirst {
		return e.venueB, e.venueA
	}
	return e.venueA, e.venueB
}
