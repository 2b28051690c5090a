package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/service"
	"github.com/alanyoungcy/flasharb/internal/units"
)

// EngineService is the part of service.RunService the engine endpoints use.
type EngineService interface {
	Engine() service.Engine
	Tokens() *units.Registry
	Counts() (succeeded, failed int64)
	SetSlippageTolerance(ctx context.Context, caller common.Address, bps uint64) (domain.EngineParams, error)
	Withdraw(ctx context.Context, caller, token common.Address, amount *uint256.Int) ([]domain.Event, error)
}

// BalanceReader reads committed token balances. state.Ledger satisfies it.
type BalanceReader interface {
	SettledBalanceOf(asset, holder common.Address) *uint256.Int
}

// EngineHandler serves engine parameters, controller operations and
// balances. Every request acts as caller, the operator identity.
type EngineHandler struct {
	svc      EngineService
	balances BalanceReader
	caller   common.Address
	mode     string
	started  time.Time
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngineHandler creates an EngineHandler.
func NewEngineHandler(svc EngineService, balances BalanceReader, caller common.Address, mode string, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{
		svc:      svc,
		balances: balances,
		caller:   caller,
		mode:     mode,
		started:  time.Now(),
		now:      time.Now,
		logger:   logHandler(logger, "engine"),
	}
}

type paramsResponse struct {
	Engine       string    `json:"engine"`
	VenueA       string    `json:"venue_a"`
	VenueB       string    `json:"venue_b"`
	Controller   string    `json:"controller"`
	ToleranceBps uint32    `json:"tolerance_bps"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func paramsJSON(p domain.EngineParams) paramsResponse {
	return paramsResponse{
		Engine:       p.Engine.Hex(),
		VenueA:       p.VenueA.Hex(),
		VenueB:       p.VenueB.Hex(),
		Controller:   p.Controller.Hex(),
		ToleranceBps: p.ToleranceBps,
		UpdatedAt:    p.UpdatedAt.UTC(),
	}
}

type engineResponse struct {
	Params        paramsResponse `json:"params"`
	Mode          string         `json:"mode"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	RunsSucceeded int64          `json:"runs_succeeded"`
	RunsFailed    int64          `json:"runs_failed"`
}

// GetEngine returns the engine parameters and run counters.
// GET /api/engine
func (h *EngineHandler) GetEngine(w http.ResponseWriter, r *http.Request) {
	succeeded, failed := h.svc.Counts()
	status := domain.EngineStatus{
		Mode:          h.mode,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
		RunsSucceeded: succeeded,
		RunsFailed:    failed,
	}
	writeJSON(w, http.StatusOK, engineResponse{
		Params:        paramsJSON(h.svc.Engine().Params()),
		Mode:          status.Mode,
		UptimeSeconds: status.UptimeSeconds,
		RunsSucceeded: status.RunsSucceeded,
		RunsFailed:    status.RunsFailed,
	})
}

type slippageRequest struct {
	Bps *uint64 `json:"bps"`
}

// SetSlippage replaces the slippage tolerance.
// PUT /api/engine/slippage {"bps": 50}
func (h *EngineHandler) SetSlippage(w http.ResponseWriter, r *http.Request) {
	var req slippageRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if req.Bps == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bps is required", Kind: "MalformedRequest"})
		return
	}
	params, err := h.svc.SetSlippageTolerance(r.Context(), h.caller, *req.Bps)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paramsJSON(params))
}

type withdrawRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type withdrawResponse struct {
	Token     string             `json:"token"`
	Amount    string             `json:"amount"`
	Formatted string             `json:"formatted"`
	Recipient string             `json:"recipient"`
	Events    []domain.EventJSON `json:"events"`
}

// Withdraw sends engine-held tokens to the controller. amount is in human
// units of token.
// POST /api/engine/withdraw {"token": "WETH", "amount": "1.5"}
func (h *EngineHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	reg := h.svc.Tokens()
	token, err := resolveToken(reg, req.Token)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	amount, err := parseAmount(token, req.Amount)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	events, err := h.svc.Withdraw(r.Context(), h.caller, token.Address, amount)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	resp := withdrawResponse{
		Token:     token.Address.Hex(),
		Amount:    amount.Dec(),
		Formatted: reg.Format(token.Address, amount),
		Recipient: h.svc.Engine().Params().Controller.Hex(),
		Events:    make([]domain.EventJSON, 0, len(events)),
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, ev.JSON())
	}
	writeJSON(w, http.StatusOK, resp)
}

type balanceEntry struct {
	Symbol    string `json:"symbol"`
	Token     string `json:"token"`
	Balance   string `json:"balance"`
	Formatted string `json:"formatted"`
}

type balancesResponse struct {
	Holder   string         `json:"holder"`
	Balances []balanceEntry `json:"balances"`
}

// Balances lists the holder's balance of every registered token. holder is
// a hex address or one of the aliases "engine" and "controller".
// GET /api/balances/{holder}
func (h *EngineHandler) Balances(w http.ResponseWriter, r *http.Request) {
	if h.balances == nil {
		writeError(w, http.StatusNotImplemented, "balances are not available")
		return
	}
	raw := r.PathValue("holder")
	params := h.svc.Engine().Params()

	var holder common.Address
	switch strings.ToLower(raw) {
	case "engine":
		holder = params.Engine
	case "controller":
		holder = params.Controller
	default:
		if !common.IsHexAddress(raw) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "holder must be an address, engine or controller", Kind: "MalformedRequest"})
			return
		}
		holder = common.HexToAddress(raw)
	}

	reg := h.svc.Tokens()
	resp := balancesResponse{Holder: holder.Hex(), Balances: []balanceEntry{}}
	for _, t := range reg.Tokens() {
		bal := h.balances.SettledBalanceOf(t.Address, holder)
		resp.Balances = append(resp.Balances, balanceEntry{
			Symbol:    t.Symbol,
			Token:     t.Address.Hex(),
			Balance:   bal.Dec(),
			Formatted: units.FromBase(bal, t.Decimals),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
