package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	s3blob "github.com/alanyoungcy/flasharb/internal/blob/s3"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/service"
	"github.com/alanyoungcy/flasharb/internal/units"
)

// defaultRunTTL is the deadline given to API runs that do not set one.
const defaultRunTTL = 60 * time.Second

// RunService is the part of service.RunService the arbitrage endpoints use.
type RunService interface {
	Tokens() *units.Registry
	Start(ctx context.Context, source string, caller common.Address, req domain.ArbitrageRequest) (domain.Run, domain.Receipt, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
}

// Quoter prices requests without executing them. service.QuoteService
// satisfies it.
type Quoter interface {
	Quote(ctx context.Context, req domain.ArbitrageRequest) (service.Quote, error)
	Best(ctx context.Context, borrowed, profit common.Address, amount *uint256.Int) (service.Quote, error)
}

// ReceiptStore reads archived run receipts. s3blob.Archiver satisfies it.
type ReceiptStore interface {
	ReceiptPath(run domain.Run) string
	Load(ctx context.Context, key string) (s3blob.Receipt, error)
}

// ArbHandler serves arbitrage runs, quotes and receipts.
type ArbHandler struct {
	runs     RunService
	quotes   Quoter       // optional; when nil, quote endpoints return 501
	receipts ReceiptStore // optional; when nil, the receipt endpoint returns 501
	caller   common.Address
	now      func() time.Time
	logger   *slog.Logger
}

// NewArbHandler creates an ArbHandler. Runs are started as caller.
func NewArbHandler(runs RunService, caller common.Address, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{runs: runs, caller: caller, now: time.Now, logger: logHandler(logger, "arbitrage")}
}

// WithQuoter enables the quote endpoints.
func (h *ArbHandler) WithQuoter(q Quoter) *ArbHandler {
	h.quotes = q
	return h
}

// WithReceipts enables the receipt endpoint.
func (h *ArbHandler) WithReceipts(store ReceiptStore) *ArbHandler {
	h.receipts = store
	return h
}

// startRequest describes a run. Assets are symbols or addresses of
// registered tokens and BorrowAmount is in human units. LegOrder wins over
// BuyOnFirstVenue; without either the first leg trades on venue A.
// Deadline is unix seconds; without it the run gets TTLSeconds, or 60s.
type startRequest struct {
	BorrowedAsset   string          `json:"borrowed_asset"`
	BorrowAmount    string          `json:"borrow_amount"`
	ProfitAsset     string          `json:"profit_asset"`
	LegOrder        domain.LegOrder `json:"leg_order,omitempty"`
	BuyOnFirstVenue *bool           `json:"buy_on_first_venue,omitempty"`
	Deadline        int64           `json:"deadline,omitempty"`
	TTLSeconds      int64           `json:"ttl_seconds,omitempty"`
}

func (s startRequest) toDomain(reg *units.Registry, now time.Time) (domain.ArbitrageRequest, error) {
	borrowed, err := resolveToken(reg, s.BorrowedAsset)
	if err != nil {
		return domain.ArbitrageRequest{}, err
	}
	profit, err := resolveToken(reg, s.ProfitAsset)
	if err != nil {
		return domain.ArbitrageRequest{}, err
	}
	amount, err := parseAmount(borrowed, s.BorrowAmount)
	if err != nil {
		return domain.ArbitrageRequest{}, err
	}

	order := s.LegOrder
	if order == "" {
		order = domain.VenueAFirst
		if s.BuyOnFirstVenue != nil {
			order = domain.LegOrderFromBool(*s.BuyOnFirstVenue)
		}
	}
	deadline := now.Add(defaultRunTTL)
	switch {
	case s.Deadline > 0:
		deadline = time.Unix(s.Deadline, 0)
	case s.TTLSeconds > 0:
		deadline = now.Add(time.Duration(s.TTLSeconds) * time.Second)
	}

	return domain.ArbitrageRequest{
		BorrowedAsset: borrowed.Address,
		BorrowAmount:  amount,
		ProfitAsset:   profit.Address,
		Deadline:      deadline,
		LegOrder:      order,
	}, nil
}

type startResponse struct {
	Run       domain.RunJSON     `json:"run"`
	Profit    string             `json:"profit_formatted"`
	Owed      string             `json:"owed_formatted"`
	Recipient string             `json:"recipient"`
	Events    []domain.EventJSON `json:"events"`
}

// Start executes one arbitrage run synchronously. A reverted run is
// reported with its taxonomy kind and the recorded run.
// POST /api/arbitrage/start
func (h *ArbHandler) Start(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	reg := h.runs.Tokens()
	req, err := body.toDomain(reg, h.now())
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	run, receipt, err := h.runs.Start(r.Context(), "api", h.caller, req)
	if err != nil {
		if run.ID == "" {
			writeDomainError(w, h.logger, r, err)
			return
		}
		rj := run.JSON()
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: domain.ErrorKind(err), Run: &rj})
		return
	}

	resp := startResponse{
		Run:       run.JSON(),
		Profit:    reg.Format(req.BorrowedAsset, receipt.Profit),
		Owed:      reg.Format(req.BorrowedAsset, receipt.Obligation.Owed),
		Recipient: receipt.Recipient.Hex(),
		Events:    make([]domain.EventJSON, 0, len(receipt.Events)),
	}
	for _, ev := range receipt.Events {
		resp.Events = append(resp.Events, ev.JSON())
	}
	writeJSON(w, http.StatusOK, resp)
}

type quoteResponse struct {
	BorrowedAsset string          `json:"borrowed_asset"`
	ProfitAsset   string          `json:"profit_asset"`
	BorrowAmount  string          `json:"borrow_amount"`
	LegOrder      domain.LegOrder `json:"leg_order"`
	Leg1Out       string          `json:"leg1_out"`
	Leg2Out       string          `json:"leg2_out"`
	Owed          string          `json:"owed"`
	Profit        string          `json:"profit"`
	Shortfall     string          `json:"shortfall"`
	Profitable    bool            `json:"profitable"`
	Formatted     string          `json:"profit_formatted"`
}

func quoteJSON(reg *units.Registry, q service.Quote) quoteResponse {
	return quoteResponse{
		BorrowedAsset: q.Request.BorrowedAsset.Hex(),
		ProfitAsset:   q.Request.ProfitAsset.Hex(),
		BorrowAmount:  q.Request.BorrowAmount.Dec(),
		LegOrder:      q.Request.LegOrder,
		Leg1Out:       q.Leg1Out.Dec(),
		Leg2Out:       q.Leg2Out.Dec(),
		Owed:          q.Owed.Dec(),
		Profit:        q.Profit.Dec(),
		Shortfall:     q.Shortfall.Dec(),
		Profitable:    q.Profitable(),
		Formatted:     reg.Format(q.Request.BorrowedAsset, q.Profit),
	}
}

// Quote projects a run at current venue prices without executing it.
// POST /api/arbitrage/quote
func (h *ArbHandler) Quote(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		writeError(w, http.StatusNotImplemented, "quotes are not available")
		return
	}
	var body startRequest
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	reg := h.runs.Tokens()
	req, err := body.toDomain(reg, h.now())
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	q, err := h.quotes.Quote(r.Context(), req)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteJSON(reg, q))
}

// Best quotes both leg orders and returns the better one.
// GET /api/arbitrage/best?borrowed=WETH&profit=DAI&amount=10
func (h *ArbHandler) Best(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		writeError(w, http.StatusNotImplemented, "quotes are not available")
		return
	}
	q := r.URL.Query()
	reg := h.runs.Tokens()
	borrowed, err := resolveToken(reg, q.Get("borrowed"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	profit, err := resolveToken(reg, q.Get("profit"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	amount, err := parseAmount(borrowed, q.Get("amount"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	best, err := h.quotes.Best(r.Context(), borrowed.Address, profit.Address, amount)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteJSON(reg, best))
}

type listRunsResponse struct {
	Runs []domain.RunJSON `json:"runs"`
}

// ListRuns returns the most recent runs, newest first.
// GET /api/arbitrage/runs?limit=50
func (h *ArbHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context(), parseLimit(r))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	resp := listRunsResponse{Runs: make([]domain.RunJSON, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, run.JSON())
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRun returns one run.
// GET /api/arbitrage/runs/{id}
func (h *ArbHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run.JSON())
}

// GetReceipt returns the signed receipt archived for a run.
// GET /api/arbitrage/runs/{id}/receipt
func (h *ArbHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	if h.receipts == nil {
		writeError(w, http.StatusNotImplemented, "receipt archive is not configured")
		return
	}
	run, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	receipt, err := h.receipts.Load(r.Context(), h.receipts.ReceiptPath(run))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "receipt not found")
			return
		}
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
