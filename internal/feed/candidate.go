// Package feed receives candidates published by external scanners, over the
// Redis signal bus or a websocket, and hands them to the executor queue.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/executor"
	"github.com/alanyoungcy/flasharb/internal/metrics"
)

// ErrInvalidCandidate is returned for payloads that do not describe a
// usable candidate.
var ErrInvalidCandidate = errors.New("invalid candidate")

// ParseCandidate decodes the JSON wire form. Amounts are base-unit decimal
// strings and the deadline is unix seconds. A missing id is replaced by a
// fresh one, which disables deduplication for that candidate.
func ParseCandidate(data []byte, source string, now time.Time) (domain.Candidate, error) {
	var in domain.CandidateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.Candidate{}, fmt.Errorf("feed: decode: %w: %v", ErrInvalidCandidate, err)
	}

	var problems []string
	borrowed, ok := parseAddress(in.BorrowedAsset)
	if !ok {
		problems = append(problems, fmt.Sprintf("borrowed_asset %q", in.BorrowedAsset))
	}
	profit, ok := parseAddress(in.ProfitAsset)
	if !ok {
		problems = append(problems, fmt.Sprintf("profit_asset %q", in.ProfitAsset))
	}
	amount, err := uint256.FromDecimal(strings.TrimSpace(in.BorrowAmount))
	if err != nil || amount.IsZero() {
		problems = append(problems, fmt.Sprintf("borrow_amount %q", in.BorrowAmount))
	}
	var expected *uint256.Int
	if in.ExpectedProfit != "" {
		if expected, err = uint256.FromDecimal(in.ExpectedProfit); err != nil {
			problems = append(problems, fmt.Sprintf("expected_profit %q", in.ExpectedProfit))
		}
	}
	if in.Deadline <= 0 {
		problems = append(problems, fmt.Sprintf("deadline %d", in.Deadline))
	}
	if len(problems) > 0 {
		return domain.Candidate{}, fmt.Errorf("feed: %w: %s", ErrInvalidCandidate, strings.Join(problems, ", "))
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return domain.Candidate{
		ID:             id,
		Source:         source,
		BorrowedAsset:  borrowed,
		BorrowAmount:   amount,
		ProfitAsset:    profit,
		LegOrder:       domain.LegOrderFromBool(in.BuyOnFirstVenue),
		ExpectedProfit: expected,
		CreatedAt:      now,
		Deadline:       time.Unix(in.Deadline, 0),
	}, nil
}

func parseAddress(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(s)
	return addr, addr != (common.Address{})
}

// forwarder is shared by the feeds: decode, enqueue, count.
type forwarder struct {
	source  string
	out     chan<- domain.Candidate
	metrics *metrics.Collector
	now     func() time.Time
	logger  *slog.Logger
}

func (f *forwarder) handle(ctx context.Context, data []byte) {
	c, err := ParseCandidate(data, f.source, f.now())
	if err != nil {
		f.metrics.RecordCandidate(f.source, metrics.CandidateInvalid)
		f.logger.DebugContext(ctx, "feed: candidate rejected",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}
	if !executor.Offer(f.out, c) {
		f.metrics.RecordCandidate(f.source, metrics.CandidateDropped)
		f.logger.WarnContext(ctx, "feed: executor queue full, candidate dropped",
			slog.String("candidate_id", c.ID))
	}
}
