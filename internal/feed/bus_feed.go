package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
)

// CandidateFeed subscribes to the candidate channel on the signal bus and
// forwards every valid candidate to the executor queue.
type CandidateFeed struct {
	bus domain.SignalBus
	forwarder
}

// NewCandidateFeed creates a CandidateFeed writing to out. m may be nil.
func NewCandidateFeed(bus domain.SignalBus, out chan<- domain.Candidate, m *metrics.Collector, logger *slog.Logger) *CandidateFeed {
	return &CandidateFeed{
		bus: bus,
		forwarder: forwarder{
			source:  "feed",
			out:     out,
			metrics: m,
			now:     time.Now,
			logger:  logger.With(slog.String("component", "candidate_feed")),
		},
	}
}

// Run subscribes to domain.ChannelCandidates and forwards messages until ctx
// is cancelled or the subscription closes.
func (f *CandidateFeed) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, domain.ChannelCandidates)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", domain.ChannelCandidates, err)
	}
	f.logger.Info("candidate feed started", slog.String("channel", domain.ChannelCandidates))
	defer f.logger.Info("candidate feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			f.handle(ctx, data)
		}
	}
}
