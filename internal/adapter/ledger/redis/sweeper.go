package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

// Sweeper runs the two retention sweeps once per day at local midnight:
// expired rows first, then anything older than the hard retention window.
type Sweeper struct {
	Ledger        domain.DedupLedger
	HardPurgeDays int
}

// NewSweeper constructs a Sweeper.
func NewSweeper(ledger domain.DedupLedger, hardPurgeDays int) *Sweeper {
	if hardPurgeDays <= 0 {
		hardPurgeDays = 15
	}
	return &Sweeper{Ledger: ledger, HardPurgeDays: hardPurgeDays}
}

// Run blocks until ctx is cancelled, sweeping at each local midnight. The
// next boundary is recomputed every cycle, so a missed fire (process asleep,
// clock jump) is absorbed by the following one.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := nextMidnight(time.Now())
		slog.Info("dedup sweep scheduled", slog.Time("at", next))
		select {
		case <-ctx.Done():
			slog.Info("dedup sweeper stopping")
			return
		case <-time.After(time.Until(next)):
		}
		s.Sweep(ctx)
	}
}

// Sweep runs both purges once.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.Ledger.PurgeExpired(ctx)
	if err != nil {
		slog.Error("expired dedup purge failed", slog.Any("error", err))
	}
	aged, err := s.Ledger.PurgeOlderThan(ctx, s.HardPurgeDays)
	if err != nil {
		slog.Error("aged dedup purge failed", slog.Any("error", err))
	}
	slog.Info("dedup sweep completed",
		slog.Int64("purged_expired", expired),
		slog.Int64("purged_aged", aged),
		slog.Int("hard_purge_days", s.HardPurgeDays))
}

// nextMidnight returns the first local midnight strictly after now.
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
