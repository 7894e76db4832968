package svc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/SnarkyB/delerium-server/metrics"
	"github.com/SnarkyB/delerium-server/svc/db"
	"github.com/SnarkyB/delerium-server/svc/util"
)

var reaperRunning atomic.Bool

// StartReaper launches the background sweep of expired pastes. The reaper
// is purely space reclamation: reads re-check expiry themselves, so a
// failed sweep costs disk, not correctness. It stops when ctx is
// cancelled.
func StartReaper(ctx context.Context, sqlDB *db.SQLite, interval time.Duration) error {
	if !reaperRunning.CompareAndSwap(false, true) {
		return errors.New("reaper already running")
	}
	go runReaper(ctx, sqlDB, interval)
	return nil
}

func runReaper(ctx context.Context, sqlDB *db.SQLite, interval time.Duration) {
	defer reaperRunning.Store(false)
	reapRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, reapRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", reapRequestID).
		Dur("interval", interval).
		Msg("expiry reaper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", reapRequestID).
				Msg("expiry reaper shutting down")
			return
		case <-ticker.C:
			deleted, err := sqlDB.SweepExpired(ctx, time.Now())
			metrics.ReapCycles.Inc()
			if err != nil {
				// a failed run never kills the loop; next tick retries
				util.Error().
					Err(err).
					Str("request_id", reapRequestID).
					Msg("expiry sweep failed")
				continue
			}
			metrics.PasteReaped.Add(float64(deleted))
			if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", reapRequestID).
					Msg("expiry sweep completed")
			}
		}
	}
}
