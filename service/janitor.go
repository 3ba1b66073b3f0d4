package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/layer-3/talisman/ports"
)

// Janitor reaps expired challenges and sessions. Both sweeps are idempotent
// and safe to run from multiple instances at once; key expiry stays lazy and
// is never swept.
type Janitor struct {
	store  ports.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor creates a janitor over the given store.
func NewJanitor(store ports.Store) *Janitor {
	return &Janitor{
		store:  store,
		logger: slog.Default().With("component", "janitor"),
		now:    time.Now,
	}
}

// SweepChallenges deletes every expired challenge, used or not.
func (j *Janitor) SweepChallenges(ctx context.Context) (int, error) {
	return j.store.DeleteExpiredChallenges(ctx, j.now())
}

// SweepSessions physically removes sessions whose expiry has passed.
func (j *Janitor) SweepSessions(ctx context.Context) (int, error) {
	return j.store.DeleteExpiredSessions(ctx, j.now())
}

// Run drives both sweeps on a ticker until ctx is canceled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("janitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			if n, err := j.SweepChallenges(ctx); err != nil {
				j.logger.Warn("challenge sweep failed", "error", err)
			} else if n > 0 {
				j.logger.Info("swept expired challenges", "count", n)
			}
			if n, err := j.SweepSessions(ctx); err != nil {
				j.logger.Warn("session sweep failed", "error", err)
			} else if n > 0 {
				j.logger.Info("swept expired sessions", "count", n)
			}
		}
	}
}
