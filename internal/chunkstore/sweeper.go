package chunkstore

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Sweeper periodically evicts chunks older than the retention window. It owns
// no goroutine itself; callers run it via Run, typically `go sweeper.Run(ctx)`
// from main, and stop it by cancelling the context.
type Sweeper struct {
	store    *Store
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewSweeper builds a sweeper over store. The interval should be strictly
// shorter than the store's retention window so chunks never outlive the
// window by more than one sweep period; config validation enforces this for
// the production binary.
func NewSweeper(store *Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      logger,
		now:      time.Now,
	}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("retention sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce evicts expired chunks. The store operates purely on in-memory
// structures so failures are not expected; if one happens anyway the sweep is
// abandoned and retried on the next tick rather than killing the loop.
func (s *Sweeper) sweepOnce() {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic in retention sweep", "recover", rec, "stack", string(debug.Stack()))
		}
	}()

	cutoff := s.now().Add(-s.store.cfg.Retention)
	if n := s.store.EvictExpired(cutoff); n > 0 {
		s.log.Debug("retention sweep evicted chunks", "count", n)
	}
}
