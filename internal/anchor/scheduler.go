package anchor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

// DefaultInterval is the default anchoring cycle period.
const DefaultInterval = time.Minute

// Scheduler drives the anchoring cycle from a background goroutine. Appends
// never wait on it; a slow or failing cycle only delays the next anchor.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a Scheduler. interval <= 0 selects DefaultInterval.
func NewScheduler(m *Manager, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{manager: m, interval: interval, logger: logger}
}

// Run executes anchoring cycles until ctx is cancelled. Intended to be
// launched as `go sched.Run(ctx)`.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cycle(ctx)
		case <-ctx.Done():
			s.logger.Info("anchor scheduler stopped")
			return
		}
	}
}

// cycle runs one anchoring pass: cut any due anchors, then give lagging
// backends a chance to catch up.
func (s *Scheduler) cycle(ctx context.Context) {
	created, err := s.manager.MaybeCreateAnchor(ctx)
	switch {
	case errors.Is(err, tsa.ErrMonotonicViolation),
		errors.Is(err, tsa.ErrClockSkew),
		errors.Is(err, tsa.ErrHalted):
		// Security-relevant, not transient. The guard already halted
		// anchoring; keep the ledger appendable and keep shouting.
		s.logger.Error("anchoring halted by timestamp guard", zap.Error(err))
	case err != nil:
		s.logger.Warn("anchor cycle failed, will retry", zap.Error(err))
	case len(created) > 0:
		s.logger.Info("anchor cycle complete", zap.Int("anchors", len(created)))
	}

	if err := s.manager.RetryLagging(ctx); err != nil {
		s.logger.Warn("lagging backend retry failed", zap.Error(err))
	}
}
