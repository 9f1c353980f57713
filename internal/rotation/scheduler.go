package rotation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"token-service/internal/clock"
)

// SchedulerConfig sets how often the scheduler acts. A zero
// RotationInterval disables automatic rotation.
type SchedulerConfig struct {
	SweepInterval    time.Duration
	RotationInterval time.Duration
}

// Scheduler sweeps expired keys and, when enabled, rotates on a fixed
// interval.
type Scheduler struct {
	coordinator *Coordinator
	clock       clock.Clock
	cfg         SchedulerConfig
	logger      *zap.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(coordinator *Coordinator, clk clock.Clock, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Scheduler{coordinator: coordinator, clock: clk, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled. Step failures are logged and
// retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	sweep := s.clock.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	var rotate <-chan time.Time
	if s.cfg.RotationInterval > 0 {
		t := s.clock.NewTicker(s.cfg.RotationInterval)
		defer t.Stop()
		rotate = t.C
	}

	s.logger.Info("Rotation scheduler started",
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Duration("rotation_interval", s.cfg.RotationInterval),
	)
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Rotation scheduler stopped")
			return nil
		case <-sweep.C:
			s.sweep(ctx)
		case <-rotate:
			s.rotate(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.coordinator.Complete(ctx, s.clock.Now()); err != nil {
		s.logger.Error("Scheduled key sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) rotate(ctx context.Context) {
	key, err := s.coordinator.Rotate(ctx)
	switch {
	case err == nil:
		s.logger.Info("Scheduled rotation done", zap.Int64("key_version", key.Version))
	case errors.Is(err, ErrRotationInProgress):
		s.logger.Info("Scheduled rotation skipped", zap.Error(err))
	default:
		s.logger.Error("Scheduled rotation failed", zap.Error(err))
	}
}
