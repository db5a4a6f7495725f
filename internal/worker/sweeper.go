package worker

import (
	"context"
	"time"

	"pesatrack/internal/log"
	"pesatrack/internal/services"
)

// Sweeper periodically runs the subscription sweep: pausing overdue
// subscriptions, raising due reminders and checking the balance
// projection.
type Sweeper struct {
	engine   *services.Engine
	interval time.Duration
	logger   *log.Logger
}

func NewSweeper(engine *services.Engine, interval time.Duration, logger *log.Logger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   logger.WithComponent(log.ComponentWorker),
	}
}

// Run sweeps once immediately, then on every tick until the context is
// cancelled. Sweep failures are logged and the loop continues; a broken
// sweep should not take the worker down.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping", log.FieldOperation, log.OpShutdown)
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	if err := s.engine.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", log.FieldOperation, log.OpSweep, log.FieldError, err)
		return
	}
	s.logger.Info("sweep complete",
		log.FieldOperation, log.OpSweep,
		log.FieldDuration, time.Since(start).Milliseconds())
}
