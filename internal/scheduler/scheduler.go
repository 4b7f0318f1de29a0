// Package scheduler drives the periodic reconciliation loop.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Reconciler is the cycle the scheduler drives.
type Reconciler interface {
	Run(ctx context.Context) error
}

// Scheduler runs reconciliation on a fixed interval
type Scheduler struct {
	cron      *cron.Cron
	reconcile Reconciler
	interval  int
	logger    *logrus.Logger
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler
func NewScheduler(reconcile Reconciler, intervalMinutes int, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		reconcile: reconcile,
		interval:  intervalMinutes,
		logger:    logger,
	}
}

// Start begins periodic reconciliation. An initial cycle runs immediately so
// state is fresh right after startup; Stop waits for it like any cron cycle.
func (s *Scheduler) Start(ctx context.Context) error {
	run := func() {
		if err := s.reconcile.Run(ctx); err != nil {
			s.logger.WithError(err).Error("Reconciliation cycle failed")
		}
	}

	spec := fmt.Sprintf("@every %dm", s.interval)
	if _, err := s.cron.AddFunc(spec, run); err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run()
	}()
	s.cron.Start()

	s.logger.WithField("interval_minutes", s.interval).Info("Scheduler started")
	return nil
}

// Stop halts the schedule and waits for any running cycle, including the
// startup cycle, to finish
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}
