// Package scheduler fires the recurring order run and the periodic health
// checks on business-timezone cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"autoinvest/internal/core"
	"autoinvest/internal/engine"
	"autoinvest/internal/health"
	apperrors "autoinvest/pkg/errors"
)

const (
	healthSpec = "*/5 * * * *"
	statusSpec = "0 * * * *"

	// hourly status notifications only go out during waking hours
	statusWindowStart = 6
	statusWindowEnd   = 20
)

// Scheduler wires the cron triggers. Jobs that are still running when their
// next tick arrives are skipped, never queued.
type Scheduler struct {
	cron      *cron.Cron
	engine    *engine.Engine
	health    *health.Manager
	notifier  core.Notifier
	logger    *zap.Logger
	location  *time.Location
	startedAt time.Time

	now func() time.Time // test hook

	runEntry cron.EntryID
}

func New(eng *engine.Engine, healthMgr *health.Manager, notifier core.Notifier, location *time.Location, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		engine:   eng,
		health:   healthMgr,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "scheduler")),
		location: location,
		now:      time.Now,
	}
}

// Start registers the cron entries and launches the scheduler. fireTime is
// the offset of the daily run within the business day.
func (s *Scheduler) Start(ctx context.Context, fireTime time.Duration) error {
	hour := int(fireTime / time.Hour)
	minute := int(fireTime % time.Hour / time.Minute)

	runEntry, err := s.cron.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), func() {
		s.runDaily(ctx)
	})
	if err != nil {
		return fmt.Errorf("register daily run: %w", err)
	}
	s.runEntry = runEntry

	if _, err := s.cron.AddFunc(healthSpec, func() {
		s.health.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("register health tick: %w", err)
	}

	if _, err := s.cron.AddFunc(statusSpec, func() {
		s.hourlyStatus(ctx)
	}); err != nil {
		return fmt.Errorf("register status tick: %w", err)
	}

	s.startedAt = time.Now()
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("daily_run", fmt.Sprintf("%02d:%02d", hour, minute)),
		zap.String("timezone", s.location.String()))
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
}

// NextRun returns the next scheduled daily execution time
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.runEntry).Next
}

func (s *Scheduler) runDaily(ctx context.Context) {
	s.logger.Info("daily trigger fired")
	_, err := s.engine.Execute(ctx)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrBusy):
		s.logger.Warn("daily trigger skipped, run already in flight")
	default:
		s.logger.Error("daily run failed", zap.Error(err))
	}
}

// hourlyStatus posts a heartbeat during the status window
func (s *Scheduler) hourlyStatus(ctx context.Context) {
	now := s.now().In(s.location)
	if now.Hour() < statusWindowStart || now.Hour() > statusWindowEnd {
		return
	}

	message := fmt.Sprintf("Service running, uptime %s.", time.Since(s.startedAt).Round(time.Minute))
	if last := s.engine.LastResult(); last != nil {
		message += fmt.Sprintf(" Last run: %d placed, %d failed at %s.",
			last.Successes, last.Failures, last.FinishedAt.In(s.location).Format("15:04"))
	}
	if next := s.NextRun(); !next.IsZero() {
		message += " Next run: " + next.In(s.location).Format("Mon 15:04") + "."
	}
	s.notifier.SystemEvent(ctx, "Status", message, false)
}
