package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autoinvest/internal/broker"
	"autoinvest/internal/config"
	"autoinvest/internal/engine"
	"autoinvest/internal/health"
	"autoinvest/internal/notify"
	"autoinvest/internal/scheduler"
	"autoinvest/internal/server"
	"autoinvest/internal/sheet"
)

const (
	restartInitialBackoff = 1 * time.Second
	restartMaxBackoff     = 60 * time.Second
	restartMaxAttempts    = 10
)

// Runner hosts the service stack in the foreground: broker session,
// scheduler, keep-alive, and the loopback HTTP surface.
type Runner struct {
	cfg    *config.Config
	logger *zap.Logger
}

func NewRunner(cfg *config.Config, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// Run keeps the service alive across crashes: a failed run is restarted
// with exponential backoff until the attempt budget is spent. Context
// cancellation is a clean exit, never a restart.
func (r *Runner) Run(ctx context.Context) error {
	backoff := restartInitialBackoff

	for attempt := 0; ; attempt++ {
		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		if attempt+1 >= restartMaxAttempts {
			r.logger.Error("service crashed, attempt budget spent",
				zap.Int("attempts", attempt+1), zap.Error(err))
			r.notifyTerminalFailure(err, attempt+1)
			return fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}

		r.logger.Error("service crashed, restarting",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartMaxBackoff {
			backoff = restartMaxBackoff
		}
	}
}

// runOnce builds the full stack and serves until the context is cancelled
// or a component fails
func (r *Runner) runOnce(ctx context.Context) error {
	brokerClient, err := broker.NewClient(r.cfg.Broker, r.logger)
	if err != nil {
		return fmt.Errorf("broker client: %w", err)
	}

	sheetAdapter, err := sheet.New(r.cfg.Sheet, r.logger)
	if err != nil {
		return fmt.Errorf("sheet adapter: %w", err)
	}

	notifier := notify.NewManager(r.cfg.Notifier, r.logger)
	defer notifier.Close()

	location, err := r.cfg.Location()
	if err != nil {
		return err
	}
	fireTime, err := r.cfg.FireTime()
	if err != nil {
		return err
	}

	eng := engine.New(brokerClient, sheetAdapter, notifier, location, r.logger)

	healthMgr := health.NewManager(notifier, r.logger)
	healthMgr.Register("broker_session", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		authenticated, err := brokerClient.Tickle(ctx)
		if err != nil {
			return err
		}
		if !authenticated {
			return fmt.Errorf("brokerage session not authenticated")
		}
		return nil
	})
	healthMgr.Register("sheet", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		_, err := sheetAdapter.ListOrders(ctx)
		return err
	})

	sched := scheduler.New(eng, healthMgr, notifier, location, r.logger)
	if err := sched.Start(ctx, fireTime); err != nil {
		return err
	}
	defer sched.Stop()

	tickler := broker.NewTickler(brokerClient,
		time.Duration(r.cfg.Broker.TickleInterval)*time.Second, r.logger)

	srv := server.New(r.cfg.Service.Port, eng, brokerClient, healthMgr, sched.NextRun, r.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return srv.Start()
	})
	group.Go(func() error {
		tickler.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	notifier.SystemEvent(ctx, "Service Started",
		fmt.Sprintf("Daily run at %s %s, next run %s.",
			r.cfg.Scheduler.FireTime, r.cfg.Scheduler.Timezone,
			sched.NextRun().In(location).Format("Mon 15:04")), false)
	r.logger.Info("service started",
		zap.String("fire_time", r.cfg.Scheduler.FireTime),
		zap.String("timezone", r.cfg.Scheduler.Timezone),
		zap.Int("port", r.cfg.Service.Port))

	err = group.Wait()

	notifyCtx, cancelNotify := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelNotify()
	if err != nil && ctx.Err() == nil {
		notifier.SystemEvent(notifyCtx, "Service Crashed", err.Error(), true)
		return err
	}
	notifier.SystemEvent(notifyCtx, "Service Stopped", "Shutdown complete.", false)
	return nil
}

func (r *Runner) notifyTerminalFailure(err error, attempts int) {
	notifier := notify.NewManager(r.cfg.Notifier, r.logger)
	defer notifier.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	notifier.SystemEvent(ctx, "Service Terminated",
		fmt.Sprintf("Service gave up after %d restart attempts: %v", attempts, err), true)
}
