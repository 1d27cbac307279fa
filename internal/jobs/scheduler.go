// Package jobs runs periodic maintenance: the expiry sweep and payment reconciliation.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/bissquit/channel-access/internal/payments"
	"github.com/go-co-op/gocron/v2"
)

// Job names. They double as distributed lock keys.
const (
	JobExpireAndKick    = "subscriptions_expire_and_kick"
	JobReconcilePending = "payments_reconcile_pending"
)

// Sweeper expires subscriptions and removes their users from the channel.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) ([]domain.Subscription, error)
	Kick(ctx context.Context, channelID, userID int64) error
}

// Reconciler settles pending payments the provider reports as paid.
type Reconciler interface {
	ReconcilePending(ctx context.Context) (*payments.ReconcileResult, error)
}

// ExpiryNotifier tells users their access ended.
type ExpiryNotifier interface {
	NotifyExpired(ctx context.Context, sub domain.Subscription) error
}

// Config contains scheduler configuration.
type Config struct {
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	// JobTimeout bounds a single run.
	JobTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     10 * time.Minute,
		ReconcileInterval: 5 * time.Minute,
		JobTimeout:        5 * time.Minute,
	}
}

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	Expired     int
	Kicked      int
	KickFailed  int
	NotifyFails int
}

// Scheduler runs the periodic jobs.
type Scheduler struct {
	scheduler  gocron.Scheduler
	config     Config
	sweeper    Sweeper
	reconciler Reconciler
	notifier   ExpiryNotifier
	now        func() time.Time
}

// NewScheduler registers the jobs. reconciler and notifier may be nil.
// A non-nil locker makes each run happen on one replica only.
func NewScheduler(config Config, sweeper Sweeper, reconciler Reconciler, notifier ExpiryNotifier, locker gocron.Locker) (*Scheduler, error) {
	defaults := DefaultConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = defaults.ReconcileInterval
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}

	opts := []gocron.SchedulerOption{
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(slog.Default()),
	}
	if locker != nil {
		opts = append(opts, gocron.WithDistributedLocker(locker))
	}

	scheduler, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &Scheduler{
		scheduler:  scheduler,
		config:     config,
		sweeper:    sweeper,
		reconciler: reconciler,
		notifier:   notifier,
		now:        time.Now,
	}

	if err := s.register(JobExpireAndKick, config.SweepInterval, func(ctx context.Context) error {
		_, err := s.RunSweep(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	if reconciler != nil {
		if err := s.register(JobReconcilePending, config.ReconcileInterval, s.RunReconcile); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Scheduler) register(name string, every time.Duration, run func(ctx context.Context) error) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
			defer cancel()

			start := time.Now()
			err := run(ctx)
			recordRun(name, err, time.Since(start))
			if err != nil {
				slog.Error("job failed", "job", name, "error", err)
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	slog.Info("job registered", "job", name, "interval", every)
	return nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	slog.Info("starting job scheduler")
	s.scheduler.Start()
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	slog.Info("job scheduler stopped")
	return nil
}

// RunSweep expires overdue subscriptions and kicks their users. A failed
// kick is logged and the batch continues.
func (s *Scheduler) RunSweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	expired, err := s.sweeper.SweepExpired(ctx, s.now().UTC())
	if err != nil {
		return result, err
	}
	result.Expired = len(expired)

	for _, sub := range expired {
		if err := s.sweeper.Kick(ctx, sub.ChannelID, sub.UserID); err != nil {
			result.KickFailed++
			kickedTotal.WithLabelValues("error").Inc()
			slog.Warn("failed to kick expired member",
				"subscription_id", sub.ID,
				"user_id", sub.UserID,
				"error", err,
			)
			continue
		}
		result.Kicked++
		kickedTotal.WithLabelValues("ok").Inc()

		if s.notifier != nil {
			if err := s.notifier.NotifyExpired(ctx, sub); err != nil {
				result.NotifyFails++
				slog.Warn("failed to notify expired member", "user_id", sub.UserID, "error", err)
			}
		}
	}

	if result.Expired > 0 {
		slog.Info("expiry sweep finished",
			"expired", result.Expired,
			"kicked", result.Kicked,
			"kick_failed", result.KickFailed,
		)
	}
	return result, nil
}

// RunReconcile runs one reconciliation pass.
func (s *Scheduler) RunReconcile(ctx context.Context) error {
	result, err := s.reconciler.ReconcilePending(ctx)
	if err != nil {
		return err
	}
	if result.Checked > 0 || result.Republished > 0 {
		slog.Info("reconciliation finished",
			"checked", result.Checked,
			"settled", result.Settled,
			"failed", result.Failed,
			"republished", result.Republished,
		)
	}
	return nil
}
