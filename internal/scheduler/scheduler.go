package scheduler

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stkpay/internal/clock"
	"github.com/smallbiznis/stkpay/internal/mpesa/poller"
	"go.uber.org/zap"
)

const (
	jobReconcileTimeouts = "reconcile_timeouts"

	leaseKeyPrefix = "stkpay:scheduler:"
)

// TimeoutReconciler resolves late outcomes for client-side timeouts.
type TimeoutReconciler interface {
	ReconcileTimeouts(ctx context.Context) (int, error)
}

// Scheduler runs periodic maintenance jobs. With a lease configured only one
// instance runs a given job per interval.
type Scheduler struct {
	cfg        Config
	clock      clock.Clock
	log        *zap.Logger
	genID      *snowflake.Node
	reconciler TimeoutReconciler
	lease      poller.Lease
}

func New(cfg Config, clk clock.Clock, log *zap.Logger, genID *snowflake.Node, reconciler TimeoutReconciler, lease poller.Lease) *Scheduler {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		clock:      clk,
		log:        log.Named("scheduler"),
		genID:      genID,
		reconciler: reconciler,
		lease:      lease,
	}
}

// RunOnce runs every job a single time.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.ReconcileTimeoutsJob(ctx)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	for {
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.RunInterval):
		}
	}
}

func (s *Scheduler) ReconcileTimeoutsJob(ctx context.Context) error {
	if s.reconciler == nil {
		return nil
	}
	release, owned := s.acquire(ctx, jobReconcileTimeouts)
	if !owned {
		return nil
	}
	defer release()

	ctx, run := s.startJobRun(ctx, jobReconcileTimeouts)
	s.logJobStart(ctx, run)
	defer s.logJobFinish(ctx, run)

	reconciled, err := s.reconciler.ReconcileTimeouts(ctx)
	run.AddProcessed(reconciled)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.job.error", err)
		return err
	}
	return nil
}

// acquire takes the job lease. Without a lease every instance runs the job.
func (s *Scheduler) acquire(ctx context.Context, job string) (func(), bool) {
	if s.lease == nil {
		return func() {}, true
	}
	key := leaseKeyPrefix + job
	token, ok, err := s.lease.TryLock(ctx, key, s.cfg.LeaseTTL)
	if err != nil {
		s.log.Warn("scheduler lease unavailable", zap.String("job", job), zap.Error(err))
		return func() {}, true
	}
	if !ok {
		s.log.Debug("scheduler job owned elsewhere", zap.String("job", job))
		return nil, false
	}
	return func() {
		if err := s.lease.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("scheduler lease release failed", zap.String("job", job), zap.Error(err))
		}
	}, true
}
