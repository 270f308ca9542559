package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingsyncdomain "github.com/smallbiznis/agentmeter/internal/billingsync/domain"
	"github.com/smallbiznis/agentmeter/internal/clock"
	obsmetrics "github.com/smallbiznis/agentmeter/internal/observability/metrics"
	"github.com/smallbiznis/agentmeter/internal/redisclient"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobPeriodRollover = "period_rollover"
	JobOverageSync    = "overage_sync"
	JobReconciliation = "reconciliation"
)

var (
	ErrInvalidConfig = errors.New("scheduler_invalid_config")
	ErrUnknownJob    = errors.New("unknown_job")
	ErrJobLocked     = errors.New("job_locked")
)

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Usage         usagedomain.Repository
	Subscriptions subscriptiondomain.Provider
	Catalog       usagedomain.CatalogSource
	Gate          billingsyncdomain.Gate
	Locker        *redisclient.Locker          `optional:"true"`
	Metrics       *obsmetrics.SchedulerMetrics `optional:"true"`
	Config        Config                       `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	usage         usagedomain.Repository
	subscriptions subscriptiondomain.Provider
	catalog       usagedomain.CatalogSource
	gate          billingsyncdomain.Gate
	locker        *redisclient.Locker
	metrics       *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Usage == nil || p.Subscriptions == nil || p.Catalog == nil || p.Gate == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		usage:         p.Usage,
		subscriptions: p.Subscriptions,
		catalog:       p.Catalog,
		gate:          p.Gate,
		locker:        p.Locker,
		metrics:       m,
	}, nil
}

type job struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) (any, error)
}

// jobs lists the jobs in run order: rollover first so counters exist before
// overage sync and reconciliation read them.
func (s *Scheduler) jobs() []job {
	return []job{
		{JobPeriodRollover, s.cfg.RolloverTimeout, func(ctx context.Context) (any, error) {
			return s.PeriodRolloverJob(ctx)
		}},
		{JobOverageSync, s.cfg.OverageSyncTimeout, func(ctx context.Context) (any, error) {
			return s.OverageSyncJob(ctx)
		}},
		{JobReconciliation, s.cfg.ReconcileTimeout, func(ctx context.Context) (any, error) {
			return s.ReconciliationJob(ctx)
		}},
	}
}

// JobNames returns the job names in run order.
func (s *Scheduler) JobNames() []string {
	jobs := s.jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.name)
	}
	return names
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	if s.locker != nil {
		lease, err := s.locker.AcquireJob(parent, name, s.cfg.LockTTL)
		if errors.Is(err, redisclient.ErrLockHeld) {
			s.metrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
			s.log.Debug("job skipped, lock held elsewhere", zap.String("job", name))
			return ErrJobLocked
		}
		if err != nil {
			return fmt.Errorf("%s: acquire lock: %w", name, err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(parent)); err != nil {
				s.log.Warn("release job lock", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: partial progress stands
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once, in order. A failing job does not stop
// the ones after it.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		run := j.run
		jobErr := s.runJob(parent, j.name, s.cfg.BatchSize, j.timeout, func(ctx context.Context) error {
			_, err := run(ctx)
			return err
		})
		if errors.Is(jobErr, ErrJobLocked) {
			continue
		}
		err = errors.Join(err, jobErr)
	}
	return err
}

// Trigger runs one job immediately and returns its result. Disabled jobs can
// still be triggered.
func (s *Scheduler) Trigger(parent context.Context, name string) (any, error) {
	for _, j := range s.jobs() {
		if !strings.EqualFold(j.name, name) {
			continue
		}
		var result any
		run := j.run
		err := s.runJob(parent, j.name, s.cfg.BatchSize, j.timeout, func(ctx context.Context) error {
			var err error
			result, err = run(ctx)
			return err
		})
		return result, err
	}
	return nil, ErrUnknownJob
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty list: every job runs
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// forEachBillable pages through trial and active subscriptions. fn returns
// true to stop early. ctx is checked between items.
func (s *Scheduler) forEachBillable(ctx context.Context, fn func(sub subscriptiondomain.Subscription) (stop bool)) error {
	var after snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.subscriptions.ListBillable(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list billable subscriptions: %w", err)
		}
		for _, sub := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if fn(sub) {
				return nil
			}
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}
