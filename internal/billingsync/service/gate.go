package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/agentmeter/internal/billingsync/domain"
	"github.com/smallbiznis/agentmeter/internal/clock"
	"github.com/smallbiznis/agentmeter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	reportOutcomeSuccess  = "success"
	reportOutcomeFailure  = "failure"
	reportOutcomeRejected = "rejected"
	reportOutcomeCanceled = "canceled"

	defaultReportTimeout = 10 * time.Second
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Breaker  domain.Breaker
	Reporter domain.UsageReporter
	Clock    clock.Clock
	Metrics  *metrics.BillingSyncMetrics `optional:"true"`
	Timeout  time.Duration               `name:"billing_report_timeout" optional:"true"`
}

// Gate reports usage to the provider only while the breaker admits calls.
type Gate struct {
	log      *zap.Logger
	breaker  domain.Breaker
	reporter domain.UsageReporter
	clock    clock.Clock
	metrics  *metrics.BillingSyncMetrics
	timeout  time.Duration
}

func NewGate(p Params) *Gate {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultReportTimeout
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		log:      log.Named("billingsync.gate"),
		breaker:  p.Breaker,
		reporter: p.Reporter,
		clock:    clk,
		metrics:  p.Metrics,
		timeout:  timeout,
	}
}

func (g *Gate) Report(ctx context.Context, targetRef string, quantity int64, timestamp time.Time, idempotencyKey string) error {
	targetRef = strings.TrimSpace(targetRef)
	if targetRef == "" {
		return domain.ErrInvalidTarget
	}
	if quantity < 0 {
		return domain.ErrInvalidQuantity
	}

	probe, err := g.breaker.Acquire(ctx, g.clock.Now())
	if err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) {
			g.metrics.IncRejected()
			g.metrics.IncReport(reportOutcomeRejected)
			g.log.Debug("usage report rejected, circuit open", zap.String("target_ref", targetRef))
			return domain.ErrCircuitOpen
		}
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	callErr := g.reporter.ReportUsage(callCtx, domain.UsageReport{
		TargetRef:      targetRef,
		Quantity:       quantity,
		Timestamp:      timestamp.UTC(),
		IdempotencyKey: idempotencyKey,
		Action:         domain.ActionSet,
	})
	cancel()

	now := g.clock.Now()
	// The outcome must reach a shared breaker even if the caller is gone.
	recordCtx := context.WithoutCancel(ctx)
	if callErr != nil {
		if ctx.Err() != nil {
			// The caller's own deadline says nothing about provider health. A
			// half-open probe slot is released when its lease expires.
			g.metrics.IncReport(reportOutcomeCanceled)
			g.log.Debug("usage report abandoned by caller",
				zap.String("target_ref", targetRef),
				zap.Bool("probe", probe),
				zap.Error(callErr),
			)
			return callErr
		}
		g.metrics.IncReport(reportOutcomeFailure)
		transition, err := g.breaker.RecordFailure(recordCtx, now)
		if err != nil {
			g.log.Error("record breaker failure", zap.Error(err))
		} else {
			g.observeTransition(transition, probe)
		}
		g.log.Warn("usage report failed",
			zap.String("provider", g.reporter.Name()),
			zap.String("target_ref", targetRef),
			zap.Bool("probe", probe),
			zap.Error(callErr),
		)
		return callErr
	}

	g.metrics.IncReport(reportOutcomeSuccess)
	transition, err := g.breaker.RecordSuccess(recordCtx, now)
	if err != nil {
		g.log.Error("record breaker success", zap.Error(err))
	} else {
		g.observeTransition(transition, probe)
	}
	return nil
}

func (g *Gate) Status(ctx context.Context) (domain.Status, error) {
	return g.breaker.Status(ctx, g.clock.Now())
}

func (g *Gate) observeTransition(t domain.Transition, probe bool) {
	if !t.Changed() {
		return
	}
	g.metrics.IncTransition(string(t.From), string(t.To))
	g.metrics.SetState(string(t.To), stateNames())

	fields := []zap.Field{
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.Bool("probe", probe),
	}
	if t.To == domain.StateOpen {
		g.log.Warn("billing sync circuit opened", fields...)
		return
	}
	g.log.Info("billing sync circuit state changed", fields...)
}

func stateNames() []string {
	out := make([]string, 0, len(domain.AllStates))
	for _, s := range domain.AllStates {
		out = append(out, string(s))
	}
	return out
}

var _ domain.Gate = (*Gate)(nil)
