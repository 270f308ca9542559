package provider

import (
	"context"
	"strings"

	"github.com/smallbiznis/agentmeter/internal/billingsync/domain"
	"go.uber.org/zap"
)

const NameLog = "log"

// Log accepts every report and only logs it. It stands in for the real
// provider when no credentials are configured.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log.Named("billing_provider.log")}
}

func (l *Log) Name() string { return NameLog }

func (l *Log) ReportUsage(_ context.Context, report domain.UsageReport) error {
	if strings.TrimSpace(report.TargetRef) == "" {
		return domain.ErrInvalidTarget
	}
	l.log.Info("usage report",
		zap.String("target_ref", report.TargetRef),
		zap.Int64("quantity", report.Quantity),
		zap.Time("timestamp", report.Timestamp),
		zap.String("idempotency_key", report.IdempotencyKey),
	)
	return nil
}
