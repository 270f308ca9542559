package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
	"github.com/smallbiznis/agentmeter/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func Provide(conn *gorm.DB, genID *snowflake.Node) usagedomain.Repository {
	return &repo{db: conn, genID: genID}
}

func (r *repo) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func (r *repo) InsertEvent(ctx context.Context, tx *gorm.DB, event *usagedomain.UsageEvent) error {
	if event == nil {
		return errors.New("missing_usage_event")
	}
	if event.ID == 0 {
		event.ID = r.genID.Generate()
	}
	if err := r.conn(ctx, tx).Create(event).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return usagedomain.ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (r *repo) IncrementCounter(
	ctx context.Context,
	tx *gorm.DB,
	key usagedomain.CounterKey,
	periodEnd time.Time,
	delta int64,
	at time.Time,
) error {
	lastEventAt := at
	counter := &usagedomain.UsageCounter{
		ID:          r.genID.Generate(),
		TenantID:    key.TenantID,
		Agent:       key.Agent,
		PeriodStart: key.PeriodStart,
		PeriodEnd:   periodEnd,
		Count:       delta,
		LastEventAt: &lastEventAt,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	// Single-statement upsert: concurrent increments of one row serialize on
	// the row itself and never read-modify-write in application code.
	return r.conn(ctx, tx).Clauses(clause.OnConflict{
		Columns: counterConflictColumns(),
		DoUpdates: clause.Assignments(map[string]any{
			"count":         gorm.Expr("usage_counters.count + ?", delta),
			"last_event_at": at,
			"updated_at":    at,
		}),
	}).Create(counter).Error
}

func (r *repo) EnsureCounter(
	ctx context.Context,
	tx *gorm.DB,
	key usagedomain.CounterKey,
	periodEnd time.Time,
	at time.Time,
) (bool, error) {
	counter := &usagedomain.UsageCounter{
		ID:          r.genID.Generate(),
		TenantID:    key.TenantID,
		Agent:       key.Agent,
		PeriodStart: key.PeriodStart,
		PeriodEnd:   periodEnd,
		Count:       0,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	result := r.conn(ctx, tx).Clauses(clause.OnConflict{
		Columns:   counterConflictColumns(),
		DoNothing: true,
	}).Create(counter)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) GetCounter(ctx context.Context, tx *gorm.DB, key usagedomain.CounterKey) (*usagedomain.UsageCounter, error) {
	var counter usagedomain.UsageCounter
	err := r.conn(ctx, tx).
		Where("tenant_id = ? AND agent = ? AND period_start = ?", key.TenantID, key.Agent, key.PeriodStart).
		First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &counter, nil
}

func (r *repo) ListCountersForPeriod(ctx context.Context, tx *gorm.DB, tenantID string, periodStart time.Time) ([]usagedomain.UsageCounter, error) {
	var counters []usagedomain.UsageCounter
	err := r.conn(ctx, tx).
		Where("tenant_id = ? AND period_start = ?", tenantID, periodStart).
		Order("agent ASC").
		Find(&counters).Error
	return counters, err
}

func (r *repo) SumEvents(ctx context.Context, tx *gorm.DB, tenantID string, agent usagedomain.Agent, from, to time.Time) (int64, error) {
	var sum int64
	err := r.conn(ctx, tx).
		Model(&usagedomain.UsageEvent{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("tenant_id = ? AND agent = ? AND created_at >= ? AND created_at < ?", tenantID, agent, from, to).
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return sum, nil
}

func (r *repo) CompareAndSetCount(ctx context.Context, tx *gorm.DB, counterID int64, expected, value int64, at time.Time) (bool, error) {
	if value < 0 {
		return false, errors.New("counter_value_negative")
	}
	result := r.conn(ctx, tx).
		Model(&usagedomain.UsageCounter{}).
		Where("id = ? AND count = ?", counterID, expected).
		Updates(map[string]any{
			"count":      value,
			"updated_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func counterConflictColumns() []clause.Column {
	return []clause.Column{{Name: "tenant_id"}, {Name: "agent"}, {Name: "period_start"}}
}
