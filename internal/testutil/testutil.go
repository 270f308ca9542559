// Package testutil provides sqlite-backed fixtures shared by package tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/agentmeter/internal/migration"
	subscriptiondomain "github.com/smallbiznis/agentmeter/internal/subscription/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDB opens a private in-memory database with the full schema. A single
// connection serializes concurrent transactions.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)
	require.NoError(t, migration.AutoMigrate(db))

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

// Node returns a snowflake generator for fixtures.
func Node(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

// SeedPlan inserts a plan with the given allowances.
func SeedPlan(t *testing.T, db *gorm.DB, node *snowflake.Node, name string, allowances map[string]int64) subscriptiondomain.Plan {
	t.Helper()
	now := time.Now().UTC()
	plan := subscriptiondomain.Plan{
		ID:         node.Generate(),
		Name:       name,
		Active:     true,
		Allowances: datatypes.NewJSONType(allowances),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, db.Create(&plan).Error)
	return plan
}

// SubscriptionFixture describes a subscription row to seed.
type SubscriptionFixture struct {
	TenantID     string
	Status       subscriptiondomain.SubscriptionStatus
	PlanID       *snowflake.ID
	PeriodStart  *time.Time
	PeriodEnd    *time.Time
	ExternalRef  string
	BillingItems map[string]string
}

// SeedSubscription inserts a subscription row.
func SeedSubscription(t *testing.T, db *gorm.DB, node *snowflake.Node, f SubscriptionFixture) subscriptiondomain.Subscription {
	t.Helper()
	now := time.Now().UTC()
	status := f.Status
	if status == "" {
		status = subscriptiondomain.SubscriptionStatusActive
	}
	items := f.BillingItems
	if items == nil {
		items = map[string]string{}
	}
	sub := subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		TenantID:           f.TenantID,
		Status:             status,
		PlanID:             f.PlanID,
		CurrentPeriodStart: f.PeriodStart,
		CurrentPeriodEnd:   f.PeriodEnd,
		ExternalRef:        f.ExternalRef,
		BillingItems:       datatypes.NewJSONType(items),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, db.Create(&sub).Error)
	return sub
}

// Period returns a one-month period starting at start.
func Period(start time.Time) (*time.Time, *time.Time) {
	s := start.UTC()
	e := s.AddDate(0, 1, 0)
	return &s, &e
}
