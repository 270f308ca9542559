package subscription

import (
	"github.com/smallbiznis/agentmeter/internal/cache"
	"github.com/smallbiznis/agentmeter/internal/clock"
	"github.com/smallbiznis/agentmeter/internal/subscription/repository"
	"github.com/smallbiznis/agentmeter/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideCache),
	fx.Provide(service.NewService),
)

func provideCache(clk clock.Clock) cache.SubscriptionCache {
	return cache.NewSubscriptionCache(clk.Now)
}
