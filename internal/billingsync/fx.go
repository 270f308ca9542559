package billingsync

import (
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/agentmeter/internal/billingsync/breaker"
	"github.com/smallbiznis/agentmeter/internal/billingsync/domain"
	"github.com/smallbiznis/agentmeter/internal/billingsync/provider"
	"github.com/smallbiznis/agentmeter/internal/billingsync/service"
	"github.com/smallbiznis/agentmeter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billingsync",
	fx.Provide(
		newBreaker,
		newReporter,
		fx.Annotate(reportTimeout, fx.ResultTags(`name:"billing_report_timeout"`)),
		service.NewGate,
		func(g *service.Gate) domain.Gate { return g },
	),
)

type breakerParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func newBreaker(p breakerParams) (domain.Breaker, error) {
	settings := domain.Settings{
		MaxFailures: int64(p.Config.Breaker.MaxFailures),
		Cooldown:    p.Config.Breaker.Cooldown,
	}.Normalize()

	switch p.Config.Breaker.Backend {
	case config.BreakerBackendRedis:
		if p.Redis == nil {
			return nil, fmt.Errorf("breaker backend %q requires REDIS_ENABLED", config.BreakerBackendRedis)
		}
		p.Log.Info("billing sync breaker backend", zap.String("backend", breaker.BackendRedis))
		return breaker.NewRedis(p.Redis, breaker.DefaultRedisKey, settings)
	default:
		p.Log.Info("billing sync breaker backend", zap.String("backend", breaker.BackendMemory))
		return breaker.NewMemory(settings), nil
	}
}

func newReporter(cfg config.Config, log *zap.Logger) (domain.UsageReporter, error) {
	pc := cfg.BillingProvider
	if pc.APIKey == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("BILLING_PROVIDER_API_KEY is required in production: %w", domain.ErrInvalidConfig)
		}
		log.Warn("billing provider api key not set, usage reports are only logged")
		return provider.NewLog(log), nil
	}
	switch pc.Name {
	case provider.NameStripe, "":
		return provider.NewStripe(provider.StripeConfig{
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey,
			Timeout: pc.Timeout,
			Rate:    pc.Rate,
			Burst:   pc.Burst,
		})
	default:
		return nil, fmt.Errorf("unsupported billing provider %q: %w", pc.Name, domain.ErrInvalidConfig)
	}
}

func reportTimeout(cfg config.Config) time.Duration {
	return cfg.BillingProvider.Timeout
}
