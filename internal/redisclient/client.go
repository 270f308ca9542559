// Package redisclient provides the shared Redis connection and the job lock
// built on it. Redis is optional; when disabled the client is nil and callers
// fall back to process-local behaviour.
package redisclient

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/agentmeter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
	fx.Provide(NewLocker),
)

func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	rc := cfg.Redis
	if !rc.Enabled {
		return nil, nil
	}
	addr := strings.TrimSpace(rc.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx).Err(); err != nil {
				return err
			}
			log.Info("redis connected", zap.String("addr", addr), zap.Int("db", rc.DB))
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}
