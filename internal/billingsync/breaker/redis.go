package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/agentmeter/internal/billingsync/domain"
)

const (
	BackendRedis    = "redis"
	DefaultRedisKey = "agentmeter:billing_sync:breaker"
)

// Times are stored as unix milliseconds; open_until = 0 means closed.
const acquireScript = `
local open_until = tonumber(redis.call("HGET", KEYS[1], "open_until") or "0")
if open_until == 0 then
  return 1
end
local now = tonumber(ARGV[1])
if now < open_until then
  return 0
end
local probe_until = tonumber(redis.call("HGET", KEYS[1], "probe_until") or "0")
if now < probe_until then
  return 0
end
redis.call("HSET", KEYS[1], "probe_until", now + tonumber(ARGV[2]))
return 2
`

const successScript = `
local open_until = tonumber(redis.call("HGET", KEYS[1], "open_until") or "0")
redis.call("HSET", KEYS[1], "failures", 0, "open_until", 0, "probe_until", 0)
redis.call("HINCRBY", KEYS[1], "successes", 1)
return open_until
`

const failureScript = `
local open_until = tonumber(redis.call("HGET", KEYS[1], "open_until") or "0")
local now = tonumber(ARGV[1])
local failures = redis.call("HINCRBY", KEYS[1], "failures", 1)
local next_until = open_until
if open_until > 0 and now >= open_until then
  next_until = now + tonumber(ARGV[3])
elseif open_until == 0 and failures >= tonumber(ARGV[2]) then
  next_until = now + tonumber(ARGV[3])
end
redis.call("HSET", KEYS[1], "open_until", next_until, "probe_until", 0)
return {open_until, next_until, failures}
`

const (
	acquireRejected = 0
	acquireAllowed  = 1
	acquireProbe    = 2
)

// Redis shares one circuit across replicas. Each transition runs as a single
// script so concurrent replicas never observe a half-applied state.
type Redis struct {
	client   *redis.Client
	key      string
	settings domain.Settings

	acquire *redis.Script
	success *redis.Script
	failure *redis.Script
}

func NewRedis(client *redis.Client, key string, settings domain.Settings) (*Redis, error) {
	if client == nil {
		return nil, errors.New("breaker redis client not configured")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{
		client:   client,
		key:      key,
		settings: settings.Normalize(),
		acquire:  redis.NewScript(acquireScript),
		success:  redis.NewScript(successScript),
		failure:  redis.NewScript(failureScript),
	}, nil
}

func (r *Redis) Acquire(ctx context.Context, now time.Time) (bool, error) {
	res, err := r.acquire.Run(ctx, r.client, []string{r.key}, now.UnixMilli(), r.settings.ProbeLease.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("breaker acquire: %w", err)
	}
	switch res {
	case acquireAllowed:
		return false, nil
	case acquireProbe:
		return true, nil
	default:
		return false, domain.ErrCircuitOpen
	}
}

func (r *Redis) RecordSuccess(ctx context.Context, now time.Time) (domain.Transition, error) {
	prev, err := r.success.Run(ctx, r.client, []string{r.key}).Int64()
	if err != nil {
		return domain.Transition{}, fmt.Errorf("breaker record success: %w", err)
	}
	return domain.Transition{
		From: domain.StateAt(fromMillis(prev), now),
		To:   domain.StateClosed,
	}, nil
}

func (r *Redis) RecordFailure(ctx context.Context, now time.Time) (domain.Transition, error) {
	res, err := r.failure.Run(ctx, r.client, []string{r.key},
		now.UnixMilli(),
		r.settings.MaxFailures,
		r.settings.Cooldown.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.Transition{}, fmt.Errorf("breaker record failure: %w", err)
	}
	if len(res) < 2 {
		return domain.Transition{}, fmt.Errorf("breaker record failure: unexpected reply %v", res)
	}
	return domain.Transition{
		From: domain.StateAt(fromMillis(res[0]), now),
		To:   domain.StateAt(fromMillis(res[1]), now),
	}, nil
}

func (r *Redis) Status(ctx context.Context, now time.Time) (domain.Status, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return domain.Status{}, fmt.Errorf("breaker status: %w", err)
	}
	openUntil := fromMillis(parseInt(fields["open_until"]))
	probeUntil := fromMillis(parseInt(fields["probe_until"]))

	status := domain.Status{
		Backend:             BackendRedis,
		State:               domain.StateAt(openUntil, now),
		ConsecutiveFailures: parseInt(fields["failures"]),
		Successes:           parseInt(fields["successes"]),
		MaxFailures:         r.settings.MaxFailures,
		Cooldown:            r.settings.Cooldown.String(),
		ProbeInFlight:       !probeUntil.IsZero() && now.Before(probeUntil),
	}
	if !openUntil.IsZero() {
		status.OpenUntil = &openUntil
	}
	return status, nil
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseInt(raw string) int64 {
	if raw == "" {
		return 0
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}
	// Lua may render large numbers in exponent form.
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}
