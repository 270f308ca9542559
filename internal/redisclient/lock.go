package redisclient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// JobLockNamespace prefixes every scheduler job lock key.
const JobLockNamespace = "agentmeter:scheduler:job:"

const releaseIfOwnerScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("lock_client_not_configured")
	ErrLockHeld          = errors.New("lock_held")
	ErrInvalidLock       = errors.New("invalid_lock_request")
)

// Locker hands out single-holder job leases. Each lease carries its own
// token, and releasing a lease never removes a key another holder took over
// after expiry.
type Locker struct {
	client    *redis.Client
	namespace string
	release   *redis.Script
}

// NewLocker returns nil when client is nil, so an unconfigured Redis means
// jobs run unlocked.
func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:    client,
		namespace: JobLockNamespace,
		release:   redis.NewScript(releaseIfOwnerScript),
	}
}

// JobLockKey is the Redis key guarding the named job.
func JobLockKey(job string) string {
	return JobLockNamespace + strings.TrimSpace(job)
}

// Lease is a held job lock.
type Lease struct {
	locker *Locker
	Job    string
	Key    string
	token  string
}

// AcquireJob takes the lease for job or returns ErrLockHeld.
func (l *Locker) AcquireJob(ctx context.Context, job string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	job = strings.TrimSpace(job)
	if job == "" || ttl <= 0 {
		return nil, ErrInvalidLock
	}

	key := l.namespace + job
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{locker: l, Job: job, Key: key, token: token}, nil
}

// Release drops the lease if it is still ours. Safe on a nil lease.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.locker == nil || l.token == "" {
		return nil
	}
	return l.locker.release.Run(ctx, l.locker.client, []string{l.Key}, l.token).Err()
}
