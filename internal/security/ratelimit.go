package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReleaseGuard is a best-effort Redis counter limiting concurrent
// releases per project/environment. It does not make concurrent
// coordinators from independent processes safe against the registry;
// that requires an external locking discipline and is documented as an
// operating constraint.
type ReleaseGuard struct {
	redis *redis.Client
}

func NewReleaseGuard(redisURL string) (*ReleaseGuard, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &ReleaseGuard{redis: client}, nil
}

func releaseKey(projectPath, environment string) string {
	return fmt.Sprintf("releases:active:%s:%s", projectPath, environment)
}

// Acquire increments the active-release counter and fails when the
// limit is already reached. The key expires as a safety net in case a
// coordinator dies without releasing.
func (g *ReleaseGuard) Acquire(ctx context.Context, projectPath, environment string, maxConcurrent int) error {
	key := releaseKey(projectPath, environment)

	active, err := g.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to check active releases: %w", err)
	}

	if active >= maxConcurrent {
		return fmt.Errorf("concurrent release limit reached (%d/%d) for %s/%s",
			active, maxConcurrent, projectPath, environment)
	}

	pipe := g.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment release counter: %w", err)
	}

	return nil
}

func (g *ReleaseGuard) Release(ctx context.Context, projectPath, environment string) error {
	return g.redis.Decr(ctx, releaseKey(projectPath, environment)).Err()
}

func (g *ReleaseGuard) Close() error {
	return g.redis.Close()
}
