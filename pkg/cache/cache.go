package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// defaultOperationTimeout is the timeout for individual Redis operations
	defaultOperationTimeout = 5 * time.Second
	lockPollInterval        = 100 * time.Millisecond
)

var (
	ErrCacheDisabled = errors.New("cache disabled")
	ErrLockNotHeld   = errors.New("lock not acquired")
)

// releaseScript deletes the lock only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Cache struct {
	client  *redis.Client
	enabled bool
}

// Lock is a held advisory lock. Release it with Cache.Unlock.
type Lock struct {
	Key   string
	token string
}

func NewCache(redisURL string, enable bool) (*Cache, error) {
	if !enable {
		return &Cache{enabled: false}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 5
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{
		client:  client,
		enabled: true,
	}, nil
}

func (c *Cache) Enabled() bool {
	return c != nil && c.enabled
}

// operationContext bounds a Redis call by the parent and the default timeout.
func (c *Cache) operationContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, defaultOperationTimeout)
}

// Lock takes key with SET NX, polling until wait elapses. The lock expires
// after ttl even if never released.
func (c *Cache) Lock(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	if !c.Enabled() {
		return nil, ErrCacheDisabled
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		opCtx, cancel := c.operationContext(ctx)
		ok, err := c.client.SetNX(opCtx, key, token, ttl).Result()
		cancel()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{Key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockNotHeld
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (c *Cache) Unlock(ctx context.Context, lock *Lock) error {
	if !c.Enabled() || lock == nil {
		return nil
	}

	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	return releaseScript.Run(ctx, c.client, []string{lock.Key}, lock.token).Err()
}

func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
