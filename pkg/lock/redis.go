package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// releaseScript deletes the lock only when it is still owned by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a lock of a crashed owner survives
	TTL time.Duration
	// RetryDelay is the pause between acquisition attempts
	RetryDelay time.Duration
}

// RedisStore holds locks shared between engine nodes.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	conf    RedisConfig
}

var _ Store = &RedisStore{}

func NewRedisStore(ctx context.Context, conf RedisConfig, timeout time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", conf.Addr, err)
	}
	if conf.TTL <= 0 {
		conf.TTL = time.Minute
	}
	if conf.RetryDelay <= 0 {
		conf.RetryDelay = 25 * time.Millisecond
	}
	return &RedisStore{client: client, timeout: timeout, conf: conf}, nil
}

func redisKey(key Key) string {
	return "zencore:lock:" + key.String()
}

var errLockBusy = errors.New("lock is held by another owner")

func (s *RedisStore) Acquire(ctx context.Context, objectType string, objectId int64, tenantId int64) (Lock, error) {
	key := Key{ObjectType: objectType, ObjectId: objectId, TenantId: tenantId}
	token := uuid.NewString()

	backoff := retry.WithMaxDuration(s.timeout, retry.NewConstant(s.conf.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := s.client.SetNX(ctx, redisKey(key), token, s.conf.TTL).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errLockBusy)
		}
		return nil
	})
	switch {
	case err == nil:
		return Lock{Key: key, Token: token, AcquiredAt: time.Now()}, nil
	case errors.Is(err, errLockBusy):
		return Lock{}, &TimeoutError{Key: key, Timeout: s.timeout}
	default:
		return Lock{}, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
}

func (s *RedisStore) Release(ctx context.Context, l Lock, tenantId int64) error {
	key := l.Key
	key.TenantId = tenantId
	deleted, err := releaseScript.Run(ctx, s.client, []string{redisKey(key)}, l.Token).Int()
	if err != nil {
		return &ReleaseError{Key: key, Err: err}
	}
	if deleted == 0 {
		return &ReleaseError{Key: key, Err: errNotHeld}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
