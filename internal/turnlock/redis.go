package turnlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis holds turn locks in a shared Redis so several API instances serialize
// turns on the same conversation. A lock whose holder dies expires after TTL.
type Redis struct {
	Client       RedisClient
	TTL          time.Duration
	PollInterval time.Duration
	Prefix       string
	Logger       *slog.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedis(cfg RedisConfig, logger *slog.Logger) (*Redis, *redis.Client) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{Client: client, TTL: cfg.TTL, Logger: logger}, client
}

func (l *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	l.ensureDefaults()
	redisKey := l.Prefix + key
	token := uuid.NewString()

	for {
		acquired, err := l.Client.SetNX(ctx, redisKey, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %q: %w", key, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.PollInterval):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.Client.Eval(releaseCtx, releaseScript, []string{redisKey}, token).Err(); err != nil && l.Logger != nil {
				l.Logger.Warn("release turn lock failed", slog.String("key", redisKey), slog.Any("error", err))
			}
		})
	}, nil
}

func (l *Redis) ensureDefaults() {
	if l.TTL <= 0 {
		l.TTL = 2 * time.Minute
	}
	if l.PollInterval <= 0 {
		l.PollInterval = 50 * time.Millisecond
	}
	if l.Prefix == "" {
		l.Prefix = "sqlchat:turnlock:"
	}
}
