package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ava-labs/jobqueue/pkg/queue"
)

// Client is the subset of the go-redis client used by the driver.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// NewClient creates a go-redis client from cfg. No connection is made until
// the first command.
func NewClient(cfg queue.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Username:              cfg.Username,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ContextTimeoutEnabled: true,
	})
}

// StreamKey returns the stream holding the jobs of queueName.
func StreamKey(prefix, queueName string) string {
	return prefix + ":queue:" + queueName
}

// DedupKey returns the key marking token as recently enqueued on queueName.
func DedupKey(prefix, queueName, token string) string {
	return prefix + ":dedup:" + queueName + ":" + token
}

var _ Client = (*redis.Client)(nil)
