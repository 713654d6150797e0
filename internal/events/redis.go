package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "virgo/internal/errors"
)

// RedisConfig 描述 Redis 事件目标的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// List 保存最近的事件，长度由 MaxLen 限制。
	List   string
	MaxLen int64
	// Channel 非空时同时通过 PUBLISH 广播事件。
	Channel     string
	DialTimeout time.Duration
}

// RedisPublisher 使用 Redis list（以及可选的 pub/sub 频道）记录事件。
type RedisPublisher struct {
	client  *redis.Client
	list    string
	maxLen  int64
	channel string
}

// NewRedisPublisher 创建 Redis 事件目标并检查连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	list := cfg.List
	if list == "" {
		list = "virgo:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
		MaxRetries:  1,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeEventFailure, err, "连接 Redis 失败")
	}
	return &RedisPublisher{client: client, list: list, maxLen: maxLen, channel: cfg.Channel}, nil
}

// Name 返回驱动名称。
func (p *RedisPublisher) Name() string { return "redis" }

// Publish 将事件写入列表头部并裁剪列表长度。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEventFailure, err, "序列化事件失败")
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, p.list, payload)
		pipe.LTrim(ctx, p.list, 0, p.maxLen-1)
		if p.channel != "" {
			pipe.Publish(ctx, p.channel, payload)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEventFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
