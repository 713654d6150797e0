package events

import (
	"context"
	"log/slog"

	"virgo/internal/config"
	xerrors "virgo/internal/errors"
)

// Open 按配置创建事件目标。内存缓冲总是存在，并单独返回以便查询。
// 配置错误直接返回；远端目标连接失败只记录警告并跳过该目标。
func Open(ctx context.Context, cfg config.EventsConfig, log *slog.Logger) (*Fanout, *MemoryPublisher, error) {
	memory := NewMemoryPublisher(cfg.Memory.Capacity)
	publishers := []Publisher{memory}

	closeAll := func() {
		for _, p := range publishers {
			_ = p.Close()
		}
	}
	// unreachable 判断错误是否只是远端不可达
	unreachable := func(driver string, err error) bool {
		if xerrors.CodeOf(err) != xerrors.CodeEventFailure {
			return false
		}
		if log != nil {
			log.Warn("事件目标不可用，已跳过", slog.String("sink", driver), slog.Any("error", err))
		}
		return true
	}

	for _, driver := range cfg.Drivers {
		switch driver {
		case "memory":
		case "redis":
			p, err := NewRedisPublisher(ctx, RedisConfig{
				Address:  cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				List:     cfg.Redis.List,
				MaxLen:   cfg.Redis.MaxLen,
				Channel:  cfg.Redis.Channel,
			})
			if err != nil {
				if unreachable(driver, err) {
					continue
				}
				closeAll()
				return nil, nil, err
			}
			publishers = append(publishers, p)
		case "rabbitmq":
			p, err := NewRabbitMQPublisher(RabbitMQConfig{
				URL:     cfg.RabbitMQ.URL,
				Queue:   cfg.RabbitMQ.Queue,
				Durable: cfg.RabbitMQ.Durable,
			})
			if err != nil {
				if unreachable(driver, err) {
					continue
				}
				closeAll()
				return nil, nil, err
			}
			publishers = append(publishers, p)
		default:
			closeAll()
			return nil, nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的事件驱动: %s", driver)
		}
	}
	return NewFanout(log, publishers...), memory, nil
}
