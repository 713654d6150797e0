package events

import (
	"context"
	"sync"

	xerrors "virgo/internal/errors"
)

// MemoryPublisher 在内存中保留最近的事件，主要用于测试与维护命令。
type MemoryPublisher struct {
	mu       sync.Mutex
	capacity int
	events   []Event
	closed   bool
}

// NewMemoryPublisher 创建一个容量为 capacity 的内存事件缓冲。
func NewMemoryPublisher(capacity int) *MemoryPublisher {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryPublisher{capacity: capacity}
}

// Name 返回驱动名称。
func (p *MemoryPublisher) Name() string { return "memory" }

// Publish 记录事件，超出容量时丢弃最旧的事件。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return xerrors.New(xerrors.CodeEventFailure, "事件缓冲已关闭")
	}
	p.events = append(p.events, event)
	if len(p.events) > p.capacity {
		p.events = append([]Event(nil), p.events[len(p.events)-p.capacity:]...)
	}
	return nil
}

// Events 返回当前缓冲中的事件副本，按发布顺序排列。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Close 关闭缓冲，之后的 Publish 会失败。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
