package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type 表示生命周期事件的类型。
type Type string

// 内置事件类型。
const (
	TypeStarted       Type = "agent.started"
	TypeExited        Type = "agent.exited"
	TypeUpgrade       Type = "agent.upgrade"
	TypeUpgradeFailed Type = "agent.upgrade_failed"
	TypeHandoff       Type = "agent.handoff"
	TypeScript        Type = "agent.script"
)

// Event 描述一次生命周期事件。
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	RunID      string            `json:"run_id"`
	Version    string            `json:"version,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// New 创建一个带有随机 ID 的事件。
func New(typ Type, runID, version string, attrs map[string]string) Event {
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		RunID:      runID,
		Version:    version,
		Attributes: copied,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher 负责将事件投递到某个目标。
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event Event) error
	Close() error
}
