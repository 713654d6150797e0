package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	xerrors "virgo/internal/errors"
)

// Fanout 将事件广播给多个目标。单个目标失败不会影响其他目标。
type Fanout struct {
	publishers map[string]Publisher
	order      []string
	log        *slog.Logger
}

// NewFanout 创建一个新的 Fanout，同名目标以后者为准。
func NewFanout(log *slog.Logger, publishers ...Publisher) *Fanout {
	set := make(map[string]Publisher, len(publishers))
	for _, p := range publishers {
		if p == nil {
			continue
		}
		set[p.Name()] = p
	}
	order := make([]string, 0, len(set))
	for name := range set {
		order = append(order, name)
	}
	sort.Strings(order)
	return &Fanout{publishers: set, order: order, log: log}
}

// Name 返回 fanout。
func (f *Fanout) Name() string { return "fanout" }

// Names 返回已注册的目标名称。
func (f *Fanout) Names() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.order...)
}

// Publish 将事件广播至所有目标。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, name := range f.order {
		if err := f.publishers[name].Publish(ctx, event); err != nil {
			if f.log != nil {
				f.log.Warn("事件投递失败", slog.String("sink", name), slog.String("event", string(event.Type)), slog.Any("error", err))
			}
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeEventFailure, errors.Join(errs...), "")
	}
	return nil
}

// Close 关闭所有目标。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, name := range f.order {
		if err := f.publishers[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
