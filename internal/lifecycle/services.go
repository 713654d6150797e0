package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	xerrors "virgo/internal/errors"
	"virgo/internal/events"
	"virgo/internal/observability/metrics"
	"virgo/internal/storage/mysql"
	"virgo/internal/upgrade"
)

// openServices 准备数据目录、pid 文件、运行记录、事件通道与 metrics 端点，并检查上一次升级的交接结果。
func (a *AgentContext) openServices(ctx context.Context) error {
	if err := os.MkdirAll(a.DataDir(), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStartup, err, "create data directory")
	}
	if path := a.Options.PidFile; path != "" {
		if err := writePidFile(path); err != nil {
			return err
		}
		a.pidFile = path
	}

	runs, err := a.openLedger(ctx)
	if err != nil && a.Config.Storage.RunStore.Driver != "memory" {
		// 远端运行记录不可用时退回本地文件
		a.Named("ledger").Warn("运行记录存储不可用，改用本地记录",
			slog.String("driver", a.Config.Storage.RunStore.Driver), slog.Any("error", err))
		runs, err = mysql.Open(ctx, "memory", a.DataDir(), mysql.Config{})
	}
	if err != nil {
		return err
	}
	a.Runs = runs

	fanout, buffer, err := events.Open(ctx, a.Config.Events, a.Named("events"))
	if err != nil {
		return err
	}
	a.Events = fanout
	a.EventBuffer = buffer

	if addr := a.Config.Metrics.Listen; addr != "" {
		srv, err := metrics.Start(addr, a.Metrics)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStartup, err, "start metrics endpoint")
		}
		a.metricsServer = srv
		a.Named("metrics").Info("metrics 端点已启动", slog.String("addr", srv.Addr()))
	}

	a.checkHandoff(ctx)
	return nil
}

func (a *AgentContext) openLedger(ctx context.Context) (mysql.RunRepository, error) {
	store := a.Config.Storage.RunStore
	return mysql.Open(ctx, store.Driver, a.DataDir(), mysql.Config{
		DSN:             store.DSN,
		MaxOpenConns:    store.MaxOpenConns,
		MaxIdleConns:    store.MaxIdleConns,
		ConnMaxLifetime: time.Duration(store.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(store.ConnMaxIdleTimeSeconds) * time.Second,
	})
}

func (a *AgentContext) handoffPath() string {
	return filepath.Join(a.DataDir(), upgrade.HandoffFile)
}

// checkHandoff 判断上一个进程的 exec 是否真正切换到了新版本。
func (a *AgentContext) checkHandoff(ctx context.Context) {
	log := a.Named("upgrade")
	handoff, outcome, err := upgrade.CheckHandoff(a.handoffPath(), a.Executable, upgrade.HandoffMaxAge)
	if err != nil {
		log.Warn("升级交接文件无法解析，已删除", slog.Any("error", err))
		return
	}
	switch outcome {
	case upgrade.HandoffNone:
		return
	case upgrade.HandoffStale:
		log.Info("忽略过期的升级交接文件", slog.String("previous_run", handoff.RunID))
		return
	}

	record := mysql.UpgradeRecord{
		RunID:     handoff.RunID,
		From:      handoff.PreviousBinary,
		To:        handoff.NewBinary,
		Argv:      handoff.Argv,
		Outcome:   mysql.OutcomeUpgraded,
		Detail:    "new image started",
		CreatedAt: a.timestamp(),
	}
	if outcome == upgrade.HandoffFailed {
		record.Outcome = mysql.OutcomeUpgradeFailed
		record.Detail = "previous image restarted"
	}
	a.Metrics.ObserveUpgrade("handoff_" + outcome.String())
	log.Info("检测到升级交接",
		slog.String("outcome", outcome.String()),
		slog.String("previous_run", handoff.RunID),
		slog.String("binary", handoff.NewBinary),
	)
	if err := a.Runs.RecordUpgrade(ctx, record); err != nil {
		log.Warn("记录升级结果失败", slog.Any("error", err))
	}
	a.Publish(ctx, events.TypeHandoff, map[string]string{
		"outcome":      outcome.String(),
		"previous_run": handoff.RunID,
		"binary":       handoff.NewBinary,
	})
}

// recordStart 写入运行记录并发布启动事件。
func (a *AgentContext) recordStart(ctx context.Context) {
	a.started = true
	record := mysql.RunRecord{
		ID:        a.RunID,
		Version:   FullVersion(),
		Mode:      a.Mode().String(),
		Entry:     a.Options.Entry,
		PID:       os.Getpid(),
		Outcome:   mysql.OutcomeRunning,
		StartedAt: a.timestamp(),
	}
	if err := a.Runs.StartRun(ctx, record); err != nil {
		a.Logger.Warn("写入运行记录失败", slog.Any("error", err))
	}
	a.Publish(ctx, events.TypeStarted, map[string]string{
		"entry": a.Options.Entry,
		"pid":   strconv.Itoa(record.PID),
	})
	a.Logger.Info("agent 已启动",
		slog.String("run_id", a.RunID),
		slog.String("version", record.Version),
		slog.String("entry", record.Entry),
	)
}

// recordFinish 更新运行记录并发布退出事件，未记录启动时什么也不做。
func (a *AgentContext) recordFinish(ctx context.Context, outcome, detail string) {
	if !a.started || a.Runs == nil {
		return
	}
	if err := a.Runs.FinishRun(ctx, a.RunID, outcome, detail, a.timestamp()); err != nil {
		a.Logger.Warn("更新运行记录失败", slog.Any("error", err))
	}
	attrs := map[string]string{"outcome": outcome}
	if detail != "" {
		attrs["detail"] = detail
	}
	a.Publish(ctx, events.TypeExited, attrs)
}

// maintain 执行维护模式的清理工作：清除交接文件、轮转日志、
// 把遗留为 running 的运行记录标记为中断。
func (a *AgentContext) maintain(ctx context.Context) error {
	log := a.Named("maintenance")
	if err := os.MkdirAll(a.DataDir(), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStartup, err, "create data directory")
	}
	if err := upgrade.ClearHandoff(a.handoffPath()); err != nil {
		return xerrors.Wrap(xerrors.CodeUpgradeHandoff, err, "remove handoff file")
	}
	if err := a.Logger.Rotate(); err != nil {
		return xerrors.Wrap(xerrors.CodeLogRotate, err, "rotate log file")
	}

	runs, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer runs.Close()

	records, err := runs.ListRunning(ctx)
	if err != nil {
		return err
	}
	finished := 0
	for _, record := range records {
		if err := runs.FinishRun(ctx, record.ID, mysql.OutcomeFatal, "interrupted", a.timestamp()); err != nil {
			return err
		}
		finished++
	}
	log.Info("维护完成", slog.Int("interrupted_runs", finished))
	return nil
}
