package lifecycle

import (
	"context"
	"log/slog"
	"strconv"

	xerrors "virgo/internal/errors"
	"virgo/internal/events"
	"virgo/internal/storage/mysql"
	"virgo/internal/upgrade"
)

// Upgrade 以 executable 替换当前进程。顺序为：-o 检查、参数校验、签名验证、
// 落盘运行状态，最后 exec。只有替换失败才会返回错误，此时进程继续运行。
// 指定 --exit-on-upgrade 时不 exec，而是在落盘后正常退出。
func (a *AgentContext) Upgrade(ctx context.Context, executable string, argv []string) error {
	if a.Config.Upgrade.Disabled {
		return xerrors.New(xerrors.CodeUpgradeDisabled, "upgrades are disabled")
	}
	if err := a.Executor.Validate(executable, argv); err != nil {
		return err
	}
	if a.verifier != nil {
		if err := a.verifier.VerifyFile(executable); err != nil {
			a.upgradeFailed(ctx, executable, argv, err)
			return err
		}
	}
	if err := a.machine.transition(StateUpgradeReplace); err != nil {
		return err
	}
	a.flushForUpgrade(ctx, executable, argv)

	if a.Options.ExitOnUpgrade {
		a.exitForUpgrade()
		return nil
	}

	err := a.Executor.Upgrade(executable, argv)

	// exec 失败，恢复运行状态
	if clearErr := upgrade.ClearHandoff(a.handoffPath()); clearErr != nil {
		a.Logger.Warn("删除升级交接文件失败", slog.Any("error", clearErr))
	}
	if terr := a.machine.transition(StateRunning); terr != nil {
		a.Logger.Error("升级失败后无法恢复运行状态", slog.Any("error", terr))
	}
	if a.Runs != nil {
		if ferr := a.Runs.FinishRun(ctx, a.RunID, mysql.OutcomeRunning, "", 0); ferr != nil {
			a.Logger.Warn("恢复运行记录失败", slog.Any("error", ferr))
		}
	}
	a.upgradeFailed(ctx, executable, argv, err)
	return err
}

// flushForUpgrade 在替换镜像前把运行记录、事件、交接文件与日志写入磁盘。
func (a *AgentContext) flushForUpgrade(ctx context.Context, executable string, argv []string) {
	log := a.Named("upgrade")
	a.Metrics.ObserveUpgrade("exec")
	if a.Runs != nil {
		if err := a.Runs.FinishRun(ctx, a.RunID, mysql.OutcomeUpgraded, executable, a.timestamp()); err != nil {
			log.Warn("更新运行记录失败", slog.Any("error", err))
		}
	}
	a.Publish(ctx, events.TypeUpgrade, map[string]string{
		"binary": executable,
		"argc":   strconv.Itoa(len(argv)),
	})

	handoff := upgrade.Handoff{
		RunID:          a.RunID,
		PreviousBinary: a.Executable,
		NewBinary:      executable,
		Argv:           append([]string(nil), argv...),
		Timestamp:      a.now(),
	}
	if err := upgrade.WriteHandoff(a.handoffPath(), handoff); err != nil {
		log.Warn("写入升级交接文件失败", slog.Any("error", err))
	}
	log.Info("开始升级", slog.String("binary", executable), slog.Int("argc", len(argv)))
	if err := a.Logger.Flush(); err != nil {
		a.Logger.Warn("日志落盘失败", slog.Any("error", err))
	}
}

func (a *AgentContext) upgradeFailed(ctx context.Context, executable string, argv []string, cause error) {
	a.Named("upgrade").Error("升级失败", slog.String("binary", executable), slog.Any("error", cause))
	a.Metrics.ObserveUpgrade("failed")
	if a.Runs != nil {
		record := mysql.UpgradeRecord{
			RunID:     a.RunID,
			From:      a.Executable,
			To:        executable,
			Argv:      argv,
			Outcome:   mysql.OutcomeUpgradeFailed,
			Detail:    xerrors.Ensure(cause, xerrors.CodeUpgradeExec).Detail(),
			CreatedAt: a.timestamp(),
		}
		if err := a.Runs.RecordUpgrade(ctx, record); err != nil {
			a.Logger.Warn("记录升级结果失败", slog.Any("error", err))
		}
	}
	a.Publish(ctx, events.TypeUpgradeFailed, map[string]string{
		"binary": executable,
		"error":  xerrors.Ensure(cause, xerrors.CodeUpgradeExec).Detail(),
	})
}

// exitForUpgrade 处理 --exit-on-upgrade：可选地重启 sysv 服务，然后以 0 退出，
// 由服务管理器启动新版本。
func (a *AgentContext) exitForUpgrade() {
	if a.Options.RestartSysvOnUpgrade {
		if err := restartSysvService(a.ServiceName); err != nil {
			a.Logger.Warn("重启 sysv 服务失败", slog.Any("error", err))
		}
	}
	if err := a.machine.transition(StateCleanExit); err != nil {
		a.Logger.Error("状态迁移失败", slog.Any("error", err))
	}
	a.Logger.Info("升级后退出", slog.String("run_id", a.RunID))
	_ = a.Close()
	a.exit(0)
}
