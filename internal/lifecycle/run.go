package lifecycle

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"virgo/internal/config"
	xerrors "virgo/internal/errors"
	"virgo/internal/storage/mysql"
)

// MaintenanceComplete 是维护模式结束时打印的信息。
const MaintenanceComplete = "Service Maintenance Complete"

// Runtime 是被托管的脚本运行时。
type Runtime interface {
	// Init 加载入口模块。help/version/maintenance 模式下返回对应的控制信号。
	Init(ctx context.Context, agent *AgentContext) error
	// SetConf 向运行时的配置命名空间写入一项。
	SetConf(key, value string) error
	// Run 阻塞直到运行时结束或 ctx 被取消。
	Run(ctx context.Context) error
	Close() error
}

// ControlSignal 返回运行模式对应的控制信号，正常模式返回 nil。
func ControlSignal(mode RunMode) error {
	switch mode {
	case ModeHelp:
		return xerrors.New(xerrors.CodeHelpRequested, "")
	case ModeVersion:
		return xerrors.New(xerrors.CodeVersionRequested, "")
	case ModeMaintenance:
		return xerrors.New(xerrors.CodeMaintenanceRequested, "")
	default:
		return nil
	}
}

// Run 初始化并运行托管运行时。控制信号在这里被拦截并视为成功；
// 其余错误以 *Failure 返回，由 Main 统一上报。
func Run(ctx context.Context, agent *AgentContext, rt Runtime) error {
	defer func() {
		if err := rt.Close(); err != nil {
			agent.Logger.Warn("关闭运行时失败", slog.Any("error", err))
		}
	}()

	initStart := time.Now()
	err := rt.Init(ctx, agent)
	agent.Metrics.ObservePhase("init", time.Since(initStart))
	if err != nil {
		if signal, ok := xerrors.From(err); ok && signal.IsControlSignal() {
			return agent.handleControl(ctx, signal)
		}
		_ = agent.machine.transition(StateFatalError)
		return fail(PhaseInit, err, xerrors.CodeRuntimeInit)
	}

	if err := agent.openServices(ctx); err != nil {
		_ = agent.machine.transition(StateFatalError)
		return fail(PhaseStartup, err, xerrors.CodeStartup)
	}
	if agent.Options.Crash {
		panic("deliberate crash requested with --crash")
	}
	if err := rt.SetConf("version", Version); err != nil {
		_ = agent.machine.transition(StateFatalError)
		return fail(PhaseVersion, err, xerrors.CodeRuntimeConf)
	}
	if err := agent.machine.transition(StateRunning); err != nil {
		return fail(PhaseStartup, err, xerrors.CodeTransition)
	}
	agent.recordStart(ctx)

	// 记录在取消后仍需写入
	recordCtx := context.WithoutCancel(ctx)

	runStart := time.Now()
	err = rt.Run(ctx)
	agent.Metrics.ObservePhase("run", time.Since(runStart))
	if err != nil && !cancelled(ctx, err) {
		_ = agent.machine.transition(StateFatalError)
		failure := fail(PhaseRuntime, err, xerrors.CodeRuntime)
		agent.recordFinish(recordCtx, mysql.OutcomeFatal, failure.Err.Detail())
		return failure
	}

	if err := agent.machine.transition(StateCleanExit); err != nil {
		return fail(PhaseMain, err, xerrors.CodeTransition)
	}
	agent.recordFinish(recordCtx, mysql.OutcomeClean, "")
	agent.Logger.Info("agent 正常退出", slog.String("run_id", agent.RunID))
	return agent.Close()
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && stdErrors.Is(err, ctx.Err())
}

// handleControl 处理 help/version/maintenance 控制信号。
func (a *AgentContext) handleControl(ctx context.Context, signal *xerrors.Error) error {
	switch signal.Code() {
	case xerrors.CodeHelpRequested:
		if err := a.machine.transition(StateHelp); err != nil {
			return fail(PhaseInit, err, xerrors.CodeTransition)
		}
		config.Usage(a.Stdout)
	case xerrors.CodeVersionRequested:
		if err := a.machine.transition(StateVersion); err != nil {
			return fail(PhaseInit, err, xerrors.CodeTransition)
		}
		fmt.Fprintln(a.Stdout, FullVersion())
	case xerrors.CodeMaintenanceRequested:
		if err := a.machine.transition(StateMaintenance); err != nil {
			return fail(PhaseInit, err, xerrors.CodeTransition)
		}
		if err := a.maintain(ctx); err != nil {
			return fail(PhaseInit, err, xerrors.CodeStartup)
		}
		fmt.Fprintln(a.Stdout, MaintenanceComplete)
	default:
		return fail(PhaseInit, signal, xerrors.CodeRuntimeInit)
	}
	return nil
}

// Main 是进程的唯一错误出口：启动、运行并把结果映射为退出码 0 或 1。
// 致命错误在这里同时写入结构化日志与 stderr。
func Main(ctx context.Context, args []string, processTitle string, newRuntime func(*AgentContext) Runtime, opts ...Option) (code int) {
	agent := newAgentContext(opts...)
	if err := agent.bootstrap(args, processTitle); err != nil {
		report(agent.Logger.Logger, agent.Stderr, err)
		return 1
	}
	defer agent.Close()

	if agent.Options.Production {
		defer func() {
			if r := recover(); r != nil {
				code = agent.crashed(r)
			}
		}()
	}

	if agent.Options.Detach && agent.Mode() == ModeNormal && !detached() {
		if err := detach(agent); err != nil {
			report(agent.Logger.Logger, agent.Stderr, fail(PhaseStartup, err, xerrors.CodeDetach))
			return 1
		}
		return 0
	}

	if err := Run(ctx, agent, newRuntime(agent)); err != nil {
		report(agent.Logger.Logger, agent.Stderr, err)
		return 1
	}
	return 0
}
