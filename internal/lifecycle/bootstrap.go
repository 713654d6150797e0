package lifecycle

import (
	"os"

	"github.com/google/uuid"

	"virgo/internal/config"
	xerrors "virgo/internal/errors"
	"virgo/internal/upgrade"
	"virgo/pkg/logger"
)

// Bootstrap 依次完成上下文创建、服务名设置、参数与配置解析以及日志轮转。
// 任一步骤失败都返回带阶段名称的 *Failure，且不返回部分构建的上下文。
// args 不包含程序名。
func Bootstrap(args []string, processTitle string, opts ...Option) (*AgentContext, error) {
	agent := newAgentContext(opts...)
	if err := agent.bootstrap(args, processTitle); err != nil {
		return nil, err
	}
	return agent, nil
}

// bootstrap 在已创建的上下文上执行启动步骤。失败时 Logger 仍是写往 Stderr 的早期日志。
func (a *AgentContext) bootstrap(args []string, processTitle string) error {
	if a.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return fail(PhaseStartup, xerrors.Wrap(xerrors.CodeStartup, err, "resolve executable"), xerrors.CodeStartup)
		}
		a.Executable = exe
	}
	if a.Executor == nil {
		a.Executor = upgrade.NewExecutor()
	}
	a.RunID = uuid.NewString()

	if err := setServiceName(processTitle); err != nil {
		return fail(PhaseServiceName, err, xerrors.CodeServiceName)
	}
	a.ServiceName = processTitle

	if err := a.applyArgs(args); err != nil {
		return fail(PhaseArgs, err, xerrors.CodeInvalidArgument)
	}

	log, err := buildLogger(a)
	if err != nil {
		return fail(PhaseLogRotate, err, xerrors.CodeLogRotate)
	}
	if err := log.Rotate(); err != nil {
		_ = log.Sync()
		return fail(PhaseLogRotate, xerrors.Wrap(xerrors.CodeLogRotate, err, "rotate log file"), xerrors.CodeLogRotate)
	}
	a.Logger = log
	return nil
}

// applyArgs 解析命令行与配置文件并确定运行模式。help 与 version 不读取配置文件。
func (a *AgentContext) applyArgs(args []string) error {
	opts, err := config.ParseArgs(args)
	if err != nil {
		return err
	}
	mode := modeFromOptions(opts.Help, opts.Version, opts.Maintenance)

	var cfg *config.Config
	if mode == ModeHelp || mode == ModeVersion {
		cfg = config.Default(os.TempDir())
	} else {
		cfg, err = config.LoadOrDefault(opts.ConfigPath, opts.ConfigExplicit)
		if err != nil {
			return err
		}
	}
	cfg.ApplyOptions(opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if key := cfg.Upgrade.PublicKey; key != "" {
		verifier, err := upgrade.NewVerifier(key)
		if err != nil {
			return err
		}
		a.verifier = verifier
	}
	if cfg.Agent.ServiceName != "" {
		a.ServiceName = cfg.Agent.ServiceName
	}

	a.Options = opts
	a.Config = cfg
	return a.machine.setMode(mode)
}

// buildLogger 在配置了日志文件时写文件并轮转，否则沿用 stderr。
func buildLogger(a *AgentContext) (*logger.Logger, error) {
	if a.Config.Log.File == "" {
		level, err := logger.ParseLevel(a.Config.Log.Level)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeLogRotate, err, "configure logger")
		}
		return logger.NewWriter(a.Stderr, level), nil
	}
	log, err := logger.New(a.Config.LoggerConfig())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLogRotate, err, "open log file")
	}
	return log, nil
}
