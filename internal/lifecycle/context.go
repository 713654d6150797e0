package lifecycle

import (
	"context"
	stdErrors "errors"
	"io"
	"log/slog"
	"os"
	"time"

	"virgo/internal/config"
	xerrors "virgo/internal/errors"
	"virgo/internal/events"
	"virgo/internal/observability/metrics"
	"virgo/internal/storage/mysql"
	"virgo/internal/upgrade"
	"virgo/pkg/logger"
)

// AgentContext 持有一次进程运行所需的全部状态，由 Bootstrap 创建、
// Close 释放，同一时刻只有一个实例。
type AgentContext struct {
	Options *config.Options
	Config  *config.Config
	Logger  *logger.Logger

	Stdout io.Writer
	Stderr io.Writer

	// RunID 标识本次运行，写入运行记录、事件与升级交接文件。
	RunID       string
	ServiceName string
	Executable  string

	Runs        mysql.RunRepository
	Events      *events.Fanout
	EventBuffer *events.MemoryPublisher
	Executor    *upgrade.Executor
	Metrics     *metrics.Collector

	verifier      *upgrade.Verifier
	metricsServer *metrics.Server
	machine       machine
	pidFile       string
	exit          func(int)
	now           func() time.Time
	started       bool
	closed        bool
}

// Mode 返回本次运行的模式。
func (a *AgentContext) Mode() RunMode {
	return a.machine.currentMode()
}

// State 返回当前生命周期状态。
func (a *AgentContext) State() State {
	return a.machine.current()
}

// DataDir 返回运行时数据目录。
func (a *AgentContext) DataDir() string {
	return a.Config.Runtime.DataDir
}

// Named 返回带组件名的日志记录器。
func (a *AgentContext) Named(component string) *slog.Logger {
	return a.Logger.Named(component)
}

// Publish 发布一条生命周期事件，投递失败只记录日志。
func (a *AgentContext) Publish(ctx context.Context, typ events.Type, attrs map[string]string) {
	if a.Events == nil {
		return
	}
	event := events.New(typ, a.RunID, FullVersion(), attrs)
	err := a.Events.Publish(ctx, event)
	a.Metrics.ObserveEvent(string(typ), err)
	if err != nil {
		a.Logger.Warn("事件投递失败", slog.String("type", string(typ)), slog.Any("error", err))
	}
}

// Close 释放 metrics 端点、运行记录、事件通道、pid 文件与日志输出。重复调用是安全的。
func (a *AgentContext) Close() error {
	if a == nil || a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.metricsServer != nil {
		errs = append(errs, a.metricsServer.Close())
	}
	if a.Events != nil {
		errs = append(errs, a.Events.Close())
	}
	if a.Runs != nil {
		errs = append(errs, a.Runs.Close())
	}
	if a.pidFile != "" {
		if err := removePidFile(a.pidFile); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Logger != nil {
		errs = append(errs, a.Logger.Sync())
	}
	if err := stdErrors.Join(errs...); err != nil {
		return xerrors.Wrap(xerrors.CodeRuntime, err, "release agent resources")
	}
	return nil
}

func (a *AgentContext) timestamp() int64 {
	return a.now().Unix()
}

// Option 调整 Bootstrap 创建的上下文。
type Option func(*AgentContext)

// WithStdout 替换标准输出，用于测试。
func WithStdout(w io.Writer) Option {
	return func(a *AgentContext) {
		if w != nil {
			a.Stdout = w
		}
	}
}

// WithStderr 替换标准错误输出。
func WithStderr(w io.Writer) Option {
	return func(a *AgentContext) {
		if w != nil {
			a.Stderr = w
		}
	}
}

// WithExecutable 指定当前可执行文件路径。
func WithExecutable(path string) Option {
	return func(a *AgentContext) {
		if path != "" {
			a.Executable = path
		}
	}
}

// WithExecutor 替换升级执行器。
func WithExecutor(executor *upgrade.Executor) Option {
	return func(a *AgentContext) {
		if executor != nil {
			a.Executor = executor
		}
	}
}

// WithExitFunc 替换 --exit-on-upgrade 使用的退出函数。
func WithExitFunc(fn func(int)) Option {
	return func(a *AgentContext) {
		if fn != nil {
			a.exit = fn
		}
	}
}

func newAgentContext(opts ...Option) *AgentContext {
	agent := &AgentContext{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Metrics: metrics.New(),
		exit:    os.Exit,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(agent)
	}
	agent.Logger = logger.NewWriter(agent.Stderr, slog.LevelInfo)
	return agent
}
