package host

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"reflect"

	"github.com/traefik/yaegi/interp"

	xerrors "virgo/internal/errors"
	"virgo/internal/events"
	"virgo/internal/lifecycle"
	"virgo/internal/platform"
	"virgo/internal/upgrade"
)

// ImportPath 是脚本中导入 agent 接口使用的路径。
const ImportPath = "virgo/agent"

// exports 返回脚本可见的 virgo/agent 包。
func (r *Runtime) exports() interp.Exports {
	return interp.Exports{
		ImportPath + "/agent": {
			"Conf":           reflect.ValueOf(r.scriptConf),
			"SetConf":        reflect.ValueOf(r.scriptSetConf),
			"Exists":         reflect.ValueOf(r.bundle.Exists),
			"Read":           reflect.ValueOf(r.scriptRead),
			"Upgrade":        reflect.ValueOf(r.scriptUpgrade),
			"Publish":        reflect.ValueOf(r.scriptPublish),
			"Log":            reflect.ValueOf(r.scriptLog),
			"ProductVersion": reflect.ValueOf(r.scriptProductVersion),
		},
	}
}

func (r *Runtime) scriptConf(key string) string {
	value, _ := r.Conf(key)
	return value
}

func (r *Runtime) scriptSetConf(key, value string) error {
	return scriptError(r.SetConf(key, value))
}

func (r *Runtime) scriptRead(path string) ([]byte, error) {
	data, err := r.bundle.Read(path)
	return data, scriptError(err)
}

// scriptUpgrade 只在替换失败时返回。
func (r *Runtime) scriptUpgrade(executable string, argv []string) error {
	return scriptError(r.agent.Upgrade(r.context(), executable, argv))
}

func (r *Runtime) scriptPublish(name string, attrs map[string]string) error {
	if r.agent.Events == nil {
		return stdErrors.New("events are not available before Run")
	}
	payload := make(map[string]string, len(attrs)+1)
	for key, value := range attrs {
		payload[key] = value
	}
	payload["name"] = name
	event := events.New(events.TypeScript, r.agent.RunID, lifecycle.FullVersion(), payload)
	return scriptError(r.agent.Events.Publish(r.context(), event))
}

func (r *Runtime) scriptLog(level, message string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	r.log.Log(r.context(), lvl, message, slog.Bool("script", true))
}

func (r *Runtime) scriptProductVersion(packagePath string) (string, error) {
	version, err := platform.ProductVersion(packagePath)
	return version, scriptError(err)
}

func (r *Runtime) context() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ctx
}

// scriptError 把内部错误转换为脚本可见的普通错误，只保留描述文本。
// 替换进程失败统一报告为 "Upgrade failed"。
func scriptError(err error) error {
	if err == nil {
		return nil
	}
	e, ok := xerrors.From(err)
	if !ok {
		return err
	}
	if e.Code() == xerrors.CodeUpgradeExec {
		return stdErrors.New(upgrade.FailureMessage)
	}
	return stdErrors.New(e.Detail())
}
