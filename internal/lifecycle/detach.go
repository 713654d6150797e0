package lifecycle

import (
	"os"
	"os/exec"

	xerrors "virgo/internal/errors"
)

// detachedEnv 标记由 -D 重新拉起的子进程，避免再次分离。
const detachedEnv = "VIRGO_DETACHED"

func detached() bool {
	return os.Getenv(detachedEnv) != ""
}

// detach 以相同参数在新会话中重新启动自身，标准输入输出指向空设备。
func detach(agent *AgentContext) error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDetach, err, "open null device")
	}
	defer devNull.Close()

	cmd := exec.Command(agent.Executable, agent.Options.Argv...)
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = detachAttr()
	if err := cmd.Start(); err != nil {
		return xerrors.Wrap(xerrors.CodeDetach, err, "start detached process")
	}
	agent.Logger.Info("已切换到后台运行", "pid", cmd.Process.Pid)
	return cmd.Process.Release()
}
