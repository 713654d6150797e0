package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	xerrors "virgo/internal/errors"
	"virgo/internal/storage/mysql"
)

// crashed 在 --production 模式下处理 panic：写出崩溃报告、更新运行记录并返回退出码。
func (a *AgentContext) crashed(value any) int {
	stack := debug.Stack()
	path, err := writeCrashReport(a.DataDir(), a.RunID, value, stack)
	if err != nil {
		a.Logger.Error("写入崩溃报告失败", slog.Any("error", err))
	}
	_ = a.machine.transition(StateFatalError)

	detail := fmt.Sprintf("panic: %v", value)
	a.recordFinish(context.Background(), mysql.OutcomeFatal, detail)
	failure := fail(PhaseMain, xerrors.Newf(xerrors.CodeRuntime, "%s (report %s)", detail, path), xerrors.CodeRuntime)
	report(a.Logger.Logger, a.Stderr, failure)
	return 1
}

// writeCrashReport 把 panic 值与调用栈写入 dir/crash-<runID>.txt。
func writeCrashReport(dir, runID string, value any, stack []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "version: %s\n", FullVersion())
	fmt.Fprintf(&buf, "run: %s\n", runID)
	fmt.Fprintf(&buf, "pid: %d\n", os.Getpid())
	fmt.Fprintf(&buf, "panic: %v\n\n", value)
	buf.Write(stack)

	path := filepath.Join(dir, "crash-"+runID+".txt")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
