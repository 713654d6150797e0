package lifecycle

import (
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"

	xerrors "virgo/internal/errors"
)

// 致命错误所属的阶段名称。
const (
	PhaseStartup     = "Error in startup"
	PhaseServiceName = "Error setting service name"
	PhaseArgs        = "Error in settings args"
	PhaseLogRotate   = "Error rotating logs"
	PhaseInit        = "Error in init"
	PhaseVersion     = "Error setting agent version"
	PhaseRuntime     = "Runtime Error"
	PhaseMain        = "Main exiting"
)

// Failure 是带阶段名称的致命错误，只由 Main 统一上报。
type Failure struct {
	Phase string
	Err   *xerrors.Error
}

func (f *Failure) Error() string {
	return f.Phase + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// fail 把任意错误包装为指定阶段的 Failure，非统一错误按 fallback 归类。
func fail(phase string, err error, fallback xerrors.Code) *Failure {
	return &Failure{Phase: phase, Err: xerrors.Ensure(err, fallback)}
}

// report 以 "<phase>: [<location>] (<code>) <message>" 的格式同时写入结构化日志与 stderr。
func report(log *slog.Logger, stderr io.Writer, err error) {
	var failure *Failure
	if !stdErrors.As(err, &failure) {
		failure = fail(PhaseMain, err, xerrors.CodeUnknown)
	}
	line := failure.Error()
	if log != nil {
		log.Error(failure.Phase,
			slog.String("location", failure.Err.Location()),
			slog.Int("code", int(failure.Err.Code())),
			slog.String("kind", string(failure.Err.Kind())),
			slog.String("message", failure.Err.Detail()),
		)
	}
	fmt.Fprintln(stderr, line)
}
