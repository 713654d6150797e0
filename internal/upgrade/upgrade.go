// Package upgrade replaces the running agent with a new executable.
//
// Upgrade never returns when it succeeds: the process image is gone. Anything
// the caller needs to survive the transition (log flushes, ledger rows, the
// handoff file) has to be written before the call.
package upgrade

import (
	"os"
	"path/filepath"
	"strings"

	xerrors "virgo/internal/errors"
)

// MaxArgs bounds the argument vector handed to the new image.
const MaxArgs = 20

// FailureMessage is the fixed message carried by a failed replacement.
const FailureMessage = "Upgrade failed"

// ExecFunc replaces the process image. It returns only on failure.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// Request is one validated replacement: the program and its argument vector
// with argv[0] already rewritten.
type Request struct {
	Executable string
	Argv       []string
}

// Executor performs in-place upgrades.
type Executor struct {
	exec    ExecFunc
	environ func() []string
}

// Option customises an Executor.
type Option func(*Executor)

// WithExecFunc overrides the process replacement primitive.
func WithExecFunc(fn ExecFunc) Option {
	return func(e *Executor) {
		if fn != nil {
			e.exec = fn
		}
	}
}

// WithEnviron overrides the environment passed to the new image.
func WithEnviron(fn func() []string) Option {
	return func(e *Executor) {
		if fn != nil {
			e.environ = fn
		}
	}
}

// NewExecutor returns an Executor using the platform replacement primitive.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{exec: platformExec, environ: os.Environ}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks a request without side effects.
func (e *Executor) Validate(executablePath string, argv []string) error {
	if len(argv) > MaxArgs {
		return xerrors.Newf(xerrors.CodeUpgradeArgCount, "too many commandline parameters (%d > %d)", len(argv), MaxArgs)
	}
	if strings.TrimSpace(executablePath) == "" {
		return xerrors.New(xerrors.CodeUpgradeExec, FailureMessage)
	}
	return nil
}

// Prepare validates the request and builds the argument vector handed to the
// new image.
func (e *Executor) Prepare(executablePath string, argv []string) (Request, error) {
	if err := e.Validate(executablePath, argv); err != nil {
		return Request{}, err
	}
	args := make([]string, len(argv))
	copy(args, argv)
	base := filepath.Base(executablePath)
	if len(args) == 0 {
		args = append(args, base)
	} else {
		args[0] = base
	}
	return Request{Executable: executablePath, Argv: args}, nil
}

// Upgrade replaces the current process with executablePath. It returns only
// when the replacement could not happen; the process then keeps running
// unmodified.
func (e *Executor) Upgrade(executablePath string, argv []string) error {
	req, err := e.Prepare(executablePath, argv)
	if err != nil {
		return err
	}
	if err := e.exec(req.Executable, req.Argv, e.environ()); err != nil {
		return xerrors.Wrap(xerrors.CodeUpgradeExec, err, FailureMessage)
	}
	// an ExecFunc that returns nil did not replace the image
	return xerrors.New(xerrors.CodeUpgradeExec, FailureMessage)
}
