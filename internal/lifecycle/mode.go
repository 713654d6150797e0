package lifecycle

import (
	"fmt"
	"sync"

	xerrors "virgo/internal/errors"
)

// RunMode 表示本次进程的运行模式，由参数解析决定且只能设置一次。
type RunMode int

const (
	ModeUnset RunMode = iota
	ModeHelp
	ModeVersion
	ModeMaintenance
	ModeNormal
)

func (m RunMode) String() string {
	switch m {
	case ModeHelp:
		return "help"
	case ModeVersion:
		return "version"
	case ModeMaintenance:
		return "maintenance"
	case ModeNormal:
		return "normal"
	default:
		return "unset"
	}
}

// State 是生命周期状态机的状态。
type State int

const (
	StateStartup State = iota
	StateHelp
	StateVersion
	StateMaintenance
	StateRunning
	StateCleanExit
	StateFatalError
	StateUpgradeReplace
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StateHelp:
		return "HELP"
	case StateVersion:
		return "VERSION"
	case StateMaintenance:
		return "MAINTENANCE"
	case StateRunning:
		return "RUNNING"
	case StateCleanExit:
		return "CLEAN_EXIT"
	case StateFatalError:
		return "FATAL_ERROR"
	case StateUpgradeReplace:
		return "UPGRADE_REPLACE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions 列出允许的状态迁移。
var transitions = map[State][]State{
	StateStartup:        {StateHelp, StateVersion, StateMaintenance, StateRunning, StateFatalError},
	StateRunning:        {StateCleanExit, StateFatalError, StateUpgradeReplace},
	StateUpgradeReplace: {StateRunning, StateCleanExit},
}

// machine 保存运行模式与当前状态。
type machine struct {
	mu    sync.Mutex
	mode  RunMode
	state State
}

func (m *machine) setMode(mode RunMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != ModeUnset {
		return xerrors.Newf(xerrors.CodeTransition, "run mode already set to %s", m.mode)
	}
	if mode == ModeUnset {
		return xerrors.New(xerrors.CodeTransition, "run mode must not be unset")
	}
	m.mode = mode
	return nil
}

func (m *machine) currentMode() RunMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return xerrors.Newf(xerrors.CodeTransition, "invalid state transition %s -> %s", m.state, next)
}

// modeFromOptions 按 help > version > maintenance > normal 的优先级选择运行模式。
func modeFromOptions(help, version, maintenance bool) RunMode {
	switch {
	case help:
		return ModeHelp
	case version:
		return ModeVersion
	case maintenance:
		return ModeMaintenance
	default:
		return ModeNormal
	}
}
