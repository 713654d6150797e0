package errors

import (
	stdErrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
)

// Code 表示系统内统一的数值错误码。
type Code int

// Kind 描述错误所属的分类。
type Kind string

const (
	KindUnknown       Kind = "UnknownError"
	KindConfig        Kind = "ConfigError"
	KindStartup       Kind = "StartupError"
	KindControlSignal Kind = "ControlSignal"
	KindRuntime       Kind = "RuntimeError"
	KindArchive       Kind = "ArchiveError"
	KindUpgrade       Kind = "UpgradeError"
	KindPlatform      Kind = "PlatformError"
	KindStorage       Kind = "StorageError"
	KindEvent         Kind = "EventError"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Kind    Kind
	Message string
}

const (
	CodeUnknown Code = 1

	CodeInvalidArgument Code = 100
	CodeConfigParse     Code = 101
	CodeConfigMissing   Code = 102

	CodeStartup     Code = 200
	CodeServiceName Code = 201
	CodeLogRotate   Code = 202
	CodePidFile     Code = 203
	CodeTransition  Code = 204
	CodeDetach      Code = 205

	CodeHelpRequested        Code = 300
	CodeVersionRequested     Code = 301
	CodeMaintenanceRequested Code = 302

	CodeRuntimeInit Code = 400
	CodeRuntime     Code = 401
	CodeRuntimeConf Code = 402

	CodeArchiveFormat   Code = 500
	CodeArchiveNotFound Code = 501

	CodeUpgradeArgCount Code = 600
	CodeUpgradeExec     Code = 601
	CodeUpgradeVerify   Code = 602
	CodeUpgradeDisabled Code = 603
	CodeUpgradeHandoff  Code = 604

	CodePlatform Code = 700

	CodeStorageFailure Code = 800
	CodeEventFailure   Code = 801
	CodeRunExists      Code = 802
	CodeRunNotFound    Code = 803
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:              {Kind: KindUnknown, Message: "unknown error"},
		CodeInvalidArgument:      {Kind: KindConfig, Message: "invalid argument"},
		CodeConfigParse:          {Kind: KindConfig, Message: "invalid configuration"},
		CodeConfigMissing:        {Kind: KindConfig, Message: "configuration file not found"},
		CodeStartup:              {Kind: KindStartup, Message: "startup failed"},
		CodeServiceName:          {Kind: KindStartup, Message: "could not set service name"},
		CodeLogRotate:            {Kind: KindStartup, Message: "log rotation failed"},
		CodePidFile:              {Kind: KindStartup, Message: "pidfile failure"},
		CodeTransition:           {Kind: KindStartup, Message: "invalid lifecycle transition"},
		CodeDetach:               {Kind: KindStartup, Message: "could not detach"},
		CodeHelpRequested:        {Kind: KindControlSignal, Message: "help requested"},
		CodeVersionRequested:     {Kind: KindControlSignal, Message: "version requested"},
		CodeMaintenanceRequested: {Kind: KindControlSignal, Message: "maintenance requested"},
		CodeRuntimeInit:          {Kind: KindRuntime, Message: "runtime initialization failed"},
		CodeRuntime:              {Kind: KindRuntime, Message: "runtime failure"},
		CodeRuntimeConf:          {Kind: KindRuntime, Message: "runtime configuration failure"},
		CodeArchiveFormat:        {Kind: KindArchive, Message: "archive format error"},
		CodeArchiveNotFound:      {Kind: KindArchive, Message: "archive entry not found"},
		CodeUpgradeArgCount:      {Kind: KindUpgrade, Message: "too many commandline parameters"},
		CodeUpgradeExec:          {Kind: KindUpgrade, Message: "Upgrade failed"},
		CodeUpgradeVerify:        {Kind: KindUpgrade, Message: "upgrade verification failed"},
		CodeUpgradeDisabled:      {Kind: KindUpgrade, Message: "upgrade disabled"},
		CodeUpgradeHandoff:       {Kind: KindUpgrade, Message: "upgrade handoff failure"},
		CodePlatform:             {Kind: KindPlatform, Message: "platform query failed"},
		CodeStorageFailure:       {Kind: KindStorage, Message: "storage failure"},
		CodeEventFailure:         {Kind: KindEvent, Message: "event publish failure"},
		CodeRunExists:            {Kind: KindStorage, Message: "run already recorded"},
		CodeRunNotFound:          {Kind: KindStorage, Message: "run not found"},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误记录：来源位置、数值错误码与描述。
type Error struct {
	code     Code
	message  string
	location string
	cause    error
}

// New 创建一个新的错误实例，并记录调用方所在的源码位置。
func New(code Code, message string) *Error {
	return newAt(2, code, message)
}

// Newf 与 New 相同，但支持格式化描述。
func Newf(code Code, format string, args ...any) *Error {
	return newAt(2, code, fmt.Sprintf(format, args...))
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string) *Error {
	e := newAt(2, code, message)
	e.cause = cause
	return e
}

func newAt(skip int, code Code, message string) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message, location: "unknown:0"}
	if _, file, line, ok := runtime.Caller(skip); ok {
		e.location = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] (%d) %s: %v", e.location, e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] (%d) %s", e.location, e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Kind 返回错误分类。
func (e *Error) Kind() Kind {
	if e == nil {
		return KindUnknown
	}
	return AttributesOf(e.code).Kind
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Location 返回错误产生的源码位置（file:line）。
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	return e.location
}

// Detail 返回包含底层原因的完整描述，不带位置与错误码。
func (e *Error) Detail() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// IsControlSignal 判断错误是否为控制信号（help/version/maintenance）。
func (e *Error) IsControlSignal() bool {
	return e.Kind() == KindControlSignal
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Ensure 将任意 error 转换为统一错误类型；非统一错误以 fallback 错误码包裹。
func Ensure(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	if e, ok := From(err); ok {
		return e
	}
	e := newAt(2, fallback, "")
	e.cause = err
	return e
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// KindOf 返回错误对应的分类。
func KindOf(err error) Kind {
	if e, ok := From(err); ok {
		return e.Kind()
	}
	return KindUnknown
}

// Sentinel 返回仅携带错误码的错误值，用于 errors.Is 比较。
func Sentinel(code Code) *Error {
	return &Error{code: code, message: AttributesOf(code).Message}
}
