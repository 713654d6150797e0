package host

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	xerrors "virgo/internal/errors"
	"virgo/internal/lifecycle"
	"virgo/internal/vfs"
)

const (
	initFunc = "Init"
	runFunc  = "Run"
)

// Runtime 在 yaegi 解释器中运行打包在 bundle 里的 Go 脚本。
type Runtime struct {
	bundle *vfs.Archive

	mu    sync.RWMutex
	conf  map[string]string
	ctx   context.Context
	agent *lifecycle.AgentContext
	log   *slog.Logger

	interp *interp.Interpreter
	module *module
}

// module 描述已加载的入口模块。
type module struct {
	path    string
	pkg     string
	hasInit bool
	hasRun  bool
}

// New 基于 zip 格式的 bundle 创建运行时。
func New(bundle []byte) *Runtime {
	return &Runtime{
		bundle: vfs.New(bundle),
		conf:   make(map[string]string),
		ctx:    context.Background(),
	}
}

// Init 实现 lifecycle.Runtime。非正常模式直接返回控制信号，不加载脚本。
func (r *Runtime) Init(ctx context.Context, agent *lifecycle.AgentContext) error {
	if signal := lifecycle.ControlSignal(agent.Mode()); signal != nil {
		return signal
	}
	r.mu.Lock()
	r.agent = agent
	r.log = agent.Named("host")
	r.ctx = ctx
	r.mu.Unlock()
	r.seedConf()

	i := interp.New(interp.Options{
		SourcecodeFilesystem: r.bundle,
		Stdout:               agent.Stdout,
		Stderr:               agent.Stderr,
		Args:                 append([]string{agent.Executable}, agent.Options.Argv...),
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeInit, err, "register standard library")
	}
	if err := i.Use(r.exports()); err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeInit, err, "register agent package")
	}
	r.interp = i

	mod, err := r.load(agent.Options.Entry)
	if err != nil {
		return err
	}
	r.module = mod
	if !mod.hasInit {
		return nil
	}
	if err := r.call(mod, initFunc); err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeInit, err, mod.pkg+".Init")
	}
	return nil
}

// SetConf 实现 lifecycle.Runtime。
func (r *Runtime) SetConf(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeRuntimeConf, "configuration key must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conf[key] = value
	return nil
}

// Conf 返回配置命名空间中的值。
func (r *Runtime) Conf(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.conf[key]
	return value, ok
}

// Run 实现 lifecycle.Runtime，调用入口模块的 Run 并阻塞到其返回。
func (r *Runtime) Run(ctx context.Context) error {
	if r.module == nil {
		return xerrors.New(xerrors.CodeRuntime, "runtime is not initialised")
	}
	if !r.module.hasRun {
		return xerrors.Newf(xerrors.CodeRuntime, "entry module %s has no Run function", r.module.path)
	}
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	return r.call(r.module, runFunc, reflect.ValueOf(ctx))
}

// Close 实现 lifecycle.Runtime。
func (r *Runtime) Close() error {
	r.interp = nil
	r.module = nil
	return nil
}

// seedConf 把命令行与配置文件中的值写入配置命名空间，已存在的键不覆盖。
func (r *Runtime) seedConf() {
	agent := r.agent
	opts := agent.Options
	values := map[string]string{
		"run_id":       agent.RunID,
		"service_name": agent.ServiceName,
		"entry":        opts.Entry,
		"config":       opts.ConfigPath,
		"data_dir":     agent.DataDir(),
		"agent_id":     agent.Config.Agent.ID,
		"agent_token":  agent.Config.Agent.Token,
		"username":     opts.Username,
		"apikey":       opts.APIKey,
		"setup":        strconv.FormatBool(opts.Setup),
		"debug":        strconv.FormatBool(opts.Debug),
		"insecure":     strconv.FormatBool(opts.Insecure),
		"production":   strconv.FormatBool(opts.Production),
		"no_upgrade":   strconv.FormatBool(agent.Config.Upgrade.Disabled),
	}
	for key, value := range agent.Config.Values {
		values[key] = value
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, value := range values {
		if _, exists := r.conf[key]; !exists {
			r.conf[key] = value
		}
	}
}

// load 从 bundle 读取并解释入口模块 <entry>.go。
func (r *Runtime) load(entry string) (*module, error) {
	path := entry
	if !strings.HasSuffix(path, ".go") {
		path += ".go"
	}
	src, err := r.bundle.Read(path)
	if err != nil {
		return nil, err
	}

	file, err := parser.ParseFile(token.NewFileSet(), path, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRuntimeInit, err, "parse entry module")
	}
	mod := &module{path: path, pkg: file.Name.Name}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		switch fn.Name.Name {
		case initFunc:
			mod.hasInit = true
		case runFunc:
			mod.hasRun = true
		}
	}

	if _, err := r.interp.EvalPath(path); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRuntimeInit, err, "interpret "+path)
	}
	r.log.Debug("入口模块已加载", slog.String("module", path), slog.String("package", mod.pkg))
	return mod, nil
}

// call 调用入口模块中的函数，最后一个返回值若为 error 则作为结果返回。
func (r *Runtime) call(mod *module, name string, args ...reflect.Value) error {
	qualified := mod.pkg + "." + name
	fn, err := r.interp.Eval(qualified)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRuntime, err, "resolve "+qualified)
	}
	if fn.Kind() != reflect.Func {
		return xerrors.Newf(xerrors.CodeRuntime, "%s is not a function", qualified)
	}
	if fn.Type().NumIn() < len(args) {
		args = args[:fn.Type().NumIn()]
	}
	if fn.Type().NumIn() != len(args) {
		return xerrors.Newf(xerrors.CodeRuntime, "%s has an unsupported signature %s", qualified, fn.Type())
	}

	results := fn.Call(args)
	if len(results) == 0 {
		return nil
	}
	last := results[len(results)-1]
	if !last.IsValid() || (last.Kind() == reflect.Interface && last.IsNil()) {
		return nil
	}
	if e, ok := last.Interface().(error); ok && e != nil {
		return fmt.Errorf("%s: %w", qualified, e)
	}
	return nil
}
