package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/pflag"

	xerrors "virgo/internal/errors"
)

// DefaultEntry 是未指定 -e 时加载的入口模块。
const DefaultEntry = "init"

// SetupEntry 是 --setup 模式下的入口模块。
const SetupEntry = "setup"

// DocumentationLink 打印在帮助信息末尾。
const DocumentationLink = "Documentation: https://github.com/virgo-agent-toolkit/virgo"

// Options 描述命令行参数解析后的结果。
type Options struct {
	ConfigPath     string
	ConfigExplicit bool
	Entry          string
	NoUpgrade      bool
	LogFile        string
	PidFile        string

	Setup    bool
	Username string
	APIKey   string

	Debug                bool
	Insecure             bool
	Detach               bool
	Production           bool
	Crash                bool
	ExitOnUpgrade        bool
	RestartSysvOnUpgrade bool

	Help        bool
	Version     bool
	Maintenance bool

	// Argv 保留原始参数（不含程序名），升级时原样传给新镜像。
	Argv []string
}

// newFlagSet 按平台注册所有命令行参数。
func newFlagSet(opts *Options) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("virgo", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.SortFlags = false

	flagSet.BoolVarP(&opts.Version, "version", "v", false, "Print version.")
	flagSet.StringVarP(&opts.ConfigPath, "config", "c", "", "Set configuration file path.")
	flagSet.StringVarP(&opts.Entry, "entry", "e", DefaultEntry, "Enter at module specified.")
	flagSet.BoolVarP(&opts.NoUpgrade, "no-upgrade", "o", false, "Do not attempt upgrade.")
	flagSet.StringVarP(&opts.LogFile, "logfile", "l", "", "Log to specified file path.")
	if runtime.GOOS != "windows" {
		flagSet.StringVarP(&opts.PidFile, "pidfile", "p", "", "Path and filename to pidfile.")
	}
	flagSet.BoolVar(&opts.Setup, "setup", false, "Initial setup wizard.")
	flagSet.StringVar(&opts.Username, "username", "", "Username for setup.")
	flagSet.StringVar(&opts.APIKey, "apikey", "", "API key or password for setup.")
	flagSet.BoolVarP(&opts.Debug, "debug", "d", false, "Log at debug level.")
	flagSet.BoolVarP(&opts.Insecure, "insecure", "i", false, "Use insecure SSL CA cert (for testing/debugging).")
	flagSet.BoolVarP(&opts.Detach, "detach", "D", false, "Detach the process and run the agent in the background.")
	flagSet.BoolVar(&opts.Production, "production", false, "Write debug information to disk when the agent crashes.")
	flagSet.BoolVar(&opts.Crash, "crash", false, "Crash the agent.")
	flagSet.BoolVar(&opts.ExitOnUpgrade, "exit-on-upgrade", false, "On a successful upgrade exit.")
	if runtime.GOOS != "windows" {
		flagSet.BoolVar(&opts.RestartSysvOnUpgrade, "restart-sysv-on-upgrade", false, "Attempt to restart on upgrade. (System V)")
	}
	flagSet.BoolVarP(&opts.Maintenance, "maintenance", "m", false, "Run service maintenance and exit.")
	flagSet.BoolVarP(&opts.Help, "help", "h", false, "Show this help.")
	return flagSet
}

// ParseArgs 解析命令行参数，args 不包含程序名。
func ParseArgs(args []string) (*Options, error) {
	opts := &Options{Argv: append([]string(nil), args...)}
	flagSet := newFlagSet(opts)

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			opts.Help = true
			return opts, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid command line")
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unexpected argument: %s", rest[0])
	}

	opts.ConfigExplicit = flagSet.Changed("config")
	if !flagSet.Changed("entry") && opts.Setup {
		opts.Entry = SetupEntry
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigPath()
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate 检查参数之间的依赖关系。
func (o *Options) Validate() error {
	if strings.TrimSpace(o.Entry) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry module must not be empty")
	}
	if !o.Setup && (o.Username != "" || o.APIKey != "") {
		return xerrors.New(xerrors.CodeInvalidArgument, "--username and --apikey require --setup")
	}
	return nil
}

// DefaultConfigPath 返回默认的配置文件位置，VIRGO_CONFIG 环境变量优先。
func DefaultConfigPath() string {
	if path := os.Getenv("VIRGO_CONFIG"); path != "" {
		return path
	}
	if runtime.GOOS == "windows" {
		programData := os.Getenv("ProgramData")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return programData + `\virgo\agent.cfg`
	}
	return "/etc/virgo/agent.cfg"
}

// Usage 输出帮助信息。
func Usage(w io.Writer) {
	flagSet := newFlagSet(&Options{})
	fmt.Fprintf(w, "Usage: virgo [options] [--setup]\n\nOptions:\n")
	fmt.Fprint(w, flagSet.FlagUsages())
	fmt.Fprintf(w, "\n%s\n", DocumentationLink)
}
