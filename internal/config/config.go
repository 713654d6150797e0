package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	xerrors "virgo/internal/errors"
	"virgo/pkg/logger"
)

// Config 描述了 agent 在启动阶段需要加载的核心配置。
type Config struct {
	Agent   AgentConfig   `json:"agent" yaml:"agent" toml:"agent"`
	Log     LogConfig     `json:"log" yaml:"log" toml:"log"`
	Storage StorageConfig `json:"storage" yaml:"storage" toml:"storage"`
	Events  EventsConfig  `json:"events" yaml:"events" toml:"events"`
	Upgrade UpgradeConfig `json:"upgrade" yaml:"upgrade" toml:"upgrade"`
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime" toml:"runtime"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`

	// Values 会原样注入到托管运行时的配置命名空间。
	Values map[string]string `json:"values" yaml:"values" toml:"values"`

	path string
}

// AgentConfig 描述 agent 自身的身份信息。
type AgentConfig struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Token       string `json:"token" yaml:"token" toml:"token"`
	ServiceName string `json:"service_name" yaml:"service_name" toml:"service_name"`
}

// LogConfig 控制结构化日志输出。
type LogConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level"`
	Format     string `json:"format" yaml:"format" toml:"format"`
	File       string `json:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress" toml:"compress"`
}

// StorageConfig 描述运行记录的存储后端。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store" yaml:"run_store" toml:"run_store"`
}

// RunStoreConfig 支持 memory 与 mysql 两种驱动。
type RunStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver" toml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" toml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds" toml:"conn_max_idle_time_seconds"`
}

// EventsConfig 描述生命周期事件的投递目标，Drivers 为空时只保留内存缓冲。
type EventsConfig struct {
	Drivers  []string       `json:"drivers" yaml:"drivers" toml:"drivers"`
	Memory   MemoryEvents   `json:"memory" yaml:"memory" toml:"memory"`
	Redis    RedisEvents    `json:"redis" yaml:"redis" toml:"redis"`
	RabbitMQ RabbitMQEvents `json:"rabbitmq" yaml:"rabbitmq" toml:"rabbitmq"`
}

// MemoryEvents 控制内存事件缓冲的容量。
type MemoryEvents struct {
	Capacity int `json:"capacity" yaml:"capacity" toml:"capacity"`
}

// RedisEvents 描述 Redis 事件列表与频道。
type RedisEvents struct {
	Address  string `json:"address" yaml:"address" toml:"address"`
	Password string `json:"password" yaml:"password" toml:"password"`
	DB       int    `json:"db" yaml:"db" toml:"db"`
	List     string `json:"list" yaml:"list" toml:"list"`
	Channel  string `json:"channel" yaml:"channel" toml:"channel"`
	MaxLen   int64  `json:"max_len" yaml:"max_len" toml:"max_len"`
}

// RabbitMQEvents 描述 RabbitMQ 事件队列。
type RabbitMQEvents struct {
	URL     string `json:"url" yaml:"url" toml:"url"`
	Queue   string `json:"queue" yaml:"queue" toml:"queue"`
	Durable bool   `json:"durable" yaml:"durable" toml:"durable"`
}

// UpgradeConfig 控制自升级行为。
type UpgradeConfig struct {
	Disabled  bool   `json:"disabled" yaml:"disabled" toml:"disabled"`
	PublicKey string `json:"public_key" yaml:"public_key" toml:"public_key"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
}

// MetricsConfig 控制 /metrics 端点，Listen 为空时不启动。
type MetricsConfig struct {
	Listen string `json:"listen" yaml:"listen" toml:"listen"`
}

// Load 按扩展名解析指定路径的配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfigMissing, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.Wrap(xerrors.CodeConfigMissing, err, "打开配置文件失败")
		}
		return nil, xerrors.Wrap(xerrors.CodeConfigParse, err, "读取配置文件失败")
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.path = path
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// LoadOrDefault 在默认配置文件不存在时返回默认配置；显式指定的文件必须存在。
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if explicit || xerrors.CodeOf(err) != xerrors.CodeConfigMissing {
		return nil, err
	}
	wd, wdErr := os.Getwd()
	if wdErr != nil {
		wd = os.TempDir()
	}
	return Default(wd), nil
}

// Default 返回以 baseDir 为根目录的默认配置。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// Parse 按扩展名解析配置内容。未知扩展名按 "key value" 行格式处理。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	case ".toml":
		_, err = toml.NewDecoder(bytes.NewReader(content)).Decode(&cfg)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(content), &cfg)
	default:
		err = parseLegacy(content, &cfg)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigParse, err, "解析配置失败")
	}
	return &cfg, nil
}

// Path 返回配置文件路径，默认配置为空。
func (c *Config) Path() string {
	return c.path
}

// ApplyOptions 将命令行参数覆盖到配置上。
func (c *Config) ApplyOptions(opts *Options) {
	if opts == nil {
		return
	}
	if opts.LogFile != "" {
		c.Log.File = opts.LogFile
	}
	if opts.Debug {
		c.Log.Level = "debug"
	}
	if opts.NoUpgrade {
		c.Upgrade.Disabled = true
	}
}

// Validate 检查配置取值是否合法。
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigParse, err, "invalid log level")
	}
	switch c.Storage.RunStore.Driver {
	case "memory", "mysql":
	default:
		return xerrors.Newf(xerrors.CodeConfigParse, "unknown run store driver %q", c.Storage.RunStore.Driver)
	}
	if c.Storage.RunStore.Driver == "mysql" && c.Storage.RunStore.DSN == "" {
		return xerrors.New(xerrors.CodeConfigParse, "mysql run store requires a dsn")
	}
	for _, driver := range c.Events.Drivers {
		switch driver {
		case "memory", "redis", "rabbitmq":
		default:
			return xerrors.Newf(xerrors.CodeConfigParse, "unknown event driver %q", driver)
		}
	}
	return nil
}

// LoggerConfig 转换为日志模块的配置。
func (c *Config) LoggerConfig() logger.Config {
	cfg := logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
	if c.Log.File != "" {
		cfg.OutputPaths = []string{c.Log.File}
	} else {
		cfg.OutputPaths = []string{"stderr"}
	}
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}

	if c.Events.Memory.Capacity <= 0 {
		c.Events.Memory.Capacity = 256
	}
	if c.Events.Redis.List == "" {
		c.Events.Redis.List = "virgo:events"
	}
	if c.Events.Redis.MaxLen <= 0 {
		c.Events.Redis.MaxLen = 1000
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "virgo.events"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) {
		c.Log.File = filepath.Join(baseDir, c.Log.File)
	}

	if c.Values == nil {
		c.Values = make(map[string]string)
	}
}
