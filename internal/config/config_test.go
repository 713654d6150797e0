package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	xerrors "virgo/internal/errors"
)

func TestParseArgsDefaults(t *testing.T) {
	t.Setenv("VIRGO_CONFIG", "/tmp/virgo-test.cfg")

	opts, err := ParseArgs(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Entry != DefaultEntry {
		t.Fatalf("unexpected entry: %s", opts.Entry)
	}
	if opts.ConfigPath != "/tmp/virgo-test.cfg" || opts.ConfigExplicit {
		t.Fatalf("unexpected config path: %s explicit=%v", opts.ConfigPath, opts.ConfigExplicit)
	}
}

func TestParseArgsFlags(t *testing.T) {
	args := []string{"-c", "/etc/a.yaml", "-o", "-d", "-l", "/var/log/a.log", "--exit-on-upgrade", "--production"}
	opts, err := ParseArgs(args)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.ConfigPath != "/etc/a.yaml" || !opts.ConfigExplicit {
		t.Fatalf("unexpected config: %+v", opts)
	}
	if !opts.NoUpgrade || !opts.Debug || !opts.ExitOnUpgrade || !opts.Production {
		t.Fatalf("flags not set: %+v", opts)
	}
	if opts.LogFile != "/var/log/a.log" {
		t.Fatalf("unexpected log file: %s", opts.LogFile)
	}
	if !reflect.DeepEqual(opts.Argv, args) {
		t.Fatalf("argv not preserved: %v", opts.Argv)
	}
}

func TestParseArgsSetupEntry(t *testing.T) {
	opts, err := ParseArgs([]string{"--setup", "--username", "admin", "--apikey", "k"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Entry != SetupEntry {
		t.Fatalf("expected setup entry, got %s", opts.Entry)
	}

	opts, err = ParseArgs([]string{"--setup", "-e", "custom"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Entry != "custom" {
		t.Fatalf("explicit entry must win, got %s", opts.Entry)
	}
}

func TestParseArgsControlFlags(t *testing.T) {
	for _, tc := range []struct {
		args  []string
		check func(*Options) bool
	}{
		{[]string{"-v"}, func(o *Options) bool { return o.Version }},
		{[]string{"--version"}, func(o *Options) bool { return o.Version }},
		{[]string{"-h"}, func(o *Options) bool { return o.Help }},
		{[]string{"--maintenance"}, func(o *Options) bool { return o.Maintenance }},
	} {
		opts, err := ParseArgs(tc.args)
		if err != nil {
			t.Fatalf("parse %v: %v", tc.args, err)
		}
		if !tc.check(opts) {
			t.Fatalf("flag not set for %v", tc.args)
		}
	}
}

func TestParseArgsRejectsInvalid(t *testing.T) {
	cases := [][]string{
		{"--no-such-flag"},
		{"--username", "admin"},
		{"--apikey", "secret"},
		{"-e", ""},
		{"positional"},
		{"-c"},
	}
	for _, args := range cases {
		_, err := ParseArgs(args)
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("args %v: expected invalid argument, got %v", args, err)
		}
		if xerrors.KindOf(err) != xerrors.KindConfig {
			t.Fatalf("args %v: expected config kind, got %s", args, xerrors.KindOf(err))
		}
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"agent.yaml": `
agent:
  id: agent-1
log:
  level: debug
storage:
  run_store:
    driver: memory
upgrade:
  public_key: "02aa"
runtime:
  data_dir: state
values:
  endpoint: example.org:443
`,
		"agent.toml": `
[agent]
id = "agent-1"
[log]
level = "debug"
[upgrade]
public_key = "02aa"
[runtime]
data_dir = "state"
[values]
endpoint = "example.org:443"
`,
		"agent.json": `{
  // comments are allowed
  "agent": {"id": "agent-1"},
  "log": {"level": "debug"},
  "upgrade": {"public_key": "02aa"},
  "runtime": {"data_dir": "state"},
  "values": {"endpoint": "example.org:443"},
}`,
		"agent.cfg": `
# legacy format
agent_id agent-1
log_level debug
upgrade_public_key 02aa
data_dir state
endpoint example.org:443
`,
	}
	for name, content := range files {
		path := writeConfig(t, name, content)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if cfg.Agent.ID != "agent-1" || cfg.Log.Level != "debug" || cfg.Upgrade.PublicKey != "02aa" {
			t.Fatalf("%s: unexpected config %+v", name, cfg)
		}
		if cfg.Values["endpoint"] != "example.org:443" {
			t.Fatalf("%s: unexpected values %v", name, cfg.Values)
		}
		if want := filepath.Join(filepath.Dir(path), "state"); cfg.Runtime.DataDir != want {
			t.Fatalf("%s: data dir %s want %s", name, cfg.Runtime.DataDir, want)
		}
		if cfg.Storage.RunStore.Driver != "memory" {
			t.Fatalf("%s: driver default not applied", name)
		}
		if cfg.Path() != path {
			t.Fatalf("%s: path not recorded", name)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%s: validate: %v", name, err)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); xerrors.CodeOf(err) != xerrors.CodeConfigMissing {
		t.Fatalf("expected missing config, got %v", err)
	}
	path := writeConfig(t, "bad.yaml", "agent: [unterminated")
	if _, err := Load(path); xerrors.CodeOf(err) != xerrors.CodeConfigParse {
		t.Fatalf("expected parse error, got %v", err)
	}
	path = writeConfig(t, "bad.cfg", "upgrade maybe\n")
	if _, err := Load(path); xerrors.CodeOf(err) != xerrors.CodeConfigParse {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "agent.cfg")
	cfg, err := LoadOrDefault(missing, false)
	if err != nil {
		t.Fatalf("implicit missing config should fall back: %v", err)
	}
	if cfg.Storage.RunStore.Driver != "memory" || cfg.Runtime.DataDir == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if _, err := LoadOrDefault(missing, true); xerrors.CodeOf(err) != xerrors.CodeConfigMissing {
		t.Fatalf("explicit missing config must fail, got %v", err)
	}
}

func TestApplyOptionsAndValidate(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.ApplyOptions(&Options{Debug: true, NoUpgrade: true, LogFile: "/tmp/agent.log"})
	if cfg.Log.Level != "debug" || !cfg.Upgrade.Disabled || cfg.Log.File != "/tmp/agent.log" {
		t.Fatalf("options not applied: %+v", cfg)
	}
	if got := cfg.LoggerConfig().OutputPaths; len(got) != 1 || got[0] != "/tmp/agent.log" {
		t.Fatalf("unexpected outputs: %v", got)
	}

	cfg.Log.Level = "loud"
	if err := cfg.Validate(); xerrors.CodeOf(err) != xerrors.CodeConfigParse {
		t.Fatalf("expected invalid level, got %v", err)
	}
	cfg.Log.Level = "info"
	cfg.Storage.RunStore.Driver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("mysql without dsn must fail")
	}
	cfg.Storage.RunStore.Driver = "memory"
	cfg.Events.Drivers = []string{"kafka"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown event driver must fail")
	}
}

func TestUsageListsFlags(t *testing.T) {
	var buf bytes.Buffer
	Usage(&buf)
	for _, want := range []string{"--config", "--setup", "--exit-on-upgrade", DocumentationLink} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("usage missing %q:\n%s", want, buf.String())
		}
	}
}
