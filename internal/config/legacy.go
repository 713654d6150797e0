package config

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// parseLegacy 解析 "key value" 行格式的旧配置文件。# 开头为注释。
// 所有键都会写入 Values，已知键同时映射到结构化字段。
func parseLegacy(content []byte, cfg *Config) error {
	cfg.Values = make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return fmt.Errorf("line %d: missing key", lineNo)
		}
		cfg.Values[key] = value
		if err := applyLegacyKey(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

func applyLegacyKey(cfg *Config, key, value string) error {
	switch key {
	case "agent_id":
		cfg.Agent.ID = value
	case "agent_token":
		cfg.Agent.Token = value
	case "service_name":
		cfg.Agent.ServiceName = value
	case "log_level":
		cfg.Log.Level = value
	case "log_format":
		cfg.Log.Format = value
	case "log_file":
		cfg.Log.File = value
	case "data_dir":
		cfg.Runtime.DataDir = value
	case "run_store":
		cfg.Storage.RunStore.Driver = value
	case "run_store_dsn":
		cfg.Storage.RunStore.DSN = value
	case "events":
		for _, driver := range strings.Split(value, ",") {
			if driver = strings.TrimSpace(driver); driver != "" {
				cfg.Events.Drivers = append(cfg.Events.Drivers, driver)
			}
		}
	case "redis_address":
		cfg.Events.Redis.Address = value
	case "rabbitmq_url":
		cfg.Events.RabbitMQ.URL = value
	case "upgrade":
		switch strings.ToLower(value) {
		case "disabled", "false", "off":
			cfg.Upgrade.Disabled = true
		case "enabled", "true", "on":
			cfg.Upgrade.Disabled = false
		default:
			return fmt.Errorf("invalid upgrade value %q", value)
		}
	case "upgrade_public_key":
		cfg.Upgrade.PublicKey = value
	case "log_max_size_mb":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		cfg.Log.MaxSizeMB = n
	}
	return nil
}
