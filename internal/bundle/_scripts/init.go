package agentinit

import (
	"context"
	"os"
	"time"

	"virgo/agent"
)

const defaultHeartbeat = 60 * time.Second

func Init() error {
	agent.Log("info", "agent "+agent.Conf("run_id")+" initialising entry "+agent.Conf("entry"))
	return nil
}

// Run publishes a heartbeat until the agent is asked to stop. When
// upgrade_binary is configured and present on disk the agent replaces itself
// with it.
func Run(ctx context.Context) error {
	interval := defaultHeartbeat
	if value := agent.Conf("heartbeat_interval"); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			interval = parsed
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			agent.Log("info", "shutting down")
			return nil
		case <-ticker.C:
			if err := agent.Publish("heartbeat", map[string]string{"entry": agent.Conf("entry")}); err != nil {
				agent.Log("warn", "heartbeat: "+err.Error())
			}
			checkUpgrade()
		}
	}
}

func checkUpgrade() {
	target := agent.Conf("upgrade_binary")
	if target == "" || agent.Conf("no_upgrade") == "true" {
		return
	}
	if _, err := os.Stat(target); err != nil {
		return
	}
	argv := []string{"virgo", "-c", agent.Conf("config")}
	if err := agent.Upgrade(target, argv); err != nil {
		agent.Log("error", "upgrade to "+target+": "+err.Error())
	}
}
