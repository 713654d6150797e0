package agentsetup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"virgo/agent"
)

// Run writes the credentials given with --username and --apikey into the
// configuration file in the legacy key/value format.
func Run(ctx context.Context) error {
	username := agent.Conf("username")
	apiKey := agent.Conf("apikey")
	if username == "" || apiKey == "" {
		return errors.New("setup requires --username and --apikey")
	}
	path := agent.Conf("config")
	if path == "" {
		return errors.New("no configuration path")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("agent_id %s\nagent_token %s\n", username, apiKey)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return err
	}
	agent.Log("info", "wrote agent configuration to "+path)
	fmt.Println("Setup complete, configuration written to " + path)
	return nil
}
