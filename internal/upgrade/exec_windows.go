//go:build windows

package upgrade

import (
	"os"
	"os/exec"
)

// Windows has no execve. The new image is started with the current stdio and
// environment and this process exits once it is running.
func platformExec(argv0 string, argv []string, envv []string) error {
	cmd := &exec.Cmd{
		Path:   argv0,
		Args:   argv,
		Env:    envv,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}
