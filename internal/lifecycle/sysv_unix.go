//go:build !windows

package lifecycle

import (
	"os/exec"
	"path/filepath"

	xerrors "virgo/internal/errors"
)

// restartSysvService 通过 /etc/init.d/<service> restart 重启服务，不等待其完成。
func restartSysvService(service string) error {
	if service == "" {
		service = "virgo"
	}
	script := filepath.Join("/etc/init.d", filepath.Base(service))
	cmd := exec.Command(script, "restart")
	if err := cmd.Start(); err != nil {
		return xerrors.Wrap(xerrors.CodeUpgradeExec, err, "restart sysv service")
	}
	return cmd.Process.Release()
}
