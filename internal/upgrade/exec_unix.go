//go:build !windows

package upgrade

import "golang.org/x/sys/unix"

func platformExec(argv0 string, argv []string, envv []string) error {
	return unix.Exec(argv0, argv, envv)
}
