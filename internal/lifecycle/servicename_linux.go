//go:build linux

package lifecycle

import (
	"unsafe"

	"golang.org/x/sys/unix"

	xerrors "virgo/internal/errors"
)

// setServiceName 设置进程名（/proc/<pid>/comm），内核只保留前 15 个字节。
func setServiceName(title string) error {
	if title == "" {
		return nil
	}
	name := []byte(title)
	if len(name) > 15 {
		name = name[:15]
	}
	name = append(name, 0)
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&name[0])), 0, 0, 0); err != nil {
		return xerrors.Wrap(xerrors.CodeServiceName, err, "set process name")
	}
	return nil
}
