package lifecycle

import (
	"os"
	"path/filepath"
	"strconv"

	xerrors "virgo/internal/errors"
)

func writePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodePidFile, err, "create pid file directory")
	}
	content := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodePidFile, err, "write pid file")
	}
	return nil
}

// removePidFile 只删除仍指向当前进程的 pid 文件。
func removePidFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodePidFile, err, "read pid file")
	}
	pid, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil || pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.CodePidFile, err, "remove pid file")
	}
	return nil
}

func trimNewline(data []byte) []byte {
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	return data
}
