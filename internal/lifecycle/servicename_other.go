//go:build !linux

package lifecycle

// setServiceName 在没有进程改名接口的平台上只记录名称。
func setServiceName(string) error {
	return nil
}
