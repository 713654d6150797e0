//go:build windows

package lifecycle

// restartSysvService 在 Windows 上不可用，对应的参数也不会注册。
func restartSysvService(string) error {
	return nil
}
