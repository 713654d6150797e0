package lifecycle

// Version 与 Release 在构建时通过 -ldflags "-X" 注入。
var (
	Version = "0.0.0"
	Release = "dev"
)

// FullVersion 返回 "<version>-<release>" 形式的版本串。
func FullVersion() string {
	return Version + "-" + Release
}
