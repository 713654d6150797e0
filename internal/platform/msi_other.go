//go:build !windows

package platform

import (
	"runtime"

	xerrors "virgo/internal/errors"
)

// ProductProperty is only available on Windows.
func ProductProperty(packagePath, property string) (string, error) {
	return "", xerrors.Newf(xerrors.CodePlatform, "installer query for %s is not supported on %s", property, runtime.GOOS)
}
