//go:build windows

package platform

import (
	"unsafe"

	"golang.org/x/sys/windows"

	xerrors "virgo/internal/errors"
)

var (
	msi                        = windows.NewLazySystemDLL("msi.dll")
	procMsiOpenPackageW        = msi.NewProc("MsiOpenPackageW")
	procMsiGetProductPropertyW = msi.NewProc("MsiGetProductPropertyW")
	procMsiCloseHandle         = msi.NewProc("MsiCloseHandle")
)

const errorMoreData = 234

// ProductProperty opens the installer package and reads the named product
// property.
func ProductProperty(packagePath, property string) (string, error) {
	if err := msi.Load(); err != nil {
		return "", xerrors.Wrap(xerrors.CodePlatform, err, "msi open package failed")
	}
	pathPtr, err := windows.UTF16PtrFromString(packagePath)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodePlatform, err, "msi open package failed")
	}
	propPtr, err := windows.UTF16PtrFromString(property)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodePlatform, err, "msi get product property size failed")
	}

	var handle uint32
	ret, _, _ := procMsiOpenPackageW.Call(uintptr(unsafe.Pointer(pathPtr)), uintptr(unsafe.Pointer(&handle)))
	if ret != 0 {
		return "", xerrors.Wrap(xerrors.CodePlatform, windows.Errno(ret), "msi open package failed")
	}
	defer procMsiCloseHandle.Call(uintptr(handle))

	// size probe: an empty buffer reports the required length without the terminator
	var size uint32
	var empty [1]uint16
	ret, _, _ = procMsiGetProductPropertyW.Call(uintptr(handle), uintptr(unsafe.Pointer(propPtr)),
		uintptr(unsafe.Pointer(&empty[0])), uintptr(unsafe.Pointer(&size)))
	if !(ret == errorMoreData || (ret == 0 && size > 0)) {
		return "", xerrors.New(xerrors.CodePlatform, "msi get product property size failed")
	}

	size++
	buf := make([]uint16, size)
	ret, _, _ = procMsiGetProductPropertyW.Call(uintptr(handle), uintptr(unsafe.Pointer(propPtr)),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)))
	if ret != 0 {
		return "", xerrors.Wrap(xerrors.CodePlatform, windows.Errno(ret), "msi get product property failed")
	}
	return windows.UTF16ToString(buf[:size]), nil
}
