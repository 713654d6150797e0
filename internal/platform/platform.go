// Package platform queries the operating system installer database. Only
// Windows has an implementation; elsewhere every query fails with a
// PlatformError.
package platform

// ProductVersionProperty is the installer property holding the package version.
const ProductVersionProperty = "ProductVersion"

// ProductVersion returns the ProductVersion property of the installer package
// at packagePath.
func ProductVersion(packagePath string) (string, error) {
	return ProductProperty(packagePath, ProductVersionProperty)
}
