package bundle

import (
	"go/parser"
	"go/token"
	"testing"

	"virgo/internal/vfs"
)

func TestEmbeddedBundleHasEntryModules(t *testing.T) {
	archive := vfs.New(Bytes)
	for name, pkg := range map[string]string{"init.go": "agentinit", "setup.go": "agentsetup"} {
		src, err := archive.Read(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		file, err := parser.ParseFile(token.NewFileSet(), name, src, parser.PackageClauseOnly)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		if file.Name.Name != pkg {
			t.Fatalf("%s declares package %s, want %s", name, file.Name.Name, pkg)
		}
	}
}
