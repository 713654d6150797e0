// bundlezip packs agent script sources into the zip bundle embedded by the
// agent binary, or lists the entries of an existing bundle.
//
//	bundlezip [-o bundle.zip] [--ext .go] [--zstd] <root>...
//	bundlezip --list bundle.zip
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/pflag"

	"virgo/internal/vfs"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bundlezip: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		output  string
		ext     string
		useZstd bool
		list    string
	)
	flagSet := pflag.NewFlagSet("bundlezip", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVarP(&output, "output", "o", "bundle.zip", "path of the bundle to write")
	flagSet.StringVar(&ext, "ext", ".go", "only files with this extension are added")
	flagSet.BoolVar(&useZstd, "zstd", false, "compress entries with zstd instead of deflate")
	flagSet.StringVar(&list, "list", "", "print the entries of an existing bundle and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(stdout, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stdout, flagSet)
		return nil
	}

	if list != "" {
		return listBundle(list, stdout)
	}
	roots := flagSet.Args()
	if len(roots) == 0 {
		return fmt.Errorf("at least one source root is required")
	}
	files, err := collect(roots, ext)
	if err != nil {
		return err
	}
	method := zip.Deflate
	if useZstd {
		method = zstd.ZipMethodWinZip
	}
	return writeBundle(output, files, method, stdout)
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: bundlezip [options] <root>...\n\nOptions:\n%s", flagSet.FlagUsages())
}

// sourceFile is one file to add, keyed by its path relative to its root.
type sourceFile struct {
	name string
	path string
}

// collect walks every root and keeps files ending in ext. A later root wins
// when two roots provide the same relative name.
func collect(roots []string, ext string) ([]sourceFile, error) {
	byName := make(map[string]sourceFile)
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(rel)
			byName[name] = sourceFile{name: name, path: path}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	files := make([]sourceFile, 0, len(byName))
	for _, file := range byName {
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// writeBundle writes files to output in name order through a temporary file.
func writeBundle(output string, files []sourceFile, method uint16, stdout io.Writer) error {
	temporary := output + ".tmp"
	out, err := os.Create(temporary)
	if err != nil {
		return err
	}
	defer os.Remove(temporary)

	w := zip.NewWriter(out)
	w.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	for _, file := range files {
		fmt.Fprintf(stdout, "Adding: %s\n", file.name)
		if err := addFile(w, file, method); err != nil {
			out.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(temporary, output)
}

func addFile(w *zip.Writer, file sourceFile, method uint16) error {
	content, err := os.ReadFile(file.path)
	if err != nil {
		return err
	}
	header := &zip.FileHeader{Name: file.name, Method: method}
	header.SetMode(0o644)
	fw, err := w.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", file.name, err)
	}
	_, err = fw.Write(content)
	return err
}

func listBundle(path string, stdout io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	entries, err := vfs.New(data).Entries()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fmt.Fprintf(stdout, "%10d  %-7s %s\n", entry.Size, methodName(entry.Method), entry.Path)
	}
	return nil
}

func methodName(method uint16) string {
	switch method {
	case zip.Store:
		return "store"
	case zip.Deflate:
		return "deflate"
	case zstd.ZipMethodWinZip:
		return "zstd"
	default:
		return fmt.Sprintf("m%d", method)
	}
}
