package pipeline

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed all:example
var exampleFS embed.FS

// Scaffold writes the embedded example pipeline into dir, creating it
// if needed. Refuses to write into a directory that already contains
// stage directories.
func Scaffold(dir string) error {
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if e.IsDir() && stageDirRegex.MatchString(e.Name()) {
				return fmt.Errorf("%s already contains stage directories", dir)
			}
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	return fs.WalkDir(exampleFS, "example", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, "example")
		rel = strings.TrimPrefix(rel, "/")
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := exampleFS.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}
