package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultPattern matches the weekly tracking workbooks.
const DefaultPattern = "*.xlsx"

// ScanFolder lists the files in dir matching the glob pattern, sorted by
// name. Office lock files ("~$...") are skipped.
func ScanFolder(dir, pattern string) ([]SourceFile, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("source folder %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source folder %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var files []SourceFile
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), "~$") {
			continue
		}
		ok, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, SourceFile{
			Path:    filepath.Join(dir, e.Name()),
			Name:    e.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime().UTC(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// StatFile describes a single file outside of a folder scan.
func StatFile(path string) (SourceFile, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return SourceFile{}, err
	}
	if fi.IsDir() {
		return SourceFile{}, fmt.Errorf("%s is a directory", path)
	}
	return SourceFile{Path: path, Name: filepath.Base(path), Size: fi.Size(), ModTime: fi.ModTime().UTC()}, nil
}
