package export

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteReports renders r with each formatter and writes <dir>/<batch>.<ext>.
// Each file is replaced atomically, so readers see the old report or the
// new one, never a partial write.
func WriteReports(dir string, r Report, formatters []Formatter) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	paths := make([]string, 0, len(formatters))
	for _, f := range formatters {
		data, err := f.Format(r)
		if err != nil {
			return paths, fmt.Errorf("format %s: %w", f.Name(), err)
		}
		dest := filepath.Join(dir, r.BatchID+"."+f.Ext())
		if err := writeAtomic(dest, data); err != nil {
			return paths, fmt.Errorf("write %s: %w", dest, err)
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

func writeAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
