package local

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReplaceFile writes a sibling temp file through write and renames it over
// path, so readers see either the old file or the new one.
func ReplaceFile(path string, write func(tmpPath string) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := write(tmpName); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteFileAtomic replaces path with data.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return ReplaceFile(path, func(tmpPath string) error {
		if err := os.WriteFile(tmpPath, data, perm); err != nil {
			return fmt.Errorf("write temp file: %w", err)
		}
		// CreateTemp always uses 0600; honor the caller's mode.
		if err := os.Chmod(tmpPath, perm); err != nil {
			return fmt.Errorf("chmod temp file: %w", err)
		}
		return nil
	})
}
