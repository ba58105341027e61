package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileOps writes and removes files below a fixed set of directories.
type FileOps struct {
	allowedPaths []string
}

func NewFileOps(allowed ...string) *FileOps {
	f := &FileOps{}
	for _, p := range allowed {
		clean := filepath.Clean(p)
		if !strings.HasSuffix(clean, string(filepath.Separator)) {
			clean += string(filepath.Separator)
		}
		f.allowedPaths = append(f.allowedPaths, clean)
	}
	return f
}

// WriteSecret writes content readable by the owner only.
func (f *FileOps) WriteSecret(path string, content []byte) error {
	if err := f.validatePath(path); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move file into %s: %w", path, err)
	}
	return nil
}

// Delete removes a file. A missing file is not an error.
func (f *FileOps) Delete(path string) error {
	if err := f.validatePath(path); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}

	return nil
}

func (f *FileOps) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// validatePath ensures the path is within allowed directories
func (f *FileOps) validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed: %s", path)
	}

	for _, prefix := range f.allowedPaths {
		if strings.HasPrefix(cleanPath, prefix) {
			return nil
		}
	}
	return fmt.Errorf("path not in allowed directories: %s", path)
}
