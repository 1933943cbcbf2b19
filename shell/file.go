package shell

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileWriter writes plan-directed file changes atomically, confined to a
// set of allowed root directories.
type FileWriter struct {
	roots []string
}

// NewFileWriter creates a FileWriter confined to the given roots. Roots
// are made absolute and cleaned at construction. The confinement set is
// fixed by the caller, never by input, so an unusable root is a
// programmer error and panics.
func NewFileWriter(roots ...string) *FileWriter {
	if len(roots) == 0 {
		panic("shell: NewFileWriter requires at least one root")
	}
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			panic(fmt.Sprintf("shell: cannot resolve root %s: %v", r, err))
		}
		cleaned = append(cleaned, filepath.Clean(abs))
	}
	return &FileWriter{roots: cleaned}
}

// Resolve makes path absolute (relative paths resolve against the first
// root) and verifies it stays within an allowed root.
func (w *FileWriter) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty file path")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.roots[0], abs)
	}
	abs = filepath.Clean(abs)

	for _, root := range w.roots {
		if abs == root || strings.HasPrefix(abs, root+string(os.PathSeparator)) {
			return abs, nil
		}
	}
	return "", &PathTraversalError{Path: path}
}

// Write atomically writes content to path: the data lands in a temp
// file in the target directory and is renamed into place, so readers
// never observe a partial write.
func (w *FileWriter) Write(path, content string) error {
	abs, err := w.Resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", abs, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	tmpName = ""
	return nil
}
