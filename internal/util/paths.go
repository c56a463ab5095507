// Package util provides internal utility functions for rlinit.
package util

import (
	"os"
	"path/filepath"
	"strings"
)

// CombinePaths combines a base path with a relative path.
// If the relative path is absolute, it is returned as-is.
func CombinePaths(base, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(base, rel)
}

// FileExists returns true if path exists (regardless of type).
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDir returns true if path exists and is a directory.
func IsDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// IsExecutable returns true if path exists and has any execute bit set.
func IsExecutable(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Mode()&0111 != 0
}

// Which searches PATH (plus the sbin directories PID 1 cares about) for an
// executable and returns its full path, or "" when not found.
func Which(name string) string {
	if filepath.IsAbs(name) {
		if IsExecutable(name) {
			return name
		}
		return ""
	}

	dirs := strings.Split(os.Getenv("PATH"), ":")
	dirs = append(dirs, "/sbin", "/usr/sbin", "/bin", "/usr/bin")
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		full := filepath.Join(dir, name)
		if IsExecutable(full) {
			return full
		}
	}
	return ""
}
