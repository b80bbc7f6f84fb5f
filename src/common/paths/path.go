// Package paths provides common path manipulation utilities for grubimage.
package paths

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand expands special path prefixes:
// - Environment variables are expanded via os.ExpandEnv
// - ~ expands to the user's home directory
func Expand(path string) string {
	return ExpandHome(os.ExpandEnv(path))
}

// ExpandHome expands only the ~ prefix to the user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home := homeDir()
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// CacheDir returns the per-user cache directory for app, honoring XDG_CACHE_HOME.
func CacheDir(app string) string {
	if base, err := os.UserCacheDir(); err == nil && base != "" {
		return filepath.Join(base, app)
	}
	return filepath.Join(os.TempDir(), app+"-cache")
}

// EnsureDir ensures that the directory for the given path exists.
// If the path is a file path, it creates the parent directory.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}

// EnsureDirPath ensures that the given directory path exists.
func EnsureDirPath(dirPath string) error {
	return os.MkdirAll(dirPath, 0755)
}

// Exists returns true if the path exists
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDir returns true if the path exists and is a directory
func IsDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// IsFile returns true if the path exists and is a regular file
func IsFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// DirSize returns the total size in bytes of all regular files below root.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
