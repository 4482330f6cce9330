package config

import (
	"os"
	"path/filepath"
)

const fallbackDataDir = "./data"

// DefaultDataDir picks where the store lives when no dataDir is configured.
// XDG_DATA_HOME wins, then /var/lib, then the per-user application
// directory of the host, then ~/.flostore.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "flostore")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return fallbackDataDir
	}
	candidates := []struct{ marker, dir string }{
		{"/var/lib", "/var/lib/flostore"},
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "Flostore")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "Flostore")},
	}
	for _, c := range candidates {
		if isDir(c.marker) {
			return c.dir
		}
	}
	return filepath.Join(home, ".flostore")
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
