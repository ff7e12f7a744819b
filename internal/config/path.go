package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// systemDataDir is used when a packaged install has already created it.
var systemDataDir = "/var/lib/chorus"

// DefaultDataDir picks where a server keeps its store and signing key when
// storage.dataDir is unset: $XDG_DATA_HOME/chorus, then systemDataDir if it
// exists, then the per-user data directory of the host OS, then ./data.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chorus")
	}
	if isDir(systemDataDir) {
		return systemDataDir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Chorus")
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "Chorus")
		}
		return filepath.Join(home, "AppData", "Local", "Chorus")
	}
	return filepath.Join(home, ".local", "share", "chorus")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
