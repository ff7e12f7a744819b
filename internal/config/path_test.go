package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withSystemDir(t *testing.T, dir string) {
	old := systemDataDir
	systemDataDir = dir
	t.Cleanup(func() { systemDataDir = old })
}

func TestDefaultDataDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, filepath.Join("/custom/data", "chorus"), DefaultDataDir())
}

func TestDefaultDataDirPrefersExistingSystemDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	dir := t.TempDir()
	withSystemDir(t, dir)
	assert.Equal(t, dir, DefaultDataDir())
}

func TestDefaultDataDirPerUser(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux layout")
	}
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "/home/alice")
	withSystemDir(t, "/non/existent/chorus")
	assert.Equal(t, "/home/alice/.local/share/chorus", DefaultDataDir())
}

func TestDefaultDataDirNoHome(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("home comes from USERPROFILE")
	}
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "")
	withSystemDir(t, "/non/existent/chorus")
	assert.Equal(t, "./data", DefaultDataDir())
}

func TestIsDir(t *testing.T) {
	assert.True(t, isDir("."))
	assert.False(t, isDir("/non/existent/path/that/does/not/exist"))
	assert.False(t, isDir(os.Args[0]))
}
