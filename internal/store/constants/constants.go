package constants

import (
	"os"
	"path/filepath"
)

const (
	DefaultListenAddress = "127.0.0.1:9950"
	TempFileMarker       = ".easysave-tmp-"
	CopyBufferSize       = 256 * 1024
	MaxCommandLength     = 4096
)

func getStateBasePath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "easysave")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "easysave")
	}
	return filepath.Join(os.TempDir(), "easysave")
}

var StateBasePath = getStateBasePath()

var (
	DbPath      = filepath.Join(StateBasePath, "easysave.db")
	LogsPath    = filepath.Join(StateBasePath, "logs")
	LockPath    = filepath.Join(StateBasePath, "easysave.lock")
	ConfigPaths = []string{
		"easysave.yaml",
		filepath.Join(StateBasePath, "config.yaml"),
		"/etc/easysave/config.yaml",
	}
)
