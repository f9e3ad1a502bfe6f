package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// LogDirectory returns the directory used for rescale-xfer log files.
//
// Locations:
//   - Windows: %LOCALAPPDATA%\Rescale\Xfer\logs
//   - Unix: ~/.config/rescale/logs
func LogDirectory() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), "rescale-xfer-logs")
			}
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "Rescale", "Xfer", "logs")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "rescale-xfer-logs")
		}
		return filepath.Join(homeDir, ".config", "rescale", "logs")
	}
	return filepath.Join(configDir, "rescale", "logs")
}

// EnsureLogDirectory creates the log directory with owner-only permissions.
func EnsureLogDirectory() error {
	return os.MkdirAll(LogDirectory(), 0700)
}
