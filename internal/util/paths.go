package util

import (
	"os"
	"path/filepath"
	"runtime"
)

// GetConfigDir returns the user's configuration directory following platform conventions
// Linux/BSD: $XDG_CONFIG_HOME/roomshare or ~/.config/roomshare
// macOS: ~/Library/Application Support/roomshare
// Windows: %APPDATA%/roomshare
func GetConfigDir() string {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		baseDir = filepath.Join(homeDir, "Library", "Application Support")
	default: // Linux, BSD, etc.
		baseDir = os.Getenv("XDG_CONFIG_HOME")
		if baseDir == "" {
			homeDir, _ := os.UserHomeDir()
			baseDir = filepath.Join(homeDir, ".config")
		}
	}

	return filepath.Join(baseDir, "roomshare")
}

// GetDataDir returns the user's data directory following platform conventions
// Linux/BSD: $XDG_DATA_HOME/roomshare or ~/.local/share/roomshare
// macOS: ~/Library/Application Support/roomshare
// Windows: %LOCALAPPDATA%/roomshare
func GetDataDir() string {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("LOCALAPPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		baseDir = filepath.Join(homeDir, "Library", "Application Support")
	default: // Linux, BSD, etc.
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			homeDir, _ := os.UserHomeDir()
			baseDir = filepath.Join(homeDir, ".local", "share")
		}
	}

	return filepath.Join(baseDir, "roomshare")
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// GetDefaultDBPath returns the default local cache database path for a peer
func GetDefaultDBPath() string {
	return filepath.Join(GetDataDir(), "roomshare.db")
}

// GetDefaultSeedDir returns the default directory watched for seed files
func GetDefaultSeedDir() string {
	return filepath.Join(GetDataDir(), "seed")
}

// GetDefaultDownloadDir returns where fetched files are written by the CLI
func GetDefaultDownloadDir() string {
	return filepath.Join(GetDataDir(), "downloads")
}
