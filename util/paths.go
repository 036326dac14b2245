package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/trailpost"
)

// GetConfigDir returns the trailpost config directory path (~/.config/trailpost/)
// and creates it if it doesn't exist
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, AppConfigDir)

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// ResolveDirPath resolves a data directory the same way as ResolveFilePath.
func ResolveDirPath(dir string) string {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ResolveFilePath(dir)
}

// ResolveFilePath resolves a file path with the following priority:
// 1. Absolute paths are returned unchanged
// 2. Local working directory (e.g., ./database.db)
// 3. User config directory (e.g., ~/.config/trailpost/database.db)
// 4. The user config directory path if neither exists (for creation)
func ResolveFilePath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}

	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}

	return filepath.Join(configDir, filename)
}
