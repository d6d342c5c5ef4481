package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables overriding the default locations.
const (
	EnvConfigPath = "ZRBACKUP_CONFIG_PATH"
	EnvHome       = "ZRBACKUP_HOME"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - ZRBACKUP_CONFIG_PATH: config file location (default: ~/.config/zrbackup.toml)
//   - ZRBACKUP_HOME: base directory for zrbackup data (default: ~/.local/share/zrbackup)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "zrbackup.toml"), nil
}

// getBaseDir falls back to the XDG default ~/.local/share/zrbackup.
func getBaseDir() (string, error) {
	if path := os.Getenv(EnvHome); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "zrbackup"), nil
}
