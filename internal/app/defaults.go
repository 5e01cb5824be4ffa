package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// GetDefaults resolves where fsy keeps its config file and node data.
//
// FSY_CONFIG_PATH overrides the config file (~/.config/fsy/config.toml).
// FSY_HOME overrides the data directory (~/.local/share/fsy), which holds
// the state database and the log directory.
func GetDefaults() (map[string]string, error) {
	configPath, err := fromEnvOrHome("FSY_CONFIG_PATH", ".config", "fsy", "config.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := fromEnvOrHome("FSY_HOME", ".local", "share", "fsy")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// fromEnvOrHome returns $env when set, else elems joined under the home
// directory.
func fromEnvOrHome(env string, elems ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolving default for %s: home directory: %w", env, err)
	}
	return filepath.Join(append([]string{home}, elems...)...), nil
}
