package app

import (
	"fmt"
	"os"
	"path/filepath"

	"mlc-go/internal/config"
)

// Paths locates the mlc config file and the base directory that holds the
// journal, logs, keys, locks and, unless configured otherwise, storage_root.
type Paths struct {
	ConfigPath string
	BaseDir    string
}

// DefaultPaths resolves Paths from the environment:
//   - MLC_CONFIG_PATH overrides ~/.config/mlc.toml
//   - MLC_HOME overrides ~/.local/share/mlc
func DefaultPaths() (Paths, error) {
	var p Paths
	p.ConfigPath = os.Getenv("MLC_CONFIG_PATH")
	p.BaseDir = os.Getenv("MLC_HOME")
	if p.ConfigPath != "" && p.BaseDir != "" {
		return p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("cannot determine home directory: %w", err)
	}
	if p.ConfigPath == "" {
		p.ConfigPath = filepath.Join(home, ".config", "mlc.toml")
	}
	if p.BaseDir == "" {
		p.BaseDir = filepath.Join(home, ".local", "share", "mlc")
	}
	return p, nil
}

// LockDir is where per-target lock files live.
func (p Paths) LockDir() string {
	return filepath.Join(p.BaseDir, LockDirName)
}

// NewConfig returns the config `mlc config init` writes for these paths.
func (p Paths) NewConfig() *config.Config {
	return config.NewConfig(p.BaseDir)
}
