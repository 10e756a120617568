package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	configDirName  = ".duck-flight"
	configFileName = "config.yaml"
)

// ErrNoUserConfig is returned by LoadUserConfig when no profile file exists.
var ErrNoUserConfig = errors.New("no user config")

// UserConfig is the profile file. Profiles hold the defaults a fetch or
// query falls back to when neither a flag nor the environment sets them.
type UserConfig struct {
	CurrentProfile string             `yaml:"current-profile"`
	Profiles       map[string]Profile `yaml:"profiles"`
}

// Profile is one named set of connection and container defaults.
// Empty fields defer to the built-in defaults.
type Profile struct {
	Addr         string `yaml:"addr,omitempty"`
	Output       string `yaml:"output,omitempty"`
	ContainerDir string `yaml:"container-dir,omitempty"`
	Compression  string `yaml:"compression,omitempty"`
	Session      string `yaml:"session,omitempty"`
}

// ActiveProfile picks override when set, else the current profile. A named
// override must exist; a dangling current-profile yields the zero Profile.
func (c *UserConfig) ActiveProfile(override string) (Profile, error) {
	if override == "" {
		return c.Profiles[c.CurrentProfile], nil
	}
	p, ok := c.Profiles[override]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found", override)
	}
	return p, nil
}

// ConfigDir is the directory holding the profile file, under $HOME.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configDirName)
}

// ConfigPath is the profile file location.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), configFileName)
}

// LoadUserConfig parses the profile file. A missing file is reported as
// ErrNoUserConfig; the returned config always has a non-nil Profiles map.
func LoadUserConfig() (*UserConfig, error) {
	data, err := os.ReadFile(ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", ConfigPath(), ErrNoUserConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", ConfigPath(), err)
	}

	cfg := &UserConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ConfigPath(), err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]Profile)
	}
	return cfg, nil
}

// SaveUserConfig replaces the profile file atomically. The file is private
// to the user.
func SaveUserConfig(cfg *UserConfig) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// CreateTemp opens with mode 0600.
	tmp, err := os.CreateTemp(dir, configFileName+".*")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), ConfigPath()); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
