// Package config holds the application configuration and its resolution
// rules: CLI flags take precedence over the optional JSON config file,
// which takes precedence over built-in defaults.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Backend selects the capture backend.
type Backend string

const (
	BackendProxy     Backend = "proxy"
	BackendLdPreload Backend = "ldpreload"
)

// Output selects the presentation mode.
type Output string

const (
	OutputTUI   Output = "tui"
	OutputJSONL Output = "jsonl"
)

// Defaults.
const (
	DefaultPort       = 8080
	DefaultSocketName = "phantom.sock"
)

// Config is the resolved application configuration.
type Config struct {
	Backend Backend
	Output  Output
	Port    int
	DataDir string

	// LD_PRELOAD backend settings.
	AgentLib    string
	SocketPath  string
	Command     string
	CommandArgs []string

	// Logging.
	Debug bool
}

// FileConfig is the JSON config file shape; absent fields keep their
// defaults.
type FileConfig struct {
	Backend  *string `json:"backend,omitempty"`
	Output   *string `json:"output,omitempty"`
	Port     *int    `json:"port,omitempty"`
	DataDir  *string `json:"data_dir,omitempty"`
	AgentLib *string `json:"agent_lib,omitempty"`
	Debug    *bool   `json:"debug,omitempty"`
}

// DataDir returns the default storage root following the XDG spec.
func DataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "phantom", "data")
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "share", "phantom", "data")
	}

	return filepath.Join(".phantom", "data")
}

// ConfigDir returns the configuration directory following the XDG spec.
func ConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "phantom")
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config", "phantom")
	}

	return ".phantom"
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DefaultSocketPath returns the agent socket path inside the data
// directory.
func (c *Config) DefaultSocketPath() string {
	return filepath.Join(c.DataDir, DefaultSocketName)
}

// LoadConfigFile reads a JSON config file; a missing file yields an empty
// config rather than an error.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, err
	}

	var fileConfig FileConfig
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return nil, err
	}

	return &fileConfig, nil
}

// MergeWithFileConfig fills in values the CLI left at their defaults.
func (c *Config) MergeWithFileConfig(fileConfig *FileConfig) {
	if fileConfig.Backend != nil && c.Backend == BackendProxy {
		c.Backend = Backend(*fileConfig.Backend)
	}
	if fileConfig.Output != nil && c.Output == OutputTUI {
		c.Output = Output(*fileConfig.Output)
	}
	if fileConfig.Port != nil && c.Port == DefaultPort {
		c.Port = *fileConfig.Port
	}
	if fileConfig.DataDir != nil && c.DataDir == "" {
		c.DataDir = *fileConfig.DataDir
	}
	if fileConfig.AgentLib != nil && c.AgentLib == "" {
		c.AgentLib = *fileConfig.AgentLib
	}
	if fileConfig.Debug != nil && !c.Debug {
		c.Debug = *fileConfig.Debug
	}
}
