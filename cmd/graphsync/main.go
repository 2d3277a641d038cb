package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.graphsync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Client ConfigClient `toml:"client"`
	State  ConfigState  `toml:"state"`
}

// ConfigServer holds connection settings.
type ConfigServer struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
	Codec string `toml:"codec"`
}

// ConfigClient holds tuning knobs passed to the sync client. Durations use
// Go syntax, e.g. "1s" or "250ms".
type ConfigClient struct {
	BatchMode         string `toml:"batch_mode"`
	BatchSize         int    `toml:"batch_size"`
	BatchWindow       string `toml:"batch_window"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	MaxReconnects     int    `toml:"max_reconnects"`
	LogLevel          string `toml:"log_level"`
}

// ConfigState locates the local sync cursor database.
type ConfigState struct {
	Path string `toml:"path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.graphsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".graphsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "url":
			cfg.Server.URL = value
		case "token":
			cfg.Server.Token = value
		case "codec":
			cfg.Server.Codec = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "client":
		switch field {
		case "batch_mode":
			cfg.Client.BatchMode = value
		case "batch_size":
			n, err := parsePositiveInt(value)
			if err != nil {
				return fmt.Errorf("client.batch_size: %w", err)
			}
			cfg.Client.BatchSize = n
		case "batch_window":
			cfg.Client.BatchWindow = value
		case "heartbeat_interval":
			cfg.Client.HeartbeatInterval = value
		case "max_reconnects":
			n, err := parsePositiveInt(value)
			if err != nil {
				return fmt.Errorf("client.max_reconnects: %w", err)
			}
			cfg.Client.MaxReconnects = n
		case "log_level":
			cfg.Client.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	case "state":
		switch field {
		case "path":
			cfg.State.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [state]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, client, state)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "graphsync",
	Short:         "Graph real-time sync CLI",
	Long:          "Command-line interface for the graph sync client.\nWatch live graph events, broadcast changes, and reconcile local state.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
