// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads the agent configuration. Values are layered: built-in
// defaults, then tokenagent.yaml (system, user, current directory or an
// explicit --config path), then TOKENAGENT_* environment variables, then
// command line flags.
package config // import "github.com/toeirei/tokenagent/internal/config"

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/toeirei/tokenagent/internal/token"
)

// Config is the full agent configuration.
type Config struct {
	Socket string `mapstructure:"socket" yaml:"socket"`
	Agent  struct {
		ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	} `mapstructure:"agent" yaml:"agent"`
	Token struct {
		// Slot selects a slot ID; negative means unset.
		Slot  int    `mapstructure:"slot" yaml:"slot"`
		Label string `mapstructure:"label" yaml:"label,omitempty"`
	} `mapstructure:"token" yaml:"token"`
	Log struct {
		Level string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"log" yaml:"log"`
	Language string `mapstructure:"language" yaml:"language"`
	Audit    struct {
		Type string `mapstructure:"type" yaml:"type"`
		Dsn  string `mapstructure:"dsn" yaml:"dsn,omitempty"`
	} `mapstructure:"audit" yaml:"audit"`
}

// SlotPolicy converts the token section into the adapter's slot policy.
func (c Config) SlotPolicy() token.SlotPolicy {
	p := token.SlotPolicy{Label: c.Token.Label}
	if c.Token.Slot >= 0 {
		id := uint(c.Token.Slot)
		p.SlotID = &id
	}
	return p
}

// Defaults returns the built-in defaults keyed by viper path. socket is the
// platform default listener path.
func Defaults(socket string) map[string]any {
	return map[string]any{
		"socket":             socket,
		"agent.read_timeout": "10s",
		"token.slot":         -1,
		"token.label":        "",
		"log.level":          "info",
		"language":           "en",
		"audit.type":         "sqlite",
		"audit.dsn":          "",
	}
}

// FlagKeys maps command line flag names to configuration keys where the two
// differ.
var FlagKeys = map[string]string{
	"read-timeout": "agent.read_timeout",
	"slot":         "token.slot",
	"token-label":  "token.label",
	"log-level":    "log.level",
	"audit-type":   "audit.type",
	"audit-dsn":    "audit.dsn",
}

// GetConfigPath returns the full path of the user or system config file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "TokenAgent")
		default:
			configDir = "/etc/tokenagent"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "tokenagent")
	}

	return filepath.Join(configDir, "tokenagent.yaml"), nil
}

// LoadConfig builds a T from defaults, config files, environment and the
// flags of cmd. A missing config file is not an error; a malformed one is.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFile *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("tokenagent")
	v.SetConfigType("yaml")
	if configFile != nil && *configFile != "" {
		v.SetConfigFile(*configFile)
	}
	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, err
		}
	}

	v.SetEnvPrefix("tokenagent")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
		for name, key := range FlagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return c, err
				}
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

// WriteConfigFile stores c as YAML at the user or system config path.
func WriteConfigFile[T any](c *T, system bool) error {
	path, err := GetConfigPath(system)
	if err != nil {
		return err
	}
	return writeConfig(path, c)
}

func writeConfig(path string, c any) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}
	// The audit DSN may carry database credentials.
	return os.WriteFile(path, data, 0o600)
}
