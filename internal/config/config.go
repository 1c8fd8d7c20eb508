// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads settings from an optional YAML file overlaid with
// MAILSYNC_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so that
// "google.client_id" is read from MAILSYNC_GOOGLE_CLIENT_ID.
const EnvPrefix = "MAILSYNC"

type MailConfig struct {
	MeAddress      string `mapstructure:"me_address"`
	NoreplyAddress string `mapstructure:"noreply_address"`
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	TokenURL     string `mapstructure:"token_url"`

	// Read the refresh token from the system keyring when it is not
	// configured directly.
	Keyring bool `mapstructure:"keyring"`
}

type SessionConfig struct {
	Secret string `mapstructure:"secret"`
}

type SyncConfig struct {
	Secret string `mapstructure:"secret"`

	// Period of background incremental syncs in "serve".  Zero
	// disables them.
	Interval time.Duration `mapstructure:"interval"`
}

type APIConfig struct {
	Key string `mapstructure:"key"`
}

type InboundConfig struct {
	Secret     string `mapstructure:"secret"`
	VerifyDKIM bool   `mapstructure:"verify_dkim"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	LokiURL string `mapstructure:"loki_url"`
}

// Config is the complete program configuration.
type Config struct {
	Mail      MailConfig     `mapstructure:"mail"`
	Google    GoogleConfig   `mapstructure:"google"`
	Session   SessionConfig  `mapstructure:"session"`
	Sync      SyncConfig     `mapstructure:"sync"`
	API       APIConfig      `mapstructure:"api"`
	Inbound   InboundConfig  `mapstructure:"inbound"`
	Database  DatabaseConfig `mapstructure:"database"`
	HTTP      HTTPConfig     `mapstructure:"http"`
	PublicURL string         `mapstructure:"public_url"`
	Log       LogConfig      `mapstructure:"log"`

	// Log every provider HTTP exchange at debug level.
	Trace bool `mapstructure:"trace"`

	v *viper.Viper
}

// DefaultConfigPath returns ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultDatabasePath returns ~/.mailsync.db.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailsync.db"
	}
	return filepath.Join(home, ".mailsync.db")
}

// defaults lists every key.  Viper only consults the environment for
// keys it knows about, so keys without a useful default are registered
// with their zero value.
var defaults = map[string]any{
	"mail.me_address":      "",
	"mail.noreply_address": "",
	"google.client_id":     "",
	"google.client_secret": "",
	"google.refresh_token": "",
	"google.token_url":     "",
	"google.keyring":       false,
	"session.secret":       "",
	"sync.secret":          "",
	"sync.interval":        "0s",
	"api.key":              "",
	"inbound.secret":       "",
	"inbound.verify_dkim":  false,
	"database.path":        "",
	"http.addr":            ":8080",
	"public_url":           "http://localhost:8080",
	"log.level":            "info",
	"log.loki_url":         "",
	"trace":                false,
}

// Load reads path, if it exists, and the environment.  An empty path
// means DefaultConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath()
	}
	if cfg.Sync.Interval < 0 {
		return nil, errors.Errorf("sync.interval must not be negative, got %v", cfg.Sync.Interval)
	}
	return cfg, nil
}

// Require returns an error naming every key in keys that has no value.
func (c *Config) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if c.v == nil || c.v.GetString(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	env := make([]string, len(missing))
	for i, k := range missing {
		env[i] = EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(k, ".", "_"))
	}
	return errors.Errorf("missing required configuration: %s (environment %s)",
		strings.Join(missing, ", "), strings.Join(env, ", "))
}
