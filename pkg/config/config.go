// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Network string `yaml:"network"`
	DataDir string `yaml:"data_dir"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Chat    ChatConfig    `yaml:"chat"`
	Tor     TorConfig     `yaml:"tor"`
	Backup  BackupConfig  `yaml:"backup"`

	Path string `yaml:"-"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	MaxSizeKB int64  `yaml:"max_size_kb"`
	MaxRolls  int    `yaml:"max_rolls"`
	Compress  bool   `yaml:"compress"`

	level zerolog.Level
}

// ParsedLevel returns the level validated by PostProcess.
func (c *LoggingConfig) ParsedLevel() zerolog.Level {
	return c.level
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type WalletConfig struct {
	DatastorePath  string `yaml:"datastore_path"`
	Passphrase     string `yaml:"passphrase"`
	RecoveryPhrase string `yaml:"recovery_phrase"`
}

type ChatConfig struct {
	PublicAddress string  `yaml:"public_address"`
	DatastorePath string  `yaml:"datastore_path"`
	IdentityFile  string  `yaml:"identity_file"`
	LogPath       string  `yaml:"log_path"`
	LogVerbosity  int32   `yaml:"log_verbosity"`
	StorePath     string  `yaml:"store_path"`
	SendRate      float64 `yaml:"send_rate"`
	SendBurst     int     `yaml:"send_burst"`
}

type TorConfig struct {
	ControlAddress string        `yaml:"control_address"`
	Password       string        `yaml:"password"`
	SocksAddress   string        `yaml:"socks_address"`
	Isolation      bool          `yaml:"isolation"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type BackupConfig struct {
	Directory       string        `yaml:"directory"`
	Prefix          string        `yaml:"prefix"`
	DownloadCommand []string      `yaml:"download_command"`
	Timeout         time.Duration `yaml:"timeout"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess validates the config and resolves paths against DataDir.
func (c *Config) PostProcess() error {
	if c.Network == "" {
		return errors.New("network must be set")
	}
	var err error
	if c.Logging.level, err = zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	if _, err = ma.NewMultiaddr(c.Chat.PublicAddress); err != nil {
		return fmt.Errorf("invalid chat public address %q: %w", c.Chat.PublicAddress, err)
	}
	if c.Chat.SendRate < 0 || c.Chat.SendBurst < 0 {
		return errors.New("chat send limits must not be negative")
	}
	if c.Backup.Prefix == "" {
		return errors.New("backup prefix must be set")
	}

	c.DataDir = expandHome(c.DataDir)
	c.Logging.File = c.resolve(c.Logging.File)
	c.Wallet.DatastorePath = c.resolve(c.Wallet.DatastorePath)
	c.Chat.DatastorePath = c.resolve(c.Chat.DatastorePath)
	c.Chat.IdentityFile = c.resolve(c.Chat.IdentityFile)
	c.Chat.LogPath = c.resolve(c.Chat.LogPath)
	c.Chat.StorePath = c.resolve(c.Chat.StorePath)
	c.Backup.Directory = expandHome(c.Backup.Directory)
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func (c *Config) resolve(path string) string {
	if path == "" {
		return ""
	}
	path = expandHome(path)
	if filepath.IsAbs(path) || c.DataDir == "" {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "network")
	helper.Copy(up.Str, "data_dir")

	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Str, "logging", "file")
	helper.Copy(up.Int, "logging", "max_size_kb")
	helper.Copy(up.Int, "logging", "max_rolls")
	helper.Copy(up.Bool, "logging", "compress")

	helper.Copy(up.Str, "metrics", "listen")

	helper.Copy(up.Str, "wallet", "datastore_path")
	helper.Copy(up.Str, "wallet", "passphrase")
	helper.Copy(up.Str, "wallet", "recovery_phrase")

	helper.Copy(up.Str, "chat", "public_address")
	helper.Copy(up.Str, "chat", "datastore_path")
	helper.Copy(up.Str, "chat", "identity_file")
	helper.Copy(up.Str, "chat", "log_path")
	helper.Copy(up.Int, "chat", "log_verbosity")
	helper.Copy(up.Str, "chat", "store_path")
	helper.Copy(up.Int|up.Float, "chat", "send_rate")
	helper.Copy(up.Int, "chat", "send_burst")

	helper.Copy(up.Str, "tor", "control_address")
	helper.Copy(up.Str, "tor", "password")
	helper.Copy(up.Str, "tor", "socks_address")
	helper.Copy(up.Bool, "tor", "isolation")
	helper.Copy(up.Str, "tor", "poll_interval")

	helper.Copy(up.Str, "backup", "directory")
	helper.Copy(up.Str, "backup", "prefix")
	helper.Copy(up.List, "backup", "download_command")
	helper.Copy(up.Str, "backup", "timeout")
}

var upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse copies the known fields of data over the example config defaults.
// Unknown fields and fields of the wrong type are ignored.
func Parse(data []byte) (*Config, error) {
	var base, cfg yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Content) > 0 && cfg.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping at line %d", cfg.Content[0].Line)
	}
	upgrader.DoUpgrade(up.NewHelper(&base, &cfg))
	output, err := yaml.Marshal(&base)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged config: %w", err)
	}
	return decode(output)
}

// Load reads the config at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg *Config
	output, _, err := up.Do(path, false, upgrader)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Parse(nil)
	} else if err == nil {
		cfg, err = decode(output)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config at %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// DefaultPath is the config location under the user config directory.
func DefaultPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "walletbridge", "config.yaml")
}
