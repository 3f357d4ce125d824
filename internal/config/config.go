// Package config loads the bridge configuration from config.toml.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath  = "config.toml"
	DefaultSecretsPath = ".secrets.json"
	DefaultDataRoot    = "data"
	DefaultCacheLimit  = 10000
)

type Config struct {
	Log     LogConfig     `toml:"log"`
	Secrets SecretsConfig `toml:"secrets"`
	Bridge  BridgeConfig  `toml:"bridge"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type SecretsConfig struct {
	// VaultPath is the encrypted token vault; DataRoot holds secure files.
	VaultPath string `toml:"vault_path" validate:"required"`
	DataRoot  string `toml:"data_root" validate:"required"`
}

type BridgeConfig struct {
	// EnablePlatformWhitelist gates driver registration on EnabledPlatforms.
	EnablePlatformWhitelist bool     `toml:"enable_platform_whitelist"`
	EnabledPlatforms        []string `toml:"enabled_platforms"`
	// EnableMulti permits the parallel fan-out strategy.
	EnableMulti bool `toml:"enable_multi"`
	CacheLimit  int  `toml:"cache_limit" validate:"gte=0"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Secrets: SecretsConfig{
			VaultPath: DefaultSecretsPath,
			DataRoot:  DefaultDataRoot,
		},
		Bridge: BridgeConfig{
			EnableMulti: true,
			CacheLimit:  DefaultCacheLimit,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
