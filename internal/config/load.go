package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"dispatchbot/internal/apperr"
)

// envOverrides are applied on top of the file so secrets can stay out of it.
type envOverrides struct {
	Token         string  `env:"BOT_TOKEN"`
	AdminIDs      []int64 `env:"BOT_ADMIN_IDS" envSeparator:","`
	StorageDriver string  `env:"BOT_STORAGE_DRIVER"`
	StorageDSN    string  `env:"BOT_STORAGE_DSN"`
	LogLevel      string  `env:"BOT_LOG_LEVEL"`
	OpsAddr       string  `env:"BOT_OPS_ADDR"`
}

// Load reads the config file, loads optional dotenv files into the process
// environment, applies BOT_* overrides and validates the result. Every
// failure is a KindConfig error.
func Load(path string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Wrap(apperr.KindConfig, "config.dotenv", err)
		}
	}

	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "config.env", err)
	}
	cfg.applyEnv(ov)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes path without env overrides or validation.
func Parse(path string) (*Config, error) {
	var cfg Config
	if err := decodeFile(path, &cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "config.parse", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(ov envOverrides) {
	if v := strings.TrimSpace(ov.Token); v != "" {
		c.Telegram.Token = v
	}
	if len(ov.AdminIDs) > 0 {
		c.Telegram.AdminIDs = ov.AdminIDs
	}
	if v := strings.TrimSpace(ov.StorageDriver); v != "" {
		c.Storage.Driver = v
	}
	if v := strings.TrimSpace(ov.StorageDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := strings.TrimSpace(ov.LogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(ov.OpsAddr); v != "" {
		c.Ops.Addr = v
	}
}

// decodeFile reads YAML or JSON (by extension) into v, rejecting unknown
// fields and trailing data.
func decodeFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	jb, err := toJSON(path, b)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("%s: trailing data", path)
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
