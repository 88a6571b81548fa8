// Package config resolves server settings from a JSON file and the
// environment. Environment variables win over file values, and both win
// over the built-in defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Defaults applied before the file and environment are consulted.
const (
	DefaultPort              = 42000
	DefaultThumbnailInterval = 30
)

// Environment variable names.
const (
	EnvPort              = "PUPIL_PORT"
	EnvRoot              = "PUPIL_ROOT"
	EnvBucket            = "PUPIL_BUCKET"
	EnvAPIHost           = "PUPIL_API_HOST"
	EnvThumbnailInterval = "PUPIL_THUMBNAIL_INTERVAL"
	EnvRegion            = "AWS_REGION"
	EnvKeyID             = "AWS_KEYID"
	EnvKeySecret         = "AWS_KEYSECRET"
)

// Config holds everything the server needs to run.
type Config struct {
	Port              int    `json:"port"`
	Root              string `json:"root"`
	Bucket            string `json:"bucket"`
	APIHost           string `json:"api_host"`
	ThumbnailInterval int    `json:"thumbnail_interval"`
	Region            string `json:"region"`
	KeyID             string `json:"key_id"`
	KeySecret         string `json:"key_secret"`
}

// Addr returns the listen address for the configured port.
func (c Config) Addr() string { return ":" + strconv.Itoa(c.Port) }

// Load resolves the configuration: defaults, then the JSON file at path
// if path is non-empty, then the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Config{
		Port:              DefaultPort,
		ThumbnailInterval: DefaultThumbnailInterval,
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.loadEnv()

	if cfg.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.Root = wd
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv(EnvThumbnailInterval); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ThumbnailInterval = n
		}
	}
	if v := os.Getenv(EnvRoot); v != "" {
		c.Root = v
	}
	if v := os.Getenv(EnvBucket); v != "" {
		c.Bucket = v
	}
	if v := os.Getenv(EnvAPIHost); v != "" {
		c.APIHost = v
	}
	if v := os.Getenv(EnvRegion); v != "" {
		c.Region = v
	}
	if v := os.Getenv(EnvKeyID); v != "" {
		c.KeyID = v
	}
	if v := os.Getenv(EnvKeySecret); v != "" {
		c.KeySecret = v
	}
}

// Validate checks that the settings are usable. Storage credentials are
// required as a set: the server has no local-only mode.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ThumbnailInterval <= 0 {
		errs = append(errs, fmt.Errorf("thumbnail interval %d must be positive", c.ThumbnailInterval))
	}
	if c.Bucket == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvBucket))
	}
	if c.Region == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvRegion))
	}
	if c.KeyID == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvKeyID))
	}
	if c.KeySecret == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvKeySecret))
	}
	return errors.Join(errs...)
}
