// Package config loads engine configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	apperrors "github.com/salvacell/offsync/internal/errors"
)

// Config holds everything the engine needs to run.
type Config struct {
	APIURL         string        `yaml:"api_url" validate:"required,url"`
	DBPath         string        `yaml:"db_path" validate:"required"`
	Listen         string        `yaml:"listen" validate:"required,hostname_port"`
	LogLevel       string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	PurgeInterval  time.Duration `yaml:"purge_interval" validate:"gt=0"`
	SyncInterval   time.Duration `yaml:"sync_interval" validate:"gte=0"`
	StartupDelay   time.Duration `yaml:"startup_delay" validate:"gte=0"`
	ProbeInterval  time.Duration `yaml:"probe_interval" validate:"gt=0"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	CacheTTL       time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	MaxRetries     int           `yaml:"max_retries" validate:"gte=1"`
	TokenSecret    string        `yaml:"token_secret"` // seals the stored token; host name when empty
	Backup         BackupConfig  `yaml:"backup"`
}

// BackupConfig selects where exported snapshots are written.
type BackupConfig struct {
	Driver    string        `yaml:"driver" validate:"omitempty,oneof=file s3"`
	Dir       string        `yaml:"dir" validate:"required_if=Driver file"`
	Bucket    string        `yaml:"bucket" validate:"required_if=Driver s3"`
	Region    string        `yaml:"region"`
	Endpoint  string        `yaml:"endpoint" validate:"omitempty,url"`
	PathStyle bool          `yaml:"path_style"`
	Prefix    string        `yaml:"prefix"`
	Interval  time.Duration `yaml:"interval" validate:"gte=0"` // zero disables scheduled backups
	Keep      int           `yaml:"keep" validate:"gte=0"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		APIURL:         "http://localhost:5000",
		DBPath:         "./data/offsync.db",
		Listen:         "127.0.0.1:8090",
		LogLevel:       "info",
		PurgeInterval:  5 * time.Minute,
		StartupDelay:   2 * time.Second,
		ProbeInterval:  15 * time.Second,
		ProbeTimeout:   5 * time.Second,
		RequestTimeout: 15 * time.Second,
		CacheTTL:       5 * time.Minute,
		MaxRetries:     5,
		Backup: BackupConfig{
			Driver: "file",
			Dir:    "./data/backups",
			Prefix: "offsync",
			Keep:   7,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies OFFSYNC_* env
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "parse config file", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validatorv10.New().Struct(c); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid configuration", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"OFFSYNC_API_URL":            &c.APIURL,
		"OFFSYNC_DB_PATH":            &c.DBPath,
		"OFFSYNC_LISTEN":             &c.Listen,
		"OFFSYNC_LOG_LEVEL":          &c.LogLevel,
		"OFFSYNC_TOKEN_SECRET":       &c.TokenSecret,
		"OFFSYNC_BACKUP_DRIVER":      &c.Backup.Driver,
		"OFFSYNC_BACKUP_DIR":         &c.Backup.Dir,
		"OFFSYNC_BACKUP_S3_BUCKET":   &c.Backup.Bucket,
		"OFFSYNC_BACKUP_S3_REGION":   &c.Backup.Region,
		"OFFSYNC_BACKUP_S3_ENDPOINT": &c.Backup.Endpoint,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"OFFSYNC_PURGE_INTERVAL":  &c.PurgeInterval,
		"OFFSYNC_SYNC_INTERVAL":   &c.SyncInterval,
		"OFFSYNC_STARTUP_DELAY":   &c.StartupDelay,
		"OFFSYNC_PROBE_INTERVAL":  &c.ProbeInterval,
		"OFFSYNC_PROBE_TIMEOUT":   &c.ProbeTimeout,
		"OFFSYNC_REQUEST_TIMEOUT": &c.RequestTimeout,
		"OFFSYNC_CACHE_TTL":       &c.CacheTTL,
		"OFFSYNC_BACKUP_INTERVAL": &c.Backup.Interval,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("parse %s", key), err)
		}
		*dst = d
	}

	if v, ok := lookup("OFFSYNC_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "parse OFFSYNC_MAX_RETRIES", err)
		}
		c.MaxRetries = n
	}
	if v, ok := lookup("OFFSYNC_BACKUP_S3_PATH_STYLE"); ok {
		c.Backup.PathStyle, _ = strconv.ParseBool(v)
	}
	return nil
}
