// Package config loads trackctl settings from a YAML file and TRACKCORE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"trackcore/internal/blob"
	"trackcore/internal/core"
	"trackcore/pkg/domain"
)

// Config is the full tool configuration.
type Config struct {
	Storage  StorageConfig       `yaml:"storage"`
	Blob     BlobConfig          `yaml:"blob"`
	Log      LogConfig           `yaml:"log"`
	Snapshot SnapshotConfig      `yaml:"snapshot"`
	Solver   domain.SolverParams `yaml:"solver"`
}

// StorageConfig selects the run catalog backend.
type StorageConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Driver postgres"`
}

// BlobConfig selects where snapshot files live.
type BlobConfig struct {
	Driver string   `yaml:"driver" validate:"oneof=fs s3 memory"`
	FSRoot string   `yaml:"fs_root" validate:"required_if=Driver fs"`
	S3     S3Config `yaml:"s3"`
}

// S3Config configures the S3 blob backend.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	PathStyle bool   `yaml:"path_style"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// SnapshotConfig tunes snapshot writes.
type SnapshotConfig struct {
	Compress bool `yaml:"compress"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Storage: StorageConfig{Driver: "sqlite", SQLitePath: "./trackcore.db"},
		Blob:    BlobConfig{Driver: "fs", FSRoot: "./trackdata"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Snapshot: SnapshotConfig{
			Compress: true,
		},
		Solver: domain.DefaultSolverParams(),
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		b := sl.Current().Interface().(BlobConfig)
		if b.Driver == "s3" && b.S3.Bucket == "" {
			sl.ReportError(b.S3.Bucket, "S3.Bucket", "Bucket", "required_for_s3", "")
		}
	}, BlobConfig{})
	return v
}

// Load reads defaults, then the YAML file at path when path is not empty,
// then environment overrides, and validates the result. A missing file is
// an error only when path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"TRACKCORE_STORAGE_DRIVER":   &cfg.Storage.Driver,
		"TRACKCORE_SQLITE_PATH":      &cfg.Storage.SQLitePath,
		"TRACKCORE_POSTGRES_DSN":     &cfg.Storage.PostgresDSN,
		"TRACKCORE_BLOB_DRIVER":      &cfg.Blob.Driver,
		"TRACKCORE_BLOB_FS_ROOT":     &cfg.Blob.FSRoot,
		"TRACKCORE_BLOB_S3_BUCKET":   &cfg.Blob.S3.Bucket,
		"TRACKCORE_BLOB_S3_REGION":   &cfg.Blob.S3.Region,
		"TRACKCORE_BLOB_S3_PREFIX":   &cfg.Blob.S3.Prefix,
		"TRACKCORE_BLOB_S3_ENDPOINT": &cfg.Blob.S3.Endpoint,
		"TRACKCORE_LOG_LEVEL":        &cfg.Log.Level,
		"TRACKCORE_LOG_FORMAT":       &cfg.Log.Format,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	bools := map[string]*bool{
		"TRACKCORE_BLOB_S3_PATH_STYLE": &cfg.Blob.S3.PathStyle,
		"TRACKCORE_SNAPSHOT_COMPRESS":  &cfg.Snapshot.Compress,
	}
	for key, dst := range bools {
		v := getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
	}
	return nil
}

// Validate checks every field constraint and reports them together.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return err
	}
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", f.Namespace(), f.Tag()))
	}
	return domain.ValidationError{Entity: "config", Reason: strings.Join(msgs, "; ")}
}

// CatalogOptions converts the storage section for core.OpenRunCatalog.
func (c Config) CatalogOptions() core.CatalogOptions {
	return core.CatalogOptions{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// BlobOptions converts the blob section for blob.Open.
func (c Config) BlobOptions() blob.Options {
	return blob.Options{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3.Bucket,
			Region:    c.Blob.S3.Region,
			Prefix:    c.Blob.S3.Prefix,
			Endpoint:  c.Blob.S3.Endpoint,
			PathStyle: c.Blob.S3.PathStyle,
		},
	}
}
