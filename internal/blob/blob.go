// Package blob re-exports the blob storage contract and is the only package
// that constructs the infra-backed implementations.
package blob

import (
	"context"
	"fmt"
	"os"
	"strings"

	"trackcore/internal/blob/core"
	"trackcore/internal/infra/blob/fs"
	memorystore "trackcore/internal/infra/blob/memory"
	infraS3 "trackcore/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 backend.
	S3Config = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// ErrNotFound is matched by errors for missing keys.
var ErrNotFound = core.ErrNotFound

// NewFilesystem constructs a directory-backed store.
func NewFilesystem(root string) (Store, error) {
	s, err := fs.New(root)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemory returns an in-memory store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// NewS3 constructs an S3-backed store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	s, err := infraS3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewMockS3ForTests exposes the in-memory S3 fake for cross-package tests.
func NewMockS3ForTests(prefix string) Store { return infraS3.NewMockForTests(prefix) }

// Options selects and configures a backend.
type Options struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// OptionsFromEnv reads backend settings from the environment.
//
//	TRACKCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	TRACKCORE_BLOB_FS_ROOT: directory root when driver=fs (default ./trackdata)
//	TRACKCORE_BLOB_S3_BUCKET, TRACKCORE_BLOB_S3_REGION, TRACKCORE_BLOB_S3_PREFIX,
//	TRACKCORE_BLOB_S3_ENDPOINT, TRACKCORE_BLOB_S3_PATH_STYLE
func OptionsFromEnv() Options {
	driver := os.Getenv("TRACKCORE_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	return Options{
		Driver: Driver(driver),
		FSRoot: os.Getenv("TRACKCORE_BLOB_FS_ROOT"),
		S3: S3Config{
			Bucket:    os.Getenv("TRACKCORE_BLOB_S3_BUCKET"),
			Region:    os.Getenv("TRACKCORE_BLOB_S3_REGION"),
			Prefix:    os.Getenv("TRACKCORE_BLOB_S3_PREFIX"),
			Endpoint:  os.Getenv("TRACKCORE_BLOB_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("TRACKCORE_BLOB_S3_PATH_STYLE"), "true"),
		},
	}
}

// Open constructs the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverFilesystem, "":
		return NewFilesystem(opts.FSRoot)
	case DriverS3:
		if opts.S3.Bucket == "" {
			return nil, fmt.Errorf("TRACKCORE_BLOB_S3_BUCKET required for s3 driver")
		}
		return NewS3(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", opts.Driver)
	}
}
