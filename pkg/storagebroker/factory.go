package storagebroker

import (
	"context"
	"fmt"
)

// BackendConfig enables the backends that need credentials or a client.
type BackendConfig struct {
	S3Enabled  bool
	S3         S3Config
	GCSEnabled bool
}

// RegisterConfigured adds the remote backends cfg enables to reg. It is meant
// to run once at startup, before reg is used.
func RegisterConfigured(ctx context.Context, reg *Registry, cfg BackendConfig) error {
	if cfg.S3Enabled {
		region := cfg.S3.Region
		if region == "" {
			region = "us-east-1"
		}
		s3cfg := cfg.S3
		s3cfg.Region = region
		b, err := NewS3Backend(ctx, s3cfg)
		if err != nil {
			return err
		}
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	if cfg.GCSEnabled {
		b, err := newGCSBackend(ctx)
		if err != nil {
			return fmt.Errorf("gcs backend: %w", err)
		}
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}
