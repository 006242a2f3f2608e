package storage

import (
	"context"
	"fmt"

	"trackingest/config"
)

// Pinger is implemented by remote stores that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Open builds the blob store selected by cfg.BlobBackend.
func Open(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BlobFS:
		return NewFileStore(cfg.BlobRoot)
	case config.BlobMinio:
		return NewMinioStore(ctx, MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.MinioRegion,
		})
	case config.BlobS3:
		return NewS3Store(ctx, S3Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		})
	case config.BlobMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}
