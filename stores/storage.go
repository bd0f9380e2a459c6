package stores

import (
	"context"
	"docsync-server/config"
	"docsync-server/core"
	"docsync-server/stores/aws"
	"docsync-server/stores/breaker"
	"docsync-server/stores/filesystem"
	"docsync-server/stores/memory"
	"docsync-server/stores/postgres"
	"docsync-server/stores/redis"
	"docsync-server/stores/sqlite"
	"fmt"

	"github.com/sirupsen/logrus"
)

// GetStore opens the backend named by cfg.Type.
func GetStore(ctx context.Context, cfg config.StorageConfig) (core.DocumentStore, error) {
	var (
		store core.DocumentStore
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.Type,
	}

	switch cfg.Type {
	case "filesystem":
		storageField["basePath"] = cfg.LocalPath
		store, err = filesystem.NewDocumentStore(cfg.LocalPath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewDocumentStore(cfg.DataSourceName)
	case "postgres":
		store, err = postgres.NewDocumentStore(ctx, cfg.DatabaseURL)
	case "redis":
		store, err = redis.NewDocumentStore(cfg.RedisURL)
	case "s3":
		storageField["bucket"] = cfg.S3Bucket
		store, err = aws.NewDocumentStore(ctx, cfg.S3Bucket)
	case "memory", "":
		store = memory.NewDocumentStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Type, err)
	}

	if cfg.BreakerEnabled {
		store = breaker.Wrap(store, breaker.Settings{
			Name:                cfg.Type,
			ConsecutiveFailures: cfg.BreakerFailures,
			OpenTimeout:         cfg.BreakerTimeout,
		})
		storageField["breaker"] = true
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
