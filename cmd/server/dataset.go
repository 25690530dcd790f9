package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sensortree/sensortree/internal/config"
	"github.com/sensortree/sensortree/internal/dataset"
	"github.com/sensortree/sensortree/internal/dataset/sqlstore"
	"github.com/sensortree/sensortree/internal/logging"
)

// loadDataset opens the configured source. The returned func releases
// whatever the source holds open.
func loadDataset(ctx context.Context, cfg *config.Config) (*dataset.Dataset, func(), error) {
	noop := func() {}
	src := cfg.Dataset

	switch src.Kind {
	case config.SourceSample:
		return dataset.Sample(), noop, nil

	case config.SourceFile:
		d, err := dataset.LoadFile(src.Location)
		return d, noop, err

	case config.SourceS3:
		d, err := dataset.LoadS3(ctx, dataset.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    src.Bucket,
			Key:       src.Location,
		}, cfg.DatasetSeed)
		return d, noop, err

	case config.SourcePostgres, config.SourceSQLite:
		driver := sqlstore.DriverPostgres
		if src.Kind == config.SourceSQLite {
			driver = sqlstore.DriverSQLite
		}
		store, err := sqlstore.Open(driver, src.Location)
		if err != nil {
			return nil, noop, err
		}
		var seed []*dataset.Entity
		if cfg.DatasetSeed {
			seed = dataset.SampleEntities()
		}
		d, err := sqlstore.LoadDataset(ctx, store, seed)
		if err != nil {
			store.Close()
			return nil, noop, err
		}
		return d, func() {
			if err := store.Close(); err != nil {
				logging.Warn("closing dataset store", zap.Error(err))
			}
		}, nil
	}
	return nil, noop, fmt.Errorf("unsupported dataset source %q", src.Kind)
}
