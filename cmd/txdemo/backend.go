package main

import (
	"actortx/DAO"
	"actortx/config"
	"actortx/model"
	"actortx/pkg"
	"actortx/storage"
	"actortx/third_party"
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// backend 按分区打开事务日志
type backend struct {
	open  func(partition string) model.TransactionalStateStorage
	reset func(ctx context.Context, partition string) error
	close func() error
}

func openBackend(conf *config.Config, logger *zap.Logger) (*backend, error) {
	switch conf.Storage.Backend {
	case config.BackendMemory:
		return &backend{
			open: func(partition string) model.TransactionalStateStorage {
				return storage.NewMemoryStorage(partition, logger)
			},
			reset: func(context.Context, string) error { return nil },
			close: func() error { return nil },
		}, nil

	case config.BackendSqlite:
		db, err := gorm.Open(sqlite.Open(conf.Storage.DSN), &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
			TranslateError: true,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", conf.Storage.DSN, err)
		}
		if err := DAO.Migrate(db); err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		//sqlite 只允许一个写者
		sqlDB.SetMaxOpenConns(1)
		dao := DAO.NewTransactionalStateDAO(db)
		return &backend{
			open: func(partition string) model.TransactionalStateStorage {
				return storage.NewGormStorage(db, partition, logger)
			},
			reset: func(ctx context.Context, partition string) error {
				if err := dao.DeleteStates(ctx, DAO.WithStateId(partition)); err != nil {
					return err
				}
				return dao.DeleteKey(ctx, partition)
			},
			close: sqlDB.Close,
		}, nil

	case config.BackendRedis:
		client := third_party.NewClient("tcp", conf.Storage.RedisAddress, conf.Storage.RedisPassword)
		return &backend{
			open: func(partition string) model.TransactionalStateStorage {
				return storage.NewRedisStorage(client, partition,
					storage.WithCompactionThreshold(conf.Storage.CompactionThreshold),
					storage.WithRedisLogger(logger))
			},
			reset: func(ctx context.Context, partition string) error {
				for _, key := range []string{
					pkg.BuildETagKey(partition),
					pkg.BuildJournalKey(partition),
					pkg.BuildSnapshotKey(partition),
					pkg.BuildPendingSnapshotKey(partition),
					pkg.BuildCompactionMarkerKey(partition),
				} {
					if err := client.Del(ctx, key); err != nil {
						return err
					}
				}
				return nil
			},
			close: client.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", conf.Storage.Backend)
}
