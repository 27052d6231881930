package model

import (
	"actortx/pkg"
	"context"
)

type TransactionalStateStorage interface {
	Load(ctx context.Context) (*pkg.TransactionalStorageLoadResponse, error)
	// Store ETag不匹配时返回 pkg.ConcurrencyConflictError 且不产生任何修改
	Store(ctx context.Context, expectedETag string, metadata pkg.TransactionalStateMetaData,
		statesToPrepare []pkg.PendingTransactionState, commitUpTo *int64, abortAfter *int64) (string, error)
}

// CompactingStorage 支持日志压缩的存储
type CompactingStorage interface {
	TransactionalStateStorage
	IsCompactionRequested() bool
	Replace(ctx context.Context, expectedETag string) (string, error)
}
