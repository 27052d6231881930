package storage

import (
	"actortx/pkg"
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStorage 进程内的日志存储, 进程退出即丢失
type MemoryStorage struct {
	mux       sync.Mutex
	partition string
	view      *logView
	logger    *zap.Logger
}

func NewMemoryStorage(partition string, logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{
		partition: partition,
		view:      newLogView(),
		logger:    logger.With(zap.String("partition", partition)),
	}
}

func (m *MemoryStorage) Load(ctx context.Context) (*pkg.TransactionalStorageLoadResponse, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.view.response(m.partition)
}

func (m *MemoryStorage) Store(ctx context.Context, expectedETag string, metadata pkg.TransactionalStateMetaData,
	statesToPrepare []pkg.PendingTransactionState, commitUpTo *int64, abortAfter *int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mux.Lock()
	defer m.mux.Unlock()

	if err := checkETag(expectedETag, m.view.ETag); err != nil {
		return "", err
	}

	//在副本上修改, 成功后整体替换
	next := m.view.clone()
	next.apply(metadata, statesToPrepare, commitUpTo, abortAfter)
	next.ETag = uuid.NewString()
	m.view = next

	m.logger.Debug("stored",
		zap.Int64("committed", next.CommittedSequenceId),
		zap.Int("records", len(next.States)),
		zap.String("etag", next.ETag))
	return next.ETag, nil
}
