package storage

import (
	"actortx/pkg"
	"actortx/redis_lock"
	"actortx/third_party"
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/demdxx/gocast"
	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultCompactionThreshold = 64

// journalEntry 一次Store调用的参数, 回放时按顺序重新应用
type journalEntry struct {
	Metadata   pkg.TransactionalStateMetaData `json:"metadata"`
	States     []pkg.PendingTransactionState  `json:"states"`
	CommitUpTo *int64                         `json:"commit_up_to,omitempty"`
	AbortAfter *int64                         `json:"abort_after,omitempty"`
}

type RedisStorageOption func(r *RedisStorage)

func WithCompactionThreshold(threshold int) RedisStorageOption {
	return func(r *RedisStorage) {
		r.threshold = threshold
	}
}

func WithRedisLogger(logger *zap.Logger) RedisStorageOption {
	return func(r *RedisStorage) {
		r.logger = logger
	}
}

// RedisStorage 日志型存储: 每次Store追加一条日志, Load时在快照上回放日志
// 日志过长后通过Replace压缩成一个快照
type RedisStorage struct {
	partition string
	client    *third_party.RedisClient
	threshold int
	logger    *zap.Logger

	//最近一次观察到的日志长度
	journalLength atomic.Int64
}

func NewRedisStorage(client *third_party.RedisClient, partition string, opts ...RedisStorageOption) *RedisStorage {
	r := &RedisStorage{
		partition: partition,
		client:    client,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.threshold <= 0 {
		r.threshold = DefaultCompactionThreshold
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.With(zap.String("partition", partition))
	return r
}

func (r *RedisStorage) Load(ctx context.Context) (*pkg.TransactionalStorageLoadResponse, error) {
	view, entries, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	r.journalLength.Store(int64(entries))
	r.logger.Debug("loaded",
		zap.Int64("committed", view.CommittedSequenceId),
		zap.Int("journal", entries))
	return view.response(r.partition)
}

func (r *RedisStorage) Store(ctx context.Context, expectedETag string, metadata pkg.TransactionalStateMetaData,
	statesToPrepare []pkg.PendingTransactionState, commitUpTo *int64, abortAfter *int64) (string, error) {
	body, err := json.Marshal(journalEntry{
		Metadata:   metadata,
		States:     statesToPrepare,
		CommitUpTo: commitUpTo,
		AbortAfter: abortAfter,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode journal entry")
	}

	newETag := uuid.NewString()
	keysAndArgs := []interface{}{
		pkg.BuildETagKey(r.partition), pkg.BuildJournalKey(r.partition),
		expectedETag, newETag, body,
	}
	reply, err := redis.Values(r.client.Eval(ctx, third_party.LuaJournalAppend, 2, keysAndArgs))
	if err != nil {
		return "", errors.Wrapf(err, "append journal of %s", r.partition)
	}
	if len(reply) != 2 {
		return "", errors.Errorf("unexpected journal append reply of length %d", len(reply))
	}
	if gocast.ToInt64(reply[0]) != 1 {
		current, _ := redis.String(reply[1], nil)
		return "", pkg.NewConcurrencyConflictError(expectedETag, current)
	}

	r.journalLength.Store(gocast.ToInt64(reply[1]))
	return newETag, nil
}

// IsCompactionRequested 日志条数超过阈值后返回true
func (r *RedisStorage) IsCompactionRequested() bool {
	return r.journalLength.Load() > int64(r.threshold)
}

// Replace 把快照和日志合并成一个新快照
// 第一阶段写入待生效快照和标记, 第二阶段让快照生效并截断日志; 中途崩溃由下一次Load完成
func (r *RedisStorage) Replace(ctx context.Context, expectedETag string) (string, error) {
	lock := redis_lock.NewRedisLock(pkg.BuildCompactionLockKey(r.partition), r.client,
		redis_lock.WithExpireSeconds(30), redis_lock.WithLogger(r.logger))
	if err := lock.Lock(ctx); err != nil {
		return "", errors.Wrapf(err, "acquire compaction lock of %s", r.partition)
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			r.logger.Warn("release compaction lock failed", zap.Error(err))
		}
	}()

	view, entries, err := r.read(ctx)
	if err != nil {
		return "", err
	}
	if view.ETag != expectedETag {
		return "", pkg.NewConcurrencyConflictError(expectedETag, view.ETag)
	}

	snapshot, err := json.Marshal(view)
	if err != nil {
		return "", errors.Wrap(err, "encode snapshot")
	}

	newETag := uuid.NewString()
	prepareArgs := []interface{}{
		pkg.BuildETagKey(r.partition), pkg.BuildJournalKey(r.partition),
		pkg.BuildPendingSnapshotKey(r.partition), pkg.BuildCompactionMarkerKey(r.partition),
		expectedETag, newETag, snapshot, entries,
	}
	ok, err := redis.Int64(r.client.Eval(ctx, third_party.LuaCompactionPrepare, 4, prepareArgs))
	if err != nil {
		return "", errors.Wrapf(err, "prepare compaction of %s", r.partition)
	}
	if ok != 1 {
		current, _ := r.currentETag(ctx)
		return "", pkg.NewConcurrencyConflictError(expectedETag, current)
	}

	if err := r.finalize(ctx); err != nil {
		// 标记还在, 下一次Load会完成压缩
		return "", err
	}

	r.journalLength.Store(0)
	r.logger.Info("compacted journal", zap.Int("entries", entries), zap.String("etag", newETag))
	return newETag, nil
}

func (r *RedisStorage) finalize(ctx context.Context) error {
	keysAndArgs := []interface{}{
		pkg.BuildJournalKey(r.partition), pkg.BuildSnapshotKey(r.partition),
		pkg.BuildPendingSnapshotKey(r.partition), pkg.BuildCompactionMarkerKey(r.partition),
	}
	if _, err := r.client.Eval(ctx, third_party.LuaCompactionFinalize, 4, keysAndArgs); err != nil {
		return errors.Wrapf(err, "finalize compaction of %s", r.partition)
	}
	return nil
}

// read 返回在快照上回放日志后的视图, 以及日志条数
func (r *RedisStorage) read(ctx context.Context) (*logView, int, error) {
	keysAndArgs := []interface{}{
		pkg.BuildETagKey(r.partition), pkg.BuildJournalKey(r.partition), pkg.BuildSnapshotKey(r.partition),
		pkg.BuildPendingSnapshotKey(r.partition), pkg.BuildCompactionMarkerKey(r.partition),
	}
	reply, err := redis.Values(r.client.Eval(ctx, third_party.LuaJournalLoad, 5, keysAndArgs))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "read journal of %s", r.partition)
	}
	if len(reply) < 2 {
		return nil, 0, errors.Errorf("unexpected journal load reply of length %d", len(reply))
	}

	view := newLogView()
	if snapshot, _ := redis.Bytes(reply[1], nil); len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, view); err != nil {
			return nil, 0, errors.Wrapf(err, "decode snapshot of %s", r.partition)
		}
	}

	entries := reply[2:]
	for i, raw := range entries {
		body, err := redis.Bytes(raw, nil)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "journal entry %d of %s", i, r.partition)
		}
		var entry journalEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			return nil, 0, errors.Wrapf(err, "decode journal entry %d of %s", i, r.partition)
		}
		view.apply(entry.Metadata, entry.States, entry.CommitUpTo, entry.AbortAfter)
	}
	view.ETag, _ = redis.String(reply[0], nil)
	return view, len(entries), nil
}

func (r *RedisStorage) currentETag(ctx context.Context) (string, error) {
	etag, err := r.client.Get(ctx, pkg.BuildETagKey(r.partition))
	if errors.Is(err, redis_lock.ErrNil) {
		return "", nil
	}
	return etag, err
}
