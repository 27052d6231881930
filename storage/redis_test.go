package storage

import (
	"actortx/pkg"
	"actortx/third_party"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillJournal(t *testing.T, storage *RedisStorage, n int64) string {
	t.Helper()
	ctx := context.Background()
	etag := ""
	for seq := int64(1); seq <= n; seq++ {
		var err error
		etag, err = storage.Store(ctx, etag, pkg.NewMetaData(), []pkg.PendingTransactionState{pending(seq, fmt.Sprintf("v%d", seq))}, nil, nil)
		require.NoError(t, err)
		if seq%2 == 0 {
			etag, err = storage.Store(ctx, etag, pkg.NewMetaData(), nil, int64Ptr(seq-1), nil)
			require.NoError(t, err)
		}
	}
	return etag
}

func Test_redis_compaction(t *testing.T) {
	client := setupRedis(t)
	storage := NewRedisStorage(client, "compaction", WithCompactionThreshold(4))
	ctx := context.Background()

	assert.False(t, storage.IsCompactionRequested())
	etag := fillJournal(t, storage, 6)
	assert.True(t, storage.IsCompactionRequested())

	before, err := storage.Load(ctx)
	require.NoError(t, err)

	newETag, err := storage.Replace(ctx, etag)
	require.NoError(t, err)
	assert.NotEqual(t, etag, newETag)
	assert.False(t, storage.IsCompactionRequested())

	length, err := client.LLen(ctx, pkg.BuildJournalKey("compaction"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	after, err := storage.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, newETag, after.ETag)
	assert.Equal(t, before.CommittedSequenceId, after.CommittedSequenceId)
	assert.Equal(t, before.CommittedState, after.CommittedState)
	assert.Equal(t, sequences(before.PendingStates), sequences(after.PendingStates))

	// 压缩后继续写入
	_, err = storage.Store(ctx, newETag, pkg.NewMetaData(), nil, int64Ptr(6), nil)
	require.NoError(t, err)
	resp, err := storage.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), resp.CommittedSequenceId)
	assert.Equal(t, []byte("v6"), resp.CommittedState)
}

func Test_redis_compaction_stale_etag(t *testing.T) {
	client := setupRedis(t)
	storage := NewRedisStorage(client, "stale", WithCompactionThreshold(2))
	ctx := context.Background()

	etag := fillJournal(t, storage, 4)
	_, err := storage.Store(ctx, etag, pkg.NewMetaData(), nil, int64Ptr(4), nil)
	require.NoError(t, err)

	_, err = storage.Replace(ctx, etag)
	var conflict pkg.ConcurrencyConflictError
	assert.True(t, errors.As(err, &conflict))
}

func Test_redis_compaction_resumed_by_load(t *testing.T) {
	client := setupRedis(t)
	storage := NewRedisStorage(client, "resume")
	ctx := context.Background()

	etag := fillJournal(t, storage, 4)
	before, err := storage.Load(ctx)
	require.NoError(t, err)

	// 只执行第一阶段, 模拟压缩过程中进程退出
	view, entries, err := storage.read(ctx)
	require.NoError(t, err)
	snapshot, err := json.Marshal(view)
	require.NoError(t, err)
	prepareArgs := []interface{}{
		pkg.BuildETagKey("resume"), pkg.BuildJournalKey("resume"),
		pkg.BuildPendingSnapshotKey("resume"), pkg.BuildCompactionMarkerKey("resume"),
		etag, "etag-after-compaction", snapshot, entries,
	}
	reply, err := client.Eval(ctx, third_party.LuaCompactionPrepare, 4, prepareArgs)
	require.NoError(t, err)
	require.Equal(t, int64(1), reply)

	after, err := storage.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "etag-after-compaction", after.ETag)
	assert.Equal(t, before.CommittedSequenceId, after.CommittedSequenceId)
	assert.Equal(t, before.CommittedState, after.CommittedState)
	assert.Equal(t, sequences(before.PendingStates), sequences(after.PendingStates))

	length, err := client.LLen(ctx, pkg.BuildJournalKey("resume"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	_, err = client.Get(ctx, pkg.BuildCompactionMarkerKey("resume"))
	assert.Error(t, err)
}
