package model

import (
	"actortx/pkg"
	"context"
	"time"
)

// TransactionalResource 参与者对外暴露的线路操作, 由(资源, 事务id)寻址
// Prepare, Prepared, Cancel, Abort, Ping 为单向消息, 返回的error只表示投递失败
type TransactionalResource interface {
	ID() pkg.ParticipantId

	Prepare(ctx context.Context, txid string, access pkg.AccessCounter, ts time.Time, tm pkg.ParticipantId) error
	PrepareAndCommit(ctx context.Context, txid string, access pkg.AccessCounter, ts time.Time, writers []pkg.ParticipantId, totalParticipants int) (pkg.TransactionalStatus, error)
	Prepared(ctx context.Context, txid string, ts time.Time, participant pkg.ParticipantId, status pkg.TransactionalStatus) error
	Confirm(ctx context.Context, txid string, ts time.Time) error
	CommitReadOnly(ctx context.Context, txid string, access pkg.AccessCounter, ts time.Time) (pkg.TransactionalStatus, error)
	Cancel(ctx context.Context, txid string, ts time.Time, status pkg.TransactionalStatus) error
	Abort(ctx context.Context, txid string) error
	Ping(ctx context.Context, txid string, ts time.Time, participant pkg.ParticipantId) error
}

// ResourceLocator 根据参与者id找到可以调用的资源, 本地或远端
type ResourceLocator interface {
	Locate(id pkg.ParticipantId) (TransactionalResource, error)
}
