package state

import (
	"actortx/pkg"
	"time"
)

// TransactionRecord 单个参与者上单个事务的记录
// 执行阶段: 持有锁, 读写计数, 状态副本; 提交阶段: 角色, 结果, TM信息
type TransactionRecord[T any] struct {
	TransactionId string
	Timestamp     time.Time
	Deadline      time.Time

	Reads  int
	Writes int
	State  T

	Role pkg.CommitRole
	//LocalCommit / ReadOnly 的最终结果
	promise chan pkg.TransactionalStatus

	//RemoteCommit: TM
	TransactionManager pkg.ParticipantId
	//LocalCommit: 其他写参与者, 尚未收到的Prepared数量和已经投票的参与者
	WriteParticipants []pkg.ParticipantId
	WaitCount         int
	WaitingSince      time.Time
	prepared          map[pkg.ParticipantId]struct{}

	SequenceNumber     int64
	PrepareIsPersisted bool
	//RemoteCommit: Prepared是否已经发给TM, 以及最近一次发送消息的时间
	PreparedSent     bool
	LastSent         time.Time
	ConfirmRequested bool
	//RemoteCommit: 提交或中止时关闭
	done   chan struct{}
	status pkg.TransactionalStatus
}

func newTransactionRecord[T any](txid string, timestamp, deadline time.Time, state T) *TransactionRecord[T] {
	return &TransactionRecord[T]{
		TransactionId: txid,
		Timestamp:     timestamp,
		Deadline:      deadline,
		State:         state,
		done:          make(chan struct{}),
	}
}

func (r *TransactionRecord[T]) ReadyToCommit() bool {
	switch r.Role {
	case pkg.ReadOnly:
		return true
	case pkg.LocalCommit:
		return r.WaitCount == 0
	case pkg.RemoteCommit:
		return r.ConfirmRequested || (r.Writes == 0 && r.PreparedSent)
	default:
		return false
	}
}

// Batchable 是否可以不经过单独的持久化就加入提交批次
func (r *TransactionRecord[T]) Batchable() bool {
	switch r.Role {
	case pkg.ReadOnly, pkg.LocalCommit:
		return true
	case pkg.RemoteCommit:
		return r.Writes == 0
	default:
		return false
	}
}

// acknowledge 记录一次Prepared(Ok), 同一个参与者重复的投票只算一次
func (r *TransactionRecord[T]) acknowledge(participant pkg.ParticipantId) bool {
	if r.prepared == nil {
		r.prepared = make(map[pkg.ParticipantId]struct{})
	}
	if _, ok := r.prepared[participant]; ok {
		return false
	}
	r.prepared[participant] = struct{}{}
	r.WaitCount--
	return true
}

func (r *TransactionRecord[T]) hasWrites() bool {
	return r.Writes > 0
}

// resolve 只生效一次
func (r *TransactionRecord[T]) resolve(status pkg.TransactionalStatus) {
	select {
	case <-r.done:
		return
	default:
	}
	r.status = status
	if r.promise != nil {
		r.promise <- status
	}
	close(r.done)
}
