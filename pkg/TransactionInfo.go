package pkg

import (
	"time"
)

// TransactionInfo 单个事务的累加器: 参与者读写次数, 时间戳, fork出去的分支
// 同一时刻只有一个持有者, 不支持并发访问
type TransactionInfo struct {
	Id                  string                          `json:"id"`
	TimeStamp           time.Time                       `json:"timestamp"`
	IsReadOnly          bool                            `json:"is_read_only"`
	Timeout             time.Duration                   `json:"timeout"`
	Participants        map[ParticipantId]AccessCounter `json:"-"`
	TMCandidate         ParticipantId                   `json:"tm_candidate"`
	PrepareMessagesSent bool                            `json:"prepare_messages_sent"`
	Failure             *TransactionFailure             `json:"failure,omitempty"`
	PendingCalls        int                             `json:"pending_calls"`

	//已经返回但尚未合并的分支
	joined []*TransactionInfo
}

func NewTransactionInfo(id string, timestamp time.Time, readOnly bool, timeout time.Duration) *TransactionInfo {
	return &TransactionInfo{
		Id:           id,
		TimeStamp:    timestamp,
		IsReadOnly:   readOnly,
		Timeout:      timeout,
		Participants: make(map[ParticipantId]AccessCounter),
	}
}

// Fork 调用跨越actor边界时使用, 子分支独立累计自己的参与者
func (info *TransactionInfo) Fork() *TransactionInfo {
	info.PendingCalls++
	return &TransactionInfo{
		Id:           info.Id,
		TimeStamp:    info.TimeStamp,
		IsReadOnly:   info.IsReadOnly,
		Timeout:      info.Timeout,
		Participants: make(map[ParticipantId]AccessCounter),
	}
}

func (info *TransactionInfo) Join(child *TransactionInfo) {
	info.joined = append(info.joined, child)
}

func (info *TransactionInfo) ReconcilePending() {
	joined := info.joined
	info.joined = nil
	for _, child := range joined {
		child.ReconcilePending()
		for p, counter := range child.Participants {
			info.Participants[p] = info.Participants[p].Add(counter)
		}
		if info.Failure == nil && child.Failure != nil {
			failure := *child.Failure
			info.Failure = &failure
		}
		if child.TimeStamp.After(info.TimeStamp) {
			info.TimeStamp = child.TimeStamp
		}
		if info.TMCandidate.IsZero() && !child.TMCandidate.IsZero() {
			info.TMCandidate = child.TMCandidate
		}
		// 子分支自己fork出去却没有收回的调用同样算作悬挂
		info.PendingCalls += child.PendingCalls
		info.PendingCalls--
	}
}

func (info *TransactionInfo) RecordRead(p ParticipantId, minTime time.Time) {
	counter := info.Participants[p]
	counter.Reads++
	info.Participants[p] = counter
	info.raise(minTime)
}

func (info *TransactionInfo) RecordWrite(p ParticipantId, minTime time.Time) {
	counter := info.Participants[p]
	counter.Writes++
	info.Participants[p] = counter
	if info.TMCandidate.IsZero() {
		info.TMCandidate = p
	}
	info.raise(minTime)
}

// RecordFailure 只保留第一次失败
func (info *TransactionInfo) RecordFailure(status TransactionalStatus, message string) {
	if info.Failure != nil {
		return
	}
	info.Failure = &TransactionFailure{Status: status, Message: message}
}

// MustAbort 返回必须中止事务的原因, 没有则返回nil
func (info *TransactionInfo) MustAbort() error {
	if info.Failure != nil {
		return info.Failure.Err(info.Id)
	}
	if info.PendingCalls != 0 {
		return NewOrphanCallError(info.Id, info.PendingCalls)
	}
	return nil
}

func (info *TransactionInfo) WriteParticipants() []ParticipantId {
	return info.participants(func(c AccessCounter) bool { return c.Writes > 0 })
}

func (info *TransactionInfo) ReadParticipants() []ParticipantId {
	return info.participants(func(c AccessCounter) bool { return c.Writes == 0 })
}

func (info *TransactionInfo) IsWriteTransaction() bool {
	for _, counter := range info.Participants {
		if counter.Writes > 0 {
			return true
		}
	}
	return false
}

func (info *TransactionInfo) participants(filter func(AccessCounter) bool) []ParticipantId {
	out := make([]ParticipantId, 0, len(info.Participants))
	for p, counter := range info.Participants {
		if filter(counter) {
			out = append(out, p)
		}
	}
	SortParticipants(out)
	return out
}

func (info *TransactionInfo) raise(t time.Time) {
	if t.After(info.TimeStamp) {
		info.TimeStamp = t
	}
}
