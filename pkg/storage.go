package pkg

import (
	"sort"
	"time"
)

// PendingTransactionState 日志中的一条prepare记录
// TransactionManager 为零值时表示该记录由TM自己写入
type PendingTransactionState struct {
	SequenceId         int64         `json:"sequence_id"`
	TransactionId      string        `json:"transaction_id"`
	TimeStamp          time.Time     `json:"timestamp"`
	TransactionManager ParticipantId `json:"transaction_manager"`
	State              []byte        `json:"state"`
}

// CommitRecord TM在提交时写入元数据, 所有Confirm都被确认后回收
type CommitRecord struct {
	Timestamp         time.Time       `json:"timestamp"`
	WriteParticipants []ParticipantId `json:"write_participants"`
}

type TransactionalStateMetaData struct {
	TimeStamp     time.Time               `json:"timestamp"`
	CommitRecords map[string]CommitRecord `json:"commit_records"`
}

func NewMetaData() TransactionalStateMetaData {
	return TransactionalStateMetaData{CommitRecords: make(map[string]CommitRecord)}
}

func (m TransactionalStateMetaData) Clone() TransactionalStateMetaData {
	out := TransactionalStateMetaData{
		TimeStamp:     m.TimeStamp,
		CommitRecords: make(map[string]CommitRecord, len(m.CommitRecords)),
	}
	for id, record := range m.CommitRecords {
		writers := make([]ParticipantId, len(record.WriteParticipants))
		copy(writers, record.WriteParticipants)
		out.CommitRecords[id] = CommitRecord{Timestamp: record.Timestamp, WriteParticipants: writers}
	}
	return out
}

// ETag为空字符串表示存储从未被写入过
type TransactionalStorageLoadResponse struct {
	ETag                string                     `json:"etag"`
	CommittedState      []byte                     `json:"committed_state"`
	CommittedSequenceId int64                      `json:"committed_sequence_id"`
	Metadata            TransactionalStateMetaData `json:"metadata"`
	PendingStates       []PendingTransactionState  `json:"pending_states"`
}

// FindState 在按序列号排好序的列表中二分查找
func FindState(states []PendingTransactionState, sequenceId int64) (int, bool) {
	i := sort.Search(len(states), func(i int) bool { return states[i].SequenceId >= sequenceId })
	return i, i < len(states) && states[i].SequenceId == sequenceId
}
