package storage

import (
	"actortx/pkg"
	"fmt"
)

// logView 单个分区日志在内存中的完整视图
// States 按序列号排序, 包含已提交序列号处的那条记录
type logView struct {
	ETag                string                         `json:"etag"`
	CommittedSequenceId int64                          `json:"committed_sequence_id"`
	Metadata            pkg.TransactionalStateMetaData `json:"metadata"`
	States              []pkg.PendingTransactionState  `json:"states"`
}

func newLogView() *logView {
	return &logView{Metadata: pkg.NewMetaData()}
}

func (v *logView) clone() *logView {
	out := &logView{
		ETag:                v.ETag,
		CommittedSequenceId: v.CommittedSequenceId,
		Metadata:            v.Metadata.Clone(),
		States:              make([]pkg.PendingTransactionState, len(v.States)),
	}
	copy(out.States, v.States)
	return out
}

// 空ETag只和空ETag匹配
func checkETag(expected, actual string) error {
	if expected != actual {
		return pkg.NewConcurrencyConflictError(expected, actual)
	}
	return nil
}

// apply 依次执行: 中止, prepare, 元数据与提交水位, 压缩
func (v *logView) apply(metadata pkg.TransactionalStateMetaData, statesToPrepare []pkg.PendingTransactionState, commitUpTo, abortAfter *int64) {
	//1.从高到低删除被中止的记录
	if abortAfter != nil {
		for len(v.States) > 0 && v.States[len(v.States)-1].SequenceId > *abortAfter {
			v.States = v.States[:len(v.States)-1]
		}
	}

	//2.写入未过期的prepare记录, 按序列号寻址
	obsoleteBefore := v.CommittedSequenceId
	if commitUpTo != nil && *commitUpTo < obsoleteBefore {
		obsoleteBefore = *commitUpTo
	}
	for _, s := range statesToPrepare {
		if s.SequenceId < obsoleteBefore {
			continue
		}
		pos, found := pkg.FindState(v.States, s.SequenceId)
		if found {
			v.States[pos] = s
			continue
		}
		v.States = append(v.States, pkg.PendingTransactionState{})
		copy(v.States[pos+1:], v.States[pos:])
		v.States[pos] = s
	}

	//3.元数据和提交水位
	v.Metadata = metadata.Clone()
	if commitUpTo != nil && *commitUpTo > v.CommittedSequenceId {
		v.CommittedSequenceId = *commitUpTo
	}

	//4.压缩: 删除低于已提交序列号的记录
	pos, _ := pkg.FindState(v.States, v.CommittedSequenceId)
	v.States = v.States[pos:]
}

func (v *logView) response(partition string) (*pkg.TransactionalStorageLoadResponse, error) {
	resp := &pkg.TransactionalStorageLoadResponse{
		ETag:                v.ETag,
		CommittedSequenceId: v.CommittedSequenceId,
		Metadata:            v.Metadata.Clone(),
		PendingStates:       []pkg.PendingTransactionState{},
	}
	if v.ETag == "" {
		resp.CommittedSequenceId = 0
		resp.Metadata = pkg.NewMetaData()
		return resp, nil
	}

	if v.CommittedSequenceId > 0 {
		pos, found := pkg.FindState(v.States, v.CommittedSequenceId)
		if !found {
			return nil, fmt.Errorf("storage state corrupted: partition %s has no record for committed state v%d", partition, v.CommittedSequenceId)
		}
		resp.CommittedState = v.States[pos].State
	}
	for _, s := range v.States {
		if s.SequenceId > v.CommittedSequenceId {
			resp.PendingStates = append(resp.PendingStates, s)
		}
	}
	return resp, nil
}
