package actortx

import (
	"actortx/pkg"
)

// TMSelector 在写参与者中选出唯一的TM, writers 已排序且非空
type TMSelector interface {
	Select(info *pkg.TransactionInfo, writers []pkg.ParticipantId) pkg.ParticipantId
}

// FirstWriter 选择排序后的第一个写参与者, 结果只取决于参与者集合
type FirstWriter struct{}

func (FirstWriter) Select(_ *pkg.TransactionInfo, writers []pkg.ParticipantId) pkg.ParticipantId {
	return writers[0]
}

// CandidateTM 优先选择事务中第一个被写入的参与者
type CandidateTM struct{}

func (CandidateTM) Select(info *pkg.TransactionInfo, writers []pkg.ParticipantId) pkg.ParticipantId {
	for _, w := range writers {
		if w == info.TMCandidate {
			return w
		}
	}
	return writers[0]
}
