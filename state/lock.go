package state

import (
	"actortx/pkg"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// acquire 获取执行阶段的锁: 读共享, 写独占, 唯一的读者可以升级为写者
// 超过LockAcquireTimeout仍未获取到锁时事务以BrokenLock失败
func (s *TransactionalState[T]) acquire(ctx context.Context, info *pkg.TransactionInfo, write bool) (*TransactionRecord[T], error) {
	giveUp := time.Now().Add(s.opts.LockAcquireTimeout)
	for {
		var (
			record  *TransactionRecord[T]
			ok      bool
			err     error
			changed chan struct{}
			wake    time.Time
		)
		s.locked(func() {
			if !s.activated {
				err = ErrNotActivated
				return
			}
			if entry, aborted := s.aborted[info.Id]; aborted {
				info.RecordFailure(entry.status, fmt.Sprintf("transaction was aborted at %s", s.id))
				err = pkg.StatusError(info.Id, entry.status)
				return
			}
			if _, queued := s.findQueued(info.Id); queued != nil {
				info.RecordFailure(pkg.StatusLockValidationFailed, fmt.Sprintf("access to %s after commit started", s.id))
				err = pkg.StatusError(info.Id, pkg.StatusLockValidationFailed)
				return
			}
			now := time.Now()
			s.breakExpiredLocks(now)
			record, ok = s.tryAcquire(info, write, now)
			changed = s.changed
			wake = giveUp
			for _, holder := range s.holders {
				if holder.Deadline.Before(wake) {
					wake = holder.Deadline
				}
			}
		})
		if err != nil {
			return nil, err
		}
		if ok {
			return record, nil
		}

		timer := time.NewTimer(time.Until(wake))
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()

		if time.Now().After(giveUp) {
			info.RecordFailure(pkg.StatusBrokenLock, fmt.Sprintf("timed out waiting for lock on %s", s.id))
			return nil, pkg.StatusError(info.Id, pkg.StatusBrokenLock)
		}
	}
}

func (s *TransactionalState[T]) tryAcquire(info *pkg.TransactionInfo, write bool, now time.Time) (*TransactionRecord[T], bool) {
	if record, ok := s.holders[info.Id]; ok {
		if !write || s.exclusive == info.Id {
			return record, true
		}
		if len(s.holders) == 1 {
			s.exclusive = info.Id
			return record, true
		}
		return nil, false
	}

	if len(s.holders) > 0 && (write || s.exclusive != "") {
		return nil, false
	}

	state, err := copyState(s.tentativeState())
	if err != nil {
		s.logger.Error("copy tentative state failed", zap.Error(err))
		return nil, false
	}
	record := newTransactionRecord(info.Id, info.TimeStamp, now.Add(s.opts.LockTimeout), state)
	s.holders[info.Id] = record
	if write {
		s.exclusive = info.Id
	}
	return record, true
}

// release 事务离开执行阶段
func (s *TransactionalState[T]) release(txid string) {
	if _, ok := s.holders[txid]; !ok {
		return
	}
	delete(s.holders, txid)
	if s.exclusive == txid {
		s.exclusive = ""
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

// abortExecution 丢弃执行阶段的记录; remember为true时该事务后续的访问都会失败
func (s *TransactionalState[T]) abortExecution(txid string, status pkg.TransactionalStatus, remember bool) {
	s.release(txid)
	if remember {
		s.aborted[txid] = abortedEntry{status: status, at: time.Now()}
	}
}

func (s *TransactionalState[T]) breakExpiredLocks(now time.Time) {
	for txid, holder := range s.holders {
		if now.After(holder.Deadline) {
			s.logger.Info("breaking expired lock", zap.String("txid", txid))
			s.abortExecution(txid, pkg.StatusBrokenLock, true)
		}
	}
}

// validate 在提交阶段开始时检查记录和读写计数
func (s *TransactionalState[T]) validate(txid string, access pkg.AccessCounter) (*TransactionRecord[T], pkg.TransactionalStatus) {
	record, ok := s.holders[txid]
	if !ok {
		if entry, aborted := s.aborted[txid]; aborted {
			return nil, entry.status
		}
		return nil, pkg.StatusBrokenLock
	}
	if record.Reads != access.Reads || record.Writes != access.Writes {
		s.logger.Warn("access counter mismatch",
			zap.String("txid", txid),
			zap.Int("reads", record.Reads), zap.Int("expectedReads", access.Reads),
			zap.Int("writes", record.Writes), zap.Int("expectedWrites", access.Writes))
		s.abortExecution(txid, pkg.StatusLockValidationFailed, true)
		return nil, pkg.StatusLockValidationFailed
	}
	return record, pkg.StatusOk
}
