package state

import (
	"actortx/model"
	"actortx/pkg"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

func (s *TransactionalState[T]) CommitReadOnly(ctx context.Context, txid string, access pkg.AccessCounter, ts time.Time) (pkg.TransactionalStatus, error) {
	var (
		record *TransactionRecord[T]
		status pkg.TransactionalStatus
		err    error
	)
	s.locked(func() {
		if !s.activated {
			err = ErrNotActivated
			return
		}
		s.clock.Merge(ts)
		if record, status = s.validate(txid, access); status != pkg.StatusOk {
			return
		}
		record.Role = pkg.ReadOnly
		record.Timestamp = ts
		record.promise = make(chan pkg.TransactionalStatus, 1)
		s.release(txid)
		s.enqueue(record)
		s.checkQueue()
	})
	if err != nil || status != pkg.StatusOk {
		return status, err
	}
	return s.await(ctx, record)
}

func (s *TransactionalState[T]) PrepareAndCommit(ctx context.Context, txid string, access pkg.AccessCounter, ts time.Time,
	writers []pkg.ParticipantId, totalParticipants int) (pkg.TransactionalStatus, error) {
	var (
		record *TransactionRecord[T]
		status pkg.TransactionalStatus
		err    error
	)
	s.locked(func() {
		if !s.activated {
			err = ErrNotActivated
			return
		}
		s.clock.Merge(ts)
		if record, status = s.validate(txid, access); status != pkg.StatusOk {
			return
		}
		record.Role = pkg.LocalCommit
		record.Timestamp = ts
		record.promise = make(chan pkg.TransactionalStatus, 1)
		record.WriteParticipants = append([]pkg.ParticipantId(nil), writers...)
		record.WaitCount = totalParticipants - 1
		record.WaitingSince = time.Now()

		failure := pkg.StatusOk
		if early, ok := s.unprocessedPrepared[txid]; ok {
			delete(s.unprocessedPrepared, txid)
			for p := range early.ok {
				record.acknowledge(p)
			}
			failure = early.failure
		}

		s.release(txid)
		s.enqueue(record)
		if failure != pkg.StatusOk {
			s.abortFrom(len(s.queue)-1, failure, false)
		}
		s.checkQueue()
	})
	if err != nil || status != pkg.StatusOk {
		return status, err
	}
	return s.await(ctx, record)
}

// Prepare 单向消息, 结果通过Prepared发回给TM
func (s *TransactionalState[T]) Prepare(ctx context.Context, txid string, access pkg.AccessCounter, ts time.Time, tm pkg.ParticipantId) error {
	var err error
	s.locked(func() {
		if !s.activated {
			err = ErrNotActivated
			return
		}
		s.clock.Merge(ts)
		record, status := s.validate(txid, access)
		if status != pkg.StatusOk {
			s.postPrepared(tm, txid, ts, status)
			return
		}
		record.Role = pkg.RemoteCommit
		record.TransactionManager = tm
		record.Timestamp = ts
		record.PrepareIsPersisted = !record.hasWrites()
		s.release(txid)
		s.enqueue(record)
		s.checkQueue()
	})
	return err
}

// Prepared TM收到参与者的投票
func (s *TransactionalState[T]) Prepared(ctx context.Context, txid string, ts time.Time, participant pkg.ParticipantId, status pkg.TransactionalStatus) error {
	s.locked(func() {
		s.clock.Merge(ts)
		i, record := s.findQueued(txid)
		if record != nil && record.Role == pkg.LocalCommit {
			if status == pkg.StatusOk {
				if !record.acknowledge(participant) {
					s.logger.Debug("duplicate prepared ignored", zap.String("txid", txid), zap.Stringer("from", participant))
					return
				}
			} else {
				s.abortFrom(i, status, false)
			}
			s.checkQueue()
			return
		}
		if record != nil {
			return
		}
		if _, committed := s.metadata.CommitRecords[txid]; committed {
			return
		}

		//PrepareAndCommit 还没有到达
		early, ok := s.unprocessedPrepared[txid]
		if !ok {
			early = &earlyPrepared{ok: make(map[pkg.ParticipantId]struct{}), at: time.Now()}
			s.unprocessedPrepared[txid] = early
		}
		if status == pkg.StatusOk {
			early.ok[participant] = struct{}{}
		} else if early.failure == pkg.StatusOk {
			early.failure = status
		}
		s.logger.Debug("buffered early prepared",
			zap.String("txid", txid), zap.Stringer("from", participant), zap.Stringer("status", status))
	})
	return nil
}

// Confirm 等到本地记录提交后返回; 找不到记录说明已经提交过了
// 事务仍在执行阶段说明这里从未prepare, 返回错误让TM继续重试
func (s *TransactionalState[T]) Confirm(ctx context.Context, txid string, ts time.Time) error {
	var (
		record  *TransactionRecord[T]
		pending bool
	)
	s.locked(func() {
		s.clock.Merge(ts)
		if _, pending = s.holders[txid]; pending {
			return
		}
		_, record = s.findQueued(txid)
		if record == nil || record.Role != pkg.RemoteCommit {
			record = nil
			return
		}
		record.ConfirmRequested = true
		s.checkQueue()
	})
	if pending {
		return fmt.Errorf("confirm %s at %s: %w", txid, s.id, ErrNotPrepared)
	}
	if record == nil {
		return nil
	}

	select {
	case <-record.done:
		if record.status != pkg.StatusOk {
			return fmt.Errorf("confirm %s at %s: record aborted with %s", txid, s.id, record.status)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TransactionalState[T]) Cancel(ctx context.Context, txid string, ts time.Time, status pkg.TransactionalStatus) error {
	s.locked(func() {
		s.clock.Merge(ts)
		if i, record := s.findQueued(txid); record != nil {
			s.abortFrom(i, status, true)
			s.checkQueue()
			return
		}
		if _, ok := s.holders[txid]; ok {
			s.abortExecution(txid, status, true)
		}
	})
	return nil
}

// Abort 只影响还处于执行阶段的事务
func (s *TransactionalState[T]) Abort(ctx context.Context, txid string) error {
	s.locked(func() {
		if _, ok := s.holders[txid]; ok {
			s.logger.Debug("abort in execution phase", zap.String("txid", txid))
			s.abortExecution(txid, pkg.StatusOk, false)
		}
	})
	return nil
}

func (s *TransactionalState[T]) await(ctx context.Context, record *TransactionRecord[T]) (pkg.TransactionalStatus, error) {
	select {
	case status := <-record.promise:
		return status, nil
	case <-ctx.Done():
		return pkg.StatusTMResponseTimeout, ctx.Err()
	}
}

func (s *TransactionalState[T]) findQueued(txid string) (int, *TransactionRecord[T]) {
	for i, record := range s.queue {
		if record.TransactionId == txid {
			return i, record
		}
	}
	return -1, nil
}

func (s *TransactionalState[T]) enqueue(record *TransactionRecord[T]) {
	if record.hasWrites() {
		s.nextSequence++
		record.SequenceNumber = s.nextSequence
	}
	s.queue = append(s.queue, record)
}

// checkQueue 推进提交队列: 持久化prepare, 提交队首已就绪的记录, 发送Prepared
func (s *TransactionalState[T]) checkQueue() {
	for !s.needsReload {
		progressed := false

		//1.队首的RemoteCommit在prepare持久化之后才回复TM
		if len(s.queue) > 0 {
			head := s.queue[0]
			if head.Role == pkg.RemoteCommit && head.PrepareIsPersisted && !head.PreparedSent {
				head.PreparedSent = true
				head.LastSent = time.Now()
				s.postPrepared(head.TransactionManager, head.TransactionId, head.Timestamp, pkg.StatusOk)
				progressed = true
			}
		}

		//2.组装存储批次
		var (
			states     []pkg.PendingTransactionState
			persisting []*TransactionRecord[T]
			commitUpTo *int64
			metadata   = s.metadata
			changed    = s.metadataDirty
			cloned     = false
		)
		mutate := func() {
			if !cloned {
				metadata = s.metadata.Clone()
				cloned = true
			}
			changed = true
		}
		for _, record := range s.queue {
			if record.Role == pkg.RemoteCommit && record.hasWrites() && !record.PrepareIsPersisted {
				state, err := s.pendingState(record, record.TransactionManager)
				if err != nil {
					s.logger.Error("encode prepared state failed", zap.String("txid", record.TransactionId), zap.Error(err))
					continue
				}
				states = append(states, state)
				persisting = append(persisting, record)
			}
		}
		commitCount := 0
		for commitCount < len(s.queue) && s.queue[commitCount].ReadyToCommit() {
			record := s.queue[commitCount]
			commitCount++
			if record.Batchable() && !record.hasWrites() {
				continue
			}
			if record.Role == pkg.LocalCommit {
				state, err := s.pendingState(record, pkg.ParticipantId{})
				if err != nil {
					s.logger.Error("encode committed state failed", zap.String("txid", record.TransactionId), zap.Error(err))
					commitCount--
					break
				}
				states = append(states, state)
				if len(record.WriteParticipants) > 1 {
					mutate()
					metadata.CommitRecords[record.TransactionId] = pkg.CommitRecord{
						Timestamp:         record.Timestamp,
						WriteParticipants: record.WriteParticipants,
					}
				}
			}
			seq := record.SequenceNumber
			commitUpTo = &seq
			if record.Timestamp.After(metadata.TimeStamp) {
				mutate()
				metadata.TimeStamp = record.Timestamp
			}
		}

		if len(states) > 0 || commitUpTo != nil || s.abortAfter != nil || changed {
			etag, err := s.storage.Store(s.ctx, s.etag, metadata, states, commitUpTo, s.abortAfter)
			if err != nil {
				s.onStorageFailure(err)
				return
			}
			s.etag = etag
			s.metadata = metadata
			s.metadataDirty = false
			s.abortAfter = nil
			for _, record := range persisting {
				record.PrepareIsPersisted = true
			}
			s.maybeCompact()
			progressed = true
		}

		//3.提交队首已就绪的记录
		if commitCount > 0 {
			committed := s.queue[:commitCount]
			s.queue = append([]*TransactionRecord[T](nil), s.queue[commitCount:]...)
			for _, record := range committed {
				s.onCommitted(record)
			}
			progressed = true
		}

		if !progressed {
			return
		}
	}
}

func (s *TransactionalState[T]) onCommitted(record *TransactionRecord[T]) {
	if record.hasWrites() {
		s.stableState = record.State
		s.stableSequence = record.SequenceNumber
		s.stableTimestamp = record.Timestamp
	}
	record.resolve(pkg.StatusOk)

	if record.Role == pkg.LocalCommit && len(record.WriteParticipants) > 1 {
		s.startConfirmation(record.TransactionId, record.Timestamp, record.WriteParticipants)
	}
	s.logger.Debug("committed",
		zap.String("txid", record.TransactionId),
		zap.Stringer("role", record.Role),
		zap.Int64("sequence", record.SequenceNumber))
}

func (s *TransactionalState[T]) pendingState(record *TransactionRecord[T], tm pkg.ParticipantId) (pkg.PendingTransactionState, error) {
	body, err := encodeState(record.State)
	if err != nil {
		return pkg.PendingTransactionState{}, err
	}
	return pkg.PendingTransactionState{
		SequenceId:         record.SequenceNumber,
		TransactionId:      record.TransactionId,
		TimeStamp:          record.Timestamp,
		TransactionManager: tm,
		State:              body,
	}, nil
}

// abortFrom 中止队列中第i条记录, 它之后的记录全部级联中止
// fromCancel 为true时中止由TM发起, 不需要再回复Prepared
func (s *TransactionalState[T]) abortFrom(i int, status pkg.TransactionalStatus, fromCancel bool) {
	if i < 0 || i >= len(s.queue) {
		return
	}
	aborted := s.queue[i:]
	s.queue = append([]*TransactionRecord[T](nil), s.queue[:i]...)

	s.nextSequence = s.stableSequence
	for _, record := range s.queue {
		if record.hasWrites() {
			s.nextSequence = record.SequenceNumber
		}
	}

	persisted, wrote := false, false
	for j, record := range aborted {
		recordStatus := status
		if j > 0 {
			recordStatus = pkg.StatusCascadingAbort
		}
		if record.hasWrites() {
			wrote = true
			persisted = persisted || (record.Role == pkg.RemoteCommit && record.PrepareIsPersisted)
		}
		s.notifyAbort(record, recordStatus, fromCancel && j == 0)
		record.resolve(recordStatus)
		s.logger.Debug("aborted",
			zap.String("txid", record.TransactionId),
			zap.Stringer("role", record.Role),
			zap.Stringer("status", recordStatus))
	}

	if persisted {
		s.setAbortAfter(s.nextSequence)
	}
	//执行阶段的事务可能读到了被中止的写入
	if wrote {
		for txid := range s.holders {
			s.abortExecution(txid, pkg.StatusCascadingAbort, true)
		}
	}
}

// abortAll 中止队列中的所有记录, 每条记录都带上同一个状态
func (s *TransactionalState[T]) abortAll(status pkg.TransactionalStatus) {
	aborted := s.queue
	s.queue = nil
	s.nextSequence = s.stableSequence
	for _, record := range aborted {
		s.notifyAbort(record, status, false)
		record.resolve(status)
	}
	for txid := range s.holders {
		s.abortExecution(txid, status, true)
	}
}

func (s *TransactionalState[T]) notifyAbort(record *TransactionRecord[T], status pkg.TransactionalStatus, fromCancel bool) {
	switch record.Role {
	case pkg.LocalCommit:
		for _, p := range record.WriteParticipants {
			if p == s.id {
				continue
			}
			s.postCancel(p, record.TransactionId, record.Timestamp, status)
		}
	case pkg.RemoteCommit:
		if !record.PreparedSent && !fromCancel {
			record.PreparedSent = true
			s.postPrepared(record.TransactionManager, record.TransactionId, record.Timestamp, status)
		}
	}
}

func (s *TransactionalState[T]) setAbortAfter(seq int64) {
	if s.abortAfter == nil || seq < *s.abortAfter {
		s.abortAfter = &seq
	}
}

// onStorageFailure 存储写入失败后中止所有记录并重新加载
func (s *TransactionalState[T]) onStorageFailure(err error) {
	s.logger.Warn("storage batch failed, aborting commit queue", zap.Error(err))
	s.abortAll(pkg.StatusStorageConflict)
	s.abortAfter = nil
	s.metadataDirty = false
	if err := s.restore(s.ctx); err != nil {
		s.logger.Error("reload after storage failure failed", zap.Error(err))
		s.needsReload = true
	}
}

func (s *TransactionalState[T]) maybeCompact() {
	compacting, ok := s.storage.(model.CompactingStorage)
	if !ok || !compacting.IsCompactionRequested() {
		return
	}
	etag, err := compacting.Replace(s.ctx, s.etag)
	if err != nil {
		s.logger.Warn("log compaction failed", zap.Error(err))
		return
	}
	s.etag = etag
}

// restore 从存储中加载已提交状态, 把带TM的prepare记录恢复为RemoteCommit
func (s *TransactionalState[T]) restore(ctx context.Context) error {
	resp, err := s.storage.Load(ctx)
	if err != nil {
		return err
	}
	stable, err := decodeState[T](resp.CommittedState)
	if err != nil {
		return fmt.Errorf("decode committed state of %s: %w", s.id, err)
	}

	s.etag = resp.ETag
	s.stableState = stable
	s.stableSequence = resp.CommittedSequenceId
	s.metadata = resp.Metadata.Clone()
	s.stableTimestamp = s.metadata.TimeStamp
	s.queue = nil
	s.nextSequence = s.stableSequence
	s.needsReload = false

	for _, pending := range resp.PendingStates {
		//本地发起且未提交的记录视为已中止
		if pending.TransactionManager.IsZero() {
			s.setAbortAfter(s.nextSequence)
			break
		}
		state, err := decodeState[T](pending.State)
		if err != nil {
			return fmt.Errorf("decode prepared state %d of %s: %w", pending.SequenceId, s.id, err)
		}
		record := newTransactionRecord(pending.TransactionId, pending.TimeStamp, time.Time{}, state)
		record.Role = pkg.RemoteCommit
		record.TransactionManager = pending.TransactionManager
		record.Writes = 1
		record.SequenceNumber = pending.SequenceId
		record.PrepareIsPersisted = true
		s.queue = append(s.queue, record)
		s.nextSequence = pending.SequenceId
	}

	for txid, commitRecord := range s.metadata.CommitRecords {
		if _, running := s.confirmations[txid]; running {
			continue
		}
		s.startConfirmation(txid, commitRecord.Timestamp, commitRecord.WriteParticipants)
	}

	s.logger.Info("restored",
		zap.Int64("committed", s.stableSequence),
		zap.Int("prepared", len(s.queue)),
		zap.Int("commitRecords", len(s.metadata.CommitRecords)))
	return nil
}

func (s *TransactionalState[T]) postPrepared(tm pkg.ParticipantId, txid string, ts time.Time, status pkg.TransactionalStatus) {
	self := s.id
	s.post(tm, "Prepared", func(ctx context.Context, r model.TransactionalResource) error {
		return r.Prepared(ctx, txid, ts, self, status)
	})
}

func (s *TransactionalState[T]) postCancel(target pkg.ParticipantId, txid string, ts time.Time, status pkg.TransactionalStatus) {
	s.post(target, "Cancel", func(ctx context.Context, r model.TransactionalResource) error {
		return r.Cancel(ctx, txid, ts, status)
	})
}
