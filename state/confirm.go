package state

import (
	"actortx/model"
	"actortx/pkg"
	"context"
	"time"

	"go.uber.org/zap"
)

type confirmTarget struct {
	inflight    bool
	attempts    int
	nextAttempt time.Time
}

// confirmation TM提交之后向其他写参与者发送Confirm, 全部成功后清除元数据中的提交记录
type confirmation struct {
	timestamp time.Time
	pending   map[pkg.ParticipantId]*confirmTarget
}

func (s *TransactionalState[T]) startConfirmation(txid string, ts time.Time, writers []pkg.ParticipantId) {
	c := &confirmation{
		timestamp: ts,
		pending:   make(map[pkg.ParticipantId]*confirmTarget),
	}
	for _, p := range writers {
		if p == s.id {
			continue
		}
		c.pending[p] = &confirmTarget{}
	}
	s.confirmations[txid] = c
	if len(c.pending) == 0 {
		s.finishConfirmation(txid)
		return
	}
	for p := range c.pending {
		s.sendConfirm(txid, p)
	}
}

func (s *TransactionalState[T]) sendConfirm(txid string, target pkg.ParticipantId) {
	c, ok := s.confirmations[txid]
	if !ok {
		return
	}
	t, ok := c.pending[target]
	if !ok || t.inflight {
		return
	}
	t.inflight = true
	t.attempts++
	ts := c.timestamp

	s.outbox = append(s.outbox, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.MessageTimeout)
		defer cancel()
		r, err := s.locator.Locate(target)
		if err == nil {
			err = r.Confirm(ctx, txid, ts)
		}
		s.locked(func() {
			s.onConfirmed(txid, target, err)
		})
	})
}

func (s *TransactionalState[T]) onConfirmed(txid string, target pkg.ParticipantId, err error) {
	c, ok := s.confirmations[txid]
	if !ok {
		return
	}
	t, ok := c.pending[target]
	if !ok {
		return
	}
	t.inflight = false
	if err != nil {
		t.nextAttempt = time.Now().Add(s.retryDelay(t.attempts))
		s.logger.Warn("confirm failed, will retry",
			zap.String("txid", txid),
			zap.Stringer("target", target),
			zap.Int("attempts", t.attempts),
			zap.Error(err))
		return
	}
	delete(c.pending, target)
	if len(c.pending) == 0 {
		s.finishConfirmation(txid)
	}
}

// finishConfirmation 删除提交记录, 下一次存储批次会把它写下去
func (s *TransactionalState[T]) finishConfirmation(txid string) {
	delete(s.confirmations, txid)
	if _, ok := s.metadata.CommitRecords[txid]; !ok {
		return
	}
	s.metadata = s.metadata.Clone()
	delete(s.metadata.CommitRecords, txid)
	s.metadataDirty = true
	s.checkQueue()
}

func (s *TransactionalState[T]) retryDelay(attempts int) time.Duration {
	delay := s.opts.MonitorTick
	for i := 1; i < attempts; i++ {
		delay = s.backOffTick(delay)
	}
	return delay
}

// Ping RemoteCommit等待太久时询问TM事务的结果
func (s *TransactionalState[T]) Ping(ctx context.Context, txid string, ts time.Time, participant pkg.ParticipantId) error {
	s.locked(func() {
		s.clock.Merge(ts)
		if _, record := s.findQueued(txid); record != nil {
			return
		}
		if _, committed := s.metadata.CommitRecords[txid]; committed {
			c, ok := s.confirmations[txid]
			if !ok {
				return
			}
			if t, ok := c.pending[participant]; ok {
				t.nextAttempt = time.Time{}
				s.sendConfirm(txid, participant)
			} else {
				//没有在等待这个参与者, 直接补发
				s.post(participant, "Confirm", func(ctx context.Context, r model.TransactionalResource) error {
					return r.Confirm(ctx, txid, c.timestamp)
				})
			}
			return
		}
		s.logger.Info("ping for unknown transaction, presuming abort",
			zap.String("txid", txid), zap.Stringer("from", participant))
		s.postCancel(participant, txid, ts, pkg.StatusPresumedAbort)
	})
	return nil
}

// polling 后台轮询: 超时处理, 重发消息, 清理过期的缓存
func (s *TransactionalState[T]) polling() {
	var err error
	var tick time.Duration
	for {
		if err == nil {
			tick = s.opts.MonitorTick
		} else {
			tick = s.backOffTick(tick)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(tick):
			s.locked(func() {
				err = s.checkProgress(time.Now())
			})
		}
	}
}

func (s *TransactionalState[T]) checkProgress(now time.Time) error {
	if s.needsReload {
		if err := s.restore(s.ctx); err != nil {
			s.logger.Warn("reload failed", zap.Error(err))
			return err
		}
	}

	s.breakExpiredLocks(now)

	for i, record := range s.queue {
		//已经收齐投票的记录只是排在队首之后, 不算超时
		if record.Role == pkg.LocalCommit && record.WaitCount > 0 && now.Sub(record.WaitingSince) > s.opts.PrepareTimeout {
			s.logger.Info("prepare timed out", zap.String("txid", record.TransactionId), zap.Int("waiting", record.WaitCount))
			s.abortFrom(i, pkg.StatusPrepareTimeout, false)
			break
		}
	}

	if len(s.queue) > 0 {
		head := s.queue[0]
		if head.Role == pkg.RemoteCommit && head.PreparedSent && now.Sub(head.LastSent) > s.opts.PingFrequency {
			head.LastSent = now
			txid, ts, self := head.TransactionId, head.Timestamp, s.id
			s.post(head.TransactionManager, "Ping", func(ctx context.Context, r model.TransactionalResource) error {
				return r.Ping(ctx, txid, ts, self)
			})
		}
	}

	for txid, c := range s.confirmations {
		for p, t := range c.pending {
			if !t.inflight && !now.Before(t.nextAttempt) {
				s.sendConfirm(txid, p)
			}
		}
	}

	for txid, early := range s.unprocessedPrepared {
		if now.Sub(early.at) > s.opts.PrepareTimeout {
			delete(s.unprocessedPrepared, txid)
		}
	}
	for txid, entry := range s.aborted {
		if now.Sub(entry.at) > s.opts.PrepareTimeout {
			delete(s.aborted, txid)
		}
	}

	s.checkQueue()
	if s.needsReload {
		return ErrNeedsReload
	}
	return nil
}

func (s *TransactionalState[T]) backOffTick(tick time.Duration) time.Duration {
	maxTick := s.opts.MonitorTick << 3
	tick <<= 1
	if tick > maxTick {
		tick = maxTick
	}
	return tick
}
