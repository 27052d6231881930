package state

import (
	"actortx/model"
	"actortx/pkg"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotActivated = errors.New("transactional state is not activated")
	ErrNeedsReload  = errors.New("transactional state needs reload")
	ErrNotPrepared  = errors.New("transaction was never prepared here")
)

type abortedEntry struct {
	status pkg.TransactionalStatus
	at     time.Time
}

// 在PrepareAndCommit之前到达的Prepared
type earlyPrepared struct {
	ok      map[pkg.ParticipantId]struct{}
	failure pkg.TransactionalStatus
	at      time.Time
}

// TransactionalState 一个actor持有的一份事务性状态, 同时也是2PC中的参与者
// mux 相当于actor的单线程执行权: 持有mux时不会调用其他参与者
type TransactionalState[T any] struct {
	id      pkg.ParticipantId
	storage model.TransactionalStateStorage
	locator model.ResourceLocator
	opts    *Options
	logger  *zap.Logger
	clock   *pkg.CausalClock

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mux         sync.Mutex
	activated   bool
	needsReload bool

	//已经持久化的部分
	etag            string
	stableState     T
	stableSequence  int64
	stableTimestamp time.Time
	metadata        pkg.TransactionalStateMetaData
	abortAfter      *int64
	metadataDirty   bool

	//执行阶段的锁
	holders   map[string]*TransactionRecord[T]
	exclusive string
	changed   chan struct{}

	//提交队列, 按序列号排列
	queue        []*TransactionRecord[T]
	nextSequence int64

	unprocessedPrepared map[string]*earlyPrepared
	confirmations       map[string]*confirmation
	aborted             map[string]abortedEntry

	outbox []func()
}

func NewTransactionalState[T any](id pkg.ParticipantId, storage model.TransactionalStateStorage, locator model.ResourceLocator, opts ...Option) *TransactionalState[T] {
	ctx, cancel := context.WithCancel(context.Background())
	s := &TransactionalState[T]{
		id:                  id,
		storage:             storage,
		locator:             locator,
		opts:                &Options{},
		ctx:                 ctx,
		stop:                cancel,
		metadata:            pkg.NewMetaData(),
		holders:             make(map[string]*TransactionRecord[T]),
		changed:             make(chan struct{}),
		unprocessedPrepared: make(map[string]*earlyPrepared),
		confirmations:       make(map[string]*confirmation),
		aborted:             make(map[string]abortedEntry),
	}
	for _, opt := range opts {
		opt(s.opts)
	}

	checkOpt(s.opts)

	s.clock = s.opts.Clock
	s.logger = s.opts.Logger.With(zap.Stringer("participant", id))
	return s
}

func (s *TransactionalState[T]) ID() pkg.ParticipantId {
	return s.id
}

// Activate 从存储中恢复状态并启动后台轮询
func (s *TransactionalState[T]) Activate(ctx context.Context) error {
	var err error
	s.locked(func() {
		if s.activated {
			return
		}
		if err = s.restore(ctx); err != nil {
			return
		}
		s.activated = true
		s.checkQueue()
	})
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.polling()
	}()
	return nil
}

// Close 停止后台轮询并等待已经发出的消息结束
func (s *TransactionalState[T]) Close() {
	s.stop()
	s.wg.Wait()
}

// PerformRead 在事务中读取状态, read拿到的是副本
func (s *TransactionalState[T]) PerformRead(ctx context.Context, info *pkg.TransactionInfo, read func(T) error) error {
	record, err := s.acquire(ctx, info, false)
	if err != nil {
		return err
	}

	s.mux.Lock()
	if s.holders[info.Id] != record {
		s.mux.Unlock()
		return s.brokenError(info)
	}
	record.Reads++
	state, err := copyState(record.State)
	minTime := s.minTimestamp()
	s.mux.Unlock()

	info.RecordRead(s.id, minTime)
	if err != nil {
		return err
	}
	return read(state)
}

// PerformUpdate 在事务中修改状态, update返回错误时修改不生效
func (s *TransactionalState[T]) PerformUpdate(ctx context.Context, info *pkg.TransactionInfo, update func(*T) error) error {
	if info.IsReadOnly {
		return fmt.Errorf("transaction %s is read-only, cannot update %s", info.Id, s.id)
	}
	record, err := s.acquire(ctx, info, true)
	if err != nil {
		return err
	}

	s.mux.Lock()
	if s.holders[info.Id] != record {
		s.mux.Unlock()
		return s.brokenError(info)
	}
	state, err := copyState(record.State)
	s.mux.Unlock()
	if err != nil {
		return err
	}

	if err := update(&state); err != nil {
		return err
	}

	s.mux.Lock()
	if s.holders[info.Id] != record {
		s.mux.Unlock()
		return s.brokenError(info)
	}
	record.State = state
	record.Writes++
	minTime := s.minTimestamp()
	s.mux.Unlock()

	info.RecordWrite(s.id, minTime)
	return nil
}

// Snapshot 返回已提交的状态和序列号
func (s *TransactionalState[T]) Snapshot() (T, int64, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	state, err := copyState(s.stableState)
	return state, s.stableSequence, err
}

// locked 在mux保护下执行fn, 释放mux之后再发送fn产生的消息
func (s *TransactionalState[T]) locked(fn func()) {
	s.mux.Lock()
	fn()
	out := s.outbox
	s.outbox = nil
	s.mux.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	for _, send := range out {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			send()
		}()
	}
}

// post 排队一条发给其他参与者的消息, 失败只记录日志
func (s *TransactionalState[T]) post(target pkg.ParticipantId, message string, fn func(ctx context.Context, r model.TransactionalResource) error) {
	s.outbox = append(s.outbox, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.MessageTimeout)
		defer cancel()
		r, err := s.locator.Locate(target)
		if err == nil {
			err = fn(ctx, r)
		}
		if err != nil {
			s.logger.Warn("message delivery failed",
				zap.String("message", message),
				zap.Stringer("target", target),
				zap.Error(err))
		}
	})
}

func (s *TransactionalState[T]) brokenError(info *pkg.TransactionInfo) error {
	s.mux.Lock()
	status := pkg.StatusBrokenLock
	if entry, ok := s.aborted[info.Id]; ok {
		status = entry.status
	}
	s.mux.Unlock()
	info.RecordFailure(status, fmt.Sprintf("lock on %s lost", s.id))
	return pkg.StatusError(info.Id, status)
}

// 最近一个写入(已排队或已提交)的时间戳, 新事务必须排在它之后
func (s *TransactionalState[T]) minTimestamp() time.Time {
	latest := s.stableTimestamp
	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i].hasWrites() {
			latest = s.queue[i].Timestamp
			break
		}
	}
	if latest.IsZero() {
		return latest
	}
	return latest.Add(time.Nanosecond)
}

// 执行阶段看到的状态: 最后一个排队写入的状态, 没有则为已提交状态
func (s *TransactionalState[T]) tentativeState() T {
	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i].hasWrites() {
			return s.queue[i].State
		}
	}
	return s.stableState
}

func copyState[T any](src T) (T, error) {
	var dst T
	body, err := json.Marshal(src)
	if err != nil {
		return dst, fmt.Errorf("encode state: %w", err)
	}
	if err := json.Unmarshal(body, &dst); err != nil {
		return dst, fmt.Errorf("decode state: %w", err)
	}
	return dst, nil
}

func encodeState[T any](state T) ([]byte, error) {
	return json.Marshal(state)
}

func decodeState[T any](body []byte) (T, error) {
	var state T
	if len(body) == 0 {
		return state, nil
	}
	err := json.Unmarshal(body, &state)
	return state, err
}
