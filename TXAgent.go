package actortx

import (
	"actortx/model"
	"actortx/pkg"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TXAgent 客户端的事务代理: 开启事务, 以去中心化的两阶段提交完成或放弃事务
type TXAgent struct {
	locator model.ResourceLocator
	opts    *Options
	logger  *zap.Logger
	metrics *agentMetrics
	tracer  trace.Tracer

	//尚未完成的单向消息
	wg sync.WaitGroup
}

func NewTXAgent(locator model.ResourceLocator, opts ...Option) *TXAgent {
	a := &TXAgent{
		locator: locator,
		opts:    &Options{},
	}
	for _, opt := range opts {
		opt(a.opts)
	}

	checkOpt(a.opts)

	a.logger = a.opts.Logger
	a.metrics = newAgentMetrics(a.opts.Registerer)
	a.tracer = a.opts.Tracer
	if a.tracer == nil {
		a.tracer = otel.Tracer("actortx")
	}
	return a
}

// Close 等待已经发出的单向消息结束
func (a *TXAgent) Close() {
	a.wg.Wait()
}

func (a *TXAgent) StartTransaction(ctx context.Context, readOnly bool, timeout time.Duration) (*pkg.TransactionInfo, error) {
	if a.opts.Overload.IsOverloaded() {
		a.metrics.overloaded.Inc()
		return nil, pkg.NewOverloadError("transaction agent is overloaded, try again later")
	}
	if timeout <= 0 {
		timeout = a.opts.Timeout
	}
	info := pkg.NewTransactionInfo(uuid.NewString(), a.opts.Clock.UtcNow(), readOnly, timeout)
	a.metrics.started.Inc()
	a.logger.Debug("transaction started", zap.String("txid", info.Id), zap.Bool("readOnly", readOnly))
	return info, nil
}

func (a *TXAgent) Commit(ctx context.Context, info *pkg.TransactionInfo) (err error) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "actortx.Commit", trace.WithAttributes(attribute.String("transaction.id", info.Id)))
	defer func() {
		a.metrics.commitLatency.Observe(time.Since(start).Seconds())
		a.metrics.observe(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	//1.合并所有分支, 有失败或悬挂的调用则直接放弃
	info.ReconcilePending()
	if err := info.MustAbort(); err != nil {
		a.Abort(ctx, info, err)
		return err
	}

	timeout := info.Timeout
	if timeout <= 0 {
		timeout = a.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//2.划分读写参与者并找到所有资源
	writers := info.WriteParticipants()
	readers := info.ReadParticipants()
	resources := make(map[pkg.ParticipantId]model.TransactionalResource, len(info.Participants))
	for p := range info.Participants {
		r, err := a.locator.Locate(p)
		if err != nil {
			a.Abort(ctx, info, err)
			return pkg.NewTransactionAbortedError(info.Id, pkg.StatusUnknownParticipant, err.Error())
		}
		resources[p] = r
	}
	span.SetAttributes(attribute.Int("transaction.writers", len(writers)), attribute.Int("transaction.readers", len(readers)))

	if len(writers) == 0 {
		return a.commitReadOnly(ctx, info, readers, resources)
	}
	return a.commitReadWrite(ctx, info, writers, readers, resources)
}

// 只读事务: 并发发送CommitReadOnly, 任何失败都是明确的中止
func (a *TXAgent) commitReadOnly(ctx context.Context, info *pkg.TransactionInfo, readers []pkg.ParticipantId,
	resources map[pkg.ParticipantId]model.TransactionalResource) error {
	statuses := make([]pkg.TransactionalStatus, len(readers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range readers {
		g.Go(func() error {
			status, err := resources[p].CommitReadOnly(gctx, info.Id, info.Participants[p], info.TimeStamp)
			statuses[i] = status
			return err
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Info("read-only commit failed", zap.String("txid", info.Id), zap.Error(err))
		return pkg.NewTransactionAbortedError(info.Id, pkg.StatusParticipantResponseTimeout, err.Error())
	}
	for _, status := range statuses {
		if status != pkg.StatusOk {
			return pkg.StatusError(info.Id, status)
		}
	}
	return nil
}

func (a *TXAgent) commitReadWrite(ctx context.Context, info *pkg.TransactionInfo, writers, readers []pkg.ParticipantId,
	resources map[pkg.ParticipantId]model.TransactionalResource) error {
	tm := a.opts.Selector.Select(info, writers)
	total := len(writers) + len(readers)
	others := make([]pkg.ParticipantId, 0, total-1)
	for _, p := range append(append([]pkg.ParticipantId(nil), writers...), readers...) {
		if p != tm {
			others = append(others, p)
		}
	}

	info.PrepareMessagesSent = true
	for _, p := range others {
		access := info.Participants[p]
		a.send(ctx, resources[p], "Prepare", func(ctx context.Context, r model.TransactionalResource) error {
			return r.Prepare(ctx, info.Id, access, info.TimeStamp, tm)
		})
	}

	status, err := resources[tm].PrepareAndCommit(ctx, info.Id, info.Participants[tm], info.TimeStamp, writers, total)
	if err != nil {
		a.logger.Warn("no response from transaction manager",
			zap.String("txid", info.Id), zap.Stringer("tm", tm), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			return pkg.StatusError(info.Id, pkg.StatusTMResponseTimeout)
		}
		return pkg.NewTransactionInDoubtError(info.Id, err.Error())
	}

	if status != pkg.StatusOk && status.DefinitelyAborted() {
		for _, p := range others {
			a.send(ctx, resources[p], "Cancel", func(ctx context.Context, r model.TransactionalResource) error {
				return r.Cancel(ctx, info.Id, info.TimeStamp, status)
			})
		}
	}
	return pkg.StatusError(info.Id, status)
}

// Abort 只有在Prepare还没有发出时才通知参与者, 否则由提交协议自己收尾
func (a *TXAgent) Abort(ctx context.Context, info *pkg.TransactionInfo, reason error) {
	a.logger.Info("transaction aborted", zap.String("txid", info.Id), zap.Error(reason))
	if info.PrepareMessagesSent {
		return
	}
	for p := range info.Participants {
		r, err := a.locator.Locate(p)
		if err != nil {
			a.logger.Warn("abort: participant not found", zap.Stringer("participant", p), zap.Error(err))
			continue
		}
		a.send(ctx, r, "Abort", func(ctx context.Context, r model.TransactionalResource) error {
			return r.Abort(ctx, info.Id)
		})
	}
}

// send 单向消息, 失败只记录日志不重试
func (a *TXAgent) send(ctx context.Context, r model.TransactionalResource, message string, fn func(ctx context.Context, r model.TransactionalResource) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.MessageTimeout)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		if err := fn(ctx, r); err != nil {
			a.logger.Warn("one-way message failed",
				zap.String("message", message),
				zap.Stringer("participant", r.ID()),
				zap.Error(err))
		}
	}()
}
