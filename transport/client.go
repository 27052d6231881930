package transport

import (
	"actortx/model"
	"actortx/pkg"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Placement 返回actor所在进程的地址
type Placement func(actor string) (string, error)

// Client 远端参与者的 model.ResourceLocator, 每个地址缓存一个连接
type Client struct {
	placement Placement
	dialOpts  []grpc.DialOption
	logger    *zap.Logger

	mux   sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewClient(placement Placement, logger *zap.Logger, opts ...grpc.DialOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		placement: placement,
		dialOpts:  opts,
		logger:    logger,
		conns:     make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) Locate(id pkg.ParticipantId) (model.TransactionalResource, error) {
	endpoint, err := c.placement(id.Actor)
	if err != nil {
		return nil, errors.Wrapf(err, "place actor %s", id.Actor)
	}
	conn, err := c.conn(endpoint)
	if err != nil {
		return nil, err
	}
	return &remoteResource{id: id, conn: conn}, nil
}

func (c *Client) conn(endpoint string) (*grpc.ClientConn, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if conn, ok := c.conns[endpoint]; ok {
		return conn, nil
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, c.dialOpts...)
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	c.logger.Debug("connected", zap.String("endpoint", endpoint))
	c.conns[endpoint] = conn
	return conn, nil
}

func (c *Client) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	var first error
	for endpoint, conn := range c.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close %s", endpoint)
		}
		delete(c.conns, endpoint)
	}
	return first
}

type remoteResource struct {
	id   pkg.ParticipantId
	conn *grpc.ClientConn
}

func (r *remoteResource) ID() pkg.ParticipantId {
	return r.id
}

func (r *remoteResource) invoke(ctx context.Context, method string, req, reply any) error {
	err := r.conn.Invoke(ctx, fullMethod(method), req, reply)
	if err == nil {
		return nil
	}
	//超时还原为context错误, 调用方据此判断结果未知
	if status.Code(err) == codes.DeadlineExceeded {
		return errors.Wrapf(context.DeadlineExceeded, "%s %v: %v", method, r.id, err)
	}
	return errors.Wrapf(err, "%s %v", method, r.id)
}

func (r *remoteResource) Prepare(ctx context.Context, txid string, access pkg.AccessCounter, ts time.Time, tm pkg.ParticipantId) error {
	return r.invoke(ctx, "Prepare", &PrepareRequest{
		Target: r.id, TransactionId: txid, Access: access, Timestamp: ts, TransactionManager: tm,
	}, &Empty{})
}

func (r *remoteResource) PrepareAndCommit(ctx context.Context, txid string, access pkg.AccessCounter, ts time.Time,
	writers []pkg.ParticipantId, totalParticipants int) (pkg.TransactionalStatus, error) {
	reply := &StatusReply{}
	err := r.invoke(ctx, "PrepareAndCommit", &PrepareAndCommitRequest{
		Target: r.id, TransactionId: txid, Access: access, Timestamp: ts, Writers: writers, TotalParticipants: totalParticipants,
	}, reply)
	if err != nil {
		return pkg.StatusTMResponseTimeout, err
	}
	return reply.Status, nil
}

func (r *remoteResource) Prepared(ctx context.Context, txid string, ts time.Time, participant pkg.ParticipantId, st pkg.TransactionalStatus) error {
	return r.invoke(ctx, "Prepared", &PreparedRequest{
		Target: r.id, TransactionId: txid, Timestamp: ts, Participant: participant, Status: st,
	}, &Empty{})
}

func (r *remoteResource) Confirm(ctx context.Context, txid string, ts time.Time) error {
	return r.invoke(ctx, "Confirm", &ConfirmRequest{Target: r.id, TransactionId: txid, Timestamp: ts}, &Empty{})
}

func (r *remoteResource) CommitReadOnly(ctx context.Context, txid string, access pkg.AccessCounter, ts time.Time) (pkg.TransactionalStatus, error) {
	reply := &StatusReply{}
	err := r.invoke(ctx, "CommitReadOnly", &CommitReadOnlyRequest{
		Target: r.id, TransactionId: txid, Access: access, Timestamp: ts,
	}, reply)
	if err != nil {
		return pkg.StatusParticipantResponseTimeout, err
	}
	return reply.Status, nil
}

func (r *remoteResource) Cancel(ctx context.Context, txid string, ts time.Time, st pkg.TransactionalStatus) error {
	return r.invoke(ctx, "Cancel", &CancelRequest{Target: r.id, TransactionId: txid, Timestamp: ts, Status: st}, &Empty{})
}

func (r *remoteResource) Abort(ctx context.Context, txid string) error {
	return r.invoke(ctx, "Abort", &AbortRequest{Target: r.id, TransactionId: txid}, &Empty{})
}

func (r *remoteResource) Ping(ctx context.Context, txid string, ts time.Time, participant pkg.ParticipantId) error {
	return r.invoke(ctx, "Ping", &PingRequest{Target: r.id, TransactionId: txid, Timestamp: ts, Participant: participant}, &Empty{})
}
