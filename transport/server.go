package transport

import (
	"actortx/model"
	"actortx/pkg"
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server 把远端的线路操作转发给本进程内的参与者
type Server struct {
	locator model.ResourceLocator
	logger  *zap.Logger
}

func NewServer(locator model.ResourceLocator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{locator: locator, logger: logger}
}

// Register 在grpc.Server上注册参与者服务
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

func (s *Server) locate(target pkg.ParticipantId) (model.TransactionalResource, error) {
	r, err := s.locator.Locate(target)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "participant %v: %v", target, err)
	}
	return r, nil
}

func (s *Server) fail(method string, target pkg.ParticipantId, err error) error {
	s.logger.Debug("participant call failed", zap.String("method", method), zap.Stringer("target", target), zap.Error(err))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) Prepare(ctx context.Context, req *PrepareRequest) (*Empty, error) {
	r, err := s.locate(req.Target)
	if err != nil {
		return nil, err
	}
	if err := r.Prepare(ctx, req.TransactionId, req.Access, req.Timestamp, req.TransactionManager); err != nil {
		return nil, s.fail("Prepare", req.Target, err)
	}
	return &Empty{}, nil
}

func (s *Server) PrepareAndCommit(ctx context.Context, req *PrepareAndCommitRequest) (*StatusReply, error) {
	r, err := s.locate(req.Target)
	if err != nil {
		return nil, err
	}
	st, err := r.PrepareAndCommit(ctx, req.TransactionId, req.Access, req.Timestamp, req.Writers, req.TotalParticipants)
	if err != nil {
		return nil, s.fail("PrepareAndCommit", req.Target, err)
	}
	return &StatusReply{Status: st}, nil
}

func (s *Server) Prepared(ctx context.Context, req *PreparedRequest) (*Empty, error) {
	r, err := s.locate(req.Target)
	if err != nil {
		return nil, err
	}
	if err := r.Prepared(ctx, req.TransactionId, req.Timestamp, req.Participant, req.Status); err != nil {
		return nil, s.fail("Prepared", req.Target, err)
	}
	return &Empty{}, nil
}

func (s *Server) Confirm(ctx context.Context, req *ConfirmRequest) (*Empty, error) {
	r, err := s.locate(req.Target)
	if err != nil {
		return nil, err
	}
	if err := r.Confirm(ctx, req.TransactionId, req.Timestamp); err != nil {
		return nil, s.fail("Confirm", req.Target, err)
	}
	return &Empty{}, nil
}

func (s *Server) CommitReadOnly(ctx context.Context, req *CommitReadOnlyRequest) (*StatusReply, error) {
	r, err := s.locate(req.Target)
	if err != nil {
		return nil, err
	}
	st, err := r.CommitReadOnly(ctx, req.TransactionId, req.Access, req.Timestamp)
	if err != nil {
		return nil, s.fail("CommitReadOnly", req.Target, err)
	}
	return &StatusReply{Status: st}, nil
}

func (s *Server) Cancel(ctx context.Context, req *CancelRequest) (*Empty, error) {
	r, err := s.locate(req.Target)
	if err != nil {
		return nil, err
	}
	if err := r.Cancel(ctx, req.TransactionId, req.Timestamp, req.Status); err != nil {
		return nil, s.fail("Cancel", req.Target, err)
	}
	return &Empty{}, nil
}

func (s *Server) Abort(ctx context.Context, req *AbortRequest) (*Empty, error) {
	r, err := s.locate(req.Target)
	if err != nil {
		return nil, err
	}
	if err := r.Abort(ctx, req.TransactionId); err != nil {
		return nil, s.fail("Abort", req.Target, err)
	}
	return &Empty{}, nil
}

func (s *Server) Ping(ctx context.Context, req *PingRequest) (*Empty, error) {
	r, err := s.locate(req.Target)
	if err != nil {
		return nil, err
	}
	if err := r.Ping(ctx, req.TransactionId, req.Timestamp, req.Participant); err != nil {
		return nil, s.fail("Ping", req.Target, err)
	}
	return &Empty{}, nil
}
