package transport

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/model"
)

// Receiver applies changes shipped by a supplier.
type Receiver interface {
	Receive(ctx context.Context, req *model.ShipRequest) (*model.ShipResponse, error)
	RUV(ctx context.Context, suffix string) (csn.RUV, error)
}

// Server implements the replication gRPC service on top of a Receiver
type Server struct {
	receiver Receiver
	logger   *zap.Logger
}

// NewServer creates a new replication server
func NewServer(receiver Receiver, logger *zap.Logger) *Server {
	return &Server{
		receiver: receiver,
		logger:   logger,
	}
}

// Register attaches the service to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

// Ship handles a batch of changes from a supplier
func (s *Server) Ship(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req model.ShipRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	start := time.Now()
	resp, err := s.receiver.Receive(ctx, &req)
	if err != nil {
		s.logger.Error("Failed to apply shipped changes",
			zap.String("suffix", req.Suffix),
			zap.Uint16("sender", req.Sender),
			zap.Int("records", len(req.Records)),
			zap.Error(err))
		return nil, toStatus(err)
	}

	s.logger.Debug("Applied shipped changes",
		zap.String("suffix", req.Suffix),
		zap.Uint16("sender", req.Sender),
		zap.Int("applied", resp.Applied),
		zap.Int("skipped", resp.Skipped),
		zap.Duration("duration", time.Since(start)))
	return encode(resp)
}

// GetRUV returns the update vector of a suffix
func (s *Server) GetRUV(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	ruv, err := s.receiver.RUV(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(ruv)
}

// Ping answers liveness probes
func (s *Server) Ping(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	var re *errors.ReplError
	switch {
	case stderrors.As(err, &re):
		return re.ToGRPCStatus().Err()
	case stderrors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
