package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/clayne/389-ds-base/internal/agreement"
	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/model"
	"github.com/clayne/389-ds-base/internal/shipper"
)

// ClientConfig holds connection settings for peer clients
type ClientConfig struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	MaxMessageSize   int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = 30 * time.Second
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
	return c
}

// Client is a connection to one peer replica. It implements shipper.Peer.
type Client struct {
	conn   *grpc.ClientConn
	addr   string
	logger *zap.Logger
}

// NewClient creates a client for the peer at addr. The connection is
// established lazily on the first call.
func NewClient(addr string, cfg ClientConfig, logger *zap.Logger, extra ...grpc.DialOption) (*Client, error) {
	cfg = cfg.withDefaults()
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return &Client{conn: conn, addr: addr, logger: logger}, nil
}

// Dialer returns a shipper.Dialer connecting to each agreement's peer.
func Dialer(cfg ClientConfig, logger *zap.Logger, extra ...grpc.DialOption) shipper.Dialer {
	return func(a *agreement.Agreement) (shipper.Peer, error) {
		return NewClient(a.Addr(), cfg, logger.With(zap.String("agreement", a.ID)), extra...)
	}
}

// Ship sends a batch of changes and returns the peer's acknowledgement.
func (c *Client) Ship(ctx context.Context, req *model.ShipRequest) (*model.ShipResponse, error) {
	in, err := encode(req)
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, shipMethod, in, out); err != nil {
		c.logger.Debug("Ship RPC failed", zap.String("peer", c.addr), zap.Error(err))
		return nil, errors.FromGRPC(c.addr, err)
	}

	var resp model.ShipResponse
	if err := decode(out, &resp); err != nil {
		return nil, err
	}
	if resp.RUV == nil {
		resp.RUV = csn.NewRUV()
	}
	return &resp, nil
}

// GetRUV fetches the peer's update vector for suffix.
func (c *Client) GetRUV(ctx context.Context, suffix string) (csn.RUV, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, getRUVMethod, wrapperspb.String(suffix), out); err != nil {
		return nil, errors.FromGRPC(c.addr, err)
	}
	ruv := csn.NewRUV()
	if err := decode(out, &ruv); err != nil {
		return nil, err
	}
	return ruv, nil
}

// Ping checks that the peer answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, pingMethod, &emptypb.Empty{}, new(emptypb.Empty)); err != nil {
		return errors.FromGRPC(c.addr, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
