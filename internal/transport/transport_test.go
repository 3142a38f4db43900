package transport

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/clayne/389-ds-base/internal/agreement"
	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/model"
)

const suffix = "dc=example,dc=com"

// MockReceiver is a mock implementation of Receiver
type MockReceiver struct {
	mock.Mock
}

func (m *MockReceiver) Receive(ctx context.Context, req *model.ShipRequest) (*model.ShipResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*model.ShipResponse)
	return resp, args.Error(1)
}

func (m *MockReceiver) RUV(ctx context.Context, suffix string) (csn.RUV, error) {
	args := m.Called(ctx, suffix)
	ruv, _ := args.Get(0).(csn.RUV)
	return ruv, args.Error(1)
}

func startServer(t *testing.T, recv Receiver) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	NewServer(recv, zap.NewNop()).Register(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	client, err := NewClient("passthrough:///bufnet", ClientConfig{}, zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestShip_RoundTrip(t *testing.T) {
	recv := new(MockReceiver)
	client := startServer(t, recv)

	rec := &model.ChangeRecord{
		CSN:      csn.CSN{Timestamp: 0x5f000001, ReplicaID: 1, Seq: 2},
		Suffix:   suffix,
		Op:       model.OpModRDN,
		TargetDN: "cn=a," + suffix,
		UniqueID: "u1",
		NewRDN:   "cn=b",
	}
	ack := csn.RUV{1: rec.CSN}

	recv.On("Receive", mock.Anything, mock.MatchedBy(func(req *model.ShipRequest) bool {
		return req.Sender == 1 && req.Suffix == suffix && len(req.Records) == 1 &&
			req.Records[0].CSN == rec.CSN && req.Records[0].NewRDN == "cn=b" && !req.Records[0].DeleteOldRDN
	})).Return(&model.ShipResponse{RUV: ack, Applied: 1}, nil).Once()

	resp, err := client.Ship(context.Background(), &model.ShipRequest{
		Suffix:  suffix,
		Sender:  1,
		Records: []*model.ChangeRecord{rec},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Applied)
	assert.Equal(t, ack, resp.RUV)
	recv.AssertExpectations(t)
}

func TestGetRUV(t *testing.T) {
	recv := new(MockReceiver)
	client := startServer(t, recv)

	want := csn.RUV{
		1: {Timestamp: 10, ReplicaID: 1},
		2: {Timestamp: 12, ReplicaID: 2, Subseq: 1},
	}
	recv.On("RUV", mock.Anything, suffix).Return(want, nil)

	got, err := client.GetRUV(context.Background(), suffix)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestErrorsKeepTheirCode(t *testing.T) {
	recv := new(MockReceiver)
	client := startServer(t, recv)

	recv.On("RUV", mock.Anything, "dc=other").Return(nil, errors.NotFound("suffix dc=other"))
	recv.On("Receive", mock.Anything, mock.Anything).
		Return(nil, errors.SuffixHalted(suffix, fmt.Errorf("disk full")))

	_, err := client.GetRUV(context.Background(), "dc=other")
	assert.True(t, errors.IsNotFound(err))

	_, err = client.Ship(context.Background(), &model.ShipRequest{Suffix: suffix, Sender: 1})
	assert.Equal(t, errors.ErrCodeSuffixHalted, errors.GetCode(err))
}

func TestUnreachablePeerIsTransient(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	lis.Close()

	client, err := NewClient("passthrough:///bufnet", ClientConfig{}, zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer client.Close()

	err = client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestPing(t *testing.T) {
	client := startServer(t, new(MockReceiver))
	assert.NoError(t, client.Ping(context.Background()))
}

func TestDialer(t *testing.T) {
	dial := Dialer(ClientConfig{}, zap.NewNop())
	peer, err := dial(&agreement.Agreement{ID: "a1", RemoteHost: "localhost", RemotePort: 39002})
	require.NoError(t, err)

	client, ok := peer.(*Client)
	require.True(t, ok)
	assert.Equal(t, "localhost:39002", client.addr)
	assert.NoError(t, client.Close())
}
