package ledger

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"pongarena/broker/internal/logging"
)

type ledgerServer struct {
	mu       sync.Mutex
	requests []*structpb.Struct
}

func (s *ledgerServer) record(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if auth := md.Get("authorization"); len(auth) == 0 || auth[0] != "Bearer s3cret" {
		return nil, status.Error(codes.Unauthenticated, "bad secret")
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return structpb.NewStruct(map[string]any{"address": "0xfeed"})
}

type ledgerService interface{}

func startLedger(t *testing.T) (*ledgerServer, *grpc.ClientConn) {
	t.Helper()
	impl := &ledgerServer{}
	desc := grpc.ServiceDesc{
		ServiceName: "ledger.v1.Ledger",
		HandlerType: (*ledgerService)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "RecordMatch",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				var req structpb.Struct
				if err := dec(&req); err != nil {
					return nil, err
				}
				return srv.(*ledgerServer).record(ctx, &req)
			},
		}},
	}
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&desc, impl)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return impl, conn
}

func sampleRecord(t *testing.T) Record {
	t.Helper()
	rec, err := NewRecord(7,
		[]map[string]any{{"playerId": "p1", "score": 5}, {"playerId": "p2", "score": 3}},
		map[string]any{"id": "room-1"},
		map[string]any{"phase": "ended"},
		"0",
	)
	require.NoError(t, err)
	return rec
}

func TestGRPCRecorderSendsStructPayload(t *testing.T) {
	server, conn := startLedger(t)
	recorder := NewGRPCRecorder(conn, "s3cret")

	address, err := recorder.RecordMatch(context.Background(), sampleRecord(t))
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", address)

	require.Len(t, server.requests, 1)
	got := server.requests[0].AsMap()
	assert.Equal(t, float64(7), got["logId"])
	assert.Equal(t, "0", got["matchType"])
	assert.Equal(t, "room-1", got["room"].(map[string]any)["id"])
	assert.Len(t, got["players"], 2)
}

func TestGRPCRecorderRejectedWithoutSecret(t *testing.T) {
	_, conn := startLedger(t)
	_, err := NewGRPCRecorder(conn, "").RecordMatch(context.Background(), sampleRecord(t))
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(errors.Unwrap(err)))
}

type blockingRecorder struct {
	release chan struct{}
	calls   chan Record
}

func (b *blockingRecorder) RecordMatch(ctx context.Context, rec Record) (string, error) {
	b.calls <- rec
	select {
	case <-b.release:
		return "0xabc", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestDispatchDoesNotWaitForRecorder(t *testing.T) {
	rec := &blockingRecorder{release: make(chan struct{}), calls: make(chan Record, 1)}
	stored := make(chan string, 1)
	d := NewDispatcher(rec,
		WithLogger(logging.NewTestLogger()),
		WithCompletion(func(_ context.Context, logID int64, address string) error {
			stored <- address
			return nil
		}),
	)

	start := time.Now()
	d.Dispatch(sampleRecord(t))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	select {
	case got := <-rec.calls:
		assert.Equal(t, int64(7), got.LogID)
	case <-time.After(time.Second):
		t.Fatal("recorder never invoked")
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(short), ErrClosed)

	close(rec.release)
	select {
	case address := <-stored:
		assert.Equal(t, "0xabc", address)
	case <-time.After(time.Second):
		t.Fatal("completion not called")
	}
	require.NoError(t, d.Close(context.Background()))
}

func TestExecRecorderPassesArguments(t *testing.T) {
	recorder, err := NewExecRecorder("echo ledger")
	require.NoError(t, err)
	out, err := recorder.RecordMatch(context.Background(), sampleRecord(t))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ledger 7 "), out)
	assert.True(t, strings.HasSuffix(out, " 0"), out)

	_, err = NewExecRecorder("   ")
	assert.Error(t, err)
}
