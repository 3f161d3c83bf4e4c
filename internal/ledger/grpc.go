package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// RecordMatchMethod is the unary method served by the ledger writer.
const RecordMatchMethod = "/ledger.v1.Ledger/RecordMatch"

// GRPCRecorder calls a ledger writer over gRPC with structpb payloads, so
// no generated stubs are needed on either side.
type GRPCRecorder struct {
	conn   *grpc.ClientConn
	secret string
	owned  bool
}

// DialGRPC connects to addr. TLS is left to the network layer.
func DialGRPC(addr, secret string, opts ...grpc.DialOption) (*GRPCRecorder, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("ledger grpc address must not be empty")
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	return &GRPCRecorder{conn: conn, secret: strings.TrimSpace(secret), owned: true}, nil
}

// NewGRPCRecorder wraps an existing connection.
func NewGRPCRecorder(conn *grpc.ClientConn, secret string) *GRPCRecorder {
	return &GRPCRecorder{conn: conn, secret: strings.TrimSpace(secret)}
}

// RecordMatch implements Recorder.
func (r *GRPCRecorder) RecordMatch(ctx context.Context, rec Record) (string, error) {
	req, err := RecordToStruct(rec)
	if err != nil {
		return "", err
	}
	if r.secret != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+r.secret)
	}
	var resp structpb.Struct
	if err := r.conn.Invoke(ctx, RecordMatchMethod, req, &resp); err != nil {
		return "", fmt.Errorf("ledger rpc: %w", err)
	}
	return resp.GetFields()["address"].GetStringValue(), nil
}

// Close releases a connection opened by DialGRPC.
func (r *GRPCRecorder) Close() error {
	if r.owned {
		return r.conn.Close()
	}
	return nil
}

// RecordToStruct converts rec into its wire form. JSON parts become nested values.
func RecordToStruct(rec Record) (*structpb.Struct, error) {
	fields := map[string]any{
		"logId":     float64(rec.LogID),
		"matchType": rec.MatchType,
	}
	for name, raw := range map[string]json.RawMessage{"players": rec.Players, "room": rec.Room, "finalState": rec.FinalState} {
		if len(raw) == 0 {
			continue
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("ledger %s: %w", name, err)
		}
		fields[name] = decoded
	}
	doc, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("ledger request: %w", err)
	}
	return doc, nil
}
