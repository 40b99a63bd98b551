package predictor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/cow-check/internal/logging"
)

// PredictMethod is the full gRPC method name served by the inference server.
// The request is a google.protobuf.BytesValue carrying the image and the
// response a google.protobuf.Struct with "label" and an optional "score".
const PredictMethod = "/cowcheck.v1.Predictor/Predict"

// GRPCClient calls the predictor over gRPC.
type GRPCClient struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// DialGRPC returns a ready-to-use gRPC predictor client.
func DialGRPC(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("predictor.grpc.dial", "", err)
		logger.Error("failed to dial predictor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &GRPCClient{conn: conn, logger: logger.Named("predictor_grpc")}, nil
}

// Predict sends image to the inference server.
func (g *GRPCClient) Predict(ctx context.Context, image []byte) (Outcome, error) {
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, PredictMethod, wrapperspb.Bytes(image), resp); err != nil {
		wrapped := logging.NewOperationError("predictor.grpc.predict", "", err)
		g.logger.Warn("predictor call failed", zap.Error(wrapped))
		return Outcome{}, wrapped
	}

	out, err := outcomeFromStruct(resp)
	if err != nil {
		return Outcome{}, logging.NewOperationError("predictor.grpc.decode", "", err)
	}
	return out, nil
}

// Close releases the underlying connection.
func (g *GRPCClient) Close() error {
	return g.conn.Close()
}

func outcomeFromStruct(s *structpb.Struct) (Outcome, error) {
	fields := s.GetFields()
	label, err := ParseLabel(fields["label"].GetStringValue())
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Label: label}
	if v, ok := fields["score"]; ok {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_NumberValue:
			score := kind.NumberValue
			out.Score = &score
		case *structpb.Value_NullValue:
		default:
			return Outcome{}, fmt.Errorf("%w: score is not a number", ErrScoreOutOfRange)
		}
	}
	return out.Normalize()
}
