package signer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/retry"
)

// Method names of the signing service. Requests are google.protobuf.Struct
// messages with "algorithm", "digest" (base64) and "key_id" fields; replies
// are google.protobuf.BytesValue signatures.
const (
	ServiceName = "relayd.signer.v1.Signer"
	SignMethod  = "/" + ServiceName + "/Sign"
)

// GRPCClient calls a remote signing service.
type GRPCClient struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// GRPCOptions configures Dial.
type GRPCOptions struct {
	// TLS secures the channel; nil dials in plaintext.
	TLS credentials.TransportCredentials
	// CallTimeout bounds one Sign call; zero leaves the caller's deadline.
	CallTimeout time.Duration
	DialOptions []grpc.DialOption
}

// Dial connects lazily to target.
func Dial(target string, opts GRPCOptions) (*GRPCClient, error) {
	creds := opts.TLS
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts.DialOptions...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("signer: dial %s: %w", target, err)
	}
	return &GRPCClient{conn: conn, closer: conn.Close, timeout: opts.CallTimeout}, nil
}

// NewGRPCClient wraps an existing connection.
func NewGRPCClient(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCClient {
	return &GRPCClient{conn: conn, timeout: timeout}
}

// Sign implements Signer. Unavailable, deadline and resource-exhaustion
// statuses are marked transient.
func (c *GRPCClient) Sign(ctx context.Context, alg digest.Algorithm, sum []byte, keyID string) ([]byte, error) {
	req, err := structpb.NewStruct(map[string]any{
		"algorithm": alg.String(),
		"digest":    base64.StdEncoding.EncodeToString(sum),
		"key_id":    keyID,
	})
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp := &wrapperspb.BytesValue{}
	if err := c.conn.Invoke(ctx, SignMethod, req, resp); err != nil {
		return nil, classify(err)
	}
	if len(resp.GetValue()) == 0 {
		return nil, fmt.Errorf("%w: empty signature", ErrSigningRejected)
	}
	return resp.GetValue(), nil
}

// Close releases the connection when the client owns it.
func (c *GRPCClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func classify(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return retry.Transient(fmt.Errorf("signer: %w", err))
	case codes.NotFound:
		return fmt.Errorf("%w: %w", ErrUnknownKey, err)
	default:
		return fmt.Errorf("%w: %w", ErrSigningRejected, err)
	}
}

// SignerServer is the server side of the signing service.
type SignerServer interface {
	Signer
}

// RegisterServer exposes impl on s under ServiceName.
func RegisterServer(s grpc.ServiceRegistrar, impl Signer) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SignerServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Sign",
		Handler:    signHandler,
	}},
	Metadata: "relayd/signer.proto",
}

func signHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, in any) (any, error) {
		return serveSign(ctx, srv.(Signer), in.(*structpb.Struct))
	}
	if interceptor == nil {
		return handle(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SignMethod}
	return interceptor(ctx, req, info, handle)
}

func serveSign(ctx context.Context, impl Signer, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	fields := req.GetFields()
	alg, err := digest.Parse(fields["algorithm"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sum, err := base64.StdEncoding.DecodeString(fields["digest"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "digest is not base64")
	}
	sig, err := impl.Sign(ctx, alg, sum, fields["key_id"].GetStringValue())
	switch {
	case err == nil:
		return wrapperspb.Bytes(sig), nil
	case errors.Is(err, ErrUnknownKey):
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if st, ok := status.FromError(err); ok {
		return nil, st.Err()
	}
	return nil, status.Error(codes.Internal, err.Error())
}
