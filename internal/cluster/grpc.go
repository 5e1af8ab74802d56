package cluster

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The service carries JSON envelopes inside a BytesValue, so no generated stubs are needed.
const (
	serviceName = "jobcluster.v1.Cluster"
	callMethod  = "/" + serviceName + "/Call"
)

// CallServer is the server side of the cluster service.
type CallServer interface {
	Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CallServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobcluster/v1/cluster.proto",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CallServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CallServer).Call(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes a Mux over gRPC.
type Server struct {
	mux *Mux
	log logrus.FieldLogger
}

func NewServer(mux *Mux, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{mux: mux, log: log}
}

// Register attaches the cluster service to a gRPC server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req Envelope
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode envelope: %v", err)
	}
	resp := s.mux.Dispatch(ctx, req)
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode envelope: %v", err)
	}
	return wrapperspb.Bytes(b), nil
}

// GRPCTransport dials peers lazily and keeps one connection per address.
type GRPCTransport struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

func NewGRPCTransport(opts ...grpc.DialOption) *GRPCTransport {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCTransport{conns: make(map[string]*grpc.ClientConn), opts: opts}
}

func (t *GRPCTransport) conn(addr string) (*grpc.ClientConn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, errors.Wrapf(ErrMalformedTarget, "address %q: %v", addr, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.Dial(addr, t.opts...)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedTarget, "dial %q: %v", addr, err)
	}
	t.conns[addr] = c
	return c, nil
}

func (t *GRPCTransport) RoundTrip(ctx context.Context, addr string, req Envelope) (Envelope, error) {
	c, err := t.conn(addr)
	if err != nil {
		return Envelope{}, err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "encode envelope")
	}
	out := new(wrapperspb.BytesValue)
	if err := c.Invoke(ctx, callMethod, wrapperspb.Bytes(b), out); err != nil {
		if s, ok := status.FromError(err); ok && (s.Code() == codes.DeadlineExceeded || s.Code() == codes.Canceled) {
			return Envelope{}, errors.Wrapf(ErrNoResponse, "%s to %s: %s", req.Kind, addr, s.Message())
		}
		return Envelope{}, errors.Wrapf(err, "%s to %s", req.Kind, addr)
	}
	var resp Envelope
	if err := json.Unmarshal(out.GetValue(), &resp); err != nil {
		return Envelope{}, errors.Wrapf(err, "decode %s response from %s", req.Kind, addr)
	}
	return resp, nil
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for addr, c := range t.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(t.conns, addr)
	}
	return first
}
