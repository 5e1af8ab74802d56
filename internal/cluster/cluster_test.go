package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type echoReq struct {
	Text string `json:"text"`
}

type echoResp struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Served string `json:"served"`
}

func echoMux(name string) *Mux {
	m := NewMux(nil)
	Handle(m, "echo", func(_ context.Context, source string, req echoReq) (echoResp, error) {
		return echoResp{Text: req.Text, Source: source, Served: name}, nil
	})
	Handle(m, "fail", func(context.Context, string, echoReq) (*echoResp, error) {
		return nil, errors.New("handler exploded")
	})
	Handle(m, "nothing", func(context.Context, string, echoReq) (*echoResp, error) {
		return nil, nil
	})
	Handle(m, "slow", func(ctx context.Context, _ string, _ echoReq) (*echoResp, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return m
}

func twoNodes(t *testing.T) (*Client, *Client) {
	t.Helper()
	net := NewLocalNetwork()
	muxA, muxB := echoMux("a"), echoMux("b")
	net.Join("a", muxA)
	net.Join("b", muxB)
	a := NewClient(NewStaticResolver("a", "b", "b"), muxA, net, nil)
	b := NewClient(NewStaticResolver("b", "b", "a"), muxB, net, nil)
	return a, b
}

func TestCallMasterRoutesToElectedNode(t *testing.T) {
	a, b := twoNodes(t)
	var out echoResp
	require.NoError(t, a.Call(context.Background(), Master, "echo", echoReq{Text: "hi"}, &out))
	assert.Equal(t, echoResp{Text: "hi", Source: "a", Served: "b"}, out)

	// The master calling itself is served locally.
	require.NoError(t, b.Call(context.Background(), Master, "echo", echoReq{Text: "self"}, &out))
	assert.Equal(t, "b", out.Served)
	assert.Equal(t, "b", out.Source)
}

func TestCallErrors(t *testing.T) {
	a, _ := twoNodes(t)
	ctx := context.Background()

	err := a.Call(ctx, Master, "missing", echoReq{}, &echoResp{})
	assert.True(t, errors.Is(err, ErrUnknownKind), "%v", err)

	err = a.Call(ctx, Master, "fail", echoReq{}, &echoResp{})
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "%v", err)
	assert.Equal(t, "b", remote.Node)

	err = a.Call(ctx, Master, "nothing", echoReq{}, &echoResp{})
	assert.True(t, errors.Is(err, ErrNoResponse), "%v", err)

	err = a.Call(ctx, Node("zz"), "echo", echoReq{}, &echoResp{})
	assert.True(t, errors.Is(err, ErrMalformedTarget), "%v", err)
	assert.True(t, IsConfigurationError(err))

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = a.Call(tctx, Master, "slow", echoReq{}, &echoResp{})
	assert.True(t, errors.Is(err, ErrNoResponse), "%v", err)
	assert.False(t, IsConfigurationError(err))
}

func TestCallBeforeMasterElected(t *testing.T) {
	net := NewLocalNetwork()
	c := NewClient(NewStaticResolver("a", ""), echoMux("a"), net, nil)
	err := c.Call(context.Background(), Master, "echo", echoReq{}, &echoResp{})
	assert.True(t, errors.Is(err, ErrNotInitialized), "%v", err)
}

func TestBroadcast(t *testing.T) {
	a, _ := twoNodes(t)
	res := a.Broadcast(context.Background(), "echo", echoReq{Text: "all"})
	require.Len(t, res, 2)
	assert.NoError(t, res["a"])
	assert.NoError(t, res["b"])
}

func TestGRPCTransportRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewServer(echoMux("remote"), nil).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	tr := NewGRPCTransport(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	defer tr.Close()

	res := NewStaticResolver("local", "remote")
	res.SetAddress("remote", "bufnet:1")
	c := NewClient(res, echoMux("local"), tr, nil)

	var out echoResp
	require.NoError(t, c.Call(context.Background(), Master, "echo", echoReq{Text: "over grpc"}, &out))
	assert.Equal(t, echoResp{Text: "over grpc", Source: "local", Served: "remote"}, out)

	res.SetAddress("remote", "not-an-address")
	err := c.Call(context.Background(), Master, "echo", echoReq{}, &out)
	assert.True(t, errors.Is(err, ErrMalformedTarget), "%v", err)
}
