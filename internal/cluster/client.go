package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Client is the Caller every component uses.
type Client struct {
	resolver  Resolver
	local     *Mux
	transport Transport
	log       logrus.FieldLogger
}

// NewClient routes through resolver. Calls resolved to the local node are served by
// local directly; everything else goes over transport.
func NewClient(resolver Resolver, local *Mux, transport Transport, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{resolver: resolver, local: local, transport: transport, log: log}
}

func (c *Client) Call(ctx context.Context, target Target, kind Kind, req, resp any) error {
	node, err := c.resolve(ctx, target)
	if err != nil {
		return err
	}
	return c.callNode(ctx, node, kind, req, resp)
}

func (c *Client) Broadcast(ctx context.Context, kind Kind, req any) map[string]error {
	nodes, err := c.resolver.Nodes(ctx)
	if err != nil {
		return map[string]error{c.resolver.Self(): err}
	}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]error, len(nodes))
	)
	for _, n := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			err := c.callNode(ctx, node, kind, req, nil)
			mu.Lock()
			out[node] = err
			mu.Unlock()
		}(n)
	}
	wg.Wait()
	return out
}

func (c *Client) resolve(ctx context.Context, target Target) (string, error) {
	if !target.IsMaster() {
		if target.NodeName() == "" {
			return "", errors.Wrap(ErrMalformedTarget, "empty node name")
		}
		return target.NodeName(), nil
	}
	if !c.resolver.IsClusterStateInitialized() {
		return "", ErrNotInitialized
	}
	master, err := c.resolver.ResolveMaster(ctx)
	if err != nil {
		return "", err
	}
	if master == "" {
		return "", errors.Wrap(ErrNotInitialized, "no master elected")
	}
	return master, nil
}

func (c *Client) callNode(ctx context.Context, node string, kind Kind, req, resp any) error {
	env := Envelope{
		ID:     uuid.NewString(),
		Kind:   kind,
		Source: c.resolver.Self(),
	}
	if d, ok := ctx.Deadline(); ok {
		env.Deadline = d
	}
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return errors.Wrapf(err, "encode %s request", kind)
		}
		env.Payload = b
	}

	var (
		out Envelope
		err error
	)
	if node == c.resolver.Self() && c.local != nil {
		out = c.local.Dispatch(ctx, env)
		if ctx.Err() != nil {
			return errors.Wrapf(ErrNoResponse, "%s on %s: %v", kind, node, ctx.Err())
		}
	} else {
		addr, aerr := c.resolver.Address(ctx, node)
		if aerr != nil {
			return aerr
		}
		out, err = c.transport.RoundTrip(ctx, addr, env)
		if err != nil {
			return err
		}
	}
	return decodeResponse(node, kind, out, resp)
}

func decodeResponse(node string, kind Kind, out Envelope, resp any) error {
	if out.Error != "" {
		switch out.Code {
		case codeUnknownKind:
			return errors.Wrapf(ErrUnknownKind, "%s on %s", kind, node)
		case codeNotInitialized:
			return errors.Wrapf(ErrNotInitialized, "%s on %s: %s", kind, node, out.Error)
		}
		return &RemoteError{Node: node, Kind: kind, Message: out.Error}
	}
	if resp == nil {
		return nil
	}
	if len(out.Payload) == 0 || bytes.Equal(out.Payload, []byte("null")) {
		return errors.Wrapf(ErrNoResponse, "%s on %s returned nothing", kind, node)
	}
	if err := json.Unmarshal(out.Payload, resp); err != nil {
		return errors.Wrapf(err, "decode %s response from %s", kind, node)
	}
	return nil
}

// LogCallError logs a failed call at WARN for routing/configuration problems and at
// ERROR for everything else.
func LogCallError(log logrus.FieldLogger, err error, msg string) {
	if IsConfigurationError(err) {
		log.WithError(err).Warn(msg)
		return
	}
	log.WithError(err).Error(msg)
}
