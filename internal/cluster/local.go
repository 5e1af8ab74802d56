package cluster

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// LocalNetwork is an in-process Transport. Nodes join with their Mux under an address;
// single-node deployments and tests route through it.
type LocalNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*Mux
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{nodes: make(map[string]*Mux)}
}

func (n *LocalNetwork) Join(addr string, mux *Mux) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[addr] = mux
}

func (n *LocalNetwork) Leave(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

func (n *LocalNetwork) RoundTrip(ctx context.Context, addr string, req Envelope) (Envelope, error) {
	n.mu.RLock()
	mux, ok := n.nodes[addr]
	n.mu.RUnlock()
	if !ok {
		return Envelope{}, errors.Errorf("local network: no node listening on %q", addr)
	}
	type result struct{ env Envelope }
	ch := make(chan result, 1)
	go func() { ch <- result{mux.Dispatch(ctx, req)} }()
	select {
	case r := <-ch:
		return r.env, nil
	case <-ctx.Done():
		return Envelope{}, errors.Wrapf(ErrNoResponse, "%s to %s: %v", req.Kind, addr, ctx.Err())
	}
}

// StaticResolver is a fixed membership view. Addresses default to the node name.
type StaticResolver struct {
	mu        sync.RWMutex
	self      string
	master    string
	addresses map[string]string
}

func NewStaticResolver(self, master string, nodes ...string) *StaticResolver {
	r := &StaticResolver{self: self, master: master, addresses: make(map[string]string)}
	r.addresses[self] = self
	for _, n := range nodes {
		r.addresses[n] = n
	}
	if master != "" {
		r.addresses[master] = master
	}
	return r
}

func (r *StaticResolver) SetMaster(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.master = node
}

func (r *StaticResolver) SetAddress(node, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses[node] = addr
}

func (r *StaticResolver) Self() string { return r.self }

func (r *StaticResolver) IsClusterStateInitialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.master != ""
}

func (r *StaticResolver) ResolveMaster(context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.master == "" {
		return "", ErrNotInitialized
	}
	return r.master, nil
}

func (r *StaticResolver) Address(_ context.Context, node string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addresses[node]
	if !ok || addr == "" {
		return "", errors.Wrapf(ErrMalformedTarget, "no address for node %q", node)
	}
	return addr, nil
}

func (r *StaticResolver) Nodes(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.addresses))
	for n := range r.addresses {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}
