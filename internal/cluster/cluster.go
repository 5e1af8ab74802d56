// Package cluster is the request/response capability nodes use to talk to each other.
//
// A call names a Target (the master role or a specific node) and a message Kind. The
// Client resolves the target through a Resolver, short-circuits calls addressed to the
// local node, and otherwise ships a JSON Envelope over a Transport. Envelopes carry a
// correlation id and an explicit deadline; cancellation travels with the context.
package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedTarget marks routing and configuration problems: an unknown node,
	// a node without an address, or an address that cannot be dialled.
	ErrMalformedTarget = errors.New("malformed cluster target")
	// ErrNotInitialized means cluster membership is not known yet or no master is elected.
	ErrNotInitialized = errors.New("cluster state not initialized")
	// ErrNoResponse covers timeouts and empty responses. Callers treat it as failure.
	ErrNoResponse = errors.New("no response from cluster node")
	// ErrUnknownKind is returned by a node that has no handler for a message kind.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Kind names a message type, e.g. "lock.try".
type Kind string

// Target addresses a call either to the master role or to a named node.
type Target struct {
	master bool
	node   string
}

// Master targets whichever node membership currently designates as master.
var Master = Target{master: true}

// Node targets a specific node by name.
func Node(name string) Target { return Target{node: name} }

func (t Target) IsMaster() bool { return t.master }
func (t Target) NodeName() string { return t.node }

func (t Target) String() string {
	if t.master {
		return "master"
	}
	return "node:" + t.node
}

// Envelope is the wire form of a request or response.
type Envelope struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Source   string          `json:"source"`
	Deadline time.Time       `json:"deadline,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
	// Code classifies Error so the caller can rebuild a sentinel.
	Code string `json:"code,omitempty"`
}

// RemoteError is a handler failure reported by the remote node.
type RemoteError struct {
	Node    string
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string {
	return "cluster call " + string(e.Kind) + " on " + e.Node + ": " + e.Message
}

// Caller performs cluster calls. req is encoded as JSON; resp, when non-nil, is decoded
// from the response payload. A missing response is ErrNoResponse, never success.
type Caller interface {
	Call(ctx context.Context, target Target, kind Kind, req, resp any) error
	// Broadcast calls every known node, the local one included, and returns the
	// per node error (nil on success).
	Broadcast(ctx context.Context, kind Kind, req any) map[string]error
}

// Resolver is the cluster membership view the Client routes with.
type Resolver interface {
	Self() string
	IsClusterStateInitialized() bool
	ResolveMaster(ctx context.Context) (string, error)
	Address(ctx context.Context, node string) (string, error)
	Nodes(ctx context.Context) ([]string, error)
}

// Transport moves an envelope to a node address and returns the response envelope.
type Transport interface {
	RoundTrip(ctx context.Context, addr string, req Envelope) (Envelope, error)
}

// IsConfigurationError reports whether err is a routing/configuration problem rather
// than an unexpected failure.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrMalformedTarget) || errors.Is(err, ErrNotInitialized)
}
