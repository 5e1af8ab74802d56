package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// HandlerFunc serves one message kind. source is the calling node.
type HandlerFunc func(ctx context.Context, source string, payload json.RawMessage) (any, error)

// Mux dispatches inbound envelopes to handlers by kind.
type Mux struct {
	mu       sync.RWMutex
	handlers map[Kind]HandlerFunc
	log      logrus.FieldLogger
}

func NewMux(log logrus.FieldLogger) *Mux {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mux{handlers: make(map[Kind]HandlerFunc), log: log}
}

// HandleFunc registers h for kind. Registering a kind twice panics.
func (m *Mux) HandleFunc(kind Kind, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[kind]; ok {
		panic(fmt.Sprintf("cluster: handler for %q already registered", kind))
	}
	m.handlers[kind] = h
}

// Handle registers a typed handler; the payload is decoded into Req.
func Handle[Req, Resp any](m *Mux, kind Kind, fn func(ctx context.Context, source string, req Req) (Resp, error)) {
	m.HandleFunc(kind, func(ctx context.Context, source string, payload json.RawMessage) (any, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, errors.Wrapf(err, "decode %s request", kind)
			}
		}
		return fn(ctx, source, req)
	})
}

// Dispatch runs the handler for req and builds the response envelope. Handler errors
// travel back in the envelope rather than failing the transport.
func (m *Mux) Dispatch(ctx context.Context, req Envelope) Envelope {
	resp := Envelope{ID: req.ID, Kind: req.Kind}
	m.mu.RLock()
	h, ok := m.handlers[req.Kind]
	m.mu.RUnlock()
	if !ok {
		resp.Error = ErrUnknownKind.Error() + ": " + string(req.Kind)
		resp.Code = codeUnknownKind
		return resp
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	out, err := h(ctx, req.Source, req.Payload)
	if err != nil {
		m.log.WithFields(logrus.Fields{"kind": req.Kind, "source": req.Source, "id": req.ID}).
			Debugf("handler failed: %v", err)
		resp.Error = err.Error()
		resp.Code = errorCode(err)
		return resp
	}
	if out == nil {
		return resp
	}
	b, err := json.Marshal(out)
	if err != nil {
		resp.Error = errors.Wrap(err, "encode response").Error()
		return resp
	}
	resp.Payload = b
	return resp
}

const (
	codeUnknownKind    = "unknown_kind"
	codeNotInitialized = "not_initialized"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownKind):
		return codeUnknownKind
	case errors.Is(err, ErrNotInitialized):
		return codeNotInitialized
	default:
		return ""
	}
}
