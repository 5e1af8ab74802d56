package server

import (
	"context"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/pkg/errors"
)

// Handler routes the admin API on a gateway ServeMux.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux(runtime.WithUnescapingMode(runtime.UnescapingModeAllExceptReserved))
	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/jobs", s.listJobs},
		{http.MethodPatch, "/v1/jobs/{name}", s.authorized(s.updateJob)},
		{http.MethodGet, "/v1/jobnodes", s.listJobNodes},
		{http.MethodPatch, "/v1/jobnodes/{id}", s.authorized(s.updateJobNode)},
		{http.MethodGet, "/v1/trackers", s.trackers},
		{http.MethodGet, "/v1/locks", s.locks},
		{http.MethodGet, "/v1/nodes", s.nodes},
		{http.MethodGet, "/healthz", s.healthz},
		{http.MethodGet, "/readyz", s.readyz},
		{http.MethodGet, "/role", s.role},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return nil, errors.Wrapf(err, "route %s %s", rt.method, rt.path)
		}
	}
	if s.d.Metrics != nil {
		m := s.d.Metrics.Handler()
		if err := mux.HandlePath(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			m.ServeHTTP(w, r)
		}); err != nil {
			return nil, errors.Wrap(err, "route /metrics")
		}
	}
	return mux, nil
}

// Serve runs the admin API on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	h, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.WithField("addr", addr).Info("admin API listening")

	select {
	case err := <-errc:
		return errors.Wrap(err, "admin API")
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
