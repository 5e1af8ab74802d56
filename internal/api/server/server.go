// Package server is the node's admin HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"github.com/rishansujesh/jobcluster/internal/cluster"
	"github.com/rishansujesh/jobcluster/internal/distributed"
	"github.com/rishansujesh/jobcluster/internal/jobs"
	"github.com/rishansujesh/jobcluster/internal/lock"
	"github.com/rishansujesh/jobcluster/internal/metrics"
	"github.com/rishansujesh/jobcluster/internal/schedule"
	"github.com/rishansujesh/jobcluster/internal/tracker"
)

// Deps are the node components the API reads and mutates. Master and Fetcher
// may be nil.
type Deps struct {
	Repo     jobs.Repository
	Cache    *tracker.Cache
	Locks    *lock.Service
	Master   *distributed.Master
	Fetcher  *distributed.Fetcher
	Resolver cluster.Resolver
	Caller   cluster.Caller
	Metrics  *metrics.Collector
	// Ready reports whether the node finished starting up.
	Ready func() bool
	// Token guards mutations. Empty disables them.
	Token string
	// CallTimeout bounds the tracker reload broadcast.
	CallTimeout time.Duration
	Log         logrus.FieldLogger
}

type Server struct {
	d   Deps
	log logrus.FieldLogger
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	return &Server{d: d, log: d.Log.WithField("component", "api")}
}

/******** Jobs ********/

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	list, err := s.d.Repo.FindJobs(r.Context(), jobs.JobCriteria{Name: r.URL.Query().Get("name")})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

type patchJob struct {
	Enabled     *bool   `json:"enabled"`
	Description *string `json:"description"`
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var req patchJob
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, invalid(err))
		return
	}
	ctx := r.Context()
	found, err := s.d.Repo.FindJobs(ctx, jobs.JobCriteria{Name: p["name"]})
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(found) == 0 {
		s.fail(w, errors.Wrapf(jobs.ErrNotFound, "job %q", p["name"]))
		return
	}
	j := found[0]
	if req.Enabled != nil {
		j.Enabled = *req.Enabled
	}
	if req.Description != nil {
		j.Description = *req.Description
	}
	saved, err := s.d.Repo.SaveJob(ctx, j)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.WithFields(logrus.Fields{"job": saved.Name, "enabled": saved.Enabled}).Info("job updated")
	writeJSON(w, http.StatusOK, map[string]any{"job": saved, "reload": s.reload(ctx)})
}

/******** Job nodes ********/

func (s *Server) listJobNodes(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	list, err := s.d.Repo.FindJobNodes(r.Context(), jobs.JobNodeCriteria{
		Node: q.Get("node"), JobName: q.Get("job"), Type: jobs.Type(q.Get("type")),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_nodes": list})
}

type patchJobNode struct {
	Enabled   *bool              `json:"enabled"`
	Schedule  *schedule.Schedule `json:"schedule"`
	TaskLimit *int               `json:"task_limit"`
}

func (s *Server) updateJobNode(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := strconv.ParseInt(p["id"], 10, 64)
	if err != nil {
		s.fail(w, invalid(err))
		return
	}
	var req patchJobNode
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, invalid(err))
		return
	}
	ctx := r.Context()
	all, err := s.d.Repo.FindJobNodes(ctx, jobs.JobNodeCriteria{})
	if err != nil {
		s.fail(w, err)
		return
	}
	var jn *jobs.JobNode
	for i := range all {
		if all[i].ID == id {
			jn = &all[i]
			break
		}
	}
	if jn == nil {
		s.fail(w, errors.Wrapf(jobs.ErrNotFound, "job node %d", id))
		return
	}
	if req.Enabled != nil {
		jn.Enabled = *req.Enabled
	}
	if req.Schedule != nil {
		jn.Schedule = req.Schedule
	}
	if req.TaskLimit != nil {
		jn.TaskLimit = *req.TaskLimit
	}
	saved, err := s.d.Repo.SaveJobNode(ctx, *jn)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.WithFields(logrus.Fields{"job": saved.JobName, "node": saved.Node, "enabled": saved.Enabled}).Info("job node updated")
	writeJSON(w, http.StatusOK, map[string]any{"job_node": saved, "reload": s.reload(ctx)})
}

// reload asks every node to rebuild its tracker cache and reports failures
// per node.
func (s *Server) reload(ctx context.Context) map[string]string {
	out := map[string]string{}
	if s.d.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.d.CallTimeout)
		defer cancel()
	}
	if s.d.Caller == nil {
		if err := s.d.Cache.Reload(ctx); err != nil {
			out["local"] = err.Error()
		}
		return out
	}
	for node, err := range s.d.Caller.Broadcast(ctx, tracker.KindReload, struct{}{}) {
		if err != nil {
			cluster.LogCallError(s.log.WithField("target", node), err, "tracker reload failed")
			out[node] = err.Error()
		}
	}
	return out
}

/******** Runtime state ********/

func (s *Server) trackers(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	resp := map[string]any{"trackers": s.d.Cache.Views()}
	if s.d.Fetcher != nil {
		resp["fetcher"] = s.d.Fetcher.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) locks(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	leases, err := s.d.Locks.Leases(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leases": leases, "held": s.d.Locks.Held()})
}

func (s *Server) nodes(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx := r.Context()
	members, err := s.d.Resolver.Nodes(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	master, _ := s.d.Resolver.ResolveMaster(ctx)
	resp := map[string]any{"master": master, "members": members}
	if s.d.Master != nil && s.d.Master.IsMaster() {
		resp["workers"] = s.d.Master.Nodes()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) role(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	master, _ := s.d.Resolver.ResolveMaster(r.Context())
	role := "follower"
	if master != "" && master == s.d.Resolver.Self() {
		role = "master"
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": s.d.Resolver.Self(), "role": role, "master": master})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "node": s.d.Resolver.Self()})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	if s.d.Ready != nil && !s.d.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	if !s.d.Resolver.IsClusterStateInitialized() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no master"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

/******** helpers ********/

// authorized checks the bearer token before any mutation runs.
func (s *Server) authorized(h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		if s.d.Token == "" {
			writeError(w, http.StatusForbidden, "admin token not configured")
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.d.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		h(w, r, p)
	}
}

type invalidRequest struct{ error }

func invalid(err error) error { return invalidRequest{err} }

// code maps domain errors onto gRPC codes; the gateway turns those into HTTP
// statuses.
func code(err error) codes.Code {
	var bad invalidRequest
	switch {
	case errors.As(err, &bad),
		errors.Is(err, jobs.ErrInvalidJobNode),
		errors.Is(err, schedule.ErrInvalidExpression):
		return codes.InvalidArgument
	case errors.Is(err, jobs.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, jobs.ErrVersionConflict):
		return codes.Aborted
	case errors.Is(err, cluster.ErrNotInitialized):
		return codes.Unavailable
	case errors.Is(err, cluster.ErrNoResponse):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	c := code(err)
	if c == codes.Internal {
		s.log.WithError(err).Error("admin request failed")
	}
	writeError(w, runtime.HTTPStatusFromCode(c), err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
