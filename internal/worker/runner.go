// Package worker executes distributed tasks handed to this node.
package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rishansujesh/jobcluster/internal/distributed"
	"github.com/rishansujesh/jobcluster/internal/worker/handlers"
)

var ErrUnknownHandler = errors.New("unknown task handler")

// Payload is the generic task body understood by the built-in handlers.
type Payload struct {
	Handler string          `json:"handler"`
	Args    json.RawMessage `json:"args"`
}

// Runner dispatches a task to the runner registered for its job, falling back
// to the shell and http handlers selected by the payload.
type Runner struct {
	log logrus.FieldLogger

	mu   sync.RWMutex
	jobs map[string]distributed.TaskRunner
}

func NewRunner(log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		log:  log.WithField("component", "worker"),
		jobs: make(map[string]distributed.TaskRunner),
	}
}

// Handle registers a job-specific runner, replacing any earlier one.
func (r *Runner) Handle(jobName string, tr distributed.TaskRunner) {
	r.mu.Lock()
	r.jobs[jobName] = tr
	r.mu.Unlock()
}

func (r *Runner) RunTask(ctx context.Context, task distributed.Task) error {
	r.mu.RLock()
	tr, ok := r.jobs[task.JobName]
	r.mu.RUnlock()
	if ok {
		return tr.RunTask(ctx, task)
	}

	var p Payload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return errors.Wrapf(err, "task %s: payload", task.ID)
	}
	log := r.log.WithFields(logrus.Fields{"job": task.JobName, "task": task.ID, "handler": p.Handler})

	var (
		res handlers.Result
		err error
	)
	switch p.Handler {
	case "shell":
		var a handlers.ShellArgs
		if err := decodeArgs(p.Args, &a); err != nil {
			return err
		}
		res, err = handlers.RunShell(ctx, a)
	case "http":
		var a handlers.HTTPArgs
		if err := decodeArgs(p.Args, &a); err != nil {
			return err
		}
		res, err = handlers.RunHTTP(ctx, a)
	default:
		return errors.Wrapf(ErrUnknownHandler, "task %s: %q", task.ID, p.Handler)
	}
	if err != nil {
		log.WithError(err).WithField("retryable", res.Retryable).Warn("task failed")
		return err
	}
	log.WithField("status", res.Status).Debug("task done")
	return nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("task payload has no args")
	}
	return errors.Wrap(json.Unmarshal(raw, v), "task args")
}
