// Package handlers holds the built-in task handlers.
package handlers

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned when a handler outlives its own timeout.
var ErrTimeout = errors.New("handler timed out")

type ShellArgs struct {
	Command    string            `json:"command"`
	Dir        string            `json:"dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

type Result struct {
	Output    string
	Status    int
	Retryable bool
}

func RunShell(ctx context.Context, a ShellArgs) (Result, error) {
	if a.Command == "" {
		return Result{}, errors.New("shell: command required")
	}
	to := time.Duration(a.TimeoutSec) * time.Second
	if to <= 0 {
		to = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", a.Command)
	cmd.Dir = a.Dir
	if len(a.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range a.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	out, err := cmd.CombinedOutput()
	res := Result{Output: string(out)}
	if cmd.ProcessState != nil {
		res.Status = cmd.ProcessState.ExitCode()
	}

	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.Retryable = true
		return res, errors.Wrapf(ErrTimeout, "shell: after %v", to)
	}
	if err != nil {
		return res, errors.Wrapf(err, "shell: output=%q", res.Output)
	}
	return res, nil
}
