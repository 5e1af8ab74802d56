package handlers

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunShell(t *testing.T) {
	_, err := RunShell(context.Background(), ShellArgs{})
	assert.Error(t, err, "missing command")

	res, err := RunShell(context.Background(), ShellArgs{Command: "echo $GREETING", Env: map[string]string{"GREETING": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Output)
	assert.Equal(t, 0, res.Status)

	res, err = RunShell(context.Background(), ShellArgs{Command: "exit 3"})
	require.Error(t, err)
	assert.Equal(t, 3, res.Status)
	assert.False(t, res.Retryable)
}

func TestRunShellTimeout(t *testing.T) {
	res, err := RunShell(context.Background(), ShellArgs{Command: "sleep 5", TimeoutSec: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "%v", err)
	assert.True(t, res.Retryable)
}
