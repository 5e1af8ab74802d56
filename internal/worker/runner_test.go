package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishansujesh/jobcluster/internal/distributed"
)

func task(job, payload string) distributed.Task {
	return distributed.Task{ID: "t1", JobName: job, Payload: json.RawMessage(payload)}
}

func TestRunnerDispatch(t *testing.T) {
	r := NewRunner(nil)
	ctx := context.Background()

	require.NoError(t, r.RunTask(ctx, task("any", `{"handler":"shell","args":{"command":"true"}}`)))
	assert.Error(t, r.RunTask(ctx, task("any", `{"handler":"shell","args":{"command":"false"}}`)))

	err := r.RunTask(ctx, task("any", `{"handler":"ftp","args":{}}`))
	assert.True(t, errors.Is(err, ErrUnknownHandler), "%v", err)

	assert.Error(t, r.RunTask(ctx, task("any", `not json`)))
	assert.Error(t, r.RunTask(ctx, task("any", `{"handler":"http"}`)))
}

func TestRunnerJobSpecific(t *testing.T) {
	r := NewRunner(nil)
	var got []string
	r.Handle("orders", distributed.TaskRunnerFunc(func(_ context.Context, t distributed.Task) error {
		got = append(got, t.ID)
		return nil
	}))
	require.NoError(t, r.RunTask(context.Background(), task("orders", `"opaque"`)))
	assert.Equal(t, []string{"t1"}, got)
}
