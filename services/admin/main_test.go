package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	method, path, query, auth string
	body                      map[string]any
}

func fakeAPI(t *testing.T, status int) (*httptest.Server, *[]seen) {
	var calls []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, path: r.URL.EscapedPath(), query: r.URL.RawQuery, auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&s.body)
		}
		calls = append(calls, s)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func run(t *testing.T, api string, args ...string) (string, error) {
	t.Helper()
	c := newCLI()
	var out bytes.Buffer
	c.root.SetOut(&out)
	c.root.SetArgs(append([]string{"--api=" + api, "--token=secret"}, args...))
	err := c.root.Execute()
	return out.String(), err
}

func TestJobsCommands(t *testing.T) {
	srv, calls := fakeAPI(t, http.StatusOK)

	out, err := run(t, srv.URL, "jobs", "list", "--name", "orders")
	require.NoError(t, err)
	assert.Contains(t, out, `"ok": true`)

	_, err = run(t, srv.URL, "jobs", "disable", "Unlock old locks")
	require.NoError(t, err)

	require.Len(t, *calls, 2)
	assert.Equal(t, "GET", (*calls)[0].method)
	assert.Equal(t, "name=orders", (*calls)[0].query)
	assert.Equal(t, "PATCH", (*calls)[1].method)
	assert.Equal(t, "/v1/jobs/Unlock%20old%20locks", (*calls)[1].path)
	assert.Equal(t, "Bearer secret", (*calls)[1].auth)
	assert.Equal(t, map[string]any{"enabled": false}, (*calls)[1].body)
}

func TestJobNodesSetSendsOnlyChangedFields(t *testing.T) {
	srv, calls := fakeAPI(t, http.StatusOK)

	_, err := run(t, srv.URL, "jobnodes", "set", "7", "--task-limit", "4")
	require.NoError(t, err)
	_, err = run(t, srv.URL, "jobnodes", "set", "7", "--schedule", "*/5 * * * *", "--schedule-type", "CRON")
	require.NoError(t, err)

	require.Len(t, *calls, 2)
	assert.Equal(t, "/v1/jobnodes/7", (*calls)[0].path)
	assert.Equal(t, map[string]any{"task_limit": float64(4)}, (*calls)[0].body)
	assert.Equal(t, map[string]any{"schedule": map[string]any{"type": "CRON", "expression": "*/5 * * * *"}}, (*calls)[1].body)

	_, err = run(t, srv.URL, "jobnodes", "set", "7")
	assert.EqualError(t, err, "nothing to change")
	_, err = run(t, srv.URL, "jobnodes", "set", "seven", "--enabled=false")
	assert.Error(t, err)
	assert.Len(t, *calls, 2)
}

func TestErrorStatusFails(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusUnauthorized)
	_, err := run(t, srv.URL, "locks", "list")
	assert.ErrorContains(t, err, "401")
}
