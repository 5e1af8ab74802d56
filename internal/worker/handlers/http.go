package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// maxBody bounds how much of a response body is kept.
const maxBody = 64 << 10

// HTTPArgs is the payload of an "http" task. Attempts above one retry
// retryable failures with exponential backoff inside the task's timeout.
type HTTPArgs struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         any               `json:"body,omitempty"`
	TimeoutMS    int               `json:"timeout_ms,omitempty"`
	RetryOnCodes []int             `json:"retry_on_codes,omitempty"`
	Attempts     int               `json:"attempts,omitempty"`
}

func RunHTTP(ctx context.Context, a HTTPArgs) (Result, error) {
	if a.Method == "" {
		a.Method = http.MethodGet
	}
	if a.URL == "" {
		return Result{}, errors.New("http: url required")
	}
	to := time.Duration(a.TimeoutMS) * time.Millisecond
	if to <= 0 {
		to = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	var payload []byte
	if a.Body != nil {
		var err error
		if payload, err = json.Marshal(a.Body); err != nil {
			return Result{}, errors.Wrap(err, "http: body")
		}
	}

	var res Result
	call := func() error {
		var err error
		res, err = a.once(ctx, payload)
		if err != nil && !res.Retryable {
			return backoff.Permanent(err)
		}
		return err
	}
	var b backoff.BackOff = backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if a.Attempts > 1 {
		b = backoff.WithMaxRetries(b, uint64(a.Attempts-1))
	} else {
		b = &backoff.StopBackOff{}
	}
	return res, backoff.Retry(call, b)
}

func (a HTTPArgs) once(ctx context.Context, payload []byte) (Result, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, a.Method, a.URL, body)
	if err != nil {
		return Result{}, errors.Wrap(err, "http: new request")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	if payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{Retryable: true}, errors.Wrap(err, "http")
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	res := Result{Output: string(out), Status: resp.StatusCode}
	if resp.StatusCode/100 == 2 {
		return res, nil
	}
	for _, c := range a.RetryOnCodes {
		if resp.StatusCode == c {
			res.Retryable = true
			break
		}
	}
	return res, errors.Errorf("http: status %d", resp.StatusCode)
}
