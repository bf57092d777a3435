package resilience

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPError marks an upstream status code as a call failure so the retry
// policy and breaker can classify it.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Client is a ready-made HTTP caller wrapped in the full resilience
// pipeline, keyed per target host. 5xx, 408, and 429 statuses count as
// failures (and retry); other statuses are returned to the caller as-is,
// since a 4xx says nothing about the dependency's health.
type Client struct {
	exec *Executor
	http *http.Client
}

// NewClient builds a resilient HTTP client on top of exec. A nil base uses
// a client with conservative pooling defaults.
func NewClient(exec *Executor, base *http.Client) *Client {
	if base == nil {
		base = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{exec: exec, http: base}
}

// Do issues the request under the pipeline for Key{"http", host}. The body
// is a byte slice so every retry attempt gets a fresh reader.
func (c *Client) Do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	key := Key{Service: "http", Operation: u.Host}

	var resp *http.Response
	execErr := c.exec.Execute(ctx, key, func(actx context.Context) error {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		var req *http.Request
		var err error
		if reader != nil {
			req, err = http.NewRequestWithContext(actx, method, rawURL, reader)
		} else {
			req, err = http.NewRequestWithContext(actx, method, rawURL, nil)
		}
		if err != nil {
			return err
		}

		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		switch {
		case r.StatusCode >= http.StatusInternalServerError,
			r.StatusCode == http.StatusRequestTimeout,
			r.StatusCode == http.StatusTooManyRequests:
			r.Body.Close()
			return &HTTPError{StatusCode: r.StatusCode}
		}
		resp = r
		return nil
	})
	if execErr != nil {
		return nil, execErr
	}
	return resp, nil
}
