package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Request describes one call to the remote service.
type Request struct {
	// Endpoint is relative to the client's host URL, usually built with
	// EndpointBuilder.
	Endpoint string
	// Method defaults to GET.
	Method string
	// Body is JSON-encoded for non-GET requests when non-nil.
	Body any
	// Headers, when non-nil, replaces the client's default headers.
	Headers []Header
	// Query parameters, encoded in the order given.
	Query []Header
}

// Result is the outcome of Send. Err is nil on success; Data holds the
// decoded body (the zero value if the body was empty).
type Result[T any] struct {
	Data       T
	StatusCode int
	Err        error
}

// OK reports whether the request succeeded and the body decoded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// StatusError is returned in Result.Err for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, body)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// Send dispatches r through c and decodes a JSON response into T. It never
// panics and never retries; every failure is reported through Result.Err.
func Send[T any](ctx context.Context, c *Client, r Request) Result[T] {
	var res Result[T]

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	target, err := c.resolve(r.Endpoint, r.Query)
	if err != nil {
		res.Err = err
		return res
	}

	var body io.Reader
	if method != http.MethodGet && r.Body != nil {
		payload, err := json.Marshal(r.Body)
		if err != nil {
			res.Err = fmt.Errorf("encoding request body: %w", err)
			return res
		}
		body = bytes.NewReader(payload)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		res.Err = fmt.Errorf("building request: %w", err)
		return res
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.auth.SetRequestAuthenticator(req, c)

	headers := c.defaultHeaders
	if r.Headers != nil {
		headers = r.Headers
	}
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "endpoint", r.Endpoint, "error", err)
		res.Err = fmt.Errorf("%w: %s %s: %w", ErrTransport, method, r.Endpoint, err)
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.logger.Debug("request complete",
		"method", method,
		"endpoint", r.Endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	if err != nil {
		res.Err = fmt.Errorf("%w: reading response: %w", ErrTransport, err)
		return res
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Err = &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		return res
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return res
	}
	if err := json.Unmarshal(data, &res.Data); err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return res
}

// resolve joins the endpoint onto the host URL and appends the query
// parameters in order.
func (c *Client) resolve(endpoint string, query []Header) (string, error) {
	raw := strings.TrimRight(c.base.String(), "/")
	if endpoint != "" {
		raw += "/" + strings.TrimLeft(endpoint, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("resolving endpoint %q: %w", endpoint, err)
	}
	if len(query) > 0 {
		parts := make([]string, 0, len(query))
		if u.RawQuery != "" {
			parts = append(parts, u.RawQuery)
		}
		for _, q := range query {
			parts = append(parts, url.QueryEscape(q.Key)+"="+url.QueryEscape(q.Value))
		}
		u.RawQuery = strings.Join(parts, "&")
	}
	return u.String(), nil
}
