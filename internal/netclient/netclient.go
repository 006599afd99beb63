// Package netclient is the outbound HTTP collaborator available to
// controller preload hooks and the API proxy.
package netclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/logging"
)

// DefaultTimeout bounds a request when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBody caps how much of a response body is read.
const DefaultMaxBody = 10 << 20

// Options describes one outbound request.
type Options struct {
	Method  string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response is a fully read response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client sends requests over a shared transport.
type Client struct {
	http    *http.Client
	logger  logging.Logger
	maxBody int64
}

// New creates a client. A nil logger discards output.
func New(logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:  logger.WithComponent("netclient"),
		maxBody: DefaultMaxBody,
	}
}

// WithTransport returns a copy of c that sends through rt.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	cp := *c
	cp.http = &http.Client{Transport: rt}
	return &cp
}

// Send performs the request and reads the whole body.
func (c *Client) Send(ctx context.Context, url string, opts Options) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, errors.ErrCodeValidationFailed,
			fmt.Sprintf("invalid request to %s", url))
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	c.logger.Debug(ctx, "Sending request", "method", method, "url", url)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeNetwork, fmt.Sprintf("%s %s failed", method, url))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeNetwork, fmt.Sprintf("reading response from %s", url))
	}
	c.logger.Debug(ctx, "Received response", "url", url, "status", resp.StatusCode, "bytes", len(data))

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// SendAsync performs the request in the background and reports the outcome
// to done exactly once.
func (c *Client) SendAsync(ctx context.Context, url string, opts Options, done func(*Response, error)) {
	go func() {
		resp, err := c.Send(ctx, url, opts)
		done(resp, err)
	}()
}
