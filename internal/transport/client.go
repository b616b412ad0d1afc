// internal/transport/client.go
package transport

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

	"github.com/rovshanmuradov/tradesync/internal/apierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBodySize = 4 << 20

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	HTTPClient *http.Client
}

// Client sends JSON requests to the remote service. It never retries; it
// only turns network failures into TransportError and hands every HTTP
// response back to the caller.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Request is one HTTP call relative to the base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
	Token  string
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v interface{}) error {
	if v == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

func New(opts Options, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("transport: base url %q must be absolute", opts.BaseURL)
	}

	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		http:    httpClient,
		baseURL: base,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("transport"),
	}, nil
}

// Do performs req. op names the operation in returned errors.
func (c *Client) Do(ctx context.Context, op string, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apierr.Wrap(apierr.ErrTransport, op, fmt.Errorf("rate limiter: %w", err))
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal body: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.resolve(req.Path, req.Query), body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Debug("Request failed",
			zap.String("op", op),
			zap.String("path", req.Path),
			zap.Error(err))
		return nil, apierr.Wrap(apierr.ErrTransport, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, apierr.Wrap(apierr.ErrTransport, op, fmt.Errorf("read body: %w", err))
	}

	c.logger.Debug("Request done",
		zap.String("op", op),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Classify maps a non-2xx response to the error taxonomy: 403 is a policy
// refusal, anything else is a generic API error. It returns nil for 2xx.
// 401 handling is left to callers since its meaning depends on the endpoint.
func Classify(op string, resp *Response) error {
	if resp.OK() {
		return nil
	}
	kind := apierr.ErrAPI
	if resp.Status == http.StatusForbidden {
		kind = apierr.ErrPolicy
	}
	return apierr.FromStatus(kind, op, resp.Status, DetailOf(resp.Body))
}

// DetailOf extracts the server's human readable error from a body shaped
// like {"detail": ...}, {"error": ...} or {"message": ...}.
func DetailOf(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"detail", "error", "message"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return string(raw)
	}
	return ""
}
