// Package apiclient is the shared request path for the CloudCare service APIs.
// Every call is bounded by a timeout, negotiates JSON by Content-Type and
// normalises failures into the typed errors in errors.go.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout applies when no WithTimeout option is given
const DefaultTimeout = 30 * time.Second

// Observer is notified after every request. status is 0 when no response was
// received.
type Observer func(method, path string, status int, elapsed time.Duration, err error)

// Option configures a Client
type Option func(*Client)

// WithHeaders adds default headers sent on every request
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the underlying transport client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithObserver installs a per-request hook, used for metrics
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// Client issues request/response calls against one service base URL
type Client struct {
	baseURL    string
	headers    map[string]string
	timeout    time.Duration
	httpClient *http.Client
	observer   Observer
	rc         *resty.Client
}

// New creates a client for baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: map[string]string{"Content-Type": "application/json"},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient != nil {
		c.rc = resty.NewWithClient(c.httpClient)
	} else {
		c.rc = resty.New()
	}
	c.rc.SetBaseURL(c.baseURL).
		SetTimeout(c.timeout).
		SetHeaders(c.headers)

	return c
}

// BaseURL returns the service base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Timeout returns the per-request timeout
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Get issues a GET; query may be nil
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST with body encoded as JSON; body may be nil
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, nil, body)
}

// Put issues a PUT with body encoded as JSON
func (c *Client) Put(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, nil, body)
}

// Patch issues a PATCH with body encoded as JSON
func (c *Client) Patch(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.do(ctx, http.MethodPatch, path, nil, body)
}

// Delete issues a DELETE
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	req := c.rc.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	logrus.Debugf("%s %s%s", method, c.baseURL, path)
	resp, err := req.Execute(method, path)
	if err != nil {
		err = c.classify(ctx, method, path, err)
		c.observe(method, path, 0, start, err)
		return nil, err
	}

	out, err := c.parse(resp)
	c.observe(method, path, resp.StatusCode(), start, err)
	return out, err
}

func (c *Client) observe(method, path string, status int, start time.Time, err error) {
	if c.observer != nil {
		c.observer(method, path, status, time.Since(start), err)
	}
}

// classify maps transport errors onto the typed taxonomy
func (c *Client) classify(ctx context.Context, method, path string, err error) error {
	full := c.baseURL + path
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Method: method, URL: full, Timeout: c.timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Method: method, URL: full, Timeout: c.timeout, Err: err}
	}
	return &NetworkError{Method: method, URL: full, Err: err}
}

func (c *Client) parse(resp *resty.Response) (*Response, error) {
	status := resp.StatusCode()
	contentType := resp.Header().Get("Content-Type")
	raw := resp.Body()

	if status < 200 || status > 299 {
		return nil, statusError(status, statusText(resp), raw)
	}

	out := &Response{
		StatusCode:  status,
		ContentType: contentType,
		Body:        raw,
	}
	if !out.IsJSON() {
		out.Text = string(raw)
		return out, nil
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out.JSON); err != nil {
		return nil, &ParseError{ContentType: contentType, Err: err}
	}
	return out, nil
}

func statusError(status int, text string, body []byte) *HTTPStatusError {
	e := &HTTPStatusError{
		Status:     status,
		StatusText: text,
		Body:       body,
		Message:    "HTTP " + strconv.Itoa(status) + ": " + text,
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return e
	}
	if msg := messageField(payload["detail"]); msg != "" {
		e.Message = msg
	} else if msg := messageField(payload["message"]); msg != "" {
		e.Message = msg
	} else {
		e.Message = "Request failed"
	}
	return e
}

// messageField renders a detail/message value; FastAPI validation errors put
// a list under detail.
func messageField(v interface{}) string {
	switch m := v.(type) {
	case nil:
		return ""
	case string:
		return m
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func statusText(resp *resty.Response) string {
	// Status() is "404 Not Found"
	if s := resp.Status(); s != "" {
		if i := strings.IndexByte(s, ' '); i >= 0 {
			return s[i+1:]
		}
	}
	return http.StatusText(resp.StatusCode())
}
