package httpclient

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultTimeout    = 15 * time.Second
	DefaultRetryCount = 2
	DefaultRetryBase  = 1 * time.Second
)

// Client wraps resty for HTTP requests to the panel and payment APIs.
// Transport errors and 5xx responses are retried with exponential backoff:
// the n-th retry waits base * 2^(n-1). Requests from Once are never retried.
type Client struct {
	r      *resty.Client
	single *resty.Client
	base   time.Duration
}

// New creates a new HTTP client with sensible defaults.
func New() *Client {
	c := &Client{r: resty.New(), single: resty.New()}
	c.single.SetTimeout(DefaultTimeout)
	c.r.SetTimeout(DefaultTimeout).
		AddRetryCondition(retryable).
		SetRetryAfter(c.backoff)
	return c.WithRetry(DefaultRetryCount, DefaultRetryBase)
}

func retryable(resp *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp != nil && resp.StatusCode() >= http.StatusInternalServerError
}

func (c *Client) backoff(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
	attempt := 1
	if resp != nil && resp.Request != nil && resp.Request.Attempt > 0 {
		attempt = resp.Request.Attempt
	}
	return c.base << (attempt - 1), nil
}

// WithTimeout sets a custom per-attempt timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.r.SetTimeout(d)
		c.single.SetTimeout(d)
	}
	return c
}

// WithRetry sets how many times a failed request is repeated and the first
// backoff interval.
func (c *Client) WithRetry(count int, base time.Duration) *Client {
	if count < 0 {
		count = 0
	}
	if base <= 0 {
		base = DefaultRetryBase
	}
	c.base = base
	c.r.SetRetryCount(count).
		SetRetryWaitTime(base).
		SetRetryMaxWaitTime(base << count)
	return c
}

// WithBaseURL sets the URL relative request paths are resolved against.
func (c *Client) WithBaseURL(url string) *Client {
	c.r.SetBaseURL(url)
	c.single.SetBaseURL(url)
	return c
}

// WithHeader sets a custom header.
func (c *Client) WithHeader(key, value string) *Client {
	c.r.SetHeader(key, value)
	c.single.SetHeader(key, value)
	return c
}

// WithInsecureSkipVerify disables TLS verification.
func (c *Client) WithInsecureSkipVerify() *Client {
	c.r.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	c.single.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	return c
}

// R returns a new request bound to ctx.
func (c *Client) R(ctx context.Context) *resty.Request {
	return c.r.R().SetContext(ctx)
}

// Once returns a request bound to ctx that is sent exactly once. Use it for
// calls that are not safe to repeat, such as creating a resource.
func (c *Client) Once(ctx context.Context) *resty.Request {
	return c.single.R().SetContext(ctx)
}

// GetJSON sends a GET request and decodes a JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, query map[string]string, out interface{}) (*resty.Response, error) {
	req := c.R(ctx).SetResult(out)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	return req.Get(url)
}

// PostJSON sends a POST request with JSON body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, url string, body, out interface{}) (*resty.Response, error) {
	return c.R(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(out).
		Post(url)
}

// Raw returns the underlying resty client for advanced usage.
func (c *Client) Raw() *resty.Client {
	return c.r
}
