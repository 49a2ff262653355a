package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
	"golang.org/x/net/publicsuffix"
)

// DefaultHeaders are sent on every request unless the request sets them itself
var DefaultHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Accept":          "application/json, text/plain, */*",
	"Accept-Language": "en-US,en;q=0.9",
}

// Options configure a JarClient
type Options struct {
	Timeout   time.Duration     // Per-call timeout
	Headers   map[string]string // Headers added to every request
	Transport http.RoundTripper // Optional, defaults to http.DefaultTransport
}

// JarClient is an HTTP client that owns exactly one cookie jar
type JarClient struct {
	client  *http.Client
	jar     http.CookieJar
	headers map[string]string
}

// New creates a client with a fresh, empty cookie jar
func New(opts Options) (*JarClient, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	headers := opts.Headers
	if headers == nil {
		headers = DefaultHeaders
	}

	return &JarClient{
		client: &http.Client{
			Jar:       jar,
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
			// The session cookie may come with a redirect; it must stay readable
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		jar:     jar,
		headers: headers,
	}, nil
}

// Factory returns a SessionFactory producing one JarClient per call
func Factory(opts Options) ports.SessionFactory {
	return func() (ports.HTTPSession, error) {
		return New(opts)
	}
}

// Jar returns the client's cookie jar
func (c *JarClient) Jar() http.CookieJar {
	return c.jar
}

// Do sends the request through the jar. Transport failures come back as *core.NetworkError.
func (c *JarClient) Do(req *http.Request) (*http.Response, error) {
	for k, v := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &core.NetworkError{
			Op:      req.Method + " " + req.URL.Path,
			Timeout: isTimeout(req.Context(), err),
			Err:     err,
		}
	}

	return resp, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
