// Package webclient is the HTTP client shared by the adapters of HTTP(S)
// sources: authentication, rate limiting, retry of transient failures and
// pagination.
package webclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/observability"
	"github.com/quipucords/quipucords/internal/source"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetries       = 3
	DefaultRetryInterval = 500 * time.Millisecond
	maxErrorBody         = 4096
)

// StatusError is a non 2xx response of a source.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Transient reports whether a retry may succeed.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// IsAuth reports whether err is an authentication or authorization failure.
func IsAuth(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden)
}

// Auth decorates outgoing requests with credentials.
type Auth interface {
	Apply(req *http.Request)
}

type BasicAuth struct {
	Username string
	Password string
}

func (a BasicAuth) Apply(req *http.Request) {
	req.SetBasicAuth(a.Username, a.Password)
}

type BearerAuth struct {
	Token string
}

func (a BearerAuth) Apply(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// HeaderAuth sets an arbitrary header, e.g. a vCenter session id.
type HeaderAuth struct {
	Name  string
	Value string
}

func (a HeaderAuth) Apply(req *http.Request) {
	req.Header.Set(a.Name, a.Value)
}

type Options struct {
	BaseURL       string
	Auth          Auth
	Timeout       time.Duration
	VerifyTLS     bool
	UseProxy      bool
	RateLimit     rate.Limit
	Burst         int
	Retries       int
	RetryInterval time.Duration
	Transport     http.RoundTripper
}

// OptionsFor returns the client options of a source, the host being formatted
// for URL use.
func OptionsFor(src model.Source, host string, auth Auth) Options {
	scheme := "https"
	if src.Options.DisableSSL {
		scheme = "http"
	}
	port := src.Port
	if port == 0 {
		port = src.Type.DefaultPort()
	}
	return Options{
		BaseURL:   fmt.Sprintf("%s://%s:%d", scheme, source.FormatHost(host), port),
		Auth:      auth,
		VerifyTLS: src.Options.VerifyTLS(),
		UseProxy:  src.Options.UseProxy,
	}
}

// Tuned returns o with the tuning fields of t, the zero ones excepted:
// timeout, retries, rate limit and transport.
func (o Options) Tuned(t Options) Options {
	if t.Timeout > 0 {
		o.Timeout = t.Timeout
	}
	if t.Retries > 0 {
		o.Retries = t.Retries
	}
	if t.RetryInterval > 0 {
		o.RetryInterval = t.RetryInterval
	}
	if t.RateLimit > 0 {
		o.RateLimit = t.RateLimit
		o.Burst = t.Burst
	}
	if t.Transport != nil {
		o.Transport = t.Transport
	}
	return o
}

type Client struct {
	base          *url.URL
	http          *http.Client
	auth          Auth
	limiter       *rate.Limiter
	retries       int
	retryInterval time.Duration
}

func New(o Options) (*Client, error) {
	base, err := url.Parse(o.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q needs a scheme and a host", o.BaseURL)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.RateLimit <= 0 {
		o.RateLimit = rate.Inf
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	transport := o.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: !o.VerifyTLS} // #nosec G402 -- per source option
		if !o.UseProxy {
			t.Proxy = nil
		}
		transport = t
	}
	return &Client{
		base:          base,
		http:          &http.Client{Timeout: o.Timeout, Transport: transport},
		auth:          o.Auth,
		limiter:       rate.NewLimiter(o.RateLimit, o.Burst),
		retries:       o.Retries,
		retryInterval: o.RetryInterval,
	}, nil
}

// SetAuth replaces the credentials, used after a session login.
func (c *Client) SetAuth(a Auth) {
	c.auth = a
}

// URL resolves path and query against the base url.
func (c *Client) URL(path string, query url.Values) string {
	u := *c.base
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if abs, err := url.Parse(path); err == nil {
			u = *abs
			path = ""
		}
	}
	if path != "" {
		p, rawQuery, _ := strings.Cut(path, "?")
		u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(p, "/")
		u.RawQuery = rawQuery
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Do sends the request, retrying transport errors and transient statuses
// with exponential backoff. Other 4xx statuses are returned immediately as
// *StatusError. The response body is returned on success.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}
	target := c.URL(path, query)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.retries)), ctx)

	var ret []byte
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		b, err := c.do(ctx, method, target, payload)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.Transient() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		ret = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.DebugContext(ctx, "retrying source request",
			slog.String("method", method),
			slog.String("url", target),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}
	return ret, nil
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth.Apply(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observability.SourceRequests.WithLabelValues(c.base.Host, "error").Inc()
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	observability.SourceRequests.WithLabelValues(c.base.Host, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Method: method, URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return io.ReadAll(resp.Body)
}

// Get is Do with GET.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// GetJSON decodes the response of GET path into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	b, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// PostJSON sends body and decodes the response into out, when out is not nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	b, err := c.Do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// ForSource returns a client of the single host of an HTTP source, tuned
// with tune.
func ForSource(src model.Source, auth Auth, tune Options) (*Client, error) {
	if len(src.Hosts) == 0 {
		return nil, source.Failure("source has no host", nil)
	}
	return New(OptionsFor(src, src.Hosts[0], auth).Tuned(tune))
}

// ConnectFailure converts the error of a connect probe into a scan failure.
// Interrupts are returned as their cause.
func ConnectFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if IsAuth(err) {
		return source.Failure("authentication failed", err)
	}
	return source.Failure("unable to connect", err)
}

// Location sends a GET without following redirects and returns the Location
// header of the response. Used by OAuth challenge flows.
func (c *Client) Location(ctx context.Context, target string, query url.Values, auth Auth, header http.Header) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", context.Cause(ctx)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(target, query), nil)
	if err != nil {
		return "", err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	if auth != nil {
		auth.Apply(req)
	}
	hc := *c.http
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	observability.SourceRequests.WithLabelValues(c.base.Host, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode < 300 || resp.StatusCode > 399 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{Method: http.MethodGet, URL: req.URL.String(), Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp.Header.Get("Location"), nil
}
