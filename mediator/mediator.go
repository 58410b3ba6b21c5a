// Package mediator provides a generic client for authenticated JSON REST
// APIs. A Client holds the host URL, API key and default headers of one
// remote service; Send builds, authenticates and dispatches a single request
// and decodes the JSON response into a typed Result.
package mediator

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// DefaultTimeout bounds every request unless WithTimeout says otherwise.
const DefaultTimeout = 10 * time.Second

var (
	// ErrInvalidHost is returned by New for an empty or unparsable host URL.
	ErrInvalidHost = errors.New("invalid host url")
	// ErrTransport wraps failures to reach the remote service.
	ErrTransport = errors.New("transport failure")
	// ErrDecode wraps failures to decode a response body.
	ErrDecode = errors.New("decoding response")
	// ErrUnexpectedStatus is matched by every *StatusError.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Header is a single request header or query parameter.
type Header struct {
	Key   string
	Value string
}

// Authenticator decorates an outgoing request with credentials. It runs
// before default or explicit headers are applied, so those may override
// anything it sets.
type Authenticator interface {
	SetRequestAuthenticator(req *http.Request, c *Client)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(req *http.Request, c *Client)

func (f AuthenticatorFunc) SetRequestAuthenticator(req *http.Request, c *Client) {
	f(req, c)
}

// NoAuth leaves requests untouched.
var NoAuth Authenticator = AuthenticatorFunc(func(*http.Request, *Client) {})

// Bearer sets "Authorization: Bearer {api key}".
var Bearer Authenticator = AuthenticatorFunc(func(req *http.Request, c *Client) {
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
})

// BasicKey sets "{header}: Basic {api key}". The key is sent as is, not
// base64 encoded as a user:password pair.
func BasicKey(header string) Authenticator {
	return AuthenticatorFunc(func(req *http.Request, c *Client) {
		req.Header.Set(header, "Basic "+c.APIKey())
	})
}

// Client is the per-service state shared by all requests to one host. It
// is safe for concurrent use.
type Client struct {
	base           *url.URL
	auth           Authenticator
	apiKey         *memguard.Enclave
	defaultHeaders []Header
	httpClient     *http.Client
	timeout        time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the key handed to the Authenticator. It is sealed in an
// encrypted enclave and only decrypted while a request is being built.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if key == "" {
			c.apiKey = nil
			return
		}
		c.apiKey = memguard.NewEnclave([]byte(key))
	}
}

// WithDefaultHeaders sets the headers applied to every request that does
// not supply its own header list.
func WithDefaultHeaders(headers ...Header) Option {
	return func(c *Client) {
		c.defaultHeaders = append([]Header(nil), headers...)
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds each request. Zero disables the per-request deadline
// (the context still applies).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Client for hostURL. A nil auth behaves like NoAuth.
func New(hostURL string, auth Authenticator, opts ...Option) (*Client, error) {
	if strings.TrimSpace(hostURL) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidHost)
	}
	base, err := url.Parse(hostURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHost, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) url", ErrInvalidHost, hostURL)
	}
	if auth == nil {
		auth = NoAuth
	}
	c := &Client{
		base:    base,
		auth:    auth,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	c.logger = c.logger.With("component", "mediator", "host", base.Host)
	return c, nil
}

// HostURL returns the configured host URL.
func (c *Client) HostURL() string {
	return c.base.String()
}

// APIKey returns a copy of the API key, or "" when none is configured.
func (c *Client) APIKey() string {
	if c.apiKey == nil {
		return ""
	}
	buf, err := c.apiKey.Open()
	if err != nil {
		c.logger.Error("opening api key enclave", "error", err)
		return ""
	}
	defer buf.Destroy()
	return string(buf.Bytes())
}

// DefaultHeaders returns a copy of the default header list.
func (c *Client) DefaultHeaders() []Header {
	return append([]Header(nil), c.defaultHeaders...)
}
