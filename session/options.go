package session

import (
	"crypto/tls"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"
)

// Timeout configuration for the session's own endpoints
const (
	refreshTokenTimeout = 10 * time.Second
	logoutTimeout       = 5 * time.Second
	loginTimeout        = 10 * time.Second
)

type options struct {
	httpClient     *http.Client
	retryClient    *retry.Client
	log            zerolog.Logger
	metrics        *Metrics
	events         Events
	requestTimeout time.Duration
	refreshTimeout time.Duration
	singleFlight   bool
}

// Option configures the controller and the components it builds.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		log:            zerolog.Nop(),
		events:         noopEvents{},
		refreshTimeout: refreshTokenTimeout,
		singleFlight:   true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = NewHTTPClient()
	}
	return o
}

// NewHTTPClient returns the transport used for API and refresh calls.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// WithHTTPClient sets the client for gateway and refresh calls. Those calls
// are never retried on transport errors, so pass a plain client here.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithRetryClient sets the retrying client used for login, register and the
// best-effort logout notification.
func WithRetryClient(c *retry.Client) Option {
	return func(o *options) {
		o.retryClient = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithMetrics records gateway, refresh and teardown outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithEvents reports refresh and retry progress to e.
func WithEvents(e Events) Option {
	return func(o *options) {
		if e != nil {
			o.events = e
		}
	}
}

// WithRequestTimeout bounds every gateway attempt. A timed-out attempt is a
// transport error. Zero leaves requests to the caller's context.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = d
	}
}

// WithRefreshTimeout bounds the refresh-token exchange.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) {
		o.refreshTimeout = d
	}
}

// WithoutSingleFlight lets concurrent refreshes each hit the refresh endpoint.
func WithoutSingleFlight() Option {
	return func(o *options) {
		o.singleFlight = false
	}
}

func (o *options) retrying() (*retry.Client, error) {
	if o.retryClient != nil {
		return o.retryClient, nil
	}
	c, err := retry.NewClient(retry.WithHTTPClient(o.httpClient))
	if err != nil {
		return nil, err
	}
	o.retryClient = c
	return c, nil
}
