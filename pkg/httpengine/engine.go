// Package httpengine executes streams as HTTP exchanges using
// net/http. It is the in-process engine, and the gateway's default
// upstream engine.
//
// Request targeting comes from pseudo-headers: :method, :authority and
// :path are required, :scheme defaults to http. Plain HTTP cannot
// carry everything the stream model can: metadata blocks are dropped
// with a log line, request trailers reach the peer only for keys
// announced in a Trailer header, and header order is preserved within
// a key but not across keys (net/http stores headers in a map).
package httpengine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/streambridge/streambridge/pkg/engine"
)

const (
	defaultDialTimeout           = 30 * time.Second
	defaultMaxIdleConns          = 100
	defaultIdleConnTimeout       = 90 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultExpectContinueTimeout = 1 * time.Second

	// defaultWriteQueueSize caps buffered request body chunks per
	// stream. A full queue means the upstream is not consuming; the
	// send fails and the dispatcher resets the stream.
	defaultWriteQueueSize = 64

	// readBufferSize is the response body read granularity.
	readBufferSize = 32 * 1024
)

// CertificateProvider supplies the root CAs used to verify https
// upstreams.
type CertificateProvider interface {
	GetRootCAs() (*x509.CertPool, error)
}

// Config carries the engine's knobs. The zero value of every field
// selects a sensible default.
type Config struct {
	// DialTimeout bounds upstream TCP connects. Default 30s.
	DialTimeout time.Duration

	// Connection pool tuning, passed through to http.Transport.
	MaxIdleConns          int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration

	// DisableHTTP2 turns off the HTTP/2 upgrade. HTTP/2 is on by
	// default: it gives true full-duplex streams when the upstream
	// supports it.
	DisableHTTP2 bool

	// CertificateProvider supplies root CAs for https upstreams.
	// Optional; ignored when TLSClientConfig is set.
	CertificateProvider CertificateProvider

	// TLSClientConfig is used verbatim for https upstreams. Optional.
	TLSClientConfig *tls.Config

	// WriteQueueSize caps buffered request body chunks per stream.
	WriteQueueSize int

	// Transport overrides the built transport entirely. Tests mostly.
	Transport http.RoundTripper
}

// DefaultConfig returns a Config with every knob at its default.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:           defaultDialTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ExpectContinueTimeout: defaultExpectContinueTimeout,
		WriteQueueSize:        defaultWriteQueueSize,
	}
}

// Engine implements engine.Engine over net/http.
type Engine struct {
	client    *http.Client
	queueSize int

	baseCtx context.Context
	cancel  context.CancelFunc
}

var _ engine.Engine = (*Engine)(nil)

// New builds an engine. Streams are children of ctx: cancelling it
// aborts everything in flight.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	queueSize := cfg.WriteQueueSize
	if queueSize <= 0 {
		queueSize = defaultWriteQueueSize
	}

	rt := cfg.Transport
	if rt == nil {
		tr, err := buildTransport(cfg)
		if err != nil {
			return nil, err
		}
		rt = tr
	}

	baseCtx, cancel := context.WithCancel(ctx)
	return &Engine{
		client: &http.Client{
			Transport: rt,
			// Redirects are stream events for the caller to see, not
			// something to chase transparently.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		queueSize: queueSize,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}, nil
}

func buildTransport(cfg *Config) (*http.Transport, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	idleTimeout := cfg.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}
	handshakeTimeout := cfg.TLSHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultTLSHandshakeTimeout
	}
	continueTimeout := cfg.ExpectContinueTimeout
	if continueTimeout <= 0 {
		continueTimeout = defaultExpectContinueTimeout
	}

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   handshakeTimeout,
		ExpectContinueTimeout: continueTimeout,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}

	switch {
	case cfg.TLSClientConfig != nil:
		tr.TLSClientConfig = cfg.TLSClientConfig
	case cfg.CertificateProvider != nil:
		roots, err := cfg.CertificateProvider.GetRootCAs()
		if err != nil {
			return nil, fmt.Errorf("httpengine: load root CAs: %w", err)
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: roots}
	}
	return tr, nil
}

// NewStream implements engine.Engine. The stream is inert until
// SendHeaders.
func (e *Engine) NewStream(cb engine.StreamCallbacks) (engine.Stream, error) {
	if err := e.baseCtx.Err(); err != nil {
		return nil, engine.ErrEngineUnavailable
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	return &httpStream{
		eng:    e,
		cb:     cb,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Close aborts every in-flight stream and releases pooled
// connections. The engine is unusable afterwards.
func (e *Engine) Close() {
	e.cancel()
	e.client.CloseIdleConnections()
}

var errLocalClosed = errors.New("httpengine: local side already closed")
