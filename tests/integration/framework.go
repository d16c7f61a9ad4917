package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/onsi/ginkgo/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/streambridge/streambridge/internal/certutil"
	"github.com/streambridge/streambridge/pkg/dispatcher"
	"github.com/streambridge/streambridge/pkg/gateway"
	"github.com/streambridge/streambridge/pkg/grpcengine"
	"github.com/streambridge/streambridge/pkg/httpengine"
	"github.com/streambridge/streambridge/pkg/stream"
)

// TestingInterface defines the interface for both testing.T and Ginkgo
type TestingInterface interface {
	Errorf(format string, args ...interface{})
	Logf(format string, args ...interface{})
}

// TestFramework provides a complete testing environment for integration
// tests: one gateway over a real HTTP upstream engine, any number of
// tunnel clients, and local backends that record what they serve.
type TestFramework struct {
	t      TestingInterface
	ctx    context.Context
	cancel context.CancelFunc

	clients  map[string]*TestClient
	backends map[string]*Backend
	routes   *routeTable
	mu       sync.RWMutex

	gw          *gateway.Server
	gwCancel    context.CancelFunc
	gwDone      chan error
	gatewayAddr string
	upstream    *httpengine.Engine

	useTLS bool
	bundle *certutil.Bundle
}

// NewTestFramework creates a new test framework instance
func NewTestFramework(t TestingInterface, useTLS bool) *TestFramework {
	ctx, cancel := context.WithCancel(context.Background())

	return &TestFramework{
		t:        t,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[string]*TestClient),
		backends: make(map[string]*Backend),
		routes:   newRouteTable(),
		useTLS:   useTLS,
	}
}

// NewTestFrameworkWithTestingT creates a new test framework instance with testing.T
func NewTestFrameworkWithTestingT(t *testing.T, useTLS bool) *TestFramework {
	return NewTestFramework(t, useTLS)
}

// GinkgoTestingAdapter adapts Ginkgo's GinkgoTInterface to our TestingInterface
type GinkgoTestingAdapter struct {
	ginkgo.GinkgoTInterface
}

func (g *GinkgoTestingAdapter) Errorf(format string, args ...interface{}) {
	g.GinkgoTInterface.Errorf(format, args...)
}

func (g *GinkgoTestingAdapter) Logf(format string, args ...interface{}) {
	g.GinkgoTInterface.Logf(format, args...)
}

// NewTestFrameworkWithGinkgo creates a new test framework instance with Ginkgo
func NewTestFrameworkWithGinkgo(useTLS bool) *TestFramework {
	return NewTestFramework(&GinkgoTestingAdapter{ginkgo.GinkgoT()}, useTLS)
}

// Setup starts the gateway on a random port and waits until it accepts
// tunnels.
func (f *TestFramework) Setup() error {
	if err := f.startGateway("127.0.0.1:0"); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	return nil
}

// Cleanup tears down the test environment
func (f *TestFramework) Cleanup() {
	// Cancel the framework context first so clients stop reconnecting.
	f.cancel()

	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[string]*TestClient)
	backends := f.backends
	f.backends = make(map[string]*Backend)
	gw, done := f.gw, f.gwDone
	upstream := f.upstream
	f.gw = nil
	f.upstream = nil
	f.mu.Unlock()

	for name, client := range clients {
		klog.InfoS("Stopping test client", "name", name)
		_ = client.Stop()
	}

	for name, backend := range backends {
		klog.InfoS("Stopping backend", "name", name)
		backend.Stop()
	}

	if gw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			f.t.Errorf("gateway did not stop during cleanup")
		}
	}
	if upstream != nil {
		upstream.Close()
	}
}

// GatewayAddress returns the address tunnel clients connect to.
func (f *TestFramework) GatewayAddress() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.gatewayAddr
}

// Gateway returns the running gateway server, or nil when stopped.
func (f *TestFramework) Gateway() *gateway.Server {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.gw
}

// RouteAuthority maps an authority to a backend address. Streams for
// authorities with no route are rejected, which their clients observe
// as a reset.
func (f *TestFramework) RouteAuthority(authority, target string) {
	f.routes.Set(authority, target)
}

// startGateway brings a gateway up on addr and records its concrete
// listen address.
func (f *TestFramework) startGateway(addr string) error {
	if f.useTLS && f.bundle == nil {
		bundle, err := certutil.Generate()
		if err != nil {
			return fmt.Errorf("failed to generate test certificates: %w", err)
		}
		f.bundle = bundle
	}

	upstream, err := httpengine.New(f.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to create upstream engine: %w", err)
	}

	config := &gateway.Config{
		GRPCListenAddress: addr,
		Engine:            upstream,
		Router:            f.routes,
		StreamIdleTimeout: time.Minute,
	}
	if f.useTLS {
		tlsConfig, err := f.bundle.ServerTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to build server TLS config: %w", err)
		}
		config.TLSConfig = tlsConfig
		klog.InfoS("Configuring gateway with TLS")
	}

	gw, err := gateway.New(config)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	gwCtx, gwCancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() {
		err := gw.Run(gwCtx)
		if err != nil && f.ctx.Err() == nil && gwCtx.Err() == nil {
			f.t.Errorf("Gateway failed: %v", err)
		}
		done <- err
	}()

	if err := wait.PollUntilContextTimeout(f.ctx, 100*time.Millisecond, 5*time.Second, true,
		func(context.Context) (bool, error) { return gw.Ready(), nil }); err != nil {
		gwCancel()
		<-done
		upstream.Close()
		return fmt.Errorf("gateway failed to become ready: %w", err)
	}

	f.mu.Lock()
	f.gw = gw
	f.gwCancel = gwCancel
	f.gwDone = done
	f.gatewayAddr = gw.GRPCAddress()
	f.upstream = upstream
	f.mu.Unlock()
	return nil
}

// StopGateway shuts the gateway down but keeps its concrete address
// recorded, so RestartGateway brings it back where clients expect it.
func (f *TestFramework) StopGateway() error {
	f.mu.Lock()
	gw, cancel, done := f.gw, f.gwCancel, f.gwDone
	upstream := f.upstream
	f.gw = nil
	f.upstream = nil
	f.mu.Unlock()

	if gw == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("gateway did not stop")
	}
	upstream.Close()
	return nil
}

// RestartGateway starts a fresh gateway on the address the stopped one
// used.
func (f *TestFramework) RestartGateway() error {
	f.mu.RLock()
	addr := f.gatewayAddr
	f.mu.RUnlock()
	if addr == "" {
		return fmt.Errorf("gateway was never started")
	}
	return f.startGateway(addr)
}

// GetGRPCListener creates a new gRPC listener for custom testing
func (f *TestFramework) GetGRPCListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

// CreateClient starts a tunnel client engine with its own dispatcher
// and waits for the tunnel to come up.
func (f *TestFramework) CreateClient(name string) (*TestClient, error) {
	f.mu.RLock()
	gatewayAddr := f.gatewayAddr
	bundle := f.bundle
	f.mu.RUnlock()
	if gatewayAddr == "" {
		return nil, fmt.Errorf("gateway is not running")
	}

	config := &grpcengine.Config{
		GatewayAddress: gatewayAddr,
		ClientName:     name,
		BackoffFactory: func() backoff.BackOff {
			// Use a shorter backoff for tests to avoid hanging
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 1 * time.Second
			return b
		},
	}

	if f.useTLS {
		clientTLSConfig, err := bundle.ClientTLSConfig("localhost")
		if err != nil {
			return nil, fmt.Errorf("failed to build client TLS config: %w", err)
		}
		config.DialOptions = append(config.DialOptions,
			grpc.WithTransportCredentials(credentials.NewTLS(clientTLSConfig)))
	} else {
		config.DialOptions = append(config.DialOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	eng, err := grpcengine.New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create client engine: %w", err)
	}
	d, err := dispatcher.New(&dispatcher.Config{Engine: eng, Name: name})
	if err != nil {
		return nil, fmt.Errorf("failed to create client dispatcher: %w", err)
	}

	ctx, cancel := context.WithCancel(f.ctx)
	client := &TestClient{
		name:       name,
		engine:     eng,
		dispatcher: d,
		cancel:     cancel,
		runDone:    make(chan error, 1),
	}
	go func() {
		client.runDone <- eng.Run(ctx)
	}()

	if err := client.AwaitReady(f.ctx); err != nil {
		_ = client.Stop()
		return nil, fmt.Errorf("client %s failed to connect: %w", name, err)
	}

	f.mu.Lock()
	f.clients[name] = client
	f.mu.Unlock()
	return client, nil
}

// TestClient is one tunnel client: a remote engine plus the dispatcher
// that multiplexes requests onto it.
type TestClient struct {
	name       string
	engine     *grpcengine.Engine
	dispatcher *dispatcher.Dispatcher
	cancel     context.CancelFunc
	runDone    chan error
	nextHandle atomic.Int64

	stopOnce sync.Once
	stopErr  error
}

// Ready reports whether the client's tunnel is currently up.
func (c *TestClient) Ready() bool {
	return c.engine.Ready()
}

// AwaitReady blocks until the tunnel is up or the deadline passes.
func (c *TestClient) AwaitReady(ctx context.Context) error {
	return wait.PollUntilContextTimeout(ctx, 100*time.Millisecond, 5*time.Second, true,
		func(context.Context) (bool, error) { return c.engine.Ready(), nil })
}

// Stop shuts the client down gracefully and reports how its engine
// loop ended. Idempotent.
func (c *TestClient) Stop() error {
	c.stopOnce.Do(func() {
		c.cancel()
		select {
		case err := <-c.runDone:
			c.stopErr = err
		case <-time.After(5 * time.Second):
			c.stopErr = fmt.Errorf("client %s did not stop", c.name)
		}
		c.dispatcher.Close()
	})
	return c.stopErr
}

// TunnelRequest describes one request sent through the tunnel.
type TunnelRequest struct {
	Method    string
	Authority string
	Path      string
	Headers   stream.Headers
	Body      []byte
	Timeout   time.Duration
}

// TunnelResponse collects everything the tunnel delivered for one
// request.
type TunnelResponse struct {
	Status   int
	Headers  stream.Headers
	Trailers stream.Headers
	Body     []byte
}

// Do sends one request through the tunnel and waits for the response
// to finish. The response is done when its last event carries the
// end-of-stream flag, when trailers arrive, or on the completion
// event; a reset or a timeout is an error. On timeout the stream is
// reset so nothing leaks.
func (c *TestClient) Do(req TunnelRequest) (*TunnelResponse, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	id := c.nextHandle.Add(1)

	var (
		mu       sync.Mutex
		resp     TunnelResponse
		wasReset bool
		once     sync.Once
		done     = make(chan struct{})
	)
	finish := func() { once.Do(func() { close(done) }) }

	observer := stream.ObserverFuncs{
		HeadersFunc: func(_ int64, headers stream.Headers, endStream bool) {
			mu.Lock()
			resp.Headers = headers
			if status := headers.Get(stream.PseudoStatus); status != "" {
				resp.Status, _ = strconv.Atoi(status)
			}
			mu.Unlock()
			if endStream {
				finish()
			}
		},
		DataFunc: func(_ int64, data []byte, endStream bool) {
			mu.Lock()
			resp.Body = append(resp.Body, data...)
			mu.Unlock()
			if endStream {
				finish()
			}
		},
		TrailersFunc: func(_ int64, trailers stream.Headers) {
			mu.Lock()
			resp.Trailers = trailers
			mu.Unlock()
			finish()
		},
		CompleteFunc: func(_ int64) { finish() },
		ResetFunc: func(_ int64) {
			mu.Lock()
			wasReset = true
			mu.Unlock()
			finish()
		},
	}

	if err := c.dispatcher.StartStream(id, observer); err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	headers := stream.NewHeaders(
		stream.PseudoMethod, method,
		stream.PseudoScheme, "http",
		stream.PseudoAuthority, req.Authority,
		stream.PseudoPath, req.Path,
	)
	headers = append(headers, req.Headers...)

	// A send failing with ErrStreamNotFound means the stream already
	// died; its OnReset has fired or is about to, so keep waiting.
	if err := c.dispatcher.SendHeaders(id, headers, len(req.Body) == 0); err != nil && !errors.Is(err, dispatcher.ErrStreamNotFound) {
		return nil, fmt.Errorf("send headers: %w", err)
	}
	if len(req.Body) > 0 {
		if err := c.dispatcher.SendData(id, req.Body, true); err != nil && !errors.Is(err, dispatcher.ErrStreamNotFound) {
			return nil, fmt.Errorf("send data: %w", err)
		}
	}

	select {
	case <-done:
	case <-time.After(timeout):
		_ = c.dispatcher.ResetStream(id)
		return nil, fmt.Errorf("request on stream %d timed out after %v", id, timeout)
	}

	mu.Lock()
	defer mu.Unlock()
	if wasReset {
		return nil, fmt.Errorf("stream %d was reset", id)
	}
	out := resp
	return &out, nil
}

// Backend is a local HTTP server that records every request it serves.
type Backend struct {
	listener net.Listener
	server   *http.Server
	addr     string

	mu       sync.RWMutex
	requests []BackendRequest
}

// BackendRequest captures details of received requests
type BackendRequest struct {
	Method    string
	Path      string
	Headers   http.Header
	Body      []byte
	Timestamp time.Time
}

// CreateBackend starts a backend server on a random local port. A nil
// handler answers 200 OK.
func (f *TestFramework) CreateBackend(name string, handler http.HandlerFunc) (*Backend, error) {
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	backend := &Backend{
		listener: listener,
		addr:     listener.Addr().String(),
		requests: make([]BackendRequest, 0),
	}

	// Wrap handler to capture requests
	wrappedHandler := func(w http.ResponseWriter, r *http.Request) {
		backend.mu.Lock()
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		backend.requests = append(backend.requests, BackendRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			Headers:   r.Header.Clone(),
			Body:      body,
			Timestamp: time.Now(),
		})
		backend.mu.Unlock()

		if handler != nil {
			handler(w, r)
		} else {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		}
	}

	backend.server = &http.Server{
		Handler: http.HandlerFunc(wrappedHandler),
	}

	go func() {
		if err := backend.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			f.t.Errorf("Backend %s failed: %v", name, err)
		}
	}()

	f.mu.Lock()
	f.backends[name] = backend
	f.mu.Unlock()
	return backend, nil
}

// Stop stops the backend server
func (b *Backend) Stop() {
	if b.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.server.Shutdown(ctx)
	}
	if b.listener != nil {
		b.listener.Close()
	}
}

// Addr returns the backend's address
func (b *Backend) Addr() string {
	return b.addr
}

// Requests returns all captured requests
func (b *Backend) Requests() []BackendRequest {
	b.mu.RLock()
	defer b.mu.RUnlock()

	requests := make([]BackendRequest, len(b.requests))
	copy(requests, b.requests)
	return requests
}

// ClearRequests clears all captured requests
func (b *Backend) ClearRequests() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = b.requests[:0]
}

// routeTable is the framework's authority routing, shared by every
// gateway incarnation so restarts keep their routes.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]string
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]string)}
}

func (r *routeTable) Set(authority, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[authority] = target
}

func (r *routeTable) Route(authority string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	target, ok := r.routes[authority]
	if !ok {
		return "", fmt.Errorf("no route for authority %q", authority)
	}
	return target, nil
}
