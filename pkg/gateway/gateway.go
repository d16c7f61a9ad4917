// Package gateway terminates tunnels from remote engines. Each tunnel
// gets its own dispatcher over the gateway's upstream engine: the
// client's stream ids become dispatcher handles, inbound frames become
// dispatcher calls, and observer events are framed back down the
// tunnel.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"k8s.io/klog/v2"

	v1 "github.com/streambridge/streambridge/api/v1"
	"github.com/streambridge/streambridge/pkg/dispatcher"
	"github.com/streambridge/streambridge/pkg/engine"
)

// Config holds all configuration for the gateway server.
type Config struct {
	// GRPCListenAddress is where tunnel clients connect.
	GRPCListenAddress string

	// Engine executes streams on behalf of tunnel clients. Required.
	Engine engine.Engine

	// HeaderProcessor rewrites request headers before upstream
	// dispatch. Optional.
	HeaderProcessor HeaderProcessor

	// Router maps requested authorities to upstream ones. Defaults to
	// the identity.
	Router Router

	// ServerOptions for gRPC server configuration.
	ServerOptions []grpc.ServerOption

	// KeepAliveParams for the gRPC server.
	KeepAliveParams *keepalive.ServerParameters

	// TLSConfig for the gRPC listener. Optional.
	TLSConfig *tls.Config

	// StreamIdleTimeout reaps streams with no traffic for this long.
	// Zero disables the reaper; DefaultConfig sets five minutes.
	StreamIdleTimeout time.Duration

	// OutgoingQueueSize buffers frames per tunnel. Default 1000.
	OutgoingQueueSize int

	// MetricsRegisterer receives the dispatcher metrics shared by all
	// tunnels. Nil leaves them unregistered.
	MetricsRegisterer prometheus.Registerer

	// Clock drives idle tracking. Tests inject a mock.
	Clock clock.Clock
}

// DefaultConfig returns a Config with every knob at its default. The
// Engine must still be filled in.
func DefaultConfig() *Config {
	return &Config{
		GRPCListenAddress: ":8443",
		KeepAliveParams: &keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Second,
			MaxConnectionAge:      30 * time.Second,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  5 * time.Second,
			Timeout:               1 * time.Second,
		},
		StreamIdleTimeout: 5 * time.Minute,
	}
}

// Server accepts tunnels and replays their streams on the upstream
// engine.
type Server struct {
	config        *Config
	grpcServer    *grpc.Server
	tunnelManager *TunnelManager
	grpcListener  net.Listener

	mu      sync.RWMutex
	running bool
	ready   bool
}

// New creates a gateway server.
func New(config *Config) (*Server, error) {
	if config == nil || config.Engine == nil {
		return nil, errors.New("gateway: config with a non-nil Engine is required")
	}

	if config.KeepAliveParams == nil {
		config.KeepAliveParams = &keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 5 * time.Second,
		}
	}
	serverOpts := append(config.ServerOptions, grpc.KeepaliveParams(*config.KeepAliveParams))

	if config.TLSConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(config.TLSConfig)))
		klog.InfoS("TLS enabled for gRPC server")
	} else {
		klog.InfoS("TLS not configured for gRPC server - using insecure connection")
	}

	router := config.Router
	if router == nil {
		router = identityRouter{}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	queueSize := config.OutgoingQueueSize
	if queueSize <= 0 {
		queueSize = defaultTunnelQueueSize
	}

	server := &Server{
		config:     config,
		grpcServer: grpc.NewServer(serverOpts...),
		tunnelManager: NewTunnelManager(tunnelOptions{
			engine:      config.Engine,
			processor:   config.HeaderProcessor,
			router:      router,
			metrics:     dispatcher.NewMetrics(config.MetricsRegisterer),
			idleTimeout: config.StreamIdleTimeout,
			clk:         clk,
			queueSize:   queueSize,
		}),
	}

	v1.RegisterTunnelServer(server.grpcServer, server)
	return server, nil
}

// Run starts the gateway and blocks until the context is canceled or
// the server fails.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	klog.InfoS("Starting gateway server", "grpc_address", s.config.GRPCListenAddress)

	grpcListener, err := net.Listen("tcp", s.config.GRPCListenAddress)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on gRPC address %s: %w", s.config.GRPCListenAddress, err)
	}

	s.mu.Lock()
	s.grpcListener = grpcListener
	s.ready = true
	s.mu.Unlock()

	klog.InfoS("Gateway server is ready", "grpc_address", grpcListener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(grpcListener)
	}()

	select {
	case <-ctx.Done():
		klog.InfoS("Context canceled, shutting down gateway server")
		return s.shutdown()
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.ready = false
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}

// Shutdown gracefully stops the gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	s.running = false
	s.ready = false
	s.mu.Unlock()

	klog.InfoS("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		klog.InfoS("Forcing gRPC server stop due to timeout")
		s.grpcServer.Stop()
	}

	s.mu.RLock()
	listener := s.grpcListener
	s.mu.RUnlock()
	if listener != nil {
		listener.Close()
	}

	s.tunnelManager.Close()

	klog.InfoS("Gateway server shutdown complete")
	return nil
}

// Ready returns true once the server is listening.
func (s *Server) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// GRPCAddress returns the actual listen address, useful with ":0".
func (s *Server) GRPCAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grpcListener != nil {
		return s.grpcListener.Addr().String()
	}
	return s.config.GRPCListenAddress
}

// GetTunnel returns the live tunnel for a client, or nil.
func (s *Server) GetTunnel(clientName string) *Tunnel {
	return s.tunnelManager.GetTunnel(clientName)
}

// Tunnel implements the tunnel service. Called by gRPC when a client
// connects; blocks for the tunnel's lifetime.
func (s *Server) Tunnel(grpcStream v1.TunnelStream) error {
	md, ok := metadata.FromIncomingContext(grpcStream.Context())
	if !ok {
		return fmt.Errorf("no metadata found in request")
	}
	names := md.Get(v1.ClientNameKey)
	if len(names) == 0 {
		return fmt.Errorf("%s not found in metadata", v1.ClientNameKey)
	}
	clientName := names[0]

	klog.InfoS("New tunnel", "client", clientName)

	t, err := s.tunnelManager.NewTunnel(clientName, grpcStream)
	if err != nil {
		klog.ErrorS(err, "Failed to create tunnel", "client", clientName)
		return fmt.Errorf("failed to create tunnel: %w", err)
	}

	err = t.Serve(grpcStream.Context())
	s.tunnelManager.RemoveTunnel(clientName, t.ID())

	if errors.Is(err, errClientDrained) {
		klog.InfoS("Tunnel drained", "client", clientName)
		return nil
	}
	if err != nil {
		klog.ErrorS(err, "Tunnel ended", "client", clientName)
	}
	return err
}
