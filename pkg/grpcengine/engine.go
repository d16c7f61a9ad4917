// Package grpcengine implements the engine over a gRPC tunnel: every
// stream operation becomes a frame on one long-lived bidirectional RPC
// to a gateway, which replays it against its own upstream engine and
// frames the response events back.
//
// The engine reconnects with jittered exponential backoff. Streams in
// flight when a tunnel drops receive OnReset; streams opened while
// disconnected are refused with engine.ErrEngineUnavailable.
package grpcengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"k8s.io/klog/v2"

	v1 "github.com/streambridge/streambridge/api/v1"
	"github.com/streambridge/streambridge/pkg/engine"
)

const (
	// defaultOutgoingQueueSize caps frames waiting for the tunnel. A
	// full queue fails the send, and the dispatcher resets the stream.
	defaultOutgoingQueueSize = 150

	// drainSendTimeout bounds how long shutdown waits for the DRAIN
	// frame to flush.
	drainSendTimeout = 100 * time.Millisecond
)

// Config holds all configuration for the remote engine.
type Config struct {
	// GatewayAddress is the gRPC target of the gateway.
	GatewayAddress string

	// ClientName identifies this engine to the gateway. The gateway
	// keys tunnels by it, so run one engine per name.
	ClientName string

	// DialOptions pass gRPC configuration such as TLS. Transport
	// credentials must be supplied here. When nil, keepalive
	// parameters tuned for zombie-connection detection are added.
	DialOptions []grpc.DialOption

	// BackoffFactory allows a custom reconnect strategy. The default
	// is backoff.NewExponentialBackOff: jittered, 500ms initial,
	// 1.5x multiplier, 60s cap.
	BackoffFactory func() backoff.BackOff

	// OutgoingQueueSize caps frames waiting for the tunnel. Default
	// 150.
	OutgoingQueueSize int
}

// Engine implements engine.Engine over a gateway tunnel.
type Engine struct {
	config    *Config
	queueSize int

	mu      sync.Mutex
	session *session

	nextID atomic.Int64
	ready  atomic.Bool
}

var _ engine.Engine = (*Engine)(nil)

// New builds the engine. Run must be started for streams to go
// anywhere.
func New(config *Config) (*Engine, error) {
	if config == nil || config.GatewayAddress == "" {
		return nil, fmt.Errorf("grpcengine: GatewayAddress is required")
	}
	if config.ClientName == "" {
		return nil, fmt.Errorf("grpcengine: ClientName is required")
	}
	if config.DialOptions == nil {
		// Detect zombie connections: ping every 10s, fail after 5s of
		// silence, even when no stream is active.
		kacp := keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}
		config.DialOptions = append(config.DialOptions, grpc.WithKeepaliveParams(kacp))
	}
	if config.BackoffFactory == nil {
		config.BackoffFactory = func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		}
	}
	queueSize := config.OutgoingQueueSize
	if queueSize <= 0 {
		queueSize = defaultOutgoingQueueSize
	}
	return &Engine{config: config, queueSize: queueSize}, nil
}

// Run connects to the gateway and serves the tunnel until ctx is
// canceled, reconnecting with backoff on failure. It blocks.
func (e *Engine) Run(ctx context.Context) error {
	klog.InfoS("Remote engine starting", "gateway", e.config.GatewayAddress, "client", e.config.ClientName)
	b := e.config.BackoffFactory()

	for {
		select {
		case <-ctx.Done():
			klog.InfoS("Context canceled, remote engine shutting down")
			return ctx.Err()
		default:
		}

		established, err := e.establishAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			klog.ErrorS(err, "Tunnel session failed, retrying")
		}
		if established {
			b.Reset()
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Ready reports whether a tunnel session is currently live.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// NewStream implements engine.Engine. Stream ids are engine-allocated
// and never reused, so a reconnected tunnel starts clean.
func (e *Engine) NewStream(cb engine.StreamCallbacks) (engine.Stream, error) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return nil, engine.ErrEngineUnavailable
	}
	rs := &remoteStream{sess: s, id: e.nextID.Add(1), cb: cb}
	s.addStream(rs)
	return rs, nil
}

// establishAndServe runs one tunnel session. established reports
// whether the tunnel came up at all, so the caller can reset backoff.
func (e *Engine) establishAndServe(ctx context.Context) (established bool, err error) {
	klog.InfoS("Connecting to gateway", "address", e.config.GatewayAddress)

	conn, err := grpc.NewClient(e.config.GatewayAddress, e.config.DialOptions...)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	tunnelCtx := metadata.AppendToOutgoingContext(ctx, v1.ClientNameKey, e.config.ClientName)
	tunnel, err := v1.NewTunnelClient(conn).Tunnel(tunnelCtx)
	if err != nil {
		return false, fmt.Errorf("open tunnel: %w", err)
	}
	klog.InfoS("Tunnel established", "gateway", e.config.GatewayAddress)

	s := newSession(tunnel, e.queueSize)
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
	e.ready.Store(true)
	defer e.teardown(s)

	return true, s.serve(ctx)
}

// teardown detaches the session and resets every stream it carried.
func (e *Engine) teardown(s *session) {
	e.ready.Store(false)
	e.mu.Lock()
	if e.session == s {
		e.session = nil
	}
	e.mu.Unlock()
	s.close()
}
