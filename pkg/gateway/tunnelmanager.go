package gateway

import (
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	v1 "github.com/streambridge/streambridge/api/v1"
)

// TunnelManager tracks the live tunnel for each client name.
type TunnelManager struct {
	opts tunnelOptions

	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

// NewTunnelManager creates an empty manager. Tunnels it creates share
// the given options (upstream engine, hooks, idle policy).
func NewTunnelManager(opts tunnelOptions) *TunnelManager {
	return &TunnelManager{
		opts:    opts,
		tunnels: make(map[string]*Tunnel),
	}
}

// NewTunnel registers a tunnel for clientName. A client reconnecting
// before its old tunnel died replaces it; the stale tunnel is closed
// so its streams reset rather than dangle.
func (tm *TunnelManager) NewTunnel(clientName string, grpcStream v1.TunnelStream) (*Tunnel, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if existing, ok := tm.tunnels[clientName]; ok {
		klog.InfoS("Replacing existing tunnel for client", "client", clientName, "old_tunnel_id", existing.ID())
		existing.Close()
	}

	t, err := newTunnel(uuid.NewString(), clientName, grpcStream, tm.opts)
	if err != nil {
		return nil, err
	}
	tm.tunnels[clientName] = t

	klog.InfoS("Created new tunnel for client", "client", clientName, "tunnel_id", t.ID())
	return t, nil
}

// GetTunnel returns the live tunnel for a client, or nil.
func (tm *TunnelManager) GetTunnel(clientName string) *Tunnel {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.tunnels[clientName]
}

// RemoveTunnel drops the tunnel for a client. The id must match so a
// replacement registered in the meantime survives its predecessor's
// deferred cleanup.
func (tm *TunnelManager) RemoveTunnel(clientName, tunnelID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t, ok := tm.tunnels[clientName]
	if !ok {
		return
	}
	if t.ID() == tunnelID {
		delete(tm.tunnels, clientName)
		klog.InfoS("Removed tunnel for client", "client", clientName, "tunnel_id", tunnelID)
	}
}

// Close closes every tunnel.
func (tm *TunnelManager) Close() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for clientName, t := range tm.tunnels {
		t.Close()
		klog.InfoS("Closed tunnel", "client", clientName, "tunnel_id", t.ID())
	}
	tm.tunnels = make(map[string]*Tunnel)
}
