package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"k8s.io/klog/v2"

	v1 "github.com/streambridge/streambridge/api/v1"
	"github.com/streambridge/streambridge/pkg/dispatcher"
	"github.com/streambridge/streambridge/pkg/engine"
	"github.com/streambridge/streambridge/pkg/stream"
)

// defaultTunnelQueueSize buffers frames headed back to the client.
const defaultTunnelQueueSize = 1000

var (
	errTunnelClosed = errors.New("tunnel closed")

	// errClientDrained marks a tunnel the client shut down on purpose.
	errClientDrained = errors.New("client initiated drain")
)

// tunnelOptions carries what every tunnel needs from the server.
type tunnelOptions struct {
	engine      engine.Engine
	processor   HeaderProcessor
	router      Router
	metrics     *dispatcher.Metrics
	idleTimeout time.Duration
	clk         clock.Clock
	queueSize   int
}

// Tunnel serves one client connection. It owns a dispatcher over the
// gateway's upstream engine; the client's stream ids are used as the
// dispatcher handles, and observer events are framed back down the
// connection.
type Tunnel struct {
	id         string
	clientName string
	grpcStream v1.TunnelStream
	opts       tunnelOptions
	dispatcher *dispatcher.Dispatcher
	createdAt  time.Time

	outgoing chan *v1.Frame
	done     chan struct{}

	// streams holds per-stream bookkeeping for live ids, for the idle
	// reaper and for telling duplicate ids from new ones.
	mu      sync.Mutex
	streams map[int64]*streamState
	closed  bool
}

// streamState tracks one stream's last activity and which directions
// have finished. The stream's COMPLETE frame goes out exactly once,
// when the client is done sending and the upstream response has fully
// arrived.
type streamState struct {
	lastActive time.Time
	localEnd   bool
	remoteEnd  bool
}

func newTunnel(id, clientName string, grpcStream v1.TunnelStream, opts tunnelOptions) (*Tunnel, error) {
	t := &Tunnel{
		id:         id,
		clientName: clientName,
		grpcStream: grpcStream,
		opts:       opts,
		createdAt:  time.Now(),
		outgoing:   make(chan *v1.Frame, opts.queueSize),
		done:       make(chan struct{}),
		streams:    make(map[int64]*streamState),
	}
	d, err := dispatcher.New(&dispatcher.Config{
		Engine:  opts.engine,
		Name:    "tunnel-" + clientName,
		Metrics: opts.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel dispatcher: %w", err)
	}
	t.dispatcher = d
	return t, nil
}

// ID returns the unique identifier for this tunnel.
func (t *Tunnel) ID() string {
	return t.id
}

// ClientName returns the name the client connected under.
func (t *Tunnel) ClientName() string {
	return t.clientName
}

// ActiveStreams reports the number of live streams on this tunnel.
func (t *Tunnel) ActiveStreams() int {
	return t.dispatcher.ActiveStreams()
}

// Serve pumps the tunnel until either direction fails, the client
// drains, or ctx ends. It blocks, and closes the tunnel on the way
// out.
func (t *Tunnel) Serve(ctx context.Context) error {
	klog.InfoS("Starting to serve tunnel", "client", t.clientName, "tunnel_id", t.id)

	errCh := make(chan error, 2)

	// --- Goroutine 1: frames from the client ---
	go func() {
		for {
			frame, err := t.grpcStream.Recv()
			if err != nil {
				klog.InfoS("Tunnel receive ended", "client", t.clientName, "tunnel_id", t.id, "error", err)
				errCh <- err
				return
			}
			if frame.Type == v1.FrameDrain && frame.StreamID == 0 {
				klog.InfoS("Received DRAIN from client", "client", t.clientName, "tunnel_id", t.id)
				errCh <- errClientDrained
				return
			}
			t.handleFrame(frame)
		}
	}()

	// --- Goroutine 2: frames to the client ---
	go func() {
		for {
			select {
			case frame := <-t.outgoing:
				if err := t.grpcStream.Send(frame); err != nil {
					klog.ErrorS(err, "Failed to send frame to client", "client", t.clientName, "tunnel_id", t.id)
					errCh <- err
					return
				}
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-t.done:
				errCh <- errTunnelClosed
				return
			}
		}
	}()

	if t.opts.idleTimeout > 0 {
		go t.reapIdle()
	}

	err := <-errCh
	t.Close()
	return err
}

// Close resets every live stream and stops the pumps. Idempotent.
func (t *Tunnel) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.streams = make(map[int64]*streamState)
	t.mu.Unlock()

	close(t.done)
	t.dispatcher.Close()
	klog.InfoS("Closed tunnel", "client", t.clientName, "tunnel_id", t.id)
}

// handleFrame routes one inbound frame. Stream id 0 is reserved for
// tunnel control and never reaches the dispatcher.
func (t *Tunnel) handleFrame(frame *v1.Frame) {
	if frame.StreamID == 0 {
		klog.V(4).InfoS("Ignoring control frame", "client", t.clientName, "type", frame.Type)
		return
	}
	switch frame.Type {
	case v1.FrameHeaders:
		t.handleHeaders(frame)
	case v1.FrameData:
		t.forward(frame.StreamID, "data", func() error {
			return t.dispatcher.SendData(frame.StreamID, frame.Data, frame.EndStream)
		})
		if frame.EndStream {
			t.finishLocal(frame.StreamID)
		}
	case v1.FrameMetadata:
		t.forward(frame.StreamID, "metadata", func() error {
			return t.dispatcher.SendMetadata(frame.StreamID, v1.EntriesToHeaders(frame.Headers), frame.EndStream)
		})
		if frame.EndStream {
			t.finishLocal(frame.StreamID)
		}
	case v1.FrameTrailers:
		t.forward(frame.StreamID, "trailers", func() error {
			return t.dispatcher.SendTrailers(frame.StreamID, v1.EntriesToHeaders(frame.Headers))
		})
		t.finishLocal(frame.StreamID)
	case v1.FrameReset:
		t.handleReset(frame.StreamID)
	default:
		klog.V(4).InfoS("Dropping frame of unexpected type", "client", t.clientName, "stream", frame.StreamID, "type", frame.Type)
	}
}

// handleHeaders opens an upstream stream for a new id. Duplicate ids
// are client misbehavior: both the old stream and the new attempt are
// reset, the tunnel survives.
func (t *Tunnel) handleHeaders(frame *v1.Frame) {
	id := frame.StreamID
	headers := v1.EntriesToHeaders(frame.Headers)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, exists := t.streams[id]; exists {
		t.mu.Unlock()
		klog.InfoS("Duplicate stream id from client", "client", t.clientName, "tunnel_id", t.id, "stream", id)
		t.removeState(id)
		_ = t.dispatcher.ResetStream(id)
		t.sendReset(id)
		return
	}
	t.streams[id] = &streamState{lastActive: t.opts.clk.Now()}
	t.mu.Unlock()

	authority := headers.Authority()
	routed, err := t.opts.router.Route(authority)
	if err != nil {
		klog.InfoS("Router rejected stream", "client", t.clientName, "stream", id, "authority", authority, "reason", err)
		t.removeState(id)
		t.sendReset(id)
		return
	}
	if t.opts.processor != nil {
		headers, err = t.opts.processor.Process(authority, headers)
		if err != nil {
			klog.InfoS("Header processor rejected stream", "client", t.clientName, "stream", id, "authority", authority, "reason", err)
			t.removeState(id)
			t.sendReset(id)
			return
		}
	}
	if routed != "" && routed != authority {
		headers.Set(stream.PseudoAuthority, routed)
	}

	if err := t.dispatcher.StartStream(id, &frameObserver{t: t, id: id}); err != nil {
		klog.ErrorS(err, "Failed to start upstream stream", "client", t.clientName, "stream", id)
		t.removeState(id)
		t.sendReset(id)
		return
	}
	if err := t.dispatcher.SendHeaders(id, headers, frame.EndStream); err != nil {
		// The stream already died; its observer has emitted the RESET.
		klog.V(4).InfoS("Headers not delivered", "stream", id, "error", err)
	}
	if frame.EndStream {
		t.finishLocal(id)
	}
}

// forward relays a mid-stream frame to the dispatcher. Frames for
// handles that closed moments ago are dropped quietly; frames for
// handles the gateway never knew get a RESET back.
func (t *Tunnel) forward(id int64, op string, send func() error) {
	t.touch(id)
	err := send()
	if err == nil {
		return
	}
	if errors.Is(err, dispatcher.ErrStreamNotFound) {
		if reason, ok := t.dispatcher.CloseReason(id); ok {
			klog.V(4).InfoS("Dropping frame for recently closed stream", "stream", id, "op", op, "reason", reason)
			return
		}
		klog.V(4).InfoS("Resetting unknown stream", "client", t.clientName, "stream", id, "op", op)
		t.sendReset(id)
		return
	}
	klog.V(4).InfoS("Frame not forwarded", "stream", id, "op", op, "error", err)
}

// handleReset tears down a stream at the client's request. The state
// goes first so the dispatcher's OnReset echo is not framed back to a
// client that already moved on.
func (t *Tunnel) handleReset(id int64) {
	t.removeState(id)
	if err := t.dispatcher.ResetStream(id); err != nil {
		klog.V(4).InfoS("Reset for unknown stream", "client", t.clientName, "stream", id)
	}
}

func (t *Tunnel) touch(id int64) {
	t.mu.Lock()
	if st, ok := t.streams[id]; ok {
		st.lastActive = t.opts.clk.Now()
	}
	t.mu.Unlock()
}

// finishLocal records that the client is done sending on id.
func (t *Tunnel) finishLocal(id int64) { t.finishDirection(id, true) }

// finishRemote records that the upstream response on id has fully
// arrived.
func (t *Tunnel) finishRemote(id int64) { t.finishDirection(id, false) }

// finishDirection closes one direction of id's bookkeeping. Once both
// are closed the stream is done: its state goes away and the client
// gets the COMPLETE frame.
func (t *Tunnel) finishDirection(id int64, local bool) {
	t.mu.Lock()
	st, ok := t.streams[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	if local {
		st.localEnd = true
	} else {
		st.remoteEnd = true
	}
	done := st.localEnd && st.remoteEnd
	if done {
		delete(t.streams, id)
	}
	t.mu.Unlock()

	if !done {
		return
	}
	klog.V(4).InfoS("Stream completed", "client", t.clientName, "tunnel_id", t.id, "stream", id)
	if err := t.enqueue(&v1.Frame{StreamID: id, Type: v1.FrameComplete, EndStream: true}); err != nil {
		klog.V(4).InfoS("Dropping COMPLETE frame", "stream", id, "error", err)
	}
}

func (t *Tunnel) hasState(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.streams[id]
	return ok
}

func (t *Tunnel) removeState(id int64) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

func (t *Tunnel) sendReset(id int64) {
	if err := t.enqueue(&v1.Frame{StreamID: id, Type: v1.FrameReset}); err != nil {
		klog.V(4).InfoS("Dropping RESET frame", "stream", id, "error", err)
	}
}

// enqueue queues a frame for the send pump without blocking.
func (t *Tunnel) enqueue(frame *v1.Frame) error {
	select {
	case t.outgoing <- frame:
		return nil
	case <-t.done:
		return errTunnelClosed
	default:
		return fmt.Errorf("outgoing queue full (%d frames)", cap(t.outgoing))
	}
}

// reapIdle resets streams with no traffic for longer than the idle
// timeout. Runs on the tunnel's clock so tests can drive it.
func (t *Tunnel) reapIdle() {
	interval := t.opts.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := t.opts.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweepIdle()
		}
	}
}

func (t *Tunnel) sweepIdle() {
	now := t.opts.clk.Now()
	var idle []int64
	t.mu.Lock()
	for id, st := range t.streams {
		if now.Sub(st.lastActive) > t.opts.idleTimeout {
			idle = append(idle, id)
		}
	}
	t.mu.Unlock()

	for _, id := range idle {
		klog.InfoS("Resetting idle stream", "client", t.clientName, "tunnel_id", t.id, "stream", id)
		// The observer frames the RESET back and clears the state.
		_ = t.dispatcher.ResetStream(id)
	}
}

// frameObserver turns dispatcher events for one stream into frames on
// the tunnel. Events carry their handle already; the observer keeps
// its own copy so it can act after the dispatcher forgot the stream.
type frameObserver struct {
	t  *Tunnel
	id int64
}

var _ stream.Observer = (*frameObserver)(nil)

func (o *frameObserver) OnHeaders(_ int64, h stream.Headers, endStream bool) {
	o.emit(&v1.Frame{StreamID: o.id, Type: v1.FrameHeaders, Headers: v1.HeadersToEntries(h), EndStream: endStream})
	if endStream {
		o.t.finishRemote(o.id)
	}
}

func (o *frameObserver) OnData(_ int64, data []byte, endStream bool) {
	o.emit(&v1.Frame{StreamID: o.id, Type: v1.FrameData, Data: data, EndStream: endStream})
	if endStream {
		o.t.finishRemote(o.id)
	}
}

func (o *frameObserver) OnTrailers(_ int64, trailers stream.Headers) {
	o.emit(&v1.Frame{StreamID: o.id, Type: v1.FrameTrailers, Headers: v1.HeadersToEntries(trailers), EndStream: true})
	o.t.finishRemote(o.id)
}

// OnComplete carries no payload of its own: the response end the
// client cares about travels on the endStream-marked frame, and the
// tunnel emits COMPLETE when both directions are done. Engines that
// close the response only through this event still complete here.
func (o *frameObserver) OnComplete(_ int64) {
	o.t.finishRemote(o.id)
}

// OnReset forwards upstream resets, except when the client itself
// initiated the teardown: its state is already gone, and echoing a
// RESET at a client that moved on only confuses it.
func (o *frameObserver) OnReset(_ int64) {
	if !o.t.hasState(o.id) {
		return
	}
	o.t.removeState(o.id)
	o.emit(&v1.Frame{StreamID: o.id, Type: v1.FrameReset})
}

func (o *frameObserver) emit(frame *v1.Frame) {
	o.t.touch(o.id)
	if err := o.t.enqueue(frame); err != nil {
		if errors.Is(err, errTunnelClosed) {
			return
		}
		klog.InfoS("Outgoing queue full, resetting stream", "tunnel_id", o.t.id, "stream", o.id)
		o.t.removeState(o.id)
		_ = o.t.dispatcher.ResetStream(o.id)
		o.t.sendReset(o.id)
	}
}
