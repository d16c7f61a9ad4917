package grpcengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	v1 "github.com/streambridge/streambridge/api/v1"
)

var errSessionClosed = errors.New("tunnel session closed")

// session is one live tunnel. Streams belong to the session that
// created them; when it dies they are reset, never migrated.
type session struct {
	tunnel   v1.TunnelClientStream
	outgoing chan *v1.Frame
	done     chan struct{}

	mu      sync.Mutex
	streams map[int64]*remoteStream
	closed  bool
}

func newSession(tunnel v1.TunnelClientStream, queueSize int) *session {
	return &session{
		tunnel:   tunnel,
		outgoing: make(chan *v1.Frame, queueSize),
		done:     make(chan struct{}),
		streams:  make(map[int64]*remoteStream),
	}
}

// serve pumps the tunnel until any goroutine fails or ctx is canceled.
func (s *session) serve(ctx context.Context) error {
	errCh := make(chan error, 3)

	// --- Goroutine 1: frames from the gateway ---
	go func() {
		for {
			frame, err := s.tunnel.Recv()
			if err != nil {
				errCh <- fmt.Errorf("tunnel receive: %w", err)
				return
			}
			s.dispatch(frame)
		}
	}()

	// --- Goroutine 2: frames to the gateway ---
	go func() {
		for {
			select {
			case frame := <-s.outgoing:
				if err := s.tunnel.Send(frame); err != nil {
					errCh <- fmt.Errorf("tunnel send: %w", err)
					return
				}
			case <-s.done:
				errCh <- errSessionClosed
				return
			}
		}
	}()

	// --- Goroutine 3: graceful shutdown ---
	go func() {
		select {
		case <-s.done:
			errCh <- errSessionClosed
			return
		case <-ctx.Done():
		}
		// DRAIN rides the outgoing queue so only goroutine 2 ever
		// touches Send. Best effort with a small flush budget.
		klog.InfoS("Context canceled, sending DRAIN to gateway")
		select {
		case s.outgoing <- &v1.Frame{Type: v1.FrameDrain}:
			time.Sleep(drainSendTimeout)
		default:
			klog.InfoS("Outgoing queue full, skipping DRAIN frame")
		}
		errCh <- ctx.Err()
	}()

	return <-errCh
}

// dispatch routes one inbound frame to its stream's callbacks. Called
// only from the receive goroutine, so callbacks stay sequential.
func (s *session) dispatch(frame *v1.Frame) {
	if frame.StreamID == 0 {
		klog.V(4).InfoS("Ignoring control frame from gateway", "type", frame.Type)
		return
	}
	s.mu.Lock()
	rs := s.streams[frame.StreamID]
	s.mu.Unlock()
	if rs == nil {
		klog.V(4).InfoS("Dropping frame for unknown stream", "stream", frame.StreamID, "type", frame.Type)
		return
	}

	switch frame.Type {
	case v1.FrameHeaders:
		rs.cb.OnHeaders(v1.EntriesToHeaders(frame.Headers), frame.EndStream)
	case v1.FrameData:
		rs.cb.OnData(frame.Data, frame.EndStream)
	case v1.FrameTrailers:
		rs.cb.OnTrailers(v1.EntriesToHeaders(frame.Headers))
	case v1.FrameComplete:
		s.removeStream(rs.id)
		rs.cb.OnComplete()
	case v1.FrameReset:
		s.removeStream(rs.id)
		rs.cb.OnReset()
	default:
		klog.V(4).InfoS("Dropping frame of unexpected type", "stream", frame.StreamID, "type", frame.Type)
	}
}

func (s *session) addStream(rs *remoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// close already reset everything; catch the straggler now.
		rs.detached.Store(true)
		return
	}
	s.streams[rs.id] = rs
}

func (s *session) removeStream(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.streams[id]; ok {
		rs.detached.Store(true)
		delete(s.streams, id)
	}
}

// enqueue queues a frame without blocking. A full queue is a send
// failure; the caller's dispatcher turns that into a stream reset.
func (s *session) enqueue(frame *v1.Frame) error {
	select {
	case s.outgoing <- frame:
		return nil
	default:
		return fmt.Errorf("outgoing queue full (%d frames)", cap(s.outgoing))
	}
}

// close resets every stream the session carried. Idempotent.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	orphans := make([]*remoteStream, 0, len(s.streams))
	for _, rs := range s.streams {
		rs.detached.Store(true)
		orphans = append(orphans, rs)
	}
	s.streams = make(map[int64]*remoteStream)
	s.mu.Unlock()

	close(s.done)
	if len(orphans) > 0 {
		klog.InfoS("Resetting in-flight streams after tunnel loss", "count", len(orphans))
	}
	for _, rs := range orphans {
		rs.cb.OnReset()
	}
}
