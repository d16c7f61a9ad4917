package grpcengine

import (
	"fmt"
	"sync/atomic"

	"k8s.io/klog/v2"

	v1 "github.com/streambridge/streambridge/api/v1"
	"github.com/streambridge/streambridge/pkg/engine"
	"github.com/streambridge/streambridge/pkg/stream"
)

// remoteStream frames stream operations onto its session's tunnel.
type remoteStream struct {
	sess *session
	id   int64
	cb   engine.StreamCallbacks

	// detached flips once the stream leaves the session table, either
	// by a terminal frame, a local Reset, or session loss. Sends fail
	// from then on.
	detached atomic.Bool
}

var _ engine.Stream = (*remoteStream)(nil)

func (r *remoteStream) SendHeaders(headers stream.Headers, endStream bool) error {
	return r.send(&v1.Frame{
		StreamID:  r.id,
		Type:      v1.FrameHeaders,
		Headers:   v1.HeadersToEntries(headers),
		EndStream: endStream,
	})
}

func (r *remoteStream) SendData(data []byte, endStream bool) error {
	return r.send(&v1.Frame{
		StreamID:  r.id,
		Type:      v1.FrameData,
		Data:      data,
		EndStream: endStream,
	})
}

func (r *remoteStream) SendMetadata(md stream.Headers, endStream bool) error {
	return r.send(&v1.Frame{
		StreamID:  r.id,
		Type:      v1.FrameMetadata,
		Headers:   v1.HeadersToEntries(md),
		EndStream: endStream,
	})
}

func (r *remoteStream) SendTrailers(trailers stream.Headers) error {
	return r.send(&v1.Frame{
		StreamID:  r.id,
		Type:      v1.FrameTrailers,
		Headers:   v1.HeadersToEntries(trailers),
		EndStream: true,
	})
}

// Reset detaches the stream and tells the gateway to abandon it. The
// RESET frame is best effort: if the queue is full the tunnel is
// backed up and session teardown will clean the far side anyway.
func (r *remoteStream) Reset() error {
	if r.detached.Swap(true) {
		return nil
	}
	r.sess.removeStream(r.id)
	if err := r.sess.enqueue(&v1.Frame{StreamID: r.id, Type: v1.FrameReset}); err != nil {
		klog.V(4).InfoS("Dropping RESET frame, queue full", "stream", r.id)
	}
	return nil
}

func (r *remoteStream) send(frame *v1.Frame) error {
	if r.detached.Load() {
		return fmt.Errorf("stream %d: %w", r.id, errSessionClosed)
	}
	return r.sess.enqueue(frame)
}
