package dispatcher

import (
	"k8s.io/klog/v2"

	"github.com/streambridge/streambridge/pkg/engine"
	"github.com/streambridge/streambridge/pkg/stream"
)

// streamEntry is the live state for one handle. Fields are touched
// only on the executor goroutine. The engine stream is referenced, not
// owned: its lifetime belongs to the engine. The received header and
// trailer blocks and the metadata history are owned by the entry and
// released with it.
type streamEntry struct {
	id           int64
	d            *Dispatcher
	observer     stream.Observer
	engineStream engine.Stream

	headers  stream.Headers   // most recently received header block
	metadata []stream.Headers // staged metadata history, bounded
	trailers stream.Headers   // received trailing block, if any

	metadataDropped int

	// Per-direction closure, monotonic. A reset closes both.
	localClosed  bool
	remoteClosed bool
	reset        bool
}

func (e *streamEntry) sendHeaders(headers stream.Headers, endStream bool) {
	if err := e.engineStream.SendHeaders(headers, endStream); err != nil {
		e.failSend("headers", err)
		return
	}
	if endStream {
		e.localClosed = true
	}
}

func (e *streamEntry) sendData(data []byte, endStream bool) {
	klog.V(5).InfoS("forwarding data", "dispatcher", e.d.name, "stream", e.id,
		"bytes", len(data), "endStream", endStream)
	if err := e.engineStream.SendData(data, endStream); err != nil {
		e.failSend("data", err)
		return
	}
	if endStream {
		e.localClosed = true
	}
}

func (e *streamEntry) sendMetadata(metadata stream.Headers, endStream bool) {
	e.stageMetadata(metadata)
	if err := e.engineStream.SendMetadata(metadata, endStream); err != nil {
		e.failSend("metadata", err)
		return
	}
	if endStream {
		e.localClosed = true
	}
}

func (e *streamEntry) sendTrailers(trailers stream.Headers) {
	if err := e.engineStream.SendTrailers(trailers); err != nil {
		e.failSend("trailers", err)
		return
	}
	e.localClosed = true
}

// stageMetadata records the block in the entry's history. The history
// exists for diagnostics, so hitting the cap drops the oldest block
// rather than the send.
func (e *streamEntry) stageMetadata(md stream.Headers) {
	if len(e.metadata) >= e.d.maxStoredMetadata {
		drop := len(e.metadata) - e.d.maxStoredMetadata + 1
		e.metadata = append(e.metadata[:0], e.metadata[drop:]...)
		e.metadataDropped += drop
		e.d.metrics.MetadataDropped.Add(float64(drop))
		klog.V(4).InfoS("metadata history at cap, dropped oldest",
			"dispatcher", e.d.name, "stream", e.id, "dropped", drop)
	}
	e.metadata = append(e.metadata, md)
}

// failSend converts an engine delivery failure into stream teardown:
// the observer hears OnReset and maybeCleanup destroys the entry.
func (e *streamEntry) failSend(op string, err error) {
	klog.ErrorS(err, "engine send failed, resetting stream",
		"dispatcher", e.d.name, "stream", e.id, "op", op)
	e.reset = true
	e.d.metrics.ObserverEvents.WithLabelValues("reset").Inc()
	e.observer.OnReset(e.id)
	if rerr := e.engineStream.Reset(); rerr != nil {
		klog.V(4).InfoS("engine reset after failed send also failed",
			"dispatcher", e.d.name, "stream", e.id, "error", rerr)
	}
}

// resetLocal implements a caller-initiated reset: terminal OnReset to
// the observer, fire-and-forget reset to the engine.
func (e *streamEntry) resetLocal() {
	e.reset = true
	e.d.metrics.ObserverEvents.WithLabelValues("reset").Inc()
	e.observer.OnReset(e.id)
	if err := e.engineStream.Reset(); err != nil {
		klog.V(4).InfoS("engine reset failed",
			"dispatcher", e.d.name, "stream", e.id, "error", err)
	}
}

// streamCallbacks is the engine-facing listener for one stream. It
// carries no state of its own: every event is posted to the executor
// and resolved against the table there, so events racing the stream's
// teardown fall out harmlessly when the lookup misses.
type streamCallbacks struct {
	id int64
	d  *Dispatcher
}

var _ engine.StreamCallbacks = (*streamCallbacks)(nil)

func (c *streamCallbacks) OnHeaders(headers stream.Headers, endStream bool) {
	c.post("headers", func(e *streamEntry) {
		e.headers = headers
		e.d.metrics.ObserverEvents.WithLabelValues("headers").Inc()
		e.observer.OnHeaders(c.id, headers, endStream)
		if endStream {
			e.remoteClosed = true
		}
	})
}

func (c *streamCallbacks) OnData(data []byte, endStream bool) {
	c.post("data", func(e *streamEntry) {
		e.d.metrics.ObserverEvents.WithLabelValues("data").Inc()
		e.observer.OnData(c.id, data, endStream)
		if endStream {
			e.remoteClosed = true
		}
	})
}

func (c *streamCallbacks) OnTrailers(trailers stream.Headers) {
	c.post("trailers", func(e *streamEntry) {
		e.trailers = trailers
		e.d.metrics.ObserverEvents.WithLabelValues("trailers").Inc()
		e.observer.OnTrailers(c.id, trailers)
		e.remoteClosed = true
	})
}

func (c *streamCallbacks) OnComplete() {
	c.post("complete", func(e *streamEntry) {
		e.d.metrics.ObserverEvents.WithLabelValues("complete").Inc()
		e.observer.OnComplete(c.id)
		e.remoteClosed = true
	})
}

func (c *streamCallbacks) OnReset() {
	c.post("reset", func(e *streamEntry) {
		e.reset = true
		e.d.metrics.ObserverEvents.WithLabelValues("reset").Inc()
		e.observer.OnReset(c.id)
	})
}

// post marshals an engine event onto the executor. Every event ends
// with a cleanup evaluation, since closure state may now be complete.
func (c *streamCallbacks) post(event string, fn func(*streamEntry)) {
	err := c.d.exec.Post(func() {
		e, ok := c.d.streams[c.id]
		if !ok {
			klog.V(4).InfoS("dropping engine event for closed stream",
				"dispatcher", c.d.name, "stream", c.id, "event", event)
			return
		}
		fn(e)
		c.d.maybeCleanup(e)
	})
	if err != nil {
		klog.V(4).InfoS("dropping engine event after dispatcher close",
			"dispatcher", c.d.name, "stream", c.id, "event", event)
	}
}
