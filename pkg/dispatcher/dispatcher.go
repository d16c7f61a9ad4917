// Package dispatcher multiplexes handle-based HTTP stream operations
// onto an asynchronous engine and delivers the engine's events back to
// caller-registered observers.
//
// All per-stream state lives in a handle table pinned to one serial
// executor goroutine: facade calls are accepted on any goroutine and
// posted there, engine callbacks are posted there, and cleanup runs
// there. The table therefore needs no locks, and events for one stream
// are never delivered concurrently. Callers learn stream outcomes
// exclusively through their observer; the synchronous returns only say
// whether a call was accepted for scheduling.
package dispatcher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/streambridge/streambridge/pkg/engine"
	"github.com/streambridge/streambridge/pkg/executor"
	"github.com/streambridge/streambridge/pkg/stream"
)

const (
	defaultMaxStoredMetadata  = 64
	defaultRecentlyClosedSize = 256
)

// Close reasons recorded for recently closed handles.
const (
	ReasonCompleted = "completed"
	ReasonReset     = "reset"
	ReasonShutdown  = "shutdown"
)

var (
	// ErrStreamNotFound reports a send or reset for a handle with no
	// live stream. Late calls racing a stream's closure are expected;
	// callers may ignore this error.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrDuplicateStream reports StartStream on a handle that is still
	// live. Handle uniqueness is the caller's contract; the call is
	// rejected without touching the existing stream.
	ErrDuplicateStream = errors.New("duplicate stream handle")

	// ErrDispatcherClosed reports a call after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Config carries the dispatcher's knobs.
type Config struct {
	// Engine executes the streams. Required.
	Engine engine.Engine

	// Name tags log lines and the executor when an application runs
	// several dispatchers. Defaults to "dispatcher".
	Name string

	// MaxStoredMetadata caps the metadata blocks retained per stream
	// for diagnostics. When a stream exceeds it the oldest block is
	// dropped and counted; the send itself still goes out. Defaults
	// to 64.
	MaxStoredMetadata int

	// RecentlyClosedSize bounds the index of recently closed handles
	// kept for diagnosing late calls. Defaults to 256.
	RecentlyClosedSize int

	// Metrics receives the dispatcher's counters. When nil the
	// dispatcher records into unregistered metrics. Share one Metrics
	// across dispatchers registered against the same registry.
	Metrics *Metrics
}

// DefaultConfig returns a Config for eng with every knob at its
// default.
func DefaultConfig(eng engine.Engine) *Config {
	return &Config{
		Engine:             eng,
		MaxStoredMetadata:  defaultMaxStoredMetadata,
		RecentlyClosedSize: defaultRecentlyClosedSize,
	}
}

// Dispatcher is the handle-based facade over one engine. All methods
// are safe to call from any goroutine and never block.
type Dispatcher struct {
	name              string
	eng               engine.Engine
	exec              *executor.SerialExecutor
	metrics           *Metrics
	maxStoredMetadata int

	// streams is the authoritative handle table. Executor tasks only.
	streams map[int64]*streamEntry

	// live mirrors the table's key set for the facade's fast-path
	// checks: a handle is present from the moment StartStream accepts
	// it until cleanup releases it. The table stays the source of
	// truth; posted tasks re-check it.
	live sync.Map

	// recentlyClosed maps handles to the reason they closed, so late
	// callers can be told apart from confused ones.
	recentlyClosed *lru.Cache[int64, string]

	closing   atomic.Bool
	closeOnce sync.Once
}

// New builds a dispatcher and starts its execution goroutine. Callers
// must Close it when done.
func New(cfg *Config) (*Dispatcher, error) {
	if cfg == nil || cfg.Engine == nil {
		return nil, errors.New("dispatcher: config with a non-nil Engine is required")
	}
	name := cfg.Name
	if name == "" {
		name = "dispatcher"
	}
	maxMD := cfg.MaxStoredMetadata
	if maxMD == 0 {
		maxMD = defaultMaxStoredMetadata
	}
	if maxMD < 0 {
		return nil, fmt.Errorf("dispatcher: MaxStoredMetadata must not be negative, got %d", maxMD)
	}
	recentSize := cfg.RecentlyClosedSize
	if recentSize == 0 {
		recentSize = defaultRecentlyClosedSize
	}
	recent, err := lru.New[int64, string](recentSize)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: recently-closed index: %w", err)
	}
	m := cfg.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Dispatcher{
		name:              name,
		eng:               cfg.Engine,
		exec:              executor.New(name),
		metrics:           m,
		maxStoredMetadata: maxMD,
		streams:           make(map[int64]*streamEntry),
		recentlyClosed:    recent,
	}, nil
}

// StartStream schedules the opening of a stream identified by the
// caller-chosen handle id, with events delivered to observer. A nil
// return only means the open was scheduled; whether the engine
// accepted the stream is reported later through the observer (an
// OnReset if it did not). The handle must not be reused while the
// stream is live.
func (d *Dispatcher) StartStream(id int64, observer stream.Observer) error {
	if observer == nil {
		panic("dispatcher: StartStream requires a non-nil observer")
	}
	if d.closing.Load() {
		return ErrDispatcherClosed
	}
	if _, loaded := d.live.LoadOrStore(id, struct{}{}); loaded {
		return ErrDuplicateStream
	}
	if err := d.exec.Post(func() { d.openStream(id, observer) }); err != nil {
		d.live.Delete(id)
		return ErrDispatcherClosed
	}
	return nil
}

// SendHeaders forwards a header block. endStream marks the local side
// as done sending. The dispatcher takes ownership of the block.
func (d *Dispatcher) SendHeaders(id int64, headers stream.Headers, endStream bool) error {
	return d.postOp(id, "headers", func(e *streamEntry) { e.sendHeaders(headers, endStream) })
}

// SendData forwards one body chunk. endStream marks the local side as
// done sending. The dispatcher takes ownership of the slice.
func (d *Dispatcher) SendData(id int64, data []byte, endStream bool) error {
	return d.postOp(id, "data", func(e *streamEntry) { e.sendData(data, endStream) })
}

// SendMetadata forwards an out-of-band metadata block and records it
// in the stream's bounded metadata history. endStream marks the local
// side as done sending.
func (d *Dispatcher) SendMetadata(id int64, metadata stream.Headers, endStream bool) error {
	return d.postOp(id, "metadata", func(e *streamEntry) { e.sendMetadata(metadata, endStream) })
}

// SendTrailers forwards the trailing header block. Trailers always
// mark the local side as done sending.
func (d *Dispatcher) SendTrailers(id int64, trailers stream.Headers) error {
	return d.postOp(id, "trailers", func(e *streamEntry) { e.sendTrailers(trailers) })
}

// ResetStream tears the stream down immediately, forwarding the reset
// to the engine and delivering a final OnReset to the observer. Fire
// and forget: resetting an already-closed stream reports
// ErrStreamNotFound, which is safe to ignore.
func (d *Dispatcher) ResetStream(id int64) error {
	return d.postOp(id, "reset", func(e *streamEntry) { e.resetLocal() })
}

// Close resets every live stream and stops the execution goroutine.
// Idempotent. Observers receive a final OnReset for streams open at
// close time.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closing.Store(true)
		_ = d.exec.Post(func() {
			ids := make([]int64, 0, len(d.streams))
			for id := range d.streams {
				ids = append(ids, id)
			}
			for _, id := range ids {
				e := d.streams[id]
				e.reset = true
				d.metrics.ObserverEvents.WithLabelValues("reset").Inc()
				e.observer.OnReset(id)
				if err := e.engineStream.Reset(); err != nil {
					klog.V(4).InfoS("engine reset during close failed",
						"dispatcher", d.name, "stream", id, "error", err)
				}
				d.cleanup(id, ReasonShutdown)
			}
			if len(ids) > 0 {
				klog.InfoS("reset streams at close", "dispatcher", d.name, "count", len(ids))
			}
		})
		d.exec.Close()
		klog.InfoS("dispatcher closed", "dispatcher", d.name)
	})
}

// ActiveStreams returns the number of live streams. Diagnostic only:
// the count may be stale by the time it is read.
func (d *Dispatcher) ActiveStreams() int {
	n := 0
	d.live.Range(func(_, _ any) bool { n++; return true })
	return n
}

// CloseReason reports why a recently closed handle went away
// (ReasonCompleted, ReasonReset or ReasonShutdown). The index is
// bounded, so very old handles are forgotten.
func (d *Dispatcher) CloseReason(id int64) (string, bool) {
	return d.recentlyClosed.Peek(id)
}

// openStream runs on the executor: asks the engine for a stream and
// inserts the entry. Engine refusal is reported through the observer,
// mirroring every other asynchronous failure.
func (d *Dispatcher) openStream(id int64, observer stream.Observer) {
	if d.closing.Load() {
		d.live.Delete(id)
		d.metrics.ObserverEvents.WithLabelValues("reset").Inc()
		observer.OnReset(id)
		return
	}
	cb := &streamCallbacks{id: id, d: d}
	es, err := d.eng.NewStream(cb)
	if err != nil {
		klog.ErrorS(err, "engine refused stream", "dispatcher", d.name, "stream", id)
		d.live.Delete(id)
		d.recentlyClosed.Add(id, ReasonReset)
		d.metrics.StreamsReset.Inc()
		d.metrics.ObserverEvents.WithLabelValues("reset").Inc()
		observer.OnReset(id)
		return
	}
	d.streams[id] = &streamEntry{id: id, d: d, observer: observer, engineStream: es}
	d.metrics.StreamsStarted.Inc()
	d.metrics.StreamsActive.Inc()
	klog.V(4).InfoS("stream started", "dispatcher", d.name, "stream", id)
}

// postOp schedules fn against the entry for id. The liveness index
// answers the fast not-found case without touching the table; the
// posted task re-checks the authoritative table and drops the call if
// the stream closed in between.
func (d *Dispatcher) postOp(id int64, op string, fn func(*streamEntry)) error {
	if _, ok := d.live.Load(id); !ok {
		d.metrics.DroppedCalls.Inc()
		return ErrStreamNotFound
	}
	if err := d.exec.Post(func() {
		e, ok := d.streams[id]
		if !ok {
			d.metrics.DroppedCalls.Inc()
			klog.V(4).InfoS("dropping call for closed stream",
				"dispatcher", d.name, "stream", id, "op", op)
			return
		}
		fn(e)
		d.maybeCleanup(e)
	}); err != nil {
		return ErrDispatcherClosed
	}
	return nil
}

// maybeCleanup destroys the entry once a reset occurred or both
// directions have closed. Executor thread only.
func (d *Dispatcher) maybeCleanup(e *streamEntry) {
	if !e.reset && !(e.localClosed && e.remoteClosed) {
		return
	}
	reason := ReasonCompleted
	if e.reset {
		reason = ReasonReset
	}
	d.cleanup(e.id, reason)
}

// cleanup removes the entry for id. Idempotent, and the single place
// entries are destroyed. Executor thread only.
func (d *Dispatcher) cleanup(id int64, reason string) {
	if _, ok := d.streams[id]; !ok {
		return
	}
	delete(d.streams, id)
	d.live.Delete(id)
	d.recentlyClosed.Add(id, reason)
	d.metrics.StreamsActive.Dec()
	if reason == ReasonCompleted {
		d.metrics.StreamsCompleted.Inc()
	} else {
		d.metrics.StreamsReset.Inc()
	}
	klog.V(4).InfoS("stream closed", "dispatcher", d.name, "stream", id, "reason", reason)
}
