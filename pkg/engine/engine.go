// Package engine abstracts the asynchronous HTTP client a dispatcher
// drives. Implementations execute streams however they like (local
// net/http, a gRPC tunnel to a gateway, a test fake) as long as they
// honor the callback contract below.
package engine

import (
	"errors"

	"github.com/streambridge/streambridge/pkg/stream"
)

// ErrEngineUnavailable is returned by NewStream when the engine cannot
// currently open streams, for example while a remote engine is
// disconnected from its gateway.
var ErrEngineUnavailable = errors.New("engine unavailable")

// Engine opens streams against an HTTP backend.
type Engine interface {
	// NewStream allocates a stream bound to cb. The stream carries no
	// traffic until SendHeaders. Callback emission rules:
	//
	//   - callbacks for one stream are emitted sequentially, never
	//     concurrently with each other;
	//   - OnComplete is the last event of a normal stream and OnReset
	//     of a failed one; nothing is emitted after either, nor after
	//     Reset returns;
	//   - callbacks may be invoked from engine-internal goroutines and
	//     must not be blocked on.
	NewStream(cb StreamCallbacks) (Stream, error)
}

// Stream is the outbound half of one logical HTTP exchange. Calls must
// not block indefinitely: an engine reports delivery problems through
// the error return, and asynchronous failures through OnReset on the
// stream's callbacks.
type Stream interface {
	// SendHeaders sends the request header block. Request targeting
	// travels as pseudo-headers (:method, :scheme, :authority, :path).
	// endStream marks the local side as done sending.
	SendHeaders(headers stream.Headers, endStream bool) error

	// SendData sends one body chunk. The engine takes ownership of the
	// slice. endStream marks the local side as done sending.
	SendData(data []byte, endStream bool) error

	// SendMetadata sends an out-of-band metadata block. Engines whose
	// transport cannot represent metadata drop the block but still
	// honor endStream.
	SendMetadata(metadata stream.Headers, endStream bool) error

	// SendTrailers sends the trailing header block and always ends the
	// local side.
	SendTrailers(trailers stream.Headers) error

	// Reset tears the stream down immediately. Fire and forget: no
	// callbacks follow, including OnReset.
	Reset() error
}

// StreamCallbacks receives the inbound half of one logical HTTP
// exchange. The dispatcher supplies an implementation per stream; the
// engine never retains it past the terminal event.
type StreamCallbacks interface {
	OnHeaders(headers stream.Headers, endStream bool)
	OnData(data []byte, endStream bool)
	OnTrailers(trailers stream.Headers)
	OnComplete()
	OnReset()
}
