// Package enginetest provides a scriptable in-memory engine for
// exercising dispatcher behavior without a transport. Tests inspect
// what a stream was asked to send and emit inbound events by hand.
package enginetest

import (
	"sync"

	"github.com/streambridge/streambridge/pkg/engine"
	"github.com/streambridge/streambridge/pkg/stream"
)

// CallKind labels one recorded outbound call.
type CallKind string

const (
	CallHeaders  CallKind = "headers"
	CallData     CallKind = "data"
	CallMetadata CallKind = "metadata"
	CallTrailers CallKind = "trailers"
)

// Call is one recorded outbound call on a fake stream.
type Call struct {
	Kind      CallKind
	Headers   stream.Headers
	Data      []byte
	EndStream bool
}

// Engine implements engine.Engine and hands out fake streams in
// creation order.
type Engine struct {
	mu       sync.Mutex
	streams  []*Stream
	startErr error
}

var _ engine.Engine = (*Engine)(nil)

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{}
}

// FailStarts makes every subsequent NewStream return err. Pass nil to
// restore normal behavior.
func (e *Engine) FailStarts(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// NewStream implements engine.Engine.
func (e *Engine) NewStream(cb engine.StreamCallbacks) (engine.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	s := &Stream{cb: cb}
	e.streams = append(e.streams, s)
	return s, nil
}

// StreamCount returns how many streams have been opened.
func (e *Engine) StreamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// Stream returns the i-th opened stream.
func (e *Engine) Stream(i int) *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams[i]
}

// LastStream returns the most recently opened stream, or nil.
func (e *Engine) LastStream() *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.streams) == 0 {
		return nil
	}
	return e.streams[len(e.streams)-1]
}

// Stream records outbound calls and lets tests emit inbound events
// through the callbacks the dispatcher registered.
type Stream struct {
	mu         sync.Mutex
	cb         engine.StreamCallbacks
	calls      []Call
	sendErr    error
	resetCount int
}

var _ engine.Stream = (*Stream)(nil)

// FailSends makes every subsequent send return err. Pass nil to
// restore normal behavior.
func (s *Stream) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Calls returns a copy of the recorded outbound calls.
func (s *Stream) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// ResetCount returns how many times Reset was called.
func (s *Stream) ResetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetCount
}

func (s *Stream) record(c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.calls = append(s.calls, c)
	return nil
}

func (s *Stream) SendHeaders(headers stream.Headers, endStream bool) error {
	return s.record(Call{Kind: CallHeaders, Headers: headers.Clone(), EndStream: endStream})
}

func (s *Stream) SendData(data []byte, endStream bool) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	return s.record(Call{Kind: CallData, Data: cp, EndStream: endStream})
}

func (s *Stream) SendMetadata(metadata stream.Headers, endStream bool) error {
	return s.record(Call{Kind: CallMetadata, Headers: metadata.Clone(), EndStream: endStream})
}

func (s *Stream) SendTrailers(trailers stream.Headers) error {
	return s.record(Call{Kind: CallTrailers, Headers: trailers.Clone(), EndStream: true})
}

func (s *Stream) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCount++
	return nil
}

// EmitHeaders delivers an inbound header block.
func (s *Stream) EmitHeaders(headers stream.Headers, endStream bool) {
	s.cb.OnHeaders(headers.Clone(), endStream)
}

// EmitData delivers an inbound body chunk.
func (s *Stream) EmitData(data []byte, endStream bool) {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.cb.OnData(cp, endStream)
}

// EmitTrailers delivers the inbound trailing header block.
func (s *Stream) EmitTrailers(trailers stream.Headers) {
	s.cb.OnTrailers(trailers.Clone())
}

// EmitComplete delivers normal completion.
func (s *Stream) EmitComplete() {
	s.cb.OnComplete()
}

// EmitReset delivers abnormal termination.
func (s *Stream) EmitReset() {
	s.cb.OnReset()
}
