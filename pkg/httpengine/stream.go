package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/streambridge/streambridge/pkg/engine"
	"github.com/streambridge/streambridge/pkg/stream"
)

// httpStream drives one HTTP exchange. The send methods run on the
// dispatcher's executor; the response pump runs on its own goroutine
// and is the only emitter of callbacks, so per-stream emission stays
// sequential.
type httpStream struct {
	eng    *Engine
	cb     engine.StreamCallbacks
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	headersSent bool
	localDone   bool
	writeCh     chan []byte
	req         *http.Request
}

var _ engine.Stream = (*httpStream)(nil)

func (s *httpStream) SendHeaders(headers stream.Headers, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headersSent {
		return errors.New("httpengine: headers already sent")
	}

	method := headers.Method()
	authority := headers.Authority()
	path := headers.Path()
	scheme := headers.Scheme()
	if scheme == "" {
		scheme = "http"
	}
	if method == "" || authority == "" || path == "" {
		return fmt.Errorf("httpengine: request needs %s, %s and %s pseudo-headers",
			stream.PseudoMethod, stream.PseudoAuthority, stream.PseudoPath)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("httpengine: %s must start with /", stream.PseudoPath)
	}

	var body io.ReadCloser = http.NoBody
	if !endStream {
		s.writeCh = make(chan []byte, s.eng.queueSize)
		body = &chunkReader{ch: s.writeCh, done: make(chan struct{})}
	}

	req, err := http.NewRequestWithContext(s.ctx, method, scheme+"://"+authority+path, body)
	if err != nil {
		return fmt.Errorf("httpengine: build request: %w", err)
	}

	for _, h := range headers {
		switch {
		case strings.HasPrefix(h.Key, ":"):
			// Pseudo-headers already consumed above.
		case strings.EqualFold(h.Key, "host"):
			// Authority governs the Host header.
		case strings.EqualFold(h.Key, "content-length"):
			if n, perr := strconv.ParseInt(h.Value, 10, 64); perr == nil {
				req.ContentLength = n
			}
		case strings.EqualFold(h.Key, "trailer"):
			// Announced request trailer keys; the transport writes the
			// Trailer header itself from the map keys.
			if req.Trailer == nil {
				req.Trailer = http.Header{}
			}
			for _, k := range strings.Split(h.Value, ",") {
				if k = strings.TrimSpace(k); k != "" {
					req.Trailer[http.CanonicalHeaderKey(k)] = nil
				}
			}
		default:
			req.Header.Add(h.Key, h.Value)
		}
	}

	s.req = req
	s.headersSent = true
	if endStream {
		s.localDone = true
	}
	go s.run(req)
	return nil
}

func (s *httpStream) SendData(data []byte, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.headersSent {
		return errors.New("httpengine: data before headers")
	}
	if s.localDone {
		return errLocalClosed
	}
	if len(data) > 0 {
		select {
		case s.writeCh <- data:
		default:
			return fmt.Errorf("httpengine: write queue full (%d chunks), upstream not consuming", cap(s.writeCh))
		}
	}
	if endStream {
		s.finishLocalLocked()
	}
	return nil
}

// SendMetadata drops the block: plain HTTP has no metadata frames. The
// end-of-stream flag is still honored.
func (s *httpStream) SendMetadata(metadata stream.Headers, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	klog.V(4).InfoS("dropping metadata block, not representable in HTTP", "entries", len(metadata))
	if !endStream {
		return nil
	}
	if !s.headersSent {
		return errors.New("httpengine: metadata before headers")
	}
	if s.localDone {
		return errLocalClosed
	}
	s.finishLocalLocked()
	return nil
}

func (s *httpStream) SendTrailers(trailers stream.Headers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.headersSent {
		return errors.New("httpengine: trailers before headers")
	}
	if s.localDone {
		return errLocalClosed
	}
	for _, h := range trailers {
		key := http.CanonicalHeaderKey(h.Key)
		if _, announced := s.req.Trailer[key]; announced {
			s.req.Trailer.Add(key, h.Value)
		} else {
			klog.InfoS("dropping unannounced request trailer, add it to the Trailer header",
				"key", h.Key)
		}
	}
	s.finishLocalLocked()
	return nil
}

// finishLocalLocked ends the local direction: the body reader sees EOF
// and the transport finishes writing the request. Callers hold mu.
func (s *httpStream) finishLocalLocked() {
	s.localDone = true
	if s.writeCh != nil {
		close(s.writeCh)
	}
}

// Reset aborts the exchange. The context cancellation stops the
// transport and gags the response pump, so no callbacks follow.
func (s *httpStream) Reset() error {
	s.cancel()
	return nil
}

// run executes the request and pumps the response into callbacks.
func (s *httpStream) run(req *http.Request) {
	defer s.cancel()

	resp, err := s.eng.client.Do(req)
	if err != nil {
		s.fail("request", err)
		return
	}
	defer resp.Body.Close()

	if s.gagged() {
		return
	}
	s.cb.OnHeaders(responseHeaders(resp), false)

	buf := make([]byte, readBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if s.gagged() {
				return
			}
			s.cb.OnData(chunk, false)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.fail("response body", rerr)
			return
		}
	}

	if s.gagged() {
		return
	}
	if trailers := trailersFromHTTP(resp.Trailer); len(trailers) > 0 {
		s.cb.OnTrailers(trailers)
	} else {
		s.cb.OnData(nil, true)
	}

	if s.gagged() {
		return
	}
	s.cb.OnComplete()
}

// gagged reports whether the stream was reset or the engine shut down,
// after which no callback may be emitted.
func (s *httpStream) gagged() bool {
	return s.ctx.Err() != nil
}

func (s *httpStream) fail(op string, err error) {
	if s.gagged() {
		return
	}
	klog.ErrorS(err, "exchange failed", "op", op, "url", s.req.URL.Redacted())
	s.cb.OnReset()
}

// responseHeaders converts the response status and header map into an
// ordered block: :status first, then keys sorted (the map has no
// order to preserve), values per key in wire order, keys lowercased
// in pseudo-header style.
func responseHeaders(resp *http.Response) stream.Headers {
	out := stream.Headers{{Key: stream.PseudoStatus, Value: strconv.Itoa(resp.StatusCode)}}
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			out = append(out, stream.Header{Key: strings.ToLower(k), Value: v})
		}
	}
	return out
}

func trailersFromHTTP(t http.Header) stream.Headers {
	if len(t) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out stream.Headers
	for _, k := range keys {
		for _, v := range t[k] {
			out = append(out, stream.Header{Key: strings.ToLower(k), Value: v})
		}
	}
	return out
}

// chunkReader adapts the stream's write queue to the io.Reader the
// transport consumes. Close unblocks a pending Read so an aborted
// request never strands the transport's write loop.
type chunkReader struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
	rest []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.rest) > 0 {
		n := copy(p, r.rest)
		r.rest = r.rest[n:]
		return n, nil
	}
	select {
	case chunk, ok := <-r.ch:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, chunk)
		r.rest = chunk[n:]
		return n, nil
	case <-r.done:
		return 0, errors.New("request body abandoned")
	}
}

func (r *chunkReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}
