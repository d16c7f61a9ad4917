package gateway

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	v1 "github.com/streambridge/streambridge/api/v1"
	"github.com/streambridge/streambridge/pkg/engine/enginetest"
	"github.com/streambridge/streambridge/pkg/stream"
)

// fakeTunnelStream is the server view of a tunnel for tests. Frames
// the tunnel sends land on sent; frames pushed to recvCh arrive as
// client traffic.
type fakeTunnelStream struct {
	grpc.ServerStream
	ctx    context.Context
	sent   chan *v1.Frame
	recvCh chan *v1.Frame
}

func newFakeTunnelStream(ctx context.Context) *fakeTunnelStream {
	return &fakeTunnelStream{
		ctx:    ctx,
		sent:   make(chan *v1.Frame, 64),
		recvCh: make(chan *v1.Frame, 64),
	}
}

func (f *fakeTunnelStream) Context() context.Context { return f.ctx }

func (f *fakeTunnelStream) Send(frame *v1.Frame) error {
	f.sent <- frame
	return nil
}

func (f *fakeTunnelStream) Recv() (*v1.Frame, error) {
	frame, ok := <-f.recvCh
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (f *fakeTunnelStream) awaitFrame(t *testing.T) *v1.Frame {
	t.Helper()
	select {
	case frame := <-f.sent:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame to client")
		return nil
	}
}

func (f *fakeTunnelStream) expectNoFrame(t *testing.T) {
	t.Helper()
	select {
	case frame := <-f.sent:
		t.Fatalf("unexpected frame to client: stream=%d type=%v", frame.StreamID, frame.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

type testTunnelConfig struct {
	processor   HeaderProcessor
	router      Router
	idleTimeout time.Duration
	clk         clock.Clock
}

// startTestTunnel serves a tunnel over a fake stream and a fake
// upstream engine. The leak check registers first so it runs after
// teardown.
func startTestTunnel(t *testing.T, tc testTunnelConfig) (*Tunnel, *fakeTunnelStream, *enginetest.Engine, <-chan error) {
	t.Helper()
	t.Cleanup(leaktest.Check(t))

	upstream := enginetest.New()
	if tc.router == nil {
		tc.router = identityRouter{}
	}
	if tc.clk == nil {
		tc.clk = clock.New()
	}
	fs := newFakeTunnelStream(context.Background())

	tun, err := newTunnel("test-tunnel", "edge", fs, tunnelOptions{
		engine:      upstream,
		processor:   tc.processor,
		router:      tc.router,
		idleTimeout: tc.idleTimeout,
		clk:         tc.clk,
		queueSize:   64,
	})
	require.NoError(t, err)

	served := make(chan error, 1)
	serveDone := make(chan struct{})
	go func() {
		err := tun.Serve(context.Background())
		served <- err
		close(serveDone)
	}()
	t.Cleanup(func() {
		close(fs.recvCh)
		select {
		case <-serveDone:
		case <-time.After(2 * time.Second):
			t.Error("tunnel serve did not stop")
		}
	})
	return tun, fs, upstream, served
}

func requestFrame(id int64, endStream bool) *v1.Frame {
	return &v1.Frame{
		StreamID: id,
		Type:     v1.FrameHeaders,
		Headers: v1.HeadersToEntries(stream.NewHeaders(
			stream.PseudoMethod, "GET",
			stream.PseudoScheme, "http",
			stream.PseudoAuthority, "example.com",
			stream.PseudoPath, "/",
		)),
		EndStream: endStream,
	}
}

func awaitStreams(t *testing.T, upstream *enginetest.Engine, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return upstream.StreamCount() == n },
		2*time.Second, 10*time.Millisecond, "upstream stream count")
}

func TestStreamFlowsThroughUpstreamEngine(t *testing.T) {
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{})

	fs.recvCh <- requestFrame(1, false)
	awaitStreams(t, upstream, 1)

	fs.recvCh <- &v1.Frame{StreamID: 1, Type: v1.FrameData, Data: []byte("ping"), EndStream: true}
	es := upstream.Stream(0)
	require.Eventually(t, func() bool { return len(es.Calls()) == 2 },
		2*time.Second, 10*time.Millisecond, "upstream calls")

	calls := es.Calls()
	assert.Equal(t, enginetest.CallHeaders, calls[0].Kind)
	assert.Equal(t, "example.com", calls[0].Headers.Authority())
	assert.Equal(t, enginetest.CallData, calls[1].Kind)
	assert.Equal(t, []byte("ping"), calls[1].Data)
	assert.True(t, calls[1].EndStream)

	// Upstream responds; every event comes back as a frame, in order.
	es.EmitHeaders(stream.NewHeaders(stream.PseudoStatus, "200"), false)
	es.EmitData([]byte("pong"), false)
	es.EmitTrailers(stream.NewHeaders("x-check", "done"))
	es.EmitComplete()

	frame := fs.awaitFrame(t)
	assert.Equal(t, v1.FrameHeaders, frame.Type)
	assert.Equal(t, int64(1), frame.StreamID)
	frame = fs.awaitFrame(t)
	assert.Equal(t, v1.FrameData, frame.Type)
	assert.Equal(t, []byte("pong"), frame.Data)
	frame = fs.awaitFrame(t)
	assert.Equal(t, v1.FrameTrailers, frame.Type)
	frame = fs.awaitFrame(t)
	assert.Equal(t, v1.FrameComplete, frame.Type)
}

func TestDuplicateStreamIDResetsBoth(t *testing.T) {
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{})

	fs.recvCh <- requestFrame(7, false)
	awaitStreams(t, upstream, 1)

	fs.recvCh <- requestFrame(7, false)
	frame := fs.awaitFrame(t)
	assert.Equal(t, v1.FrameReset, frame.Type)
	assert.Equal(t, int64(7), frame.StreamID)

	require.Eventually(t, func() bool { return upstream.Stream(0).ResetCount() == 1 },
		2*time.Second, 10*time.Millisecond, "existing upstream stream reset")
	assert.Equal(t, 1, upstream.StreamCount(), "no second upstream stream")
}

func TestFrameForUnknownStreamGetsReset(t *testing.T) {
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{})

	fs.recvCh <- &v1.Frame{StreamID: 99, Type: v1.FrameData, Data: []byte("stray")}
	frame := fs.awaitFrame(t)
	assert.Equal(t, v1.FrameReset, frame.Type)
	assert.Equal(t, int64(99), frame.StreamID)
	assert.Equal(t, 0, upstream.StreamCount())
}

func TestLateFramesForClosedStreamDropQuietly(t *testing.T) {
	tun, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{})

	fs.recvCh <- requestFrame(3, true)
	awaitStreams(t, upstream, 1)
	es := upstream.Stream(0)
	es.EmitHeaders(stream.NewHeaders(stream.PseudoStatus, "204"), true)
	es.EmitComplete()

	fs.awaitFrame(t) // headers
	fs.awaitFrame(t) // complete
	require.Eventually(t, func() bool { return tun.ActiveStreams() == 0 },
		2*time.Second, 10*time.Millisecond)

	// A frame racing the completion is a known straggler, not a
	// confused client: no RESET goes back.
	fs.recvCh <- &v1.Frame{StreamID: 3, Type: v1.FrameData, Data: []byte("late")}
	fs.expectNoFrame(t)
}

func TestCompleteWaitsForClientToFinish(t *testing.T) {
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{})

	fs.recvCh <- requestFrame(1, false)
	awaitStreams(t, upstream, 1)
	es := upstream.Stream(0)

	// The response ends before the request body does.
	es.EmitHeaders(stream.NewHeaders(stream.PseudoStatus, "200"), true)
	frame := fs.awaitFrame(t)
	assert.Equal(t, v1.FrameHeaders, frame.Type)
	assert.True(t, frame.EndStream)

	// Half-done is not done: the client is still sending.
	fs.expectNoFrame(t)

	fs.recvCh <- &v1.Frame{StreamID: 1, Type: v1.FrameData, Data: []byte("tail"), EndStream: true}
	require.Eventually(t, func() bool { return len(es.Calls()) == 2 },
		2*time.Second, 10*time.Millisecond, "upstream received the body")

	frame = fs.awaitFrame(t)
	assert.Equal(t, v1.FrameComplete, frame.Type)
	assert.Equal(t, int64(1), frame.StreamID)
}

func TestCompleteFromBareCompletionEvent(t *testing.T) {
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{})

	fs.recvCh <- requestFrame(2, true)
	awaitStreams(t, upstream, 1)
	es := upstream.Stream(0)

	// Some engines never flag the last body chunk and signal the end
	// of the response only through the completion event.
	es.EmitHeaders(stream.NewHeaders(stream.PseudoStatus, "200"), false)
	es.EmitData([]byte("body"), false)
	es.EmitComplete()

	frame := fs.awaitFrame(t)
	assert.Equal(t, v1.FrameHeaders, frame.Type)
	frame = fs.awaitFrame(t)
	assert.Equal(t, v1.FrameData, frame.Type)
	assert.Equal(t, []byte("body"), frame.Data)
	frame = fs.awaitFrame(t)
	assert.Equal(t, v1.FrameComplete, frame.Type)
	assert.Equal(t, int64(2), frame.StreamID)
}

type rewriteRouter struct {
	blocked string
	target  string
}

func (r rewriteRouter) Route(authority string) (string, error) {
	if authority == r.blocked {
		return "", errors.New("authority not allowed")
	}
	if r.target != "" {
		return r.target, nil
	}
	return authority, nil
}

func TestRouterRewritesAuthority(t *testing.T) {
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{
		router: rewriteRouter{target: "internal.svc:8080"},
	})

	fs.recvCh <- requestFrame(1, true)
	awaitStreams(t, upstream, 1)
	require.Eventually(t, func() bool { return len(upstream.Stream(0).Calls()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "internal.svc:8080", upstream.Stream(0).Calls()[0].Headers.Authority())
}

func TestRouterRejectionResetsStream(t *testing.T) {
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{
		router: rewriteRouter{blocked: "example.com"},
	})

	fs.recvCh <- requestFrame(4, true)
	frame := fs.awaitFrame(t)
	assert.Equal(t, v1.FrameReset, frame.Type)
	assert.Equal(t, int64(4), frame.StreamID)
	assert.Equal(t, 0, upstream.StreamCount(), "rejected stream never reaches upstream")
}

type headerInjector struct {
	key, value string
	err        error
}

func (h headerInjector) Process(authority string, headers stream.Headers) (stream.Headers, error) {
	if h.err != nil {
		return nil, h.err
	}
	headers.Add(h.key, h.value)
	return headers, nil
}

func TestHeaderProcessorInjectsHeaders(t *testing.T) {
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{
		processor: headerInjector{key: "x-gateway-auth", value: "token-1"},
	})

	fs.recvCh <- requestFrame(1, true)
	awaitStreams(t, upstream, 1)
	require.Eventually(t, func() bool { return len(upstream.Stream(0).Calls()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "token-1", upstream.Stream(0).Calls()[0].Headers.Get("x-gateway-auth"))
}

func TestHeaderProcessorRejectionResetsStream(t *testing.T) {
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{
		processor: headerInjector{err: errors.New("no credentials")},
	})

	fs.recvCh <- requestFrame(2, true)
	frame := fs.awaitFrame(t)
	assert.Equal(t, v1.FrameReset, frame.Type)
	assert.Equal(t, 0, upstream.StreamCount())
}

func TestClientResetForwardsUpstreamWithoutEcho(t *testing.T) {
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{})

	fs.recvCh <- requestFrame(5, false)
	awaitStreams(t, upstream, 1)

	fs.recvCh <- &v1.Frame{StreamID: 5, Type: v1.FrameReset}
	require.Eventually(t, func() bool { return upstream.Stream(0).ResetCount() == 1 },
		2*time.Second, 10*time.Millisecond, "upstream reset")

	// The client tore the stream down itself: no RESET echo.
	fs.expectNoFrame(t)
}

func TestIdleStreamsAreReaped(t *testing.T) {
	mock := clock.NewMock()
	_, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{
		idleTimeout: 2 * time.Minute,
		clk:         mock,
	})

	fs.recvCh <- requestFrame(1, false)
	awaitStreams(t, upstream, 1)

	// Let the reaper's ticker get registered before moving the clock.
	time.Sleep(50 * time.Millisecond)
	mock.Add(3 * time.Minute)

	frame := fs.awaitFrame(t)
	assert.Equal(t, v1.FrameReset, frame.Type)
	assert.Equal(t, int64(1), frame.StreamID)
	require.Eventually(t, func() bool { return upstream.Stream(0).ResetCount() == 1 },
		2*time.Second, 10*time.Millisecond, "idle upstream stream reset")
}

func TestActiveStreamsSurviveIdleSweeps(t *testing.T) {
	mock := clock.NewMock()
	tun, fs, upstream, _ := startTestTunnel(t, testTunnelConfig{
		idleTimeout: 2 * time.Minute,
		clk:         mock,
	})

	fs.recvCh <- requestFrame(1, false)
	awaitStreams(t, upstream, 1)
	time.Sleep(50 * time.Millisecond)

	// Traffic keeps arriving between sweeps, so the stream stays.
	for i := 0; i < 4; i++ {
		mock.Add(time.Minute)
		fs.recvCh <- &v1.Frame{StreamID: 1, Type: v1.FrameData, Data: []byte("tick")}
		require.Eventually(t, func() bool { return len(upstream.Stream(0).Calls()) == i+2 },
			2*time.Second, 10*time.Millisecond)
	}

	assert.Equal(t, 0, upstream.Stream(0).ResetCount())
	assert.Equal(t, 1, tun.ActiveStreams())
}

func TestDrainEndsTunnel(t *testing.T) {
	tun, fs, upstream, served := startTestTunnel(t, testTunnelConfig{})

	fs.recvCh <- requestFrame(1, false)
	awaitStreams(t, upstream, 1)

	fs.recvCh <- &v1.Frame{StreamID: 0, Type: v1.FrameDrain}
	select {
	case err := <-served:
		require.ErrorIs(t, err, errClientDrained)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not end on drain")
	}

	// Closing the tunnel resets what was in flight.
	require.Eventually(t, func() bool { return upstream.Stream(0).ResetCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, tun.ActiveStreams())
}

func TestTunnelCloseResetsUpstreamStreams(t *testing.T) {
	tun, fs, upstream, served := startTestTunnel(t, testTunnelConfig{})

	fs.recvCh <- requestFrame(1, false)
	fs.recvCh <- requestFrame(2, false)
	awaitStreams(t, upstream, 2)

	tun.Close()
	for i := 0; i < 2; i++ {
		es := upstream.Stream(i)
		require.Eventually(t, func() bool { return es.ResetCount() == 1 },
			2*time.Second, 10*time.Millisecond, "stream %d reset", i)
	}

	select {
	case err := <-served:
		require.ErrorIs(t, err, errTunnelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop after close")
	}
	tun.Close() // idempotent
}

func TestTunnelManagerReplaceAndRemove(t *testing.T) {
	defer leaktest.Check(t)()

	opts := tunnelOptions{
		engine:    enginetest.New(),
		router:    identityRouter{},
		clk:       clock.New(),
		queueSize: 8,
	}
	tm := NewTunnelManager(opts)

	fs1 := newFakeTunnelStream(context.Background())
	t1, err := tm.NewTunnel("edge", fs1)
	require.NoError(t, err)
	require.Same(t, t1, tm.GetTunnel("edge"))

	// A reconnect replaces the tunnel and closes the old one.
	fs2 := newFakeTunnelStream(context.Background())
	t2, err := tm.NewTunnel("edge", fs2)
	require.NoError(t, err)
	require.Same(t, t2, tm.GetTunnel("edge"))
	assert.NotEqual(t, t1.ID(), t2.ID())

	// The old tunnel's deferred cleanup must not evict its successor.
	tm.RemoveTunnel("edge", t1.ID())
	require.Same(t, t2, tm.GetTunnel("edge"))

	tm.RemoveTunnel("edge", t2.ID())
	require.Nil(t, tm.GetTunnel("edge"))

	t2.Close()
	tm.Close()
}

func TestAllowlistRouter(t *testing.T) {
	r := NewAllowlistRouter(nil)
	got, err := r.Route("anything.example.com")
	require.NoError(t, err)
	assert.Equal(t, "anything.example.com", got)

	r = NewAllowlistRouter([]string{"api.internal:8443", "files.internal"})
	got, err = r.Route("api.internal:8443")
	require.NoError(t, err)
	assert.Equal(t, "api.internal:8443", got)

	_, err = r.Route("evil.example.com")
	require.Error(t, err)
}

func TestServerConfigValidation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(&Config{GRPCListenAddress: ":0"})
	require.Error(t, err, "engine is required")

	s, err := New(&Config{GRPCListenAddress: "127.0.0.1:0", Engine: enginetest.New()})
	require.NoError(t, err)
	assert.False(t, s.Ready())
	assert.Equal(t, "127.0.0.1:0", s.GRPCAddress())
}

func TestServerRunAndShutdown(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	s, err := New(&Config{GRPCListenAddress: "127.0.0.1:0", Engine: enginetest.New()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.Ready, 2*time.Second, 10*time.Millisecond, "server ready")
	assert.NotEqual(t, "127.0.0.1:0", s.GRPCAddress(), "listener should have a concrete port")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, s.Ready())
}
