package integration

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	v1 "github.com/streambridge/streambridge/api/v1"
	"github.com/streambridge/streambridge/pkg/grpcengine"
)

var _ = Describe("Graceful Drain", func() {
	var framework *TestFramework

	BeforeEach(func() {
		framework = NewTestFrameworkWithGinkgo(false)
		Expect(framework.Setup()).To(Succeed())
	})

	AfterEach(func() {
		if framework != nil {
			framework.Cleanup()
		}
	})

	It("should remove the tunnel after a graceful client shutdown", func() {
		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool {
			return framework.Gateway().GetTunnel("edge") != nil
		}, 3*time.Second, 100*time.Millisecond).Should(BeTrue())

		Expect(client.Stop()).To(MatchError(context.Canceled))

		// The DRAIN ends the tunnel RPC and the gateway forgets it.
		Eventually(func() bool {
			return framework.Gateway().GetTunnel("edge") == nil
		}, 3*time.Second, 100*time.Millisecond).Should(BeTrue())
	})

	It("should reset in-flight streams when the client drains", func() {
		entered := make(chan struct{}, 1)
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			select {
			case entered <- struct{}{}:
			default:
			}
			// Hold the exchange open until the tunnel teardown aborts it.
			<-r.Context().Done()
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		doErr := make(chan error, 1)
		go func() {
			_, err := client.Do(TunnelRequest{
				Authority: "backend.test",
				Path:      "/hold",
				Timeout:   15 * time.Second,
			})
			doErr <- err
		}()

		Eventually(entered, 5*time.Second, 100*time.Millisecond).Should(Receive())

		Expect(client.Stop()).To(MatchError(context.Canceled))
		Eventually(doErr, 5*time.Second, 100*time.Millisecond).Should(Receive(HaveOccurred()))
	})

	It("should drain multiple clients cleanly", func() {
		first, err := framework.CreateClient("edge-1")
		Expect(err).NotTo(HaveOccurred())
		second, err := framework.CreateClient("edge-2")
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool {
			return framework.Gateway().GetTunnel("edge-1") != nil &&
				framework.Gateway().GetTunnel("edge-2") != nil
		}, 3*time.Second, 100*time.Millisecond).Should(BeTrue())

		Expect(first.Stop()).To(MatchError(context.Canceled))
		Expect(second.Stop()).To(MatchError(context.Canceled))

		Eventually(func() bool {
			return framework.Gateway().GetTunnel("edge-1") == nil &&
				framework.Gateway().GetTunnel("edge-2") == nil
		}, 3*time.Second, 100*time.Millisecond).Should(BeTrue())
	})

	It("should deliver the DRAIN frame on the tunnel", func() {
		// The real gateway consumes DRAIN without surfacing it, so this
		// spec serves the tunnel API directly to observe the frame.
		drainReceived := make(chan string, 1)
		server := grpc.NewServer()
		v1.RegisterTunnelServer(server, &drainCaptureServer{drainReceived: drainReceived})

		listener, err := framework.GetGRPCListener()
		Expect(err).NotTo(HaveOccurred())
		go func() {
			_ = server.Serve(listener)
		}()
		defer server.Stop()

		engine, err := grpcengine.New(&grpcengine.Config{
			GatewayAddress: listener.Addr().String(),
			ClientName:     "drain-client",
			DialOptions: []grpc.DialOption{
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			},
			BackoffFactory: func() backoff.BackOff {
				b := backoff.NewExponentialBackOff()
				b.InitialInterval = 100 * time.Millisecond
				b.MaxInterval = 1 * time.Second
				return b
			},
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		runDone := make(chan error, 1)
		go func() {
			runDone <- engine.Run(ctx)
		}()

		Eventually(engine.Ready, 3*time.Second, 100*time.Millisecond).Should(BeTrue())

		cancel()

		Eventually(runDone, 3*time.Second, 100*time.Millisecond).Should(Receive(MatchError(context.Canceled)))
		Eventually(drainReceived, 3*time.Second, 100*time.Millisecond).Should(Receive(Equal("drain-client")))
	})
})

// drainCaptureServer implements the tunnel service directly so specs
// can watch for the DRAIN frame itself.
type drainCaptureServer struct {
	drainReceived chan string
}

func (s *drainCaptureServer) Tunnel(ts v1.TunnelStream) error {
	clientName := "unknown"
	if md, ok := metadata.FromIncomingContext(ts.Context()); ok {
		if names := md.Get(v1.ClientNameKey); len(names) > 0 {
			clientName = names[0]
		}
	}

	for {
		frame, err := ts.Recv()
		if err != nil {
			return err
		}
		if frame.Type == v1.FrameDrain && frame.StreamID == 0 {
			select {
			case s.drainReceived <- clientName:
			default:
			}
			return nil
		}
	}
}
