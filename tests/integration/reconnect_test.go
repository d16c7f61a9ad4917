package integration

import (
	"context"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Client Reconnection", func() {
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

	It("should reconnect after a gateway restart", func() {
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Hello from backend"))
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		By("Verifying initial connectivity")
		resp, err := client.Do(TunnelRequest{Authority: "backend.test", Path: "/before"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusOK))

		By("Stopping the gateway")
		Expect(framework.StopGateway()).To(Succeed())
		Eventually(client.Ready, 5*time.Second, 100*time.Millisecond).Should(BeFalse())

		By("Restarting the gateway on the same address")
		Expect(framework.RestartGateway()).To(Succeed())
		Eventually(client.Ready, 10*time.Second, 100*time.Millisecond).Should(BeTrue())

		By("Verifying connectivity is restored")
		resp, err = client.Do(TunnelRequest{Authority: "backend.test", Path: "/after"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusOK))
		Expect(string(resp.Body)).To(Equal("Hello from backend"))

		requests := backend.Requests()
		Expect(requests).To(HaveLen(2))
		Expect(requests[1].Path).To(Equal("/after"))
	})

	It("should refuse streams while the gateway is down", func() {
		backend, err := framework.CreateBackend("backend", nil)
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		Expect(framework.StopGateway()).To(Succeed())
		Eventually(client.Ready, 5*time.Second, 100*time.Millisecond).Should(BeFalse())

		// With no tunnel the stream is refused immediately, reported
		// through the observer as a reset.
		_, err = client.Do(TunnelRequest{Authority: "backend.test", Path: "/while-down"})
		Expect(err).To(HaveOccurred())

		Expect(framework.RestartGateway()).To(Succeed())
		Eventually(client.Ready, 10*time.Second, 100*time.Millisecond).Should(BeTrue())

		resp, err := client.Do(TunnelRequest{Authority: "backend.test", Path: "/back-up"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusOK))
	})

	It("should serve multiple clients independently", func() {
		numClients := 3
		backends := make([]*Backend, numClients)

		for i := 0; i < numClients; i++ {
			clientID := i
			backend, err := framework.CreateBackend(fmt.Sprintf("backend%d", i), func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(fmt.Sprintf("Response for client%d", clientID)))
			})
			Expect(err).NotTo(HaveOccurred())
			backends[i] = backend
			framework.RouteAuthority(fmt.Sprintf("svc%d.test", i), backend.Addr())
		}

		clients := make([]*TestClient, numClients)
		for i := 0; i < numClients; i++ {
			client, err := framework.CreateClient(fmt.Sprintf("client%d", i))
			Expect(err).NotTo(HaveOccurred())
			clients[i] = client
		}

		for i := 0; i < numClients; i++ {
			resp, err := clients[i].Do(TunnelRequest{
				Authority: fmt.Sprintf("svc%d.test", i),
				Path:      "/api/v1/test",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK))
			Expect(string(resp.Body)).To(Equal(fmt.Sprintf("Response for client%d", i)))
		}
	})

	It("should replace the tunnel when a client reconnects under the same name", func() {
		backend, err := framework.CreateBackend("backend", nil)
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		first, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool {
			return framework.Gateway().GetTunnel("edge") != nil
		}, 3*time.Second, 100*time.Millisecond).Should(BeTrue())
		firstTunnelID := framework.Gateway().GetTunnel("edge").ID()

		Expect(first.Stop()).To(MatchError(context.Canceled))

		// A new client under the same name takes over the slot.
		second, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool {
			t := framework.Gateway().GetTunnel("edge")
			return t != nil && t.ID() != firstTunnelID
		}, 5*time.Second, 100*time.Millisecond).Should(BeTrue())

		resp, err := second.Do(TunnelRequest{Authority: "backend.test", Path: "/takeover"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusOK))
	})
})
