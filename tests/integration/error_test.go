package integration

import (
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Error Handling", func() {
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

	It("should reset streams for unrouted authorities", func() {
		// No route is configured, so the gateway rejects the stream.
		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		_, err = client.Do(TunnelRequest{Authority: "ghost.test", Path: "/api/v1/test"})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("reset"))
	})

	It("should reset streams when the backend is unreachable", func() {
		framework.RouteAuthority("dead.test", "127.0.0.1:1") // nothing listens here

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		_, err = client.Do(TunnelRequest{Authority: "dead.test", Path: "/api/v1/test"})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("reset"))
	})

	It("should reset streams when the backend hostname does not resolve", func() {
		framework.RouteAuthority("phantom.test", "non-existent-hostname.invalid:8080")

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		_, err = client.Do(TunnelRequest{Authority: "phantom.test", Path: "/api/v1/test"})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("reset"))
	})

	It("should time out hanging backends at the caller", func() {
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			// Hang until the exchange is torn down.
			select {
			case <-r.Context().Done():
			case <-time.After(30 * time.Second):
			}
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		_, err = client.Do(TunnelRequest{
			Authority: "backend.test",
			Path:      "/hang",
			Timeout:   1 * time.Second,
		})
		Expect(err).To(HaveOccurred())
		Expect(strings.Contains(err.Error(), "timed out")).To(BeTrue(),
			"Expected timeout error, got: %s", err.Error())

		// The request did reach the backend before hanging.
		Expect(backend.Requests()).To(HaveLen(1))
	})

	It("should tolerate slow backends within the timeout", func() {
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(1 * time.Second)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Slow response"))
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Do(TunnelRequest{
			Authority: "backend.test",
			Path:      "/slow",
			Timeout:   5 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusOK))
		Expect(string(resp.Body)).To(Equal("Slow response"))
	})

	It("should keep the tunnel healthy after a failed stream", func() {
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("still alive"))
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		By("Failing a stream against an unrouted authority")
		_, err = client.Do(TunnelRequest{Authority: "ghost.test", Path: "/nope"})
		Expect(err).To(HaveOccurred())

		By("Reusing the same tunnel for a routed request")
		resp, err := client.Do(TunnelRequest{Authority: "backend.test", Path: "/after"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusOK))
		Expect(string(resp.Body)).To(Equal("still alive"))
	})

	It("should propagate backend error status codes", func() {
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nothing here", http.StatusNotFound)
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Do(TunnelRequest{Authority: "backend.test", Path: "/missing"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusNotFound))
		Expect(strings.TrimSpace(string(resp.Body))).To(Equal("nothing here"))
	})
})
