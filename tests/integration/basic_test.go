package integration

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/streambridge/streambridge/pkg/stream"
)

var _ = Describe("Basic Connectivity", func() {
	var framework *TestFramework

	BeforeEach(func() {
		framework = NewTestFrameworkWithGinkgo(false) // Start with insecure for simplicity
		Expect(framework.Setup()).To(Succeed())
	})

	AfterEach(func() {
		if framework != nil {
			framework.Cleanup()
		}
	})

	It("should route a request through the tunnel", func() {
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Hello from backend"))
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		GinkgoLogr.Info("Sending request through tunnel", "gateway", framework.GatewayAddress())
		resp, err := client.Do(TunnelRequest{
			Authority: "backend.test",
			Path:      "/api/v1/test",
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(resp.Status).To(Equal(http.StatusOK))
		Expect(resp.Headers.Get("content-type")).To(Equal("text/plain"))
		Expect(string(resp.Body)).To(Equal("Hello from backend"))

		requests := backend.Requests()
		Expect(requests).To(HaveLen(1))
		Expect(requests[0].Method).To(Equal("GET"))
		Expect(requests[0].Path).To(Equal("/api/v1/test"))
	})

	It("should propagate backend status codes", func() {
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
			w.Write([]byte("short and stout"))
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Do(TunnelRequest{Authority: "backend.test", Path: "/brew"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusTeapot))
		Expect(string(resp.Body)).To(Equal("short and stout"))
	})

	It("should handle multiple concurrent requests", func() {
		requestCount := 0
		var mu sync.Mutex
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			requestCount++
			id := requestCount
			mu.Unlock()

			// Simulate some processing time so the streams overlap.
			time.Sleep(100 * time.Millisecond)

			w.WriteHeader(http.StatusOK)
			w.Write([]byte(fmt.Sprintf("Response %d", id)))
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		const numRequests = 10
		var wg sync.WaitGroup
		responses := make([]string, numRequests)
		errors := make([]error, numRequests)

		for i := 0; i < numRequests; i++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				resp, err := client.Do(TunnelRequest{
					Authority: "backend.test",
					Path:      fmt.Sprintf("/request/%d", index),
				})
				if err != nil {
					errors[index] = err
					return
				}
				if resp.Status != http.StatusOK {
					errors[index] = fmt.Errorf("unexpected status code: %d", resp.Status)
					return
				}
				responses[index] = string(resp.Body)
			}(i)
		}
		wg.Wait()

		for i, err := range errors {
			Expect(err).NotTo(HaveOccurred(), "Request %d failed", i)
		}

		// All responses unique, indicating proper multiplexing.
		responseSet := make(map[string]bool)
		for i, response := range responses {
			Expect(responseSet[response]).To(BeFalse(), "Duplicate response %s for request %d", response, i)
			responseSet[response] = true
		}

		requests := backend.Requests()
		Expect(requests).To(HaveLen(numRequests))
	})

	It("should transfer large amounts of data", func() {
		largeData := make([]byte, 1024*1024)
		for i := range largeData {
			largeData[i] = byte(i % 256)
		}

		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.WriteHeader(http.StatusOK)
			w.Write(body)
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Do(TunnelRequest{
			Method:    "POST",
			Authority: "backend.test",
			Path:      "/upload",
			Body:      largeData,
			Timeout:   30 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusOK))

		GinkgoLogr.Info("Data transfer sizes", "sent", len(largeData), "received", len(resp.Body))
		Expect(resp.Body).To(Equal(largeData), "Response data doesn't match sent data")

		requests := backend.Requests()
		Expect(requests).To(HaveLen(1))
		Expect(requests[0].Method).To(Equal("POST"))
		Expect(requests[0].Body).To(Equal(largeData))
	})

	It("should handle different HTTP methods", func() {
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(fmt.Sprintf("Method: %s, Body: %s", r.Method, string(body))))
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		testCases := []struct {
			method string
			body   string
		}{
			{"GET", ""},
			{"POST", "post data"},
			{"PUT", "put data"},
			{"DELETE", ""},
			{"PATCH", "patch data"},
		}

		for _, tc := range testCases {
			By(fmt.Sprintf("Testing %s method", tc.method))
			resp, err := client.Do(TunnelRequest{
				Method:    tc.method,
				Authority: "backend.test",
				Path:      "/api",
				Body:      []byte(tc.body),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK))

			expectedResponse := fmt.Sprintf("Method: %s, Body: %s", tc.method, tc.body)
			Expect(string(resp.Body)).To(Equal(expectedResponse))
		}

		requests := backend.Requests()
		Expect(requests).To(HaveLen(len(testCases)))
	})

	It("should forward request headers to the backend", func() {
		backend, err := framework.CreateBackend("backend", nil)
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Do(TunnelRequest{
			Authority: "backend.test",
			Path:      "/echo-headers",
			Headers: stream.NewHeaders(
				"x-request-id", "req-42",
				"accept", "application/json",
			),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusOK))

		requests := backend.Requests()
		Expect(requests).To(HaveLen(1))
		Expect(requests[0].Headers.Get("X-Request-Id")).To(Equal("req-42"))
		Expect(requests[0].Headers.Get("Accept")).To(Equal("application/json"))
	})

	It("should carry response trailers through the tunnel", func() {
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Trailer", "X-Check")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("payload"))
			w.Header().Set("X-Check", "done")
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Do(TunnelRequest{Authority: "backend.test", Path: "/trailing"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusOK))
		Expect(string(resp.Body)).To(Equal("payload"))
		Expect(resp.Trailers.Get("x-check")).To(Equal("done"))
	})
})

var _ = Describe("TLS Connectivity", func() {
	var framework *TestFramework

	BeforeEach(func() {
		framework = NewTestFrameworkWithGinkgo(true) // Enable TLS
		Expect(framework.Setup()).To(Succeed())
	})

	AfterEach(func() {
		if framework != nil {
			framework.Cleanup()
		}
	})

	It("should establish TLS-enabled connectivity", func() {
		backend, err := framework.CreateBackend("backend", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Hello from TLS backend"))
		})
		Expect(err).NotTo(HaveOccurred())
		framework.RouteAuthority("backend.test", backend.Addr())

		client, err := framework.CreateClient("edge")
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Do(TunnelRequest{Authority: "backend.test", Path: "/api/v1/test"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusOK))
		Expect(string(resp.Body)).To(Equal("Hello from TLS backend"))

		requests := backend.Requests()
		Expect(requests).To(HaveLen(1))
	})
})
