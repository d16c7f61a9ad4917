// Test Gateway with a Built-in Echo Upstream
//
// This program runs a gateway whose router points every stream at a
// local echo server, so a tunnel client can be exercised without any
// real upstream infrastructure:
//
//	go run ./cmd/test-gateway
//	go run ./cmd/test-client -engine grpc -gateway localhost:8443 \
//	    -authority anything -path /hello
//
// The echo server answers every request with the method, path, and
// body it saw. The gateway listens without TLS; it is for local
// testing only.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/streambridge/streambridge/pkg/gateway"
	"github.com/streambridge/streambridge/pkg/httpengine"
)

// echoRouter sends every authority to the built-in echo server.
type echoRouter struct {
	target string
}

func (r *echoRouter) Route(authority string) (string, error) {
	klog.V(4).InfoS("Routing to echo server", "requested_authority", authority, "target", r.target)
	return r.target, nil
}

func main() {
	var (
		grpcAddr = flag.String("grpc-address", ":8443", "gRPC server address for tunnel clients")
		echoAddr = flag.String("echo-address", "127.0.0.1:0", "Address for the built-in echo server")
	)
	klog.InitFlags(nil)
	flag.Parse()

	// Built-in echo upstream
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		klog.InfoS("Echo request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Echo from test-gateway!\nTime: %s\nMethod: %s\nPath: %s\nBody: %s\n",
			time.Now().Format(time.RFC3339), r.Method, r.URL.Path, body)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	echoListener, err := net.Listen("tcp", *echoAddr)
	if err != nil {
		klog.ErrorS(err, "Failed to listen for echo server")
		os.Exit(1)
	}
	echoServer := &http.Server{Handler: mux}
	go func() {
		if err := echoServer.Serve(echoListener); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "Echo server failed")
			os.Exit(1)
		}
	}()
	klog.InfoS("Echo server started", "address", echoListener.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream, err := httpengine.New(ctx, httpengine.DefaultConfig())
	if err != nil {
		klog.ErrorS(err, "Failed to create upstream engine")
		os.Exit(1)
	}
	defer upstream.Close()

	gw, err := gateway.New(&gateway.Config{
		GRPCListenAddress: *grpcAddr,
		Engine:            upstream,
		Router:            &echoRouter{target: echoListener.Addr().String()},
	})
	if err != nil {
		klog.ErrorS(err, "Failed to create gateway")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	klog.InfoS("Test gateway started", "grpc_address", *grpcAddr)

	select {
	case <-sigCh:
		klog.InfoS("Received shutdown signal, stopping...")
		cancel()
		gw.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil {
			klog.ErrorS(err, "Gateway stopped with error")
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := echoServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Echo server shutdown failed")
	}

	klog.InfoS("Test gateway stopped")
}
