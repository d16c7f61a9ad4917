package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/streambridge/streambridge/pkg/gateway"
	"github.com/streambridge/streambridge/pkg/httpengine"
)

func main() {
	// Command line flags
	var (
		grpcAddr          = flag.String("grpc-address", ":8443", "gRPC server address for tunnel clients")
		certFile          = flag.String("cert-file", "", "Path to TLS certificate file")
		keyFile           = flag.String("key-file", "", "Path to TLS private key file")
		streamIdleTimeout = flag.Duration("stream-idle-timeout", 5*time.Minute, "Reset streams idle for this long (0 disables)")
		allowedAuthority  = flag.String("allowed-authorities", "", "Comma-separated list of upstream authorities to allow (empty allows all)")
		disableHTTP2      = flag.Bool("disable-http2", false, "Disable HTTP/2 for upstream requests")
	)

	klog.InitFlags(nil)
	flag.Parse()

	klog.InfoS("Starting streambridge gateway",
		"grpc_address", *grpcAddr,
		"tls_enabled", *certFile != "" && *keyFile != "",
		"stream_idle_timeout", *streamIdleTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Upstream engine executing tunneled streams against real servers
	upstream, err := httpengine.New(ctx, &httpengine.Config{DisableHTTP2: *disableHTTP2})
	if err != nil {
		klog.ErrorS(err, "Failed to create upstream engine")
		os.Exit(1)
	}
	defer upstream.Close()

	config := &gateway.Config{
		GRPCListenAddress: *grpcAddr,
		Engine:            upstream,
		StreamIdleTimeout: *streamIdleTimeout,
		MetricsRegisterer: prometheus.DefaultRegisterer,
	}

	if *allowedAuthority != "" {
		authorities := strings.Split(*allowedAuthority, ",")
		for i := range authorities {
			authorities[i] = strings.TrimSpace(authorities[i])
		}
		config.Router = gateway.NewAllowlistRouter(authorities)
		klog.InfoS("Authority allowlist enabled", "authorities", authorities)
	}

	if *certFile != "" && *keyFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			klog.ErrorS(err, "Failed to load TLS certificate")
			os.Exit(1)
		}
		config.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.NoClientCert,
		}
		klog.InfoS("TLS enabled", "cert_file", *certFile, "key_file", *keyFile)
	} else {
		klog.InfoS("TLS not configured - using insecure connection")
	}

	gw, err := gateway.New(config)
	if err != nil {
		klog.ErrorS(err, "Failed to create gateway")
		os.Exit(1)
	}

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	select {
	case <-sigCh:
		klog.InfoS("Received shutdown signal, stopping gateway...")
		cancel()
		gw.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil {
			klog.ErrorS(err, "Gateway stopped with error")
			os.Exit(1)
		}
	}

	klog.InfoS("Gateway stopped")
}
