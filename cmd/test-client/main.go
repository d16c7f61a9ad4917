// Test Client for Poking Streams Through an Engine
//
// This program opens a single stream through either engine and prints
// every observer event it produces:
//
//	go run ./cmd/test-client -engine http -authority example.com -path /
//	go run ./cmd/test-client -engine grpc -gateway localhost:8443 \
//	    -authority my-upstream:8080 -path /api/health
//
// It demonstrates the embedding API: build an engine, put a
// dispatcher in front of it, start a stream with an observer, send
// the request, and watch the five callbacks arrive.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpcinsecure "google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"github.com/streambridge/streambridge/pkg/dispatcher"
	"github.com/streambridge/streambridge/pkg/engine"
	"github.com/streambridge/streambridge/pkg/grpcengine"
	"github.com/streambridge/streambridge/pkg/httpengine"
	"github.com/streambridge/streambridge/pkg/stream"
)

// printObserver prints each event and signals when the stream is
// done.
type printObserver struct {
	done  chan struct{}
	reset bool
}

func (o *printObserver) OnHeaders(id int64, headers stream.Headers, endStream bool) {
	fmt.Printf("HEADERS end_stream=%v\n", endStream)
	for _, h := range headers {
		fmt.Printf("  %s: %s\n", h.Key, h.Value)
	}
}

func (o *printObserver) OnData(id int64, data []byte, endStream bool) {
	fmt.Printf("DATA %d bytes end_stream=%v\n", len(data), endStream)
	if len(data) > 0 {
		fmt.Printf("%s", data)
		if data[len(data)-1] != '\n' {
			fmt.Println()
		}
	}
}

func (o *printObserver) OnTrailers(id int64, trailers stream.Headers) {
	fmt.Println("TRAILERS")
	for _, h := range trailers {
		fmt.Printf("  %s: %s\n", h.Key, h.Value)
	}
}

func (o *printObserver) OnComplete(id int64) {
	fmt.Println("COMPLETE")
	close(o.done)
}

func (o *printObserver) OnReset(id int64) {
	fmt.Println("RESET")
	o.reset = true
	close(o.done)
}

func parsePairs(s string) (stream.Headers, error) {
	var h stream.Headers
	if s == "" {
		return h, nil
	}
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed pair %q, want key=value", pair)
		}
		h.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return h, nil
}

func main() {
	var (
		engineKind    = flag.String("engine", "http", "Engine to use: http or grpc")
		gatewayAddr   = flag.String("gateway", "localhost:8443", "Gateway address (grpc engine)")
		clientName    = flag.String("client-name", "test-client", "Client name for the tunnel (grpc engine)")
		useInsecure   = flag.Bool("insecure", true, "Use insecure connection to the gateway (grpc engine)")
		skipTLSVerify = flag.Bool("skip-tls-verify", false, "Use TLS but skip certificate verification (grpc engine)")
		method        = flag.String("method", "GET", "Request method")
		scheme        = flag.String("scheme", "http", "Request scheme")
		authority     = flag.String("authority", "", "Request authority (host:port), required")
		path          = flag.String("path", "/", "Request path")
		body          = flag.String("body", "", "Request body")
		headerPairs   = flag.String("headers", "", "Extra request headers, k=v comma separated")
		trailerPairs  = flag.String("trailers", "", "Request trailers, k=v comma separated")
		timeout       = flag.Duration("timeout", 30*time.Second, "How long to wait for the stream to finish")
	)
	klog.InitFlags(nil)
	flag.Parse()

	if *authority == "" {
		klog.ErrorS(nil, "authority is required")
		os.Exit(1)
	}

	trailers, err := parsePairs(*trailerPairs)
	if err != nil {
		klog.ErrorS(err, "Failed to parse trailers")
		os.Exit(1)
	}
	extraHeaders, err := parsePairs(*headerPairs)
	if err != nil {
		klog.ErrorS(err, "Failed to parse headers")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		klog.InfoS("Received shutdown signal")
		cancel()
	}()

	// Build the engine
	var eng engine.Engine
	switch *engineKind {
	case "http":
		httpEng, err := httpengine.New(ctx, httpengine.DefaultConfig())
		if err != nil {
			klog.ErrorS(err, "Failed to create HTTP engine")
			os.Exit(1)
		}
		defer httpEng.Close()
		eng = httpEng

	case "grpc":
		config := &grpcengine.Config{
			GatewayAddress: *gatewayAddr,
			ClientName:     *clientName,
		}
		if *skipTLSVerify {
			config.DialOptions = append(config.DialOptions,
				grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})))
		} else if *useInsecure {
			config.DialOptions = append(config.DialOptions,
				grpc.WithTransportCredentials(grpcinsecure.NewCredentials()))
		} else {
			config.DialOptions = append(config.DialOptions,
				grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		}
		grpcEng, err := grpcengine.New(config)
		if err != nil {
			klog.ErrorS(err, "Failed to create gRPC engine")
			os.Exit(1)
		}
		go func() {
			if err := grpcEng.Run(ctx); err != nil && err != context.Canceled {
				klog.ErrorS(err, "Engine stopped with error")
			}
		}()

		// Wait for the tunnel before opening the stream.
		deadline := time.Now().Add(10 * time.Second)
		for !grpcEng.Ready() {
			if time.Now().After(deadline) {
				klog.ErrorS(nil, "Timed out waiting for the tunnel", "gateway", *gatewayAddr)
				os.Exit(1)
			}
			time.Sleep(100 * time.Millisecond)
		}
		eng = grpcEng

	default:
		klog.ErrorS(nil, "Unknown engine", "engine", *engineKind)
		os.Exit(1)
	}

	// Put a dispatcher in front of it
	d, err := dispatcher.New(dispatcher.DefaultConfig(eng))
	if err != nil {
		klog.ErrorS(err, "Failed to create dispatcher")
		os.Exit(1)
	}
	defer d.Close()

	headers := stream.NewHeaders(
		stream.PseudoMethod, *method,
		stream.PseudoScheme, *scheme,
		stream.PseudoAuthority, *authority,
		stream.PseudoPath, *path,
	)
	headers = append(headers, extraHeaders...)

	obs := &printObserver{done: make(chan struct{})}
	const handle = 1
	if err := d.StartStream(handle, obs); err != nil {
		klog.ErrorS(err, "Failed to start stream")
		os.Exit(1)
	}

	// Send the request
	endAfterHeaders := *body == "" && len(trailers) == 0
	if err := d.SendHeaders(handle, headers, endAfterHeaders); err != nil {
		klog.ErrorS(err, "Failed to send headers")
		os.Exit(1)
	}
	if *body != "" {
		endAfterBody := len(trailers) == 0
		if err := d.SendData(handle, []byte(*body), endAfterBody); err != nil {
			klog.ErrorS(err, "Failed to send body")
			os.Exit(1)
		}
	}
	if len(trailers) > 0 {
		if err := d.SendTrailers(handle, trailers); err != nil {
			klog.ErrorS(err, "Failed to send trailers")
			os.Exit(1)
		}
	}

	select {
	case <-obs.done:
		if obs.reset {
			os.Exit(1)
		}
	case <-time.After(*timeout):
		klog.ErrorS(nil, "Timed out waiting for the stream to finish")
		os.Exit(1)
	case <-ctx.Done():
	}
}
