package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/streambridge/streambridge/internal/certutil"
)

func main() {
	var (
		outputDir = flag.String("output-dir", "certs", "Directory to output certificates")
		help      = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		fmt.Println("Certificate Generator for StreamBridge Testing")
		fmt.Println("")
		fmt.Println("Usage:")
		fmt.Printf("  %s [flags]\n", os.Args[0])
		fmt.Println("")
		fmt.Println("Flags:")
		flag.PrintDefaults()
		fmt.Println("")
		fmt.Println("This tool generates CA, server, and client certificates for secure")
		fmt.Println("gRPC communication between tunnel clients and the gateway.")
		return
	}

	log.Printf("Generating certificates...")
	log.Printf("Output directory: %s", *outputDir)

	bundle, err := certutil.Generate()
	if err != nil {
		log.Fatalf("Failed to generate certificates: %v", err)
	}

	if err := bundle.WriteFiles(*outputDir); err != nil {
		log.Fatalf("Failed to write certificates: %v", err)
	}

	log.Printf("Certificate generation completed successfully!")
	log.Printf("")
	log.Printf("Generated files:")
	for _, name := range []string{
		"ca-cert.pem", "ca-key.pem",
		"server-cert.pem", "server-key.pem",
		"client-cert.pem", "client-key.pem",
	} {
		log.Printf("  • %s", filepath.Join(*outputDir, name))
	}
	log.Printf("")
	log.Printf("These certificates are valid for 24 hours and are intended for testing only.")
	log.Printf("DO NOT use these certificates in production!")
}
