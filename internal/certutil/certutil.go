// Package certutil generates self-signed certificate bundles for
// local gateways and tests. The certificates are short-lived and not
// meant for production.
package certutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Bundle contains a CA plus server and client certificates signed by
// it, all PEM-encoded.
type Bundle struct {
	CACert     string
	CAKey      string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
}

// Generate builds a complete bundle valid for 24 hours. The server
// certificate covers localhost and the loopback addresses.
func Generate() (*Bundle, error) {
	caCert, caKey, err := generateCA()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA certificate: %w", err)
	}

	serverCert, serverKey, err := generateServer(caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate server certificate: %w", err)
	}

	clientCert, clientKey, err := generateClient(caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate client certificate: %w", err)
	}

	return &Bundle{
		CACert:     encodeCertToPEM(caCert),
		CAKey:      encodeKeyToPEM(caKey),
		ServerCert: encodeCertToPEM(serverCert),
		ServerKey:  encodeKeyToPEM(serverKey),
		ClientCert: encodeCertToPEM(clientCert),
		ClientKey:  encodeKeyToPEM(clientKey),
	}, nil
}

// ServerTLSConfig builds the gateway-side TLS configuration.
func (b *Bundle) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(b.ServerCert), []byte(b.ServerKey))
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// ClientTLSConfig builds a client TLS configuration trusting the
// bundle's CA. serverName may be empty when dialing by hostname.
func (b *Bundle) ClientTLSConfig(serverName string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(b.CACert)) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
	}, nil
}

// WriteFiles writes the bundle under dir with conventional names.
// Keys get 0600, certificates 0644.
func (b *Bundle) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	files := []struct {
		name    string
		content string
		perm    os.FileMode
	}{
		{"ca-cert.pem", b.CACert, 0o644},
		{"ca-key.pem", b.CAKey, 0o600},
		{"server-cert.pem", b.ServerCert, 0o644},
		{"server-key.pem", b.ServerKey, 0o600},
		{"client-cert.pem", b.ClientCert, 0o644},
		{"client-key.pem", b.ClientKey, 0o600},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.content), f.perm); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}

func generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"StreamBridge"},
			CommonName:   "streambridge-ca",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, err
	}
	return cert, caKey, nil
}

func generateServer(caCert *x509.Certificate, caKey *rsa.PrivateKey) (*x509.Certificate, *rsa.PrivateKey, error) {
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			Organization: []string{"StreamBridge"},
			CommonName:   "streambridge-gateway",
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(24 * time.Hour),
		DNSNames:  []string{"streambridge-gateway", "localhost"},
		IPAddresses: []net.IP{
			net.IPv4(127, 0, 0, 1),
			net.IPv6loopback,
		},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, err
	}
	return cert, serverKey, nil
}

func generateClient(caCert *x509.Certificate, caKey *rsa.PrivateKey) (*x509.Certificate, *rsa.PrivateKey, error) {
	clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject: pkix.Name{
			Organization: []string{"StreamBridge"},
			CommonName:   "streambridge-client",
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(24 * time.Hour),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, &clientKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, err
	}
	return cert, clientKey, nil
}

func encodeCertToPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}))
}

func encodeKeyToPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}
