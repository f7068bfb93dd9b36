// Package transport provides the QUIC/WebTransport endpoint: listener,
// per-connection handle, reliable bidirectional control streams, and
// unreliable datagrams.
//
// Grounded on tls.go's self-signed certificate generator (kept as the
// dev-mode convenience path) and client.go's
// handleClient(ctx, sess *webtransport.Session, ...) usage, which is
// treated as the canonical transport wiring — server.go's
// gorilla-websocket variant called an undefined
// handleWebSocketClient and is not reproduced (see DESIGN.md).
package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// GenerateDevCert creates a self-signed ECDSA P-256 certificate for
// dev-mode QUIC testing, returning a ready-to-use tls.Config and the
// certificate's SHA-256 fingerprint (hex), matching tls.go's contract.
func GenerateDevCert(validity time.Duration, hostname string, alpn string) (*tls.Config, string, error) {
	if hostname == "" {
		hostname = "localhost"
	}
	if validity <= 0 {
		validity = 24 * time.Hour
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{hostname, "bken", "localhost"},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("create certificate: %w", err)
	}

	sum := sha256.Sum256(der)
	fingerprint := hex.EncodeToString(sum[:])

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	return cfg, fingerprint, nil
}

// LoadCert reads a certificate/key pair from disk for production use,
// binding the given ALPN token.
func LoadCert(certPath, keyPath, alpn string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load certificate pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// PinnedClientTLSConfig builds a client-side tls.Config that accepts a
// server certificate only if its SHA-256 fingerprint matches pin (hex,
// case-insensitive), for clients that dial a gateway started with a
// dev-mode cert. Nothing in this module calls it.
func PinnedClientTLSConfig(pin string, alpn string) *tls.Config {
	return &tls.Config{
		NextProtos:         []string{alpn},
		InsecureSkipVerify: true, // verification is done in VerifyPeerCertificate below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				sum := sha256.Sum256(raw)
				if strings.EqualFold(hex.EncodeToString(sum[:]), pin) {
					return nil
				}
			}
			return fmt.Errorf("no presented certificate matched pin %s", pin)
		},
	}
}
