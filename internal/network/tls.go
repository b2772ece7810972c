package network

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// ALPN is the application protocol negotiated on every mesh connection.
const ALPN = "bitchatmesh"

// EnvDevTLSCAPath overrides the CA file passed to ClientTLSConfig.
const EnvDevTLSCAPath = "MESH_DEVTLS_CA_PATH"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert builds the same self-signed certificate on every node. The
// transport only needs QUIC's encryption; peers authenticate each other
// inside the mesh handshake.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("bitchatmesh-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func ServerTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig trusts the dev certificate, or the PEM bundle at caPath
// when one is given. insecure skips verification entirely.
func ClientTLSConfig(insecure bool, caPath string) (*tls.Config, error) {
	conf := &tls.Config{NextProtos: []string{ALPN}, MinVersion: tls.VersionTLS13}
	if insecure {
		conf.InsecureSkipVerify = true
		return conf, nil
	}
	if env := os.Getenv(EnvDevTLSCAPath); env != "" {
		caPath = env
	}
	pool := x509.NewCertPool()
	if caPath != "" {
		pemBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read ca %s: %w", caPath, err)
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("no certificates in %s", caPath)
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	conf.RootCAs = pool
	conf.ServerName = "localhost"
	return conf, nil
}

// WriteDevCA writes the dev certificate as PEM so other nodes can pin it.
func WriteDevCA(path string) error {
	_, der, err := devTLSCert()
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644)
}
