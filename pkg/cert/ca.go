// Package cert implements the certificate authority used by the MITM
// proxy: a self-signed root plus per-host leaf certificates minted on
// demand.
package cert

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
	"sync"
	"time"
)

// CA is a certificate authority for generating per-host certificates.
type CA struct {
	dir        string
	caCert     *x509.Certificate
	caKey      *rsa.PrivateKey
	certCache  map[string]*tls.Certificate
	cacheMutex sync.RWMutex
}

// NewCA creates or loads a certificate authority rooted at caDir.
func NewCA(caDir string) (*CA, error) {
	ca := &CA{
		dir:       caDir,
		certCache: make(map[string]*tls.Certificate),
	}

	if err := os.MkdirAll(caDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create CA directory: %w", err)
	}

	if err := ca.loadOrCreateCA(); err != nil {
		return nil, fmt.Errorf("failed to initialize CA: %w", err)
	}

	return ca, nil
}

// loadOrCreateCA loads an existing CA or creates a new one.
func (ca *CA) loadOrCreateCA() error {
	caCertPath := filepath.Join(ca.dir, "ca.crt")

	if _, err := os.Stat(caCertPath); os.IsNotExist(err) {
		return ca.createCA()
	}

	return ca.loadCA()
}

// createCA creates a new root CA certificate and private key.
func (ca *CA) createCA() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate CA private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Phantom Proxy CA",
			Organization: []string{"Phantom"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key

	if err := ca.saveCACert(certDER); err != nil {
		return err
	}

	return ca.saveCAKey(key)
}

// loadCA loads an existing CA certificate and key from disk.
func (ca *CA) loadCA() error {
	caCertPath := filepath.Join(ca.dir, "ca.crt")
	caKeyPath := filepath.Join(ca.dir, "ca.key")

	certPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("failed to decode CA certificate PEM")
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read CA private key: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("failed to decode CA private key PEM")
	}

	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA private key: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key

	return nil
}

// CertForHost returns a leaf certificate for the given host (DNS name or
// IP address), minting and caching one on first use.
func (ca *CA) CertForHost(host string) (*tls.Certificate, error) {
	ca.cacheMutex.RLock()
	if cert, exists := ca.certCache[host]; exists {
		ca.cacheMutex.RUnlock()
		return cert, nil
	}
	ca.cacheMutex.RUnlock()

	cert, err := ca.generateCertificate(host)
	if err != nil {
		return nil, err
	}

	ca.cacheMutex.Lock()
	ca.certCache[host] = cert
	ca.cacheMutex.Unlock()

	return cert, nil
}

// generateCertificate creates a new leaf certificate for the host.
func (ca *CA) generateCertificate(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key for %s: %w", host, err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"Phantom"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, ca.caCert, &key.PublicKey, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}

// saveCACert writes the CA certificate to disk.
func (ca *CA) saveCACert(certDER []byte) error {
	certPath := filepath.Join(ca.dir, "ca.crt")
	certOut, err := os.Create(certPath)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate file: %w", err)
	}
	defer certOut.Close()

	return pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER})
}

// saveCAKey writes the CA private key to disk.
func (ca *CA) saveCAKey(key *rsa.PrivateKey) error {
	keyPath := filepath.Join(ca.dir, "ca.key")
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create CA private key file: %w", err)
	}
	defer keyOut.Close()

	keyBytes := x509.MarshalPKCS1PrivateKey(key)
	return pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyBytes})
}

// CACertPath returns the path to the CA certificate file, for installing
// into a client's trust store.
func (ca *CA) CACertPath() string {
	return filepath.Join(ca.dir, "ca.crt")
}
