package cert

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCACreatesAndReloads(t *testing.T) {
	dir := t.TempDir()

	ca, err := NewCA(dir)
	require.NoError(t, err)
	assert.FileExists(t, ca.CACertPath())

	// A second open must load the same root rather than regenerate.
	reloaded, err := NewCA(dir)
	require.NoError(t, err)
	assert.Equal(t, ca.caCert.SerialNumber, reloaded.caCert.SerialNumber)
	assert.Equal(t, ca.caCert.Subject.CommonName, reloaded.caCert.Subject.CommonName)
}

func TestCertForHostSignedByRoot(t *testing.T) {
	ca, err := NewCA(t.TempDir())
	require.NoError(t, err)

	leaf, err := ca.CertForHost("api.example.com")
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, parsed.DNSNames, "api.example.com")
	require.NoError(t, parsed.CheckSignatureFrom(ca.caCert))

	// Second call returns the cached certificate.
	again, err := ca.CertForHost("api.example.com")
	require.NoError(t, err)
	assert.Same(t, leaf, again)
}

func TestCertForIPHost(t *testing.T) {
	ca, err := NewCA(t.TempDir())
	require.NoError(t, err)

	leaf, err := ca.CertForHost("127.0.0.1")
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	require.Len(t, parsed.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", parsed.IPAddresses[0].String())
}
