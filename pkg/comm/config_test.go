package comm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedPEM(t *testing.T) (certPEM, keyPEM []byte) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tlsca.example.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
}

func TestTLSConfigDisabled(t *testing.T) {
	tlsConfig, err := SecureOptions{}.TLSConfig()
	require.NoError(t, err)
	require.Nil(t, tlsConfig)
}

func TestTLSConfigRootCAs(t *testing.T) {
	certPEM, _ := selfSignedPEM(t)

	tlsConfig, err := SecureOptions{
		UseTLS:        true,
		ServerRootCAs: [][]byte{certPEM},
	}.TLSConfig()
	require.NoError(t, err)
	require.NotNil(t, tlsConfig.RootCAs)
	require.Empty(t, tlsConfig.Certificates)
}

func TestTLSConfigMutual(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)

	tlsConfig, err := SecureOptions{
		UseTLS:            true,
		RequireClientCert: true,
		Certificate:       certPEM,
		Key:               keyPEM,
		ServerRootCAs:     [][]byte{certPEM},
	}.TLSConfig()
	require.NoError(t, err)
	require.Len(t, tlsConfig.Certificates, 1)

	_, err = SecureOptions{UseTLS: true, RequireClientCert: true}.TLSConfig()
	require.EqualError(t, err, "both Key and Certificate are required when using mutual TLS")
}

func TestTLSConfigBadRoot(t *testing.T) {
	_, err := SecureOptions{
		UseTLS:        true,
		ServerRootCAs: [][]byte{[]byte("not a certificate")},
	}.TLSConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no certificates found in PEM data")
}

func TestNewConnectionIsLazy(t *testing.T) {
	client, err := NewGRPCClient(ClientConfig{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.False(t, client.TLSEnabled())

	conn, err := client.NewConnection("127.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestNewConnectionTLS(t *testing.T) {
	certPEM, _ := selfSignedPEM(t)
	client, err := NewGRPCClient(ClientConfig{
		SecOpts: SecureOptions{UseTLS: true, ServerRootCAs: [][]byte{certPEM}},
	})
	require.NoError(t, err)
	require.True(t, client.TLSEnabled())

	conn, err := client.NewConnection("127.0.0.1:1", ServerNameOverride("peer0.org1.example.com"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}
