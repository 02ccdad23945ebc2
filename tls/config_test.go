//go:build linux || darwin

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// generateSelfSignedCert writes a freshly generated self-signed cert/key
// pair (PEM) to dir and returns their paths.
func generateSelfSignedCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}), 0o600))
	return certPath, keyPath
}

func TestBuildTLSConfigServerLoadsCertificate(t *testing.T) {
	certPath, keyPath := generateSelfSignedCert(t, t.TempDir())
	cfg, err := buildTLSConfig(Config{CertFile: certPath, PrivKeyFile: keyPath}, true)
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	require.Equal(t, 0, int(cfg.ClientAuth)) // NoClientCert by default for a server
}

func TestBuildTLSConfigServerRequiresClientCertWhenVerifyPeerTrue(t *testing.T) {
	certPath, keyPath := generateSelfSignedCert(t, t.TempDir())
	verify := true
	cfg, err := buildTLSConfig(Config{CertFile: certPath, PrivKeyFile: keyPath, VerifyPeer: &verify}, true)
	require.NoError(t, err)
	require.NotEqual(t, 0, int(cfg.ClientAuth))
}

func TestBuildTLSConfigClientDefaultsToVerifying(t *testing.T) {
	cfg, err := buildTLSConfig(Config{}, false)
	require.NoError(t, err)
	require.False(t, cfg.InsecureSkipVerify)
}

func TestBuildTLSConfigClientVerifyPeerFalseSkipsVerification(t *testing.T) {
	verify := false
	cfg, err := buildTLSConfig(Config{VerifyPeer: &verify}, false)
	require.NoError(t, err)
	require.True(t, cfg.InsecureSkipVerify)
}

func TestBuildCertPoolFromCAFile(t *testing.T) {
	dir := t.TempDir()
	certPath, _ := generateSelfSignedCert(t, dir)
	pool, ok, err := buildCertPool(certPath, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, pool)
}

func TestBuildCertPoolEmptyMeansNoPool(t *testing.T) {
	pool, ok, err := buildCertPool("", "")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, pool)
}
