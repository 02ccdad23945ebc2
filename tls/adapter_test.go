//go:build linux || darwin

package tls_test

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

	"github.com/alfmep/iomultiplex"
	iomtls "github.com/alfmep/iomultiplex/tls"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

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

// TestTLSHandshakeAndRoundTrip exercises testable property 7 (TLS
// round-trip): it drives a full client/server handshake
// and an encrypted client-to-server write/read over a connected socket
// pair, exercising StartTLS and the active-phase Transformer path end to
// end.
func TestTLSHandshakeAndRoundTrip(t *testing.T) {
	h, err := iomultiplex.New()
	require.NoError(t, err)
	require.NoError(t, h.Run(true))
	defer func() {
		h.Stop()
		h.Join()
	}()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	clientFD, err := iomultiplex.NewFdConnection(h, fds[0])
	require.NoError(t, err)
	serverFD, err := iomultiplex.NewFdConnection(h, fds[1])
	require.NoError(t, err)

	client := iomtls.NewAdapter(clientFD, true)
	server := iomtls.NewAdapter(serverFD, true)
	defer client.Close()
	defer server.Close()

	certPath, keyPath := generateSelfSignedCert(t, t.TempDir())
	noVerify := false

	serverDone := make(chan error, 1)
	require.NoError(t, server.StartTLS(iomtls.Config{CertFile: certPath, PrivKeyFile: keyPath}, true, false, nil, func(n int, err error) {
		serverDone <- err
	}, 5*time.Second))

	clientDone := make(chan error, 1)
	require.NoError(t, client.StartTLS(iomtls.Config{VerifyPeer: &noVerify}, false, false, nil, func(n int, err error) {
		clientDone <- err
	}, 5*time.Second))

	requireNoErrWithin(t, clientDone, 5*time.Second, "client handshake")
	requireNoErrWithin(t, serverDone, 5*time.Second, "server handshake")

	require.True(t, client.IsActive())
	require.True(t, server.IsActive())

	const msg = "hello over tls"
	reply := make([]byte, len(msg))
	serverRead := make(chan struct{})
	_, err = h.QueueRead(server, reply, func(n int, err error) {
		require.NoError(t, err)
		require.Equal(t, msg, string(reply[:n]))
		close(serverRead)
	}, 5*time.Second)
	require.NoError(t, err)

	_, err = h.QueueWrite(client, []byte(msg), nil, 5*time.Second)
	require.NoError(t, err)

	select {
	case <-serverRead:
	case <-time.After(5 * time.Second):
		t.Fatal("encrypted round trip never completed")
	}
}

// TestSeededServerHandshakeMatchesUnseeded is scenario E4 (testable
// property 8, seeded handshake correctness): a server
// adapter started with the client's already-buffered first flight as a
// seed must complete with the same outcome (and remain usable for
// encrypted application data) as the ordinary unseeded path.
func TestSeededServerHandshakeMatchesUnseeded(t *testing.T) {
	h, err := iomultiplex.New()
	require.NoError(t, err)
	require.NoError(t, h.Run(true))
	defer func() {
		h.Stop()
		h.Join()
	}()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	clientFD, err := iomultiplex.NewFdConnection(h, fds[0])
	require.NoError(t, err)
	serverFD, err := iomultiplex.NewFdConnection(h, fds[1])
	require.NoError(t, err)

	client := iomtls.NewAdapter(clientFD, true)
	server := iomtls.NewAdapter(serverFD, true)
	defer client.Close()
	defer server.Close()

	certPath, keyPath := generateSelfSignedCert(t, t.TempDir())
	noVerify := false

	clientDone := make(chan error, 1)
	require.NoError(t, client.StartTLS(iomtls.Config{VerifyPeer: &noVerify}, false, false, nil, func(n int, err error) {
		clientDone <- err
	}, 5*time.Second))

	// Give the client's first flight (ClientHello) time to land in the
	// server's raw socket buffer before we peel it off ourselves, exactly
	// as a protocol-sniffing peer would before handing the rest of the
	// connection to this library as a seed.
	var seed []byte
	require.Eventually(t, func() bool {
		buf := make([]byte, 4096)
		n, rerr := iomultiplex.RawRead(serverFD.Handle(), buf)
		if rerr != nil || n <= 0 {
			return false
		}
		seed = append([]byte(nil), buf[:n]...)
		return true
	}, 2*time.Second, 5*time.Millisecond)
	require.NotEmpty(t, seed)

	serverDone := make(chan error, 1)
	require.NoError(t, server.StartTLS(iomtls.Config{CertFile: certPath, PrivKeyFile: keyPath}, true, false, seed, func(n int, err error) {
		serverDone <- err
	}, 5*time.Second))

	requireNoErrWithin(t, clientDone, 5*time.Second, "client handshake")
	requireNoErrWithin(t, serverDone, 5*time.Second, "seeded server handshake")

	require.True(t, client.IsActive())
	require.True(t, server.IsActive())

	const msg = "hello"
	reply := make([]byte, len(msg))
	serverRead := make(chan struct{})
	_, err = h.QueueRead(server, reply, func(n int, err error) {
		require.NoError(t, err)
		require.Equal(t, msg, string(reply[:n]))
		close(serverRead)
	}, 5*time.Second)
	require.NoError(t, err)

	_, err = h.QueueWrite(client, []byte(msg), nil, 5*time.Second)
	require.NoError(t, err)

	select {
	case <-serverRead:
	case <-time.After(5 * time.Second):
		t.Fatal("post-handshake round trip never completed")
	}
}

func requireNoErrWithin(t *testing.T, ch <-chan error, d time.Duration, what string) {
	t.Helper()
	select {
	case err := <-ch:
		require.NoError(t, err, what)
	case <-time.After(d):
		t.Fatalf("%s never completed", what)
	}
}
