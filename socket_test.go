//go:build linux || darwin

package iomultiplex

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestTCPEchoRoundTrip (E3) exercises a full listen/accept/connect/write/
// read cycle over loopback TCP.
func TestTCPEchoRoundTrip(t *testing.T) {
	h := newTestHandler(t)

	listener, err := NewTCPSocket(h, unix.AF_INET)
	require.NoError(t, err)
	defer listener.Close()

	require.NoError(t, listener.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}))
	require.NoError(t, listener.Listen(1))

	addr, ok := listener.LocalAddr().(*net.TCPAddr)
	require.True(t, ok)
	lport := fetchListenerPort(t, listener)
	addr.Port = lport

	accepted := make(chan *SocketConnection, 1)
	require.NoError(t, listener.Accept(2*time.Second, func(conn *SocketConnection, err error) {
		require.NoError(t, err)
		accepted <- conn
	}))

	client, err := NewTCPSocket(h, unix.AF_INET)
	require.NoError(t, err)
	defer client.Close()

	connectDone := make(chan struct{})
	require.NoError(t, client.Connect(addr, 2*time.Second, func(n int, err error) {
		require.NoError(t, err)
		close(connectDone)
	}))

	select {
	case <-connectDone:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}

	var server *SocketConnection
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}
	defer server.Close()

	echoed := make(chan struct{})
	buf := make([]byte, 11)
	_, err = h.QueueRead(server, buf, func(n int, err error) {
		require.NoError(t, err)
		require.Equal(t, "hello world", string(buf[:n]))
		_, werr := h.QueueWrite(server, buf[:n], nil, time.Second)
		require.NoError(t, werr)
	}, 2*time.Second)
	require.NoError(t, err)

	_, err = h.QueueWrite(client, []byte("hello world"), nil, time.Second)
	require.NoError(t, err)

	reply := make([]byte, 11)
	_, err = h.QueueRead(client, reply, func(n int, err error) {
		require.NoError(t, err)
		require.Equal(t, "hello world", string(reply[:n]))
		close(echoed)
	}, 2*time.Second)
	require.NoError(t, err)

	select {
	case <-echoed:
	case <-time.After(3 * time.Second):
		t.Fatal("echo never completed")
	}
}

// TestConnectRefused (E6) checks that connecting to a closed port surfaces
// a failure through the Connect callback rather than hanging.
func TestConnectRefused(t *testing.T) {
	h := newTestHandler(t)

	// Bind a socket to reserve a port, then close it so nothing is
	// listening there; connecting to it should be refused promptly.
	probe, err := NewTCPSocket(h, unix.AF_INET)
	require.NoError(t, err)
	require.NoError(t, probe.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}))
	port := fetchListenerPort(t, probe)
	require.NoError(t, probe.Close())

	client, err := NewTCPSocket(h, unix.AF_INET)
	require.NoError(t, err)
	defer client.Close()

	done := make(chan error, 1)
	require.NoError(t, client.Connect(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}, 2*time.Second, func(n int, err error) {
		done <- err
	}))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connect never completed")
	}
}

func fetchListenerPort(t *testing.T, s *SocketConnection) int {
	t.Helper()
	sa, err := unix.Getsockname(s.Handle())
	require.NoError(t, err)
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port
	case *unix.SockaddrInet6:
		return a.Port
	default:
		t.Fatalf("unexpected sockaddr type %T", sa)
		return 0
	}
}
