//go:build linux || darwin

package iomultiplex

import (
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// AcceptCallback receives a newly accepted connection, or an error if the
// accept syscall itself failed.
type AcceptCallback func(conn *SocketConnection, err error)

// RecvFromCallback receives the result of a datagram RecvFrom.
type RecvFromCallback func(n int, peer net.Addr, err error)

// SocketConnection is a stream or datagram socket built on [FdConnection].
// Connect/Listen/Accept/RecvFrom/SendTo are implemented the way the spec
// describes C5: a dummy readiness wait followed by the real syscall
// inside the callback, not as a special case of doRead/doWrite.
type SocketConnection struct {
	*FdConnection

	network string // "tcp", "udp", "unix"
	dgram   bool

	mu        sync.Mutex
	localAddr net.Addr
	peerAddr  net.Addr
	connected bool
	bound     bool
	listening bool
}

func newSocketConnection(h *IOHandler, fd int, network string, dgram bool) (*SocketConnection, error) {
	fc, err := NewFdConnection(h, fd)
	if err != nil {
		return nil, err
	}
	return &SocketConnection{FdConnection: fc, network: network, dgram: dgram}, nil
}

// NewTCPSocket creates an unconnected, unbound stream socket of the given
// address family (unix.AF_INET or unix.AF_INET6).
func NewTCPSocket(h *IOHandler, family int) (*SocketConnection, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, newErr(ErrIO, "socket", err)
	}
	return newSocketConnection(h, fd, "tcp", false)
}

// NewUDPSocket creates an unconnected, unbound datagram socket.
func NewUDPSocket(h *IOHandler, family int) (*SocketConnection, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, newErr(ErrIO, "socket", err)
	}
	return newSocketConnection(h, fd, "udp", true)
}

// NewUnixSocket creates a Unix-domain socket, stream or datagram.
func NewUnixSocket(h *IOHandler, stream bool) (*SocketConnection, error) {
	typ := unix.SOCK_DGRAM
	if stream {
		typ = unix.SOCK_STREAM
	}
	fd, err := unix.Socket(unix.AF_UNIX, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, newErr(ErrIO, "socket", err)
	}
	return newSocketConnection(h, fd, "unix", !stream)
}

// LocalAddr returns the address set by Bind, or, for a socket that was
// unbound, the kernel-assigned local address looked up after its first
// successful SendTo. Listen and Connect do not update it.
func (s *SocketConnection) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAddr
}

// PeerAddr returns the remote address after a successful Connect.
func (s *SocketConnection) PeerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerAddr
}

// Bind assigns a local address to the socket.
func (s *SocketConnection) Bind(addr net.Addr) error {
	fd := s.Handle()
	if fd < 0 {
		return newErr(ErrBadDescriptor, "bind", nil)
	}
	if _, err := addrFamily(addr); err != nil {
		return err
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return newErr(ErrIO, "bind", err)
	}
	s.mu.Lock()
	s.localAddr = addr
	s.bound = true
	s.mu.Unlock()
	return nil
}

// Listen marks the (already bound) socket as accepting connections.
func (s *SocketConnection) Listen(backlog int) error {
	fd := s.Handle()
	if fd < 0 {
		return newErr(ErrBadDescriptor, "listen", nil)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return newErr(ErrIO, "listen", err)
	}
	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()
	return nil
}

// Connect issues a non-blocking connect to addr. For stream sockets, a
// connect that returns EINPROGRESS is completed by waiting for write
// readiness and then checking SO_ERROR; cb is invoked once the outcome is
// known. For datagram sockets, connect merely locks the peer address and
// completes (or fails) synchronously, and cb is invoked from the calling
// goroutine before Connect returns.
func (s *SocketConnection) Connect(addr net.Addr, timeout time.Duration, cb Callback) error {
	fd := s.Handle()
	if fd < 0 {
		return newErr(ErrBadDescriptor, "connect", nil)
	}
	if _, err := addrFamily(addr); err != nil {
		return err
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}

	err = unix.Connect(fd, sa)
	if s.dgram {
		if err != nil {
			if cb != nil {
				cb(-1, newErr(ErrIO, "connect", err))
			}
			return nil
		}
		s.mu.Lock()
		s.peerAddr = addr
		s.connected = true
		s.mu.Unlock()
		if cb != nil {
			cb(0, nil)
		}
		return nil
	}

	if err == nil {
		s.mu.Lock()
		s.peerAddr = addr
		s.connected = true
		s.mu.Unlock()
		if cb != nil {
			cb(0, nil)
		}
		return nil
	}
	if err != unix.EINPROGRESS {
		return newErr(ErrIO, "connect", err)
	}

	_, qerr := s.Handler().queueWaitForTX(s, func(_ int, werr error) {
		if werr != nil {
			if cb != nil {
				cb(-1, werr)
			}
			return
		}
		errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			if cb != nil {
				cb(-1, newErr(ErrIO, "connect", gerr))
			}
			return
		}
		if errno != 0 {
			if cb != nil {
				cb(-1, newErr(ErrIO, "connect", unix.Errno(errno)))
			}
			return
		}
		s.mu.Lock()
		s.peerAddr = addr
		s.connected = true
		s.mu.Unlock()
		if cb != nil {
			cb(0, nil)
		}
	}, timeout)
	return qerr
}

// Accept queues a read-readiness wait; when the listening socket becomes
// readable, it accepts exactly one pending connection and reports it
// through cb. Accept must be re-called (typically from within cb) to
// keep accepting further connections; it does not loop on its own.
func (s *SocketConnection) Accept(timeout time.Duration, cb AcceptCallback) error {
	_, err := s.Handler().queueWaitForRX(s, func(_ int, werr error) {
		if werr != nil {
			if cb != nil {
				cb(nil, werr)
			}
			return
		}
		fd, sa, aerr := rawAccept(s.Handle())
		if aerr != nil {
			if cb != nil {
				cb(nil, newErr(ErrIO, "accept", aerr))
			}
			return
		}
		conn, cerr := newSocketConnection(s.Handler(), fd, s.network, false)
		if cerr != nil {
			closeFD(fd)
			if cb != nil {
				cb(nil, cerr)
			}
			return
		}
		conn.mu.Lock()
		conn.peerAddr = sockaddrToAddr(sa, s.network)
		conn.connected = true
		conn.mu.Unlock()
		if cb != nil {
			cb(conn, nil)
		}
	}, timeout)
	return err
}

// RecvFrom queues a read-readiness wait, then performs recvfrom inside
// the callback, reporting both the byte count and the sender's address.
func (s *SocketConnection) RecvFrom(buf []byte, timeout time.Duration, cb RecvFromCallback) error {
	_, err := s.Handler().queueWaitForRX(s, func(_ int, werr error) {
		if werr != nil {
			if cb != nil {
				cb(-1, nil, werr)
			}
			return
		}
		n, sa, rerr := unix.Recvfrom(s.Handle(), buf, 0)
		if rerr != nil {
			if cb != nil {
				cb(-1, nil, newErr(ErrIO, "recvfrom", rerr))
			}
			return
		}
		var peer net.Addr
		if sa != nil {
			peer = sockaddrToAddr(sa, s.network)
		}
		if cb != nil {
			cb(n, peer, nil)
		}
	}, timeout)
	return err
}

// SendTo queues a write-readiness wait, then performs sendto inside the
// callback. If the socket is still unbound after a successful send, the
// kernel-assigned local address is fetched via getsockname.
func (s *SocketConnection) SendTo(buf []byte, peer net.Addr, timeout time.Duration, cb Callback) error {
	sa, err := toSockaddr(peer)
	if err != nil {
		return err
	}
	_, qerr := s.Handler().queueWaitForTX(s, func(_ int, werr error) {
		if werr != nil {
			if cb != nil {
				cb(-1, werr)
			}
			return
		}
		serr := unix.Sendto(s.Handle(), buf, 0, sa)
		if serr != nil {
			if cb != nil {
				cb(-1, newErr(ErrIO, "sendto", serr))
			}
			return
		}
		s.mu.Lock()
		alreadyBound := s.bound
		s.mu.Unlock()
		if !alreadyBound {
			if lsa, lerr := unix.Getsockname(s.Handle()); lerr == nil {
				s.mu.Lock()
				s.localAddr = sockaddrToAddr(lsa, s.network)
				s.bound = true
				s.mu.Unlock()
			}
		}
		if cb != nil {
			cb(len(buf), nil)
		}
	}, timeout)
	return qerr
}
