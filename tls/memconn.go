//go:build linux || darwin

package tls

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/alfmep/iomultiplex"
)

// errWouldBlockMem is memConn's internal "no ciphertext buffered yet"
// signal. It is never returned to a caller outside this package; it is
// translated into the (result, errno) would-block case by
// [classifyIOResult]. It reports itself as a temporary net.Error, so
// tls.Conn does not record it as a permanent read error and a later Read
// resumes the partially received record.
var errWouldBlockMem error = memWouldBlock{}

type memWouldBlock struct{}

func (memWouldBlock) Error() string   { return "tls-io: would block" }
func (memWouldBlock) Timeout() bool   { return false }
func (memWouldBlock) Temporary() bool { return true }
func (memWouldBlock) Unwrap() error {
	return &iomultiplex.EngineError{Kind: iomultiplex.ErrWouldBlock, Op: "tls-io"}
}

type memAddr struct{}

func (memAddr) Network() string { return "iomultiplex-tls" }
func (memAddr) String() string  { return "iomultiplex-tls" }

// memConn is the net.Conn crypto/tls.Conn is built over. It is a pure,
// always-non-blocking in-memory byte buffer pair -- the Go analogue of
// OpenSSL's memory BIO -- standing in for the real slave descriptor so
// that tls.Conn's record layer (which assumes an atomic, fully-blocking
// net.Conn.Write contract it cannot get from a genuinely non-blocking
// fd) never observes a partial write or a spurious would-block error
// from its own underlying conn.
//
// Two independent layers drive memConn against the real descriptor:
//   - While fill/drain/waitTX are set (the handshake and shutdown
//     drivers, each running on its own dedicated goroutine, never the
//     engine's worker), Read blocks by retrying fill() until bytes, EOF,
//     or a hard error arrive, and Write flushes its buffered ciphertext
//     to the real fd before returning, retrying via waitTX on EAGAIN --
//     giving tls.Conn the fully-blocking net.Conn it expects.
//   - Once active (fill/drain/waitTX nil), Read returns errWouldBlockMem
//     immediately when empty instead of blocking, and Write only
//     buffers; [Adapter.TransformRead]/[Adapter.TransformWrite] (invoked
//     synchronously by the engine's own dispatch loop, where blocking or
//     re-entering the engine would deadlock it) drive the actual
//     non-blocking syscalls and the pending-output bookkeeping.
type memConn struct {
	mu    sync.Mutex
	in    bytes.Buffer
	out   bytes.Buffer
	inErr error
	inEOF bool

	fill    func() error
	drain   func([]byte) (int, error)
	waitTX  func(time.Duration) error
	timeout time.Duration
}

func newMemConn() *memConn {
	return &memConn{}
}

func (m *memConn) Read(p []byte) (int, error) {
	for {
		m.mu.Lock()
		if m.in.Len() > 0 {
			n, _ := m.in.Read(p)
			m.mu.Unlock()
			return n, nil
		}
		if m.inErr != nil {
			err := m.inErr
			m.mu.Unlock()
			return 0, err
		}
		if m.inEOF {
			m.mu.Unlock()
			return 0, io.EOF
		}
		fill := m.fill
		m.mu.Unlock()
		if fill == nil {
			return 0, errWouldBlockMem
		}
		if err := fill(); err != nil {
			return 0, err
		}
	}
}

func (m *memConn) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.out.Write(p)
	drain, waitTX, timeout := m.drain, m.waitTX, m.timeout
	m.mu.Unlock()

	if drain == nil || waitTX == nil {
		// Active mode: Adapter.flushOutOnce drains this independently,
		// across repeated non-blocking TransformWrite calls.
		return len(p), nil
	}

	for {
		m.mu.Lock()
		chunk := m.out.Bytes()
		m.mu.Unlock()
		if len(chunk) == 0 {
			return len(p), nil
		}
		n, err := drain(chunk)
		if n > 0 {
			m.mu.Lock()
			m.out.Next(n)
			m.mu.Unlock()
		}
		if err == nil {
			continue
		}
		if !isWouldBlock(err) {
			return len(p), err
		}
		if werr := waitTX(timeout); werr != nil {
			return len(p), werr
		}
	}
}

func (m *memConn) Close() error                       { return nil }
func (m *memConn) LocalAddr() net.Addr                { return memAddr{} }
func (m *memConn) RemoteAddr() net.Addr               { return memAddr{} }
func (m *memConn) SetDeadline(time.Time) error        { return nil }
func (m *memConn) SetReadDeadline(time.Time) error    { return nil }
func (m *memConn) SetWriteDeadline(time.Time) error   { return nil }

// setBlocking installs the handshake/shutdown drivers: fill pulls more
// ciphertext from the real descriptor (blocking, via timeout, when none
// is immediately available), drain performs one raw non-blocking write
// attempt, and waitTX blocks until the descriptor is write-ready.
func (m *memConn) setBlocking(fill func() error, drain func([]byte) (int, error), waitTX func(time.Duration) error, timeout time.Duration) {
	m.mu.Lock()
	m.fill, m.drain, m.waitTX, m.timeout = fill, drain, waitTX, timeout
	m.mu.Unlock()
}

// setActive clears the handshake/shutdown drivers: Read now reports
// would-block immediately instead of retrying, and Write only buffers.
func (m *memConn) setActive() {
	m.mu.Lock()
	m.fill, m.drain, m.waitTX = nil, nil, nil
	m.mu.Unlock()
}

// feed appends freshly-read ciphertext (from a seed buffer or a raw fd
// read) for tls.Conn to consume on its next Read.
func (m *memConn) feed(b []byte) {
	if len(b) == 0 {
		return
	}
	m.mu.Lock()
	m.in.Write(b)
	m.mu.Unlock()
}

func (m *memConn) feedEOF() {
	m.mu.Lock()
	m.inEOF = true
	m.mu.Unlock()
}

func (m *memConn) feedErr(err error) {
	m.mu.Lock()
	if m.inErr == nil {
		m.inErr = err
	}
	m.mu.Unlock()
}

// peekOut returns a copy of the ciphertext tls.Conn has buffered for
// transmission but that hasn't yet been flushed to the real descriptor.
func (m *memConn) peekOut() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out.Len() == 0 {
		return nil
	}
	return append([]byte(nil), m.out.Bytes()...)
}

func (m *memConn) advanceOut(n int) {
	m.mu.Lock()
	m.out.Next(n)
	m.mu.Unlock()
}

func (m *memConn) outLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.Len()
}
