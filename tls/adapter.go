//go:build linux || darwin

package tls

import (
	"context"
	gotls "crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfmep/iomultiplex"
)

// adapterState is the C8 state machine from spec.md §4.8: inactive (no
// session), started (handshake in flight, no user I/O permitted), active
// (handshake done, encrypted I/O permitted), and shuttingDown (close_notify
// exchange in flight).
type adapterState int32

const (
	stateInactive adapterState = iota
	stateStarted
	stateActive
	stateShuttingDown
)

// Adapter wraps a slave [iomultiplex.Connection] with a TLS session.
// Queueing a read or write against it (via the ordinary
// [iomultiplex.IOHandler] API, exactly as on any other Connection) moves
// plaintext; StartTLS and Shutdown drive the handshake and close_notify
// exchange on their own dedicated goroutines, never the engine's worker.
type Adapter struct {
	*iomultiplex.Adapter

	state atomic.Int32

	mem     *memConn
	session *gotls.Conn

	writeMu  sync.Mutex
	writeFed bool

	mu      sync.Mutex
	lastErr error
}

// NewAdapter wraps slave. If owned is true, Close also closes slave.
func NewAdapter(slave iomultiplex.Connection, owned bool) *Adapter {
	a := &Adapter{Adapter: iomultiplex.NewAdapter(slave, owned)}
	a.Adapter.SetTransformer(a)
	return a
}

// IsActive reports whether a TLS session has completed its handshake and
// is presently carrying encrypted application data.
func (a *Adapter) IsActive() bool {
	return adapterState(a.state.Load()) == stateActive
}

// LastError returns the most recent handshake or I/O failure, if any.
func (a *Adapter) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// ConnectionState returns the negotiated session's state. ok is false
// until a handshake has completed at least once.
func (a *Adapter) ConnectionState() (gotls.ConnectionState, bool) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return gotls.ConnectionState{}, false
	}
	return session.ConnectionState(), true
}

func (a *Adapter) recordError(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}

// logger returns the slave's engine [iomultiplex.Logger], or a no-op if
// the slave doesn't expose one (e.g. a bare test double with no Handler
// method). The tls adapter never picks its own logging backend, matching
// the rest of this module: it logs through whatever sink the caller
// configured on the [iomultiplex.IOHandler] via WithLogger/SetLogger.
func (a *Adapter) logger() iomultiplex.Logger {
	if h := a.Adapter.Handler(); h != nil {
		return h.Logger()
	}
	return iomultiplex.NewNoOpLogger()
}

func (a *Adapter) logDebug(message string) {
	l := a.logger()
	if !l.IsEnabled(iomultiplex.LevelDebug) {
		return
	}
	l.Log(iomultiplex.LogEntry{Level: iomultiplex.LevelDebug, Category: "tls", Fd: a.Adapter.Handle(), Message: message, Timestamp: time.Now()})
}

func (a *Adapter) logWarn(message string, err error) {
	l := a.logger()
	if !l.IsEnabled(iomultiplex.LevelWarn) {
		return
	}
	l.Log(iomultiplex.LogEntry{Level: iomultiplex.LevelWarn, Category: "tls", Fd: a.Adapter.Handle(), Message: message, Err: err, Timestamp: time.Now()})
}

// StartTLS begins a TLS handshake over the slave descriptor: isServer
// selects [gotls.Server] vs [gotls.Client], seed is bytes already read
// from the peer before the handshake was known to be starting (consumed
// ahead of any further reads from the descriptor, per spec.md §4.8's
// seeded-handshake case), and cb runs once the handshake completes or
// fails, from the dedicated goroutine StartTLS spawns -- never from the
// engine's own worker.
//
// useDTLS is accepted for API parity with the original do_read/do_write
// override point but is otherwise unused: see the package doc comment.
func (a *Adapter) StartTLS(cfg Config, isServer bool, useDTLS bool, seed []byte, cb iomultiplex.Callback, timeout time.Duration) error {
	_ = useDTLS
	if a.Adapter.Handle() < 0 {
		return &iomultiplex.EngineError{Kind: iomultiplex.ErrBadDescriptor, Op: "start-tls"}
	}
	if !a.state.CompareAndSwap(int32(stateInactive), int32(stateStarted)) {
		return &iomultiplex.EngineError{Kind: iomultiplex.ErrAlreadyInProgress, Op: "start-tls"}
	}

	tcfg, err := buildTLSConfig(cfg, isServer)
	if err != nil {
		a.state.Store(int32(stateInactive))
		return err
	}

	mem := newMemConn()
	if len(seed) > 0 {
		mem.feed(append([]byte(nil), seed...))
	}
	a.installBlockingDrivers(mem, timeout)

	a.mu.Lock()
	a.mem = mem
	if isServer {
		a.session = gotls.Server(mem, tcfg)
	} else {
		a.session = gotls.Client(mem, tcfg)
	}
	session := a.session
	a.mu.Unlock()

	a.logDebug("handshake starting")
	go a.runHandshake(session, cb)
	return nil
}

func (a *Adapter) runHandshake(session *gotls.Conn, cb iomultiplex.Callback) {
	err := session.HandshakeContext(context.Background())
	if err != nil {
		a.recordError(err)
		a.state.Store(int32(stateInactive))
		a.logWarn("handshake failed", err)
		kind := iomultiplex.ErrTLSProtocol
		switch {
		case iomultiplex.Is(err, iomultiplex.ErrTimedOut):
			kind = iomultiplex.ErrTimedOut
		case iomultiplex.Is(err, iomultiplex.ErrCancelled):
			kind = iomultiplex.ErrCancelled
		}
		if cb != nil {
			cb(-1, &iomultiplex.EngineError{Kind: kind, Op: "start-tls", Cause: err})
		}
		return
	}

	a.mem.setActive()
	a.state.Store(int32(stateActive))
	a.logDebug("handshake complete")
	if cb != nil {
		cb(0, nil)
	}
}

// installBlockingDrivers wires mem's fill/drain/waitTX to this adapter's
// slave descriptor, for the handshake and shutdown drivers.
func (a *Adapter) installBlockingDrivers(mem *memConn, timeout time.Duration) {
	fd := a.Adapter.Handle()
	h := a.Adapter.Handler()
	slave := a.Adapter.Slave()
	mem.setBlocking(
		func() error { return fillOnce(fd, h, slave, mem, timeout) },
		func(b []byte) (int, error) { return iomultiplex.RawWrite(fd, b) },
		func(d time.Duration) error { return iomultiplex.WaitForTX(h, slave, d) },
		timeout,
	)
}

// fillOnce reads whatever ciphertext is immediately available; if none
// is, it blocks (bounded by timeout) until the descriptor is readable and
// tries once more. Called only from a dedicated handshake/shutdown
// goroutine, never the engine's worker.
func fillOnce(fd int, h *iomultiplex.IOHandler, slave iomultiplex.Connection, mem *memConn, timeout time.Duration) error {
	scratch := make([]byte, 16*1024)
	for {
		n, err := iomultiplex.RawRead(fd, scratch)
		if err == nil {
			if n == 0 {
				mem.feedEOF()
			} else {
				mem.feed(scratch[:n])
			}
			return nil
		}
		if !isWouldBlock(err) {
			mem.feedErr(err)
			return nil
		}
		if werr := iomultiplex.WaitForRX(h, slave, timeout); werr != nil {
			return werr
		}
	}
}

// TransformRead implements [iomultiplex.Transformer] for the active
// phase: it is invoked synchronously by the engine's own dispatch loop,
// so it must never block or re-enter the engine. It tops up the session's
// input buffer with one non-blocking raw read, then lets tls.Conn parse
// as much of a record as that yields.
func (a *Adapter) TransformRead(buf []byte) (int, error) {
	if !a.IsActive() {
		return -1, &iomultiplex.EngineError{Kind: iomultiplex.ErrInvalidArgument, Op: "read", Message: "tls session not active"}
	}
	a.mu.Lock()
	mem, session := a.mem, a.session
	a.mu.Unlock()

	scratch := make([]byte, 16*1024)
	n, err := iomultiplex.RawRead(a.Adapter.Handle(), scratch)
	switch {
	case err == nil && n == 0:
		mem.feedEOF()
	case err == nil:
		mem.feed(scratch[:n])
	case !isWouldBlock(err):
		mem.feedErr(err)
	}

	rn, rerr := session.Read(buf)
	return classifyIOResult(rn, rerr)
}

// TransformWrite implements [iomultiplex.Transformer] for the active
// phase. A TLS record must reach the peer atomically from tls.Conn's
// point of view; flushOutOnce carries any ciphertext still pending from
// a previous would-block across calls, and buf is only handed to the
// session (encrypted into that pending buffer) once the buffer is empty.
func (a *Adapter) TransformWrite(buf []byte) (int, error) {
	if !a.IsActive() {
		return -1, &iomultiplex.EngineError{Kind: iomultiplex.ErrInvalidArgument, Op: "write", Message: "tls session not active"}
	}
	a.mu.Lock()
	mem, session := a.mem, a.session
	a.mu.Unlock()

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if !a.writeFed {
		if _, err := session.Write(buf); err != nil {
			return classifyIOResult(-1, err)
		}
		a.writeFed = true
	}

	_, ferr := a.flushOutOnce(mem)
	if mem.outLen() > 0 {
		if ferr != nil && !isWouldBlock(ferr) {
			a.writeFed = false
			return classifyIOResult(-1, ferr)
		}
		return -1, &iomultiplex.EngineError{Kind: iomultiplex.ErrWouldBlock, Op: "write"}
	}

	a.writeFed = false
	return len(buf), nil
}

func (a *Adapter) flushOutOnce(mem *memConn) (int, error) {
	total := 0
	fd := a.Adapter.Handle()
	for {
		chunk := mem.peekOut()
		if len(chunk) == 0 {
			return total, nil
		}
		n, err := iomultiplex.RawWrite(fd, chunk)
		if n > 0 {
			mem.advanceOut(n)
			total += n
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// Close tears down the TLS session state before closing the slave (if
// owned), per the embedded [iomultiplex.Adapter]'s ownership contract.
func (a *Adapter) Close() error {
	a.state.Store(int32(stateInactive))
	a.mu.Lock()
	a.session = nil
	a.mem = nil
	a.mu.Unlock()
	return a.Adapter.Close()
}
