// Package iomultiplex provides a single-threaded, readiness-based I/O
// engine: one worker multiplexes reads, writes, timers, and adapter chains
// (TLS, byte-transform) across any number of non-blocking file descriptors.
//
// # Architecture
//
// An [IOHandler] owns one kernel-interest registration (epoll on Linux,
// kqueue on Darwin) and an ordered, per-(fd,direction) queue of pending
// operations. [QueueRead] and [QueueWrite] enqueue a [Callback] against a
// [Connection]; the worker dispatches queue heads in FIFO order as the
// kernel reports readiness, and maintains a deadline heap for operations
// queued with a timeout. [FdConnection], [SocketConnection], and
// [TimerConnection] are the concrete endpoints; [Adapter] lets any other
// [Connection] interpose its own do_read/do_write translation (see the
// iomultiplex/tls subpackage for a TLS adapter) transparently to callers.
//
// # Platform support
//
// Readiness notification is implemented using the platform-native
// mechanism:
//   - Linux: epoll, edge-triggered
//   - Darwin: kqueue
//
// No other platform is supported; there is no portable abstraction layer
// over a non-POSIX readiness facility.
//
// # Thread safety
//
// [IOHandler.QueueRead], [IOHandler.QueueWrite], and [IOHandler.Cancel] are
// safe to call from any goroutine, including from within a callback. Every
// callback is invoked with the engine's internal mutex released, so
// callbacks may freely re-enter the engine API. The synchronous wrapper
// functions ([Read], [Write], [WaitForRX], [WaitForTX]) must not be called
// from the worker's own goroutine; doing so returns [ErrDeadlockAvoided]
// instead of blocking forever.
//
// # Execution model
//
//	h, err := iomultiplex.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := h.Run(true); err != nil { // spawns and waits for the worker
//	    log.Fatal(err)
//	}
//	defer func() {
//	    h.Stop()
//	    h.Join()
//	}()
//
//	conn, err := iomultiplex.NewFdConnection(h, fd)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h.QueueRead(conn, buf, func(n int, err error) {
//	    // invoked on the worker goroutine
//	}, 0)
//
// # Error types
//
// Every callback's error is either nil or an [*EngineError] carrying an
// [ErrKind] from the fixed table described in the package's operations
// (bad descriptor, cancelled, timed out, would-block, connection reset,
// TLS protocol error, deadlock-avoided, unsupported, or the generic I/O
// catch-all). Use [KindOf] or [Is] rather than comparing error values
// directly.
package iomultiplex
