// Package tls is C8: a TLS adapter for iomultiplex, built on crypto/tls.
//
// # Bridging crypto/tls onto a non-blocking reactor
//
// crypto/tls.Conn is written against net.Conn's fully-blocking,
// write-is-atomic contract. The engine's own Connection.doRead/doWrite
// contract is the opposite: one non-blocking attempt per call, invoked
// synchronously from the engine's own worker goroutine while its
// internal mutex is held, so nothing reachable from doRead/doWrite may
// block or call back into the engine.
//
// Adapter reconciles the two with a private, in-memory net.Conn
// (memConn) standing in for the slave descriptor -- the Go analogue of
// an OpenSSL memory BIO. tls.Conn reads and writes memConn's buffers
// only; a TLS session runs in one of two regimes depending on who is
// driving memConn:
//
//   - StartTLS and Shutdown run on a dedicated goroutine apiece, never
//     the engine's worker, so memConn is free to block there: its fill
//     hook retries via [iomultiplex.WaitForRX] until ciphertext arrives
//     from the slave descriptor, and its drain/waitTX hooks flush
//     buffered output via [iomultiplex.WaitForTX]. From tls.Conn's point
//     of view this is an ordinary blocking net.Conn.
//   - Once active, [Adapter.TransformRead]/[Adapter.TransformWrite] (the
//     engine's actual do_read/do_write, via [iomultiplex.Transformer])
//     top memConn up with exactly one non-blocking raw read, or drain its
//     buffered output with non-blocking raw writes until it empties or
//     would block, per call, carrying any partially-flushed
//     ciphertext across calls so a TLS record is never split across a
//     caller-visible short write.
//
// # DTLS
//
// Config accepts DTLS version bounds and StartTLS a useDTLS flag for API
// parity with the original do_read/do_write override point, but this
// package does not implement a DTLS record layer: crypto/tls has none,
// and no DTLS library appears among this module's dependencies. useDTLS
// and Config's MinDTLSVer/MaxDTLSVer are plumbed through and otherwise
// ignored.
package tls
