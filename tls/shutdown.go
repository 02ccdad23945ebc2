//go:build linux || darwin

package tls

import (
	"time"

	"github.com/alfmep/iomultiplex"
)

// Shutdown drives the TLS close_notify exchange on a dedicated goroutine,
// mirroring StartTLS: no user read/write may be queued against the
// adapter once shutdown begins (TransformRead/TransformWrite reject it,
// since IsActive becomes false immediately), and cb runs once the
// exchange completes or fails, from that goroutine.
func (a *Adapter) Shutdown(cb iomultiplex.Callback, timeout time.Duration) error {
	if !a.state.CompareAndSwap(int32(stateActive), int32(stateShuttingDown)) {
		return &iomultiplex.EngineError{Kind: iomultiplex.ErrInvalidArgument, Op: "shutdown", Message: "tls session not active"}
	}

	a.mu.Lock()
	mem, session := a.mem, a.session
	a.mu.Unlock()

	a.installBlockingDrivers(mem, timeout)

	a.logDebug("shutdown starting")
	go func() {
		err := session.Close()
		a.state.Store(int32(stateInactive))
		if err != nil {
			a.recordError(err)
			a.logWarn("shutdown failed", err)
		} else {
			a.logDebug("shutdown complete")
		}
		if cb == nil {
			return
		}
		if err != nil {
			kind := iomultiplex.ErrTLSProtocol
			if iomultiplex.Is(err, iomultiplex.ErrTimedOut) {
				kind = iomultiplex.ErrTimedOut
			}
			cb(-1, &iomultiplex.EngineError{Kind: kind, Op: "shutdown", Cause: err})
			return
		}
		cb(0, nil)
	}()
	return nil
}
