//go:build linux || darwin

package iomultiplex

import (
	"os"
	"os/signal"
	"sync"
)

// Control-signal interrupt.
//
// Each engine reserves one signal (mapped to an OS signal by
// controlSignalOS, see signal_linux.go/signal_darwin.go) used purely to
// interrupt its worker's blocked readiness-wait syscall: queueing an
// operation whose deadline becomes the earliest, an ordered Cancel, or
// calling Stop from a thread other than the worker all end with a
// targeted wake so the worker re-evaluates state promptly
// instead of waiting out whatever timeout it last computed.
//
// Installation replaces the signal's default disposition with a
// forwarding channel (so the process doesn't terminate on an unhandled
// real-time signal) and is refcounted globally across every engine that
// happens to choose the same signal number, exactly mirroring the
// refcounting the spec calls for around the underlying sigaction.
var (
	sigInstallMu  sync.Mutex
	sigInstallRef = map[int]int{}
	sigInstallCh  = map[int]chan os.Signal{}
)

func installControlSignal(num int) {
	sigInstallMu.Lock()
	defer sigInstallMu.Unlock()
	sigInstallRef[num]++
	if sigInstallRef[num] == 1 {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, controlSignalOS(num))
		sigInstallCh[num] = ch
	}
}

func uninstallControlSignal(num int) {
	sigInstallMu.Lock()
	defer sigInstallMu.Unlock()
	sigInstallRef[num]--
	if sigInstallRef[num] <= 0 {
		delete(sigInstallRef, num)
		if ch, ok := sigInstallCh[num]; ok {
			signal.Stop(ch)
			delete(sigInstallCh, num)
		}
	}
}
