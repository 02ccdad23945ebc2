package iomultiplex

import (
	"runtime"
	"strconv"
)

// currentGoroutineID extracts the calling goroutine's numeric id from its
// own stack trace header ("goroutine 123 [running]:"). The runtime has no
// exported API for this; parsing runtime.Stack is the standard workaround
// and is only invoked from SameContext/isWorkerGoroutine (synchronous
// wrappers, ordered Cancel, Stop and wake decisions), never from the
// per-event dispatch loop. The id is opaque and used only for
// equality comparison against the worker's captured id.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if len(b) <= len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
