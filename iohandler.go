package iomultiplex

import (
	"container/heap"
	"container/list"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// pendingOp is a queued read or write. It is uniquely owned by the
// engine; the endpoint that queued it holds no back-reference, and its
// OpID stays meaningful (if stale) even after the op completes, so a
// callback that races a completion never dereferences invalidated state.
type pendingOp struct {
	id          OpID
	fd          int
	conn        Connection
	buf         []byte
	cb          Callback
	isRead      bool
	dummy       bool
	hasDeadline bool
	deadline    time.Time
	elem        *list.Element
	list        *list.List
	heapIdx     int
}

// fdState is the per-descriptor bookkeeping: its two direction queues and
// the interest currently registered with the kernel poller.
type fdState struct {
	rx         *list.List
	tx         *list.List
	registered ioEvents
}

// timeoutHeap orders pendingOps by absolute deadline, ties broken by
// insertion order (OpID is allocated from the same monotonic counter).
type timeoutHeap []*pendingOp

func (h timeoutHeap) Len() int { return len(h) }
func (h timeoutHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *timeoutHeap) Push(x any) {
	op := x.(*pendingOp)
	op.heapIdx = len(*h)
	*h = append(*h, op)
}
func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	op.heapIdx = -1
	*h = old[:n-1]
	return op
}

// IOHandler is the reactor: one readiness loop multiplexing every queued
// read/write across every descriptor registered with it. See the package
// doc comment for the execution model.
type IOHandler struct {
	mu sync.Mutex

	queues       map[int]*fdState
	timeoutHeap  timeoutHeap
	rxCancelling map[int]struct{}
	txCancelling map[int]struct{}
	seq          uint64
	quit         bool

	poller poller

	state             *fastState
	workerTid         int
	workerGoroutineID atomic.Uint64
	ready             chan struct{}
	done              chan struct{}

	logger         Logger
	signalNum      int
	maxEvents      int
	pollTimeoutCap time.Duration
}

// New constructs an IOHandler. The returned handler does nothing until
// [IOHandler.Run] is called.
func New(opts ...Option) (*IOHandler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := validateSignalNum(cfg.signalNum); err != nil {
		return nil, err
	}
	p, err := newPoller(cfg.maxEvents)
	if err != nil {
		return nil, err
	}
	return &IOHandler{
		queues:         make(map[int]*fdState),
		rxCancelling:   make(map[int]struct{}),
		txCancelling:   make(map[int]struct{}),
		state:          newFastState(stateStopped),
		poller:         p,
		logger:         cfg.logger,
		signalNum:      cfg.signalNum,
		maxEvents:      cfg.maxEvents,
		pollTimeoutCap: cfg.pollTimeoutCap,
	}, nil
}

// Run starts the engine. If spawnWorker is true, a dedicated goroutine
// runs the loop and Run returns once that worker has acquired its thread
// identity; otherwise Run executes the loop on the calling goroutine and
// blocks until Stop is observed.
func (h *IOHandler) Run(spawnWorker bool) error {
	if !h.state.compareAndSwap(stateStopped, stateStarting) {
		return newErr(ErrAlreadyInProgress, "Run", nil)
	}
	h.mu.Lock()
	h.done = make(chan struct{})
	if spawnWorker {
		h.ready = make(chan struct{})
	}
	h.mu.Unlock()

	if spawnWorker {
		go h.runLoop()
		<-h.ready
		return nil
	}
	h.runLoop()
	return nil
}

// Stop requests the engine to terminate. It is idempotent and safe to
// call from any goroutine, including the worker itself. If called from a
// different goroutine than the worker, it interrupts the blocked
// readiness wait so the loop observes the request promptly.
func (h *IOHandler) Stop() {
	h.mu.Lock()
	alreadyQuit := h.quit
	h.quit = true
	h.mu.Unlock()
	if h.state.transitionAny([]engineState{stateStarting, stateRunning}, stateStopping) {
		logDebug(h.logger, "engine", "worker stopping", -1)
	}
	if !alreadyQuit {
		h.wakeIfNeeded()
	}
}

// Join blocks until a worker started by Run(true) has terminated. It must
// not be called from the worker goroutine. Calling Join when Run(false)
// was used, or before Run was ever called, returns immediately.
func (h *IOHandler) Join() {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close is a convenience combination of Stop, Join, and releasing the
// underlying kernel poll object.
func (h *IOHandler) Close() error {
	h.Stop()
	h.Join()
	return h.poller.close()
}

// Logger returns the [Logger] this engine logs through: the one passed to
// [New] via [WithLogger], or the package-level default installed with
// [SetLogger] at construction time. Adapters defined in other packages
// (e.g. iomultiplex/tls) use this to log through the same sink instead of
// picking their own.
func (h *IOHandler) Logger() Logger {
	return h.logger
}

// SameContext reports whether the calling goroutine is the engine's
// worker, or whether no worker exists yet (in which case there is
// nothing to be out-of-context relative to).
func (h *IOHandler) SameContext() bool {
	if !h.workerAlive() {
		return true
	}
	return currentGoroutineID() == h.workerGoroutineID.Load()
}

// isWorkerGoroutine is the stricter check used to detect a synchronous
// wrapper being invoked reentrantly from the worker's own call stack. It
// is false whenever there is no live worker to deadlock against.
func (h *IOHandler) isWorkerGoroutine() bool {
	if !h.workerAlive() {
		return false
	}
	return currentGoroutineID() == h.workerGoroutineID.Load()
}

// workerAlive reports whether a worker thread is currently parked in (or
// about to enter) the readiness wait, i.e. whether a wake signal would
// reach anyone.
func (h *IOHandler) workerAlive() bool {
	switch h.state.load() {
	case stateStarting, stateRunning, stateStopping:
		return true
	default:
		return false
	}
}

func (h *IOHandler) wakeIfNeeded() {
	if h.workerAlive() && !h.isWorkerGoroutine() {
		if err := wakeWorker(h.workerTid, h.signalNum); err != nil {
			logError(h.logger, "engine", "wake worker", -1, err)
		}
	}
}

// QueueRead enqueues a read of up to len(buf) bytes against conn. cb is
// invoked from the worker once the read completes, times out (if
// timeout > 0), or is cancelled. timeout <= 0 means no deadline.
func (h *IOHandler) QueueRead(conn Connection, buf []byte, cb Callback, timeout time.Duration) (OpID, error) {
	return h.queueOp(conn, buf, cb, timeout, true, false)
}

// QueueWrite enqueues a write of len(buf) bytes against conn.
func (h *IOHandler) QueueWrite(conn Connection, buf []byte, cb Callback, timeout time.Duration) (OpID, error) {
	return h.queueOp(conn, buf, cb, timeout, false, false)
}

// queueWaitForRX/queueWaitForTX queue a dummy (readiness-only) operation:
// they never call doRead/doWrite, just report once the direction is
// ready. Used by the package-level WaitForRX/WaitForTX wrappers, and by
// endpoints (connect completion, TLS handshake driving) that need a
// readiness-only wait.
func (h *IOHandler) queueWaitForRX(conn Connection, cb Callback, timeout time.Duration) (OpID, error) {
	return h.queueOp(conn, nil, cb, timeout, true, true)
}

func (h *IOHandler) queueWaitForTX(conn Connection, cb Callback, timeout time.Duration) (OpID, error) {
	return h.queueOp(conn, nil, cb, timeout, false, true)
}

func (h *IOHandler) queueOp(conn Connection, buf []byte, cb Callback, timeout time.Duration, isRead, dummy bool) (OpID, error) {
	fd := conn.Handle()
	op := opName(isRead)
	if fd < 0 {
		return 0, newErr(ErrBadDescriptor, op, nil)
	}

	h.mu.Lock()
	if h.quit || h.state.load() == stateStopping {
		h.mu.Unlock()
		return 0, newErr(ErrCancelled, op, nil)
	}
	if (isRead && h.inCancelling(h.rxCancelling, fd)) || (!isRead && h.inCancelling(h.txCancelling, fd)) {
		h.mu.Unlock()
		return 0, newErr(ErrCancelled, op, nil)
	}

	fs := h.queues[fd]
	if fs == nil {
		fs = &fdState{rx: list.New(), tx: list.New()}
		h.queues[fd] = fs
	}
	lst := fs.rx
	if !isRead {
		lst = fs.tx
	}

	h.seq++
	pending := &pendingOp{
		id:      OpID(h.seq),
		fd:      fd,
		conn:    conn,
		buf:     buf,
		cb:      cb,
		isRead:  isRead,
		dummy:   dummy,
		list:    lst,
		heapIdx: -1,
	}
	pending.elem = lst.PushBack(pending)

	becameEarliest := false
	if timeout > 0 {
		pending.hasDeadline = true
		pending.deadline = time.Now().Add(timeout)
		heap.Push(&h.timeoutHeap, pending)
		becameEarliest = h.timeoutHeap[0] == pending
	}

	if ierr := h.updateInterest(fd); ierr != nil {
		lst.Remove(pending.elem)
		if pending.hasDeadline {
			heap.Remove(&h.timeoutHeap, pending.heapIdx)
		}
		if fs.rx.Len() == 0 && fs.tx.Len() == 0 {
			delete(h.queues, fd)
		}
		h.mu.Unlock()
		return 0, newErr(ErrUnsupported, op, ierr)
	}
	h.mu.Unlock()

	if becameEarliest {
		h.wakeIfNeeded()
	}
	return pending.id, nil
}

func (h *IOHandler) inCancelling(set map[int]struct{}, fd int) bool {
	_, ok := set[fd]
	return ok
}

// Cancel removes queued operations for the requested directions on
// conn's handle. fast drops them silently with no callback invocation;
// ordered marks the direction as draining and the worker invokes every
// queued callback with ErrCancelled on its next iteration (or
// synchronously, within this call, if the caller is the worker itself).
func (h *IOHandler) Cancel(conn Connection, rx, tx, fast bool) {
	fd := conn.Handle()
	if fd < 0 {
		return
	}
	h.mu.Lock()
	if fast {
		if fs := h.queues[fd]; fs != nil {
			if rx {
				h.clearListFast(fs.rx)
			}
			if tx {
				h.clearListFast(fs.tx)
			}
			h.updateInterest(fd)
		}
		h.mu.Unlock()
		return
	}

	wasWorker := h.isWorkerGoroutine()
	if rx {
		h.rxCancelling[fd] = struct{}{}
	}
	if tx {
		h.txCancelling[fd] = struct{}{}
	}
	if wasWorker {
		h.drainCancelling()
	}
	h.mu.Unlock()
	if !wasWorker {
		h.wakeIfNeeded()
	}
}

func (h *IOHandler) clearListFast(lst *list.List) {
	for e := lst.Front(); e != nil; {
		next := e.Next()
		op := e.Value.(*pendingOp)
		if op.hasDeadline && op.heapIdx >= 0 {
			heap.Remove(&h.timeoutHeap, op.heapIdx)
		}
		lst.Remove(e)
		e = next
	}
}

func (h *IOHandler) removeOp(op *pendingOp) {
	op.list.Remove(op.elem)
	if op.hasDeadline && op.heapIdx >= 0 {
		heap.Remove(&h.timeoutHeap, op.heapIdx)
	}
}

// updateInterest reconciles kernel-registered interest for fd with
// {IN iff rx non-empty} ∪ {OUT iff tx non-empty}, using the minimum of
// add/modify/delete. Must be called with mu held.
func (h *IOHandler) updateInterest(fd int) error {
	fs := h.queues[fd]
	if fs == nil {
		return nil
	}
	var want ioEvents
	if fs.rx.Len() > 0 {
		want |= evRead
	}
	if fs.tx.Len() > 0 {
		want |= evWrite
	}
	if want == fs.registered {
		return nil
	}
	var err error
	switch {
	case want == 0:
		err = h.poller.unregisterFD(fd)
		delete(h.queues, fd)
	case fs.registered == 0:
		err = h.poller.registerFD(fd, want)
		if err == nil {
			fs.registered = want
		}
	default:
		err = h.poller.modifyFD(fd, want)
		if err == nil {
			fs.registered = want
		}
	}
	return err
}

// runLoop is the body of the reactor. It runs on one goroutine/OS thread
// for its entire lifetime: LockOSThread is held throughout so the worker
// thread identity captured here stays valid for signal-targeted wakeups
// and for isWorkerGoroutine's reentrancy check.
func (h *IOHandler) runLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	h.workerTid = workerThreadID()
	h.workerGoroutineID.Store(currentGoroutineID())
	installControlSignal(h.signalNum)
	defer uninstallControlSignal(h.signalNum)

	h.state.compareAndSwap(stateStarting, stateRunning)
	logDebug(h.logger, "engine", "worker running", -1)
	if h.ready != nil {
		close(h.ready)
	}
	defer func() {
		h.state.store(stateStopped)
		logDebug(h.logger, "engine", "worker stopped", -1)
		if h.done != nil {
			close(h.done)
		}
	}()

	for {
		h.mu.Lock()
		if h.quit {
			h.mu.Unlock()
			return
		}
		timeoutMs := h.nextTimeoutMs()
		h.mu.Unlock()

		ready, err := h.poller.wait(timeoutMs)
		if err != nil {
			logError(h.logger, "engine", "poll wait", -1, err)
		}

		h.mu.Lock()
		h.drainCancelling()
		for _, ev := range ready {
			h.dispatchFd(ev)
		}
		if len(ready) == 0 {
			h.fireTimeouts()
		}
		h.mu.Unlock()
	}
}

func (h *IOHandler) nextTimeoutMs() int {
	base := -1
	if h.timeoutHeap.Len() > 0 {
		d := time.Until(h.timeoutHeap[0].deadline)
		if d < 0 {
			d = 0
		}
		ms := int(d / time.Millisecond)
		if ms == 0 && d > 0 {
			ms = 1
		}
		base = ms
	}
	if h.pollTimeoutCap > 0 {
		capMs := int(h.pollTimeoutCap / time.Millisecond)
		if base < 0 || base > capMs {
			base = capMs
		}
	}
	return base
}

// drainCancelling implements step 3 of the scheduling algorithm: repeat
// until both cancelling sets are empty, since a drained callback may
// enqueue further cancellations. Must be called with mu held.
func (h *IOHandler) drainCancelling() {
	for len(h.rxCancelling) > 0 || len(h.txCancelling) > 0 {
		for fd := range h.rxCancelling {
			h.drainDirection(fd, true)
			delete(h.rxCancelling, fd)
			h.updateInterest(fd)
		}
		for fd := range h.txCancelling {
			h.drainDirection(fd, false)
			delete(h.txCancelling, fd)
			h.updateInterest(fd)
		}
	}
}

func (h *IOHandler) drainDirection(fd int, isRead bool) {
	for {
		fs := h.queues[fd]
		if fs == nil {
			return
		}
		lst := fs.rx
		if !isRead {
			lst = fs.tx
		}
		if lst.Len() == 0 {
			return
		}
		op := lst.Front().Value.(*pendingOp)
		h.removeOp(op)
		cb := op.cb
		h.mu.Unlock()
		if cb != nil {
			cb(-1, newErr(ErrCancelled, opName(isRead), nil))
		}
		h.mu.Lock()
	}
}

// dispatchFd implements step 4 of the scheduling algorithm for one ready
// fd. Must be called with mu held.
func (h *IOHandler) dispatchFd(ev readyEvent) {
	if _, ok := h.queues[ev.fd]; !ok {
		return
	}
	hasErr := ev.events&(evError|evHangup) != 0
	if hasErr || ev.events&evRead != 0 {
		h.handleDirection(ev.fd, true, hasErr)
	}
	if hasErr || ev.events&evWrite != 0 {
		h.handleDirection(ev.fd, false, hasErr)
	}
	h.updateInterest(ev.fd)
}

func (h *IOHandler) handleDirection(fd int, isRead bool, hasErr bool) {
	for {
		fs := h.queues[fd]
		if fs == nil {
			return
		}
		lst := fs.rx
		if !isRead {
			lst = fs.tx
		}
		if lst.Len() == 0 {
			return
		}
		op := lst.Front().Value.(*pendingOp)

		var n int
		var err error
		complete := true
		switch {
		case hasErr:
			n, err = classifySocketError(fd)
		case op.dummy:
			n, err = 0, nil
		default:
			var raw error
			if isRead {
				n, raw = op.conn.doRead(op.buf)
			} else {
				n, raw = op.conn.doWrite(op.buf)
			}
			if raw != nil {
				if isWouldBlock(raw) {
					complete = false
				} else {
					n, err = classifyResult(n, opName(isRead), raw)
				}
			}
		}
		if !complete {
			return
		}

		h.removeOp(op)
		cb := op.cb
		h.mu.Unlock()
		if cb != nil {
			cb(n, err)
		}
		h.mu.Lock()

		if isRead {
			if h.inCancelling(h.rxCancelling, fd) {
				return
			}
		} else {
			if h.inCancelling(h.txCancelling, fd) {
				return
			}
		}
	}
}

// fireTimeouts implements step 5: only called when a poll iteration
// returned zero ready events. Must be called with mu held.
func (h *IOHandler) fireTimeouts() {
	now := time.Now()
	for h.timeoutHeap.Len() > 0 {
		op := h.timeoutHeap[0]
		if op.deadline.After(now) {
			return
		}
		heap.Pop(&h.timeoutHeap)
		op.list.Remove(op.elem)
		fd := op.fd
		cb := op.cb
		h.mu.Unlock()
		if cb != nil {
			cb(-1, newErr(ErrTimedOut, opName(op.isRead), nil))
		}
		h.mu.Lock()
		h.updateInterest(fd)
	}
}

func opName(isRead bool) string {
	if isRead {
		return "read"
	}
	return "write"
}
