//go:build linux || darwin

package iomultiplex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestHandler(t *testing.T) *IOHandler {
	t.Helper()
	h, err := New()
	require.NoError(t, err)
	require.NoError(t, h.Run(true))
	t.Cleanup(func() {
		_ = h.Close()
	})
	return h
}

// newPipe returns a connected, non-blocking pipe pair wrapped as
// FdConnections against h.
func newPipe(t *testing.T, h *IOHandler) (*FdConnection, *FdConnection) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	r, err := NewFdConnection(h, fds[0])
	require.NoError(t, err)
	w, err := NewFdConnection(h, fds[1])
	require.NoError(t, err)
	return r, w
}

func TestQueueReadWriteRoundTrip(t *testing.T) {
	h := newTestHandler(t)
	r, w := newPipe(t, h)
	defer r.Close()
	defer w.Close()

	done := make(chan struct{})
	buf := make([]byte, 5)
	_, err := h.QueueRead(r, buf, func(n int, err error) {
		require.NoError(t, err)
		require.Equal(t, 5, n)
		require.Equal(t, "hello", string(buf))
		close(done)
	}, time.Second)
	require.NoError(t, err)

	_, err = h.QueueWrite(w, []byte("hello"), func(n int, err error) {
		require.NoError(t, err)
		require.Equal(t, 5, n)
	}, time.Second)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read never completed")
	}
}

// TestFIFOPerDirection checks that reads queued on the same fd/direction
// complete in the order they were queued, one read's worth of bytes at a
// time, regardless of how much data arrives in a single write.
func TestFIFOPerDirection(t *testing.T) {
	h := newTestHandler(t)
	r, w := newPipe(t, h)
	defer r.Close()
	defer w.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		i := i
		buf := make([]byte, 2)
		_, err := h.QueueRead(r, buf, func(n int, err error) {
			defer wg.Done()
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, time.Second)
		require.NoError(t, err)
	}

	_, err := h.QueueWrite(w, []byte("abcdef"), nil, time.Second)
	require.NoError(t, err)

	waitOrTimeout(t, &wg, 2*time.Second)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2}, order)
}

// TestOrderedCancelDrainsExactlyOnce verifies that an ordered (non-fast)
// Cancel removes a pending op and its callback fires exactly once, with
// ErrCancelled.
func TestOrderedCancelDrainsExactlyOnce(t *testing.T) {
	h := newTestHandler(t)
	r, w := newPipe(t, h)
	defer r.Close()
	defer w.Close()

	var calls int
	var mu sync.Mutex
	done := make(chan struct{})
	_, err := h.QueueRead(r, make([]byte, 4), func(n int, err error) {
		mu.Lock()
		calls++
		mu.Unlock()
		require.Error(t, err)
		require.True(t, Is(err, ErrCancelled))
		close(done)
	}, 0)
	require.NoError(t, err)

	r.Cancel(true, false, false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled op never completed")
	}

	// Give any spurious duplicate completion a chance to land before
	// asserting there wasn't one.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

// TestTimeoutOrdering (E2) checks that two reads with different timeouts
// on otherwise idle fds time out in deadline order, not queue order.
func TestTimeoutOrdering(t *testing.T) {
	h := newTestHandler(t)
	r1, w1 := newPipe(t, h)
	defer r1.Close()
	defer w1.Close()
	r2, w2 := newPipe(t, h)
	defer r2.Close()
	defer w2.Close()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)

	_, err := h.QueueRead(r1, make([]byte, 1), func(n int, err error) {
		defer wg.Done()
		require.True(t, Is(err, ErrTimedOut))
		mu.Lock()
		order = append(order, "long")
		mu.Unlock()
	}, 200*time.Millisecond)
	require.NoError(t, err)

	_, err = h.QueueRead(r2, make([]byte, 1), func(n int, err error) {
		defer wg.Done()
		require.True(t, Is(err, ErrTimedOut))
		mu.Lock()
		order = append(order, "short")
		mu.Unlock()
	}, 50*time.Millisecond)
	require.NoError(t, err)

	waitOrTimeout(t, &wg, 2*time.Second)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"short", "long"}, order)
}

// TestOrderedCancelDrainsInFIFOOrder is scenario E1: three queued reads
// with no timeout, cancelled with ordered (non-fast) RX cancel. Every
// callback must fire exactly once, in FIFO order, with ErrCancelled; a
// fourth read queued from inside the first callback (i.e. during the
// drain) must itself be rejected with ErrCancelled.
func TestOrderedCancelDrainsInFIFOOrder(t *testing.T) {
	h := newTestHandler(t)
	r, w := newPipe(t, h)
	defer r.Close()
	defer w.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	var queueFourth sync.Once
	var fourthErr error
	fourthDone := make(chan struct{})

	for i := 0; i < 3; i++ {
		i := i
		_, err := h.QueueRead(r, make([]byte, 1), func(n int, err error) {
			defer wg.Done()
			require.Equal(t, -1, n)
			require.True(t, Is(err, ErrCancelled))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			// While the drain is still in progress (from inside a
			// cancelled callback), a new RX queue attempt on the same fd
			// must be rejected with ErrCancelled.
			queueFourth.Do(func() {
				_, qerr := h.QueueRead(r, make([]byte, 1), func(int, error) {}, 0)
				fourthErr = qerr
				close(fourthDone)
			})
		}, 0)
		require.NoError(t, err)
	}

	r.Cancel(true, false, false)

	waitOrTimeout(t, &wg, 2*time.Second)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2}, order)

	select {
	case <-fourthDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fourth queue attempt never observed")
	}
	require.Error(t, fourthErr)
	require.True(t, Is(fourthErr, ErrCancelled))
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for callbacks")
	}
}
