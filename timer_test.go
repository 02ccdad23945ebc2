//go:build linux || darwin

package iomultiplex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestPeriodicTimerAndCancel (E5) arms a periodic timer, observes several
// expirations, then cancels it and checks no further callbacks arrive.
func TestPeriodicTimerAndCancel(t *testing.T) {
	h := newTestHandler(t)

	timer, err := NewTimerConnection(h)
	require.NoError(t, err)
	defer timer.Close()

	var mu sync.Mutex
	fires := 0
	require.NoError(t, timer.Set(20, 20, func(overruns uint64) {
		mu.Lock()
		fires++
		mu.Unlock()
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires >= 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, timer.Cancel())

	mu.Lock()
	atCancel := fires
	mu.Unlock()

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, atCancel, fires, "timer kept firing after Cancel")
}

// TestOneShotTimer checks a zero repeat interval fires exactly once.
func TestOneShotTimer(t *testing.T) {
	h := newTestHandler(t)

	timer, err := NewTimerConnection(h)
	require.NoError(t, err)
	defer timer.Close()

	fired := make(chan uint64, 4)
	require.NoError(t, timer.Set(10, 0, func(overruns uint64) {
		fired <- overruns
	}))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("one-shot timer never fired")
	}

	select {
	case <-fired:
		t.Fatal("one-shot timer fired more than once")
	case <-time.After(150 * time.Millisecond):
	}
}
