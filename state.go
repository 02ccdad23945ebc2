package iomultiplex

import (
	"sync/atomic"
)

// engineState is the lifecycle of an IOHandler.
//
//	stopped → starting → running → stopping → stopped
//
// starting exists because Run (and the internal worker bootstrap it
// triggers) may briefly overlap with a concurrent Stop call; everything
// after the loop body has actually entered its poll/dispatch cycle reports
// running, and Stop only has to flip running|starting → stopping.
type engineState uint32

const (
	stateStopped engineState = iota
	stateStarting
	stateRunning
	stateStopping
)

func (s engineState) String() string {
	switch s {
	case stateStopped:
		return "stopped"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// fastState is a lock-free CAS-based state cell used for the engine's
// lifecycle. All transitions are explicit CAS attempts; callers that lose
// a race simply observe the state a competing goroutine already set.
type fastState struct {
	v atomic.Uint32
}

func newFastState(initial engineState) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) load() engineState {
	return engineState(s.v.Load())
}

func (s *fastState) store(state engineState) {
	s.v.Store(uint32(state))
}

func (s *fastState) compareAndSwap(from, to engineState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// transitionAny tries each candidate source state in turn, returning true
// on the first one that succeeds.
func (s *fastState) transitionAny(from []engineState, to engineState) bool {
	for _, f := range from {
		if s.v.CompareAndSwap(uint32(f), uint32(to)) {
			return true
		}
	}
	return false
}

func (s *fastState) isRunning() bool {
	switch s.load() {
	case stateStarting, stateRunning:
		return true
	default:
		return false
	}
}
