package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProcessState is the injectable runtime state shared between the connection
// manager, the backfill loader and the query facade. It replaces ambient
// process-wide globals: the facade rejects reads while backfill is running,
// and health reporting distinguishes "starting up" from "degraded".
type ProcessState struct {
	backfillInProgress atomic.Bool
	streamLive         atomic.Bool
	lastEventUnixNano  atomic.Int64

	mu        sync.RWMutex
	lastError string
	lastErrAt time.Time
}

// NewProcessState returns a state object with backfill marked in progress,
// the initial condition of a freshly started process.
func NewProcessState() *ProcessState {
	s := &ProcessState{}
	s.backfillInProgress.Store(true)
	return s
}

// SetBackfillInProgress flips the backfill gate.
func (s *ProcessState) SetBackfillInProgress(v bool) {
	s.backfillInProgress.Store(v)
}

// BackfillInProgress reports whether the facade must reject read traffic.
func (s *ProcessState) BackfillInProgress() bool {
	return s.backfillInProgress.Load()
}

// SetStreamLive records the ledger stream connection status.
func (s *ProcessState) SetStreamLive(v bool) {
	s.streamLive.Store(v)
}

// StreamLive reports whether the ledger stream is currently connected.
func (s *ProcessState) StreamLive() bool {
	return s.streamLive.Load()
}

// MarkEvent records the arrival time of an inbound ledger event.
func (s *ProcessState) MarkEvent(t time.Time) {
	s.lastEventUnixNano.Store(t.UnixNano())
}

// LastEvent returns the time of the most recent inbound event, zero if none.
func (s *ProcessState) LastEvent() time.Time {
	n := s.lastEventUnixNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// MarkError records the most recent processing error for introspection.
func (s *ProcessState) MarkError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastErrAt = time.Now()
	s.mu.Unlock()
}

// LastError returns the most recent recorded error message and its time.
func (s *ProcessState) LastError() (string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError, s.lastErrAt
}
