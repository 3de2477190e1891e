// Package activity journals aggregator input so a restarted process can
// rebuild its in-memory trading-pair windows instead of starting cold.
package activity

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/xrpscope/xrpscope/internal/domain"
)

const (
	DefaultDir   = "./wal/activity"
	segmentLimit = 10000
	maxSegments  = 20

	activityKeyPrefix = "activity_"
)

// WALStore persists pair activity records in an append-only log.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed activity journal.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "activity_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: false,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init activity WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes one activity record. Losing a record degrades restart
// warm-up only, so callers treat errors as non-fatal.
func (s *WALStore) Append(activity domain.Activity) error {
	if s == nil || s.wal == nil {
		return errors.New("activity journal is not initialized")
	}

	payload, err := json.Marshal(activity)
	if err != nil {
		return errors.Wrap(err, "marshal activity record")
	}

	key := fmt.Sprintf("%s%d", activityKeyPrefix, activity.Time.UnixNano())

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// Replay invokes fn for every journaled record newer than the cutoff, in
// append order. Undecodable records are skipped.
func (s *WALStore) Replay(cutoff time.Time, fn func(domain.Activity)) error {
	if s == nil || s.wal == nil {
		return errors.New("activity journal is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for idx := uint64(1); idx <= s.wal.CurrentIndex(); idx++ {
		_, payload, err := s.wal.Get(idx)
		if err != nil {
			continue
		}

		var activity domain.Activity
		if err := json.Unmarshal(payload, &activity); err != nil {
			continue
		}
		if activity.Time.Before(cutoff) {
			continue
		}
		fn(activity)
	}

	return nil
}

// Close closes the underlying log.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("activity journal is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
