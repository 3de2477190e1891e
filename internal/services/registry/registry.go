// Package registry caches the operator-configured set of currency pairs the
// indexer persists to durable storage.
package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xrpscope/xrpscope/internal/domain"
)

// PairSource loads the configured pairs, typically the tracked_pairs table.
type PairSource interface {
	LoadTrackedPairs(ctx context.Context) ([]domain.Pair, error)
}

// Registry holds a refreshable snapshot of tracked pairs, keyed by their
// orientation-preserving pair key for cheap value-equality diffing.
type Registry struct {
	logger *zap.Logger
	source PairSource

	mu    sync.RWMutex
	pairs map[string]domain.Pair
}

// New creates an empty registry; call Reload before first use.
func New(logger *zap.Logger, source PairSource) *Registry {
	return &Registry{logger: logger, source: source, pairs: make(map[string]domain.Pair)}
}

// Reload fetches the active pair set and replaces the snapshot, returning
// the fresh slice. On load failure the previous snapshot stays in place.
func (r *Registry) Reload(ctx context.Context) ([]domain.Pair, error) {
	pairs, err := r.source.LoadTrackedPairs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load tracked pairs")
	}

	next := make(map[string]domain.Pair, len(pairs))
	for _, p := range pairs {
		next[p.Key()] = p
	}

	r.mu.Lock()
	r.pairs = next
	r.mu.Unlock()

	r.logger.Debug("tracked pairs reloaded", zap.Int("count", len(pairs)))
	return pairs, nil
}

// Snapshot returns the current tracked pairs.
func (r *Registry) Snapshot() []domain.Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

// Tracked reports whether the two legs match a configured pair in either
// orientation.
func (r *Registry) Tracked(gets, pays domain.Currency) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pairs {
		if p.Matches(gets, pays) {
			return true
		}
	}
	return false
}
