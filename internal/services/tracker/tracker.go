// Package tracker maintains rolling, time-windowed trading-pair aggregates
// over the live event feed: top-k pairs by volume, bid/ask splits for
// XRP-denominated pairs, price trend and activity heat.
package tracker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xrpscope/xrpscope/internal/domain"
)

// Window is one fixed rolling horizon.
type Window string

const (
	Window10m Window = "10m"
	Window1h  Window = "1h"
	Window24h Window = "24h"
)

// Windows lists every maintained horizon.
var Windows = []Window{Window10m, Window1h, Window24h}

var windowHorizons = map[Window]time.Duration{
	Window10m: 10 * time.Minute,
	Window1h:  time.Hour,
	Window24h: 24 * time.Hour,
}

// Sweep cadence per window, less frequent for larger horizons.
var sweepIntervals = map[Window]time.Duration{
	Window10m: 2 * time.Minute,
	Window1h:  10 * time.Minute,
	Window24h: time.Hour,
}

// Horizon returns the window's duration.
func (w Window) Horizon() time.Duration {
	return windowHorizons[w]
}

// ParseWindow validates a window name.
func ParseWindow(s string) (Window, bool) {
	w := Window(s)
	_, ok := windowHorizons[w]
	return w, ok
}

// DefaultTopK bounds top-k queries when the caller does not pass a limit.
const DefaultTopK = 20

// priceHistoryCap bounds the per-pair price sample buffer.
const priceHistoryCap = 100

// Price trend classification threshold, in percent.
const trendThresholdPct = 0.1

// Trend tags.
const (
	TrendUp      = "up"
	TrendDown    = "down"
	TrendNeutral = "neutral"
)

// Heat scoring: activityScore = volume/heatVolumeDivisor + count/heatCountDivisor,
// bucketed against the thresholds below into levels 1-5.
const (
	heatVolumeDivisor = 1_000_000
	heatCountDivisor  = 10

	heatLevel5Score = 100
	heatLevel4Score = 50
	heatLevel3Score = 20
	heatLevel2Score = 5
)

// PricePoint is one settlement-denominated price sample.
type PricePoint struct {
	Price decimal.Decimal `json:"price"`
	Time  time.Time       `json:"timestamp"`
}

// aggregate is the mutable per-(pair, window) state. Owned exclusively by
// the tracker; readers only ever see copies.
type aggregate struct {
	seq        uint64
	takerGets  domain.Currency
	takerPays  domain.Currency
	volume     decimal.Decimal
	count      int64
	lastUpdate time.Time
	isXRPPair  bool
	bidVolume  decimal.Decimal
	askVolume  decimal.Decimal
	bidCount   int64
	askCount   int64
	lastPrice  decimal.Decimal
	hasPrice   bool
	history    []PricePoint
}

// PairView is a consistent read-only snapshot of one aggregate.
type PairView struct {
	PairKey    string          `json:"pairKey"`
	TakerGets  domain.Currency `json:"takerGets"`
	TakerPays  domain.Currency `json:"takerPays"`
	Volume     decimal.Decimal `json:"volume"`
	Count      int64           `json:"count"`
	LastUpdate time.Time       `json:"lastUpdate"`
	IsXRPPair  bool            `json:"isXRPPair"`
	BidVolume  decimal.Decimal `json:"bidVolume"`
	AskVolume  decimal.Decimal `json:"askVolume"`
	BidCount   int64           `json:"bidCount"`
	AskCount   int64           `json:"askCount"`
	LastPrice  *decimal.Decimal `json:"lastPrice"`
	History    []PricePoint    `json:"priceHistory,omitempty"`

	seq uint64
}

// XRPPairView extends PairView with derived price-trend and heat fields.
type XRPPairView struct {
	PairView
	PriceChange decimal.Decimal `json:"priceChange"`
	Trend       string          `json:"trend"`
	HeatLevel   int             `json:"heatLevel"`
}

// WindowStats is the per-window summary for a single pair.
type WindowStats struct {
	Volume     decimal.Decimal `json:"volume"`
	Count      int64           `json:"count"`
	LastUpdate time.Time       `json:"lastUpdate"`
	Rank       int             `json:"rank,omitempty"`
}

// MemoryStats is the operational introspection view of one window shard.
type MemoryStats struct {
	Entries     int `json:"entries"`
	MemoryUsage int `json:"memoryUsage"`
}

// shard owns one window's aggregates behind its own lock, so eviction
// sweeps of one window never block writes to another.
type shard struct {
	mu      sync.RWMutex
	horizon time.Duration
	pairs   map[string]*aggregate
}

// Tracker is the concurrent, self-evicting windowed aggregator.
type Tracker struct {
	logger *zap.Logger
	shards map[Window]*shard
	seq    atomic.Uint64
}

// New creates a tracker with empty windows.
func New(logger *zap.Logger) *Tracker {
	shards := make(map[Window]*shard, len(Windows))
	for _, w := range Windows {
		shards[w] = &shard{horizon: windowHorizons[w], pairs: make(map[string]*aggregate)}
	}
	return &Tracker{logger: logger, shards: shards}
}

// PairKey builds the canonical, leg-order-independent identity of a pair:
// the lexicographically smaller of the two leg orderings.
func PairKey(a, b domain.Currency) string {
	legA := strings.ToUpper(a.Code) + "|" + a.Issuer
	legB := strings.ToUpper(b.Code) + "|" + b.Issuer
	k1 := legA + "~" + legB
	k2 := legB + "~" + legA
	if k1 < k2 {
		return k1
	}
	return k2
}

// RecordTrade records order-placement activity for the pair across every
// window. Records with a missing currency are dropped.
func (t *Tracker) RecordTrade(gets, pays domain.Amount, volume decimal.Decimal, ts time.Time) {
	t.record(gets, pays, volume, ts)
}

// RecordFill records a detected true consumption. Same aggregation as
// RecordTrade; the caller chooses the volume weighting.
func (t *Tracker) RecordFill(gets, pays domain.Amount, volume decimal.Decimal, ts time.Time) {
	t.record(gets, pays, volume, ts)
}

func (t *Tracker) record(gets, pays domain.Amount, volume decimal.Decimal, ts time.Time) {
	if gets.Currency.Code == "" || pays.Currency.Code == "" {
		t.logger.Debug("dropping activity record with missing currency")
		return
	}

	key := PairKey(gets.Currency, pays.Currency)
	isBid := pays.Currency.IsXRP() && !gets.Currency.IsXRP()
	isAsk := gets.Currency.IsXRP() && !pays.Currency.IsXRP()
	isXRPPair := isBid || isAsk

	// Settlement-denominated price: XRP per unit of the other asset.
	var price decimal.Decimal
	hasPrice := false
	if isBid && !gets.Value.IsZero() {
		price = pays.Value.Div(gets.Value)
		hasPrice = true
	} else if isAsk && !pays.Value.IsZero() {
		price = gets.Value.Div(pays.Value)
		hasPrice = true
	}

	for _, w := range Windows {
		sh := t.shards[w]
		cutoff := ts.Add(-sh.horizon)

		sh.mu.Lock()
		agg, ok := sh.pairs[key]
		if ok && agg.lastUpdate.Before(cutoff) {
			// Stale from before the horizon: start fresh.
			delete(sh.pairs, key)
			ok = false
		}
		if !ok {
			agg = &aggregate{
				seq:       t.seq.Add(1),
				takerGets: gets.Currency,
				takerPays: pays.Currency,
				isXRPPair: isXRPPair,
			}
			sh.pairs[key] = agg
		}
		agg.volume = agg.volume.Add(volume)
		agg.count++
		agg.lastUpdate = ts
		if isXRPPair {
			if isBid {
				agg.bidVolume = agg.bidVolume.Add(volume)
				agg.bidCount++
			} else {
				agg.askVolume = agg.askVolume.Add(volume)
				agg.askCount++
			}
			if hasPrice {
				agg.lastPrice = price
				agg.hasPrice = true
				agg.history = append(agg.history, PricePoint{Price: price, Time: ts})
				if len(agg.history) > priceHistoryCap {
					agg.history = agg.history[len(agg.history)-priceHistoryCap:]
				}
			}
		}
		sh.mu.Unlock()
	}
}

// TopK returns up to k pairs active within the window's horizon, descending
// by volume. Ties keep insertion order.
func (t *Tracker) TopK(w Window, k int) []PairView {
	views := t.snapshot(w, false)
	return limit(views, k)
}

// TopKXRPPairs returns up to k XRP-denominated pairs with derived price
// change, trend tag and heat level.
func (t *Tracker) TopKXRPPairs(w Window, k int) []XRPPairView {
	views := limit(t.snapshot(w, true), k)

	out := make([]XRPPairView, 0, len(views))
	for _, v := range views {
		x := XRPPairView{PairView: v, Trend: TrendNeutral, HeatLevel: heatLevel(v.Volume, v.Count)}
		var change decimal.Decimal
		if len(v.History) >= 2 && v.LastPrice != nil {
			first := v.History[0].Price
			if !first.IsZero() {
				change = v.LastPrice.Sub(first).Div(first).Mul(decimal.NewFromInt(100))
			}
		}
		// Classify on the exact change; rounding is display-only.
		threshold := decimal.NewFromFloat(trendThresholdPct)
		if change.GreaterThan(threshold) {
			x.Trend = TrendUp
		} else if change.LessThan(threshold.Neg()) {
			x.Trend = TrendDown
		}
		x.PriceChange = change.Round(2)
		out = append(out, x)
	}
	return out
}

// Stats returns the per-window summary for one pair. Rank is derived by
// locating the pair in TopK, acceptable at expected pair cardinality.
func (t *Tracker) Stats(gets, pays domain.Currency) map[Window]WindowStats {
	key := PairKey(gets, pays)
	stats := make(map[Window]WindowStats)
	for _, w := range Windows {
		sh := t.shards[w]
		cutoff := time.Now().Add(-sh.horizon)

		sh.mu.RLock()
		agg, ok := sh.pairs[key]
		if !ok || agg.lastUpdate.Before(cutoff) {
			sh.mu.RUnlock()
			continue
		}
		s := WindowStats{Volume: agg.volume, Count: agg.count, LastUpdate: agg.lastUpdate}
		sh.mu.RUnlock()

		for i, v := range t.TopK(w, DefaultTopK) {
			if v.PairKey == key {
				s.Rank = i + 1
				break
			}
		}
		stats[w] = s
	}
	return stats
}

// Memory returns per-window entry counts and a rough in-memory size.
func (t *Tracker) Memory() map[Window]MemoryStats {
	const baseAggregateSize = 200 // rough fixed cost per entry
	stats := make(map[Window]MemoryStats)
	for _, w := range Windows {
		sh := t.shards[w]
		sh.mu.RLock()
		m := MemoryStats{Entries: len(sh.pairs)}
		for key, agg := range sh.pairs {
			m.MemoryUsage += len(key) + baseAggregateSize + len(agg.history)*48
		}
		sh.mu.RUnlock()
		stats[w] = m
	}
	return stats
}

// Run starts the per-window eviction sweeps and blocks until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range Windows {
		wg.Add(1)
		go func(w Window) {
			defer wg.Done()
			ticker := time.NewTicker(sweepIntervals[w])
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					t.Sweep(w)
				}
			}
		}(w)
	}
	wg.Wait()
}

// Sweep drops every aggregate whose last update fell out of the window's
// horizon, bounding memory even for pairs that went quiet.
func (t *Tracker) Sweep(w Window) {
	sh := t.shards[w]
	cutoff := time.Now().Add(-sh.horizon)

	sh.mu.Lock()
	before := len(sh.pairs)
	for key, agg := range sh.pairs {
		if agg.lastUpdate.Before(cutoff) {
			delete(sh.pairs, key)
		}
	}
	removed := before - len(sh.pairs)
	sh.mu.Unlock()

	if removed > 0 {
		t.logger.Info("evicted stale pair aggregates",
			zap.String("window", string(w)), zap.Int("removed", removed))
	}
}

// snapshot copies every live aggregate of the window, sorted descending by
// volume with insertion order as the tie break.
func (t *Tracker) snapshot(w Window, xrpOnly bool) []PairView {
	sh := t.shards[w]
	cutoff := time.Now().Add(-sh.horizon)

	sh.mu.RLock()
	views := make([]PairView, 0, len(sh.pairs))
	for key, agg := range sh.pairs {
		if agg.lastUpdate.Before(cutoff) {
			continue
		}
		if xrpOnly && !agg.isXRPPair {
			continue
		}
		v := PairView{
			PairKey:    key,
			TakerGets:  agg.takerGets,
			TakerPays:  agg.takerPays,
			Volume:     agg.volume,
			Count:      agg.count,
			LastUpdate: agg.lastUpdate,
			IsXRPPair:  agg.isXRPPair,
			BidVolume:  agg.bidVolume,
			AskVolume:  agg.askVolume,
			BidCount:   agg.bidCount,
			AskCount:   agg.askCount,
			seq:        agg.seq,
		}
		if agg.hasPrice {
			p := agg.lastPrice
			v.LastPrice = &p
		}
		if len(agg.history) > 0 {
			v.History = append([]PricePoint(nil), agg.history...)
		}
		views = append(views, v)
	}
	sh.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].seq < views[j].seq })
	sort.SliceStable(views, func(i, j int) bool { return views[i].Volume.GreaterThan(views[j].Volume) })
	return views
}

func limit(views []PairView, k int) []PairView {
	if k <= 0 {
		k = DefaultTopK
	}
	if len(views) > k {
		views = views[:k]
	}
	return views
}

func heatLevel(volume decimal.Decimal, count int64) int {
	score := volume.InexactFloat64()/heatVolumeDivisor + float64(count)/heatCountDivisor
	switch {
	case score > heatLevel5Score:
		return 5
	case score > heatLevel4Score:
		return 4
	case score > heatLevel3Score:
		return 3
	case score > heatLevel2Score:
		return 2
	default:
		return 1
	}
}
