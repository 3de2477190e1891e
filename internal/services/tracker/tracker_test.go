package tracker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrpscope/xrpscope/internal/domain"
)

func xrpAmount(v string) domain.Amount {
	return domain.Amount{Currency: domain.Currency{Code: domain.XRPCode}, Value: dec(v)}
}

func issuedAmount(code, issuer, v string) domain.Amount {
	return domain.Amount{Currency: domain.Currency{Code: code, Issuer: issuer}, Value: dec(v)}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	usd := domain.Currency{Code: "USD", Issuer: "rIssuer1"}
	xrp := domain.Currency{Code: domain.XRPCode}

	require.Equal(t, PairKey(usd, xrp), PairKey(xrp, usd))
	require.Equal(t, PairKey(domain.Currency{Code: "usd", Issuer: "rIssuer1"}, xrp), PairKey(usd, xrp))

	other := domain.Currency{Code: "USD", Issuer: "rIssuer2"}
	require.NotEqual(t, PairKey(usd, xrp), PairKey(other, xrp))
}

func TestTopKOrdersByVolume(t *testing.T) {
	tr := New(zap.NewNop())
	now := time.Now()

	tr.RecordTrade(issuedAmount("AAA", "r1", "1"), xrpAmount("1"), dec("50"), now)
	tr.RecordTrade(issuedAmount("BBB", "r2", "1"), xrpAmount("1"), dec("200"), now)
	tr.RecordTrade(issuedAmount("CCC", "r3", "1"), xrpAmount("1"), dec("150"), now)

	top := tr.TopK(Window1h, 2)
	require.Len(t, top, 2)
	require.Equal(t, "200", top[0].Volume.String())
	require.Equal(t, "150", top[1].Volume.String())

	all := tr.TopK(Window1h, 10)
	require.Len(t, all, 3)
	require.Equal(t, "50", all[2].Volume.String())
}

func TestTopKTiesKeepInsertionOrder(t *testing.T) {
	tr := New(zap.NewNop())
	now := time.Now()

	tr.RecordTrade(issuedAmount("AAA", "r1", "1"), xrpAmount("1"), dec("100"), now)
	tr.RecordTrade(issuedAmount("BBB", "r2", "1"), xrpAmount("1"), dec("100"), now)

	top := tr.TopK(Window24h, 10)
	require.Len(t, top, 2)
	require.Equal(t, PairKey(domain.Currency{Code: "AAA", Issuer: "r1"}, domain.Currency{Code: domain.XRPCode}), top[0].PairKey)
}

func TestRecordSplitsBidAndAsk(t *testing.T) {
	tr := New(zap.NewNop())
	now := time.Now()
	usd := issuedAmount("USD", "rIssuer", "100")

	// Bid: the pays leg is XRP.
	tr.RecordTrade(usd, xrpAmount("50"), dec("50"), now)
	// Ask: the gets leg is XRP.
	tr.RecordTrade(xrpAmount("60"), issuedAmount("USD", "rIssuer", "120"), dec("60"), now)

	top := tr.TopK(Window10m, 1)
	require.Len(t, top, 1)
	v := top[0]
	require.True(t, v.IsXRPPair)
	require.Equal(t, int64(2), v.Count)
	require.Equal(t, "50", v.BidVolume.String())
	require.Equal(t, "60", v.AskVolume.String())
	require.Equal(t, int64(1), v.BidCount)
	require.Equal(t, int64(1), v.AskCount)

	// Last price from the ask: 60 XRP for 120 USD.
	require.NotNil(t, v.LastPrice)
	require.Equal(t, "0.5", v.LastPrice.String())
	require.Len(t, v.History, 2)
}

func TestRecordDropsMissingCurrency(t *testing.T) {
	tr := New(zap.NewNop())
	tr.RecordTrade(domain.Amount{}, xrpAmount("1"), dec("1"), time.Now())
	require.Empty(t, tr.TopK(Window24h, 10))
}

func TestWindowExpiryOnRead(t *testing.T) {
	tr := New(zap.NewNop())
	now := time.Now()

	tr.RecordTrade(issuedAmount("OLD", "r1", "1"), xrpAmount("1"), dec("10"), now.Add(-11*time.Minute))
	tr.RecordTrade(issuedAmount("NEW", "r2", "1"), xrpAmount("1"), dec("10"), now.Add(-9*time.Minute))

	short := tr.TopK(Window10m, 10)
	require.Len(t, short, 1)
	require.Equal(t, domain.Currency{Code: "NEW", Issuer: "r2"}, short[0].TakerGets)

	long := tr.TopK(Window1h, 10)
	require.Len(t, long, 2)
}

func TestStaleAggregateResetsOnWrite(t *testing.T) {
	tr := New(zap.NewNop())
	now := time.Now()
	gets := issuedAmount("USD", "r1", "1")

	tr.RecordTrade(gets, xrpAmount("1"), dec("100"), now.Add(-11*time.Minute))
	tr.RecordTrade(gets, xrpAmount("1"), dec("5"), now)

	top := tr.TopK(Window10m, 10)
	require.Len(t, top, 1)
	// Fresh aggregate, the stale volume is gone.
	require.Equal(t, "5", top[0].Volume.String())
	require.Equal(t, int64(1), top[0].Count)

	// The hour window keeps accumulating.
	hour := tr.TopK(Window1h, 10)
	require.Equal(t, "105", hour[0].Volume.String())
}

func TestSweepEvictsStalePairs(t *testing.T) {
	tr := New(zap.NewNop())
	now := time.Now()

	tr.RecordTrade(issuedAmount("OLD", "r1", "1"), xrpAmount("1"), dec("10"), now.Add(-11*time.Minute))
	tr.RecordTrade(issuedAmount("NEW", "r2", "1"), xrpAmount("1"), dec("10"), now)

	require.Equal(t, 2, tr.Memory()[Window10m].Entries)
	tr.Sweep(Window10m)
	require.Equal(t, 1, tr.Memory()[Window10m].Entries)
}

func TestTopKXRPPairsTrend(t *testing.T) {
	tests := []struct {
		name      string
		lastValue string
		trend     string
	}{
		{name: "rising past threshold", lastValue: "100.2", trend: TrendUp},
		{name: "falling past threshold", lastValue: "99.8", trend: TrendDown},
		{name: "within threshold", lastValue: "100.05", trend: TrendNeutral},
		{name: "exactly at threshold", lastValue: "100.1", trend: TrendNeutral},
		// 0.104% is above the threshold even though it rounds to 0.10
		// for display.
		{name: "barely above threshold", lastValue: "100.104", trend: TrendUp},
		{name: "barely below negative threshold", lastValue: "99.896", trend: TrendDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(zap.NewNop())
			now := time.Now()
			gets := issuedAmount("USD", "r1", "100")

			tr.RecordTrade(gets, xrpAmount("100"), dec("100"), now.Add(-time.Minute))
			tr.RecordTrade(gets, xrpAmount(tt.lastValue), dec("100"), now)

			pairs := tr.TopKXRPPairs(Window10m, 10)
			require.Len(t, pairs, 1)
			require.Equal(t, tt.trend, pairs[0].Trend)
			require.True(t, pairs[0].PriceChange.Equal(pairs[0].PriceChange.Round(2)))
		})
	}
}

func TestHeatLevels(t *testing.T) {
	tests := []struct {
		name   string
		volume string
		level  int
	}{
		{name: "quiet", volume: "1000000", level: 1},
		{name: "warm", volume: "6000000", level: 2},
		{name: "busy", volume: "21000000", level: 3},
		{name: "hot", volume: "51000000", level: 4},
		{name: "on fire", volume: "101000000", level: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(zap.NewNop())
			tr.RecordTrade(issuedAmount("USD", "r1", "1"), xrpAmount("1"), dec(tt.volume), time.Now())

			pairs := tr.TopKXRPPairs(Window24h, 1)
			require.Len(t, pairs, 1)
			require.Equal(t, tt.level, pairs[0].HeatLevel)
		})
	}
}

func TestStats(t *testing.T) {
	tr := New(zap.NewNop())
	now := time.Now()
	usd := domain.Currency{Code: "USD", Issuer: "r1"}
	xrp := domain.Currency{Code: domain.XRPCode}

	tr.RecordTrade(issuedAmount("EUR", "r2", "1"), xrpAmount("1"), dec("500"), now)
	tr.RecordTrade(issuedAmount("USD", "r1", "1"), xrpAmount("1"), dec("100"), now)
	tr.RecordTrade(issuedAmount("USD", "r1", "1"), xrpAmount("1"), dec("50"), now)

	stats := tr.Stats(usd, xrp)
	require.Len(t, stats, len(Windows))
	s := stats[Window24h]
	require.Equal(t, "150", s.Volume.String())
	require.Equal(t, int64(2), s.Count)
	require.Equal(t, 2, s.Rank)

	require.Empty(t, tr.Stats(domain.Currency{Code: "GBP", Issuer: "r9"}, xrp))
}

func TestMemoryAccountsForHistory(t *testing.T) {
	tr := New(zap.NewNop())
	require.Equal(t, 0, tr.Memory()[Window10m].Entries)

	tr.RecordTrade(issuedAmount("USD", "r1", "100"), xrpAmount("100"), dec("100"), time.Now())
	m := tr.Memory()[Window10m]
	require.Equal(t, 1, m.Entries)
	require.Greater(t, m.MemoryUsage, 0)
}
