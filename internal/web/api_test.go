package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrpscope/xrpscope/internal/domain"
	"github.com/xrpscope/xrpscope/internal/services/tracker"
	"github.com/xrpscope/xrpscope/internal/storage/postgres"
)

type stubStore struct {
	pingErr error
	offers  []domain.Offer
	events  []domain.OfferEvent
	listErr error
}

func (s *stubStore) Ping(_ context.Context) error { return s.pingErr }

func (s *stubStore) ListOffers(_ context.Context, _ postgres.OfferFilter) ([]domain.Offer, error) {
	return s.offers, s.listErr
}

func (s *stubStore) ListOfferEvents(_ context.Context, _ postgres.EventFilter) ([]domain.OfferEvent, error) {
	return s.events, s.listErr
}

func (s *stubStore) PairVolume(_ context.Context, _, _ string, _ time.Time) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.NewFromInt(10), decimal.NewFromInt(20), nil
}

func (s *stubStore) PairPriceTrend(_ context.Context, _, _ string, _ time.Time) (postgres.PriceTrend, error) {
	return postgres.PriceTrend{Avg: decimal.NewFromInt(2)}, nil
}

func (s *stubStore) OrderBookDepth(_ context.Context, _, _ string, _ int) ([]postgres.BookLevel, []postgres.BookLevel, error) {
	return nil, nil, nil
}

func (s *stubStore) OfferCounts(_ context.Context, _, _ string, _ time.Time) (int64, int64, error) {
	return 3, 1, nil
}

func (s *stubStore) AccountOrders(_ context.Context, _, _ string, _ time.Time) (map[string]postgres.AccountActivity, error) {
	return map[string]postgres.AccountActivity{"rAcc": {Created: 2}}, nil
}

func newTestServer(store *stubStore) (*Server, *domain.ProcessState, *tracker.Tracker) {
	state := domain.NewProcessState()
	tr := tracker.New(zap.NewNop())
	return NewServer(":0", zap.NewNop(), store, tr, state, 0), state, tr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestDataRoutesGatedDuringBackfill(t *testing.T) {
	s, _, _ := newTestServer(&stubStore{})
	h := s.routes()

	for _, path := range []string{
		"/offers",
		"/offer-history",
		"/analytics/volume?taker_gets_currency=USD&taker_pays_currency=XRP",
		"/analytics/top-pairs",
		"/analytics/memory",
	} {
		rec := get(t, h, path)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		require.Equal(t, "backfill in progress", decode(t, rec)["message"], path)
	}
}

// The server is reachable for its whole lifetime: a fresh process state
// refuses reads with 503 while still answering /health, and the same
// running server opens up once the flag clears.
func TestServerAvailableThroughoutBackfill(t *testing.T) {
	s, state, _ := newTestServer(&stubStore{})
	h := s.routes()

	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/offers").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/health").Code)

	state.SetBackfillInProgress(false)
	require.Equal(t, http.StatusOK, get(t, h, "/offers").Code)
}

func TestHealthNotGated(t *testing.T) {
	s, state, _ := newTestServer(&stubStore{})
	rec := get(t, s.routes(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, true, body["store"])
	require.Equal(t, false, body["stream"])
	require.Equal(t, true, body["backfillInProgress"])

	state.SetBackfillInProgress(false)
	state.SetStreamLive(true)
	body = decode(t, get(t, s.routes(), "/health"))
	require.Equal(t, true, body["stream"])
	require.Equal(t, false, body["backfillInProgress"])
}

func TestHealthReportsStoreFailure(t *testing.T) {
	s, _, _ := newTestServer(&stubStore{pingErr: errors.New("down")})
	rec := get(t, s.routes(), "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, false, decode(t, rec)["store"])
}

func TestOffersAfterBackfill(t *testing.T) {
	store := &stubStore{offers: []domain.Offer{{OfferID: "OFFER1", Account: "rAcc"}}}
	s, state, _ := newTestServer(store)
	state.SetBackfillInProgress(false)

	rec := get(t, s.routes(), "/offers?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, float64(1), body["count"])
}

func TestOffersStoreErrorIsInternal(t *testing.T) {
	s, state, _ := newTestServer(&stubStore{listErr: errors.New("boom")})
	state.SetBackfillInProgress(false)

	rec := get(t, s.routes(), "/offers")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal error", decode(t, rec)["message"])
}

func TestAnalyticsRequirePairParams(t *testing.T) {
	s, state, _ := newTestServer(&stubStore{})
	state.SetBackfillInProgress(false)
	h := s.routes()

	for _, path := range []string{
		"/analytics/volume",
		"/analytics/price-trend?taker_gets_currency=USD",
		"/analytics/orderbook",
		"/analytics/offer-counts",
		"/analytics/account-orders",
		"/analytics/pair-stats",
	} {
		require.Equal(t, http.StatusBadRequest, get(t, h, path).Code, path)
	}
}

func TestVolumeEndpoint(t *testing.T) {
	s, state, _ := newTestServer(&stubStore{})
	state.SetBackfillInProgress(false)

	rec := get(t, s.routes(), "/analytics/volume?taker_gets_currency=USD&taker_pays_currency=XRP&period=2h")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "10", body["takerGetsVolume"])
	require.Equal(t, "20", body["takerPaysVolume"])
}

func TestTopPairsServedFromTracker(t *testing.T) {
	s, state, tr := newTestServer(&stubStore{})
	state.SetBackfillInProgress(false)

	tr.RecordTrade(
		domain.Amount{Currency: domain.Currency{Code: "USD", Issuer: "r1"}, Value: decimal.NewFromInt(1)},
		domain.Amount{Currency: domain.Currency{Code: domain.XRPCode}, Value: decimal.NewFromInt(1)},
		decimal.NewFromInt(100), time.Now())

	rec := get(t, s.routes(), "/analytics/top-pairs?window=1h")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "1h", body["window"])
	require.Equal(t, float64(1), body["count"])

	rec = get(t, s.routes(), "/analytics/top-xrp-pairs")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "24h", decode(t, rec)["window"])
}

func TestTopPairsRejectsUnknownWindow(t *testing.T) {
	s, state, _ := newTestServer(&stubStore{})
	state.SetBackfillInProgress(false)
	require.Equal(t, http.StatusBadRequest, get(t, s.routes(), "/analytics/top-pairs?window=5m").Code)
}

func TestMemoryEndpoint(t *testing.T) {
	s, state, _ := newTestServer(&stubStore{})
	state.SetBackfillInProgress(false)

	rec := get(t, s.routes(), "/analytics/memory")
	require.Equal(t, http.StatusOK, rec.Code)
	windows, ok := decode(t, rec)["windows"].(map[string]any)
	require.True(t, ok)
	require.Len(t, windows, 3)
}
