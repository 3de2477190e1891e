// Package web is the read façade: offer listings and history straight
// from Postgres, live analytics from the in-memory pair tracker.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xrpscope/xrpscope/internal/domain"
	"github.com/xrpscope/xrpscope/internal/services/tracker"
	"github.com/xrpscope/xrpscope/internal/storage/postgres"
)

const defaultPeriod = 24 * time.Hour

// offerReader is the slice of the store the façade needs.
type offerReader interface {
	Ping(ctx context.Context) error
	ListOffers(ctx context.Context, f postgres.OfferFilter) ([]domain.Offer, error)
	ListOfferEvents(ctx context.Context, f postgres.EventFilter) ([]domain.OfferEvent, error)
	PairVolume(ctx context.Context, getsCurrency, paysCurrency string, since time.Time) (decimal.Decimal, decimal.Decimal, error)
	PairPriceTrend(ctx context.Context, getsCurrency, paysCurrency string, since time.Time) (postgres.PriceTrend, error)
	OrderBookDepth(ctx context.Context, getsCurrency, paysCurrency string, depth int) (bids, asks []postgres.BookLevel, err error)
	OfferCounts(ctx context.Context, getsCurrency, paysCurrency string, since time.Time) (created, cancelled int64, err error)
	AccountOrders(ctx context.Context, getsCurrency, paysCurrency string, since time.Time) (map[string]postgres.AccountActivity, error)
}

// Server serves the JSON API.
type Server struct {
	addr    string
	logger  *zap.Logger
	store   offerReader
	tracker *tracker.Tracker
	state   *domain.ProcessState
	topK    int
}

// NewServer wires the façade. topK bounds unbounded top-pair queries.
func NewServer(addr string, logger *zap.Logger, store offerReader, tr *tracker.Tracker, state *domain.ProcessState, topK int) *Server {
	if topK <= 0 {
		topK = tracker.DefaultTopK
	}
	return &Server{addr: addr, logger: logger, store: store, tracker: tr, state: state, topK: topK}
}

// Start runs the HTTP server and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http api listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve http api")
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.backfillGate)
		r.Get("/offers", s.handleOffers)
		r.Get("/offer-history", s.handleOfferHistory)
		r.Get("/analytics/volume", s.handleVolume)
		r.Get("/analytics/price-trend", s.handlePriceTrend)
		r.Get("/analytics/orderbook", s.handleOrderBook)
		r.Get("/analytics/offer-counts", s.handleOfferCounts)
		r.Get("/analytics/account-orders", s.handleAccountOrders)
		r.Get("/analytics/top-pairs", s.handleTopPairs)
		r.Get("/analytics/top-xrp-pairs", s.handleTopXRPPairs)
		r.Get("/analytics/pair-stats", s.handlePairStats)
		r.Get("/analytics/memory", s.handleMemory)
	})
	return r
}

// backfillGate rejects reads while the initial snapshot load is running, so
// clients never observe a partially populated offer table.
func (s *Server) backfillGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.state.BackfillInProgress() {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "backfill in progress"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := s.store.Ping(r.Context()) == nil

	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	resp := map[string]any{
		"store":              storeOK,
		"stream":             s.state.StreamLive(),
		"backfillInProgress": s.state.BackfillInProgress(),
	}
	if last := s.state.LastEvent(); !last.IsZero() {
		resp["lastEvent"] = last
	}
	if msg, at := s.state.LastError(); msg != "" {
		resp["lastError"] = msg
		resp["lastErrorAt"] = at
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := postgres.OfferFilter{
		Account:           q.Get("account"),
		TakerGetsCurrency: q.Get("taker_gets_currency"),
		TakerPaysCurrency: q.Get("taker_pays_currency"),
		Sort:              q.Get("sort"),
		Descending:        q.Get("order") == "desc",
		Limit:             intParam(q.Get("limit"), 20),
		Offset:            intParam(q.Get("offset"), 0),
	}
	offers, err := s.store.ListOffers(r.Context(), filter)
	if err != nil {
		s.serverError(w, "list offers", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"offers": offers, "count": len(offers)})
}

func (s *Server) handleOfferHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := postgres.EventFilter{
		OfferID:    q.Get("offer_id"),
		Account:    q.Get("account"),
		EventType:  q.Get("event_type"),
		Descending: q.Get("order") != "asc",
		Limit:      intParam(q.Get("limit"), 50),
		Offset:     intParam(q.Get("offset"), 0),
	}
	events, err := s.store.ListOfferEvents(r.Context(), filter)
	if err != nil {
		s.serverError(w, "list offer history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	gets, pays, ok := s.pairParams(w, r)
	if !ok {
		return
	}
	since := time.Now().Add(-periodParam(r.URL.Query().Get("period")))
	totalGets, totalPays, err := s.store.PairVolume(r.Context(), gets, pays, since)
	if err != nil {
		s.serverError(w, "pair volume", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"takerGetsVolume": totalGets,
		"takerPaysVolume": totalPays,
	})
}

func (s *Server) handlePriceTrend(w http.ResponseWriter, r *http.Request) {
	gets, pays, ok := s.pairParams(w, r)
	if !ok {
		return
	}
	since := time.Now().Add(-periodParam(r.URL.Query().Get("period")))
	trend, err := s.store.PairPriceTrend(r.Context(), gets, pays, since)
	if err != nil {
		s.serverError(w, "price trend", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"avg":    trend.Avg,
		"min":    trend.Min,
		"max":    trend.Max,
		"median": trend.Median,
	})
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	gets, pays, ok := s.pairParams(w, r)
	if !ok {
		return
	}
	depth := intParam(r.URL.Query().Get("depth"), 10)
	bids, asks, err := s.store.OrderBookDepth(r.Context(), gets, pays, depth)
	if err != nil {
		s.serverError(w, "order book depth", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bids": bids, "asks": asks})
}

func (s *Server) handleOfferCounts(w http.ResponseWriter, r *http.Request) {
	gets, pays, ok := s.pairParams(w, r)
	if !ok {
		return
	}
	since := time.Now().Add(-periodParam(r.URL.Query().Get("period")))
	created, cancelled, err := s.store.OfferCounts(r.Context(), gets, pays, since)
	if err != nil {
		s.serverError(w, "offer counts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"created": created, "cancelled": cancelled})
}

func (s *Server) handleAccountOrders(w http.ResponseWriter, r *http.Request) {
	gets, pays, ok := s.pairParams(w, r)
	if !ok {
		return
	}
	since := time.Now().Add(-periodParam(r.URL.Query().Get("period")))
	accounts, err := s.store.AccountOrders(r.Context(), gets, pays, since)
	if err != nil {
		s.serverError(w, "account orders", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleTopPairs(w http.ResponseWriter, r *http.Request) {
	window, ok := s.windowParam(w, r)
	if !ok {
		return
	}
	k := intParam(r.URL.Query().Get("limit"), s.topK)
	pairs := s.tracker.TopK(window, k)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"window": string(window),
		"pairs":  pairs,
		"count":  len(pairs),
	})
}

func (s *Server) handleTopXRPPairs(w http.ResponseWriter, r *http.Request) {
	window, ok := s.windowParam(w, r)
	if !ok {
		return
	}
	k := intParam(r.URL.Query().Get("limit"), s.topK)
	pairs := s.tracker.TopKXRPPairs(window, k)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"window": string(window),
		"pairs":  pairs,
		"count":  len(pairs),
	})
}

func (s *Server) handlePairStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gets := domain.Currency{Code: q.Get("taker_gets_currency"), Issuer: q.Get("taker_gets_issuer")}
	pays := domain.Currency{Code: q.Get("taker_pays_currency"), Issuer: q.Get("taker_pays_issuer")}
	if gets.Code == "" || pays.Code == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "taker_gets_currency and taker_pays_currency are required"})
		return
	}
	stats := s.tracker.Stats(gets, pays)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pairKey": tracker.PairKey(gets, pays),
		"windows": stats,
	})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"windows": s.tracker.Memory()})
}

// pairParams extracts the mandatory oriented-pair query parameters.
func (s *Server) pairParams(w http.ResponseWriter, r *http.Request) (gets, pays string, ok bool) {
	q := r.URL.Query()
	gets = q.Get("taker_gets_currency")
	pays = q.Get("taker_pays_currency")
	if gets == "" || pays == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "taker_gets_currency and taker_pays_currency are required"})
		return "", "", false
	}
	return gets, pays, true
}

func (s *Server) windowParam(w http.ResponseWriter, r *http.Request) (tracker.Window, bool) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return tracker.Window24h, true
	}
	window, ok := tracker.ParseWindow(raw)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "window must be one of 10m, 1h, 24h"})
		return "", false
	}
	return window, true
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// periodParam parses a lookback like "2h" or "30m", defaulting to 24h.
func periodParam(raw string) time.Duration {
	if raw == "" {
		return defaultPeriod
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return defaultPeriod
	}
	return d
}
