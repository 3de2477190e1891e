// Package backfill loads the resting-offer snapshot for every tracked pair
// before live ingestion is trusted, via the ledger's paginated book_offers
// endpoint.
package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xrpscope/xrpscope/internal/domain"
	"github.com/xrpscope/xrpscope/internal/xrpl"
	"github.com/xrpscope/xrpscope/pkg/retrier"
)

// DefaultPageLimit bounds one snapshot page.
const DefaultPageLimit = 200

// OfferUpserter is the slice of the store backfill needs: the same upsert
// contract a live "created" event uses.
type OfferUpserter interface {
	UpsertOffer(ctx context.Context, o domain.Offer) error
}

// Loader paginates resting-offer snapshots and reconciles them into the
// offer store. It never writes history: backfill is snapshot reconciliation,
// not a lifecycle event.
type Loader struct {
	logger    *zap.Logger
	endpoint  string
	client    *http.Client
	store     OfferUpserter
	retry     *retrier.Retrier
	pageLimit int
}

// New creates a loader against the ledger's HTTP JSON-RPC endpoint.
func New(logger *zap.Logger, endpoint string, store OfferUpserter, pageLimit int) *Loader {
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	return &Loader{
		logger:   logger,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		store:    store,
		retry: retrier.New(
			retrier.WithInitialInterval(500*time.Millisecond),
			retrier.WithMaxRetries(3),
		),
		pageLimit: pageLimit,
	}
}

// Run walks every pair sequentially. A malformed or persistently failing
// page aborts that pair only; the loader itself fails only on cancellation.
func (l *Loader) Run(ctx context.Context, pairs []domain.Pair) error {
	l.logger.Info("starting offer backfill", zap.Int("pairs", len(pairs)))
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.backfillPair(ctx, pair); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			l.logger.Warn("abandoning backfill for pair", zap.String("pair", pair.String()), zap.Error(err))
		}
	}
	l.logger.Info("offer backfill complete")
	return nil
}

func (l *Loader) backfillPair(ctx context.Context, pair domain.Pair) error {
	var marker json.RawMessage
	for page := 1; ; page++ {
		result, err := l.fetchPage(ctx, pair, marker)
		if err != nil {
			return errors.Wrapf(err, "page %d", page)
		}

		offers, err := decodeOffers(result)
		if err != nil {
			return errors.Wrapf(err, "page %d", page)
		}

		l.logger.Info("backfill page",
			zap.String("pair", pair.String()), zap.Int("page", page), zap.Int("offers", len(offers)))

		now := time.Now()
		for i := range offers {
			l.upsertOffer(ctx, &offers[i], now)
		}

		if len(result.Marker) == 0 || string(result.Marker) == "null" {
			return nil
		}
		marker = result.Marker
	}
}

// fetchPage issues one book_offers request, retrying transient transport
// failures a bounded number of times.
func (l *Loader) fetchPage(ctx context.Context, pair domain.Pair, marker json.RawMessage) (*xrpl.BookOffersResult, error) {
	req := xrpl.BookOffersRequest{
		Method: "book_offers",
		Params: []xrpl.BookOffersParams{{
			TakerGets: xrpl.LedgerCurrencyFor(pair.TakerGets),
			TakerPays: xrpl.LedgerCurrencyFor(pair.TakerPays),
			Limit:     l.pageLimit,
			Marker:    marker,
		}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal book_offers request")
	}

	return retrier.DoWithData(l.retry, ctx, func(ctx context.Context) (*xrpl.BookOffersResult, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(err, "build request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := l.client.Do(httpReq)
		if err != nil {
			return nil, errors.Wrap(err, "request book_offers")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("book_offers returned status %d", resp.StatusCode)
		}

		var envelope xrpl.BookOffersEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, errors.Wrap(err, "decode book_offers response")
		}
		if envelope.Result == nil {
			return nil, errors.New("book_offers response missing result")
		}
		return envelope.Result, nil
	})
}

// decodeOffers rejects pages whose offers field is missing, null or not a
// list, so garbage never reaches the store.
func decodeOffers(result *xrpl.BookOffersResult) ([]xrpl.BookOffer, error) {
	if len(result.Offers) == 0 {
		return nil, errors.New("snapshot page missing offers field")
	}
	var offers []xrpl.BookOffer
	if err := json.Unmarshal(result.Offers, &offers); err != nil {
		return nil, errors.Wrap(err, "snapshot page offers field is not a list")
	}
	if offers == nil {
		return nil, errors.New("snapshot page offers field is null")
	}
	return offers, nil
}

// upsertOffer normalizes one resting order and applies the created-event
// upsert contract. A malformed row or failed write is logged and skipped.
func (l *Loader) upsertOffer(ctx context.Context, raw *xrpl.BookOffer, now time.Time) {
	if raw.Index == "" {
		l.logger.Warn("skipping snapshot offer without index")
		return
	}
	gets, err := xrpl.ParseAmount(raw.TakerGets)
	if err != nil {
		l.logger.Warn("skipping snapshot offer with bad taker_gets", zap.String("offer_id", raw.Index), zap.Error(err))
		return
	}
	pays, err := xrpl.ParseAmount(raw.TakerPays)
	if err != nil {
		l.logger.Warn("skipping snapshot offer with bad taker_pays", zap.String("offer_id", raw.Index), zap.Error(err))
		return
	}

	offer := domain.Offer{
		OfferID:    raw.Index,
		Account:    raw.Account,
		TakerGets:  gets,
		TakerPays:  pays,
		Flags:      raw.Flags,
		Expiration: xrpl.ExpirationTime(raw.Expiration),
		UpdatedAt:  now,
	}
	if err := l.store.UpsertOffer(ctx, offer); err != nil {
		l.logger.Error("snapshot offer upsert failed", zap.String("offer_id", raw.Index), zap.Error(err))
	}
}
