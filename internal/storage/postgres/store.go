// Package postgres implements the durable offer store and history log on
// top of a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/xrpscope/xrpscope/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the connection pool with the queries the indexer needs.
type Store struct {
	pool *pgxpool.Pool
}

// Connect parses the DSN and opens a bounded connection pool.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres config")
	}
	cfg.MaxConns = 5
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	return pool, nil
}

// New creates a store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InitSchema applies the embedded schema idempotently.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

// Ping reports store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// LoadTrackedPairs returns every active configured pair.
func (s *Store) LoadTrackedPairs(ctx context.Context) ([]domain.Pair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT taker_gets_currency, taker_gets_issuer, taker_pays_currency, taker_pays_issuer
		 FROM tracked_pairs WHERE active = TRUE`)
	if err != nil {
		return nil, errors.Wrap(err, "query tracked pairs")
	}
	defer rows.Close()

	var pairs []domain.Pair
	for rows.Next() {
		var p domain.Pair
		if err := rows.Scan(&p.TakerGets.Code, &p.TakerGets.Issuer, &p.TakerPays.Code, &p.TakerPays.Issuer); err != nil {
			return nil, errors.Wrap(err, "scan tracked pair")
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// UpsertOffer inserts or overwrites the live row for the offer, last writer
// wins on offer_id.
func (s *Store) UpsertOffer(ctx context.Context, o domain.Offer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO offers (
			offer_id, account, taker_gets_currency, taker_gets_issuer, taker_gets_value,
			taker_pays_currency, taker_pays_issuer, taker_pays_value, flags, expiration, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (offer_id) DO UPDATE SET
			account = EXCLUDED.account,
			taker_gets_currency = EXCLUDED.taker_gets_currency,
			taker_gets_issuer = EXCLUDED.taker_gets_issuer,
			taker_gets_value = EXCLUDED.taker_gets_value,
			taker_pays_currency = EXCLUDED.taker_pays_currency,
			taker_pays_issuer = EXCLUDED.taker_pays_issuer,
			taker_pays_value = EXCLUDED.taker_pays_value,
			flags = EXCLUDED.flags,
			expiration = EXCLUDED.expiration,
			updated_at = EXCLUDED.updated_at`,
		o.OfferID, o.Account,
		o.TakerGets.Currency.Code, nullable(o.TakerGets.Currency.Issuer), o.TakerGets.Value,
		o.TakerPays.Currency.Code, nullable(o.TakerPays.Currency.Issuer), o.TakerPays.Value,
		int64(o.Flags), o.Expiration, o.UpdatedAt)
	return errors.Wrapf(err, "upsert offer %s", o.OfferID)
}

// DeleteOffer removes the live row. A missing row is not an error.
func (s *Store) DeleteOffer(ctx context.Context, offerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM offers WHERE offer_id = $1`, offerID)
	return errors.Wrapf(err, "delete offer %s", offerID)
}

// InsertOfferEvent appends one immutable history row.
func (s *Store) InsertOfferEvent(ctx context.Context, e domain.OfferEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO offer_history (
			id, offer_id, account, taker_gets_currency, taker_gets_issuer, taker_gets_value,
			taker_pays_currency, taker_pays_issuer, taker_pays_value, event_type, event_time
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.OfferID, e.Account,
		e.TakerGets.Currency.Code, nullable(e.TakerGets.Currency.Issuer), e.TakerGets.Value,
		e.TakerPays.Currency.Code, nullable(e.TakerPays.Currency.Issuer), e.TakerPays.Value,
		string(e.EventType), e.EventTime)
	return errors.Wrapf(err, "insert history for offer %s", e.OfferID)
}

// OfferFilter narrows and pages the live offer listing.
type OfferFilter struct {
	Account           string
	TakerGetsCurrency string
	TakerPaysCurrency string
	Sort              string
	Descending        bool
	Limit             int
	Offset            int
}

var offerSortColumns = map[string]string{
	"updated_at":          "updated_at",
	"account":             "account",
	"taker_gets_value":    "taker_gets_value",
	"taker_pays_value":    "taker_pays_value",
	"taker_gets_currency": "taker_gets_currency",
	"taker_pays_currency": "taker_pays_currency",
}

// ListOffers returns live offers matching the filter.
func (s *Store) ListOffers(ctx context.Context, f OfferFilter) ([]domain.Offer, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Account != "" {
		add("account = $%d", f.Account)
	}
	if f.TakerGetsCurrency != "" {
		add("taker_gets_currency = $%d", f.TakerGetsCurrency)
	}
	if f.TakerPaysCurrency != "" {
		add("taker_pays_currency = $%d", f.TakerPaysCurrency)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	sort, ok := offerSortColumns[f.Sort]
	if !ok {
		sort = "updated_at"
	}
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	args = append(args, f.Limit, f.Offset)
	q := fmt.Sprintf(
		`SELECT offer_id, account, taker_gets_currency, taker_gets_issuer, taker_gets_value,
		        taker_pays_currency, taker_pays_issuer, taker_pays_value, flags, expiration, updated_at
		 FROM offers %s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		where, sort, dir, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query offers")
	}
	defer rows.Close()

	var offers []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// EventFilter narrows and pages the history listing.
type EventFilter struct {
	OfferID    string
	Account    string
	EventType  string
	Descending bool
	Limit      int
	Offset     int
}

// ListOfferEvents returns history rows matching the filter, ordered by
// event time.
func (s *Store) ListOfferEvents(ctx context.Context, f EventFilter) ([]domain.OfferEvent, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OfferID != "" {
		add("offer_id = $%d", f.OfferID)
	}
	if f.Account != "" {
		add("account = $%d", f.Account)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	args = append(args, f.Limit, f.Offset)
	q := fmt.Sprintf(
		`SELECT id, offer_id, account, taker_gets_currency, taker_gets_issuer, taker_gets_value,
		        taker_pays_currency, taker_pays_issuer, taker_pays_value, event_type, event_time
		 FROM offer_history %s ORDER BY event_time %s LIMIT $%d OFFSET $%d`,
		where, dir, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query offer history")
	}
	defer rows.Close()

	var events []domain.OfferEvent
	for rows.Next() {
		var (
			e          domain.OfferEvent
			getsIssuer, paysIssuer, account *string
			eventType  string
		)
		err := rows.Scan(&e.ID, &e.OfferID, &account,
			&e.TakerGets.Currency.Code, &getsIssuer, &e.TakerGets.Value,
			&e.TakerPays.Currency.Code, &paysIssuer, &e.TakerPays.Value,
			&eventType, &e.EventTime)
		if err != nil {
			return nil, errors.Wrap(err, "scan history row")
		}
		e.Account = deref(account)
		e.TakerGets.Currency.Issuer = deref(getsIssuer)
		e.TakerPays.Currency.Issuer = deref(paysIssuer)
		e.EventType = domain.EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PairVolume sums created-offer volume for an oriented pair over a period.
func (s *Store) PairVolume(ctx context.Context, getsCurrency, paysCurrency string, since time.Time) (totalGets, totalPays decimal.Decimal, err error) {
	row := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(taker_gets_value), 0), COALESCE(SUM(taker_pays_value), 0)
		 FROM offer_history
		 WHERE taker_gets_currency = $1 AND taker_pays_currency = $2
		   AND event_time >= $3 AND event_type = 'created'`,
		getsCurrency, paysCurrency, since)
	if err := row.Scan(&totalGets, &totalPays); err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, errors.Wrap(err, "query pair volume")
	}
	return totalGets, totalPays, nil
}

// PriceTrend holds aggregate price statistics for an oriented pair.
type PriceTrend struct {
	Avg    decimal.Decimal
	Min    decimal.Decimal
	Max    decimal.Decimal
	Median decimal.Decimal
}

// PairPriceTrend computes price statistics (pays/gets) over a period.
func (s *Store) PairPriceTrend(ctx context.Context, getsCurrency, paysCurrency string, since time.Time) (PriceTrend, error) {
	var t PriceTrend
	row := s.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(taker_pays_value / NULLIF(taker_gets_value, 0)), 0),
		        COALESCE(MIN(taker_pays_value / NULLIF(taker_gets_value, 0)), 0),
		        COALESCE(MAX(taker_pays_value / NULLIF(taker_gets_value, 0)), 0),
		        COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (
		            ORDER BY taker_pays_value / NULLIF(taker_gets_value, 0)), 0)
		 FROM offer_history
		 WHERE taker_gets_currency = $1 AND taker_pays_currency = $2
		   AND event_time >= $3 AND event_type = 'created'`,
		getsCurrency, paysCurrency, since)
	if err := row.Scan(&t.Avg, &t.Min, &t.Max, &t.Median); err != nil {
		return PriceTrend{}, errors.Wrap(err, "query price trend")
	}
	return t, nil
}

// BookLevel is one side row of the order-book depth view.
type BookLevel struct {
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
	Account string          `json:"account"`
}

// OrderBookDepth returns the top bid and ask levels for an oriented pair,
// prices derived as pays/gets.
func (s *Store) OrderBookDepth(ctx context.Context, getsCurrency, paysCurrency string, depth int) (bids, asks []BookLevel, err error) {
	if depth <= 0 {
		depth = 10
	}
	bids, err = s.bookSide(ctx,
		`SELECT taker_pays_value / NULLIF(taker_gets_value, 0) AS price, taker_gets_value, COALESCE(account, '')
		 FROM offers
		 WHERE taker_gets_currency = $1 AND taker_pays_currency = $2
		 ORDER BY price DESC NULLS LAST LIMIT $3`,
		getsCurrency, paysCurrency, depth)
	if err != nil {
		return nil, nil, err
	}
	asks, err = s.bookSide(ctx,
		`SELECT taker_gets_value / NULLIF(taker_pays_value, 0) AS price, taker_pays_value, COALESCE(account, '')
		 FROM offers
		 WHERE taker_gets_currency = $2 AND taker_pays_currency = $1
		 ORDER BY price ASC NULLS LAST LIMIT $3`,
		getsCurrency, paysCurrency, depth)
	if err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

func (s *Store) bookSide(ctx context.Context, q string, args ...any) ([]BookLevel, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query order book side")
	}
	defer rows.Close()

	var levels []BookLevel
	for rows.Next() {
		var l BookLevel
		var price *decimal.Decimal
		if err := rows.Scan(&price, &l.Amount, &l.Account); err != nil {
			return nil, errors.Wrap(err, "scan book level")
		}
		if price != nil {
			l.Price = *price
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// OfferCounts returns created and cancelled counts for an oriented pair over
// a period.
func (s *Store) OfferCounts(ctx context.Context, getsCurrency, paysCurrency string, since time.Time) (created, cancelled int64, err error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_type, COUNT(*) FROM offer_history
		 WHERE taker_gets_currency = $1 AND taker_pays_currency = $2
		   AND event_time >= $3 AND event_type IN ('created', 'cancelled')
		 GROUP BY event_type`,
		getsCurrency, paysCurrency, since)
	if err != nil {
		return 0, 0, errors.Wrap(err, "query offer counts")
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return 0, 0, errors.Wrap(err, "scan offer count")
		}
		switch domain.EventType(eventType) {
		case domain.EventCreated:
			created = count
		case domain.EventCancelled:
			cancelled = count
		}
	}
	return created, cancelled, rows.Err()
}

// AccountActivity is per-account created/cancelled counters.
type AccountActivity struct {
	Created   int64 `json:"created"`
	Cancelled int64 `json:"cancelled"`
}

// AccountOrders aggregates per-account offer activity for an oriented pair.
func (s *Store) AccountOrders(ctx context.Context, getsCurrency, paysCurrency string, since time.Time) (map[string]AccountActivity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(account, ''), event_type, COUNT(*) FROM offer_history
		 WHERE taker_gets_currency = $1 AND taker_pays_currency = $2
		   AND event_time >= $3 AND event_type IN ('created', 'cancelled')
		 GROUP BY account, event_type`,
		getsCurrency, paysCurrency, since)
	if err != nil {
		return nil, errors.Wrap(err, "query account orders")
	}
	defer rows.Close()

	accounts := make(map[string]AccountActivity)
	for rows.Next() {
		var account, eventType string
		var count int64
		if err := rows.Scan(&account, &eventType, &count); err != nil {
			return nil, errors.Wrap(err, "scan account orders")
		}
		a := accounts[account]
		switch domain.EventType(eventType) {
		case domain.EventCreated:
			a.Created = count
		case domain.EventCancelled:
			a.Cancelled = count
		}
		accounts[account] = a
	}
	return accounts, rows.Err()
}

func scanOffer(rows pgx.Rows) (domain.Offer, error) {
	var (
		o          domain.Offer
		account    *string
		getsIssuer *string
		paysIssuer *string
		flags      *int64
	)
	err := rows.Scan(&o.OfferID, &account,
		&o.TakerGets.Currency.Code, &getsIssuer, &o.TakerGets.Value,
		&o.TakerPays.Currency.Code, &paysIssuer, &o.TakerPays.Value,
		&flags, &o.Expiration, &o.UpdatedAt)
	if err != nil {
		return domain.Offer{}, errors.Wrap(err, "scan offer row")
	}
	o.Account = deref(account)
	o.TakerGets.Currency.Issuer = deref(getsIssuer)
	o.TakerPays.Currency.Issuer = deref(paysIssuer)
	if flags != nil {
		o.Flags = uint32(*flags)
	}
	return o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
