// Package reconcile normalizes heterogeneous ledger offer events and applies
// them idempotently to the durable offer store, the append-only history log
// and the in-memory pair aggregator.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xrpscope/xrpscope/internal/domain"
	"github.com/xrpscope/xrpscope/internal/xrpl"
)

// OfferStore is the durable side of reconciliation.
type OfferStore interface {
	UpsertOffer(ctx context.Context, o domain.Offer) error
	DeleteOffer(ctx context.Context, offerID string) error
	InsertOfferEvent(ctx context.Context, e domain.OfferEvent) error
}

// ActivityRecorder receives weighted activity for every reconciled event.
type ActivityRecorder interface {
	RecordTrade(gets, pays domain.Amount, volume decimal.Decimal, ts time.Time)
	RecordFill(gets, pays domain.Amount, volume decimal.Decimal, ts time.Time)
}

// PairFilter decides which pairs reach durable storage.
type PairFilter interface {
	Tracked(gets, pays domain.Currency) bool
}

// ActivityJournal persists activity records for warm restarts. Optional.
type ActivityJournal interface {
	Append(a domain.Activity) error
}

// Weights tune how much ranking volume each event kind injects. Placements
// and cancels contribute a fixed noise volume; fills contribute the consumed
// volume scaled by Fill. Both materially affect top-k ranking semantics.
type Weights struct {
	Placement decimal.Decimal
	Fill      decimal.Decimal
}

// DefaultWeights mirrors the historical behavior: unit weight for both.
func DefaultWeights() Weights {
	return Weights{Placement: decimal.NewFromInt(1), Fill: decimal.NewFromInt(1)}
}

// Pipeline applies normalized offer events. All failures are contained:
// a malformed item is skipped, a store error is logged and the next event
// still flows.
type Pipeline struct {
	logger  *zap.Logger
	store   OfferStore
	tracker ActivityRecorder
	filter  PairFilter
	journal ActivityJournal
	state   *domain.ProcessState
	weights Weights
}

// New wires the pipeline. journal may be nil.
func New(logger *zap.Logger, store OfferStore, tracker ActivityRecorder, filter PairFilter,
	journal ActivityJournal, state *domain.ProcessState, weights Weights) *Pipeline {
	return &Pipeline{
		logger:  logger,
		store:   store,
		tracker: tracker,
		filter:  filter,
		journal: journal,
		state:   state,
		weights: weights,
	}
}

// offerEvent is one normalized lifecycle transition plus the context needed
// for persistence and aggregation.
type offerEvent struct {
	offerID    string
	account    string
	takerGets  domain.Amount
	takerPays  domain.Amount
	flags      uint32
	expiration *time.Time
	eventType  domain.EventType
	isFill     bool
	fillVolume decimal.Decimal
}

// Apply consumes one inbound transaction notification. Both the embedded
// ledger-entry mutations (authoritative for true fills and cancels) and the
// top-level offer transaction are reconciled.
func (p *Pipeline) Apply(ctx context.Context, msg *xrpl.TransactionMessage) {
	if msg == nil {
		return
	}
	body := msg.Body()
	if body == nil || msg.Meta == nil {
		return
	}
	eventTime := time.Now()
	p.state.MarkEvent(eventTime)

	for i := range msg.Meta.AffectedNodes {
		ev, ok := p.eventFromNode(&msg.Meta.AffectedNodes[i], body)
		if !ok {
			continue
		}
		p.applyEvent(ctx, ev, eventTime)
	}

	if ev, ok := p.eventFromTransaction(body, msg); ok {
		p.applyEvent(ctx, ev, eventTime)
	}
}

// eventFromNode normalizes one embedded ledger-entry mutation. Non-offer
// nodes and malformed offer nodes are dropped individually.
func (p *Pipeline) eventFromNode(node *xrpl.AffectedNode, body *xrpl.TransactionJSON) (offerEvent, bool) {
	var (
		fields    *xrpl.OfferFields
		prev      *xrpl.OfferFields
		eventType domain.EventType
		offerID   string
	)
	switch {
	case node.CreatedNode != nil && node.CreatedNode.LedgerEntryType == xrpl.LedgerEntryTypeOffer:
		fields = node.CreatedNode.NewFields
		eventType = domain.EventCreated
		offerID = node.CreatedNode.LedgerIndex
	case node.ModifiedNode != nil && node.ModifiedNode.LedgerEntryType == xrpl.LedgerEntryTypeOffer:
		fields = node.ModifiedNode.FinalFields
		prev = node.ModifiedNode.PreviousFields
		eventType = domain.EventModified
		offerID = node.ModifiedNode.LedgerIndex
	case node.DeletedNode != nil && node.DeletedNode.LedgerEntryType == xrpl.LedgerEntryTypeOffer:
		fields = node.DeletedNode.FinalFields
		eventType = domain.EventCancelled
		offerID = node.DeletedNode.LedgerIndex
	case node.LedgerEntryType == xrpl.LedgerEntryTypeOffer:
		// Unwrapped offer entry: no lifecycle wrapper to classify it.
		fields = &node.OfferFields
		eventType = domain.EventUnknown
		offerID = node.LedgerIndex
	default:
		return offerEvent{}, false
	}
	if fields == nil || offerID == "" {
		return offerEvent{}, false
	}

	gets, err := xrpl.ParseAmount(fields.TakerGets)
	if err != nil {
		p.logger.Warn("skipping offer node with bad taker_gets", zap.String("offer_id", offerID), zap.Error(err))
		return offerEvent{}, false
	}
	pays, err := xrpl.ParseAmount(fields.TakerPays)
	if err != nil {
		p.logger.Warn("skipping offer node with bad taker_pays", zap.String("offer_id", offerID), zap.Error(err))
		return offerEvent{}, false
	}

	ev := offerEvent{
		offerID:    offerID,
		account:    fields.Account,
		takerGets:  gets,
		takerPays:  pays,
		flags:      fields.Flags,
		expiration: xrpl.ExpirationTime(fields.Expiration),
		eventType:  eventType,
	}

	// A modified offer, or one deleted while an OfferCreate executed, is a
	// real consumption rather than placement noise.
	switch eventType {
	case domain.EventModified:
		ev.isFill, ev.fillVolume = consumedVolume(prev, gets, pays)
	case domain.EventCancelled:
		if body.TransactionType == xrpl.TxOfferCreate {
			ev.isFill = true
			ev.fillVolume = settlementLegValue(gets, pays)
		}
	}
	return ev, true
}

// eventFromTransaction normalizes the top-level offer transaction, keyed by
// transaction hash like the ledger does for unconfirmed placements.
func (p *Pipeline) eventFromTransaction(body *xrpl.TransactionJSON, msg *xrpl.TransactionMessage) (offerEvent, bool) {
	var eventType domain.EventType
	switch body.TransactionType {
	case xrpl.TxOfferCreate:
		eventType = domain.EventCreated
	case xrpl.TxOfferCancel:
		eventType = domain.EventCancelled
	default:
		return offerEvent{}, false
	}

	hash := body.Hash
	if hash == "" {
		hash = msg.Hash
	}
	if hash == "" {
		return offerEvent{}, false
	}

	gets, err := xrpl.ParseAmount(body.TakerGets)
	if err != nil {
		p.logger.Debug("offer transaction without usable taker_gets", zap.String("hash", hash), zap.Error(err))
		return offerEvent{}, false
	}
	pays, err := xrpl.ParseAmount(body.TakerPays)
	if err != nil {
		p.logger.Debug("offer transaction without usable taker_pays", zap.String("hash", hash), zap.Error(err))
		return offerEvent{}, false
	}

	return offerEvent{
		offerID:    hash,
		account:    body.Account,
		takerGets:  gets,
		takerPays:  pays,
		flags:      body.Flags,
		expiration: xrpl.ExpirationTime(body.Expiration),
		eventType:  eventType,
	}, true
}

// applyEvent persists tracked-pair events and always forwards activity to
// the aggregator. Store failures degrade freshness but never halt ingestion.
func (p *Pipeline) applyEvent(ctx context.Context, ev offerEvent, eventTime time.Time) {
	if p.filter.Tracked(ev.takerGets.Currency, ev.takerPays.Currency) {
		p.persist(ctx, ev, eventTime)
	}

	volume := p.weights.Placement
	if ev.isFill {
		volume = ev.fillVolume.Mul(p.weights.Fill)
	}
	kind := domain.ActivityPlacement
	if ev.isFill {
		kind = domain.ActivityFill
		p.tracker.RecordFill(ev.takerGets, ev.takerPays, volume, eventTime)
	} else {
		p.tracker.RecordTrade(ev.takerGets, ev.takerPays, volume, eventTime)
	}

	if p.journal != nil {
		a := domain.Activity{
			TakerGets: ev.takerGets,
			TakerPays: ev.takerPays,
			Volume:    volume,
			Kind:      kind,
			Time:      eventTime,
		}
		if err := p.journal.Append(a); err != nil {
			p.logger.Warn("activity journal append failed", zap.Error(err))
		}
	}
}

func (p *Pipeline) persist(ctx context.Context, ev offerEvent, eventTime time.Time) {
	history := domain.OfferEvent{
		ID:        uuid.New().String(),
		OfferID:   ev.offerID,
		Account:   ev.account,
		TakerGets: ev.takerGets,
		TakerPays: ev.takerPays,
		EventType: ev.eventType,
		EventTime: eventTime,
	}
	if err := p.store.InsertOfferEvent(ctx, history); err != nil {
		p.logger.Error("history append failed",
			zap.String("offer_id", ev.offerID), zap.String("event", string(ev.eventType)), zap.Error(err))
		p.state.MarkError(err)
	}

	switch ev.eventType {
	case domain.EventCancelled:
		if err := p.store.DeleteOffer(ctx, ev.offerID); err != nil {
			p.logger.Error("offer delete failed", zap.String("offer_id", ev.offerID), zap.Error(err))
			p.state.MarkError(err)
		}
	default:
		offer := domain.Offer{
			OfferID:    ev.offerID,
			Account:    ev.account,
			TakerGets:  ev.takerGets,
			TakerPays:  ev.takerPays,
			Flags:      ev.flags,
			Expiration: ev.expiration,
			UpdatedAt:  eventTime,
		}
		if err := p.store.UpsertOffer(ctx, offer); err != nil {
			p.logger.Error("offer upsert failed", zap.String("offer_id", ev.offerID), zap.Error(err))
			p.state.MarkError(err)
		}
	}
}

// consumedVolume derives how much of the offer a modification consumed,
// from the previous ledger-entry fields when the server provided them.
func consumedVolume(prev *xrpl.OfferFields, finalGets, finalPays domain.Amount) (bool, decimal.Decimal) {
	if prev == nil || len(prev.TakerGets) == 0 {
		return false, decimal.Decimal{}
	}
	prevGets, err := xrpl.ParseAmount(prev.TakerGets)
	if err != nil {
		return false, decimal.Decimal{}
	}
	var prevPays domain.Amount
	if len(prev.TakerPays) > 0 {
		if a, err := xrpl.ParseAmount(prev.TakerPays); err == nil {
			prevPays = a
		}
	}

	// Prefer the settlement leg for the volume metric, same convention as
	// the aggregator.
	switch {
	case finalGets.Currency.IsXRP():
		consumed := prevGets.Value.Sub(finalGets.Value)
		return consumed.IsPositive(), consumed
	case finalPays.Currency.IsXRP() && !prevPays.Value.IsZero():
		consumed := prevPays.Value.Sub(finalPays.Value)
		return consumed.IsPositive(), consumed
	default:
		consumed := prevGets.Value.Sub(finalGets.Value)
		return consumed.IsPositive(), consumed
	}
}

// settlementLegValue picks the XRP leg when present, otherwise taker_gets.
func settlementLegValue(gets, pays domain.Amount) decimal.Decimal {
	switch {
	case gets.Currency.IsXRP():
		return gets.Value
	case pays.Currency.IsXRP():
		return pays.Value
	default:
		return gets.Value
	}
}
