package xrpl

import (
	"encoding/json"

	"github.com/xrpscope/xrpscope/internal/domain"
)

// LedgerEntryTypeOffer is the ledger entry type for resting offers.
const LedgerEntryTypeOffer = "Offer"

// Offer-related top-level transaction types.
const (
	TxOfferCreate = "OfferCreate"
	TxOfferCancel = "OfferCancel"
)

// LedgerCurrency is the request-side encoding of one book leg.
type LedgerCurrency struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer,omitempty"`
}

// LedgerCurrencyFor encodes a domain currency for a ledger request.
func LedgerCurrencyFor(c domain.Currency) LedgerCurrency {
	return LedgerCurrency{Currency: CurrencyToLedger(c.Code), Issuer: c.Issuer}
}

// BookDescriptor selects one order book in a subscribe command.
type BookDescriptor struct {
	TakerGets LedgerCurrency `json:"taker_gets"`
	TakerPays LedgerCurrency `json:"taker_pays"`
	Snapshot  bool           `json:"snapshot"`
	Both      bool           `json:"both"`
}

// SubscribeRequest is the streaming subscribe command. Books and Streams may
// be combined in one request.
type SubscribeRequest struct {
	ID      int64            `json:"id"`
	Command string           `json:"command"`
	Books   []BookDescriptor `json:"books,omitempty"`
	Streams []string         `json:"streams,omitempty"`
}

// Envelope is the minimal inbound frame used for routing: command responses
// carry an ID, stream notifications carry a Type.
type Envelope struct {
	ID   *int64 `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
}

// CommandResponse is the reply to a request previously sent with an ID.
type CommandResponse struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorCode    string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// OK reports whether the command succeeded.
func (r *CommandResponse) OK() bool {
	return r.Status == "success"
}

// OfferFields are the offer attributes carried by ledger entries and
// snapshot rows.
type OfferFields struct {
	Account    string          `json:"Account,omitempty"`
	TakerGets  json.RawMessage `json:"TakerGets,omitempty"`
	TakerPays  json.RawMessage `json:"TakerPays,omitempty"`
	Flags      uint32          `json:"Flags,omitempty"`
	Expiration *int64          `json:"Expiration,omitempty"`
}

// LedgerNode is one wrapped ledger-entry mutation inside transaction metadata.
type LedgerNode struct {
	LedgerEntryType string       `json:"LedgerEntryType"`
	LedgerIndex     string       `json:"LedgerIndex"`
	NewFields       *OfferFields `json:"NewFields,omitempty"`
	FinalFields     *OfferFields `json:"FinalFields,omitempty"`
	PreviousFields  *OfferFields `json:"PreviousFields,omitempty"`
}

// AffectedNode is one entry of meta.AffectedNodes. Exactly one of the
// wrappers is set in the usual case; some servers emit the ledger entry
// unwrapped, in which case the inline fields are populated instead.
type AffectedNode struct {
	CreatedNode  *LedgerNode `json:"CreatedNode,omitempty"`
	ModifiedNode *LedgerNode `json:"ModifiedNode,omitempty"`
	DeletedNode  *LedgerNode `json:"DeletedNode,omitempty"`

	LedgerEntryType string `json:"LedgerEntryType,omitempty"`
	LedgerIndex     string `json:"LedgerIndex,omitempty"`
	OfferFields
}

// TransactionMeta is the side-effect metadata attached to a validated
// transaction.
type TransactionMeta struct {
	AffectedNodes []AffectedNode `json:"AffectedNodes"`
}

// TransactionJSON is the top-level transaction body. Servers disagree on the
// envelope key, hence both Transaction and TxJSON on TransactionMessage.
type TransactionJSON struct {
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Sequence        uint32          `json:"Sequence"`
	TakerGets       json.RawMessage `json:"TakerGets,omitempty"`
	TakerPays       json.RawMessage `json:"TakerPays,omitempty"`
	Flags           uint32          `json:"Flags,omitempty"`
	Expiration      *int64          `json:"Expiration,omitempty"`
	Hash            string          `json:"hash,omitempty"`
}

// TransactionMessage is one transaction notification from the stream.
type TransactionMessage struct {
	Type        string           `json:"type"`
	Transaction *TransactionJSON `json:"transaction,omitempty"`
	TxJSON      *TransactionJSON `json:"tx_json,omitempty"`
	Hash        string           `json:"hash,omitempty"`
	Meta        *TransactionMeta `json:"meta,omitempty"`
}

// Body returns the transaction body regardless of envelope key, nil if absent.
func (m *TransactionMessage) Body() *TransactionJSON {
	if m.Transaction != nil {
		return m.Transaction
	}
	return m.TxJSON
}

// BookOffersParams is the paginated resting-order snapshot request.
type BookOffersParams struct {
	TakerGets LedgerCurrency  `json:"taker_gets"`
	TakerPays LedgerCurrency  `json:"taker_pays"`
	Limit     int             `json:"limit"`
	Marker    json.RawMessage `json:"marker,omitempty"`
}

// BookOffersRequest is the JSON-RPC envelope for book_offers.
type BookOffersRequest struct {
	Method string             `json:"method"`
	Params []BookOffersParams `json:"params"`
}

// BookOffersEnvelope wraps the JSON-RPC result. Offers stays raw so a
// missing or non-array field can be detected instead of silently decoding
// to an empty list.
type BookOffersEnvelope struct {
	Result *BookOffersResult `json:"result,omitempty"`
}

// BookOffersResult is one snapshot page.
type BookOffersResult struct {
	Offers json.RawMessage `json:"offers,omitempty"`
	Marker json.RawMessage `json:"marker,omitempty"`
}

// BookOffer is one resting order row of a snapshot page.
type BookOffer struct {
	Index      string          `json:"index"`
	Account    string          `json:"Account"`
	TakerGets  json.RawMessage `json:"TakerGets"`
	TakerPays  json.RawMessage `json:"TakerPays"`
	Flags      uint32          `json:"Flags,omitempty"`
	Expiration *int64          `json:"Expiration,omitempty"`
}
