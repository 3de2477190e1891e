package domain

import "time"

// EventType classifies an observed offer lifecycle transition.
type EventType string

const (
	EventCreated   EventType = "created"
	EventModified  EventType = "modified"
	EventCancelled EventType = "cancelled"
	EventUnknown   EventType = "unknown"
)

// Offer is the current state of a resting offer on the ledger's order book.
// Keyed by the ledger-assigned OfferID; absence from the store means the
// offer is not currently resting.
type Offer struct {
	OfferID    string
	Account    string
	TakerGets  Amount
	TakerPays  Amount
	Flags      uint32
	Expiration *time.Time
	UpdatedAt  time.Time
}

// OfferEvent is one immutable history row for an observed lifecycle
// transition. History outlives the live Offer row.
type OfferEvent struct {
	ID        string
	OfferID   string
	Account   string
	TakerGets Amount
	TakerPays Amount
	EventType EventType
	EventTime time.Time
}
