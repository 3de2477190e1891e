package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActivityKind distinguishes true fills from order-placement noise.
type ActivityKind string

const (
	// ActivityPlacement is emitted for every observed placement or cancel.
	ActivityPlacement ActivityKind = "placement"
	// ActivityFill is emitted when reconciliation detects real consumption.
	ActivityFill ActivityKind = "fill"
)

// Activity is a normalized record forwarded to the pair aggregator for
// every reconciled event, regardless of tracked-pair filtering.
type Activity struct {
	TakerGets Amount
	TakerPays Amount
	Volume    decimal.Decimal
	Kind      ActivityKind
	Time      time.Time
}
