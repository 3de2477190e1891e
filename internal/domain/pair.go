// Package domain defines core data structures shared by the indexer services.
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// XRPCode is the ledger's settlement currency code.
const XRPCode = "XRP"

// Currency is one leg's currency identity. Issuer is empty for XRP.
type Currency struct {
	Code   string
	Issuer string
}

// IsXRP reports whether the currency is the settlement currency.
func (c Currency) IsXRP() bool {
	return c.Code == XRPCode
}

// String returns the string representation.
func (c Currency) String() string {
	if c.Issuer == "" {
		return c.Code
	}
	return fmt.Sprintf("%s.%s", c.Code, c.Issuer)
}

// Amount is a currency leg with its decimal value.
type Amount struct {
	Currency Currency
	Value    decimal.Decimal
}

// Pair is a configured currency pair to watch, oriented as subscribed.
type Pair struct {
	TakerGets Currency
	TakerPays Currency
}

// Key returns an orientation-preserving identity used for subscription diffing.
func (p Pair) Key() string {
	return p.TakerGets.String() + "/" + p.TakerPays.String()
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.TakerGets.String(), p.TakerPays.String())
}

// Matches reports whether the two legs correspond to this pair in either orientation.
func (p Pair) Matches(gets, pays Currency) bool {
	return (p.TakerGets == gets && p.TakerPays == pays) ||
		(p.TakerGets == pays && p.TakerPays == gets)
}
