// Package xrpl holds the ledger wire types and pure conversion helpers for
// ledger-native encodings: hex-packed currency codes, integer drops and
// ledger-epoch timestamps.
package xrpl

import (
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/xrpscope/xrpscope/internal/domain"
)

// rippleEpochOffset is the Unix timestamp of the ledger epoch, 2000-01-01T00:00:00Z.
const rippleEpochOffset = 946684800

// dropsPerXRP is 10^6; drops are the indivisible integer unit of XRP.
const dropsExponent = 6

var isoCurrencyRe = regexp.MustCompile(`^[A-Za-z0-9]{3,20}$`)

// NormalizeCurrency converts a ledger currency code to its human-readable
// form. Literal 3-letter codes pass through; a fixed-width hex encoding is
// decoded to ASCII with trailing NULs stripped and accepted only when the
// result is a plausible short code. Anything else is returned unchanged.
func NormalizeCurrency(code string) string {
	if code == "" || code == domain.XRPCode {
		return domain.XRPCode
	}
	if len(code) == 3 {
		return code
	}
	raw, err := hex.DecodeString(code)
	if err != nil {
		return code
	}
	decoded := strings.TrimRight(string(raw), "\x00")
	if isoCurrencyRe.MatchString(decoded) {
		return decoded
	}
	return code
}

// CurrencyToLedger converts a human-readable currency code to the form the
// ledger API expects in requests: XRP stays literal, everything else is
// hex-encoded ASCII zero-padded to 160 bits.
func CurrencyToLedger(code string) string {
	if code == domain.XRPCode {
		return code
	}
	h := strings.ToUpper(hex.EncodeToString([]byte(code)))
	for len(h) < 40 {
		h += "0"
	}
	return h
}

// XRPFromDrops converts the integer drops representation to a decimal XRP
// amount, exactly.
func XRPFromDrops(drops string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(drops)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "invalid drops value %q", drops)
	}
	return d.Shift(-dropsExponent), nil
}

// TimeFromRippleEpoch converts seconds since the ledger epoch to a standard
// timestamp.
func TimeFromRippleEpoch(secs int64) time.Time {
	return time.Unix(secs+rippleEpochOffset, 0).UTC()
}

// ExpirationTime converts an optional ledger-epoch expiration to a timestamp,
// nil when absent.
func ExpirationTime(secs *int64) *time.Time {
	if secs == nil {
		return nil
	}
	t := TimeFromRippleEpoch(*secs)
	return &t
}

// issuedAmount is the object form of a ledger amount.
type issuedAmount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

// ParseAmount normalizes one leg of an offer. The wire carries either a bare
// string of drops (XRP) or an object with currency, issuer and value.
func ParseAmount(raw json.RawMessage) (domain.Amount, error) {
	if len(raw) == 0 {
		return domain.Amount{}, errors.New("missing amount")
	}
	var drops string
	if err := json.Unmarshal(raw, &drops); err == nil {
		value, err := XRPFromDrops(drops)
		if err != nil {
			return domain.Amount{}, err
		}
		return domain.Amount{
			Currency: domain.Currency{Code: domain.XRPCode},
			Value:    value,
		}, nil
	}
	var issued issuedAmount
	if err := json.Unmarshal(raw, &issued); err != nil {
		return domain.Amount{}, errors.Wrap(err, "unrecognized amount encoding")
	}
	if issued.Currency == "" {
		return domain.Amount{}, errors.New("amount missing currency")
	}
	value, err := decimal.NewFromString(issued.Value)
	if err != nil {
		return domain.Amount{}, errors.Wrapf(err, "invalid amount value %q", issued.Value)
	}
	return domain.Amount{
		Currency: domain.Currency{Code: NormalizeCurrency(issued.Currency), Issuer: issued.Issuer},
		Value:    value,
	}, nil
}
