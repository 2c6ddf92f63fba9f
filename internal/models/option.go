// Package models provides data structures and validation for historical
// options-chain data. This package contains the core data models for the
// archiver: option records, API keys, usage events, and work units.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotDateLayout is the calendar-date format used for work units,
// snapshot dates, and daily quota buckets.
const SnapshotDateLayout = "2006-01-02"

// Option contract types as reported by the provider.
const (
	OptionTypeCall = "call"
	OptionTypePut  = "put"
)

// OptionRecord represents one option contract within a (symbol, date)
// chain snapshot. Numeric fields are decimal strings exactly as the
// provider reports them; an empty string means the provider omitted the
// field and it is persisted as NULL.
type OptionRecord struct {
	ContractID        string     `json:"contractID" db:"contract_id"`
	Symbol            string     `json:"symbol" db:"symbol"`
	Expiration        string     `json:"expiration" db:"expiration"`
	Strike            string     `json:"strike" db:"strike"`
	Type              string     `json:"type" db:"option_type"`
	Last              string     `json:"last" db:"last"`
	Mark              string     `json:"mark" db:"mark"`
	Bid               string     `json:"bid" db:"bid"`
	BidSize           string     `json:"bid_size" db:"bid_size"`
	Ask               string     `json:"ask" db:"ask"`
	AskSize           string     `json:"ask_size" db:"ask_size"`
	Volume            string     `json:"volume" db:"volume"`
	OpenInterest      string     `json:"open_interest" db:"open_interest"`
	Date              string     `json:"date" db:"quote_date"`
	ImpliedVolatility string     `json:"implied_volatility" db:"implied_volatility"`
	Delta             string     `json:"delta" db:"delta"`
	Gamma             string     `json:"gamma" db:"gamma"`
	Theta             string     `json:"theta" db:"theta"`
	Vega              string     `json:"vega" db:"vega"`
	Rho               string     `json:"rho" db:"rho"`
	CreatedAt         *time.Time `json:"created_at,omitempty" db:"created_at"`
}

// ValidationError represents an option record validation error with
// specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate performs validation on the option record.
// Identity fields (contract id, symbol, snapshot date) are required; all
// pricing, size, and greek fields are optional because the provider may
// return a partial schema, but when present they must parse as decimals.
func (r *OptionRecord) Validate() error {
	if r.ContractID == "" {
		return &ValidationError{Field: "contractID", Message: "contract id cannot be empty"}
	}
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if r.Date == "" {
		return &ValidationError{Field: "date", Message: "snapshot date cannot be empty"}
	}
	if _, err := time.Parse(SnapshotDateLayout, r.Date); err != nil {
		return &ValidationError{Field: "date", Message: fmt.Sprintf("invalid snapshot date format: %v", err)}
	}

	if r.Type != "" && r.Type != OptionTypeCall && r.Type != OptionTypePut {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("option type must be %q or %q, got %q", OptionTypeCall, OptionTypePut, r.Type)}
	}

	if r.Expiration != "" {
		if _, err := time.Parse(SnapshotDateLayout, r.Expiration); err != nil {
			return &ValidationError{Field: "expiration", Message: fmt.Sprintf("invalid expiration format: %v", err)}
		}
	}

	if r.Strike != "" {
		strike, err := decimal.NewFromString(r.Strike)
		if err != nil {
			return &ValidationError{Field: "strike", Message: fmt.Sprintf("invalid strike format: %v", err)}
		}
		if strike.LessThanOrEqual(decimal.Zero) {
			return &ValidationError{Field: "strike", Message: "strike must be greater than 0"}
		}
	}

	// Remaining numeric fields only need to parse when present.
	numeric := []struct {
		field string
		value string
	}{
		{"last", r.Last},
		{"mark", r.Mark},
		{"bid", r.Bid},
		{"bid_size", r.BidSize},
		{"ask", r.Ask},
		{"ask_size", r.AskSize},
		{"volume", r.Volume},
		{"open_interest", r.OpenInterest},
		{"implied_volatility", r.ImpliedVolatility},
		{"delta", r.Delta},
		{"gamma", r.Gamma},
		{"theta", r.Theta},
		{"vega", r.Vega},
		{"rho", r.Rho},
	}
	for _, n := range numeric {
		if n.value == "" {
			continue
		}
		if _, err := decimal.NewFromString(n.value); err != nil {
			return &ValidationError{Field: n.field, Message: fmt.Sprintf("invalid decimal format: %v", err)}
		}
	}

	return nil
}

// GetStrikeDecimal returns the strike as a decimal.Decimal for precise
// calculations. Returns an error if the strike is absent or unparseable.
func (r *OptionRecord) GetStrikeDecimal() (decimal.Decimal, error) {
	if r.Strike == "" {
		return decimal.Zero, fmt.Errorf("strike is not set")
	}
	return decimal.NewFromString(r.Strike)
}

// GetMarkDecimal returns the mark price as a decimal.Decimal.
// Returns an error if the mark is absent or unparseable.
func (r *OptionRecord) GetMarkDecimal() (decimal.Decimal, error) {
	if r.Mark == "" {
		return decimal.Zero, fmt.Errorf("mark is not set")
	}
	return decimal.NewFromString(r.Mark)
}

// GetMidDecimal calculates the bid/ask midpoint: (Bid + Ask) / 2.
// Returns an error if either side is absent or unparseable.
func (r *OptionRecord) GetMidDecimal() (decimal.Decimal, error) {
	if r.Bid == "" || r.Ask == "" {
		return decimal.Zero, fmt.Errorf("bid and ask must both be set")
	}
	bid, err := decimal.NewFromString(r.Bid)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse bid: %w", err)
	}
	ask, err := decimal.NewFromString(r.Ask)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse ask: %w", err)
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
}

// GetSpreadDecimal calculates the bid/ask spread: Ask - Bid.
// Returns an error if either side is absent or unparseable.
func (r *OptionRecord) GetSpreadDecimal() (decimal.Decimal, error) {
	if r.Bid == "" || r.Ask == "" {
		return decimal.Zero, fmt.Errorf("bid and ask must both be set")
	}
	bid, err := decimal.NewFromString(r.Bid)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse bid: %w", err)
	}
	ask, err := decimal.NewFromString(r.Ask)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse ask: %w", err)
	}
	return ask.Sub(bid), nil
}

// String returns a human-readable representation of the record.
// This method implements the fmt.Stringer interface.
func (r *OptionRecord) String() string {
	return fmt.Sprintf("OptionRecord{ContractID: %s, Symbol: %s, Type: %s, Strike: %s, Expiration: %s, Date: %s}",
		r.ContractID, r.Symbol, r.Type, r.Strike, r.Expiration, r.Date)
}

// WorkUnit identifies the (symbol, date) granularity at which a chain
// snapshot is fetched and deduplicated. Work units are ephemeral call
// arguments, never persisted themselves.
type WorkUnit struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"`
}

// Validate checks that the work unit names a symbol and a well-formed
// ISO-8601 calendar date.
func (w WorkUnit) Validate() error {
	if w.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if _, err := time.Parse(SnapshotDateLayout, w.Date); err != nil {
		return &ValidationError{Field: "date", Message: fmt.Sprintf("invalid date format (want YYYY-MM-DD): %v", err)}
	}
	return nil
}

// String implements fmt.Stringer.
func (w WorkUnit) String() string {
	return fmt.Sprintf("%s@%s", w.Symbol, w.Date)
}
