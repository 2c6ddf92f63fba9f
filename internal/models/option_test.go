package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test data constants
const (
	testSymbol = "DELL"
	testDate   = "2024-06-25"
)

func validRecord() OptionRecord {
	return OptionRecord{
		ContractID:        "DELL240719C00100000",
		Symbol:            testSymbol,
		Expiration:        "2024-07-19",
		Strike:            "100.00",
		Type:              OptionTypeCall,
		Last:              "5.10",
		Mark:              "5.15",
		Bid:               "5.05",
		BidSize:           "12",
		Ask:               "5.25",
		AskSize:           "9",
		Volume:            "345",
		OpenInterest:      "1250",
		Date:              testDate,
		ImpliedVolatility: "0.3125",
		Delta:             "0.5512",
		Gamma:             "0.0231",
		Theta:             "-0.0450",
		Vega:              "0.1210",
		Rho:               "0.0421",
	}
}

func TestOptionRecordValidate_ValidData(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*OptionRecord)
	}{
		{
			name:   "fully_populated_call",
			modify: func(r *OptionRecord) {},
		},
		{
			name: "put_contract",
			modify: func(r *OptionRecord) {
				r.Type = OptionTypePut
				r.Delta = "-0.4488"
			},
		},
		{
			name: "sparse_provider_payload",
			modify: func(r *OptionRecord) {
				r.Last = ""
				r.Mark = ""
				r.Bid = ""
				r.BidSize = ""
				r.Ask = ""
				r.AskSize = ""
				r.Volume = ""
				r.OpenInterest = ""
				r.ImpliedVolatility = ""
				r.Delta = ""
				r.Gamma = ""
				r.Theta = ""
				r.Vega = ""
				r.Rho = ""
			},
		},
		{
			name: "no_type_reported",
			modify: func(r *OptionRecord) {
				r.Type = ""
			},
		},
		{
			name: "negative_greeks",
			modify: func(r *OptionRecord) {
				r.Theta = "-1.2345"
				r.Rho = "-0.0001"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := validRecord()
			tt.modify(&record)
			assert.NoError(t, record.Validate())
		})
	}
}

func TestOptionRecordValidate_InvalidData(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*OptionRecord)
		field  string
	}{
		{
			name:   "missing_contract_id",
			modify: func(r *OptionRecord) { r.ContractID = "" },
			field:  "contractID",
		},
		{
			name:   "missing_symbol",
			modify: func(r *OptionRecord) { r.Symbol = "" },
			field:  "symbol",
		},
		{
			name:   "missing_date",
			modify: func(r *OptionRecord) { r.Date = "" },
			field:  "date",
		},
		{
			name:   "malformed_date",
			modify: func(r *OptionRecord) { r.Date = "06/25/2024" },
			field:  "date",
		},
		{
			name:   "unknown_option_type",
			modify: func(r *OptionRecord) { r.Type = "straddle" },
			field:  "type",
		},
		{
			name:   "malformed_expiration",
			modify: func(r *OptionRecord) { r.Expiration = "July 19" },
			field:  "expiration",
		},
		{
			name:   "non_numeric_strike",
			modify: func(r *OptionRecord) { r.Strike = "one hundred" },
			field:  "strike",
		},
		{
			name:   "zero_strike",
			modify: func(r *OptionRecord) { r.Strike = "0" },
			field:  "strike",
		},
		{
			name:   "negative_strike",
			modify: func(r *OptionRecord) { r.Strike = "-5" },
			field:  "strike",
		},
		{
			name:   "non_numeric_bid",
			modify: func(r *OptionRecord) { r.Bid = "n/a" },
			field:  "bid",
		},
		{
			name:   "non_numeric_delta",
			modify: func(r *OptionRecord) { r.Delta = "none" },
			field:  "delta",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := validRecord()
			tt.modify(&record)

			err := record.Validate()
			require.Error(t, err)

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestOptionRecordDecimalGetters(t *testing.T) {
	record := validRecord()

	strike, err := record.GetStrikeDecimal()
	require.NoError(t, err)
	assert.True(t, strike.Equal(decimal.RequireFromString("100.00")))

	mark, err := record.GetMarkDecimal()
	require.NoError(t, err)
	assert.True(t, mark.Equal(decimal.RequireFromString("5.15")))

	mid, err := record.GetMidDecimal()
	require.NoError(t, err)
	assert.True(t, mid.Equal(decimal.RequireFromString("5.15")), "mid of 5.05/5.25 should be 5.15, got %s", mid)

	spread, err := record.GetSpreadDecimal()
	require.NoError(t, err)
	assert.True(t, spread.Equal(decimal.RequireFromString("0.20")), "spread of 5.05/5.25 should be 0.20, got %s", spread)
}

func TestOptionRecordDecimalGetters_AbsentFields(t *testing.T) {
	record := validRecord()
	record.Strike = ""
	record.Mark = ""
	record.Ask = ""

	_, err := record.GetStrikeDecimal()
	assert.Error(t, err)

	_, err = record.GetMarkDecimal()
	assert.Error(t, err)

	_, err = record.GetMidDecimal()
	assert.Error(t, err)

	_, err = record.GetSpreadDecimal()
	assert.Error(t, err)
}

func TestWorkUnitValidate(t *testing.T) {
	tests := []struct {
		name    string
		unit    WorkUnit
		wantErr bool
	}{
		{
			name: "valid",
			unit: WorkUnit{Symbol: testSymbol, Date: testDate},
		},
		{
			name:    "empty_symbol",
			unit:    WorkUnit{Date: testDate},
			wantErr: true,
		},
		{
			name:    "empty_date",
			unit:    WorkUnit{Symbol: testSymbol},
			wantErr: true,
		},
		{
			name:    "garbled_date",
			unit:    WorkUnit{Symbol: testSymbol, Date: "2024-6-25"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.unit.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWorkUnitString(t *testing.T) {
	unit := WorkUnit{Symbol: testSymbol, Date: testDate}
	assert.Equal(t, "DELL@2024-06-25", unit.String())
}
