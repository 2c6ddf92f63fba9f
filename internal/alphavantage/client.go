// Package alphavantage provides the Alpha Vantage HISTORICAL_OPTIONS
// client for chain-snapshot collection.
//
// The client performs exactly one HTTP call per fetch, paces requests with
// a local limiter as provider courtesy, and parses responses
// null-tolerantly: entry fields the provider omits become empty values
// rather than parse failures. Quota accounting is not this package's
// concern; the caller supplies the key and records its usage.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/ArnoldWan/options-chain-collector/internal/errors"
	"github.com/ArnoldWan/options-chain-collector/internal/models"
)

const (
	// Alpha Vantage API base URL
	defaultBaseURL = "https://www.alphavantage.co"

	// Query endpoint; all functions multiplex through it
	queryEndpoint = "/query"

	// API function for historical options chains
	historicalOptionsFunction = "HISTORICAL_OPTIONS"

	// Request configuration
	defaultRequestTimeout = 30 * time.Second

	// Local pacing; the hard limit is the per-key daily quota enforced
	// by the ledger, this only smooths bursts.
	defaultRequestsPerSecond = 1
	defaultBurst             = 1
)

// Config configures the client. Zero values fall back to defaults.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// Client fetches historical options chains from Alpha Vantage.
type Client struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger
}

// NewClient creates a configured Alpha Vantage client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), defaultBurst),
		baseURL:     cfg.BaseURL,
		logger:      cfg.Logger,
	}
}

// FetchOptions issues one HISTORICAL_OPTIONS call for (symbol, date) using
// the given key and parses the chain snapshot. Returns an empty slice and
// nil error when the provider reports success with no data. Non-2xx
// statuses, timeouts, and transport failures return a TransientError; no
// state is mutated in any failure case.
func (c *Client) FetchOptions(ctx context.Context, symbol, date, apiKey string) ([]models.OptionRecord, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	c.logger.Debug("fetching historical options", "symbol", symbol, "date", date)

	params := url.Values{}
	params.Set("function", historicalOptionsFunction)
	params.Set("symbol", symbol)
	params.Set("date", date)
	params.Set("apikey", apiKey)
	requestURL := c.baseURL + queryEndpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "options-chain-collector/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request canceled: %w", ctx.Err())
		}
		return nil, apperrors.NewTransient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransient(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("provider returned non-2xx status",
			"symbol", symbol,
			"date", date,
			"status", resp.StatusCode)
		return nil, apperrors.NewTransientStatus(resp.StatusCode)
	}

	records, message, err := parseChainResponse(body, symbol, date)
	if err != nil {
		return nil, fmt.Errorf("failed to parse options response: %w", err)
	}

	if len(records) == 0 && message != "" {
		// The provider reports throttling and unknown symbols as a 200
		// with a message and no data rows.
		c.logger.Warn("provider returned no data", "symbol", symbol, "date", date, "message", message)
	}

	c.logger.Debug("fetched historical options",
		"symbol", symbol,
		"date", date,
		"count", len(records))

	return records, nil
}

// chainResponse is the wire shape of a HISTORICAL_OPTIONS response. Data
// entries are decoded loosely because the provider's per-entry schema is
// not guaranteed to be complete.
type chainResponse struct {
	Endpoint string           `json:"endpoint"`
	Message  string           `json:"message"`
	Data     []map[string]any `json:"data"`
}

// parseChainResponse decodes the response body into option records.
// Fields absent from an entry become empty strings; an entry with no
// usable contract identity is skipped rather than failing the batch.
func parseChainResponse(body []byte, symbol, date string) ([]models.OptionRecord, string, error) {
	var resp chainResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", err
	}

	records := make([]models.OptionRecord, 0, len(resp.Data))
	for _, entry := range resp.Data {
		r := models.OptionRecord{
			ContractID:        stringField(entry, "contractID"),
			Symbol:            stringField(entry, "symbol"),
			Expiration:        stringField(entry, "expiration"),
			Strike:            stringField(entry, "strike"),
			Type:              stringField(entry, "type"),
			Last:              stringField(entry, "last"),
			Mark:              stringField(entry, "mark"),
			Bid:               stringField(entry, "bid"),
			BidSize:           stringField(entry, "bid_size"),
			Ask:               stringField(entry, "ask"),
			AskSize:           stringField(entry, "ask_size"),
			Volume:            stringField(entry, "volume"),
			OpenInterest:      stringField(entry, "open_interest"),
			Date:              stringField(entry, "date"),
			ImpliedVolatility: stringField(entry, "implied_volatility"),
			Delta:             stringField(entry, "delta"),
			Gamma:             stringField(entry, "gamma"),
			Theta:             stringField(entry, "theta"),
			Vega:              stringField(entry, "vega"),
			Rho:               stringField(entry, "rho"),
		}
		if r.Symbol == "" {
			r.Symbol = symbol
		}
		if r.Date == "" {
			r.Date = date
		}
		if r.ContractID == "" {
			continue
		}
		records = append(records, r)
	}

	return records, resp.Message, nil
}

// stringField extracts a field as its string form, tolerating absent
// fields, nulls, and numeric values.
func stringField(entry map[string]any, key string) string {
	v, ok := entry[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
