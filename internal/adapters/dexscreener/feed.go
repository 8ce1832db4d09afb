// Package dexscreener provides market snapshots from the DEX Screener
// public pairs API. The paper executor prices fills off these snapshots.
package dexscreener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"tradegate/internal/domain"
	"tradegate/internal/ports"
)

// Feed fetches instrument snapshots over HTTP.
type Feed struct {
	http   *resty.Client
	logger ports.Logger
}

// New creates a feed against the given API base, e.g.
// "https://api.dexscreener.com/latest/dex".
func New(base string, timeout time.Duration, logger ports.Logger) *Feed {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(base)
	client.SetTimeout(timeout)
	return &Feed{http: client, logger: logger}
}

type pairPayload struct {
	Pairs []struct {
		PriceUSD  string `json:"priceUsd"`
		Liquidity struct {
			USD float64 `json:"usd"`
		} `json:"liquidity"`
		Volume struct {
			M5 float64 `json:"m5"`
		} `json:"volume"`
	} `json:"pairs"`
}

// Snapshot returns the current market view for an instrument. A missing pair
// or unparsable price maps onto the stale-quote class so callers retry.
func (f *Feed) Snapshot(ctx context.Context, instrument string) (*domain.FeedSnapshot, error) {
	resp, err := f.http.R().
		SetContext(ctx).
		Get("/tokens/" + instrument)
	if err != nil {
		return nil, fmt.Errorf("%w: feed fetch: %v", ports.ErrTransient, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: feed", ports.ErrRateLimited)
	case code >= 500:
		return nil, fmt.Errorf("%w: feed returned %d", ports.ErrTransient, code)
	case code >= 400:
		return nil, fmt.Errorf("feed rejected %s with %d", instrument, code)
	}

	var payload pairPayload
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("decoding feed response: %w", err)
	}
	if len(payload.Pairs) == 0 {
		return nil, fmt.Errorf("%w: no pair for %s", ports.ErrStaleQuote, instrument)
	}

	// First pair is the deepest pool.
	pair := payload.Pairs[0]
	price, err := strconv.ParseFloat(pair.PriceUSD, 64)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("%w: bad price %q for %s", ports.ErrStaleQuote, pair.PriceUSD, instrument)
	}

	return &domain.FeedSnapshot{
		Instrument:   instrument,
		PriceUSD:     price,
		LiquidityUSD: pair.Liquidity.USD,
		Volume5mUSD:  pair.Volume.M5,
		ObservedAt:   time.Now().UTC(),
	}, nil
}
