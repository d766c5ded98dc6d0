// Package fee decides whether a declared facilitator fee covers the gas cost
// of executing a settlement. Pricing inputs come from a PriceSource; all
// arithmetic past the price lookup runs on big.Int atomic units.
package fee

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-resty/resty/v2"

	"github.com/mark3labs/x402x"
	"github.com/mark3labs/x402x/retry"
)

// PriceSource reports the USD spot price of an asset symbol ("ETH", "POL",
// "USDC").
type PriceSource interface {
	USDPrice(ctx context.Context, symbol string) (float64, error)
}

// StaticPriceSource serves fixed prices from configuration. Used for tests
// and for deployments that pin conservative prices instead of polling a
// market API.
type StaticPriceSource map[string]float64

// USDPrice implements PriceSource.
func (s StaticPriceSource) USDPrice(_ context.Context, symbol string) (float64, error) {
	price, ok := s[symbol]
	if !ok {
		return 0, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
			fmt.Sprintf("no configured price for %s", symbol), nil)
	}
	return price, nil
}

const defaultSpotPriceURL = "https://api.coinbase.com/v2/prices/{symbol}-USD/spot"

// spotResponse is the Coinbase spot price response shape.
type spotResponse struct {
	Data struct {
		Amount string `json:"amount"`
	} `json:"data"`
}

type cachedPrice struct {
	price   float64
	fetched time.Time
}

// SpotPriceClient polls a spot-price HTTP API with a TTL cache per symbol.
// On fetch failure the last good price is served as long as one exists, so a
// flaky price API degrades fee validation to slightly stale prices rather
// than failing settlements outright.
type SpotPriceClient struct {
	client *resty.Client
	url    string
	ttl    time.Duration
	log    log.Logger

	mu    sync.Mutex
	cache map[string]cachedPrice
}

// SpotOption configures a SpotPriceClient.
type SpotOption func(*SpotPriceClient)

// WithSpotURL overrides the price API URL template. The template must contain
// a {symbol} path parameter.
func WithSpotURL(url string) SpotOption {
	return func(c *SpotPriceClient) { c.url = url }
}

// WithSpotTTL overrides the cache TTL.
func WithSpotTTL(ttl time.Duration) SpotOption {
	return func(c *SpotPriceClient) { c.ttl = ttl }
}

// WithSpotLogger sets the client's logger.
func WithSpotLogger(l log.Logger) SpotOption {
	return func(c *SpotPriceClient) { c.log = l }
}

// NewSpotPriceClient creates a price client with a 60s cache TTL.
func NewSpotPriceClient(opts ...SpotOption) *SpotPriceClient {
	c := &SpotPriceClient{
		client: resty.New().SetTimeout(5 * time.Second),
		url:    defaultSpotPriceURL,
		ttl:    time.Minute,
		log:    log.New("component", "price-client"),
		cache:  map[string]cachedPrice{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// USDPrice implements PriceSource. Fetches are retried with backoff; a
// failure after retries falls back to the last cached price.
func (c *SpotPriceClient) USDPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	cached, ok := c.cache[symbol]
	c.mu.Unlock()
	if ok && time.Since(cached.fetched) < c.ttl {
		return cached.price, nil
	}

	price, err := retry.WithRetry(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}, func(error) bool { return true }, func() (float64, error) {
		return c.fetch(ctx, symbol)
	})
	if err != nil {
		if ok {
			c.log.Warn("price fetch failed, serving stale price",
				"symbol", symbol, "age", time.Since(cached.fetched), "err", err)
			return cached.price, nil
		}
		return 0, x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure,
			fmt.Sprintf("unable to price %s", symbol), err)
	}

	c.mu.Lock()
	c.cache[symbol] = cachedPrice{price: price, fetched: time.Now()}
	c.mu.Unlock()
	return price, nil
}

func (c *SpotPriceClient) fetch(ctx context.Context, symbol string) (float64, error) {
	var body spotResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetResult(&body).
		Get(c.url)
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("price api returned %s", resp.Status())
	}
	price, err := strconv.ParseFloat(body.Data.Amount, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("price api returned unusable amount %q", body.Data.Amount)
	}
	return price, nil
}
