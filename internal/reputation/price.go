package reputation

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"swapguard/internal/cache"
)

type priceEntry struct {
	price decimal.Decimal
	ok    bool
}

// PriceClient queries a CoinGecko-style simple token price endpoint.
type PriceClient struct {
	client   *Client
	platform string
	cache    *cache.TTL[priceEntry]
}

// NewPriceClient caches prices (and their absence) for ttl.
func NewPriceClient(baseURL, platform string, ttl time.Duration, cacheOpts []cache.Option, opts ...Option) *PriceClient {
	return &PriceClient{
		client:   NewClient(baseURL, opts...),
		platform: platform,
		cache:    cache.NewTTL[priceEntry]("prices", ttl, cacheOpts...),
	}
}

// PriceUSD returns the USD price of token; ok is false when the API has none.
func (p *PriceClient) PriceUSD(ctx context.Context, token common.Address) (decimal.Decimal, bool, error) {
	entry, err := p.cache.GetOrFetch(ctx, "price:"+token.Hex(), func(ctx context.Context) (priceEntry, error) {
		return p.fetch(ctx, token)
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	return entry.price, entry.ok, nil
}

func (p *PriceClient) fetch(ctx context.Context, token common.Address) (priceEntry, error) {
	query := url.Values{}
	query.Set("contract_addresses", strings.ToLower(token.Hex()))
	query.Set("vs_currencies", "usd")

	var resp map[string]map[string]json.Number
	if err := p.client.getJSON(ctx, "/simple/token_price/"+p.platform, query, &resp); err != nil {
		return priceEntry{}, err
	}
	for key, prices := range resp {
		if !strings.EqualFold(key, token.Hex()) {
			continue
		}
		usd, ok := prices["usd"]
		if !ok {
			break
		}
		price, err := decimal.NewFromString(usd.String())
		if err != nil || !price.IsPositive() {
			break
		}
		return priceEntry{price: price, ok: true}, nil
	}
	return priceEntry{}, nil
}
