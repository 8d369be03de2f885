// Package quotes is the seam to the reference-price collaborator.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tradepilot/config"
)

// ErrNoPrice is returned when no reference price is available for a symbol.
var ErrNoPrice = errors.New("quotes: no reference price available")

// Provider returns the last/reference price for a symbol.
type Provider interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// StaticProvider serves prices from an in-memory map. Replay points one at the
// day's archived closing prices; tests use it directly.
type StaticProvider struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewStaticProvider(prices map[string]float64) *StaticProvider {
	if prices == nil {
		prices = make(map[string]float64)
	}
	return &StaticProvider{prices: prices}
}

// Set updates one symbol's price.
func (p *StaticProvider) Set(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *StaticProvider) LastPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return price, nil
}

// CachedProvider wraps a Provider with an optional Redis cache. When Redis is
// disabled or unreachable it degrades to a passthrough.
type CachedProvider struct {
	inner  Provider
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedProvider builds the cached provider. A nil client disables caching.
func NewCachedProvider(inner Provider, rcfg config.RedisConfig, qcfg config.QuotesConfig, logger zerolog.Logger) *CachedProvider {
	var client *redis.Client
	if rcfg.Enabled {
		client = redis.NewClient(&redis.Options{
			Addr:     rcfg.Address,
			Password: rcfg.Password,
			DB:       rcfg.DB,
			PoolSize: rcfg.PoolSize,
		})
	}
	return &CachedProvider{
		inner:  inner,
		client: client,
		ttl:    qcfg.CacheTTL,
		logger: logger,
	}
}

func (c *CachedProvider) LastPrice(ctx context.Context, symbol string) (float64, error) {
	key := "quote:" + symbol

	if c.client != nil {
		if cached, err := c.client.Get(ctx, key).Result(); err == nil {
			if price, perr := strconv.ParseFloat(cached, 64); perr == nil && price > 0 {
				return price, nil
			}
		}
	}

	price, err := c.inner.LastPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}

	if c.client != nil {
		if err := c.client.Set(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), c.ttl).Err(); err != nil {
			c.logger.Debug().Err(err).Str("symbol", symbol).Msg("quote cache write failed")
		}
	}
	return price, nil
}

// Close releases the Redis connection if one was opened.
func (c *CachedProvider) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
