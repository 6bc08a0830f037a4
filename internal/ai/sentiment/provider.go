package sentiment

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-daemon/internal/cache"
	"paper-trading-daemon/internal/database"
)

// Fetched is what a backend returns for one symbol.
type Fetched struct {
	Score    float64 // [-1, +1]
	Burst    float64 // [0, 1], how concentrated recent coverage is
	Summary  string
	Sources  []string
	Fallback bool
}

// Backend fetches raw sentiment for a symbol. Backends may fail; the provider
// owns the fallback chain.
type Backend interface {
	Fetch(ctx context.Context, symbol string) (*Fetched, error)
	Name() string
}

// Store persists snapshots and serves the previous one for trend smoothing.
type Store interface {
	SaveSentiment(ctx context.Context, s database.SentimentRow) error
	GetLatestSentiment(ctx context.Context, symbol string) (*database.SentimentRow, error)
}

// Provider refreshes sentiment at most twice per UTC day per symbol (00:00
// and 12:00 windows) and serves the cached snapshot in between. A failed
// primary falls back to the secondary backend, then to a neutral snapshot.
type Provider struct {
	primary   Backend
	secondary Backend
	cache     *cache.SentimentCache
	store     Store
	logger    zerolog.Logger
}

// NewProvider creates a sentiment provider.
func NewProvider(primary, secondary Backend, c *cache.SentimentCache, store Store, logger zerolog.Logger) *Provider {
	return &Provider{
		primary:   primary,
		secondary: secondary,
		cache:     c,
		store:     store,
		logger:    logger.With().Str("component", "sentiment").Logger(),
	}
}

// WindowStart returns the refresh window containing now: today 00:00 or
// 12:00 UTC.
func WindowStart(now time.Time) time.Time {
	day := now.UTC().Truncate(24 * time.Hour)
	noon := day.Add(12 * time.Hour)
	if now.UTC().Before(noon) {
		return day
	}
	return noon
}

// Get returns the snapshot for the current window, refreshing only when the
// window boundary has been crossed since the cached value was taken.
func (p *Provider) Get(ctx context.Context, symbol string, now time.Time) *database.SentimentRow {
	window := WindowStart(now)

	if row, ok := p.cache.Get(ctx, symbol); ok && !row.TS.Before(window) {
		return row
	}

	// Another restart may have persisted this window already.
	if prev, err := p.store.GetLatestSentiment(ctx, symbol); err == nil && prev != nil && !prev.TS.Before(window) {
		p.cache.Set(ctx, symbol, *prev)
		return prev
	}

	row := p.refresh(ctx, symbol, now)
	p.cache.Set(ctx, symbol, *row)
	if err := p.store.SaveSentiment(ctx, *row); err != nil {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to persist sentiment snapshot")
	}
	return row
}

// Refresh forces a fetch regardless of the window, used by the pre-warm cron.
func (p *Provider) Refresh(ctx context.Context, symbol string, now time.Time) *database.SentimentRow {
	row := p.refresh(ctx, symbol, now)
	p.cache.Set(ctx, symbol, *row)
	if err := p.store.SaveSentiment(ctx, *row); err != nil {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to persist sentiment snapshot")
	}
	return row
}

func (p *Provider) refresh(ctx context.Context, symbol string, now time.Time) *database.SentimentRow {
	fetched := p.fetchWithFallback(ctx, symbol)

	// The 7-day score is an exponential blend of the per-window scores, so a
	// single noisy window cannot swing the trend term.
	sent7d := fetched.Score
	if prev, err := p.store.GetLatestSentiment(ctx, symbol); err == nil && prev != nil {
		sent7d = 0.8*prev.Sent7d + 0.2*fetched.Score
	}

	return &database.SentimentRow{
		Symbol:    symbol,
		TS:        now.UTC(),
		Sent24h:   fetched.Score,
		Sent7d:    sent7d,
		SentTrend: fetched.Score - sent7d,
		Burst:     fetched.Burst,
		Summary:   fetched.Summary,
		Sources:   fetched.Sources,
	}
}

func (p *Provider) fetchWithFallback(ctx context.Context, symbol string) *Fetched {
	if p.primary != nil {
		if fetched, err := p.primary.Fetch(ctx, symbol); err == nil {
			return fetched
		} else {
			p.logger.Warn().Err(err).Str("symbol", symbol).Str("backend", p.primary.Name()).
				Msg("primary sentiment backend failed")
		}
	}
	if p.secondary != nil {
		if fetched, err := p.secondary.Fetch(ctx, symbol); err == nil {
			return fetched
		} else {
			p.logger.Warn().Err(err).Str("symbol", symbol).Str("backend", p.secondary.Name()).
				Msg("fallback sentiment backend failed")
		}
	}
	return NeutralSnapshot()
}

// NeutralSnapshot is the final fallback: flat scores, marked as such.
func NeutralSnapshot() *Fetched {
	return &Fetched{
		Sources:  []string{"fallback"},
		Summary:  "sentiment unavailable, using neutral snapshot",
		Fallback: true,
	}
}

// baseAsset strips the quote currency from a pair like BTCUSDT or BTC/USD.
func baseAsset(symbol string) string {
	if i := strings.IndexByte(symbol, '/'); i > 0 {
		return symbol[:i]
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}
