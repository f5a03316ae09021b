package scoring

import (
	"time"

	"github.com/rs/zerolog"

	"teamboard/internal/config"
)

// FromConfig builds a scoring engine with the provider selected by
// scoring.provider.kind. A nil config scores with the seeded random provider.
func FromConfig(cfg *config.Config, logger *zerolog.Logger) *Engine {
	opts := Options{Logger: logger}
	if cfg == nil {
		return New(NewRandomProvider(1), opts)
	}
	opts.CacheTTL = cfg.CacheTTL()
	opts.CacheSize = cfg.Scoring.CacheSize
	p := cfg.Scoring.Provider
	switch p.Kind {
	case config.ProviderStatic:
		return New(StaticProvider{Values: Estimates{Dependencies: p.Dependencies, TeamWorkload: p.TeamWorkload}}, opts)
	case config.ProviderHTTP:
		return New(NewHTTPProvider(HTTPProviderConfig{
			URL:     p.URL,
			Timeout: time.Duration(p.TimeoutSeconds) * time.Second,
			Logger:  logger,
		}), opts)
	default:
		seed := p.Seed
		if seed == 0 {
			seed = 1
		}
		return New(NewRandomProvider(seed), opts)
	}
}

// WithClock returns a view of e that reads time from now. The provider and the
// cache are shared with e.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now == nil {
		return e
	}
	c := *e
	c.now = now
	return &c
}
