// Package freshness decides when a cached offer is old enough to be
// re-scraped even though its overview fingerprint did not change.
package freshness

import (
	"time"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/config"
)

// DefaultMaxAge matches a weekly full refresh.
const DefaultMaxAge = 7 * 24 * time.Hour

// Policy is a per-provider staleness threshold.
type Policy struct {
	MaxAge time.Duration
}

// New builds the policy for one provider. A non-positive age uses DefaultMaxAge.
func New(cfg config.Provider) Policy {
	if cfg.FreshnessMaxAge <= 0 {
		return Policy{MaxAge: DefaultMaxAge}
	}
	return Policy{MaxAge: cfg.FreshnessMaxAge}
}

// IsStale reports whether a record scraped at scrapedAt is due for a refresh
// at now. A record that was never scraped is stale.
func (p Policy) IsStale(scrapedAt, now time.Time) bool {
	if scrapedAt.IsZero() {
		return true
	}
	return now.Sub(scrapedAt) >= p.MaxAge
}

// DueAt returns when a record scraped at scrapedAt becomes stale.
func (p Policy) DueAt(scrapedAt time.Time) time.Time {
	return scrapedAt.Add(p.MaxAge)
}
