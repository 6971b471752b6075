// Package offercache is the versioned store of the last full scrape of every
// identity. It is the single source of truth for what is currently believed
// about a lease offer. Writes replace a record atomically; removals are
// tombstones that keep the price data for audit.
package offercache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

// ErrNotFound is returned by Get for unknown identities and for records that
// cannot be decoded.
var ErrNotFound = errors.New("offercache: not found")

// Cache is implemented by every backend.
type Cache interface {
	// Get returns the stored record, tombstoned or not.
	Get(ctx context.Context, id domain.VehicleIdentity) (domain.OfferRecord, error)
	// Put replaces the record for rec.Identity, clears any tombstone and
	// bumps the version. It returns the stored version.
	Put(ctx context.Context, rec domain.OfferRecord) (int64, error)
	// MarkRemoved tombstones an identity. Tombstoning twice keeps the first
	// removal time.
	MarkRemoved(ctx context.Context, id domain.VehicleIdentity, at time.Time) error
	// ListAll returns every record ordered by identity key.
	ListAll(ctx context.Context) ([]domain.OfferRecord, error)
	// ListProvider returns the records of one provider ordered by key.
	ListProvider(ctx context.Context, p domain.Provider) ([]domain.OfferRecord, error)
	Close() error
}

// Options are shared by the backends.
type Options struct {
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func sortByKey(recs []domain.OfferRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Identity.Key() < recs[j].Identity.Key() })
}

// prepare fills the fields every backend stores the same way.
func prepare(rec domain.OfferRecord) (domain.OfferRecord, error) {
	if err := domain.ValidateIdentity(rec.Identity); err != nil {
		return rec, err
	}
	rec.Removed = false
	rec.RemovedAt = time.Time{}
	rec.ScrapedAt = rec.ScrapedAt.UTC()
	return rec, nil
}
