// Package detect compares a fresh provider overview with the offer cache and
// the scrape queue and decides which identities need a full scrape.
//
// Detection never mutates the queue. Its only side effect is tombstoning
// cached identities that vanished from the overview.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/fingerprint"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/freshness"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/offercache"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/fn"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/metrics"
)

// QueueView is the read-only part of the scrape queue the detector needs.
type QueueView interface {
	Pending(provider domain.Provider, id domain.VehicleIdentity) (domain.QueueItem, bool)
}

// Overlap decides the reason of an identity that is both changed and stale.
type Overlap int

const (
	// PreferChanged keeps the higher priority reason.
	PreferChanged Overlap = iota
	PreferStale
)

// ParseOverlap maps the config value ("changed", "stale" or empty).
func ParseOverlap(s string) (Overlap, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "changed":
		return PreferChanged, nil
	case "stale":
		return PreferStale, nil
	default:
		return PreferChanged, fmt.Errorf("detect: unknown overlap %q", s)
	}
}

// PolicySource returns the freshness policy of a provider.
type PolicySource func(domain.Provider) freshness.Policy

// Options tunes a Detector.
type Options struct {
	// DryRun skips tombstoning; removals are still reported.
	DryRun  bool
	Overlap Overlap
	// Brand restricts detection, removals included, to one make.
	Brand   string
	Logger  *slog.Logger
	Metrics *metrics.Pipeline
}

// Detector classifies overview listings.
type Detector struct {
	cache    offercache.Cache
	queue    QueueView
	policies PolicySource
	opts     Options
	log      *slog.Logger
}

// New returns a Detector. A nil policies source uses freshness.DefaultMaxAge.
func New(cache offercache.Cache, queue QueueView, policies PolicySource, opts Options) *Detector {
	if policies == nil {
		policies = func(domain.Provider) freshness.Policy { return freshness.Policy{MaxAge: freshness.DefaultMaxAge} }
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Detector{cache: cache, queue: queue, policies: policies, opts: opts, log: log}
}

// Invalid is an overview listing that was skipped.
type Invalid struct {
	Listing domain.OverviewListing `json:"listing"`
	Error   string                 `json:"error"`
}

// Result is the outcome of one detection pass.
type Result struct {
	Provider   domain.Provider `json:"provider"`
	DetectedAt time.Time       `json:"detected_at"`
	// Items are the enqueue decisions in selection order. An item for an
	// identity that is already pending with a worse priority is an upgrade.
	Items []domain.QueueItem `json:"items"`

	New           []domain.VehicleIdentity `json:"new"`
	Changed       []domain.VehicleIdentity `json:"changed"`
	Stale         []domain.VehicleIdentity `json:"stale"`
	Removed       []domain.VehicleIdentity `json:"removed"`
	Unchanged     []domain.VehicleIdentity `json:"unchanged"`
	AlreadyQueued []domain.VehicleIdentity `json:"already_queued"`
	Invalid       []Invalid                `json:"invalid,omitempty"`
}

// Summary renders the per-class counts on one line.
func (r Result) Summary() string {
	s := fmt.Sprintf("New: %d, Changed: %d, Stale: %d, Removed: %d, Unchanged: %d",
		len(r.New), len(r.Changed), len(r.Stale), len(r.Removed), len(r.Unchanged))
	if n := len(r.AlreadyQueued); n > 0 {
		s += fmt.Sprintf(", Already queued: %d", n)
	}
	if n := len(r.Invalid); n > 0 {
		s += fmt.Sprintf(", Invalid: %d", n)
	}
	return s
}

// NeedsScrape reports whether the pass produced any work.
func (r Result) NeedsScrape() bool { return len(r.Items) > 0 }

type listing struct {
	id domain.VehicleIdentity
	fp domain.Fingerprint
}

// Detect classifies every overview listing of provider, plus every cached
// identity of provider that the overview no longer lists.
func (d *Detector) Detect(ctx context.Context, provider domain.Provider, overview []domain.OverviewListing, now time.Time) (Result, error) {
	res := Result{Provider: provider, DetectedAt: now}
	policy := d.policies(provider)

	var seen []listing
	for _, l := range overview {
		if l.Identity.Provider == "" {
			l.Identity.Provider = provider
		}
		id := fingerprint.Identity(l)
		if err := validateListing(provider, id); err != nil {
			res.Invalid = append(res.Invalid, Invalid{Listing: l, Error: err.Error()})
			continue
		}
		if !d.inScope(id) {
			continue
		}
		seen = append(seen, listing{id: id, fp: fingerprint.Compute(l)})
	}
	if len(res.Invalid) > 0 {
		d.log.Warn("detect: skipped invalid listings", "provider", provider, "count", len(res.Invalid))
	}
	seen = fn.UniqueBy(seen, func(l listing) string { return l.id.Key() })

	cached, err := d.cache.ListProvider(ctx, provider)
	if err != nil {
		return res, fmt.Errorf("detect %s: list cache: %w", provider, err)
	}
	byKey := make(map[string]domain.OfferRecord, len(cached))
	for _, rec := range cached {
		byKey[rec.Identity.Key()] = rec
	}

	inOverview := make(map[string]struct{}, len(seen))
	for _, l := range seen {
		key := l.id.Key()
		inOverview[key] = struct{}{}

		rec, ok := byKey[key]
		reason, classified := d.classify(rec, ok && !rec.Removed, l.fp, policy, now)
		if !classified {
			res.Unchanged = append(res.Unchanged, l.id)
			continue
		}
		switch reason {
		case domain.ReasonNew:
			res.New = append(res.New, l.id)
		case domain.ReasonChanged:
			res.Changed = append(res.Changed, l.id)
		case domain.ReasonStale:
			res.Stale = append(res.Stale, l.id)
		}

		item := domain.NewQueueItem(l.id, reason, l.fp, now)
		if cur, pending := d.queue.Pending(provider, l.id); pending && cur.Priority <= item.Priority {
			res.AlreadyQueued = append(res.AlreadyQueued, l.id)
			continue
		}
		res.Items = append(res.Items, item)
	}

	for _, rec := range cached {
		if rec.Removed || !d.inScope(rec.Identity) {
			continue
		}
		if _, ok := inOverview[rec.Identity.Key()]; ok {
			continue
		}
		res.Removed = append(res.Removed, rec.Identity)
		if d.opts.DryRun {
			continue
		}
		if err := d.cache.MarkRemoved(ctx, rec.Identity, now); err != nil && !errors.Is(err, offercache.ErrNotFound) {
			return res, fmt.Errorf("detect %s: tombstone %s: %w", provider, rec.Identity.Key(), err)
		}
	}

	sort.Slice(res.Items, func(i, j int) bool { return res.Items[i].Less(res.Items[j]) })
	d.record(res)
	d.log.Info("detect: "+res.Summary(), "provider", provider, "items", len(res.Items), "dry_run", d.opts.DryRun)
	return res, nil
}

// classify returns the reason for a listing, or false when it is unchanged.
// present is false for identities the cache does not hold or has tombstoned.
func (d *Detector) classify(rec domain.OfferRecord, present bool, fp domain.Fingerprint, policy freshness.Policy, now time.Time) (domain.Reason, bool) {
	if !present {
		return domain.ReasonNew, true
	}
	changed := fp != rec.FingerprintAtScrape
	stale := policy.IsStale(rec.ScrapedAt, now)
	switch {
	case changed && stale && d.opts.Overlap == PreferStale:
		return domain.ReasonStale, true
	case changed:
		return domain.ReasonChanged, true
	case stale:
		return domain.ReasonStale, true
	default:
		return "", false
	}
}

func (d *Detector) inScope(id domain.VehicleIdentity) bool {
	if d.opts.Brand == "" {
		return true
	}
	return strings.EqualFold(domain.CanonicalMake(id.Make), domain.CanonicalMake(d.opts.Brand))
}

func (d *Detector) record(res Result) {
	m := d.opts.Metrics
	if m == nil {
		return
	}
	p := string(res.Provider)
	m.Detect(p, string(domain.ReasonNew)).Add(int64(len(res.New)))
	m.Detect(p, string(domain.ReasonChanged)).Add(int64(len(res.Changed)))
	m.Detect(p, string(domain.ReasonStale)).Add(int64(len(res.Stale)))
	m.Detect(p, "unchanged").Add(int64(len(res.Unchanged)))
	if !d.opts.DryRun {
		m.Removals(p).Add(int64(len(res.Removed)))
	}
}

func validateListing(provider domain.Provider, id domain.VehicleIdentity) error {
	if err := domain.ValidateIdentity(id); err != nil {
		return err
	}
	if id.Provider != provider {
		return fmt.Errorf("%w: listing of %s in %s overview", domain.ErrIdentityMismatch, id.Provider, provider)
	}
	return nil
}
