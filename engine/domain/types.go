// Package domain defines the shared types, constants, error classification and
// validation for the incremental lease-offer pipeline. Every other engine
// package speaks in these types.
package domain

import (
	"strings"
	"time"
)

// Provider identifies a lease provider site, e.g. "toyota_nl".
type Provider string

// Known providers.
const (
	ProviderToyotaNL Provider = "toyota_nl"
	ProviderSuzukiNL Provider = "suzuki_nl"
	ProviderAyvensNL Provider = "ayvens_nl"
	ProviderLeasysNL Provider = "leasys_nl"
	ProviderToyotaDE Provider = "toyota_de"
	ProviderToyotaBE Provider = "toyota_be"
)

// VehicleIdentity is the immutable key of a lease offer. It is the key of
// both the offer cache and the scrape queue.
type VehicleIdentity struct {
	Provider Provider `json:"provider"`
	Country  string   `json:"country"`
	Make     string   `json:"make"`
	Model    string   `json:"model"`
	Version  string   `json:"version"`
	// ListingRef is the provider-native listing id or the canonical URL.
	ListingRef string `json:"listing_ref"`
}

// Key returns the stable normalized string form of the identity.
func (id VehicleIdentity) Key() string {
	parts := []string{
		string(id.Provider),
		id.Country,
		id.Make,
		id.Model,
		id.Version,
		id.ListingRef,
	}
	for i, p := range parts {
		parts[i] = normalizeKeyPart(p)
	}
	return strings.Join(parts, "|")
}

func (id VehicleIdentity) String() string { return id.Key() }

func normalizeKeyPart(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}

// Fingerprint is a hex digest over the mutable shape attributes of a listing.
type Fingerprint string

// OverviewListing is one entry of a provider's overview page. It is transient
// and never persisted.
type OverviewListing struct {
	Identity VehicleIdentity `json:"identity"`
	Edition  string          `json:"edition"`
	URL      string          `json:"url"`
	// BasePrice is the advertised "from" monthly price; zero when absent.
	BasePrice float64           `json:"base_price,omitempty"`
	Options   []string          `json:"options,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// PriceKey addresses one cell of a price matrix.
type PriceKey struct {
	Months int `json:"months"`
	KmYear int `json:"km_per_year"`
}

// PricePoint is one monthly price in a matrix.
type PricePoint struct {
	PriceKey
	Monthly float64 `json:"monthly"`
}

// PriceMatrix holds monthly prices by (duration, annual km).
type PriceMatrix []PricePoint

// Lookup returns the monthly price for the given cell.
func (m PriceMatrix) Lookup(months, km int) (float64, bool) {
	for _, p := range m {
		if p.Months == months && p.KmYear == km {
			return p.Monthly, true
		}
	}
	return 0, false
}

// OfferRecord is the full scraped state of one identity.
type OfferRecord struct {
	Identity            VehicleIdentity `json:"identity"`
	Edition             string          `json:"edition,omitempty"`
	URL                 string          `json:"url,omitempty"`
	Currency            string          `json:"currency"`
	Prices              PriceMatrix     `json:"prices"`
	ScrapedAt           time.Time       `json:"scraped_at"`
	FingerprintAtScrape Fingerprint     `json:"fingerprint_at_scrape"`
	Version             int64           `json:"version"`
	Removed             bool            `json:"removed,omitempty"`
	RemovedAt           time.Time       `json:"removed_at,omitzero"`
}

// Reason explains why an identity is queued for a full scrape.
type Reason string

const (
	ReasonNew     Reason = "new"
	ReasonChanged Reason = "changed"
	ReasonStale   Reason = "stale"
	ReasonManual  Reason = "manual"
)

// Priority orders queue items; lower is served first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

// Priority returns the fixed priority of a reason.
func (r Reason) Priority() Priority {
	switch r {
	case ReasonNew:
		return PriorityCritical
	case ReasonChanged:
		return PriorityHigh
	case ReasonStale:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// QueueItem is a pending unit of full-scrape work.
type QueueItem struct {
	Identity    VehicleIdentity `json:"identity"`
	Reason      Reason          `json:"reason"`
	Priority    Priority        `json:"priority"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Fingerprint Fingerprint     `json:"fingerprint"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	NotBefore   time.Time       `json:"not_before,omitzero"`
	ClaimToken  string          `json:"claim_token,omitempty"`
	ClaimedAt   time.Time       `json:"claimed_at,omitzero"`
}

// NewQueueItem builds a pending item for id with the priority of reason.
func NewQueueItem(id VehicleIdentity, reason Reason, fp Fingerprint, at time.Time) QueueItem {
	return QueueItem{
		Identity:    id,
		Reason:      reason,
		Priority:    reason.Priority(),
		EnqueuedAt:  at,
		Fingerprint: fp,
	}
}

// Claimed reports whether a worker currently holds the item.
func (q QueueItem) Claimed() bool { return q.ClaimToken != "" }

// Less is the queue selection order: priority, then enqueue time, then key.
func (q QueueItem) Less(o QueueItem) bool {
	if q.Priority != o.Priority {
		return q.Priority < o.Priority
	}
	if !q.EnqueuedAt.Equal(o.EnqueuedAt) {
		return q.EnqueuedAt.Before(o.EnqueuedAt)
	}
	return q.Identity.Key() < o.Identity.Key()
}

// FailedItem is a queue item that failed permanently and waits for an
// operator reset.
type FailedItem struct {
	Item     QueueItem  `json:"item"`
	Class    ErrorClass `json:"class"`
	Error    string     `json:"error"`
	FailedAt time.Time  `json:"failed_at"`
}
