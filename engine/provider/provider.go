// Package provider defines the capability every lease provider adapter
// implements and the fixed registry the engine resolves providers from.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

// Scraper is the boundary to a provider site. Errors should be
// *domain.ScrapeError so the worker can tell transient from permanent
// failures; anything else is treated as transient.
type Scraper interface {
	// ListOverview returns the cheap listing of everything the site offers now.
	ListOverview(ctx context.Context) ([]domain.OverviewListing, error)
	// ScrapeFull fetches the complete price matrix of one identity.
	ScrapeFull(ctx context.Context, id domain.VehicleIdentity) (domain.OfferRecord, error)
}

// Registry maps provider ids to scrapers. It is filled once at startup.
type Registry struct {
	mu       sync.RWMutex
	scrapers map[domain.Provider]Scraper
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{scrapers: make(map[domain.Provider]Scraper)}
}

// Register adds s under p. Registering a provider twice is an error.
func (r *Registry) Register(p domain.Provider, s Scraper) error {
	if p == "" || s == nil {
		return fmt.Errorf("provider: register %q: empty provider or nil scraper", p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.scrapers[p]; dup {
		return fmt.Errorf("provider: %s already registered", p)
	}
	r.scrapers[p] = s
	return nil
}

// Get returns the scraper of p or domain.ErrUnknownProvider.
func (r *Registry) Get(p domain.Provider) (Scraper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scrapers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, p)
	}
	return s, nil
}

// Names returns the registered providers, sorted.
func (r *Registry) Names() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Provider, 0, len(r.scrapers))
	for p := range r.scrapers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
