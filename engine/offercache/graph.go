package offercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/repo"
)

// offerLabel is the node label of cached offers.
const offerLabel = "LeaseOffer"

// GraphCache stores records as (:LeaseOffer {key}) nodes in Neo4j. Every
// write is a single statement, so a node is replaced as a whole.
type GraphCache struct {
	driver neo4j.DriverWithContext
	nodes  *repo.Neo4jRepo[domain.OfferRecord, string]
	opts   Options
}

var _ Cache = (*GraphCache)(nil)

// OpenGraph connects to Neo4j and ensures the key constraint exists.
func OpenGraph(ctx context.Context, url, user, pass string, opts Options) (*GraphCache, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, pass, ""))
	if err != nil {
		return nil, fmt.Errorf("offercache: neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("offercache: neo4j connect: %w", err)
	}
	c := NewGraph(driver, opts)
	if err := c.nodes.EnsureConstraint(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return c, nil
}

// NewGraph wraps an existing driver. Close closes the driver.
func NewGraph(driver neo4j.DriverWithContext, opts Options) *GraphCache {
	c := &GraphCache{driver: driver, opts: opts}
	c.nodes = repo.NewNeo4jRepo[domain.OfferRecord, string](driver, offerLabel, offerToProps, c.offerFromRecord,
		repo.WithIDKey[domain.OfferRecord, string]("key"),
		repo.WithVersionKey[domain.OfferRecord, string]("version"),
		repo.WithSkipInvalid[domain.OfferRecord, string](func(err error) {
			c.opts.logger().Error("offercache: skipping corrupt record", "error", err)
		}),
	)
	return c
}

// errCorrupt marks a node whose properties cannot be decoded.
var errCorrupt = errors.New("offercache: corrupt node")

// offerToProps flattens a record into node properties. The price matrix is
// stored as a JSON string since Neo4j properties cannot nest.
func offerToProps(rec domain.OfferRecord) map[string]any {
	prices, _ := json.Marshal(rec.Prices)
	props := map[string]any{
		"provider":    string(rec.Identity.Provider),
		"country":     rec.Identity.Country,
		"make":        rec.Identity.Make,
		"model":       rec.Identity.Model,
		"variant":     rec.Identity.Version,
		"listing_ref": rec.Identity.ListingRef,
		"edition":     rec.Edition,
		"url":         rec.URL,
		"currency":    rec.Currency,
		"prices":      string(prices),
		"scraped_at":  rec.ScrapedAt,
		"fingerprint": string(rec.FingerprintAtScrape),
		"removed":     rec.Removed,
	}
	if !rec.RemovedAt.IsZero() {
		props["removed_at"] = rec.RemovedAt
	}
	return props
}

func (c *GraphCache) offerFromRecord(r *neo4j.Record) (domain.OfferRecord, error) {
	if len(r.Values) == 0 {
		return domain.OfferRecord{}, errCorrupt
	}
	n, ok := r.Values[0].(neo4j.Node)
	if !ok {
		return domain.OfferRecord{}, errCorrupt
	}
	return offerFromProps(n.Props)
}

func offerFromProps(p map[string]any) (domain.OfferRecord, error) {
	str := func(k string) string { s, _ := p[k].(string); return s }
	rec := domain.OfferRecord{
		Identity: domain.VehicleIdentity{
			Provider:   domain.Provider(str("provider")),
			Country:    str("country"),
			Make:       str("make"),
			Model:      str("model"),
			Version:    str("variant"),
			ListingRef: str("listing_ref"),
		},
		Edition:             str("edition"),
		URL:                 str("url"),
		Currency:            str("currency"),
		FingerprintAtScrape: domain.Fingerprint(str("fingerprint")),
	}
	if err := json.Unmarshal([]byte(str("prices")), &rec.Prices); err != nil {
		return rec, fmt.Errorf("%w: prices: %v", errCorrupt, err)
	}
	rec.Version, _ = p["version"].(int64)
	rec.Removed, _ = p["removed"].(bool)
	rec.ScrapedAt = asTime(p["scraped_at"])
	rec.RemovedAt = asTime(p["removed_at"])
	return rec, nil
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case neo4j.LocalDateTime:
		return time.Time(t).UTC()
	default:
		return time.Time{}
	}
}

func (c *GraphCache) Get(ctx context.Context, id domain.VehicleIdentity) (domain.OfferRecord, error) {
	rec, err := c.nodes.Get(ctx, id.Key())
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return rec, ErrNotFound
	case errors.Is(err, errCorrupt):
		c.opts.logger().Error("offercache: corrupt record treated as miss", "key", id.Key(), "error", err)
		return domain.OfferRecord{}, ErrNotFound
	}
	return rec, err
}

func (c *GraphCache) Put(ctx context.Context, rec domain.OfferRecord) (int64, error) {
	rec, err := prepare(rec)
	if err != nil {
		return 0, err
	}
	stored, err := c.nodes.Upsert(ctx, rec.Identity.Key(), rec)
	if err != nil {
		return 0, fmt.Errorf("offercache: put %s: %w", rec.Identity.Key(), err)
	}
	return stored.Version, nil
}

func (c *GraphCache) MarkRemoved(ctx context.Context, id domain.VehicleIdentity, at time.Time) error {
	rec, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Removed {
		return nil
	}
	err = c.nodes.Patch(ctx, id.Key(), map[string]any{"removed": true, "removed_at": at.UTC()})
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (c *GraphCache) ListAll(ctx context.Context) ([]domain.OfferRecord, error) {
	return c.list(ctx, repo.ListOpts{})
}

func (c *GraphCache) ListProvider(ctx context.Context, p domain.Provider) ([]domain.OfferRecord, error) {
	return c.list(ctx, repo.ListOpts{Filter: map[string]any{"provider": string(p)}})
}

func (c *GraphCache) list(ctx context.Context, opts repo.ListOpts) ([]domain.OfferRecord, error) {
	recs, err := c.nodes.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("offercache: list: %w", err)
	}
	return recs, nil
}

func (c *GraphCache) Close() error {
	if c.driver == nil {
		return nil
	}
	return c.driver.Close(context.Background())
}
