package detect

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/fingerprint"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/freshness"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/offercache"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/queue"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/metrics"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)) }

func overview(ref, edition string) domain.OverviewListing {
	return domain.OverviewListing{
		Identity: domain.VehicleIdentity{Provider: domain.ProviderToyotaNL, Make: "Toyota", Model: "Aygo X", ListingRef: ref},
		Edition:  edition,
		URL:      "https://www.toyota.nl/private-lease/" + ref,
	}
}

func record(l domain.OverviewListing, scrapedAt time.Time) domain.OfferRecord {
	return domain.OfferRecord{
		Identity:            fingerprint.Identity(l),
		Currency:            "EUR",
		Prices:              domain.PriceMatrix{{PriceKey: domain.PriceKey{Months: 48, KmYear: 10000}, Monthly: 399}},
		ScrapedAt:           scrapedAt,
		FingerprintAtScrape: fingerprint.Compute(l),
	}
}

type emptyQueue struct{}

func (emptyQueue) Pending(domain.Provider, domain.VehicleIdentity) (domain.QueueItem, bool) {
	return domain.QueueItem{}, false
}

func newCache(t *testing.T, recs ...domain.OfferRecord) offercache.Cache {
	t.Helper()
	c, err := offercache.OpenFile(t.TempDir(), offercache.Options{Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if _, err := c.Put(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func weekly(domain.Provider) freshness.Policy { return freshness.Policy{MaxAge: 7 * 24 * time.Hour} }

func refs(ids []domain.VehicleIdentity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.ListingRef
	}
	return out
}

func TestDetectScenarios(t *testing.T) {
	b := overview("b", "Play")
	cOld := overview("c", "Play")
	d := overview("d", "Pulse")
	cache := newCache(t,
		record(b, now.Add(-time.Hour)),
		record(cOld, now.Add(-time.Hour)),
		record(d, now.Add(-time.Hour)),
	)
	reg := metrics.New()
	det := New(cache, emptyQueue{}, weekly, Options{Logger: quiet(), Metrics: metrics.NewPipeline(reg)})

	// c got a new edition name; d vanished
	res, err := det.Detect(context.Background(), domain.ProviderToyotaNL,
		[]domain.OverviewListing{overview("a", "Envy"), b, overview("c", "Play Premium")}, now)
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Items) != 2 {
		t.Fatalf("items = %+v", res.Items)
	}
	if it := res.Items[0]; it.Identity.ListingRef != "a" || it.Reason != domain.ReasonNew || it.Priority != domain.PriorityCritical {
		t.Errorf("first item = %+v", it)
	}
	if it := res.Items[1]; it.Identity.ListingRef != "c" || it.Reason != domain.ReasonChanged || it.Priority != domain.PriorityHigh {
		t.Errorf("second item = %+v", it)
	}
	if got := refs(res.Unchanged); len(got) != 1 || got[0] != "b" {
		t.Errorf("unchanged = %v", got)
	}
	if got := refs(res.Removed); len(got) != 1 || got[0] != "d" {
		t.Errorf("removed = %v", got)
	}

	rec, err := cache.Get(context.Background(), fingerprint.Identity(d))
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Removed || !rec.RemovedAt.Equal(now) || len(rec.Prices) != 1 {
		t.Errorf("tombstone = %+v", rec)
	}
	if want := "New: 1, Changed: 1, Stale: 0, Removed: 1, Unchanged: 1"; res.Summary() != want {
		t.Errorf("summary = %q", res.Summary())
	}
	if !strings.Contains(reg.Render(), `leasequeue_removed_total{provider="toyota_nl"} 1`) {
		t.Errorf("removal metric missing:\n%s", reg.Render())
	}
}

func TestDetectStaleBoundary(t *testing.T) {
	l := overview("s", "Play")
	maxAge := 7 * 24 * time.Hour
	cache := newCache(t, record(l, now.Add(-maxAge)))
	det := New(cache, emptyQueue{}, weekly, Options{Logger: quiet()})

	res, err := det.Detect(context.Background(), domain.ProviderToyotaNL, []domain.OverviewListing{l}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Stale) != 1 || len(res.Items) != 1 || res.Items[0].Priority != domain.PriorityNormal {
		t.Fatalf("at maxAge: %s %+v", res.Summary(), res.Items)
	}

	res, _ = det.Detect(context.Background(), domain.ProviderToyotaNL, []domain.OverviewListing{l}, now.Add(-time.Second))
	if len(res.Unchanged) != 1 || len(res.Items) != 0 {
		t.Fatalf("just before maxAge: %s", res.Summary())
	}
}

func TestDetectOverlap(t *testing.T) {
	old := overview("o", "Play")
	cache := newCache(t, record(old, now.Add(-30*24*time.Hour)))
	changed := []domain.OverviewListing{overview("o", "Play Premium")}

	for _, tc := range []struct {
		overlap Overlap
		want    domain.Reason
	}{
		{PreferChanged, domain.ReasonChanged},
		{PreferStale, domain.ReasonStale},
	} {
		det := New(cache, emptyQueue{}, weekly, Options{Logger: quiet(), Overlap: tc.overlap, DryRun: true})
		res, err := det.Detect(context.Background(), domain.ProviderToyotaNL, changed, now)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Items) != 1 || res.Items[0].Reason != tc.want {
			t.Errorf("overlap %d: items = %+v", tc.overlap, res.Items)
		}
	}
}

func TestDetectIdempotentAgainstQueue(t *testing.T) {
	cache := newCache(t)
	q, err := queue.Open(t.TempDir(), queue.Options{Logger: quiet(), Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}
	det := New(cache, q, weekly, Options{Logger: quiet()})
	ov := []domain.OverviewListing{overview("a", "Play"), overview("b", "Play")}
	ctx := context.Background()

	first, err := det.Detect(ctx, domain.ProviderToyotaNL, ov, now)
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range first.Items {
		if _, err := q.Enqueue(ctx, it); err != nil {
			t.Fatal(err)
		}
	}
	second, err := det.Detect(ctx, domain.ProviderToyotaNL, ov, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Items) != 0 || len(second.AlreadyQueued) != 2 {
		t.Fatalf("second pass: items=%d already=%d", len(second.Items), len(second.AlreadyQueued))
	}
	if q.Size(domain.ProviderToyotaNL) != 2 {
		t.Fatalf("queue size = %d", q.Size(domain.ProviderToyotaNL))
	}
}

func TestDetectUpgradesPendingItem(t *testing.T) {
	l := overview("u", "Play")
	cache := newCache(t, record(l, now.Add(-30*24*time.Hour)))
	q, _ := queue.Open(t.TempDir(), queue.Options{Logger: quiet()})
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, domain.NewQueueItem(fingerprint.Identity(l), domain.ReasonStale, fingerprint.Compute(l), now)); err != nil {
		t.Fatal(err)
	}

	det := New(cache, q, weekly, Options{Logger: quiet()})
	res, err := det.Detect(ctx, domain.ProviderToyotaNL, []domain.OverviewListing{overview("u", "Play Premium")}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 1 || res.Items[0].Reason != domain.ReasonChanged {
		t.Fatalf("items = %+v", res.Items)
	}
	if out, _ := q.Enqueue(ctx, res.Items[0]); out != queue.Upgraded {
		t.Fatalf("enqueue outcome = %v", out)
	}
}

func TestDetectTombstonedIsNew(t *testing.T) {
	l := overview("t", "Play")
	cache := newCache(t, record(l, now.Add(-time.Hour)))
	if err := cache.MarkRemoved(context.Background(), fingerprint.Identity(l), now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	det := New(cache, emptyQueue{}, weekly, Options{Logger: quiet()})
	res, err := det.Detect(context.Background(), domain.ProviderToyotaNL, []domain.OverviewListing{l}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.New) != 1 || len(res.Removed) != 0 {
		t.Fatalf("reappeared listing: %s", res.Summary())
	}
}

func TestDetectDryRunKeepsCache(t *testing.T) {
	gone := overview("g", "Play")
	cache := newCache(t, record(gone, now.Add(-time.Hour)))
	det := New(cache, emptyQueue{}, weekly, Options{Logger: quiet(), DryRun: true})
	res, err := det.Detect(context.Background(), domain.ProviderToyotaNL, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Removed) != 1 {
		t.Fatalf("removed = %v", res.Removed)
	}
	rec, _ := cache.Get(context.Background(), fingerprint.Identity(gone))
	if rec.Removed {
		t.Fatal("dry run must not tombstone")
	}
}

func TestDetectDuplicatesAndInvalid(t *testing.T) {
	det := New(newCache(t), emptyQueue{}, weekly, Options{Logger: quiet(), DryRun: true})
	bad := domain.OverviewListing{Identity: domain.VehicleIdentity{Make: "Toyota"}}
	foreign := overview("f", "Play")
	foreign.Identity.Provider = domain.ProviderSuzukiNL

	res, err := det.Detect(context.Background(), domain.ProviderToyotaNL,
		[]domain.OverviewListing{overview("a", "Play"), overview("a", "Other"), bad, foreign}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 1 || res.Items[0].Fingerprint != fingerprint.Compute(overview("a", "Play")) {
		t.Fatalf("duplicates: %+v", res.Items)
	}
	if len(res.Invalid) != 2 {
		t.Fatalf("invalid = %+v", res.Invalid)
	}
}

func TestDetectBrandScope(t *testing.T) {
	suzuki := domain.OverviewListing{
		Identity: domain.VehicleIdentity{Provider: domain.ProviderAyvensNL, Make: "Suzuki", Model: "Swift", ListingRef: "sw"},
		Edition:  "Select",
	}
	toyota := domain.OverviewListing{
		Identity: domain.VehicleIdentity{Provider: domain.ProviderAyvensNL, Make: "toyota", Model: "Yaris", ListingRef: "ya"},
		Edition:  "Active",
	}
	cache := newCache(t, record(suzuki, now.Add(-time.Hour)))
	det := New(cache, emptyQueue{}, weekly, Options{Logger: quiet(), Brand: "Toyota"})

	// overview only lists Toyota; the cached Suzuki is out of scope and stays
	res, err := det.Detect(context.Background(), domain.ProviderAyvensNL, []domain.OverviewListing{toyota, suzuki}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.New) != 1 || res.New[0].ListingRef != "ya" || len(res.Removed) != 0 || len(res.Unchanged) != 0 {
		t.Fatalf("brand scope: %s", res.Summary())
	}
}

type failingCache struct{ offercache.Cache }

func (failingCache) ListProvider(context.Context, domain.Provider) ([]domain.OfferRecord, error) {
	return nil, errors.New("disk gone")
}

func TestDetectCacheError(t *testing.T) {
	det := New(failingCache{}, emptyQueue{}, nil, Options{Logger: quiet()})
	if _, err := det.Detect(context.Background(), domain.ProviderToyotaNL, nil, now); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseOverlap(t *testing.T) {
	for in, want := range map[string]Overlap{"": PreferChanged, "changed": PreferChanged, "Stale": PreferStale} {
		got, err := ParseOverlap(in)
		if err != nil || got != want {
			t.Errorf("ParseOverlap(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseOverlap("both"); err == nil {
		t.Error("expected error")
	}
}
