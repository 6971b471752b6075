package incremental

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/config"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/offercache"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/provider"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/queue"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)) }

// siteScraper serves a mutable overview and echoes full scrapes.
type siteScraper struct {
	mu           sync.Mutex
	provider     domain.Provider
	listings     []domain.OverviewListing
	overviewErrs []error
	fullCalls    int
}

func (s *siteScraper) set(listings ...domain.OverviewListing) {
	s.mu.Lock()
	s.listings = listings
	s.mu.Unlock()
}

func (s *siteScraper) ListOverview(context.Context) ([]domain.OverviewListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overviewErrs) > 0 {
		err := s.overviewErrs[0]
		s.overviewErrs = s.overviewErrs[1:]
		return nil, err
	}
	return append([]domain.OverviewListing(nil), s.listings...), nil
}

func (s *siteScraper) ScrapeFull(_ context.Context, id domain.VehicleIdentity) (domain.OfferRecord, error) {
	s.mu.Lock()
	s.fullCalls++
	s.mu.Unlock()
	return domain.OfferRecord{
		Identity: id,
		Prices: domain.PriceMatrix{
			{PriceKey: domain.PriceKey{Months: 36, KmYear: 10000}, Monthly: 389},
			{PriceKey: domain.PriceKey{Months: 48, KmYear: 10000}, Monthly: 359},
		},
	}, nil
}

func (s *siteScraper) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullCalls
}

func listing(p domain.Provider, brand, model, ref, edition string) domain.OverviewListing {
	return domain.OverviewListing{
		Identity: domain.VehicleIdentity{Provider: p, Make: brand, Model: model, ListingRef: ref},
		Edition:  edition,
		URL:      "https://example.test/" + ref,
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (r *recordingPublisher) PublishMsg(m *nats.Msg) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) subjects() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, m := range r.msgs {
		out[m.Subject]++
	}
	return out
}

type fixture struct {
	engine *Engine
	cache  offercache.Cache
	queue  *queue.Queue
	toyota *siteScraper
	ayvens *siteScraper
	events *recordingPublisher
	now    time.Time
}

func fastProvider(name domain.Provider, brands ...string) config.Provider {
	p := config.DefaultProvider
	p.Name = name
	p.Brands = brands
	p.MinRequestDelay = 0
	p.BackoffBase = time.Millisecond
	p.BackoffMax = 5 * time.Millisecond
	return p
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		toyota: &siteScraper{provider: domain.ProviderToyotaNL},
		ayvens: &siteScraper{provider: domain.ProviderAyvensNL},
		events: &recordingPublisher{},
		now:    time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
	}
	cfg := config.Default()
	cfg.Providers = map[string]config.Provider{
		string(domain.ProviderToyotaNL): fastProvider(domain.ProviderToyotaNL, "Toyota"),
		string(domain.ProviderAyvensNL): fastProvider(domain.ProviderAyvensNL, "Toyota", "Suzuki"),
	}
	reg := provider.NewRegistry()
	_ = reg.Register(domain.ProviderToyotaNL, f.toyota)
	_ = reg.Register(domain.ProviderAyvensNL, f.ayvens)

	var err error
	if f.cache, err = offercache.OpenFile(t.TempDir(), offercache.Options{Logger: quiet()}); err != nil {
		t.Fatal(err)
	}
	now := func() time.Time { return f.now }
	if f.queue, err = queue.Open(t.TempDir(), queue.Options{Logger: quiet(), Now: now}); err != nil {
		t.Fatal(err)
	}
	f.engine, err = New(cfg, reg, f.cache, f.queue, Options{Logger: quiet(), Events: f.events, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func only(p domain.Provider) Selector { return Selector{Providers: []domain.Provider{p}} }

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.toyota.set(
		listing(domain.ProviderToyotaNL, "Toyota", "Aygo X", "a1", "Play"),
		listing(domain.ProviderToyotaNL, "Toyota", "Yaris", "y1", "Active"),
	)
	ctx := context.Background()

	first, err := f.engine.Apply(ctx, only(domain.ProviderToyotaNL))
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0].Inserted != 2 {
		t.Fatalf("first apply = %+v", first)
	}
	second, err := f.engine.Apply(ctx, only(domain.ProviderToyotaNL))
	if err != nil {
		t.Fatal(err)
	}
	if second[0].Inserted != 0 || len(second[0].AlreadyQueued) != 2 {
		t.Fatalf("second apply = %+v", second[0])
	}
	if f.queue.Size(domain.ProviderToyotaNL) != 2 {
		t.Fatalf("queue size = %d", f.queue.Size(domain.ProviderToyotaNL))
	}
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sel := only(domain.ProviderToyotaNL)
	f.toyota.set(
		listing(domain.ProviderToyotaNL, "Toyota", "Aygo X", "a1", "Play"),
		listing(domain.ProviderToyotaNL, "Toyota", "Yaris", "y1", "Active"),
	)

	res, err := f.engine.Run(ctx, sel, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Reports) != 1 || res.Reports[0].Completed != 2 {
		t.Fatalf("first run = %+v", res.Reports)
	}

	// nothing changed: no full scrapes
	f.now = f.now.Add(time.Hour)
	if _, err := f.engine.Run(ctx, sel, 0); err != nil {
		t.Fatal(err)
	}
	if f.toyota.calls() != 2 {
		t.Fatalf("full scrapes after unchanged run = %d", f.toyota.calls())
	}

	// yaris changed, aygo vanished
	f.toyota.set(listing(domain.ProviderToyotaNL, "Toyota", "Yaris", "y1", "Active Plus"))
	res, err = f.engine.Run(ctx, sel, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Applied[0]; len(got.Changed) != 1 || len(got.Removed) != 1 {
		t.Fatalf("third apply = %s", got.Summary())
	}
	recs, _ := f.cache.ListProvider(ctx, domain.ProviderToyotaNL)
	for _, r := range recs {
		switch r.Identity.ListingRef {
		case "a1":
			if !r.Removed {
				t.Error("vanished listing not tombstoned")
			}
		case "y1":
			if r.Version != 2 {
				t.Errorf("changed listing version = %d", r.Version)
			}
		}
	}

	// a week later everything still listed is stale
	f.now = f.now.Add(8 * 24 * time.Hour)
	res, err = f.engine.Run(ctx, sel, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied[0].Stale) != 1 || res.Reports[0].Completed != 1 {
		t.Fatalf("stale run = %s / %+v", res.Applied[0].Summary(), res.Reports[0])
	}
}

func TestDetectDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.toyota.set(listing(domain.ProviderToyotaNL, "Toyota", "Aygo X", "a1", "Play"))
	if _, err := f.engine.Run(ctx, only(domain.ProviderToyotaNL), 0); err != nil {
		t.Fatal(err)
	}

	f.toyota.set(listing(domain.ProviderToyotaNL, "Toyota", "bZ4X", "b1", "Pure"))
	res, err := f.engine.Detect(ctx, only(domain.ProviderToyotaNL))
	if err != nil {
		t.Fatal(err)
	}
	if len(res[0].New) != 1 || len(res[0].Removed) != 1 {
		t.Fatalf("detect = %s", res[0].Summary())
	}
	if f.queue.Size(domain.ProviderToyotaNL) != 0 {
		t.Fatal("detect enqueued work")
	}
	recs, _ := f.cache.ListProvider(ctx, domain.ProviderToyotaNL)
	if len(recs) != 1 || recs[0].Removed {
		t.Fatalf("detect touched the cache: %+v", recs)
	}
}

func TestOverviewRetriesTransient(t *testing.T) {
	f := newFixture(t)
	f.toyota.overviewErrs = []error{
		domain.Transient(domain.ProviderToyotaNL, "overview", errors.New("502")),
		domain.Transient(domain.ProviderToyotaNL, "overview", errors.New("timeout")),
	}
	f.toyota.set(listing(domain.ProviderToyotaNL, "Toyota", "Aygo X", "a1", "Play"))
	res, err := f.engine.Detect(context.Background(), only(domain.ProviderToyotaNL))
	if err != nil {
		t.Fatal(err)
	}
	if len(res[0].New) != 1 {
		t.Fatalf("detect = %s", res[0].Summary())
	}
}

func TestOverviewPermanentFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.toyota.overviewErrs = []error{domain.Permanent(domain.ProviderToyotaNL, "overview", errors.New("410"))}
	f.ayvens.set(listing(domain.ProviderAyvensNL, "Suzuki", "Swift", "s1", "Select"))

	res, err := f.engine.Apply(context.Background(), Selector{})
	if err == nil {
		t.Fatal("expected toyota error")
	}
	if len(res) != 1 || res[0].Provider != domain.ProviderAyvensNL || res[0].Inserted != 1 {
		t.Fatalf("other providers must still run: %+v", res)
	}
}

func TestBrandSelector(t *testing.T) {
	f := newFixture(t)
	f.toyota.set(listing(domain.ProviderToyotaNL, "Toyota", "Aygo X", "a1", "Play"))
	f.ayvens.set(
		listing(domain.ProviderAyvensNL, "Suzuki", "Swift", "s1", "Select"),
		listing(domain.ProviderAyvensNL, "Toyota", "Corolla", "c1", "Dynamic"),
	)

	res, err := f.engine.Apply(context.Background(), Selector{Brand: "suzuki"})
	if err != nil {
		t.Fatal(err)
	}
	// toyota_nl carries no Suzuki; ayvens only gets its Suzuki listing
	if len(res) != 1 || res[0].Provider != domain.ProviderAyvensNL || res[0].Inserted != 1 {
		t.Fatalf("brand apply = %+v", res)
	}
	if f.queue.Size(domain.ProviderToyotaNL) != 0 {
		t.Fatal("toyota_nl should not be touched")
	}
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t)
	f.toyota.set(listing(domain.ProviderToyotaNL, "Toyota", "Aygo X", "a1", "Play"))
	if _, err := f.engine.Run(context.Background(), only(domain.ProviderToyotaNL), 0); err != nil {
		t.Fatal(err)
	}
	got := f.events.subjects()
	if got[SubjectDetectResult] != 1 || got[SubjectRunReport] != 1 {
		t.Fatalf("subjects = %v", got)
	}
}

func TestResetAddAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := domain.VehicleIdentity{Provider: domain.ProviderToyotaNL, Make: "toyota", Model: "Aygo X", ListingRef: "a1"}

	out, err := f.engine.Add(ctx, id)
	if err != nil || out != queue.Inserted {
		t.Fatalf("add = %v, %v", out, err)
	}
	item, ok, _ := f.queue.DequeueNext(ctx, domain.ProviderToyotaNL)
	if !ok || item.Reason != domain.ReasonManual || item.Identity.Country != "NL" || item.Identity.Make != "Toyota" {
		t.Fatalf("manual item = %+v", item)
	}
	if err := f.queue.Fail(ctx, item, domain.ClassPermanent, errors.New("404")); err != nil {
		t.Fatal(err)
	}

	failed, _ := f.engine.Failed(only(domain.ProviderToyotaNL))
	if len(failed) != 1 {
		t.Fatalf("failed = %+v", failed)
	}
	if _, err := f.engine.Reset(ctx, domain.ProviderToyotaNL, "nope"); err == nil {
		t.Fatal("reset of unknown ref should fail")
	}
	if n, err := f.engine.Reset(ctx, domain.ProviderToyotaNL, "a1"); err != nil || n != 1 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	if n, err := f.engine.Clear(ctx, domain.ProviderToyotaNL); err != nil || n != 1 {
		t.Fatalf("clear = %d, %v", n, err)
	}

	if _, err := f.engine.Add(ctx, domain.VehicleIdentity{Provider: "nowhere_xx", Make: "x", Model: "y", ListingRef: "z"}); !errors.Is(err, domain.ErrUnknownProvider) {
		t.Fatalf("add unknown provider: %v", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.toyota.set(
		listing(domain.ProviderToyotaNL, "Toyota", "Aygo X", "a1", "Play"),
		listing(domain.ProviderToyotaNL, "Toyota", "Yaris", "y1", "Active"),
	)
	if _, err := f.engine.Run(ctx, only(domain.ProviderToyotaNL), 1); err != nil {
		t.Fatal(err)
	}
	st, err := f.engine.Status(ctx, only(domain.ProviderToyotaNL))
	if err != nil {
		t.Fatal(err)
	}
	if len(st) != 1 || st[0].Cached != 1 || st[0].Pending != 1 || st[0].Stale != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestUnknownProviderSelector(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Drain(context.Background(), only("leasys_nl"), 0); !errors.Is(err, domain.ErrUnknownProvider) {
		t.Fatalf("err = %v", err)
	}
}
