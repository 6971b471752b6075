// Package incremental wires the detector, queue, worker and offer cache into
// the operator entry points: detect, apply, drain and their housekeeping.
package incremental

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/config"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/detect"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/freshness"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/offercache"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/provider"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/queue"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/worker"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/fn"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/metrics"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/natsutil"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/resilience"
)

// Options are the optional collaborators of an Engine.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Pipeline
	// Events receives run reports, detection results and failures. Nil
	// disables publishing.
	Events natsutil.MsgPublisher
	// Now and Sleep are replaceable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Selector picks the providers an operation covers. An empty Providers list
// means every enabled provider; Brand narrows multi-brand providers.
type Selector struct {
	Providers []domain.Provider
	Brand     string
}

// Engine runs the incremental pipeline across providers.
type Engine struct {
	cfg      config.Config
	registry *provider.Registry
	cache    offercache.Cache
	queue    *queue.Queue
	overlap  detect.Overlap
	opts     Options
	log      *slog.Logger

	mu       sync.Mutex
	gates    map[domain.Provider]*resilience.Gate
	breakers map[domain.Provider]*resilience.Breaker
}

// New validates cfg and returns an Engine.
func New(cfg config.Config, registry *provider.Registry, cache offercache.Cache, q *queue.Queue, opts Options) (*Engine, error) {
	overlap, err := detect.ParseOverlap(cfg.Overlap)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewPipeline(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		queue:    q,
		overlap:  overlap,
		opts:     opts,
		log:      opts.Logger,
		gates:    make(map[domain.Provider]*resilience.Gate),
		breakers: make(map[domain.Provider]*resilience.Breaker),
	}, nil
}

// providers resolves sel to provider configs, skipping providers that do
// not carry the selected brand.
func (e *Engine) providers(sel Selector) ([]config.Provider, error) {
	var out []config.Provider
	if len(sel.Providers) == 0 {
		out = e.cfg.Enabled()
	} else {
		for _, name := range sel.Providers {
			p, err := e.cfg.Provider(name)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	if sel.Brand == "" {
		return out, nil
	}
	want := domain.CanonicalMake(sel.Brand)
	return fn.Filter(out, func(p config.Provider) bool {
		return len(p.Brands) == 0 || slices.ContainsFunc(p.Brands, func(b string) bool {
			return strings.EqualFold(domain.CanonicalMake(b), want)
		})
	}), nil
}

func (e *Engine) gate(p config.Provider) *resilience.Gate {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[p.Name]
	if !ok {
		g = resilience.NewGate(p.MinRequestDelay)
		e.gates[p.Name] = g
	}
	return g
}

func (e *Engine) breaker(p config.Provider) *resilience.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[p.Name]
	if !ok {
		b = worker.NewBreaker(p)
		e.breakers[p.Name] = b
	}
	return b
}

func (e *Engine) policies(p domain.Provider) freshness.Policy {
	cfg, err := e.cfg.Provider(p)
	if err != nil {
		return freshness.Policy{MaxAge: freshness.DefaultMaxAge}
	}
	return freshness.New(cfg)
}

// overview fetches a provider overview through the gate, retrying transient
// failures with the provider's backoff.
func (e *Engine) overview(ctx context.Context, p config.Provider) ([]domain.OverviewListing, error) {
	s, err := e.registry.Get(p.Name)
	if err != nil {
		return nil, err
	}
	fetch := resilience.GateStage(e.gate(p), func(ctx context.Context, _ struct{}) fn.Result[[]domain.OverviewListing] {
		return fn.FromPair(s.ListOverview(ctx))
	})
	traced := fn.TracedStage("incremental.overview", fetch)
	opts := fn.RetryOpts{
		MaxAttempts: p.MaxRetries + 1,
		InitialWait: p.BackoffBase,
		MaxWait:     p.BackoffMax,
		Retryable:   func(err error) bool { return domain.Classify(err) == domain.ClassTransient },
	}
	return fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[[]domain.OverviewListing] {
		return traced(ctx, struct{}{})
	}).Unwrap()
}

func (e *Engine) detector(sel Selector, dryRun bool) *detect.Detector {
	return detect.New(e.cache, e.queue, e.policies, detect.Options{
		DryRun:  dryRun,
		Overlap: e.overlap,
		Brand:   sel.Brand,
		Logger:  e.log,
		Metrics: e.opts.Metrics,
	})
}

// perProvider runs f for every selected provider concurrently and joins
// the errors. Results keep the provider order.
func perProvider[T any](e *Engine, sel Selector, f func(config.Provider) (T, error)) ([]T, error) {
	provs, err := e.providers(sel)
	if err != nil {
		return nil, err
	}
	type outcome struct {
		val T
		err error
	}
	fns := fn.Map(provs, func(p config.Provider) func() outcome {
		return func() outcome {
			v, err := f(p)
			if err != nil {
				err = fmt.Errorf("%s: %w", p.Name, err)
			}
			return outcome{v, err}
		}
	})
	var out []T
	var errs []error
	for _, o := range fn.FanOut(fns...) {
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		out = append(out, o.val)
	}
	return out, errors.Join(errs...)
}

// Detect fetches each overview and classifies it without mutating anything.
func (e *Engine) Detect(ctx context.Context, sel Selector) ([]detect.Result, error) {
	det := e.detector(sel, true)
	return perProvider(e, sel, func(p config.Provider) (detect.Result, error) {
		ov, err := e.overview(ctx, p)
		if err != nil {
			return detect.Result{}, err
		}
		res, err := det.Detect(ctx, p.Name, ov, e.opts.Now())
		if err != nil {
			return res, err
		}
		e.publish(ctx, SubjectDetectResult, res)
		return res, nil
	})
}

// ApplyResult is a detection pass plus what the queue did with its items.
type ApplyResult struct {
	detect.Result
	Inserted  int `json:"inserted"`
	Upgraded  int `json:"upgraded"`
	Unchanged int `json:"unchanged"`
	Rejected  int `json:"rejected"`
}

// Apply fetches each overview, tombstones removed identities and enqueues
// the detected work. Applying the same overview twice enqueues nothing new.
func (e *Engine) Apply(ctx context.Context, sel Selector) ([]ApplyResult, error) {
	det := e.detector(sel, false)
	return perProvider(e, sel, func(p config.Provider) (ApplyResult, error) {
		ov, err := e.overview(ctx, p)
		if err != nil {
			return ApplyResult{}, err
		}
		res, err := det.Detect(ctx, p.Name, ov, e.opts.Now())
		if err != nil {
			return ApplyResult{Result: res}, err
		}
		ar, err := e.enqueue(ctx, res)
		e.publish(ctx, SubjectDetectResult, res)
		return ar, err
	})
}

func (e *Engine) enqueue(ctx context.Context, res detect.Result) (ApplyResult, error) {
	ar := ApplyResult{Result: res}
	for _, it := range res.Items {
		out, err := e.queue.Enqueue(ctx, it)
		if err != nil {
			return ar, err
		}
		switch out {
		case queue.Inserted:
			ar.Inserted++
		case queue.Upgraded:
			ar.Upgraded++
		case queue.Unchanged:
			ar.Unchanged++
		case queue.Rejected:
			ar.Rejected++
		}
	}
	e.log.Info("apply: enqueued", "provider", res.Provider, "inserted", ar.Inserted,
		"upgraded", ar.Upgraded, "rejected", ar.Rejected, "queue_size", e.queue.Size(res.Provider))
	return ar, nil
}

// Drain processes up to limit queue items per provider (0 = all). Providers
// drain in parallel with independent budgets.
func (e *Engine) Drain(ctx context.Context, sel Selector, limit int) ([]worker.Report, error) {
	return perProvider(e, sel, func(p config.Provider) (worker.Report, error) {
		s, err := e.registry.Get(p.Name)
		if err != nil {
			return worker.Report{}, err
		}
		w := worker.New(p, worker.Deps{
			Scraper: s,
			Queue:   e.queue,
			Cache:   e.cache,
			Gate:    e.gate(p),
			Breaker: e.breaker(p),
			Metrics: e.opts.Metrics,
			Logger:  e.log,
			Now:     e.opts.Now,
			Sleep:   e.opts.Sleep,
		})
		rep, err := w.Drain(ctx, limit)
		for _, f := range rep.Failures {
			e.publish(ctx, SubjectItemFailed, f)
		}
		e.publish(ctx, SubjectRunReport, rep)
		return rep, err
	})
}

// RunResult is one Apply followed by one Drain.
type RunResult struct {
	Applied []ApplyResult   `json:"applied"`
	Reports []worker.Report `json:"reports"`
}

// Run applies the overview and then drains. A provider whose overview failed
// is still drained so previously queued work makes progress.
func (e *Engine) Run(ctx context.Context, sel Selector, limit int) (RunResult, error) {
	applied, aerr := e.Apply(ctx, sel)
	if aerr != nil {
		e.log.Error("run: apply", "error", aerr)
	}
	reports, derr := e.Drain(ctx, sel, limit)
	return RunResult{Applied: applied, Reports: reports}, errors.Join(aerr, derr)
}

// Watch repeats Run every interval until ctx is done.
func (e *Engine) Watch(ctx context.Context, sel Selector, interval time.Duration, limit int, onRun func(RunResult, error)) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		res, err := e.Run(ctx, sel, limit)
		if onRun != nil {
			onRun(res, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// ProviderStatus combines the queue and cache view of one provider.
type ProviderStatus struct {
	queue.Stats
	Cached  int `json:"cached"`
	Removed int `json:"removed"`
	Stale   int `json:"stale"`
}

// Status reports queue and cache counts per provider.
func (e *Engine) Status(ctx context.Context, sel Selector) ([]ProviderStatus, error) {
	provs, err := e.providers(sel)
	if err != nil {
		return nil, err
	}
	now := e.opts.Now()
	var out []ProviderStatus
	for _, p := range provs {
		st := ProviderStatus{Stats: e.queue.Stats(p.Name)}
		recs, err := e.cache.ListProvider(ctx, p.Name)
		if err != nil {
			return out, fmt.Errorf("status %s: %w", p.Name, err)
		}
		policy := freshness.New(p)
		for _, r := range recs {
			switch {
			case r.Removed:
				st.Removed++
			case policy.IsStale(r.ScrapedAt, now):
				st.Cached++
				st.Stale++
			default:
				st.Cached++
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// Failed lists the failed set of the selected providers.
func (e *Engine) Failed(sel Selector) ([]domain.FailedItem, error) {
	provs, err := e.providers(sel)
	if err != nil {
		return nil, err
	}
	var out []domain.FailedItem
	for _, p := range provs {
		out = append(out, e.queue.Failed(p.Name)...)
	}
	return out, nil
}

// Reset moves failed items of p back to pending. ref selects one item by
// identity key or listing ref; an empty ref resets all of them.
func (e *Engine) Reset(ctx context.Context, p domain.Provider, ref string) (int, error) {
	if ref == "" {
		return e.queue.ResetAll(ctx, p)
	}
	for _, f := range e.queue.Failed(p) {
		id := f.Item.Identity
		if id.Key() != ref && id.ListingRef != ref {
			continue
		}
		ok, err := e.queue.Reset(ctx, id)
		if err != nil || !ok {
			return 0, err
		}
		return 1, nil
	}
	return 0, fmt.Errorf("reset %s: no failed item %q", p, ref)
}

// Clear drops the pending items of p.
func (e *Engine) Clear(ctx context.Context, p domain.Provider) (int, error) {
	n, err := e.queue.Clear(ctx, p)
	if err == nil {
		e.log.Info("queue cleared", "provider", p, "removed", n)
	}
	return n, err
}

// Add queues a manual refresh of id. The cached fingerprint is kept so the
// next detection does not see the refresh as a change.
func (e *Engine) Add(ctx context.Context, id domain.VehicleIdentity) (queue.Outcome, error) {
	if _, err := e.cfg.Provider(id.Provider); err != nil {
		return queue.Unchanged, err
	}
	if id.Country == "" {
		id.Country = domain.KnownProviders[id.Provider].Country
	}
	id.Make = domain.CanonicalMake(id.Make)
	var fp domain.Fingerprint
	rec, err := e.cache.Get(ctx, id)
	switch {
	case err == nil:
		fp = rec.FingerprintAtScrape
	case !errors.Is(err, offercache.ErrNotFound):
		return queue.Unchanged, err
	}
	return e.queue.Enqueue(ctx, domain.NewQueueItem(id, domain.ReasonManual, fp, e.opts.Now()))
}
