// Package worker drains one provider's scrape queue into the offer cache with
// bounded concurrency, a minimum request interval, a circuit breaker and
// exponential backoff for transient failures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/config"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/offercache"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/provider"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/queue"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/fn"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/metrics"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/resilience"
)

// Queue is the part of the scrape queue a worker drives.
type Queue interface {
	DequeueNext(ctx context.Context, p domain.Provider) (domain.QueueItem, bool, error)
	Complete(ctx context.Context, item domain.QueueItem) error
	Requeue(ctx context.Context, item domain.QueueItem, notBefore time.Time, cause error) error
	Fail(ctx context.Context, item domain.QueueItem, class domain.ErrorClass, cause error) error
	Release(ctx context.Context, item domain.QueueItem) error
	NextEligible(p domain.Provider) (time.Time, bool)
	Stats(p domain.Provider) queue.Stats
}

// Deps are the collaborators of a Worker. Gate and Breaker are shared by
// every run of the same provider; nil values are built from the config.
type Deps struct {
	Scraper provider.Scraper
	Queue   Queue
	Cache   offercache.Cache
	Gate    *resilience.Gate
	Breaker *resilience.Breaker
	Metrics *metrics.Pipeline
	Logger  *slog.Logger
	// Now and Sleep are replaceable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Report is the outcome of one Drain.
type Report struct {
	Provider  domain.Provider     `json:"provider"`
	Completed int                 `json:"completed"`
	Requeued  int                 `json:"requeued"`
	Failed    int                 `json:"failed"`
	Released  int                 `json:"released"`
	Failures  []domain.FailedItem `json:"failures,omitempty"`
	// BreakerOpen is set when the run stopped because the provider's
	// circuit breaker rejected a call.
	BreakerOpen bool          `json:"breaker_open,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

func (r Report) String() string {
	return fmt.Sprintf("%s: completed %d, requeued %d, failed %d, released %d",
		r.Provider, r.Completed, r.Requeued, r.Failed, r.Released)
}

// Worker processes the queue of one provider.
type Worker struct {
	cfg  config.Provider
	deps Deps
	log  *slog.Logger
}

// New builds a worker for cfg.Name.
func New(cfg config.Provider, deps Deps) *Worker {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if deps.Gate == nil {
		deps.Gate = resilience.NewGate(cfg.MinRequestDelay)
	}
	if deps.Breaker == nil {
		deps.Breaker = NewBreaker(cfg)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewPipeline(nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleep
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{cfg: cfg, deps: deps, log: log.With("provider", cfg.Name)}
}

// NewBreaker returns the breaker for a provider. Only transient failures
// count against it.
func NewBreaker(cfg config.Provider) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: cfg.BreakerFailures,
		Timeout:       cfg.BreakerCooldown,
		HalfOpenMax:   1,
		Trips:         func(err error) bool { return domain.Classify(err) == domain.ClassTransient },
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run is the mutable state of one Drain.
type run struct {
	mu     sync.Mutex
	report Report
	stop   atomic.Bool
}

func (r *run) add(f func(*Report)) {
	r.mu.Lock()
	f(&r.report)
	r.mu.Unlock()
}

// Drain dequeues and processes up to limit items (0 means until the queue
// is empty). When only backed-off items remain it sleeps until the earliest
// one is due. Cancellation stops dispatching; scrapes already started run
// to completion.
func (w *Worker) Drain(ctx context.Context, limit int) (Report, error) {
	start := w.deps.Now()
	r := &run{report: Report{Provider: w.cfg.Name}}
	slots := make(chan struct{}, w.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	var runErr error

	// in-flight scrapes must not be cut off by ctx
	work := context.WithoutCancel(ctx)
	dispatched := 0
	for runErr == nil && !r.stop.Load() && (limit <= 0 || dispatched < limit) {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			runErr = ctx.Err()
			continue
		}
		if r.stop.Load() {
			<-slots
			break
		}
		if err := w.deps.Gate.Wait(ctx); err != nil {
			<-slots
			runErr = err
			continue
		}
		item, ok, err := w.deps.Queue.DequeueNext(ctx, w.cfg.Name)
		if err != nil {
			<-slots
			runErr = err
			continue
		}
		if !ok {
			<-slots
			// let in-flight items settle; they may come back with a backoff
			wg.Wait()
			more, err := w.waitEligible(ctx)
			if err != nil {
				runErr = err
			}
			if !more {
				break
			}
			continue
		}

		dispatched++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			w.process(work, r, item)
		}()
	}
	wg.Wait()

	r.report.Elapsed = w.deps.Now().Sub(start)
	w.publishDepth()
	w.log.Info("worker: drain finished", "completed", r.report.Completed, "requeued", r.report.Requeued,
		"failed", r.report.Failed, "released", r.report.Released, "breaker_open", r.report.BreakerOpen)
	return r.report, runErr
}

// waitEligible sleeps until the next backed-off item is due. It reports
// false when no unclaimed item is left.
func (w *Worker) waitEligible(ctx context.Context) (bool, error) {
	at, ok := w.deps.Queue.NextEligible(w.cfg.Name)
	if !ok {
		return false, nil
	}
	d := at.Sub(w.deps.Now())
	if d <= 0 {
		return true, nil
	}
	w.log.Debug("worker: waiting for backoff", "until", at, "wait", d)
	if err := w.deps.Sleep(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

// process scrapes one claimed item and resolves its claim.
func (w *Worker) process(ctx context.Context, r *run, item domain.QueueItem) {
	p := string(w.cfg.Name)
	log := w.log.With("key", item.Identity.Key(), "reason", item.Reason, "attempt", item.Attempts+1)

	scrape := resilience.BreakerStage(w.deps.Breaker, func(ctx context.Context, id domain.VehicleIdentity) fn.Result[domain.OfferRecord] {
		return fn.FromPair(w.deps.Scraper.ScrapeFull(ctx, id))
	})
	stage := fn.TracedStage("worker.scrape_full", fn.Then(scrape, w.storeStage(item)))

	began := time.Now()
	_, err := stage(ctx, item.Identity).Unwrap()
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		w.deps.Metrics.ScrapeLatency(p).Since(began)
	}

	switch {
	case err == nil:
		if cerr := w.deps.Queue.Complete(ctx, item); cerr != nil {
			log.Error("worker: complete", "error", cerr)
			return
		}
		w.deps.Metrics.Completed(p).Inc()
		r.add(func(rep *Report) { rep.Completed++ })
		log.Info("worker: scraped")

	case errors.Is(err, resilience.ErrCircuitOpen):
		r.stop.Store(true)
		if rerr := w.deps.Queue.Release(ctx, item); rerr != nil {
			log.Error("worker: release", "error", rerr)
			return
		}
		w.deps.Metrics.Released(p).Inc()
		r.add(func(rep *Report) { rep.Released++; rep.BreakerOpen = true })
		log.Warn("worker: circuit open, stopping run")

	default:
		w.resolveFailure(ctx, r, item, err, log)
	}
}

// storeStage completes a scraped record from the queue item, validates it
// and writes it to the cache.
func (w *Worker) storeStage(item domain.QueueItem) fn.Stage[domain.OfferRecord, domain.OfferRecord] {
	return func(ctx context.Context, rec domain.OfferRecord) fn.Result[domain.OfferRecord] {
		if rec.Identity == (domain.VehicleIdentity{}) {
			rec.Identity = item.Identity
		}
		if rec.Identity.Country == "" {
			rec.Identity.Country = item.Identity.Country
		}
		if rec.ScrapedAt.IsZero() {
			rec.ScrapedAt = w.deps.Now()
		}
		if rec.Currency == "" {
			rec.Currency = w.currency()
		}
		rec.FingerprintAtScrape = item.Fingerprint
		if err := domain.ValidateOffer(rec, item.Identity); err != nil {
			return fn.Err[domain.OfferRecord](err)
		}
		v, err := w.deps.Cache.Put(ctx, rec)
		if err != nil {
			return fn.Err[domain.OfferRecord](domain.Transient(w.cfg.Name, "cache_put", err))
		}
		rec.Version = v
		return fn.Ok(rec)
	}
}

func (w *Worker) currency() string {
	if w.cfg.Currency != "" {
		return w.cfg.Currency
	}
	if d, ok := domain.KnownProviders[w.cfg.Name]; ok && d.Currency != "" {
		return d.Currency
	}
	return "EUR"
}

// resolveFailure requeues a transient failure with backoff while retries
// remain, and moves everything else to the failed set.
func (w *Worker) resolveFailure(ctx context.Context, r *run, item domain.QueueItem, err error, log *slog.Logger) {
	p := string(w.cfg.Name)
	class := domain.Classify(err)
	attempt := item.Attempts + 1

	if class == domain.ClassTransient && attempt <= w.cfg.MaxRetries {
		delay := fn.Backoff(w.cfg.BackoffBase, w.cfg.BackoffMax, attempt)
		if hint := domain.RetryAfter(err); hint > delay {
			delay = hint
		}
		if qerr := w.deps.Queue.Requeue(ctx, item, w.deps.Now().Add(delay), err); qerr != nil {
			log.Error("worker: requeue", "error", qerr)
			return
		}
		w.deps.Metrics.Requeued(p).Inc()
		r.add(func(rep *Report) { rep.Requeued++ })
		log.Warn("worker: transient failure, backing off", "delay", delay, "error", err)
		return
	}

	cause := err
	if class == domain.ClassTransient {
		cause = fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err)
	}
	if qerr := w.deps.Queue.Fail(ctx, item, class, cause); qerr != nil {
		log.Error("worker: fail", "error", qerr)
		return
	}
	failed := item
	failed.Attempts = attempt
	failed.LastError = cause.Error()
	failed.ClaimToken, failed.ClaimedAt = "", time.Time{}
	w.deps.Metrics.Failed(p).Inc()
	r.add(func(rep *Report) {
		rep.Failed++
		rep.Failures = append(rep.Failures, domain.FailedItem{Item: failed, Class: class, Error: cause.Error(), FailedAt: w.deps.Now()})
	})
	log.Error("worker: item failed", "class", class, "error", cause)
}

func (w *Worker) publishDepth() {
	st := w.deps.Queue.Stats(w.cfg.Name)
	p := string(w.cfg.Name)
	w.deps.Metrics.Depth(p).Set(int64(st.Pending + st.BackingOff + st.InProgress))
	w.deps.Metrics.FailedItems(p).Set(int64(st.Failed))
}
