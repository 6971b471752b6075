package metrics

import (
	"context"
	"runtime"
	"time"
)

// Metric names exported by the lease queue.
const (
	ItemsCompleted = "leasequeue_items_completed_total"
	ItemsRequeued  = "leasequeue_items_requeued_total"
	ItemsFailed    = "leasequeue_items_failed_total"
	ItemsReleased  = "leasequeue_items_released_total"
	ScrapeDuration = "leasequeue_scrape_duration_seconds"
	QueueDepth     = "leasequeue_queue_depth"
	FailedDepth    = "leasequeue_failed_depth"
	Detected       = "leasequeue_detect_total"
	Removed        = "leasequeue_removed_total"
)

// Pipeline groups the per-provider metrics a worker or detector updates.
type Pipeline struct {
	reg *Registry
}

// NewPipeline binds the lease queue metric families to reg. A nil registry
// yields a Pipeline whose metrics are live but never exported.
func NewPipeline(reg *Registry) *Pipeline {
	if reg == nil {
		reg = New()
	}
	return &Pipeline{reg: reg}
}

// Registry returns the backing registry.
func (p *Pipeline) Registry() *Registry { return p.reg }

func (p *Pipeline) Completed(provider string) *Counter {
	return p.reg.Counter(WithLabels(ItemsCompleted, "provider", provider), "Full scrapes written to the offer cache.")
}

func (p *Pipeline) Requeued(provider string) *Counter {
	return p.reg.Counter(WithLabels(ItemsRequeued, "provider", provider), "Transient failures put back with backoff.")
}

func (p *Pipeline) Failed(provider string) *Counter {
	return p.reg.Counter(WithLabels(ItemsFailed, "provider", provider), "Items moved to the failed set.")
}

func (p *Pipeline) Released(provider string) *Counter {
	return p.reg.Counter(WithLabels(ItemsReleased, "provider", provider), "Claims dropped without an attempt.")
}

func (p *Pipeline) ScrapeLatency(provider string) *Histogram {
	return p.reg.Histogram(WithLabels(ScrapeDuration, "provider", provider), "Full scrape latency.", nil)
}

func (p *Pipeline) Depth(provider string) *Gauge {
	return p.reg.Gauge(WithLabels(QueueDepth, "provider", provider), "Pending queue items.")
}

func (p *Pipeline) FailedItems(provider string) *Gauge {
	return p.reg.Gauge(WithLabels(FailedDepth, "provider", provider), "Permanently failed items awaiting reset.")
}

func (p *Pipeline) Detect(provider, reason string) *Counter {
	return p.reg.Counter(WithLabels(Detected, "provider", provider, "reason", reason), "Change detector classifications.")
}

func (p *Pipeline) Removals(provider string) *Counter {
	return p.reg.Counter(WithLabels(Removed, "provider", provider), "Identities tombstoned after vanishing from the overview.")
}

// CollectRuntime samples goroutine count and heap usage into reg every
// interval until ctx is done.
func CollectRuntime(ctx context.Context, reg *Registry, interval time.Duration) {
	goroutines := reg.Gauge("leasequeue_goroutines", "Number of goroutines.")
	heap := reg.Gauge("leasequeue_heap_alloc_bytes", "Bytes of allocated heap objects.")
	sample := func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		goroutines.Set(int64(runtime.NumGoroutine()))
		heap.Set(int64(ms.HeapAlloc))
	}
	sample()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sample()
		}
	}
}
