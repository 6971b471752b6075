// Package queue is the persistent, per-provider priority queue of full-scrape
// work. Each provider is a partition with its own lock and its own snapshot
// file; every mutation rewrites that file atomically before it returns.
//
// Items are unique per identity. A claimed item belongs to exactly one worker
// until it is completed, requeued, failed or released. Claims that were never
// resolved (the process died) are returned to pending by Open.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

var (
	// ErrNotClaimed is returned when an item is resolved without holding its claim.
	ErrNotClaimed = errors.New("queue: item not claimed by caller")
)

// Outcome reports what Enqueue did.
type Outcome int

const (
	Inserted Outcome = iota
	Upgraded
	Unchanged
	// Rejected means the identity is in the failed set and needs a Reset.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Upgraded:
		return "upgraded"
	case Unchanged:
		return "unchanged"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Options configures a Queue.
type Options struct {
	Logger *slog.Logger
	// Now and NewToken are replaceable for tests.
	Now      func() time.Time
	NewToken func() string
}

// Stats summarizes one partition.
type Stats struct {
	Provider   domain.Provider `json:"provider"`
	Pending    int             `json:"pending"`
	InProgress int             `json:"in_progress"`
	BackingOff int             `json:"backing_off"`
	Failed     int             `json:"failed"`
	ByReason   map[string]int  `json:"by_reason"`
}

// Queue holds one partition per provider.
type Queue struct {
	dir  string
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	parts map[domain.Provider]*partition
}

// Open loads every partition found in dir and recovers abandoned claims.
func Open(dir string, opts Options) (*Queue, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewToken == nil {
		opts.NewToken = uuid.NewString
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue: create %s: %w", dir, err)
	}
	q := &Queue{dir: dir, opts: opts, log: log, parts: make(map[domain.Provider]*partition)}

	files, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("queue: scan %s: %w", dir, err)
	}
	sort.Strings(files)
	for _, f := range files {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), filePrefix), fileSuffix)
		p, err := q.load(domain.Provider(name), f)
		if err != nil {
			return nil, err
		}
		q.parts[p.provider] = p
	}
	return q, nil
}

func (q *Queue) partition(p domain.Provider) *partition {
	q.mu.Lock()
	defer q.mu.Unlock()
	part, ok := q.parts[p]
	if !ok {
		part = newPartition(p, q.pathFor(p))
		q.parts[p] = part
	}
	return part
}

// Providers returns the providers that have a partition, sorted.
func (q *Queue) Providers() []domain.Provider {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Provider, 0, len(q.parts))
	for p := range q.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Enqueue adds item, or upgrades the pending item for the same identity when
// item has a higher priority (lower number). Priority and EnqueuedAt default
// from the reason and the clock.
func (q *Queue) Enqueue(ctx context.Context, item domain.QueueItem) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Unchanged, err
	}
	if err := domain.ValidateIdentity(item.Identity); err != nil {
		return Unchanged, err
	}
	if item.Priority == 0 {
		item.Priority = item.Reason.Priority()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.opts.Now()
	}
	item.ClaimToken, item.ClaimedAt = "", time.Time{}

	p := q.partition(item.Identity.Provider)
	key := item.Identity.Key()
	var out Outcome
	err := p.mutate(func(s *state) bool {
		if _, failed := s.failed[key]; failed {
			out = Rejected
			return false
		}
		cur, ok := s.items[key]
		if !ok {
			s.items[key] = item
			out = Inserted
			return true
		}
		if item.Priority < cur.Priority {
			cur.Priority = item.Priority
			cur.Reason = item.Reason
			cur.Fingerprint = item.Fingerprint
			s.items[key] = cur
			out = Upgraded
			return true
		}
		out = Unchanged
		return false
	})
	if err != nil {
		return Unchanged, err
	}
	if out == Upgraded {
		q.log.Debug("queue: upgraded", "provider", item.Identity.Provider, "key", key, "reason", item.Reason)
	}
	return out, nil
}

// DequeueNext claims the best eligible item of provider: lowest priority
// number, then oldest EnqueuedAt, then identity key, among unclaimed items
// whose backoff has elapsed. ok is false when nothing is eligible.
func (q *Queue) DequeueNext(ctx context.Context, provider domain.Provider) (item domain.QueueItem, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return item, false, err
	}
	now := q.opts.Now()
	p := q.partition(provider)
	err = p.mutate(func(s *state) bool {
		var best domain.QueueItem
		found := false
		for _, it := range s.items {
			if it.Claimed() || it.NotBefore.After(now) {
				continue
			}
			if !found || it.Less(best) {
				best, found = it, true
			}
		}
		if !found {
			return false
		}
		best.ClaimToken = q.opts.NewToken()
		best.ClaimedAt = now
		s.items[best.Identity.Key()] = best
		item, ok = best, true
		return true
	})
	if err != nil {
		return domain.QueueItem{}, false, err
	}
	return item, ok, nil
}

// claimed returns the stored item when the caller's claim token matches.
func claimed(s *state, item domain.QueueItem) (domain.QueueItem, error) {
	cur, ok := s.items[item.Identity.Key()]
	if !ok || !cur.Claimed() || cur.ClaimToken != item.ClaimToken {
		return cur, fmt.Errorf("%w: %s", ErrNotClaimed, item.Identity.Key())
	}
	return cur, nil
}

// Complete removes a successfully scraped item.
func (q *Queue) Complete(_ context.Context, item domain.QueueItem) error {
	return q.partition(item.Identity.Provider).mutateErr(func(s *state) error {
		if _, err := claimed(s, item); err != nil {
			return err
		}
		delete(s.items, item.Identity.Key())
		return nil
	})
}

// Requeue releases the claim after a transient failure, counts the attempt
// and defers the item until notBefore. Reason and priority are kept.
func (q *Queue) Requeue(_ context.Context, item domain.QueueItem, notBefore time.Time, cause error) error {
	return q.partition(item.Identity.Provider).mutateErr(func(s *state) error {
		cur, err := claimed(s, item)
		if err != nil {
			return err
		}
		cur.Attempts++
		cur.NotBefore = notBefore
		cur.LastError = errString(cause)
		cur.ClaimToken, cur.ClaimedAt = "", time.Time{}
		s.items[cur.Identity.Key()] = cur
		return nil
	})
}

// Fail moves a claimed item to the failed set. It is not retried until Reset.
func (q *Queue) Fail(_ context.Context, item domain.QueueItem, class domain.ErrorClass, cause error) error {
	now := q.opts.Now()
	err := q.partition(item.Identity.Provider).mutateErr(func(s *state) error {
		cur, err := claimed(s, item)
		if err != nil {
			return err
		}
		key := cur.Identity.Key()
		delete(s.items, key)
		cur.Attempts++
		cur.LastError = errString(cause)
		cur.ClaimToken, cur.ClaimedAt = "", time.Time{}
		s.failed[key] = domain.FailedItem{Item: cur, Class: class, Error: cur.LastError, FailedAt: now}
		return nil
	})
	if err == nil {
		q.log.Warn("queue: item failed", "provider", item.Identity.Provider, "key", item.Identity.Key(), "class", class, "error", cause)
	}
	return err
}

// Release drops a claim without counting an attempt, e.g. when the scrape
// was never started.
func (q *Queue) Release(_ context.Context, item domain.QueueItem) error {
	return q.partition(item.Identity.Provider).mutateErr(func(s *state) error {
		cur, err := claimed(s, item)
		if err != nil {
			return err
		}
		cur.ClaimToken, cur.ClaimedAt = "", time.Time{}
		s.items[cur.Identity.Key()] = cur
		return nil
	})
}

// Reset moves a failed identity back to pending as a manual item with a
// clean attempt count. It reports whether the identity was in the failed set.
func (q *Queue) Reset(_ context.Context, id domain.VehicleIdentity) (bool, error) {
	now := q.opts.Now()
	key := id.Key()
	var found bool
	err := q.partition(id.Provider).mutate(func(s *state) bool {
		f, ok := s.failed[key]
		if !ok {
			return false
		}
		delete(s.failed, key)
		item := domain.NewQueueItem(f.Item.Identity, domain.ReasonManual, f.Item.Fingerprint, now)
		if cur, pending := s.items[key]; pending && cur.Priority <= item.Priority {
			item = cur
		}
		s.items[key] = item
		found = true
		return true
	})
	return found, err
}

// ResetAll resets every failed item of provider and returns how many moved.
func (q *Queue) ResetAll(ctx context.Context, provider domain.Provider) (int, error) {
	n := 0
	for _, f := range q.Failed(provider) {
		ok, err := q.Reset(ctx, f.Item.Identity)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Clear drops every unclaimed pending item of provider. In-flight items and
// the failed set are kept.
func (q *Queue) Clear(_ context.Context, provider domain.Provider) (int, error) {
	n := 0
	err := q.partition(provider).mutate(func(s *state) bool {
		for k, it := range s.items {
			if !it.Claimed() {
				delete(s.items, k)
				n++
			}
		}
		return n > 0
	})
	return n, err
}

// Pending returns the queued item for id, if any.
func (q *Queue) Pending(provider domain.Provider, id domain.VehicleIdentity) (domain.QueueItem, bool) {
	p := q.partition(provider)
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.st.items[id.Key()]
	return it, ok
}

// IsFailed reports whether id is in the failed set.
func (q *Queue) IsFailed(id domain.VehicleIdentity) bool {
	p := q.partition(id.Provider)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.st.failed[id.Key()]
	return ok
}

// Size returns the number of items queued for provider, claimed included.
func (q *Queue) Size(provider domain.Provider) int {
	p := q.partition(provider)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.st.items)
}

// Peek returns the queued items of provider in selection order.
func (q *Queue) Peek(provider domain.Provider) []domain.QueueItem {
	p := q.partition(provider)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.sortedItems()
}

// Failed returns the failed items of provider, oldest failure first.
func (q *Queue) Failed(provider domain.Provider) []domain.FailedItem {
	p := q.partition(provider)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.sortedFailed()
}

// NextEligible returns the earliest time an unclaimed item of provider can be
// dequeued. ok is false when no unclaimed item exists.
func (q *Queue) NextEligible(provider domain.Provider) (at time.Time, ok bool) {
	p := q.partition(provider)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range p.st.items {
		if it.Claimed() {
			continue
		}
		if !ok || it.NotBefore.Before(at) {
			at, ok = it.NotBefore, true
		}
	}
	return at, ok
}

// Stats summarizes provider's partition.
func (q *Queue) Stats(provider domain.Provider) Stats {
	now := q.opts.Now()
	p := q.partition(provider)
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Provider: provider, Failed: len(p.st.failed), ByReason: map[string]int{}}
	for _, it := range p.st.items {
		switch {
		case it.Claimed():
			st.InProgress++
		case it.NotBefore.After(now):
			st.BackingOff++
		default:
			st.Pending++
		}
		st.ByReason[string(it.Reason)]++
	}
	return st
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
