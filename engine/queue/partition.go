package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

const (
	filePrefix     = "queue_"
	fileSuffix     = ".json"
	snapshotFormat = 1
)

// state is the in-memory content of a partition.
type state struct {
	items  map[string]domain.QueueItem
	failed map[string]domain.FailedItem
}

func newState() state {
	return state{items: map[string]domain.QueueItem{}, failed: map[string]domain.FailedItem{}}
}

func (s state) clone() state {
	c := state{
		items:  make(map[string]domain.QueueItem, len(s.items)),
		failed: make(map[string]domain.FailedItem, len(s.failed)),
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.failed {
		c.failed[k] = v
	}
	return c
}

func (s state) sortedItems() []domain.QueueItem {
	out := make([]domain.QueueItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (s state) sortedFailed() []domain.FailedItem {
	out := make([]domain.FailedItem, 0, len(s.failed))
	for _, f := range s.failed {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.Before(out[j].FailedAt)
		}
		return out[i].Item.Identity.Key() < out[j].Item.Identity.Key()
	})
	return out
}

// snapshot is the on-disk format of a partition.
type snapshot struct {
	Format   int                 `json:"format"`
	Provider domain.Provider     `json:"provider"`
	SavedAt  time.Time           `json:"saved_at"`
	Items    []domain.QueueItem  `json:"items"`
	Failed   []domain.FailedItem `json:"failed"`
}

type partition struct {
	mu       sync.Mutex
	provider domain.Provider
	path     string
	st       state
}

func newPartition(p domain.Provider, path string) *partition {
	return &partition{provider: p, path: path, st: newState()}
}

func (q *Queue) pathFor(p domain.Provider) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, string(p))
	return filepath.Join(q.dir, filePrefix+name+fileSuffix)
}

// mutate applies f to a copy of the state. When f reports a change, the copy
// is persisted and only then becomes the live state, so a failed write
// leaves memory and disk in agreement.
func (p *partition) mutate(f func(*state) bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.st.clone()
	if !f(&next) {
		return nil
	}
	if err := p.persist(next); err != nil {
		return err
	}
	p.st = next
	return nil
}

// mutateErr is mutate for operations that fail instead of reporting no change.
func (p *partition) mutateErr(f func(*state) error) error {
	var ferr error
	err := p.mutate(func(s *state) bool {
		ferr = f(s)
		return ferr == nil
	})
	if ferr != nil {
		return ferr
	}
	return err
}

// persist writes s atomically. Must hold mu.
func (p *partition) persist(s state) error {
	snap := snapshot{
		Format:   snapshotFormat,
		Provider: p.provider,
		SavedAt:  time.Now().UTC(),
		Items:    s.sortedItems(),
		Failed:   s.sortedFailed(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", p.provider, err)
	}
	if err := renameio.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("queue: persist %s: %w", p.provider, err)
	}
	return nil
}

// load reads one partition file and returns unresolved claims to pending. A
// file that cannot be decoded is moved aside and the partition starts empty.
func (q *Queue) load(provider domain.Provider, path string) (*partition, error) {
	p := newPartition(provider, path)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: read %s: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.Format != snapshotFormat {
		aside := fmt.Sprintf("%s.corrupt-%d", path, q.opts.Now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("queue: move corrupt %s aside: %w", path, rerr)
		}
		q.log.Error("queue: corrupt partition moved aside, starting empty",
			"provider", provider, "path", aside, "error", err, "format", snap.Format)
		return p, nil
	}

	recovered := 0
	for _, it := range snap.Items {
		if it.Identity.Provider != provider {
			q.log.Warn("queue: dropping item filed under wrong provider", "provider", provider, "key", it.Identity.Key())
			continue
		}
		if it.Claimed() {
			it.ClaimToken, it.ClaimedAt = "", time.Time{}
			recovered++
		}
		key := it.Identity.Key()
		if _, dup := p.st.items[key]; !dup {
			p.st.items[key] = it
		}
	}
	for _, f := range snap.Failed {
		p.st.failed[f.Item.Identity.Key()] = f
	}
	if recovered > 0 {
		if err := p.persist(p.st); err != nil {
			return nil, err
		}
		q.log.Warn("queue: recovered abandoned claims", "provider", provider, "count", recovered)
	}
	return p, nil
}
