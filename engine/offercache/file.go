package offercache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

// fileEnvelope is the on-disk format of one record.
type fileEnvelope struct {
	Format int                `json:"format"`
	Key    string             `json:"key"`
	Record domain.OfferRecord `json:"record"`
}

const fileFormat = 1

// FileCache keeps one JSON file per identity under dir/<provider>/. Files
// are replaced with renameio, so a crash leaves the old or the new record.
type FileCache struct {
	dir   string
	locks *keyedMutex
	opts  Options
}

var _ Cache = (*FileCache)(nil)

// OpenFile creates dir if needed and returns a cache rooted there.
func OpenFile(dir string, opts Options) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("offercache: create %s: %w", dir, err)
	}
	return &FileCache{dir: dir, locks: newKeyedMutex(), opts: opts}, nil
}

func (c *FileCache) path(id domain.VehicleIdentity) string {
	sum := sha256.Sum256([]byte(id.Key()))
	provider := strings.ToLower(strings.TrimSpace(string(id.Provider)))
	return filepath.Join(c.dir, provider, hex.EncodeToString(sum[:12])+".json")
}

// read loads one file. Undecodable files are reported as ErrNotFound and
// logged; the next Put overwrites them.
func (c *FileCache) read(path, wantKey string) (domain.OfferRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.OfferRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.OfferRecord{}, fmt.Errorf("offercache: read %s: %w", path, err)
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Format != fileFormat || (wantKey != "" && env.Key != wantKey) {
		c.opts.logger().Error("offercache: corrupt record treated as miss", "path", path, "error", err)
		return domain.OfferRecord{}, ErrNotFound
	}
	return env.Record, nil
}

func (c *FileCache) Get(_ context.Context, id domain.VehicleIdentity) (domain.OfferRecord, error) {
	return c.read(c.path(id), id.Key())
}

func (c *FileCache) Put(_ context.Context, rec domain.OfferRecord) (int64, error) {
	rec, err := prepare(rec)
	if err != nil {
		return 0, err
	}
	key := rec.Identity.Key()
	unlock := c.locks.Lock(key)
	defer unlock()

	path := c.path(rec.Identity)
	prev, err := c.read(path, key)
	switch {
	case err == nil:
		rec.Version = prev.Version + 1
	case errors.Is(err, ErrNotFound):
		rec.Version = 1
	default:
		return 0, err
	}
	if err := c.write(path, key, rec); err != nil {
		return 0, err
	}
	return rec.Version, nil
}

func (c *FileCache) MarkRemoved(_ context.Context, id domain.VehicleIdentity, at time.Time) error {
	key := id.Key()
	unlock := c.locks.Lock(key)
	defer unlock()

	path := c.path(id)
	rec, err := c.read(path, key)
	if err != nil {
		return err
	}
	if rec.Removed {
		return nil
	}
	rec.Removed = true
	rec.RemovedAt = at.UTC()
	return c.write(path, key, rec)
}

func (c *FileCache) write(path, key string, rec domain.OfferRecord) error {
	data, err := json.MarshalIndent(fileEnvelope{Format: fileFormat, Key: key, Record: rec}, "", "  ")
	if err != nil {
		return fmt.Errorf("offercache: encode %s: %w", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("offercache: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("offercache: write %s: %w", key, err)
	}
	return nil
}

func (c *FileCache) ListAll(_ context.Context) ([]domain.OfferRecord, error) {
	return c.list(c.dir)
}

func (c *FileCache) ListProvider(_ context.Context, p domain.Provider) ([]domain.OfferRecord, error) {
	dir := filepath.Join(c.dir, strings.ToLower(strings.TrimSpace(string(p))))
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return c.list(dir)
}

func (c *FileCache) list(root string) ([]domain.OfferRecord, error) {
	var out []domain.OfferRecord
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		rec, err := c.read(path, "")
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("offercache: list: %w", err)
	}
	sortByKey(out)
	return out, nil
}

func (c *FileCache) Close() error { return nil }
