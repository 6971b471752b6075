package offercache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *[]byte:
			*p = r.vals[i].([]byte)
		case *int64:
			*p = r.vals[i].(int64)
		case **time.Time:
			*p, _ = r.vals[i].(*time.Time)
		}
	}
	return nil
}

type fakePG struct {
	sql  []string
	args [][]any
	row  fakeRow
	tag  string
}

func (f *fakePG) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = append(f.sql, sql), append(f.args, args)
	return pgconn.NewCommandTag(f.tag), nil
}

func (f *fakePG) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (f *fakePG) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.sql, f.args = append(f.sql, sql), append(f.args, args)
	return f.row
}

func TestPostgresGet(t *testing.T) {
	rec := record(identity(domain.ProviderAyvensNL, "aygo"), 299)
	body, _ := json.Marshal(rec)
	removed := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	db := &fakePG{row: fakeRow{vals: []any{body, int64(3), &removed}}}
	c := &PostgresCache{db: db}

	got, err := c.Get(context.Background(), rec.Identity)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 3 || !got.Removed || !got.RemovedAt.Equal(removed) {
		t.Fatalf("got %+v", got)
	}
	if db.args[0][0] != rec.Identity.Key() {
		t.Errorf("queried key %v", db.args[0][0])
	}
}

func TestPostgresGetMissingAndCorrupt(t *testing.T) {
	id := identity(domain.ProviderAyvensNL, "x")
	c := &PostgresCache{db: &fakePG{row: fakeRow{err: pgx.ErrNoRows}}}
	if _, err := c.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	c = &PostgresCache{db: &fakePG{row: fakeRow{vals: []any{[]byte("{bad"), int64(1), nil}}}}
	if _, err := c.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for corrupt body, got %v", err)
	}
}

func TestPostgresPutUpserts(t *testing.T) {
	db := &fakePG{row: fakeRow{vals: []any{int64(5)}}}
	c := &PostgresCache{db: db}
	rec := record(identity(domain.ProviderLeasysNL, "yaris"), 319)
	rec.Removed = true
	v, err := c.Put(context.Background(), rec)
	if err != nil || v != 5 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	if !strings.Contains(db.sql[0], "ON CONFLICT (identity_key) DO UPDATE") ||
		!strings.Contains(db.sql[0], "version = lease_offers.version + 1") ||
		!strings.Contains(db.sql[0], "removed_at = NULL") {
		t.Fatalf("sql = %s", db.sql[0])
	}
	var stored domain.OfferRecord
	if err := json.Unmarshal(db.args[0][2].([]byte), &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Removed {
		t.Error("put must clear the tombstone")
	}
}

func TestPostgresMarkRemoved(t *testing.T) {
	id := identity(domain.ProviderToyotaNL, "c-hr")
	db := &fakePG{tag: "UPDATE 1"}
	c := &PostgresCache{db: db}
	if err := c.MarkRemoved(context.Background(), id, time.Now()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(db.sql[0], "COALESCE(removed_at, $2)") {
		t.Errorf("sql = %s", db.sql[0])
	}
	db.tag = "UPDATE 0"
	if err := c.MarkRemoved(context.Background(), id, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
