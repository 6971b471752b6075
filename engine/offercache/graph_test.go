package offercache

import (
	"errors"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

func TestOfferPropsRoundTrip(t *testing.T) {
	rec := record(identity(domain.ProviderLeasysNL, "corolla-ts"), 489)
	rec.Edition = "Active"
	props := offerToProps(rec)
	if _, ok := props["removed_at"]; ok {
		t.Error("live record must not carry removed_at")
	}
	if _, ok := props["prices"].(string); !ok {
		t.Fatalf("prices must be a JSON string, got %T", props["prices"])
	}
	props["version"] = int64(4)

	got, err := offerFromProps(props)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity.Key() != rec.Identity.Key() || got.Edition != "Active" || got.Version != 4 {
		t.Fatalf("got %+v", got)
	}
	if !got.ScrapedAt.Equal(rec.ScrapedAt) {
		t.Errorf("scraped_at = %v", got.ScrapedAt)
	}
	if p, ok := got.Prices.Lookup(48, 10000); !ok || p != 489 {
		t.Errorf("prices = %+v", got.Prices)
	}
}

func TestOfferFromPropsCorrupt(t *testing.T) {
	_, err := offerFromProps(map[string]any{"provider": "toyota_nl", "prices": "{oops"})
	if !errors.Is(err, errCorrupt) {
		t.Fatalf("expected errCorrupt, got %v", err)
	}
}

func TestOfferFromRecordRejectsNonNode(t *testing.T) {
	c := &GraphCache{}
	if _, err := c.offerFromRecord(&neo4j.Record{Values: []any{"x"}}); !errors.Is(err, errCorrupt) {
		t.Fatalf("expected errCorrupt, got %v", err)
	}
}

func TestAsTime(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	if !asTime(ts).Equal(ts) {
		t.Error("time.Time")
	}
	if !asTime(neo4j.LocalDateTime(ts)).Equal(ts) {
		t.Error("LocalDateTime")
	}
	if !asTime(nil).IsZero() {
		t.Error("nil")
	}
}
