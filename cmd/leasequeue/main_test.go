package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/incremental"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/queue"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/metrics"
)

type fakeView struct {
	status []incremental.ProviderStatus
	failed []domain.FailedItem
	err    error
	sel    incremental.Selector
}

func (f *fakeView) Status(_ context.Context, sel incremental.Selector) ([]incremental.ProviderStatus, error) {
	f.sel = sel
	return f.status, f.err
}

func (f *fakeView) Failed(sel incremental.Selector) ([]domain.FailedItem, error) {
	f.sel = sel
	return f.failed, f.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)) }

func TestHealthEndpoint(t *testing.T) {
	h := newOpsHandler(&fakeView{}, metrics.New(), quiet())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body)
	}
}

func TestQueueEndpoint(t *testing.T) {
	view := &fakeView{status: []incremental.ProviderStatus{{Stats: queue.Stats{Provider: domain.ProviderToyotaNL, Pending: 3}, Cached: 10}}}
	h := newOpsHandler(view, metrics.New(), quiet())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/queue?provider=toyota_nl,%20suzuki_nl", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var got []incremental.ProviderStatus
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Pending != 3 || got[0].Cached != 10 {
		t.Fatalf("body = %+v", got)
	}
	if len(view.sel.Providers) != 2 || view.sel.Providers[1] != domain.ProviderSuzukiNL {
		t.Fatalf("selector = %+v", view.sel)
	}
}

func TestFailedEndpoint(t *testing.T) {
	h := newOpsHandler(&fakeView{}, metrics.New(), quiet())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/failed", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("failed = %d %q", rec.Code, rec.Body)
	}

	h = newOpsHandler(&fakeView{err: domain.ErrUnknownProvider}, metrics.New(), quiet())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/failed?provider=nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider status = %d", rec.Code)
	}
}

func TestOpsRejectsWrites(t *testing.T) {
	h := newOpsHandler(&fakeView{}, metrics.New(), quiet())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/queue", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /queue = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.New()
	metrics.NewPipeline(reg).Completed("toyota_nl").Add(4)
	h := newOpsHandler(&fakeView{}, reg, quiet())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `leasequeue_items_completed_total{provider="toyota_nl"} 4`) {
		t.Fatalf("metrics = %s", rec.Body)
	}
}

func TestSelectorFlags(t *testing.T) {
	fs, flags := newFlagSet("x", &bytes.Buffer{})
	if err := fs.Parse([]string{"-provider", "toyota_nl, ayvens_nl,", "-brand", "Toyota"}); err != nil {
		t.Fatal(err)
	}
	sel := flags.selector()
	if len(sel.Providers) != 2 || sel.Providers[1] != domain.ProviderAyvensNL || sel.Brand != "Toyota" {
		t.Fatalf("selector = %+v", sel)
	}
	if _, err := flags.singleProvider(); err == nil {
		t.Fatal("two providers accepted as one")
	}
}

func TestParseLevel(t *testing.T) {
	if l, err := parseLevel("debug"); err != nil || l != slog.LevelDebug {
		t.Fatalf("debug = %v, %v", l, err)
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCommandArgumentErrors(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	if err := cmdReset(ctx, []string{"-provider", "toyota_nl"}, &out); err == nil {
		t.Error("reset without -ref or -all accepted")
	}
	if err := cmdClear(ctx, nil, &out); err == nil {
		t.Error("clear without provider accepted")
	}
	if err := cmdAdd(ctx, []string{"-provider", "toyota_nl", "-make", "Toyota"}, &out); !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Errorf("add without model: %v", err)
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "leasequeue.yaml")
	body := "state_dir: " + filepath.Join(dir, "state") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddStatusAndExport(t *testing.T) {
	ctx := context.Background()
	cfg := writeConfig(t)

	var out bytes.Buffer
	err := cmdAdd(ctx, []string{"-config", cfg, "-provider", "toyota_nl", "-make", "toyota", "-model", "Aygo X", "-ref", "a1"}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "inserted") {
		t.Fatalf("add output = %q", out.String())
	}

	out.Reset()
	if err := cmdStatus(ctx, []string{"-config", cfg, "-provider", "toyota_nl", "-json"}, &out); err != nil {
		t.Fatal(err)
	}
	var st []incremental.ProviderStatus
	if err := json.Unmarshal(out.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if len(st) != 1 || st[0].Pending != 1 || st[0].ByReason["manual"] != 1 {
		t.Fatalf("status = %+v", st)
	}

	out.Reset()
	xlsx := filepath.Join(t.TempDir(), "offers.xlsx")
	if err := cmdExport(ctx, []string{"-config", cfg, "-out", xlsx}, &out); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(xlsx); err != nil {
		t.Fatalf("workbook not written: %v", err)
	}

	out.Reset()
	if err := cmdClear(ctx, []string{"-config", cfg, "-provider", "toyota_nl"}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "removed 1") {
		t.Fatalf("clear output = %q", out.String())
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := writeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmdServe(ctx, []string{"-config", cfg, "-addr", "127.0.0.1:0"}, &bytes.Buffer{}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
