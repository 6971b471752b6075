package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/incremental"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/metrics"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/mid"
)

// opsView is what the ops endpoints read from the engine.
type opsView interface {
	Status(ctx context.Context, sel incremental.Selector) ([]incremental.ProviderStatus, error)
	Failed(sel incremental.Selector) ([]domain.FailedItem, error)
}

func selectorFrom(r *http.Request) incremental.Selector {
	var sel incremental.Selector
	for _, p := range strings.Split(r.URL.Query().Get("provider"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			sel.Providers = append(sel.Providers, domain.Provider(p))
		}
	}
	sel.Brand = r.URL.Query().Get("brand")
	return sel
}

func errStatus(err error) int {
	if errors.Is(err, domain.ErrUnknownProvider) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	mid.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleQueue(view opsView, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := view.Status(r.Context(), selectorFrom(r))
		if err != nil {
			log.Error("queue status", "err", err)
			mid.WriteJSON(w, errStatus(err), map[string]string{"error": err.Error()})
			return
		}
		mid.WriteJSON(w, http.StatusOK, st)
	}
}

func handleFailed(view opsView, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failed, err := view.Failed(selectorFrom(r))
		if err != nil {
			log.Error("failed items", "err", err)
			mid.WriteJSON(w, errStatus(err), map[string]string{"error": err.Error()})
			return
		}
		if failed == nil {
			failed = []domain.FailedItem{}
		}
		mid.WriteJSON(w, http.StatusOK, failed)
	}
}

func newOpsHandler(view opsView, reg *metrics.Registry, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", reg.Handler())
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /queue", handleQueue(view, log))
	mux.HandleFunc("GET /failed", handleFailed(view, log))

	return mid.Chain(mux,
		mid.Recover(log),
		mid.Logger(log, "/metrics", "/healthz"),
		mid.OTel("leasequeue"),
		mid.Methods(http.MethodGet, http.MethodHead),
	)
}

// serveOps runs the ops server until ctx is done.
func serveOps(ctx context.Context, addr string, a *app) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      newOpsHandler(a.engine, a.metrics, a.log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("ops server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
