package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vng-commits/eventstore/internal/auth"
	"github.com/vng-commits/eventstore/internal/bus"
	"github.com/vng-commits/eventstore/internal/commitpipeline"
	"github.com/vng-commits/eventstore/internal/config"
	"github.com/vng-commits/eventstore/internal/httpapi"
	"github.com/vng-commits/eventstore/internal/identity"
	"github.com/vng-commits/eventstore/internal/search"
	"github.com/vng-commits/eventstore/internal/store"
)

func main() {
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("eventstore: create data dir: %v", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		log.Fatalf("eventstore: open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	idx, err := search.Open(cfg.IndexPath())
	if err != nil {
		log.Fatalf("eventstore: open search index: %v", err)
	}
	defer func() { _ = idx.Close() }()

	if err := rebuildIfEmpty(idx, st); err != nil {
		log.Fatalf("eventstore: rebuild index: %v", err)
	}

	b := bus.New(bus.DefaultCapacity)

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		log.Fatalf("eventstore: init keyset: %v", err)
	}
	tokens := identity.NewTokenManager(keySet, cfg.JWTIssuer)

	var mockPath string
	if cfg.MockEmail {
		mockPath = cfg.MockEmailPath()
	}
	magic := auth.NewMagicLinkIssuer(cfg.MagicLinkTTL, cfg.BaseURL, mockPath)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	pipeline := commitpipeline.New(st, idx, b, logger, time.Now)

	srv := httpapi.New(cfg, st, idx, b, pipeline, tokens, magic, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("eventstore: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	logger.Info("eventstore: ready", "addr", httpServer.Addr, "data_dir", cfg.DataDir)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("eventstore: serve: %v", err)
	}
}

// rebuildIfEmpty replays the event log into the index on a fresh data
// directory (spec.md §7 "if the index is missing ... it is rebuilt by
// replaying the log"). A populated index is left untouched; a full rebuild
// is an operator action, not a startup default.
func rebuildIfEmpty(idx *search.Index, st *store.Store) error {
	if st.LastSequence() == 0 {
		return nil
	}
	count, err := idx.DocCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return idx.Rebuild(context.Background(), st)
}
