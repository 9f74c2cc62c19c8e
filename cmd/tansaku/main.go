// Package main is the Tansaku server entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tansaku/internal/config"
	"github.com/hyperjump/tansaku/internal/embedding"
	"github.com/hyperjump/tansaku/internal/lifecycle"
	"github.com/hyperjump/tansaku/internal/server"
	"github.com/hyperjump/tansaku/internal/storage"
	"github.com/hyperjump/tansaku/internal/store"
	"github.com/hyperjump/tansaku/pkg/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	st := store.New()

	embedder, err := embedding.NewCohere(embedding.CohereConfig{
		APIKey:            cfg.Embedding.APIKey,
		Model:             cfg.Embedding.Model,
		BatchSize:         cfg.Embedding.BatchSize,
		Concurrency:       cfg.Embedding.Concurrency,
		Timeout:           time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		CacheSize:         cfg.Embedding.CacheSize,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create embedding client", zap.Error(err))
	}
	defer embedder.Close()

	mgr := lifecycle.NewManager(st, embedder, logger)
	st.OnInvalidate(mgr.Invalidate)

	snapshots, jsonStore, err := openSnapshots(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open snapshot storage", zap.Error(err))
	}
	defer snapshots.Close()

	loadSnapshots(st, mgr, snapshots, logger)
	if cfg.Storage.TestingData {
		loadSeed(st, mgr, logger)
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if jsonStore != nil && cfg.Storage.WatchDataDir {
		watcher := storage.NewWatcher(cfg.Storage.DataDir, func(path string, libraryID uuid.UUID) {
			if st.HasLibrary(libraryID) {
				return
			}
			snap, err := jsonStore.LoadFile(path)
			if err != nil {
				logger.Warn("failed to load dropped snapshot", zap.String("path", path), zap.Error(err))
				return
			}
			importSnapshot(st, mgr, snap, logger)
		}, logger)
		if err := watcher.Start(watchCtx); err != nil {
			logger.Warn("failed to start snapshot watcher", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	srv := server.NewServer(st, mgr, snapshots, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
	mgr.Wait()
}

// openSnapshots selects the snapshot backend. The JSON store is also
// returned concretely when active, for the data-dir watcher.
func openSnapshots(cfg *config.Config, logger *zap.Logger) (storage.Snapshotter, *storage.JSONStore, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		s, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
		return s, nil, err
	case "json", "":
		s, err := storage.NewJSONStore(cfg.Storage.DataDir, logger)
		return s, s, err
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q (supported: json, sqlite)", cfg.Storage.Backend)
	}
}

func loadSnapshots(st *store.Store, mgr *lifecycle.Manager, snapshots storage.Snapshotter, logger *zap.Logger) {
	snaps, err := snapshots.LoadAll()
	if err != nil {
		logger.Warn("failed to load library snapshots", zap.Error(err))
		return
	}
	for _, snap := range snaps {
		importSnapshot(st, mgr, snap, logger)
	}
	logger.Info("loaded library snapshots", zap.Int("count", len(snaps)))
}

func loadSeed(st *store.Store, mgr *lifecycle.Manager, logger *zap.Logger) {
	seed := storage.Seed()
	if st.HasLibrary(seed.Library.ID) {
		return
	}
	importSnapshot(st, mgr, seed, logger)
	logger.Info("loaded seed library", zap.String("library_id", seed.Library.ID.String()))
}

func importSnapshot(st *store.Store, mgr *lifecycle.Manager, snap *storage.Snapshot, logger *zap.Logger) {
	if err := st.Import(snap.Library, snap.Documents, snap.Chunks); err != nil {
		logger.Warn("failed to import library snapshot",
			zap.String("library_id", snap.Library.ID.String()), zap.Error(err))
		return
	}
	mgr.MarkLoaded(snap.Library.ID)
}
