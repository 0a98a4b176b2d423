package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uhyunpark/rollupcore/internal/rollog"
	"github.com/uhyunpark/rollupcore/pkg/api"
	"github.com/uhyunpark/rollupcore/pkg/batch"
	"github.com/uhyunpark/rollupcore/pkg/rollcfg"
	"github.com/uhyunpark/rollupcore/pkg/storage"
)

func main() {
	// Load config from .env file and environment variables
	cfg := rollcfg.LoadFromEnv("")

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/node.log"
	}
	logger, err := rollog.NewWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Main storage ----
	store, err := storage.NewStore(cfg.Storage.DBPath)
	if err != nil {
		sugar.Fatalw("storage open failed", "path", cfg.Storage.DBPath, "err", err)
	}
	defer store.Close()

	// ---- Batch engine (replays persisted segments on construction) ----
	engine, err := batch.New(cfg, store, sugar)
	if err != nil {
		sugar.Fatalw("batch engine init failed", "err", err)
	}
	sugar.Infow("batch engine ready", "markets", len(engine.Markets()), "tree_depth", cfg.Tree.Depth)

	// ---- Periodic finalization ----
	stopFinalize := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Batch.FinalizeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				res := engine.FinalizeBatch()
				if !res.Successful {
					sugar.Errorw("periodic finalize failed", "err", res.ErrorMessage)
				}
			case <-stopFinalize:
				return
			}
		}
	}()

	// ---- API ----
	server := api.NewServer(engine, sugar)
	go func() {
		if err := server.Start(cfg.API.ListenAddr); err != nil {
			sugar.Fatalw("api server exited", "err", err)
		}
	}()

	// Wait for shutdown signal, finalizing the open batch on the way out.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	close(stopFinalize)
	res := engine.FinalizeBatch()
	sugar.Infow("shutdown", "final_batch_idx", res.BatchIdx, "successful", res.Successful)
}
