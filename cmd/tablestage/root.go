package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tablestage/internal/api"
	"github.com/hyperengineering/tablestage/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "tablestage",
	Short:        "tablestage - staged table materialisation with blue-green schema swaps",
	Long:         "Without a subcommand, serves the read-only inspection API and runs the metadata vacuum worker.",
	SilenceUsage: true,
	RunE:         serve,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides TABLESTAGE_CONFIG_PATH)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(schemaCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log, os.Stdout)
	logger.Info("configuration loaded", "level", cfg.Log.Level)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("store initialized",
		"metadata", cfg.Metadata.Backend,
		"storage", cfg.Storage.Backend,
		"hooks", store.Hooks().Names(),
	)

	handler := api.NewHandler(store.Metadata(), store.Backend(), cfg.Auth.APIKey, Version).
		WithLogger(logger)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	vacuum := worker.NewVacuumWorker(store.Metadata(), store.Backend(), time.Duration(cfg.Worker.VacuumInterval))
	startWorker(ctx, &wg, "metadata-vacuum", vacuum.Run)

	go func() {
		logger.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error after Shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	wg.Wait()

	if err := store.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Debug("worker goroutine started", "worker", name)
		fn(ctx)
		slog.Debug("worker goroutine stopped", "worker", name)
	}()
}
