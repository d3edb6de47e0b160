package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvellum/synapse/internal/cortex/catalog"
	"github.com/dvellum/synapse/internal/cortex/controlplane"
	"github.com/dvellum/synapse/internal/cortex/httpapi"
	"github.com/dvellum/synapse/internal/cortex/observe"
	"github.com/dvellum/synapse/internal/cortex/registry"
	"github.com/dvellum/synapse/pkg/config"
	"github.com/dvellum/synapse/pkg/jsonstore"
	"github.com/dvellum/synapse/pkg/logger"
)

func main() {
	cfg := config.LoadCortexConfig()
	log := logger.New("cortexd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateStore, err := openStore(cfg.StateDir, registry.StoreName)
	if err != nil {
		log.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	demandStore, err := openStore(cfg.StateDir, catalog.StoreName)
	if err != nil {
		log.Error("failed to open demand store", "error", err)
		os.Exit(1)
	}

	var cat *catalog.Catalog
	if cfg.BootstrapConfigs {
		cat, err = catalog.Load(cfg.SpecPath, demandStore)
		if err != nil {
			log.Error("failed to load model catalog", "spec_path", cfg.SpecPath, "error", err)
			os.Exit(1)
		}
		log.Info("model catalog loaded", "models", cat.Len(), "spec_path", cfg.SpecPath)
	}

	reg := registry.New()
	if err := reg.Restore(stateStore); err != nil {
		log.Error("failed to restore cached state", "error", err)
		os.Exit(1)
	}
	if n := reg.Count(); n > 0 {
		log.Info("restored cached neurons", "neurons", n)
	}

	events := observe.New(reg.Snapshot, cfg.ObserveBuffer, log)
	control := controlplane.New(reg, events, cat, log)
	router := httpapi.NewRouter(log, reg, control, events)

	go control.RunSweeper(ctx, cfg.SweepInterval, cfg.StaleAfter)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("cortex server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		events.AnnounceShutdown()
		if err := reg.PersistSnapshot(stateStore); err != nil {
			log.Error("failed to persist cortex state", "error", err)
		}
		if cat != nil {
			if err := cat.Persist(); err != nil {
				log.Error("failed to persist demand state", "error", err)
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("cortex server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openStore(stateDir, name string) (*jsonstore.Store, error) {
	if stateDir != "" {
		return jsonstore.WithRoot(stateDir, name)
	}
	return jsonstore.New(name)
}
