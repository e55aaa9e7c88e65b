// Package main provides the local sync server for desktop platforms.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/kimhsiao/fieldsync/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/fieldsync/backend/internal/config"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/metrics"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/services"
)

const defaultPort = "8090"

func main() {
	if err := run(); err != nil {
		logging.Error("Desktop server stopped", err, nil)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("FIELDSYNC_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dir := os.Getenv("DB_PATH"); dir != "" {
		cfg.DataDir = dir
	}
	if cfg.Log.File != "" {
		closer := logging.InitFile(logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}, cfg.LogLevel())
		defer closer.Close()
	} else {
		logging.Init(os.Stdout, cfg.LogLevel())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	opts := services.OptionsFromConfig(cfg)
	opts.Registerer = registry
	svc := services.NewSyncService(opts)
	if err := svc.Initialize(ctx); err != nil {
		return err
	}
	defer svc.Destroy()

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, svc.ApplyConfig)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	hub := NewWSHub()
	defer hub.Close()
	unbridge, err := bridgeEvents(svc, hub)
	if err != nil {
		return err
	}
	defer unbridge()

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	server := &http.Server{
		Addr:              "localhost:" + port,
		Handler:           newMux(svc, hub, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop sync server starting", map[string]interface{}{"addr": server.Addr})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down desktop sync server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newMux registers every route of the desktop server.
func newMux(svc *services.SyncService, hub *WSHub, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"fieldsync-desktop"}`))
	})

	syncHandler := handlers.NewSyncHandler(svc)
	syncHandler.SetWebSocketHub(hub)
	syncHandler.Register(mux)

	mux.HandleFunc("/ws", HandleWebSocket(hub))
	if gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(gatherer))
	}
	return mux
}

// bridgeEvents forwards service notifications to WebSocket clients.
func bridgeEvents(svc *services.SyncService, hub *WSHub) (func(), error) {
	var unsubscribe []func()
	release := func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}

	unsub, err := svc.SubscribeQueueStats(hub.BroadcastQueueStats)
	if err != nil {
		return nil, err
	}
	unsubscribe = append(unsubscribe, unsub)

	unsub, err = svc.SubscribeNetworkStatus(func(state models.NetworkState) {
		hub.BroadcastNetworkStatus(state)
	})
	if err != nil {
		release()
		return nil, err
	}
	unsubscribe = append(unsubscribe, unsub)

	unsub, err = svc.SubscribeConflicts(hub.BroadcastConflictDetected)
	if err != nil {
		release()
		return nil, err
	}
	unsubscribe = append(unsubscribe, unsub)

	return release, nil
}
