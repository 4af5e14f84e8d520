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

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/rqconfig"
	"github.com/ocx/backend/internal/rqfanout"
	"github.com/ocx/backend/internal/rqhttp"
	"github.com/ocx/backend/internal/rqmetrics"
	"github.com/ocx/backend/internal/rqserver"
	"github.com/ocx/backend/internal/rqtarget"
	"github.com/ocx/backend/internal/runqueue"
	"github.com/ocx/backend/internal/wsdash"
)

func main() {
	cfg := rqconfig.Get()
	logger := slog.Default()

	lock, err := runqueue.AcquireWorkspaceLock(cfg.Engine.WorkspaceDir)
	if err != nil {
		log.Fatalf("runqueue-server: %v", err)
	}
	defer lock.Release()

	engine, err := runqueue.New(runqueue.Config{
		PoolSize:     cfg.Engine.PoolSize,
		LogDir:       cfg.Engine.LogDir,
		CreateLogDir: true,
		Target:       rqtarget.Shell,
		Logger:       logger,
		TickInterval: time.Duration(cfg.Engine.TickIntervalMs) * time.Millisecond,
		PollInterval: time.Duration(cfg.Engine.PollIntervalMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("runqueue-server: construct engine: %v", err)
	}
	defer engine.Close()

	persistPath := cfg.Engine.PersistFile
	if rec, err := runqueue.LoadFromFile(persistPath); err == nil {
		if err := engine.LoadFromRecord(rec); err != nil {
			logger.Warn("runqueue-server: failed to restore persisted state", "error", err)
		} else {
			logger.Info("runqueue-server: restored persisted state", "path", persistPath, "items", len(rec.Items))
		}
	}

	metrics := rqmetrics.New()
	events, unsubscribeMetrics := engine.Subscribe()
	go func() {
		for ev := range events {
			metrics.Observe(ev)
		}
	}()
	defer unsubscribeMetrics()

	var httpSrv *rqhttp.Server
	if cfg.Metrics.Enabled {
		httpSrv = rqhttp.New(cfg.Metrics.Addr, func() error { return nil }, logger)

		dash := wsdash.New(logger)
		dashEvents, unsubscribeDash := engine.Subscribe()
		go dash.Run(dashEvents)
		defer unsubscribeDash()
		httpSrv.Handle("/ws", http.HandlerFunc(dash.HandleWebSocket))

		httpSrv.Start()
	}

	var remoteEvents <-chan engineapi.Event
	if cfg.Engine.RedisAddr != "" {
		relay, err := rqfanout.NewRelay(cfg.Engine.RedisAddr, logger)
		if err != nil {
			logger.Warn("runqueue-server: redis fan-out unavailable, running single-process", "error", err)
		} else {
			defer relay.Close()
			fanoutEvents, unsubscribeFanout := engine.Subscribe()
			defer unsubscribeFanout()
			go relay.PublishLoop(fanoutEvents)
			remoteEvents = relay.Subscribe(context.Background())
		}
	}

	srv, err := rqserver.New(rqserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Password:     cfg.Security.SharedPassword,
		WorkspaceDir: cfg.Engine.WorkspaceDir,
		RecvTimeout:  time.Duration(cfg.Server.RecvTimeoutMs) * time.Millisecond,
		ClientDrain:  time.Duration(cfg.Server.ClientDrainSec) * time.Second,
		Logger:       logger,
		RemoteEvents: remoteEvents,
	}, engine)
	if err != nil {
		log.Fatalf("runqueue-server: construct façade: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("runqueue-server: start façade: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("runqueue-server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx, persistPath); err != nil {
		logger.Error("runqueue-server: shutdown error", "error", err)
	}
	if httpSrv != nil {
		httpSrv.Shutdown(shutdownCtx)
	}
}
