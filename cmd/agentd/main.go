package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cypherspark/agent-desk/internal/config"
	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/db"
	"github.com/Cypherspark/agent-desk/internal/engine"
	httpapi "github.com/Cypherspark/agent-desk/internal/http"
	"github.com/Cypherspark/agent-desk/internal/metrics"
	"github.com/Cypherspark/agent-desk/internal/outbox"
	"github.com/Cypherspark/agent-desk/internal/provider"
	"github.com/Cypherspark/agent-desk/internal/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGENTD_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("agentd stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.MustRegister()

	// ---- Socket ----
	header := http.Header{}
	if cfg.Socket.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Socket.Token)
	}
	session := transport.NewSession(transport.Options{
		URL:         cfg.Socket.URL,
		Header:      header,
		BackoffMin:  cfg.Socket.BackoffMin,
		BackoffMax:  cfg.Socket.BackoffMax,
		StableAfter: cfg.Socket.StableAfter,
		Logger:      logger,
	})

	// ---- Outbox, journaled when a database is configured ----
	obOpts := outbox.Options{FlushQPS: cfg.Outbox.FlushQPS, FlushBurst: cfg.Outbox.FlushBurst, Logger: logger}
	var pinger httpapi.Pinger
	if cfg.Database.URL != "" {
		database, err := db.Open(rootCtx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Migrate(rootCtx); err != nil {
			return err
		}
		stop := make(chan struct{})
		defer close(stop)
		go metrics.NewPGXPoolStats(database.Pool).Start(15*time.Second, stop)

		obOpts.Journal = db.NewJournal(database, cfg.Agent.ID)
		pinger = database
	}
	ob := outbox.New(session, obOpts)
	if n, err := ob.Restore(rootCtx); err != nil {
		return err
	} else if n > 0 {
		logger.Info("restored deferred commands", "count", n)
	}

	// ---- Backend ----
	var backend provider.Backend
	if cfg.Backend.URL != "" {
		hb := provider.NewHTTPBackend(cfg.Backend.URL, cfg.Backend.Token, cfg.Backend.Timeout)
		hb.Logger = logger
		backend = hb
	} else {
		logger.Warn("no backend url configured, using the simulated backend")
		backend = provider.NewDummy()
	}

	// ---- Engine ----
	eng := engine.New(rootCtx, session, ob, backend, nil, engine.Config{
		Agent:          core.Agent{ID: cfg.Agent.ID, Name: cfg.Agent.Name},
		Dwell:          cfg.Receipts.Dwell,
		Threshold:      cfg.Receipts.Threshold,
		BackendTimeout: cfg.Backend.Timeout,
		Logger:         logger,
	})
	eng.OnNewMessage(func(conversationID string, m core.Message) {
		logger.Debug("new message", "conversation_id", conversationID, "direction", m.Direction, "ref", m.Ref().String())
	})
	session.SetHandler(eng.Dispatch)
	go func() {
		if err := session.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("socket loop", "err", err)
		}
	}()

	// ---- HTTP server ----
	srv := httpapi.NewServer(eng, session, pinger)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.Backend.Timeout + 5*time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("HTTP listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// ---- Graceful shutdown ----
	select {
	case <-rootCtx.Done():
	case err := <-errc:
		return err
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if n := ob.Len(); n > 0 {
		logger.Info("commands left for the next start", "count", n, "journaled", obOpts.Journal != nil)
	}
	return nil
}

func newLogger(c config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
