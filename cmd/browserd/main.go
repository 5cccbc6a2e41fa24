// Entry point for the browserd HTTP service. Wires config, logging, the
// session manager, the command dispatcher, the vision adapter and the
// audit trail behind a chi router.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cverna/browserd/audit"
	"github.com/cverna/browserd/command"
	"github.com/cverna/browserd/metrics"
	"github.com/cverna/browserd/session"
	"github.com/cverna/browserd/vision"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Audit trail. AUDIT_DB=off disables it.
	var trail *audit.Trail
	if cfg.AuditDB != "" && cfg.AuditDB != "off" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditDB), 0o755); err != nil {
			slog.Error("audit db dir", "error", err)
			os.Exit(1)
		}
		trail, err = audit.Open(cfg.AuditDB, 256, logger)
		if err != nil {
			slog.Error("audit open", "error", err)
			os.Exit(1)
		}
		defer trail.Close()
	}

	// Session manager over the rod backend.
	backend := session.NewRodBackend(cfg.Stealth, logger)
	mgr := session.NewManager(backend, session.Limits{
		MaxSessions:        cfg.MaxSessions,
		MaxPagesPerSession: cfg.MaxPagesPerSession,
		IdleTTL:            cfg.IdleTimeout(),
		SweepInterval:      cfg.SweepInterval(),
	}, logger)

	mx := metrics.New(mgr.Counts)
	mgr.OnEvict = func(sessionID string) {
		mx.SessionEvicted()
		if trail != nil {
			trail.LogAsync(trail.NewEntry(audit.OpSessionEvict, sessionID, "", "", nil, nil, 0))
		}
	}
	go mgr.Run(ctx)

	disp := command.New(mgr, logger, command.Options{
		ScreenshotDir:    cfg.ScreenshotDir,
		DefaultTimeout:   cfg.CommandTimeout(),
		EnableJSFallback: cfg.EnableJSFallback,
	})
	disp.Observe = mx.ObserveCommand

	srv := &server{
		cfg:    cfg,
		log:    logger,
		mgr:    mgr,
		disp:   disp,
		vision: vision.New(cfg.VisionEndpoint, logger),
		trail:  trail,
		mx:     mx,
	}

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", httpSrv.Addr, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	mgr.Shutdown(shutdownCtx)
	slog.Info("server stopped")
}
