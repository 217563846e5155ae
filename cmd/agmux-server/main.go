// Command agmux-server is the process entrypoint: it wires C1-C8 and the
// HTTP surface together and serves them on a loopback-bound listener,
// grounded on the teacher's main.go (single-instance guard before anything
// else starts) and app_lifecycle.go's startup/shutdown sequencing, with
// the Wails/WebView2 window lifecycle replaced by an HTTP listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/agmux/agmux-server/internal/diaglog"
	"github.com/agmux/agmux-server/internal/gitworktree"
	"github.com/agmux/agmux-server/internal/httpapi"
	"github.com/agmux/agmux-server/internal/muxadapter"
	"github.com/agmux/agmux-server/internal/orchestrator"
	"github.com/agmux/agmux-server/internal/readiness"
	"github.com/agmux/agmux-server/internal/serverconfig"
	"github.com/agmux/agmux-server/internal/session"
	"github.com/agmux/agmux-server/internal/store"
	"github.com/agmux/agmux-server/internal/triggerload"
	"github.com/agmux/agmux-server/internal/triggers"
	"github.com/agmux/agmux-server/internal/wshub"
)

func main() {
	cfg, warnings := serverconfig.Load()

	ring := diaglog.NewRing(200)
	base := slog.NewJSONHandler(os.Stderr, nil)
	tee := diaglog.NewTeeHandler(base, slog.LevelWarn, ring.Callback())
	slog.SetDefault(slog.New(tee))

	for _, w := range warnings {
		slog.Warn("config warning", "field", w.Field, "message", w.Message)
	}

	// Single-instance check before any subsystem touches the sqlite file,
	// grounded on the teacher's main.go ordering (lock before WebView2
	// init); replaces the teacher's Windows-only named-mutex with a
	// cross-platform advisory lock file, per DESIGN.md.
	lockPath := cfg.StorePath + ".lock"
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		slog.Error("failed to acquire single-instance lock", "error", err)
		os.Exit(1)
	}
	if !locked {
		slog.Error("another agmux-server instance is already running", "lock", lockPath)
		os.Exit(1)
	}
	defer fl.Unlock()

	if err := run(cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg serverconfig.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.TriggersPath), 0o755); err != nil && !os.IsExist(err) {
		slog.Warn("failed to create triggers directory", "path", cfg.TriggersPath, "error", err)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	adapter := muxadapter.New("tmux")
	sessions := session.New()
	defer sessions.Close()

	tunables := readiness.DefaultTunables()
	if cfg.ReadinessWorkingGraceMs > 0 {
		tunables.WorkingGrace = time.Duration(cfg.ReadinessWorkingGraceMs) * time.Millisecond
	}
	if cfg.ReadinessTraceSize > 0 {
		tunables.TraceSize = cfg.ReadinessTraceSize
	}
	ready := readiness.NewEngine(adapter, tunables)
	defer ready.Close()

	hub := wshub.NewHub()
	hub.AllowedOrigins = cfg.AllowedOrigins
	hub.Start()
	defer hub.Stop()

	trig := triggers.NewEngine()
	triggersFile := filepath.Join(cfg.TriggersPath, "triggers.yaml")
	loader := triggerload.New(triggersFile, trig)

	var worktrees *gitworktree.Manager
	if cwd, err := os.Getwd(); err == nil {
		worktrees = gitworktree.New(cwd)
	}

	orch := orchestrator.New(cfg, adapter, st, sessions, hub, ready, trig, loader, worktrees, "tmux")
	if err := orch.Start(); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}
	defer orch.Stop()

	srv := httpapi.New(cfg, orch)

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agmux-server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		slog.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
	return <-errCh
}
