package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ctxengine "github.com/user/khappy/internal/context"
	"github.com/user/khappy/internal/gateway"
	"github.com/user/khappy/internal/presence"
	"github.com/user/khappy/internal/relay"
	"github.com/user/khappy/internal/telegram"
	"github.com/user/khappy/pkg/llm"
	"github.com/user/khappy/pkg/llm/openai"
)

// limiterIdle is how long an unused client rate limiter is kept.
const limiterIdle = 10 * time.Minute

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay, kBot and the Telegram front end",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	path := filepath.Join(dataDir, pidFileName)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	cfg := a.cfg

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Provider stays nil without a key so the relay reports the missing
	// configuration per request.
	var provider llm.Provider
	if cfg.AI.APIKey != "" {
		provider = openai.New(&llm.Config{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.ChatModel,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
			Timeout:     time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
		})
	} else {
		slog.Warn("AI API key not configured, relay will reject chat requests")
	}

	engine, err := ctxengine.New(cfg.AI.ChatModel, cfg.AI.MaxContextTokens, cfg.AI.OutputReserve, a.personas())
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}

	relaySrv := relay.NewServer(provider, engine, relay.ServerConfig{
		RPS:        cfg.Relay.RPS,
		Burst:      cfg.Relay.Burst,
		MaxStreams: cfg.Relay.MaxStreams,
	}, relay.NewMetrics())
	httpServer := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           relaySrv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("relay started", "listen", cfg.Relay.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("relay server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
	}()

	gw := gateway.New(a.transcripts, a.relayClient(), int64(cfg.MaxConcurrent))
	gw.SetHistory(cfg.HistoryTurns)
	gw.Start(ctx)
	defer gw.Stop()

	heartbeat := presence.New(a.profiles, a.session().UserID, cfg.Presence.Schedule)
	if err := heartbeat.AddJob("prune-limiters", "@every 5m", func() {
		if n := relaySrv.PruneLimiters(limiterIdle); n > 0 {
			slog.Debug("pruned idle rate limiters", "count", n)
		}
	}); err != nil {
		return err
	}
	if err := heartbeat.Start(ctx); err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	defer func() {
		if err := heartbeat.Stop(context.Background()); err != nil {
			slog.Warn("mark offline failed", "error", err)
		}
	}()

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, gw, a.transcripts,
			telegram.WithEditInterval(time.Duration(cfg.Telegram.EditIntervalMS)*time.Millisecond))
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	slog.Info("khappy started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"chat_model", cfg.AI.ChatModel,
		"image_model", cfg.AI.ImageModel,
		"pid_file", pidPath,
	)

	return awaitShutdown(cfg.DataDir, pidPath)
}

// awaitShutdown blocks until SIGINT or SIGTERM. SIGHUP replaces the process
// image with a fresh copy of the binary; if that fails serving continues.
func awaitShutdown(dataDir, pidPath string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for sig := range sigs {
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			return nil
		}
		if err := reexec(pidPath); err != nil {
			slog.Error("restart failed", "error", err)
			if _, err := writePIDFile(dataDir); err != nil {
				slog.Error("failed to re-write PID file", "error", err)
			}
		}
	}
	return nil
}

func reexec(pidPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	slog.Info("received SIGHUP, restarting", "exe", exe)
	os.Remove(pidPath)
	return syscall.Exec(exe, os.Args, os.Environ())
}
