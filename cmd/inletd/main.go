package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inletworks/inlet/internal/api"
	"github.com/inletworks/inlet/internal/bridge"
	"github.com/inletworks/inlet/internal/capability"
	"github.com/inletworks/inlet/internal/config"
	"github.com/inletworks/inlet/internal/history"
	"github.com/inletworks/inlet/internal/retention"
	"github.com/inletworks/inlet/internal/run"
	"github.com/inletworks/inlet/internal/schema"
	"github.com/inletworks/inlet/internal/state"
	"github.com/inletworks/inlet/internal/tasks"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	key, err := capability.LoadOrGenerateKey(cfg.SigningKeyPath)
	if err != nil {
		logger.Error("load signing key", "error", err)
		os.Exit(1)
	}

	hist := history.NewSQLiteStore(db)
	taskStore := tasks.NewStore(db)
	feed := history.NewFeed()

	runGrant := capability.Grant{
		capability.KindLLM:      {"invoke"},
		capability.KindFiles:    {"read"},
		capability.KindTools:    {"*"},
		capability.KindVector:   {"query"},
		capability.KindContexts: {"read"},
	}
	tokenSvc := capability.NewService(key, capability.StaticDirectory{
		cfg.RunSubject: runGrant.Clone(),
	})
	capRegistry := capability.NewRegistry()
	capability.RegisterBuiltins(capRegistry)

	execs := bridge.NewRegistry(bridge.WithCancelGrace(cfg.CancelGrace))
	runner := run.NewRunner(hist, taskStore, execs, defaultHandler(),
		run.WithTokenService(tokenSvc, cfg.RunSubject, runGrant, cfg.TokenTTL),
		run.WithCapabilityRegistry(capRegistry),
		run.WithFeed(feed),
		run.WithLogger(logger),
	)

	sweeper, err := retention.NewSweeper(retention.Config{
		History:    hist,
		Tasks:      taskStore,
		Logger:     logger,
		CronExpr:   cfg.RetentionCron,
		ContextTTL: cfg.ContextTTL,
		TaskTTL:    cfg.TaskTTL,
	})
	if err != nil {
		logger.Error("retention config", "error", err)
		os.Exit(1)
	}
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	apiServer := &api.Server{
		Runner:     runner,
		History:    hist,
		Tasks:      taskStore,
		Tokens:     tokenSvc,
		Feed:       feed,
		AdminToken: cfg.AdminToken,
		StartedAt:  time.Now(),
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("listen", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(logger, apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("inletd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	_ = httpServer.Close()
}

// defaultHandler is the built-in agent: it echoes the inbound text and
// demonstrates the suspension round trip when asked to.
func defaultHandler() bridge.Handler {
	return bridge.HandlerFunc(func(ctx context.Context, turn *bridge.Turn) error {
		text := turn.Message().Text()
		if text == "ping" {
			return turn.Yield(ctx, "pong")
		}
		if text == "ask me" {
			answer, err := turn.RequireInput(ctx, "what should I repeat?")
			if err != nil {
				return err
			}
			return turn.Yield(ctx, answer.Text())
		}
		if hint, err := turn.Capability(schema.ExtModelHint); err == nil {
			if model := hint.(capability.ModelHint).Model(); model != "" {
				if err := turn.Yield(ctx, "using model "+model); err != nil {
					return err
				}
			}
		}
		return turn.Yield(ctx, "received: "+text)
	})
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
