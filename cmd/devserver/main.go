package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/config"
	"github.com/pelusa-v/pelusa-inbox/internal/handlers"
	"github.com/pelusa-v/pelusa-inbox/internal/hub"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
	"github.com/pelusa-v/pelusa-inbox/internal/metrics"
)

var demoUsers = []config.User{{ID: "u1", Name: "Ana"}, {ID: "u2", Name: "Bruno"}}

func main() {
	cfg, err := config.Load(config.ServiceDevServer)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg)

	users := cfg.DevServer.Users
	if len(users) == 0 {
		slog.Warn("DEVSERVER_USERS not set, seeding demo users", "users", demoUsers)
		users = demoUsers
	}
	refs := make([]chat.UserRef, 0, len(users))
	for _, u := range users {
		refs = append(refs, chat.UserRef{ID: chat.UserID(u.ID), Name: u.Name})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	manager, err := hub.New(hub.Options{
		Users:   refs,
		Node:    cfg.DevServer.Node,
		Replay:  cfg.DevServer.Replay,
		Metrics: metrics.NewServer(reg),
	})
	if err != nil {
		slog.Error("failed to create hub", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go manager.Run(ctx)

	app := handlers.NewApp(manager, reg, nil)
	go func() {
		slog.Info("devserver listening", "addr", cfg.DevServer.Addr, "users", len(refs))
		if err := app.Listen(cfg.DevServer.Addr); err != nil {
			slog.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}
