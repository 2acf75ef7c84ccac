package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relayclaw/relayclaw/internal"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := internal.LoadConfig()
	os.MkdirAll(cfg.App.DataDir, 0755)

	db, err := internal.OpenDB(cfg.DBPath())
	if err != nil {
		slog.Error("open db", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// The physical channel is wired here; without one the agent runs
	// against the console (or just the log in headless mode).
	var console *internal.ConsoleTransport
	var base internal.Transport
	if cfg.App.Console {
		console = internal.NewConsoleTransport(cfg.App.Name)
		base = console
	} else {
		base = internal.LogTransport{}
	}
	transport := internal.NewRecordingTransport(db, base, cfg.App.Name)

	queue := internal.NewSendQueue(cfg.App.MaxConcurrentSends)
	scheduler := internal.NewScheduler(db, transport, queue, cfg.PollInterval())
	rules := internal.NewRuleEngine(db)
	plans := internal.NewPlanManager(db)
	handler := internal.NewCommandHandler(scheduler, rules, plans)
	router := internal.NewRouter(db, rules, scheduler, transport)

	server, err := internal.NewControllerServer(cfg.App.SocketDir, handler)
	if err != nil {
		slog.Error("start controller server", "err", err)
		os.Exit(1)
	}
	go server.Start()
	defer server.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start(ctx)
	defer scheduler.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		slog.Info("shutting down...")
		cancel()
	}()

	slog.Info("relayclaw started", "name", cfg.App.Name, "socket", server.SocketPath())

	if console != nil {
		tui := internal.NewConsole(db, router, cfg)
		if err := tui.Run(ctx, console); err != nil && ctx.Err() == nil {
			slog.Error("console error", "err", err)
			os.Exit(1)
		}
		return
	}

	<-ctx.Done()
}
