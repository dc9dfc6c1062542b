package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/trainingdesk/chat-client/internal/chat"
	"github.com/trainingdesk/chat-client/internal/config"
	"github.com/trainingdesk/chat-client/internal/logger"
	"github.com/trainingdesk/chat-client/internal/metrics"
	"github.com/trainingdesk/chat-client/internal/rest"
	"github.com/trainingdesk/chat-client/internal/transport"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	backend, err := rest.New(rest.Config{
		BaseURL:            cfg.Rest.BaseURL,
		Credential:         cfg.Credential,
		Timeout:            cfg.RestTimeout,
		RetryMaxElapsed:    cfg.RetryMaxElapsed,
		BreakerMaxFailures: cfg.Rest.BreakerMaxFailures,
		BreakerInterval:    cfg.BreakerInterval,
		BreakerTimeout:     cfg.BreakerTimeout,
	}, log)
	if err != nil {
		log.Fatal("rest client init failed", zap.Error(err))
	}

	link := transport.NewManager(transport.Config{
		URL:              cfg.Realtime.URL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxAttempts:      cfg.Realtime.MaxAttempts,
		BackoffInitial:   cfg.BackoffInitial,
		BackoffMax:       cfg.BackoffMax,
	}, log)

	console := chat.NewConsole(chat.SessionConfig{
		LocalUserID:   cfg.UserID,
		AckTimeout:    cfg.AckTimeout,
		TypingExpiry:  cfg.TypingExpiry,
		QuietInterval: cfg.QuietInterval,
		ReadFlush:     cfg.ReadFlush,
		PageSize:      cfg.Chat.PageSize,
	}, link, backend, chat.SystemClock(), log)
	console.OnState = func(st transport.State) {
		if st.Status == transport.StatusFailed {
			log.Error("realtime session failed", zap.Error(st.Err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := console.Start(ctx, cfg.Credential); err != nil {
		log.Fatal("console start failed", zap.Error(err))
	}

	// ops server: health + prometheus scrape
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "connection": link.Status().String()})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	addr := ":" + cfg.Ops.Port
	go func() {
		log.Info("ops server listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			log.Fatal("ops server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown requested")

	console.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = app.ShutdownWithContext(shutdownCtx)
	log.Info("console stopped")
}
