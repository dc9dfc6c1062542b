package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/trainingdesk/chat-client/internal/chat"
	"github.com/trainingdesk/chat-client/internal/config"
	"github.com/trainingdesk/chat-client/internal/logger"
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

	widget := chat.NewWidget(chat.SessionConfig{
		LocalUserID:   cfg.UserID,
		AckTimeout:    cfg.AckTimeout,
		TypingExpiry:  cfg.TypingExpiry,
		QuietInterval: cfg.QuietInterval,
		ReadFlush:     cfg.ReadFlush,
		PageSize:      cfg.Chat.PageSize,
	}, link, backend, chat.SystemClock(), log)
	widget.OnChange = func() { render(widget) }
	widget.OnState = func(st transport.State) {
		fmt.Printf("-- connection: %s\n", st.Status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := widget.Start(ctx, cfg.Credential); err != nil {
		log.Fatal("widget start failed", zap.Error(err))
	}
	widget.Focus()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	fmt.Println("type a message and press enter; /quit to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			widget.Shutdown()
			return
		case strings.HasPrefix(line, "/resend "):
			if err := widget.Resend(strings.TrimPrefix(line, "/resend ")); err != nil {
				fmt.Println("resend:", err)
			}
		case line != "":
			widget.Keystroke()
			widget.Send(line)
		}
	}
	widget.Shutdown()
}

func render(w *chat.Widget) {
	conv := w.Conversation()
	for _, m := range w.Messages() {
		marker := " "
		switch m.Status {
		case chat.StatusPending:
			marker = "…"
		case chat.StatusFailed:
			marker = "!"
		}
		fmt.Printf("[%s]%s %s: %s\n", m.CreatedAt.Format("15:04:05"), marker, m.SenderName, m.Body)
	}
	if users := w.TypingUsers(); len(users) > 0 {
		fmt.Printf("-- %s typing…\n", strings.Join(users, ", "))
	}
	if conv.Unread > 0 {
		fmt.Printf("-- %d unread\n", conv.Unread)
	}
}
