package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cercle-chat/internal/config"
	"cercle-chat/internal/expiry"
	"cercle-chat/internal/feed"
	"cercle-chat/internal/handler"
	"cercle-chat/internal/messaging"
	"cercle-chat/internal/observability"
	"cercle-chat/internal/repository/postgres"
	"cercle-chat/internal/service"
	"cercle-chat/internal/store"
)

const poolStatsInterval = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("chat server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting chat server",
		slog.String("environment", cfg.Environment),
		slog.String("change_feed", cfg.ChangeFeed),
		slog.Duration("ephemeral_lifetime", cfg.EphemeralLifetime))

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := config.NewPostgresConnection(connCtx, cfg.DatabaseURL)
	connCancel()
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("connected to postgresql")

	var rmq *messaging.RabbitMQ
	if cfg.UsesRabbitMQ() {
		rmqCtx, rmqCancel := context.WithTimeout(ctx, 60*time.Second)
		rmq, err = messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL)
		rmqCancel()
		if err != nil {
			return err
		}
		defer rmq.Close()
		slog.Info("connected to rabbitmq")
	}

	// Background work outlives request handling and stops after Shutdown
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	var wg sync.WaitGroup

	hub := feed.NewHub()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hub.Run(appCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("feed hub error", slog.String("error", err.Error()))
		}
	}()

	notifyChannel := ""
	if !cfg.UsesRabbitMQ() {
		notifyChannel = postgres.MessagesInsertedChannel
	}
	messageRepo := postgres.NewMessageRepository(db, notifyChannel)
	participantRepo := postgres.NewParticipantRepository(db)

	var storeOpts []store.Option
	if rmq != nil {
		relay := messaging.NewMessageRelay(rmq, hub)
		if err := relay.Start(appCtx); err != nil {
			return err
		}
		storeOpts = append(storeOpts, store.WithPublisher(rmq))
		slog.Info("rabbitmq change feed started")
	} else {
		listener, err := postgres.NewChangeListener(cfg.DatabaseURL, hub, messageRepo)
		if err != nil {
			return err
		}
		defer listener.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(appCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("change listener stopped", slog.String("error", err.Error()))
			}
		}()
		slog.Info("postgres change feed started", slog.String("channel", notifyChannel))
	}

	messageStore := store.NewClient(messageRepo, hub, storeOpts...)
	chatService := service.NewChatService(messageStore, participantRepo, expiry.WallClock(), cfg.EphemeralLifetime)

	if cfg.MessageRetention > 0 {
		purger := store.NewPurger(messageRepo, expiry.WallClock(), cfg.MessageRetention, cfg.PurgeInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			purger.Run(appCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		config.RecordPoolStats(appCtx, db, poolStatsInterval)
	}()

	// A nil *RabbitMQ must not reach the health check as a non-nil interface
	var broker handler.Broker
	if rmq != nil {
		broker = rmq
	}

	router, stopLimiter := newRouter(appCtx, routerDeps{
		cfg:    cfg,
		db:     db,
		broker: broker,
		chat:   chatService,
	})
	defer stopLimiter()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("chat server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-serveErr:
		if err != nil {
			appCancel()
			wg.Wait()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	// Closes open WebSocket sessions, which Shutdown leaves alone
	appCancel()
	wg.Wait()

	slog.Info("server stopped gracefully")
	return nil
}
