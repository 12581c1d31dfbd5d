package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/handler"
	"github.com/zhouzirui/z-relay/backend/internal/logging"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
	"github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/storage/csvlog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(start())
}

// start returns the process exit code so deferred cleanup runs before exit.
func start() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("failed to load configuration: %v", err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Printf("failed to build logger: %v", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	restore := zap.ReplaceGlobals(logger)
	defer restore()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped", zap.Error(err))
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	provider, err := ai.NewProvider(ctx, cfg.AI)
	if err != nil {
		return err
	}
	logger.Info("ai provider ready",
		zap.String("provider", provider.Name()),
		zap.String("model", cfg.AI.ModelName()),
		zap.Duration("timeout", cfg.AI.Timeout),
	)

	store := csvlog.New(cfg.Storage.Path, logger)
	registry := chat.NewRegistry(provider, logger)

	var opts []chat.Option
	if cfg.Storage.AppendEnabled() {
		opts = append(opts, chat.WithRecorder(store))
	}
	chatSvc := chat.NewService(registry, store, logger, opts...)

	if err := chatSvc.Load(ctx); err != nil {
		return err
	}

	addr, err := cfg.Server.Addr()
	if err != nil {
		return err
	}
	router := handler.NewRouter(chatSvc, logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("z-relay backend listening",
		zap.String("addr", addr),
		zap.String("chat_log", store.Path()),
		zap.String("chat_log_mode", cfg.Storage.Mode),
	)
	serveErr := runServer(ctx, srv, router)

	// The snapshot is written after the listener and every websocket are
	// gone so no request can append behind it.
	if err := chatSvc.Flush(context.Background()); err != nil {
		logger.Error("failed to save chats on shutdown", zap.Error(err))
	} else {
		logger.Info("chats saved", zap.Int("chats", len(chatSvc.ListChats(ctx))))
	}
	return serveErr
}

// drainer closes connections that http.Server.Shutdown does not track.
type drainer interface {
	Shutdown(ctx context.Context) error
}

func runServer(ctx context.Context, srv *http.Server, hijacked drainer) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), hijacked.Shutdown(shutdownCtx))
	})

	return g.Wait()
}
