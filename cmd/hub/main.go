package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"

	"chat-hub/auth"
	"chat-hub/captcha"
	"chat-hub/envelope"
	hubhttp "chat-hub/infrastructure/http"
	"chat-hub/internal"
	"chat-hub/moderation"
	"chat-hub/observability"
	"chat-hub/repositories"
	"chat-hub/runtime"
	"chat-hub/services"
	"chat-hub/storage"
)

// Exit codes to provide meaningful status to the operating system or
// service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper. Its only responsibility
	// is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hub terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting so deferred cleanup always executes.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := internal.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Database (BadgerDB). A store unreachable at startup is fatal:
	// the hub never runs degraded.
	db, err := badger.Open(buildBadgerOpts(config, logger, ctx))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Core components
	codec, err := envelope.NewCodec(config.EnvelopeSecret)
	if err != nil {
		return exitConfig, err
	}
	verifier := auth.NewVerifier(config.TokenSecret)

	captchaStore := captcha.NewStore(logger, config.CaptchaTTL)
	go func() { _ = captchaStore.Run(ctx) }()

	var moderator *moderation.Moderator
	if words := config.CensoredWordList(); len(words) > 0 {
		mask, err := internal.CharacterRune(config.CharReplacement)
		if err != nil {
			return exitConfig, err
		}
		m, err := moderation.NewModerator(words, mask)
		if err != nil {
			return exitConfig, err
		}
		moderator = &m
		logger.Info("Public-room moderation enabled", "words", len(words))
	}

	identityRepo := repositories.NewIdentityRepository(db)
	roomRepo := repositories.NewRoomRepository(db, logger)
	messageRepo := repositories.NewMessageRepository(db, logger)

	stats := observability.NewManager(logger)
	registry := runtime.NewRegistry(logger, stats)
	stats.Track(registry, captchaStore)

	relay := services.NewRelay(logger, roomRepo, messageRepo, captchaStore, codec,
		moderator, registry, verifier, stats)
	callRelay := services.NewCallRelay(logger, roomRepo, registry)

	blobs, err := storage.NewDiskBlobStore(config.UploadDir, logger)
	if err != nil {
		return exitRuntime, err
	}

	// 4. Debug inspector (side port, debug builds only)
	if config.DebugPort > 0 && logger.Enabled(ctx, slog.LevelDebug) {
		url := fmt.Sprintf("http://localhost:%d/inspect", config.DebugPort)
		logger.Info("Debug badger inspector available", "url", url)
		internal.StartDebugServer(db, config.DebugPort, "/inspect", nil, func() map[string]any {
			snapshot := stats.Snapshot()
			return map[string]any{
				"OpenSockets": snapshot.OpenSockets,
				"Identities":  snapshot.BoundIdentities,
				"Public":      snapshot.PublicMessages,
				"Private":     snapshot.PrivateMessages,
			}
		})
	}

	// 5. HTTP + WebSocket surface
	server := hubhttp.NewServer(logger, verifier, identityRepo, roomRepo, messageRepo,
		captchaStore, codec, relay, callRelay, registry, blobs, stats,
		config.UploadRatePerMinute, config.ConnectionBufferSize)

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Hub listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// 6. Wait for Stop or Error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		return exitRuntime, err
	}

	// 7. Graceful Shutdown: let in-flight requests finish, then close.
	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return exitRuntime, err
	}
	logger.Info("Program stopped cleanly")

	return exitOK, nil
}

func buildBadgerOpts(config internal.Config, logger *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)

	if logger.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG).
			WithBypassLockGuard(true)
	} else {
		options = options.WithLoggingLevel(badger.WARNING)
	}

	return options
}
