package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twilio/twilio-go"
	"go.uber.org/zap"

	"github.com/antoniostano/callbridge/internal/calllog"
	"github.com/antoniostano/callbridge/internal/config"
	"github.com/antoniostano/callbridge/internal/httpapi"
	"github.com/antoniostano/callbridge/internal/logging"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/session"
	"github.com/antoniostano/callbridge/internal/telephony"
	"github.com/antoniostano/callbridge/internal/voice"
)

const (
	janitorInterval = 5 * time.Second
	reasonShutdown  = "shutdown"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "dotenv error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("callbridge exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	callLog, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("call log init failed: %w", err)
	}
	defer callLog.Close()

	provider, err := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
		APIKey:         cfg.ElevenLabsAPIKey,
		AgentID:        cfg.ElevenLabsAgentID,
		APIBaseURL:     cfg.ElevenLabsAPIBaseURL,
		RequestTimeout: cfg.SignedURLTimeout,
		MaxAttempts:    cfg.SignedURLMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("conversation provider init failed: %w", err)
	}

	twilioClient := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	gateway, err := telephony.NewGateway(twilioClient.Api, cfg.TwilioPhoneNumber, logger)
	if err != nil {
		return fmt.Errorf("call gateway init failed: %w", err)
	}

	relays := session.NewManager(cfg.RelayIdleTimeout)
	relays.SetExpireHook(func(t session.Tracked) {
		metrics.SessionEvent("expired")
		logger.Info("relay expired", zap.String("relay_id", t.ID()))
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	relays.StartJanitor(runCtx, janitorInterval)

	api := httpapi.New(cfg, httpapi.Deps{
		Relays:       relays,
		Calls:        gateway,
		Upstream:     provider,
		Metrics:      metrics,
		CallLog:      callLog,
		Logger:       logger,
		RelayContext: runCtx,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("agent_id", provider.AgentID()),
			zap.String("public_base_url", cfg.PublicBaseURL),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-listenErr:
		return fmt.Errorf("listen error: %w", err)
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	closed := relays.CloseAll(reasonShutdown)
	logger.Info("closing active relays", zap.Int("count", closed))
	if err := relays.Wait(shutdownCtx); err != nil {
		logger.Warn("relays still open at shutdown deadline", zap.Int("remaining", relays.ActiveCount()))
	}
	runCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}
