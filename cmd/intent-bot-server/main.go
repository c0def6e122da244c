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

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"intent-bot-backend/internal/config"
	"intent-bot-backend/internal/connector"
	"intent-bot-backend/internal/dialog"
	"intent-bot-backend/internal/dialogs"
	"intent-bot-backend/internal/nlu"
	"intent-bot-backend/internal/server"
	"intent-bot-backend/internal/store"
	"intent-bot-backend/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

// run wires the bot and serves until a signal arrives. Every resource it
// opens is released before it returns, including on startup errors.
func run(cfg config.Config, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rec, err := newRecognizer(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}

	st, err := store.Open(cfg.StorageURL, cfg.SessionTTL, log)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("session store close", zap.Error(err))
		}
	}()

	sink, closeSinks := newTelemetry(cfg, log)

	registry := dialogs.NewRegistry(cfg.IntentThreshold, log)
	dispatcher := dialog.NewDispatcher(rec, registry, st, sink, cfg.RecognizerTimeout, log)

	s := server.NewServer(cfg, server.Deps{
		Dispatcher: dispatcher,
		Store:      st,
		Connector: connector.NewClient(connector.Credentials{
			AppID:    cfg.MicrosoftAppID,
			Password: cfg.MicrosoftAppPassword,
		}, log),
		Auth: connector.NewAuthenticator(cfg.MicrosoftAppID, cfg.BotOpenIDMetadata, log),
	}, log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("intent bot listening",
			zap.String("addr", httpServer.Addr),
			zap.String("nlu", cfg.NLUProvider),
			zap.Bool("auth", cfg.AuthEnabled()),
			zap.Strings("intents", registry.Intents()),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	closeSinks(ctx)
	return serveErr
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.LogLevel == "debug" || cfg.Environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newRecognizer(cfg config.Config, log *zap.Logger) (nlu.Recognizer, error) {
	switch cfg.NLUProvider {
	case config.ProviderLUIS:
		return nlu.NewLUISRecognizer(cfg.LuisModelURL(), nlu.LUISOptions{}, log), nil
	case config.ProviderOpenAI:
		catalog, err := nlu.LoadCatalog(cfg.IntentCatalog)
		if err != nil {
			return nil, err
		}
		return nlu.NewLLMRecognizer(catalog, openai.NewClient(cfg.OpenAIAPIKey), cfg.Model, log), nil
	default:
		catalog, err := nlu.LoadCatalog(cfg.IntentCatalog)
		if err != nil {
			return nil, err
		}
		return nlu.NewKeywordRecognizer(catalog), nil
	}
}

// newTelemetry fans events out to the log and, when configured, to
// Application Insights and NATS, behind a bounded async queue.
func newTelemetry(cfg config.Config, log *zap.Logger) (telemetry.Sink, func(context.Context)) {
	sinks := telemetry.Multi{telemetry.NewLogSink(log)}
	var ai *telemetry.AppInsightsSink
	var ns *telemetry.NATSSink

	if cfg.AppInsightsKey != "" {
		ai = telemetry.NewAppInsightsSink(cfg.AppInsightsKey)
		sinks = append(sinks, ai)
	}
	if cfg.NATSURL != "" {
		var err error
		ns, err = telemetry.NewNATSSink(cfg.NATSURL, telemetry.DefaultSubject, log)
		if err != nil {
			log.Warn("nats telemetry disabled", zap.Error(err))
		} else {
			sinks = append(sinks, ns)
		}
	}

	async := telemetry.NewAsync(sinks, 1024, log)
	return async, func(ctx context.Context) {
		if err := async.Close(ctx); err != nil {
			log.Warn("telemetry queue not drained", zap.Error(err))
		}
		if ai != nil {
			ai.Close(5 * time.Second)
		}
		if ns != nil {
			if err := ns.Close(); err != nil {
				log.Warn("nats close", zap.Error(err))
			}
		}
	}
}
