package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sovrbridge/bridge"
	"sovrbridge/config"
	"sovrbridge/gateway"
	"sovrbridge/ledger"
	"sovrbridge/observability/logging"
	"sovrbridge/observability/otel"
	"sovrbridge/secrets"
	"sovrbridge/server"
	"sovrbridge/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the bridge configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup("bridged", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		insecure, _ := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "bridged",
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    insecure,
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	source := secretSource(cfg)
	signerKey, err := source.Secret(signerKeyName(cfg))
	if err != nil {
		return fmt.Errorf("resolve signer key: %w", err)
	}
	apiKey, err := secrets.EnvSource{}.Secret(cfg.Gateway.APIKeyEnv)
	if err != nil {
		return fmt.Errorf("resolve gateway api key: %w", err)
	}
	webhookSecret, err := secrets.EnvSource{}.Secret(cfg.Gateway.WebhookSecretEnv)
	if err != nil {
		return fmt.Errorf("resolve webhook secret: %w", err)
	}
	jwtSecret, err := secrets.EnvSource{}.Secret(cfg.Auth.JWTSecretEnv)
	if err != nil {
		return fmt.Errorf("resolve jwt secret: %w", err)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	chain, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.ContractAddress, signerKey, cfg.Ledger.ChainID,
		ledger.WithConfirmations(cfg.Ledger.Confirmations),
		ledger.WithLogger(logging.Component(logger, "ledger")),
	)
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	defer chain.Close()
	logger.Info("ledger connected",
		"contract", cfg.Ledger.ContractAddress,
		"chain_id", cfg.Ledger.ChainID,
		"signer", chain.SignerAddress())

	gw, err := gateway.NewClient(cfg.Gateway.BaseURL, apiKey)
	if err != nil {
		return fmt.Errorf("build gateway client: %w", err)
	}

	executor := bridge.NewExecutor(chain, gw, store,
		bridge.WithCreditRetries(cfg.Executor.CreditMaxAttempts, cfg.Executor.CreditBackoff.Duration),
		bridge.WithReceiptTimeout(cfg.Executor.ReceiptTimeout.Duration),
		bridge.WithExecutorLogger(logging.Component(logger, "executor")),
	)
	engine := bridge.NewEngine(store, executor,
		bridge.WithEngineLogger(logging.Component(logger, "engine")),
	)
	watcher := bridge.NewWatcher(chain, engine, store,
		bridge.WithPollInterval(cfg.Ledger.PollInterval.Duration),
		bridge.WithWatcherLogger(logging.Component(logger, "watcher")),
	)

	auth, err := server.NewAuthenticator(jwtSecret)
	if err != nil {
		return err
	}
	srv := server.New(engine, auth, webhookSecret,
		server.WithServerLogger(logger),
		server.WithSignatureTolerance(cfg.Gateway.SignatureTolerance.Duration),
		server.WithRateLimit(server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
	)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Router(), "bridged"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go watcher.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("bridged stopped")
	return nil
}

func secretSource(cfg config.Config) secrets.Source {
	chain := secrets.Chain{secrets.EnvSource{}}
	if path := cfg.Ledger.SignerKeyFile; path != "" {
		if file, err := secrets.NewFileSource(path); err == nil {
			chain = append(chain, file)
		}
	}
	return chain
}

func signerKeyName(cfg config.Config) string {
	if cfg.Ledger.SignerKeyEnv != "" {
		return cfg.Ledger.SignerKeyEnv
	}
	return "privateKey"
}
