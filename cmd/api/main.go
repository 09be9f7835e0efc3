package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"qr-payment-relay/internal/client"
	"qr-payment-relay/internal/config"
	"qr-payment-relay/internal/logger"
	"qr-payment-relay/internal/relay"
	"qr-payment-relay/internal/repository"
	"qr-payment-relay/internal/server"
	"qr-payment-relay/internal/service"
	"syscall"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log, os.Stdout)
	if err := run(cfg, log); err != nil {
		log.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	policy, err := relay.ParsePolicy(cfg.Relay.DeliveryPolicy)
	if err != nil {
		return err
	}
	catalog, err := cfg.Catalog.LoadCatalog()
	if err != nil {
		return err
	}
	bounds, err := cfg.Catalog.Bounds()
	if err != nil {
		return err
	}

	db, err := client.InitDBClient(cfg.DatabaseURL, logger.ParseLevel(cfg.Log.Level))
	if err != nil {
		return err
	}

	intentRepo := repository.NewIntentRepository(db)
	processedRepo := repository.NewProcessedPaymentRepository(db)
	deliveryRepo := repository.NewDeliveryRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)

	clock := relay.NewSystemClock()

	// the credential service needs the registry's device set, the registry needs the gateway
	var registry *relay.Registry
	credentialService := service.NewCredentialService(
		credentialRepo,
		cfg.Gateway.AccessToken,
		func(d relay.DeviceID) error { return registry.Check(d) },
		clock,
		log,
	)
	gateway := client.NewCheckoutClient(&cfg.Gateway, cfg.NotificationURL(), credentialService)

	registry = relay.NewRegistry(relay.RegistryConfig{
		Catalog:        catalog,
		Bounds:         bounds,
		RotationDelay:  cfg.Relay.RotationDelay,
		RetryAttempts:  cfg.Relay.MintRetryAttempts,
		RetryBaseDelay: cfg.Relay.MintRetryBaseDelay,
		RetryMaxDelay:  cfg.Relay.MintRetryMaxDelay,
	}, gateway, intentRepo, clock, relay.NewTimerScheduler(), log)
	defer registry.Close()

	queue := relay.NewQueue(policy, deliveryRepo, log)
	reconciler := relay.NewReconciler(registry, queue, gateway, processedRepo, auditRepo, clock, cfg.Gateway.Timeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := reconciler.Restore(ctx); err != nil {
		return err
	}
	if err := queue.Restore(ctx); err != nil {
		return err
	}
	// A device whose startup mint failed is minted again on its first link request.
	if err := registry.Bootstrap(ctx); err != nil {
		log.Warn("bootstrap incomplete", "error", err)
	}

	deviceService := service.NewDeviceService(registry, queue, auditRepo)
	srv := server.NewServer(deviceService, credentialService, reconciler, server.Options{
		AdminAPIKey:   cfg.Admin.APIKey,
		DebugEndpoint: cfg.Features.DebugEndpoint,
		WebhookPath:   cfg.Gateway.WebhookPath,
	}, log)

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port
	log.Info("starting HTTP server",
		"addr", serverAddr, "devices", registry.Devices(), "policy", policy,
		"environment", cfg.Environment.Name)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	log.Info("signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
