package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"crabstack.local/projects/crab-relay/internal/actorcall"
	"crabstack.local/projects/crab-relay/internal/broker"
	"crabstack.local/projects/crab-relay/internal/config"
	"crabstack.local/projects/crab-relay/internal/dispatch"
	"crabstack.local/projects/crab-relay/internal/httpapi"
	"crabstack.local/projects/crab-relay/internal/lease"
	"crabstack.local/projects/crab-relay/internal/relay"
	"crabstack.local/projects/crab-relay/internal/stream"
	"crabstack.local/projects/crab-relay/internal/subscribers"
	logging "crabstack.local/projects/crab-relay/internal/subscribers/logging"
	"crabstack.local/projects/crab-relay/internal/subscribers/webhook"
)

func main() {
	logger := log.New(os.Stdout, "relay ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	subs := []subscribers.Subscriber{logging.New(logger)}
	for idx, webhookURL := range cfg.WebhookURLs {
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger))
	}
	dispatcher := dispatch.New(logger, subs)

	store, err := stream.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to initialize event store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("event store close error: %v", err)
		}
	}()

	leases, err := lease.NewGormManager(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to initialize lease manager: %v", err)
	}
	defer func() {
		if err := leases.Close(); err != nil {
			logger.Printf("lease manager close error: %v", err)
		}
	}()

	eventBroker := broker.New(logger)
	service := relay.NewService(logger, store, leases, eventBroker, dispatcher, relay.StaticResolver(cfg.ActorBaseURL), relay.Config{
		LeaseTTL:        cfg.LeaseTTL,
		MessageDeadline: cfg.MessageDeadline,
		IdleTimeout:     cfg.IdleTimeout,
		SweepInterval:   cfg.SweepInterval,
		Retry: actorcall.Config{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseBackoff: cfg.RetryBaseBackoff,
			MaxBackoff:  cfg.RetryMaxBackoff,
			Logger:      logger,
		},
	})

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, service, store, eventBroker, httpapi.StaticTicket(cfg.StreamTicket))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Printf("relay_id=%s listening on %s", cfg.RelayID, cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server crashed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return service.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("relay exited: %v", err)
	}
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
