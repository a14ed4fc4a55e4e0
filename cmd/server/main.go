// Copyright (c) 2026 RelayCRM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// RelayCRM — Lead Ingestion Service
//
// Entry point for the lead ingestion service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Initialises the credential, mapping, lead, and audit stores
//  4. Serves provider webhook endpoints (Facebook Lead Ads, website forms)
//  5. Runs the periodic pull sync for Google Ads lead forms
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/relaycrm/ingestion/internal/audit"
	"github.com/relaycrm/ingestion/internal/config"
	"github.com/relaycrm/ingestion/internal/credentials"
	"github.com/relaycrm/ingestion/internal/dedup"
	"github.com/relaycrm/ingestion/internal/ingest"
	"github.com/relaycrm/ingestion/internal/lead"
	"github.com/relaycrm/ingestion/internal/mapping"
	"github.com/relaycrm/ingestion/internal/queue"
	"github.com/relaycrm/ingestion/internal/source"
	syncer "github.com/relaycrm/ingestion/internal/sync"
	"github.com/relaycrm/ingestion/internal/webhook"
)

const (
	defaultFacebookAPI  = "https://graph.facebook.com/v19.0"
	defaultGoogleAdsAPI = "https://googleads.googleapis.com/v16"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting RelayCRM lead ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"providers", len(cfg.Providers),
		"pull_sync_interval", cfg.PullSyncInterval,
		"token_refresh_margin", cfg.TokenRefreshMargin,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.LeadsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Delivery Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Stores (Postgres) ---
	credStore, err := credentials.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise credential store", "error", err)
		os.Exit(1)
	}
	mappingStore, err := mapping.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise mapping store", "error", err)
		os.Exit(1)
	}
	leadStore, err := lead.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise lead store", "error", err)
		os.Exit(1)
	}
	auditStore, err := audit.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise audit store", "error", err)
		os.Exit(1)
	}

	// --- Token Lifecycle Manager ---
	tokens := credentials.NewManager(credentials.ManagerConfig{
		Store:   credStore,
		Refresh: credentials.OAuthRefresh(cfg.Providers),
		Margin:  cfg.TokenRefreshMargin,
		Timeout: cfg.FetchTimeout,
	})

	// --- Source Connectors ---
	fbBase := providerBase(cfg, "facebook_ads", defaultFacebookAPI)
	gadsBase := providerBase(cfg, "google_ads", defaultGoogleAdsAPI)

	googleAds := source.NewGoogleAds(gadsBase, cfg.FetchTimeout)
	registry := source.NewRegistry(
		source.NewFacebook(fbBase, cfg.FetchTimeout),
		googleAds,
		source.NewWebsite(),
	)

	// --- Ingestion Orchestrator ---
	orchestrator := ingest.NewOrchestrator(ingest.OrchestratorConfig{
		Accounts:     credStore,
		Tokens:       tokens,
		Mappings:     mappingStore,
		Upserter:     lead.NewUpserter(leadStore),
		Connectors:   registry,
		Sink:         auditStore,
		Publisher:    publisher,
		FetchTimeout: cfg.FetchTimeout,
	})

	// --- Webhook Server ---
	// Started before anything else registers with providers so verification
	// probes succeed as soon as the process is up.
	handler := webhook.NewHandler(orchestrator, filter, cfg.WebhookVerifyToken)
	ready, err := webhook.Serve(ctx, cfg.WebhookPort, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("webhook server ready")

	// --- Pull Sync (Google Ads) ---
	puller := syncer.NewSyncer(syncer.SyncerConfig{
		Accounts: credStore,
		Tokens:   tokens,
		Google:   googleAds,
		Ingestor: orchestrator,
		Interval: cfg.PullSyncInterval,
	})
	puller.Start(ctx)

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop all background goroutines

		puller.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("ingestion service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingestion service stopped")
}

// providerBase returns the configured API base URL for a provider, falling
// back to the production endpoint.
func providerBase(cfg *config.Config, name, fallback string) string {
	if p, ok := cfg.Providers[name]; ok && p.APIBaseURL != "" {
		return p.APIBaseURL
	}
	return fallback
}
