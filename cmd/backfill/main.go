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

// RelayCRM — Historical Lead Backfill Command
//
// Standalone CLI tool that re-imports Google Ads lead form submissions for
// one tenant over a lookback window. The pipeline's idempotent upsert
// absorbs anything already ingested, so re-running is safe.
//
// Usage:
//
//	go run ./cmd/backfill/ --tenant <tenant-id> [--since 168h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/relaycrm/ingestion/internal/audit"
	"github.com/relaycrm/ingestion/internal/config"
	"github.com/relaycrm/ingestion/internal/credentials"
	"github.com/relaycrm/ingestion/internal/ingest"
	"github.com/relaycrm/ingestion/internal/lead"
	"github.com/relaycrm/ingestion/internal/mapping"
	"github.com/relaycrm/ingestion/internal/queue"
	"github.com/relaycrm/ingestion/internal/source"
	syncer "github.com/relaycrm/ingestion/internal/sync"
)

const defaultGoogleAdsAPI = "https://googleads.googleapis.com/v16"

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	tenantFlag := flag.String("tenant", "", "Tenant id to backfill (required)")
	sinceFlag := flag.String("since", "168h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	flag.Parse()

	if *tenantFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --tenant is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	slog.Info("starting historical lead backfill",
		"tenant", *tenantFlag,
		"since", sinceDuration,
	)

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.LeadsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// --- Stores ---
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

	// --- Pipeline ---
	gadsBase := defaultGoogleAdsAPI
	if p, ok := cfg.Providers["google_ads"]; ok && p.APIBaseURL != "" {
		gadsBase = p.APIBaseURL
	}
	googleAds := source.NewGoogleAds(gadsBase, cfg.FetchTimeout)

	orchestrator := ingest.NewOrchestrator(ingest.OrchestratorConfig{
		Accounts:     credStore,
		Tokens:       tokens,
		Mappings:     mappingStore,
		Upserter:     lead.NewUpserter(leadStore),
		Connectors:   source.NewRegistry(googleAds),
		Sink:         auditStore,
		Publisher:    publisher,
		FetchTimeout: cfg.FetchTimeout,
	})

	puller := syncer.NewSyncer(syncer.SyncerConfig{
		Accounts: credStore,
		Tokens:   tokens,
		Google:   googleAds,
		Ingestor: orchestrator,
	})

	start := time.Now()
	if err := puller.Backfill(ctx, *tenantFlag, sinceDuration); err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	slog.Info("backfill complete",
		"tenant", *tenantFlag,
		"elapsed", time.Since(start),
	)
}
