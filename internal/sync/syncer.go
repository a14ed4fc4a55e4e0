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

// Package sync provides pull-style ingestion for sources without webhooks.
// The Google Ads lead form API is polled per connected account from a
// persisted cursor; each new submission is fed through the same ingestion
// pipeline as webhook deliveries.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/relaycrm/ingestion/internal/credentials"
	"github.com/relaycrm/ingestion/internal/models"
	"github.com/relaycrm/ingestion/internal/source"
)

// AccountLister enumerates pull-sync accounts and persists their cursors.
// Implemented by credentials.Store.
type AccountLister interface {
	ListBySource(ctx context.Context, src models.Source) ([]credentials.Account, error)
	SaveSyncCursor(ctx context.Context, accountID, cursor string) error
}

// TokenProvider returns a currently-valid access token for an account.
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context, accountID string) (string, error)
}

// Ingestor is the pipeline entry point.
type Ingestor interface {
	Ingest(ctx context.Context, tenantID string, src models.Source, event models.InboundLeadEvent) models.IngestionAuditRecord
}

// Syncer polls connected Google Ads accounts for new lead form submissions.
type Syncer struct {
	accounts AccountLister
	tokens   TokenProvider
	google   *source.GoogleAds
	ingestor Ingestor
	limiter  *rate.Limiter
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SyncerConfig holds the configuration for the pull syncer.
type SyncerConfig struct {
	Accounts AccountLister
	Tokens   TokenProvider
	Google   *source.GoogleAds
	Ingestor Ingestor
	Interval time.Duration
	// RequestsPerSecond bounds calls against the provider API. Zero means
	// the provider default of 5 rps.
	RequestsPerSecond float64
}

// NewSyncer creates a pull syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Syncer{
		accounts: cfg.Accounts,
		tokens:   cfg.Tokens,
		google:   cfg.Google,
		ingestor: cfg.Ingestor,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		interval: interval,
	}
}

// SyncAccount polls one account from its persisted cursor and ingests every
// new submission. The cursor advances after the pass; submissions that fail
// transiently are on the audit log and can be re-imported with a backfill.
func (s *Syncer) SyncAccount(ctx context.Context, account credentials.Account) error {
	return s.syncFrom(ctx, account, account.SyncCursor, true)
}

// Backfill re-imports submissions for all of a tenant's Google Ads accounts
// over a lookback window without touching the persisted cursors. The
// pipeline's idempotent upsert absorbs anything already ingested.
func (s *Syncer) Backfill(ctx context.Context, tenantID string, lookback time.Duration) error {
	accounts, err := s.accounts.ListBySource(ctx, models.SourceGoogleAds)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	since := time.Now().UTC().Add(-lookback).Format(time.RFC3339)
	matched := 0
	for _, account := range accounts {
		if account.TenantID != tenantID {
			continue
		}
		matched++
		if err := s.syncFrom(ctx, account, since, false); err != nil {
			slog.Error("backfill failed for account",
				"tenant", tenantID,
				"account_ref", account.AccountRef,
				"error", err,
			)
		}
	}
	if matched == 0 {
		return fmt.Errorf("no connected google ads accounts for tenant %s", tenantID)
	}
	return nil
}

// syncFrom lists submissions after the given cursor and ingests each one.
func (s *Syncer) syncFrom(ctx context.Context, account credentials.Account, cursor string, persistCursor bool) error {
	token, err := s.tokens.GetValidAccessToken(ctx, account.AccountID)
	if err != nil {
		if credentials.IsRefreshError(err) {
			// Tenant has to reconnect; nothing to poll until then.
			slog.Warn("skipping pull sync, account needs reauth",
				"tenant", account.TenantID,
				"account_ref", account.AccountRef,
			)
			return nil
		}
		return fmt.Errorf("token for account %s: %w", account.AccountID, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	stubs, nextCursor, err := s.google.ListSubmissions(ctx, account.AccountRef, token, cursor)
	if err != nil {
		return fmt.Errorf("list submissions for %s: %w", account.AccountRef, err)
	}

	ingested, failed := 0, 0
	for _, stub := range stubs {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		event := models.InboundLeadEvent{
			EventID:    uuid.New().String(),
			ExternalID: stub.ID,
			ReceivedAt: time.Now().UTC(),
		}

		rec := s.ingestor.Ingest(ctx, account.TenantID, models.SourceGoogleAds, event)
		if rec.Outcome == models.OutcomeSuccess {
			ingested++
		} else {
			failed++
		}
	}

	if persistCursor && nextCursor != cursor {
		if err := s.accounts.SaveSyncCursor(ctx, account.AccountID, nextCursor); err != nil {
			return fmt.Errorf("persist sync cursor for %s: %w", account.AccountID, err)
		}
	}

	if len(stubs) > 0 {
		slog.Info("pull sync pass complete",
			"tenant", account.TenantID,
			"account_ref", account.AccountRef,
			"ingested", ingested,
			"failed", failed,
		)
	}

	return nil
}

// Start runs the periodic pull sync loop in the background.
func (s *Syncer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.syncAll(loopCtx)
			}
		}
	}()

	slog.Info("pull sync started", "interval", s.interval)
}

// syncAll polls every connected Google Ads account once.
func (s *Syncer) syncAll(ctx context.Context) {
	accounts, err := s.accounts.ListBySource(ctx, models.SourceGoogleAds)
	if err != nil {
		slog.Error("failed to list pull-sync accounts", "error", err)
		return
	}
	for _, account := range accounts {
		if err := s.SyncAccount(ctx, account); err != nil {
			slog.Error("pull sync failed",
				"tenant", account.TenantID,
				"account_ref", account.AccountRef,
				"error", err,
			)
		}
	}
}

// Stop shuts down the periodic sync loop.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
