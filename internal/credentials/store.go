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

// Package credentials provides a Postgres-backed store for per-tenant
// connected OAuth accounts and a token lifecycle manager that keeps
// access tokens valid, refreshing them single-flight per account.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycrm/ingestion/internal/models"
)

// Account represents one authenticated external account for a tenant+source
// pair, persisted in Postgres. Mutated only through the Manager after the
// initial OAuth consent flow creates it.
type Account struct {
	ID           int64
	AccountID    string // stable identifier, used as the lock key
	TenantID     string
	Source       models.Source
	AccountRef   string // provider-side identifier (ad account id, page id, site id)
	AccountName  string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	Scopes       string
	NeedsReauth  bool
	SyncCursor   string // pull-sync position, opaque to this package
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store provides CRUD operations for connected accounts in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a credential store backed by the given Postgres pool.
// It ensures the connected_accounts table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure credentials schema: %w", err)
	}
	slog.Info("credential store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS connected_accounts (
			id            BIGSERIAL PRIMARY KEY,
			account_id    TEXT NOT NULL UNIQUE,
			tenant_id     TEXT NOT NULL,
			source        TEXT NOT NULL,
			account_ref   TEXT NOT NULL DEFAULT '',
			account_name  TEXT NOT NULL DEFAULT '',
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expiry  TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			scopes        TEXT NOT NULL DEFAULT '',
			needs_reauth  BOOLEAN NOT NULL DEFAULT FALSE,
			sync_cursor   TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, source, account_ref)
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_tenant ON connected_accounts(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_accounts_source ON connected_accounts(source);
	`)
	return err
}

// Upsert inserts or updates an account keyed on (tenant_id, source, account_ref).
// Called when a tenant completes the OAuth consent flow (or reconnects).
func (s *Store) Upsert(ctx context.Context, a Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connected_accounts
			(account_id, tenant_id, source, account_ref, account_name,
			 access_token, refresh_token, token_expiry, scopes, needs_reauth)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
		ON CONFLICT (tenant_id, source, account_ref) DO UPDATE SET
			account_name  = EXCLUDED.account_name,
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry  = EXCLUDED.token_expiry,
			scopes        = EXCLUDED.scopes,
			needs_reauth  = FALSE,
			updated_at    = NOW()
	`, a.AccountID, a.TenantID, a.Source, a.AccountRef, a.AccountName,
		a.AccessToken, a.RefreshToken, a.TokenExpiry, a.Scopes)
	return err
}

// Get retrieves a single account by its stable account id.
func (s *Store) Get(ctx context.Context, accountID string) (*Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, tenant_id, source, account_ref, account_name,
		       access_token, refresh_token, token_expiry, scopes, needs_reauth,
		       sync_cursor, created_at, updated_at
		FROM connected_accounts
		WHERE account_id = $1
	`, accountID)
	return scanAccount(row)
}

// GetForTenantSource retrieves the connected account for a tenant+source pair.
func (s *Store) GetForTenantSource(ctx context.Context, tenantID string, source models.Source) (*Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, tenant_id, source, account_ref, account_name,
		       access_token, refresh_token, token_expiry, scopes, needs_reauth,
		       sync_cursor, created_at, updated_at
		FROM connected_accounts
		WHERE tenant_id = $1 AND source = $2
		ORDER BY id
		LIMIT 1
	`, tenantID, source)
	return scanAccount(row)
}

// ListByTenant returns all of a tenant's connected accounts across sources.
// Serves the tenant-facing connections surface.
func (s *Store) ListByTenant(ctx context.Context, tenantID string) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, tenant_id, source, account_ref, account_name,
		       access_token, refresh_token, token_expiry, scopes, needs_reauth,
		       sync_cursor, created_at, updated_at
		FROM connected_accounts
		WHERE tenant_id = $1
		ORDER BY source, account_ref
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListBySource returns all accounts for one source across tenants.
// Used by the pull syncer to enumerate accounts that need polling.
func (s *Store) ListBySource(ctx context.Context, source models.Source) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, tenant_id, source, account_ref, account_name,
		       access_token, refresh_token, token_expiry, scopes, needs_reauth,
		       sync_cursor, created_at, updated_at
		FROM connected_accounts
		WHERE source = $1
		ORDER BY tenant_id, account_ref
	`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// UpdateToken persists a refreshed token in a single statement. The refresh
// token is only replaced when the provider rotated it (non-empty).
func (s *Store) UpdateToken(ctx context.Context, accountID, accessToken, refreshToken string, expiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET access_token  = $1,
		    refresh_token = CASE WHEN $2 <> '' THEN $2 ELSE refresh_token END,
		    token_expiry  = $3,
		    needs_reauth  = FALSE,
		    updated_at    = NOW()
		WHERE account_id = $4
	`, accessToken, refreshToken, expiry, accountID)
	return err
}

// MarkNeedsReauth flags the account as needing tenant reconnection.
// The account record is kept — only an explicit disconnect deletes it.
func (s *Store) MarkNeedsReauth(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET needs_reauth = TRUE, updated_at = NOW()
		WHERE account_id = $1
	`, accountID)
	return err
}

// SaveSyncCursor persists the pull-sync position for an account.
func (s *Store) SaveSyncCursor(ctx context.Context, accountID, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET sync_cursor = $1, updated_at = NOW()
		WHERE account_id = $2
	`, cursor, accountID)
	return err
}

// Delete removes an account. Only called on explicit tenant disconnect.
func (s *Store) Delete(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM connected_accounts WHERE account_id = $1
	`, accountID)
	return err
}

// scanAccount scans a single row into an Account.
func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.AccountID, &a.TenantID, &a.Source, &a.AccountRef, &a.AccountName,
		&a.AccessToken, &a.RefreshToken, &a.TokenExpiry, &a.Scopes, &a.NeedsReauth,
		&a.SyncCursor, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// collectAccounts scans multiple rows into a slice of Accounts.
func collectAccounts(rows pgx.Rows) ([]Account, error) {
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(
			&a.ID, &a.AccountID, &a.TenantID, &a.Source, &a.AccountRef, &a.AccountName,
			&a.AccessToken, &a.RefreshToken, &a.TokenExpiry, &a.Scopes, &a.NeedsReauth,
			&a.SyncCursor, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
