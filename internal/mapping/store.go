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

package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycrm/ingestion/internal/models"
)

// TenantMapping is the persisted mapping configuration for one tenant+source
// pair, authored through the tenant-facing configuration surface.
type TenantMapping struct {
	TenantID      string
	Source        models.Source
	Connected     bool
	DedupStrategy string // parsed by the upsert engine; empty = "none"
	Rules         []Rule
	UpdatedAt     time.Time
}

// Store provides Postgres-backed persistence for mapping configurations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a mapping configuration store backed by the given pool.
// It ensures the mapping_configs table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure mapping schema: %w", err)
	}
	slog.Info("mapping configuration store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mapping_configs (
			id             BIGSERIAL PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			source         TEXT NOT NULL,
			connected      BOOLEAN NOT NULL DEFAULT TRUE,
			dedup_strategy TEXT NOT NULL DEFAULT '',
			rules          JSONB NOT NULL DEFAULT '[]',
			updated_at     TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, source)
		);
		CREATE INDEX IF NOT EXISTS idx_mapping_tenant ON mapping_configs(tenant_id);
	`)
	return err
}

// Save validates and persists a mapping configuration. Ambiguous rule sets
// are rejected here, at authoring time — resolution never sees them.
func (s *Store) Save(ctx context.Context, m TenantMapping) error {
	if err := ValidateRules(m.Rules); err != nil {
		return fmt.Errorf("validate mapping for %s/%s: %w", m.TenantID, m.Source, err)
	}

	rulesJSON, err := json.Marshal(m.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO mapping_configs (tenant_id, source, connected, dedup_strategy, rules)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, source) DO UPDATE SET
			connected      = EXCLUDED.connected,
			dedup_strategy = EXCLUDED.dedup_strategy,
			rules          = EXCLUDED.rules,
			updated_at     = NOW()
	`, m.TenantID, m.Source, m.Connected, m.DedupStrategy, rulesJSON)
	return err
}

// Get retrieves the mapping configuration for a tenant+source pair.
// Returns nil when none exists — callers treat that as UnmappedSource.
func (s *Store) Get(ctx context.Context, tenantID string, source models.Source) (*TenantMapping, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, source, connected, dedup_strategy, rules, updated_at
		FROM mapping_configs
		WHERE tenant_id = $1 AND source = $2
	`, tenantID, source)

	var m TenantMapping
	var rulesJSON []byte
	err := row.Scan(&m.TenantID, &m.Source, &m.Connected, &m.DedupStrategy, &rulesJSON, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rulesJSON, &m.Rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules for %s/%s: %w", tenantID, source, err)
	}
	return &m, nil
}

// Disconnect marks a tenant's source configuration as disconnected without
// deleting the authored rules.
func (s *Store) Disconnect(ctx context.Context, tenantID string, source models.Source) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mapping_configs
		SET connected = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND source = $2
	`, tenantID, source)
	return err
}
