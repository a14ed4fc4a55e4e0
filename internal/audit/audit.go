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

// Package audit provides the append-only ingestion audit log. Every
// ingestion attempt — success or failure — produces exactly one record,
// immutable once written.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycrm/ingestion/internal/models"
)

// Store persists ingestion audit records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an audit store backed by the given Postgres pool.
// It ensures the ingestion_audit table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	slog.Info("audit store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingestion_audit (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			source         TEXT NOT NULL,
			event_id       TEXT NOT NULL DEFAULT '',
			external_id    TEXT NOT NULL DEFAULT '',
			outcome        TEXT NOT NULL,
			reason         TEXT NOT NULL DEFAULT '',
			detail         TEXT NOT NULL DEFAULT '',
			missing_fields JSONB NOT NULL DEFAULT '[]',
			lead_id        TEXT NOT NULL DEFAULT '',
			ts             TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_tenant ON ingestion_audit(tenant_id, ts);
		CREATE INDEX IF NOT EXISTS idx_audit_outcome ON ingestion_audit(outcome);
	`)
	return err
}

// Append writes one audit record. Insert-only — there is no update path.
func (s *Store) Append(ctx context.Context, rec models.IngestionAuditRecord) error {
	missing, err := json.Marshal(missingOrEmpty(rec.MissingFields))
	if err != nil {
		return fmt.Errorf("marshal missing fields: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingestion_audit
			(id, tenant_id, source, event_id, external_id, outcome, reason,
			 detail, missing_fields, lead_id, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.TenantID, rec.Source, rec.EventID, rec.ExternalID,
		rec.Outcome, rec.Reason, rec.Detail, missing, rec.LeadID, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// ListByTenant returns the most recent audit records for a tenant, newest
// first. Serves the tenant-facing diagnostics surface.
func (s *Store) ListByTenant(ctx context.Context, tenantID string, limit int) ([]models.IngestionAuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, source, event_id, external_id, outcome, reason,
		       detail, missing_fields, lead_id, ts
		FROM ingestion_audit
		WHERE tenant_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.IngestionAuditRecord
	for rows.Next() {
		var rec models.IngestionAuditRecord
		var missing []byte
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.Source, &rec.EventID, &rec.ExternalID,
			&rec.Outcome, &rec.Reason, &rec.Detail, &missing, &rec.LeadID, &rec.Timestamp,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(missing, &rec.MissingFields); err != nil {
			return nil, fmt.Errorf("unmarshal missing fields: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func missingOrEmpty(fields []string) []string {
	if fields == nil {
		return []string{}
	}
	return fields
}
