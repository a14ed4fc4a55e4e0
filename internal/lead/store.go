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

package lead

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycrm/ingestion/internal/models"
)

// ErrDuplicateKey is returned when an insert loses a race on the
// (tenant_id, dedup_key) uniqueness constraint.
var ErrDuplicateKey = errors.New("lead dedup key already exists")

// Store is the persistence surface the upsert engine needs. Implemented by
// PGStore; tests substitute an in-memory version.
type Store interface {
	Insert(ctx context.Context, l *models.Lead, dedupKey string) error
	FindByDedupKey(ctx context.Context, tenantID, dedupKey string) (*models.Lead, error)
	Update(ctx context.Context, l *models.Lead) error
}

// PGStore persists leads in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a lead store backed by the given Postgres pool.
// It ensures the leads table and its uniqueness constraint exist on creation.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure lead schema: %w", err)
	}
	slog.Info("lead store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	// The partial unique index on (tenant_id, dedup_key) is the storage-level
	// guard against two concurrent deliveries creating two records for the
	// same lead. Strategy "none" rows carry an empty dedup_key and are
	// excluded from the constraint.
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS leads (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			source        TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			email         TEXT NOT NULL DEFAULT '',
			phone         TEXT NOT NULL DEFAULT '',
			company       TEXT NOT NULL DEFAULT '',
			stage         TEXT NOT NULL DEFAULT '',
			tags          JSONB NOT NULL DEFAULT '[]',
			custom_fields JSONB NOT NULL DEFAULT '{}',
			dedup_email   TEXT NOT NULL DEFAULT '',
			dedup_phone   TEXT NOT NULL DEFAULT '',
			dedup_key     TEXT NOT NULL DEFAULT '',
			external_id   TEXT NOT NULL DEFAULT '',
			activities    JSONB NOT NULL DEFAULT '[]',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_dedup
			ON leads(tenant_id, dedup_key) WHERE dedup_key <> '';
		CREATE INDEX IF NOT EXISTS idx_leads_tenant ON leads(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_leads_email ON leads(tenant_id, dedup_email);
	`)
	return err
}

// Insert writes a brand-new lead. Returns ErrDuplicateKey when another
// writer already holds the (tenant, dedup key) slot.
func (s *PGStore) Insert(ctx context.Context, l *models.Lead, dedupKey string) error {
	tags, custom, activities, err := marshalLeadJSON(l)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO leads
			(id, tenant_id, source, name, email, phone, company, stage,
			 tags, custom_fields, dedup_email, dedup_phone, dedup_key,
			 external_id, activities, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, l.ID, l.TenantID, l.Source, l.Name, l.Email, l.Phone, l.Company, l.Stage,
		tags, custom, l.DedupEmail, l.DedupPhone, dedupKey,
		l.ExternalID, activities, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// FindByDedupKey retrieves the lead holding a dedup key for a tenant.
// Returns nil when no record matches.
func (s *PGStore) FindByDedupKey(ctx context.Context, tenantID, dedupKey string) (*models.Lead, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, source, name, email, phone, company, stage,
		       tags, custom_fields, dedup_email, dedup_phone,
		       external_id, activities, created_at, updated_at
		FROM leads
		WHERE tenant_id = $1 AND dedup_key = $2
	`, tenantID, dedupKey)
	return scanLead(row)
}

// Get retrieves a lead by id. Returns nil when not found.
func (s *PGStore) Get(ctx context.Context, id string) (*models.Lead, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, source, name, email, phone, company, stage,
		       tags, custom_fields, dedup_email, dedup_phone,
		       external_id, activities, created_at, updated_at
		FROM leads
		WHERE id = $1
	`, id)
	return scanLead(row)
}

// Update rewrites a lead's mutable fields after a merge. The dedup_key never
// changes on merge — the identity fields that formed it are preserved.
func (s *PGStore) Update(ctx context.Context, l *models.Lead) error {
	tags, custom, activities, err := marshalLeadJSON(l)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE leads
		SET name = $1, email = $2, phone = $3, company = $4, stage = $5,
		    tags = $6, custom_fields = $7, dedup_email = $8, dedup_phone = $9,
		    external_id = $10, activities = $11, updated_at = $12
		WHERE id = $13
	`, l.Name, l.Email, l.Phone, l.Company, l.Stage,
		tags, custom, l.DedupEmail, l.DedupPhone,
		l.ExternalID, activities, l.UpdatedAt, l.ID)
	if err != nil {
		return fmt.Errorf("update lead %s: %w", l.ID, err)
	}
	return nil
}

func marshalLeadJSON(l *models.Lead) (tags, custom, activities []byte, err error) {
	if l.Tags == nil {
		l.Tags = []string{}
	}
	if l.CustomFields == nil {
		l.CustomFields = map[string]string{}
	}
	if l.Activities == nil {
		l.Activities = []models.Activity{}
	}
	if tags, err = json.Marshal(l.Tags); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal tags: %w", err)
	}
	if custom, err = json.Marshal(l.CustomFields); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal custom fields: %w", err)
	}
	if activities, err = json.Marshal(l.Activities); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal activities: %w", err)
	}
	return tags, custom, activities, nil
}

func scanLead(row pgx.Row) (*models.Lead, error) {
	var l models.Lead
	var tags, custom, activities []byte
	err := row.Scan(
		&l.ID, &l.TenantID, &l.Source, &l.Name, &l.Email, &l.Phone, &l.Company, &l.Stage,
		&tags, &custom, &l.DedupEmail, &l.DedupPhone,
		&l.ExternalID, &activities, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tags, &l.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(custom, &l.CustomFields); err != nil {
		return nil, fmt.Errorf("unmarshal custom fields: %w", err)
	}
	if err := json.Unmarshal(activities, &l.Activities); err != nil {
		return nil, fmt.Errorf("unmarshal activities: %w", err)
	}
	return &l, nil
}
